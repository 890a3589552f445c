package signer

import (
	"context"
	"encoding/hex"
	"path/filepath"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	btcecdsa "github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/stretchr/testify/require"

	"github.com/stackflow-net/watchtower/go/executor"
	"github.com/stackflow-net/watchtower/go/pipe"
	"github.com/stackflow-net/watchtower/go/stacks"
	"github.com/stackflow-net/watchtower/go/store"
	"github.com/stackflow-net/watchtower/go/verifier"
	"github.com/stackflow-net/watchtower/go/watchtower"
)

const testContract = "ST134PZ3RQ12GZNTA726HZHMHS88MEV1GT4SHTKBT.stackflow-0-6-0"

var testDomain = stacks.Domain{Name: "StackFlow", Version: "0.6.0", ChainID: stacks.Testnet.ChainID}

func testPrincipal(seed string) stacks.Principal {
	return stacks.Principal{
		Version: stacks.AddressVersionTestnet,
		Hash160: stacks.Hash160([]byte(seed)),
	}
}

type fixture struct {
	service *Service
	store   *store.Store
	backend *LocalKey
	op, bob stacks.Principal
	key     pipe.Key
}

func newFixture(t *testing.T) *fixture {
	var s, err = store.Open(filepath.Join(t.TempDir(), "state.db"), 10)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	priv, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	backend, err := NewLocalKey("0x"+hex.EncodeToString(priv.Serialize()), stacks.Testnet)
	require.NoError(t, err)

	tower, err := watchtower.New(s, verifier.AcceptAll(), executor.Mock(), watchtower.Config{})
	require.NoError(t, err)

	var op = backend.Principal()
	var bob = testPrincipal("bob")
	return &fixture{
		service: NewService(tower, s, backend, op, testDomain),
		store:   s,
		backend: backend,
		op:      op,
		bob:     bob,
		key:     pipe.NewKey(op, bob, nil),
	}
}

// seedBaseline stores an observed pipe with the operator holding opBalance.
func (f *fixture) seedBaseline(t *testing.T, opBalance, otherBalance, nonce uint64) {
	var n = stacks.NewUint(nonce)
	var observed = pipe.ObservedPipe{
		ContractID: testContract,
		PipeID:     f.key.ID(),
		Key:        f.key,
		Nonce:      &n,
		Event:      "fund-pipe",
		UpdatedAt:  time.Now().UTC(),
	}
	if f.key.SideOf(f.op) == pipe.SideLow {
		observed.BalanceLow = stacks.NewUint(opBalance)
		observed.BalanceHigh = stacks.NewUint(otherBalance)
	} else {
		observed.BalanceLow = stacks.NewUint(otherBalance)
		observed.BalanceHigh = stacks.NewUint(opBalance)
	}
	require.NoError(t, f.store.SetObservedPipe(observed))
}

func transferRequest(f *fixture, nonce, my, their uint64) Request {
	return Request{
		ContractID:     testContract,
		WithPrincipal:  f.bob,
		MyBalance:      stacks.NewUint(my),
		TheirBalance:   stacks.NewUint(their),
		TheirSignature: stacks.Signature{0x02},
		Nonce:          stacks.NewUint(nonce),
	}
}

func TestSignTransferHappyPath(t *testing.T) {
	var f = newFixture(t)
	f.seedBaseline(t, 800, 200, 4)

	var result, err = f.service.SignTransfer(context.Background(), transferRequest(f, 5, 900, 100))
	require.NoError(t, err)
	require.True(t, result.Stored)
	require.Equal(t, f.op, result.State.ForPrincipal)
	require.Equal(t, pipe.ActionTransfer, result.State.Action)
	require.Equal(t, "5", result.State.Nonce.String())

	// The produced signature recovers to the operator's own principal over
	// the canonical SIP-018 message.
	var balanceLow, balanceHigh = result.State.MyBalance, result.State.TheirBalance
	if f.key.SideOf(f.op) == pipe.SideHigh {
		balanceLow, balanceHigh = balanceHigh, balanceLow
	}
	hash, err := stacks.StructuredDataHash(testDomain, stacks.Tuple{
		"token":         stacks.None{},
		"principal-1":   stacks.PrincipalValue(f.key.Low),
		"principal-2":   stacks.PrincipalValue(f.key.High),
		"balance-1":     stacks.UInt{U: balanceLow},
		"balance-2":     stacks.UInt{U: balanceHigh},
		"nonce":         stacks.UInt{U: result.State.Nonce},
		"action":        stacks.UIntOf(1),
		"actor":         stacks.PrincipalValue(f.op),
		"hashed-secret": stacks.None{},
		"valid-after":   stacks.None{},
	})
	require.NoError(t, err)
	pub, err := stacks.RecoverSigner(result.State.MySignature, hash)
	require.NoError(t, err)
	require.Equal(t, f.op, stacks.PrincipalOfPublicKey(pub, stacks.AddressVersionTestnet))
}

func TestSignTransferPolicyRejections(t *testing.T) {
	var f = newFixture(t)
	var ctx = context.Background()

	// No baseline at all.
	var _, err = f.service.SignTransfer(ctx, transferRequest(f, 5, 900, 100))
	require.IsType(t, UnknownPipeStateError{}, err)

	f.seedBaseline(t, 200, 100, 4)

	// Stale nonce.
	_, err = f.service.SignTransfer(ctx, transferRequest(f, 4, 200, 100))
	require.IsType(t, NonceTooLowError{}, err)

	// Reducing the operator's claim from 200 to 150 must be refused, and
	// nothing may be written.
	_, err = f.service.SignTransfer(ctx, transferRequest(f, 5, 150, 150))
	require.IsType(t, BalanceDecreaseError{}, err)
	require.Empty(t, f.store.ListSignatureStates())

	// Conservation: totals must match the baseline.
	_, err = f.service.SignTransfer(ctx, transferRequest(f, 5, 250, 100))
	require.ErrorContains(t, err, "sum to 350, expected 300")

	// Wrong explicit action.
	var req = transferRequest(f, 5, 250, 50)
	var action = pipe.ActionClose
	req.Action = &action
	_, err = f.service.SignTransfer(ctx, req)
	require.ErrorContains(t, err, "transfer endpoint cannot sign a close")
}

func TestSignSignatureRequestActions(t *testing.T) {
	var f = newFixture(t)
	var ctx = context.Background()
	f.seedBaseline(t, 200, 100, 4)

	// Missing and transfer actions are rejected.
	var _, err = f.service.SignSignatureRequest(ctx, transferRequest(f, 5, 200, 100))
	require.ErrorContains(t, err, "action is required")

	var req = transferRequest(f, 5, 200, 100)
	var transfer = pipe.ActionTransfer
	req.Action = &transfer
	_, err = f.service.SignSignatureRequest(ctx, req)
	require.ErrorContains(t, err, "signed via the transfer endpoint")

	// Deposit without an amount.
	req = transferRequest(f, 5, 300, 100)
	var deposit = pipe.ActionDeposit
	req.Action = &deposit
	_, err = f.service.SignSignatureRequest(ctx, req)
	require.ErrorContains(t, err, "amount is required for deposit")

	// Deposit of 100 to the operator's side conserves total + amount.
	var amount = stacks.NewUint(100)
	req.Amount = &amount
	result, err := f.service.SignSignatureRequest(ctx, req)
	require.NoError(t, err)
	require.True(t, result.Stored)
	require.Equal(t, pipe.ActionDeposit, result.State.Action)
	require.Equal(t, "100", result.State.Amount.String())

	// Close at the current split.
	req = transferRequest(f, 6, 200, 100)
	var close_ = pipe.ActionClose
	req.Action = &close_
	result, err = f.service.SignSignatureRequest(ctx, req)
	require.NoError(t, err)
	require.True(t, result.Stored)
}

func TestSignWithdrawOperatorOwnFunds(t *testing.T) {
	var f = newFixture(t)
	var ctx = context.Background()
	f.seedBaseline(t, 200, 100, 4)

	var withdraw = pipe.ActionWithdraw
	var amount = stacks.NewUint(50)

	// The operator withdrawing its own 50 may shrink its claim to 150.
	var req = transferRequest(f, 5, 150, 100)
	req.Action = &withdraw
	req.Amount = &amount
	var result, err = f.service.SignSignatureRequest(ctx, req)
	require.NoError(t, err)
	require.True(t, result.Stored)

	// The counterparty withdrawing cannot shrink the operator's claim.
	f.seedBaseline(t, 200, 100, 5)
	req = transferRequest(f, 6, 150, 100)
	req.Action = &withdraw
	req.Amount = &amount
	req.Actor = &f.bob
	_, err = f.service.SignSignatureRequest(ctx, req)
	require.IsType(t, BalanceDecreaseError{}, err)

	// Nor may the operator shrink by more than the withdrawn amount.
	req = transferRequest(f, 6, 100, 150)
	req.Action = &withdraw
	req.Amount = &amount
	_, err = f.service.SignSignatureRequest(ctx, req)
	require.IsType(t, BalanceDecreaseError{}, err)
}

func TestDisabledBackends(t *testing.T) {
	var backend, err = NewLocalKey("", stacks.Testnet)
	require.NoError(t, err)
	require.True(t, backend.Principal().IsZero())
	require.NoError(t, backend.EnsureReady(context.Background()))
	_, err = backend.SignHash(context.Background(), [32]byte{})
	require.IsType(t, DisabledError{}, err)

	kms, err := NewKMS(context.Background(), "", stacks.Testnet)
	require.NoError(t, err)
	require.NoError(t, kms.EnsureReady(context.Background()))
	_, err = kms.SignHash(context.Background(), [32]byte{})
	require.IsType(t, DisabledError{}, err)
}

func TestRecoverableFromDER(t *testing.T) {
	var priv, err = btcec.NewPrivateKey()
	require.NoError(t, err)
	var hash = stacks.Hash160([]byte("payload"))
	var digest [32]byte
	copy(digest[:20], hash[:])

	var der = btcecdsa.Sign(priv, digest[:]).Serialize()
	sig, err := recoverableFromDER(der, digest, priv.PubKey())
	require.NoError(t, err)

	pub, err := stacks.RecoverSigner(sig, digest)
	require.NoError(t, err)
	require.True(t, pub.IsEqual(priv.PubKey()))

	// A foreign public key cannot be reproduced.
	other, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	_, err = recoverableFromDER(der, digest, other.PubKey())
	require.ErrorContains(t, err, "no recovery id")
}
