// Package executor submits dispute transactions. The chain executor builds
// and broadcasts a dispute-closure contract call; noop and mock stand in
// when no operator signer or node is available.
package executor

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/stackflow-net/watchtower/go/pipe"
	"github.com/stackflow-net/watchtower/go/stacks"
)

// Request carries everything a dispute submission needs: the higher-nonce
// state to publish, the closure being disputed, and the derived attempt id.
type Request struct {
	AttemptID string
	State     pipe.SignatureState
	Closure   pipe.Closure
}

// Executor submits one dispute transaction. Submissions are never retried
// by the caller; a failed Submit is recorded and left to the operator.
type Executor interface {
	Submit(ctx context.Context, req Request) (txid string, err error)
	Mode() string
}

type noop struct{}

func (noop) Submit(context.Context, Request) (string, error) {
	return "", fmt.Errorf("noop")
}
func (noop) Mode() string { return "noop" }

// Noop returns an Executor that fails every submission with a stable
// "noop" error. It never claims success.
func Noop() Executor { return noop{} }

type mock struct{}

func (mock) Submit(_ context.Context, req Request) (string, error) {
	var sum = sha256.Sum256([]byte(req.AttemptID))
	return "0xmock" + hex.EncodeToString(sum[:12]), nil
}
func (mock) Mode() string { return "mock" }

// Mock returns an Executor that fabricates a deterministic txid from the
// attempt id without touching the chain. For tests and dry runs.
func Mock() Executor { return mock{} }

// AccountSigner is the signing capability a chain submission needs. Both
// the local-key and kms signer backends satisfy it.
type AccountSigner interface {
	Principal() stacks.Principal
	SignerHash() [20]byte
	SignHash(ctx context.Context, hash [32]byte) (stacks.Signature, error)
}

// NodeBroadcaster is the transaction surface of the stacks node client.
type NodeBroadcaster interface {
	AccountNonce(ctx context.Context, account stacks.Principal) (uint64, error)
	BroadcastTransaction(ctx context.Context, raw []byte) (string, error)
}

// defaultFee is the flat fee attached to dispute transactions, in µSTX.
const defaultFee = 3000

type chain struct {
	node    NodeBroadcaster
	signer  AccountSigner
	network stacks.Network
	fee     uint64
}

// Chain returns an Executor that signs and broadcasts dispute-closure
// contract calls with the given account signer. A zero fee selects the
// default.
func Chain(node NodeBroadcaster, signer AccountSigner, network stacks.Network, fee uint64) Executor {
	if fee == 0 {
		fee = defaultFee
	}
	return &chain{node: node, signer: signer, network: network, fee: fee}
}

func (c *chain) Mode() string { return "chain" }

func (c *chain) Submit(ctx context.Context, req Request) (string, error) {
	var contract, err = stacks.ParsePrincipal(req.Closure.ContractID)
	if err != nil {
		return "", fmt.Errorf("parsing contract id %q: %w", req.Closure.ContractID, err)
	}
	args, err := disputeArgs(req.State)
	if err != nil {
		return "", err
	}
	nonce, err := c.node.AccountNonce(ctx, c.signer.Principal())
	if err != nil {
		return "", fmt.Errorf("fetching account nonce: %w", err)
	}

	var call = &stacks.ContractCall{
		Network:  c.network,
		Contract: contract,
		Function: "dispute-closure",
		Args:     args,
		Nonce:    nonce,
		Fee:      c.fee,
	}
	raw, txid, err := call.SignWith(c.signer.SignerHash(), func(hash [32]byte) (stacks.Signature, error) {
		return c.signer.SignHash(ctx, hash)
	})
	if err != nil {
		return "", err
	}

	log.WithFields(log.Fields{
		"pipeId":       req.State.PipeID,
		"contractId":   req.Closure.ContractID,
		"forPrincipal": req.State.ForPrincipal.String(),
		"nonce":        req.State.Nonce.String(),
		"txid":         txid,
		"fee":          c.fee,
	}).Info("broadcasting dispute transaction")

	if _, err = c.node.BroadcastTransaction(ctx, raw); err != nil {
		return "", err
	}
	return txid, nil
}

// disputeArgs builds the dispute-closure argument list from the state being
// published.
func disputeArgs(state pipe.SignatureState) ([]stacks.Value, error) {
	if state.SideOf(state.ForPrincipal) == pipe.SideNone {
		return nil, fmt.Errorf("state principal %s is not a pipe participant", state.ForPrincipal)
	}
	if n := len(state.Secret); n != 0 && n != 32 {
		return nil, fmt.Errorf("secret must be 32 bytes, got %d", n)
	}
	return []stacks.Value{
		stacks.OptionalPrincipal(state.Token),
		stacks.UInt{U: state.MyBalance},
		stacks.UInt{U: state.TheirBalance},
		stacks.UInt{U: state.Nonce},
		stacks.UIntOf(uint64(state.Action)),
		stacks.PrincipalValue(state.Actor),
		stacks.Buffer(state.MySignature[:]),
		stacks.Buffer(state.TheirSignature[:]),
		stacks.OptionalBuffer(state.Secret),
		stacks.OptionalUint(state.ValidAfter),
		stacks.PrincipalValue(state.WithPrincipal),
	}, nil
}
