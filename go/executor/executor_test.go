package executor

import (
	"context"
	"strings"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/stretchr/testify/require"

	"github.com/stackflow-net/watchtower/go/pipe"
	"github.com/stackflow-net/watchtower/go/stacks"
)

func testPrincipal(seed string) stacks.Principal {
	return stacks.Principal{
		Version: stacks.AddressVersionTestnet,
		Hash160: stacks.Hash160([]byte(seed)),
	}
}

func testRequest() Request {
	var alice, bob = testPrincipal("alice"), testPrincipal("bob")
	var key = pipe.NewKey(alice, bob, nil)
	var nonce = stacks.NewUint(3)
	return Request{
		AttemptID: "0xaa02|" + alice.String(),
		State: pipe.SignatureState{
			ContractID:    "ST134PZ3RQ12GZNTA726HZHMHS88MEV1GT4SHTKBT.stackflow-0-6-0",
			PipeID:        key.ID(),
			Key:           key,
			ForPrincipal:  alice,
			WithPrincipal: bob,
			Action:        pipe.ActionTransfer,
			MyBalance:     stacks.NewUint(900),
			TheirBalance:  stacks.NewUint(100),
			Nonce:         stacks.NewUint(5),
			Actor:         alice,
		},
		Closure: pipe.Closure{
			ContractID: "ST134PZ3RQ12GZNTA726HZHMHS88MEV1GT4SHTKBT.stackflow-0-6-0",
			PipeID:     key.ID(),
			Key:        key,
			Closer:     &bob,
			Nonce:      &nonce,
			Event:      "force-close",
			Txid:       "0xaa02",
		},
	}
}

func TestNoopNeverSucceeds(t *testing.T) {
	var _, err = Noop().Submit(context.Background(), testRequest())
	require.EqualError(t, err, "noop")
	require.Equal(t, "noop", Noop().Mode())
}

func TestMockFabricatesDeterministicTxid(t *testing.T) {
	var req = testRequest()
	var txid, err = Mock().Submit(context.Background(), req)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(txid, "0xmock"))
	require.Len(t, txid, len("0xmock")+24)

	again, err := Mock().Submit(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, txid, again)

	req.AttemptID = "other"
	other, err := Mock().Submit(context.Background(), req)
	require.NoError(t, err)
	require.NotEqual(t, txid, other)
}

type fakeNode struct {
	nonce     uint64
	broadcast []byte
	txid      string
	err       error
}

func (f *fakeNode) AccountNonce(context.Context, stacks.Principal) (uint64, error) {
	return f.nonce, nil
}

func (f *fakeNode) BroadcastTransaction(_ context.Context, raw []byte) (string, error) {
	f.broadcast = raw
	return f.txid, f.err
}

type keySigner struct {
	key *btcec.PrivateKey
}

func (s keySigner) Principal() stacks.Principal {
	return stacks.PrincipalOfPublicKey(s.key.PubKey(), stacks.AddressVersionTestnet)
}

func (s keySigner) SignerHash() [20]byte {
	return stacks.Hash160(s.key.PubKey().SerializeCompressed())
}

func (s keySigner) SignHash(_ context.Context, hash [32]byte) (stacks.Signature, error) {
	return stacks.SignHash(s.key, hash), nil
}

func TestChainSubmitsSignedContractCall(t *testing.T) {
	var key, err = btcec.NewPrivateKey()
	require.NoError(t, err)
	var node = &fakeNode{nonce: 7, txid: "0xfeed"}

	var exec = Chain(node, keySigner{key}, stacks.Testnet, 0)
	require.Equal(t, "chain", exec.Mode())

	txid, err := exec.Submit(context.Background(), testRequest())
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(txid, "0x"))
	require.Len(t, txid, 66)
	require.NotEmpty(t, node.broadcast)

	// The serialized call embeds the function name and the testnet version.
	require.Contains(t, string(node.broadcast), "dispute-closure")
	require.Equal(t, byte(0x80), node.broadcast[0])
}

func TestChainRejectsMalformedStates(t *testing.T) {
	var key, _ = btcec.NewPrivateKey()
	var exec = Chain(&fakeNode{}, keySigner{key}, stacks.Testnet, 0)

	var req = testRequest()
	req.Closure.ContractID = "not-a-contract"
	var _, err = exec.Submit(context.Background(), req)
	require.ErrorContains(t, err, "parsing contract id")

	req = testRequest()
	req.State.Secret = pipe.HexBytes{0x01, 0x02}
	_, err = exec.Submit(context.Background(), req)
	require.ErrorContains(t, err, "secret must be 32 bytes")

	req = testRequest()
	req.State.ForPrincipal = testPrincipal("mallory")
	_, err = exec.Submit(context.Background(), req)
	require.ErrorContains(t, err, "not a pipe participant")
}
