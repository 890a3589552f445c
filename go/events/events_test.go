package events

import (
	"encoding/json"
	"fmt"
	"testing"

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

const testContract = "ST134PZ3RQ12GZNTA726HZHMHS88MEV1GT4SHTKBT.stackflow-0-6-0"

// buildBlock assembles a /new_block payload of print events given as
// (contractID, topic, rawValueHex) triples.
func buildBlock(t *testing.T, blockHeight uint64, events ...[3]string) []byte {
	type contractEvent struct {
		ContractIdentifier string `json:"contract_identifier"`
		Topic              string `json:"topic"`
		RawValue           string `json:"raw_value"`
	}
	type nodeEvent struct {
		Txid          string         `json:"txid"`
		Type          string         `json:"type"`
		ContractEvent *contractEvent `json:"contract_event,omitempty"`
	}
	var payload = struct {
		BlockHeight uint64      `json:"block_height"`
		Events      []nodeEvent `json:"events"`
	}{BlockHeight: blockHeight}

	for i, ev := range events {
		payload.Events = append(payload.Events, nodeEvent{
			Txid: fmt.Sprintf("0x%02x", i+1),
			Type: "contract_event",
			ContractEvent: &contractEvent{
				ContractIdentifier: ev[0],
				Topic:              ev[1],
				RawValue:           ev[2],
			},
		})
	}
	var raw, err = json.Marshal(payload)
	require.NoError(t, err)
	return raw
}

func encodeEvent(t *testing.T, tuple stacks.Tuple) string {
	var raw, err = stacks.EncodeValueHex(tuple)
	require.NoError(t, err)
	return raw
}

func forceCloseTuple(sender, p1, p2 stacks.Principal) stacks.Tuple {
	return stacks.Tuple{
		"event":  stacks.StringASCII("force-close"),
		"sender": stacks.PrincipalValue(sender),
		"pipe-key": stacks.Tuple{
			"token":       stacks.None{},
			"principal-1": stacks.PrincipalValue(p1),
			"principal-2": stacks.PrincipalValue(p2),
		},
		"pipe": stacks.Tuple{
			"balance-1":  stacks.UIntOf(50),
			"balance-2":  stacks.UIntOf(75),
			"pending-1":  stacks.None{},
			"pending-2":  stacks.None{},
			"expires-at": stacks.Some{Value: stacks.UIntOf(166)},
			"nonce":      stacks.UIntOf(4),
			"closer":     stacks.Some{Value: stacks.PrincipalValue(sender)},
		},
	}
}

func TestParseBlockDecodesAndNormalizes(t *testing.T) {
	var alice, bob = testPrincipal("alice"), testPrincipal("bob")
	var parser = NewParser(nil, false)

	// bob's serialization sorts first, so alice as principal-1 must swap.
	var payload = buildBlock(t, 13,
		[3]string{testContract, "print", encodeEvent(t, forceCloseTuple(bob, alice, bob))})
	var block, err = parser.ParseBlock(payload)
	require.NoError(t, err)
	require.Equal(t, uint64(13), block.BlockHeight)
	require.Len(t, block.Events, 1)

	var ev = block.Events[0]
	require.Equal(t, "force-close", ev.Name)
	require.Equal(t, ClassOpenClosure, ev.Class())
	require.Equal(t, testContract, ev.ContractID)
	require.Equal(t, "0x01", ev.Txid)
	require.Equal(t, uint64(13), ev.BlockHeight)
	require.Equal(t, bob, ev.Sender)
	require.Equal(t, pipe.NewKey(alice, bob, nil), ev.Key)
	require.Equal(t, ev.Key.ID(), ev.PipeID)

	require.NotNil(t, ev.Pipe)
	// balance-1 belongs to alice (the high side) and must land on BalanceHigh.
	require.Equal(t, "75", ev.Pipe.BalanceLow.String())
	require.Equal(t, "50", ev.Pipe.BalanceHigh.String())
	require.Equal(t, "166", ev.Pipe.ExpiresAt.String())
	require.Equal(t, "4", ev.Pipe.Nonce.String())
	require.Equal(t, &bob, ev.Pipe.Closer)
}

func TestParseBlockIsOrderInsensitive(t *testing.T) {
	var alice, bob = testPrincipal("alice"), testPrincipal("bob")
	var parser = NewParser(nil, false)

	var forward = forceCloseTuple(bob, bob, alice)
	// Same pipe state with swapped principal slots and mirrored balances.
	var reversed = forceCloseTuple(bob, alice, bob)
	reversed["pipe"].(stacks.Tuple)["balance-1"] = stacks.UIntOf(75)
	reversed["pipe"].(stacks.Tuple)["balance-2"] = stacks.UIntOf(50)

	var payload = buildBlock(t, 13,
		[3]string{testContract, "print", encodeEvent(t, forward)},
		[3]string{testContract, "print", encodeEvent(t, reversed)})
	var block, err = parser.ParseBlock(payload)
	require.NoError(t, err)
	require.Len(t, block.Events, 2)

	require.Equal(t, block.Events[0].PipeID, block.Events[1].PipeID)
	require.Equal(t, block.Events[0].Key, block.Events[1].Key)
	require.Equal(t, block.Events[0].Pipe, block.Events[1].Pipe)
}

func TestParseBlockFilters(t *testing.T) {
	var alice, bob = testPrincipal("alice"), testPrincipal("bob")
	var raw = encodeEvent(t, forceCloseTuple(bob, bob, alice))

	var unknown = forceCloseTuple(bob, bob, alice)
	unknown["event"] = stacks.StringASCII("something-else")

	var payload = buildBlock(t, 20,
		[3]string{testContract, "print", raw},
		[3]string{"ST000000000000000000002AMW42H.other", "print", raw},
		[3]string{testContract, "not-print", raw},
		[3]string{testContract, "print", "0x03"},
		[3]string{testContract, "print", "0xzz"},
		[3]string{testContract, "print", encodeEvent(t, unknown)},
	)

	var parser = NewParser([]string{testContract}, false)
	var block, err = parser.ParseBlock(payload)
	require.NoError(t, err)
	require.Len(t, block.Events, 1)
	require.Equal(t, "force-close", block.Events[0].Name)

	// An empty watched set matches every contract.
	parser = NewParser(nil, false)
	block, err = parser.ParseBlock(payload)
	require.NoError(t, err)
	require.Len(t, block.Events, 2)

	_, err = parser.ParseBlock([]byte(`{"block_height": [},`))
	require.ErrorContains(t, err, "decoding block payload")
}

func TestParseBlockPendingAndOptionalForms(t *testing.T) {
	var alice, bob = testPrincipal("alice"), testPrincipal("bob")
	var parser = NewParser(nil, false)

	var tuple = stacks.Tuple{
		"event":  stacks.StringASCII("deposit"),
		"sender": stacks.PrincipalValue(bob),
		"pipe-key": stacks.Tuple{
			"token":       stacks.None{},
			"principal-1": stacks.PrincipalValue(bob),
			"principal-2": stacks.PrincipalValue(alice),
		},
		"pipe": stacks.Tuple{
			"balance-1": stacks.UIntOf(0),
			"balance-2": stacks.UIntOf(10),
			"pending-1": stacks.Some{Value: stacks.Tuple{
				"amount":      stacks.UIntOf(4000000),
				"burn-height": stacks.UIntOf(159),
			}},
			"pending-2":  stacks.None{},
			"expires-at": stacks.UIntOf(0), // bare uint form
			"nonce":      stacks.UIntOf(1),
		},
	}
	var block, err = parser.ParseBlock(buildBlock(t, 5,
		[3]string{testContract, "print", encodeEvent(t, tuple)}))
	require.NoError(t, err)
	require.Len(t, block.Events, 1)

	var ev = block.Events[0]
	require.Equal(t, ClassUpdate, ev.Class())
	require.NotNil(t, ev.Pipe.PendingLow)
	require.Equal(t, "4000000", ev.Pipe.PendingLow.Amount.String())
	require.Equal(t, "159", ev.Pipe.PendingLow.UnlockBurnHeight.String())
	require.Nil(t, ev.Pipe.PendingHigh)
	require.Equal(t, "0", ev.Pipe.ExpiresAt.String())
	require.Nil(t, ev.Pipe.Closer)

	// Events without a pipe record decode with Pipe == nil.
	var bare = stacks.Tuple{
		"event":  stacks.StringASCII("finalize"),
		"sender": stacks.PrincipalValue(bob),
		"pipe-key": stacks.Tuple{
			"token":       stacks.None{},
			"principal-1": stacks.PrincipalValue(bob),
			"principal-2": stacks.PrincipalValue(alice),
		},
	}
	block, err = parser.ParseBlock(buildBlock(t, 6,
		[3]string{testContract, "print", encodeEvent(t, bare)}))
	require.NoError(t, err)
	require.Len(t, block.Events, 1)
	require.Nil(t, block.Events[0].Pipe)
	require.Equal(t, ClassTerminal, block.Events[0].Class())
}

func TestParseBlockTokenPipes(t *testing.T) {
	var alice, bob = testPrincipal("alice"), testPrincipal("bob")
	var token = testPrincipal("token")
	token.Contract = "stackflow-token"

	var tuple = forceCloseTuple(bob, bob, alice)
	tuple["pipe-key"].(stacks.Tuple)["token"] = stacks.Some{Value: stacks.PrincipalValue(token)}

	var parser = NewParser(nil, false)
	var block, err = parser.ParseBlock(buildBlock(t, 9,
		[3]string{testContract, "print", encodeEvent(t, tuple)}))
	require.NoError(t, err)
	require.Len(t, block.Events, 1)

	var ev = block.Events[0]
	require.NotNil(t, ev.Key.Token)
	require.Equal(t, token, *ev.Key.Token)
	require.NotEqual(t, pipe.NewKey(alice, bob, nil).ID(), ev.PipeID)
}
