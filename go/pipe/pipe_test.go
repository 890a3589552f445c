package pipe

import (
	"encoding/json"
	"testing"

	"github.com/stackflow-net/watchtower/go/stacks"
	"github.com/stretchr/testify/require"
)

func testPrincipal(seed string) stacks.Principal {
	return stacks.Principal{
		Version: stacks.AddressVersionTestnet,
		Hash160: stacks.Hash160([]byte(seed)),
	}
}

func TestKeyCanonicalizationIsSymmetric(t *testing.T) {
	var seeds = []string{"alice", "bob", "carol", "dave", "erin"}
	var tokenP = testPrincipal("token")
	tokenP.Contract = "stackflow-token"
	var tokens = []*stacks.Principal{nil, &tokenP}

	for _, s1 := range seeds {
		for _, s2 := range seeds {
			if s1 == s2 {
				continue
			}
			for _, token := range tokens {
				var k1 = NewKey(testPrincipal(s1), testPrincipal(s2), token)
				var k2 = NewKey(testPrincipal(s2), testPrincipal(s1), token)
				require.Equal(t, k1, k2)
				require.Equal(t, k1.ID(), k2.ID())
				require.True(t, k1.Low.Less(k1.High))
			}
		}
	}
}

func TestKeyIDFixture(t *testing.T) {
	var key = NewKey(testPrincipal("alice"), testPrincipal("bob"), nil)
	// bob's serialized principal sorts first.
	require.Equal(t, testPrincipal("bob"), key.Low)
	require.Equal(t, testPrincipal("alice"), key.High)
	require.Equal(t,
		"0796700ea10a78d6e81173d6d3ca2199be9d31c2a4d2552863745b0d86c051fb",
		key.ID())

	// A token-scoped pipe of the same participants is a distinct pipe.
	var token = testPrincipal("token")
	var tokenKey = NewKey(testPrincipal("alice"), testPrincipal("bob"), &token)
	require.NotEqual(t, key.ID(), tokenKey.ID())
}

func TestKeySides(t *testing.T) {
	var key = NewKey(testPrincipal("alice"), testPrincipal("bob"), nil)

	require.Equal(t, SideHigh, key.SideOf(testPrincipal("alice")))
	require.Equal(t, SideLow, key.SideOf(testPrincipal("bob")))
	require.Equal(t, SideNone, key.SideOf(testPrincipal("carol")))

	var other, ok = key.Other(testPrincipal("alice"))
	require.True(t, ok)
	require.Equal(t, testPrincipal("bob"), other)
	other, ok = key.Other(testPrincipal("bob"))
	require.True(t, ok)
	require.Equal(t, testPrincipal("alice"), other)
	_, ok = key.Other(testPrincipal("carol"))
	require.False(t, ok)
}

func TestActionJSON(t *testing.T) {
	for code, name := range map[Action]string{
		ActionClose:    "close",
		ActionTransfer: "transfer",
		ActionDeposit:  "deposit",
		ActionWithdraw: "withdraw",
	} {
		require.Equal(t, name, code.String())
		var enc, err = json.Marshal(code)
		require.NoError(t, err)

		var out Action
		require.NoError(t, json.Unmarshal(enc, &out))
		require.Equal(t, code, out)
	}
	require.True(t, ActionDeposit.RequiresAmount())
	require.True(t, ActionWithdraw.RequiresAmount())
	require.False(t, ActionTransfer.RequiresAmount())

	var out Action
	require.ErrorContains(t, json.Unmarshal([]byte(`4`), &out), "action must be")
	require.ErrorContains(t, json.Unmarshal([]byte(`"transfer"`), &out), "action must be")
	_, err := json.Marshal(Action(9))
	require.Error(t, err)
}

func TestSignatureStateBalanceForSide(t *testing.T) {
	var state = SignatureState{
		Key:           NewKey(testPrincipal("alice"), testPrincipal("bob"), nil),
		ForPrincipal:  testPrincipal("alice"),
		WithPrincipal: testPrincipal("bob"),
		MyBalance:     stacks.NewUint(900),
		TheirBalance:  stacks.NewUint(100),
	}
	var b, ok = state.BalanceForSide(testPrincipal("alice"))
	require.True(t, ok)
	require.Equal(t, "900", b.String())
	b, ok = state.BalanceForSide(testPrincipal("bob"))
	require.True(t, ok)
	require.Equal(t, "100", b.String())
	_, ok = state.BalanceForSide(testPrincipal("carol"))
	require.False(t, ok)
}

func TestHexBytesJSON(t *testing.T) {
	var h = HexBytes{0xde, 0xad}
	var enc, err = json.Marshal(h)
	require.NoError(t, err)
	require.Equal(t, `"0xdead"`, string(enc))

	var out HexBytes
	require.NoError(t, json.Unmarshal([]byte(`"0xdead"`), &out))
	require.Equal(t, h, out)
	require.NoError(t, json.Unmarshal([]byte(`"dead"`), &out))
	require.Equal(t, h, out)
	require.NoError(t, json.Unmarshal([]byte(`null`), &out))
	require.Nil(t, out)
	require.Error(t, json.Unmarshal([]byte(`"0xzz"`), &out))
	require.Error(t, json.Unmarshal([]byte(`7`), &out))
}
