package stacks

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestValueEncodingFixtures(t *testing.T) {
	var alice = Principal{Version: AddressVersionTestnet, Hash160: Hash160([]byte("alice"))}

	var cases = []struct {
		give   Value
		expect string
	}{
		{UIntOf(1), "0x0100000000000000000000000000000001"},
		{UInt{MustUint("340282366920938463463374607431768211455")}, "0x01ffffffffffffffffffffffffffffffff"},
		{Buffer{0xde, 0xad, 0xbe, 0xef}, "0x0200000004deadbeef"},
		{Bool(true), "0x03"},
		{Bool(false), "0x04"},
		{PrincipalValue(alice), "0x051a49099657e1f6bc4aa86757b11f02e5caf2114bf1"},
		{ResponseOk{Bool(false)}, "0x0704"},
		{ResponseErr{UIntOf(113)}, "0x080100000000000000000000000000000071"},
		{None{}, "0x09"},
		{Some{UIntOf(7)}, "0x0a0100000000000000000000000000000007"},
		{List{UIntOf(100), UIntOf(113)}, "0x0b000000020100000000000000000000000000000064" +
			"0100000000000000000000000000000071"},
		{StringASCII("force-close"), "0x0d0000000b666f7263652d636c6f7365"},
	}
	for _, tc := range cases {
		var enc, err = EncodeValueHex(tc.give)
		require.NoError(t, err)
		require.Equal(t, tc.expect, enc)

		dec, err := DecodeValueHex(tc.expect)
		require.NoError(t, err)
		require.Equal(t, tc.give, dec)
	}
}

func TestTupleEncodingSortsKeys(t *testing.T) {
	var alice = Principal{Version: AddressVersionTestnet, Hash160: Hash160([]byte("alice"))}
	var nested = Tuple{
		"event": StringASCII("force-close"),
		"pipe": Tuple{
			"balance-1": UIntOf(100),
			"balance-2": UIntOf(0),
			"nonce":     UIntOf(7),
		},
		"ok":    Bool(true),
		"who":   Some{PrincipalValue(alice)},
		"codes": List{UIntOf(100), UIntOf(113)},
		"res":   ResponseOk{Bool(false)},
	}
	const expect = "0x0c0000000605636f6465730b00000002010000000000000000000000000000006401000000000000000000000000" +
		"00000071056576656e740d0000000b666f7263652d636c6f7365026f6b0304706970650c000000030962616c616e63652d31" +
		"01000000000000000000000000000000640962616c616e63652d320100000000000000000000000000000000056e6f6e6365" +
		"01000000000000000000000000000000070372657307040377686f0a051a49099657e1f6bc4aa86757b11f02e5caf2114bf1"

	var enc, err = EncodeValueHex(nested)
	require.NoError(t, err)
	require.Equal(t, expect, enc)

	dec, err := DecodeValueHex(expect)
	require.NoError(t, err)
	require.Equal(t, Value(nested), dec)
}

func TestValueDecodingErrors(t *testing.T) {
	var cases = []struct {
		give, expect string
	}{
		{"0x", "value truncated"},
		{"0x01000000000000000000000000000000", "value truncated"},
		{"0x0200000004dead", "value truncated"},
		{"0x0a", "value truncated"},
		{"0x0b00000fff03", "list length 4095 exceeds remaining input"},
		{"0x0cffffffff", "tuple length 4294967295 exceeds remaining input"},
		{"0x0f", "unknown value type tag 0x0f"},
		{"0x0304", "trailing garbage"},
		{"zz", "decoding value hex"},
	}
	for _, tc := range cases {
		var _, err = DecodeValueHex(tc.give)
		require.ErrorContains(t, err, tc.expect, "input %q", tc.give)
	}

	// Nesting beyond the depth bound is rejected rather than recursing.
	var deep = "0x"
	for i := 0; i <= maxValueDepth; i++ {
		deep += "0a"
	}
	deep += "03"
	var _, err = DecodeValueHex(deep)
	require.ErrorContains(t, err, "nesting exceeds depth")
}

func TestTupleGetters(t *testing.T) {
	var alice = Principal{Version: AddressVersionTestnet, Hash160: Hash160([]byte("alice"))}
	var tuple = Tuple{
		"event":     StringASCII("transfer"),
		"nonce":     UIntOf(9),
		"sender":    PrincipalValue(alice),
		"secret":    Some{Buffer{0x01, 0x02}},
		"expiry":    None{},
		"details":   Tuple{"amount": UIntOf(5)},
		"signature": Buffer{0xab},
	}

	var s, err = tuple.GetASCII("event")
	require.NoError(t, err)
	require.Equal(t, "transfer", s)

	u, err := tuple.GetUint("nonce")
	require.NoError(t, err)
	require.Equal(t, "9", u.String())

	p, err := tuple.GetPrincipal("sender")
	require.NoError(t, err)
	require.Equal(t, alice, p)

	b, err := tuple.GetOptBuffer("secret")
	require.NoError(t, err)
	require.Equal(t, []byte{0x01, 0x02}, b)

	ou, err := tuple.GetOptUint("expiry")
	require.NoError(t, err)
	require.Nil(t, ou)

	d, err := tuple.GetTuple("details")
	require.NoError(t, err)
	a, err := d.GetUint("amount")
	require.NoError(t, err)
	require.Equal(t, "5", a.String())

	raw, err := tuple.GetBuffer("signature")
	require.NoError(t, err)
	require.Equal(t, []byte{0xab}, raw)

	_, err = tuple.GetUint("missing")
	require.ErrorContains(t, err, `tuple field "missing" is missing`)
	_, err = tuple.GetUint("event")
	require.ErrorContains(t, err, `tuple field "event" is not a uint`)
	_, err = tuple.GetOptUint("nonce")
	require.ErrorContains(t, err, `tuple field "nonce" is not an optional`)
	_, err = tuple.GetOptPrincipal("secret")
	require.ErrorContains(t, err, `tuple field "secret" is not an optional principal`)
}

func TestUintArithmetic(t *testing.T) {
	var max = MustUint("340282366920938463463374607431768211455")

	var sum, err = NewUint(40).Add(NewUint(2))
	require.NoError(t, err)
	require.Equal(t, "42", sum.String())

	_, err = max.Add(NewUint(1))
	require.ErrorContains(t, err, "uint overflow")

	diff, err := NewUint(40).Sub(NewUint(2))
	require.NoError(t, err)
	require.Equal(t, "38", diff.String())

	_, err = NewUint(2).Sub(NewUint(40))
	require.ErrorContains(t, err, "uint underflow")

	require.Equal(t, -1, NewUint(1).Cmp(NewUint(2)))
	require.Equal(t, 0, max.Cmp(max))
	require.True(t, Uint{}.IsZero())
}

func TestUintParsing(t *testing.T) {
	var u, err = ParseUint("u12345")
	require.NoError(t, err)
	require.Equal(t, "12345", u.String())

	_, err = ParseUint("")
	require.ErrorContains(t, err, "empty uint")
	_, err = ParseUint("12a")
	require.Error(t, err)
	_, err = ParseUint("340282366920938463463374607431768211456")
	require.Error(t, err)

	var out Uint
	require.NoError(t, out.UnmarshalJSON([]byte(`"77"`)))
	require.Equal(t, "77", out.String())
	require.NoError(t, out.UnmarshalJSON([]byte(`77`)))
	require.Equal(t, "77", out.String())
	require.Error(t, out.UnmarshalJSON([]byte(`"-1"`)))

	enc, err := MustUint("340282366920938463463374607431768211455").MarshalJSON()
	require.NoError(t, err)
	require.Equal(t, `"340282366920938463463374607431768211455"`, string(enc))
}
