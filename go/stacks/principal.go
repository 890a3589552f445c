package stacks

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"strings"
)

// Address version bytes of single-signature accounts, by network.
const (
	AddressVersionMainnet = 22 // 'P'
	AddressVersionTestnet = 26 // 'T'
)

// c32Alphabet is the Crockford base-32 alphabet used by Stacks addresses.
// It omits I, L, O and U.
const c32Alphabet = "0123456789ABCDEFGHJKMNPQRSTVWXYZ"

var c32Digits [128]int8

func init() {
	for i := range c32Digits {
		c32Digits[i] = -1
	}
	for i, c := range c32Alphabet {
		c32Digits[c] = int8(i)
	}
	// Permissive aliases for commonly-confused characters.
	c32Digits['O'], c32Digits['o'] = 0, 0
	c32Digits['L'], c32Digits['l'] = 1, 1
	c32Digits['I'], c32Digits['i'] = 1, 1
	for i, c := range strings.ToLower(c32Alphabet) {
		c32Digits[c] = int8(i)
	}
}

// c32Encode encodes bytes as c32: the input is treated as a big-endian
// integer chunked into 5-bit digits, with one leading '0' digit retained
// per leading zero byte of input.
func c32Encode(in []byte) string {
	var out []byte
	var carry, carryBits uint
	for i := len(in) - 1; i >= 0; i-- {
		var cur = uint(in[i])
		var lowBitsToTake = 5 - carryBits
		var lowBits = cur & ((1 << lowBitsToTake) - 1)
		out = append(out, c32Alphabet[(lowBits<<carryBits)+carry])
		carryBits = (8 + carryBits) - 5
		carry = cur >> (8 - carryBits)
		if carryBits >= 5 {
			out = append(out, c32Alphabet[carry&0x1f])
			carryBits -= 5
			carry >>= 5
		}
	}
	if carryBits > 0 {
		out = append(out, c32Alphabet[carry])
	}
	// Strip encoded leading zero digits, then re-add one per leading zero byte.
	for len(out) > 0 && out[len(out)-1] == '0' {
		out = out[:len(out)-1]
	}
	for _, b := range in {
		if b != 0 {
			break
		}
		out = append(out, '0')
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return string(out)
}

// c32Decode inverts c32Encode.
func c32Decode(s string) ([]byte, error) {
	if s == "" {
		return nil, fmt.Errorf("empty c32 string")
	}
	var out []byte
	var carry, carryBits uint
	for i := len(s) - 1; i >= 0; i-- {
		var c = s[i]
		if c >= 128 || c32Digits[c] < 0 {
			return nil, fmt.Errorf("invalid c32 character %q", c)
		}
		carry += uint(c32Digits[c]) << carryBits
		carryBits += 5
		if carryBits >= 8 {
			out = append(out, byte(carry&0xff))
			carryBits -= 8
			carry >>= 8
		}
	}
	if carryBits > 0 {
		out = append(out, byte(carry))
	}
	for len(out) > 0 && out[len(out)-1] == 0 {
		out = out[:len(out)-1]
	}
	for i := 0; i < len(s) && s[i] == '0'; i++ {
		out = append(out, 0)
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func c32Checksum(version byte, payload []byte) [4]byte {
	var h = sha256.Sum256(append([]byte{version}, payload...))
	h = sha256.Sum256(h[:])
	var sum [4]byte
	copy(sum[:], h[:4])
	return sum
}

// Principal identifies a Stacks account: a versioned hash160, plus an
// optional contract name for contract principals.
type Principal struct {
	Version  byte
	Hash160  [20]byte
	Contract string
}

// ParsePrincipal parses the textual form of a standard or contract
// principal, such as "SP2J6ZY48GV1EZ5V2V5RB9MP66SW86PYKKNRV9EJ7" or
// "ST1PQHQKV0RJXZFY1DGX8MNSNYVE3VGZJSRTPGZGM.stackflow-0-6-0".
func ParsePrincipal(s string) (Principal, error) {
	var addr, contract = s, ""
	if i := strings.IndexByte(s, '.'); i >= 0 {
		addr, contract = s[:i], s[i+1:]
		if err := validateContractName(contract); err != nil {
			return Principal{}, fmt.Errorf("principal %q: %w", s, err)
		}
	}
	if len(addr) < 6 || addr[0] != 'S' {
		return Principal{}, fmt.Errorf("principal %q: malformed address", s)
	}
	if addr[1] >= 128 || c32Digits[addr[1]] < 0 {
		return Principal{}, fmt.Errorf("principal %q: invalid version character", s)
	}
	var version = byte(c32Digits[addr[1]])

	var decoded, err = c32Decode(addr[2:])
	if err != nil {
		return Principal{}, fmt.Errorf("principal %q: %w", s, err)
	}
	if len(decoded) != 24 {
		return Principal{}, fmt.Errorf("principal %q: wrong payload length %d", s, len(decoded))
	}
	var p = Principal{Version: version, Contract: contract}
	copy(p.Hash160[:], decoded[:20])

	var sum = c32Checksum(version, decoded[:20])
	if !bytes.Equal(sum[:], decoded[20:]) {
		return Principal{}, fmt.Errorf("principal %q: checksum mismatch", s)
	}
	return p, nil
}

// MustParsePrincipal parses a principal and panics on error.
func MustParsePrincipal(s string) Principal {
	var p, err = ParsePrincipal(s)
	if err != nil {
		panic(err)
	}
	return p
}

// String returns the c32check textual form, with a ".contract" suffix
// for contract principals.
func (p Principal) String() string {
	var sum = c32Checksum(p.Version, p.Hash160[:])
	var payload = append(append([]byte{}, p.Hash160[:]...), sum[:]...)
	var s = "S" + string(c32Alphabet[p.Version]) + c32Encode(payload)
	if p.Contract != "" {
		s += "." + p.Contract
	}
	return s
}

// Address returns the textual form without any contract suffix.
func (p Principal) Address() string {
	p.Contract = ""
	return p.String()
}

// IsContract returns true for contract principals.
func (p Principal) IsContract() bool { return p.Contract != "" }

// IsZero returns true for the zero Principal.
func (p Principal) IsZero() bool {
	return p == Principal{}
}

// Less orders principals by their consensus serialization, which is the
// canonical party ordering of the protocol.
func (p Principal) Less(o Principal) bool {
	return bytes.Compare(p.consensusBytes(), o.consensusBytes()) < 0
}

// consensusBytes returns the Clarity wire serialization of the principal.
func (p Principal) consensusBytes() []byte {
	var b bytes.Buffer
	_ = PrincipalValue(p).writeTo(&b)
	return b.Bytes()
}

// MarshalJSON encodes the principal in its textual form.
func (p Principal) MarshalJSON() ([]byte, error) {
	return []byte(`"` + p.String() + `"`), nil
}

// UnmarshalJSON decodes a principal from its textual form.
func (p *Principal) UnmarshalJSON(data []byte) error {
	if len(data) < 2 || data[0] != '"' || data[len(data)-1] != '"' {
		return fmt.Errorf("principal must be a JSON string")
	}
	var parsed, err = ParsePrincipal(string(data[1 : len(data)-1]))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

func validateContractName(name string) error {
	if len(name) == 0 || len(name) > 40 {
		return fmt.Errorf("contract name %q: length must be 1-40", name)
	}
	for i := 0; i < len(name); i++ {
		var c = name[i]
		var ok = c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' ||
			(i > 0 && (c >= '0' && c <= '9' || c == '-' || c == '_'))
		if !ok {
			return fmt.Errorf("contract name %q: invalid character at %d", name, i)
		}
	}
	return nil
}

func validateClarityName(name string) error {
	if len(name) == 0 || len(name) > 128 {
		return fmt.Errorf("clarity name %q: length must be 1-128", name)
	}
	for i := 0; i < len(name); i++ {
		var c = name[i]
		var ok = c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c == '-' || c == '_' ||
			c == '?' || c == '!' || (i > 0 && c >= '0' && c <= '9')
		if !ok {
			return fmt.Errorf("clarity name %q: invalid character at %d", name, i)
		}
	}
	return nil
}
