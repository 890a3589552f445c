package stacks

import (
	"fmt"
	"strings"

	"github.com/holiman/uint256"
)

// Uint is a Clarity unsigned integer: 128 bits wide on chain, carried as an
// arbitrary-precision decimal string in JSON and SQL. The zero value is "0".
type Uint struct {
	i uint256.Int
}

// NewUint returns a Uint holding the given small value.
func NewUint(v uint64) Uint {
	var u Uint
	u.i.SetUint64(v)
	return u
}

// ParseUint parses a decimal string, optionally prefixed with "u"
// (the Clarity literal form).
func ParseUint(s string) (Uint, error) {
	s = strings.TrimPrefix(s, "u")
	if s == "" {
		return Uint{}, fmt.Errorf("empty uint")
	}
	var u Uint
	if err := u.i.SetFromDecimal(s); err != nil {
		return Uint{}, fmt.Errorf("parsing uint %q: %w", s, err)
	}
	if u.i.BitLen() > 128 {
		return Uint{}, fmt.Errorf("uint %q exceeds 128 bits", s)
	}
	return u, nil
}

// MustUint parses a decimal string and panics on error. For tests and fixtures.
func MustUint(s string) Uint {
	var u, err = ParseUint(s)
	if err != nil {
		panic(err)
	}
	return u
}

// String returns the decimal representation.
func (u Uint) String() string { return u.i.Dec() }

// IsZero returns true if the value is zero.
func (u Uint) IsZero() bool { return u.i.IsZero() }

// IsUint64 returns true if the value fits in a uint64.
func (u Uint) IsUint64() bool { return u.i.IsUint64() }

// Uint64 returns the value as a uint64, truncating on overflow.
func (u Uint) Uint64() uint64 { return u.i.Uint64() }

// Cmp compares u and o, returning -1, 0 or +1.
func (u Uint) Cmp(o Uint) int { return u.i.Cmp(&o.i) }

// Add returns u+o, or an error if the sum exceeds 128 bits.
func (u Uint) Add(o Uint) (Uint, error) {
	var out Uint
	if _, carry := out.i.AddOverflow(&u.i, &o.i); carry || out.i.BitLen() > 128 {
		return Uint{}, fmt.Errorf("uint overflow adding %s + %s", u, o)
	}
	return out, nil
}

// Sub returns u-o, or an error if o exceeds u.
func (u Uint) Sub(o Uint) (Uint, error) {
	var out Uint
	if _, borrow := out.i.SubOverflow(&u.i, &o.i); borrow {
		return Uint{}, fmt.Errorf("uint underflow subtracting %s - %s", u, o)
	}
	return out, nil
}

// bytes16 returns the 16-byte big-endian consensus form.
func (u Uint) bytes16() [16]byte {
	var b32 = u.i.Bytes32()
	var out [16]byte
	copy(out[:], b32[16:])
	return out
}

func uintFromBytes16(b []byte) Uint {
	var u Uint
	u.i.SetBytes(b)
	return u
}

// MarshalJSON encodes the value as a decimal JSON string.
func (u Uint) MarshalJSON() ([]byte, error) {
	return []byte(`"` + u.i.Dec() + `"`), nil
}

// UnmarshalJSON accepts either a decimal string or a bare JSON number.
func (u *Uint) UnmarshalJSON(data []byte) error {
	var s = string(data)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	var parsed, err = ParseUint(s)
	if err != nil {
		return err
	}
	*u = parsed
	return nil
}
