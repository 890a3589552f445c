// Package pipe models bilateral payment channels ("pipes") as observed by
// the watchtower: their canonical identity, on-chain snapshots, off-chain
// signed states, active closures and dispute attempts.
package pipe

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/stackflow-net/watchtower/go/stacks"
)

// Key is the canonical identity of a pipe. The two participant principals
// are ordered by their consensus serialization, so that a Key built from
// either participant ordering is identical. A nil Token denotes the native
// token.
type Key struct {
	Token *stacks.Principal `json:"token"`
	Low   stacks.Principal  `json:"principalLow"`
	High  stacks.Principal  `json:"principalHigh"`
}

// NewKey canonicalizes a pipe key from two participants in any order.
func NewKey(a, b stacks.Principal, token *stacks.Principal) Key {
	if b.Less(a) {
		a, b = b, a
	}
	return Key{Token: token, Low: a, High: b}
}

// ID derives the stable pipe id: the hex SHA-256 of the key's consensus
// tuple encoding. It is identical for both participant orderings.
func (k Key) ID() string {
	var raw, err = stacks.EncodeValue(stacks.Tuple{
		"token":       stacks.OptionalPrincipal(k.Token),
		"principal-1": stacks.PrincipalValue(k.Low),
		"principal-2": stacks.PrincipalValue(k.High),
	})
	if err != nil {
		// Keys hold already-validated principals, so encoding cannot fail.
		panic(err)
	}
	var sum = sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

// Side designates which canonical side of a pipe a principal occupies.
type Side int

const (
	SideNone Side = iota
	SideLow
	SideHigh
)

// SideOf returns the canonical side occupied by p, or SideNone if p is not
// a participant of the pipe.
func (k Key) SideOf(p stacks.Principal) Side {
	switch p {
	case k.Low:
		return SideLow
	case k.High:
		return SideHigh
	default:
		return SideNone
	}
}

// Other returns the counterparty of p within the pipe.
func (k Key) Other(p stacks.Principal) (stacks.Principal, bool) {
	switch k.SideOf(p) {
	case SideLow:
		return k.High, true
	case SideHigh:
		return k.Low, true
	default:
		return stacks.Principal{}, false
	}
}
