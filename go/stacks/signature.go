package stacks

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"golang.org/x/crypto/ripemd160"
)

// SignatureLen is the byte length of a recoverable ECDSA signature in the
// RSV layout used by Clarity contracts: r (32) || s (32) || recovery (1).
const SignatureLen = 65

// compactHeaderBase offsets the recovery id in the btcec compact form,
// which places a header byte first rather than a trailing recovery byte.
const compactHeaderBase = 27 + 4 // compressed key

// Signature is a 65-byte recoverable signature in RSV layout.
type Signature [SignatureLen]byte

// ParseSignature decodes an optionally 0x-prefixed hex signature.
func ParseSignature(s string) (Signature, error) {
	var raw, err = hex.DecodeString(strings.TrimPrefix(s, "0x"))
	if err != nil {
		return Signature{}, fmt.Errorf("decoding signature hex: %w", err)
	}
	if len(raw) != SignatureLen {
		return Signature{}, fmt.Errorf("signature must be %d bytes, got %d", SignatureLen, len(raw))
	}
	var sig Signature
	copy(sig[:], raw)
	return sig, nil
}

// String returns the 0x-prefixed hex form.
func (s Signature) String() string { return "0x" + hex.EncodeToString(s[:]) }

// IsZero returns true for the all-zero signature.
func (s Signature) IsZero() bool { return s == Signature{} }

// MarshalJSON encodes the signature as 0x-prefixed hex.
func (s Signature) MarshalJSON() ([]byte, error) {
	return []byte(`"` + s.String() + `"`), nil
}

// UnmarshalJSON decodes a signature from a hex JSON string.
func (s *Signature) UnmarshalJSON(data []byte) error {
	if len(data) < 2 || data[0] != '"' || data[len(data)-1] != '"' {
		return fmt.Errorf("signature must be a JSON string")
	}
	var parsed, err = ParseSignature(string(data[1 : len(data)-1]))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// SignHash produces a recoverable signature over a 32-byte hash.
func SignHash(key *btcec.PrivateKey, hash [32]byte) Signature {
	var compact = ecdsa.SignCompact(key, hash[:], true)
	var sig Signature
	copy(sig[:64], compact[1:])
	sig[64] = compact[0] - compactHeaderBase
	return sig
}

// RecoverSigner recovers the public key that produced sig over hash.
func RecoverSigner(sig Signature, hash [32]byte) (*btcec.PublicKey, error) {
	if sig[64] > 3 {
		return nil, fmt.Errorf("invalid recovery id %d", sig[64])
	}
	var compact [SignatureLen]byte
	compact[0] = sig[64] + compactHeaderBase
	copy(compact[1:], sig[:64])

	var pub, _, err = ecdsa.RecoverCompact(compact[:], hash[:])
	if err != nil {
		return nil, fmt.Errorf("recovering signer: %w", err)
	}
	return pub, nil
}

// Hash160 is ripemd160(sha256(input)), the account hash of a public key.
func Hash160(input []byte) [20]byte {
	var sum = sha256.Sum256(input)
	var r = ripemd160.New()
	r.Write(sum[:])
	var out [20]byte
	copy(out[:], r.Sum(nil))
	return out
}

// PrincipalOfPublicKey derives the single-signature principal of a
// compressed public key under the given address version.
func PrincipalOfPublicKey(pub *btcec.PublicKey, version byte) Principal {
	return Principal{
		Version: version,
		Hash160: Hash160(pub.SerializeCompressed()),
	}
}

// ParsePrivateKey decodes an optionally 0x-prefixed 32-byte hex private
// key. A 33-byte form with a trailing 0x01 compression flag is accepted.
func ParsePrivateKey(s string) (*btcec.PrivateKey, error) {
	var raw, err = hex.DecodeString(strings.TrimPrefix(s, "0x"))
	if err != nil {
		return nil, fmt.Errorf("decoding private key hex: %w", err)
	}
	if len(raw) == 33 && raw[32] == 0x01 {
		raw = raw[:32]
	}
	if len(raw) != 32 {
		return nil, fmt.Errorf("private key must be 32 bytes, got %d", len(raw))
	}
	var key, _ = btcec.PrivKeyFromBytes(raw)
	if key.Key.IsZero() {
		return nil, fmt.Errorf("private key is zero")
	}
	return key, nil
}
