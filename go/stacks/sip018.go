package stacks

import (
	"crypto/sha256"
	"fmt"
)

// structuredDataPrefix is the domain separator of SIP-018 signed
// structured data.
var structuredDataPrefix = []byte("SIP018")

// Domain identifies the application whose structured data is being signed.
type Domain struct {
	Name    string
	Version string
	ChainID uint32
}

// Hash returns the SHA-256 of the domain's consensus tuple encoding.
func (d Domain) Hash() ([32]byte, error) {
	var encoded, err = EncodeValue(Tuple{
		"name":     StringASCII(d.Name),
		"version":  StringASCII(d.Version),
		"chain-id": UIntOf(uint64(d.ChainID)),
	})
	if err != nil {
		return [32]byte{}, fmt.Errorf("encoding domain: %w", err)
	}
	return sha256.Sum256(encoded), nil
}

// StructuredDataHash computes the SIP-018 signing hash of a message under
// the given domain: sha256(prefix || domainHash || sha256(message)).
func StructuredDataHash(domain Domain, message Value) ([32]byte, error) {
	var domainHash, err = domain.Hash()
	if err != nil {
		return [32]byte{}, err
	}
	encoded, err := EncodeValue(message)
	if err != nil {
		return [32]byte{}, fmt.Errorf("encoding message: %w", err)
	}
	var messageHash = sha256.Sum256(encoded)

	var input = make([]byte, 0, len(structuredDataPrefix)+64)
	input = append(input, structuredDataPrefix...)
	input = append(input, domainHash[:]...)
	input = append(input, messageHash[:]...)
	return sha256.Sum256(input), nil
}
