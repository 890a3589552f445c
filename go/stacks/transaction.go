package stacks

import (
	"bytes"
	"crypto/sha512"
	"encoding/binary"
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
)

// Wire constants of the Stacks transaction encoding.
const (
	authTypeStandard       = 0x04
	hashModeP2PKH          = 0x00
	keyEncodingCompressed  = 0x00
	anchorModeAny          = 0x03
	postConditionModeDeny  = 0x02
	payloadTypeContractCall = 0x02
)

// ContractCall is a single-signature contract-call transaction.
type ContractCall struct {
	Network  Network
	Contract Principal
	Function string
	Args     []Value
	Nonce    uint64
	Fee      uint64
}

// SignAndSerialize signs the call with key and returns the raw transaction
// bytes along with its 0x-prefixed transaction id.
func (c *ContractCall) SignAndSerialize(key *btcec.PrivateKey) ([]byte, string, error) {
	return c.SignWith(Hash160(key.PubKey().SerializeCompressed()),
		func(hash [32]byte) (Signature, error) {
			return SignHash(key, hash), nil
		})
}

// SignWith signs the call through an external signing capability: signer is
// the hash160 of the signing account's compressed public key, and sign
// produces a recoverable signature over the transaction sign hash.
func (c *ContractCall) SignWith(signer [20]byte, sign func([32]byte) (Signature, error)) ([]byte, string, error) {
	if !c.Contract.IsContract() {
		return nil, "", fmt.Errorf("call target %s is not a contract principal", c.Contract)
	}
	if err := validateClarityName(c.Function); err != nil {
		return nil, "", fmt.Errorf("function name: %w", err)
	}
	var payload, err = c.encodePayload()
	if err != nil {
		return nil, "", err
	}

	// The initial sighash covers the transaction with a cleared spending
	// condition: zero nonce, zero fee, zero signature.
	var cleared = c.encodeTransaction(signer, 0, 0, Signature{}, payload)
	var sighash = sha512.Sum512_256(cleared)

	// Chain in the auth flag, fee and nonce, then sign the result.
	var presign = make([]byte, 0, 32+1+8+8)
	presign = append(presign, sighash[:]...)
	presign = append(presign, authTypeStandard)
	presign = binary.BigEndian.AppendUint64(presign, c.Fee)
	presign = binary.BigEndian.AppendUint64(presign, c.Nonce)
	var signHash = sha512.Sum512_256(presign)

	sig, err := sign(signHash)
	if err != nil {
		return nil, "", fmt.Errorf("signing transaction: %w", err)
	}
	var raw = c.encodeTransaction(signer, c.Nonce, c.Fee, sig, payload)
	var txid = sha512.Sum512_256(raw)
	return raw, "0x" + hex.EncodeToString(txid[:]), nil
}

func (c *ContractCall) encodeTransaction(signer [20]byte, nonce, fee uint64, sig Signature, payload []byte) []byte {
	var b bytes.Buffer
	b.WriteByte(c.Network.TransactionVersion)
	var chainID [4]byte
	binary.BigEndian.PutUint32(chainID[:], c.Network.ChainID)
	b.Write(chainID[:])

	// Standard authorization with a single-signature spending condition.
	b.WriteByte(authTypeStandard)
	b.WriteByte(hashModeP2PKH)
	b.Write(signer[:])
	var n8 [8]byte
	binary.BigEndian.PutUint64(n8[:], nonce)
	b.Write(n8[:])
	binary.BigEndian.PutUint64(n8[:], fee)
	b.Write(n8[:])
	b.WriteByte(keyEncodingCompressed)
	// Transaction signatures place the recovery id first.
	b.WriteByte(sig[64])
	b.Write(sig[:64])

	b.WriteByte(anchorModeAny)
	b.WriteByte(postConditionModeDeny)
	var zero [4]byte
	b.Write(zero[:]) // No post-conditions.

	b.Write(payload)
	return b.Bytes()
}

func (c *ContractCall) encodePayload() ([]byte, error) {
	var b bytes.Buffer
	b.WriteByte(payloadTypeContractCall)
	b.WriteByte(c.Contract.Version)
	b.Write(c.Contract.Hash160[:])
	b.WriteByte(byte(len(c.Contract.Contract)))
	b.WriteString(c.Contract.Contract)
	b.WriteByte(byte(len(c.Function)))
	b.WriteString(c.Function)

	var count [4]byte
	binary.BigEndian.PutUint32(count[:], uint32(len(c.Args)))
	b.Write(count[:])
	for i, arg := range c.Args {
		var raw, err = EncodeValue(arg)
		if err != nil {
			return nil, fmt.Errorf("encoding argument %d: %w", i, err)
		}
		b.Write(raw)
	}
	return b.Bytes(), nil
}
