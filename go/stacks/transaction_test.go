package stacks

import (
	"crypto/sha512"
	"encoding/binary"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestContractCallSerialization(t *testing.T) {
	var key, err = ParsePrivateKey("2222222222222222222222222222222222222222222222222222222222222222")
	require.NoError(t, err)

	var contract = Principal{
		Version:  AddressVersionTestnet,
		Hash160:  Hash160([]byte("carol")),
		Contract: "stackflow-0-6-0",
	}
	var call = ContractCall{
		Network:  Testnet,
		Contract: contract,
		Function: "dispute-closure",
		Args:     []Value{None{}, UIntOf(42)},
		Nonce:    7,
		Fee:      3000,
	}
	var raw, txid, signErr = call.SignAndSerialize(key)
	require.NoError(t, signErr)

	// Header: version, chain id, auth type, hash mode.
	require.Equal(t, byte(0x80), raw[0])
	require.Equal(t, uint32(0x80000000), binary.BigEndian.Uint32(raw[1:5]))
	require.Equal(t, byte(0x04), raw[5])
	require.Equal(t, byte(0x00), raw[6])

	// Spending condition: signer hash, nonce, fee, key encoding.
	var signer = Hash160(key.PubKey().SerializeCompressed())
	require.Equal(t, signer[:], raw[7:27])
	require.Equal(t, uint64(7), binary.BigEndian.Uint64(raw[27:35]))
	require.Equal(t, uint64(3000), binary.BigEndian.Uint64(raw[35:43]))
	require.Equal(t, byte(0x00), raw[43])

	// The embedded signature places its recovery id first. Undo that and
	// verify it recovers the signing key over the reconstructed sighash.
	var txSig = raw[44:109]
	var sig Signature
	copy(sig[:64], txSig[1:])
	sig[64] = txSig[0]

	var cleared = call.encodeTransaction(signer, 0, 0, Signature{}, mustEncodePayload(t, &call))
	var sighash = sha512.Sum512_256(cleared)
	var presign = append([]byte{}, sighash[:]...)
	presign = append(presign, authTypeStandard)
	presign = binary.BigEndian.AppendUint64(presign, call.Fee)
	presign = binary.BigEndian.AppendUint64(presign, call.Nonce)
	var signHash = sha512.Sum512_256(presign)

	pub, err := RecoverSigner(sig, signHash)
	require.NoError(t, err)
	require.Equal(t, key.PubKey().SerializeCompressed(), pub.SerializeCompressed())

	// Trailer: anchor mode, post-condition mode, empty post-conditions.
	require.Equal(t, []byte{0x03, 0x02, 0x00, 0x00, 0x00, 0x00}, raw[109:115])

	// Payload: contract call against carol's contract.
	var payload = raw[115:]
	require.Equal(t, byte(0x02), payload[0])
	require.Equal(t, byte(AddressVersionTestnet), payload[1])
	require.Equal(t, contract.Hash160[:], payload[2:22])
	require.Equal(t, byte(len("stackflow-0-6-0")), payload[22])
	require.Equal(t, "stackflow-0-6-0", string(payload[23:38]))
	require.Equal(t, byte(len("dispute-closure")), payload[38])
	require.Equal(t, "dispute-closure", string(payload[39:54]))
	require.Equal(t, uint32(2), binary.BigEndian.Uint32(payload[54:58]))
	require.Equal(t, "09"+"010000000000000000000000000000002a", hex.EncodeToString(payload[58:]))

	// The transaction id commits to the fully-signed form.
	var digest = sha512.Sum512_256(raw)
	require.Equal(t, "0x"+hex.EncodeToString(digest[:]), txid)
}

func TestContractCallValidation(t *testing.T) {
	var key, err = ParsePrivateKey("2222222222222222222222222222222222222222222222222222222222222222")
	require.NoError(t, err)

	var call = ContractCall{
		Network:  Testnet,
		Contract: Principal{Version: AddressVersionTestnet, Hash160: Hash160([]byte("carol"))},
		Function: "dispute-closure",
	}
	_, _, err = call.SignAndSerialize(key)
	require.ErrorContains(t, err, "is not a contract principal")

	call.Contract.Contract = "stackflow-0-6-0"
	call.Function = "not a function"
	_, _, err = call.SignAndSerialize(key)
	require.ErrorContains(t, err, "function name")
}

func mustEncodePayload(t *testing.T, call *ContractCall) []byte {
	var payload, err = call.encodePayload()
	require.NoError(t, err)
	return payload
}
