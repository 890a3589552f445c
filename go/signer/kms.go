package signer

import (
	"context"
	"crypto/x509/pkix"
	"encoding/asn1"
	"fmt"
	"math/big"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	kmstypes "github.com/aws/aws-sdk-go-v2/service/kms/types"
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	log "github.com/sirupsen/logrus"

	"github.com/stackflow-net/watchtower/go/stacks"
)

// kmsAPI is the slice of the AWS KMS client the backend uses.
type kmsAPI interface {
	GetPublicKey(ctx context.Context, in *kms.GetPublicKeyInput, opts ...func(*kms.Options)) (*kms.GetPublicKeyOutput, error)
	Sign(ctx context.Context, in *kms.SignInput, opts ...func(*kms.Options)) (*kms.SignOutput, error)
}

// KMS signs with a secp256k1 key held by AWS KMS. The raw private key is
// never present in this process.
type KMS struct {
	client  kmsAPI
	keyID   string
	network stacks.Network
	pub     *btcec.PublicKey
}

// NewKMS builds a KMS backend from the ambient AWS configuration. An empty
// key id yields a disabled backend: EnsureReady succeeds but SignHash fails.
func NewKMS(ctx context.Context, keyID string, network stacks.Network) (*KMS, error) {
	if keyID == "" {
		return &KMS{keyID: "", network: network}, nil
	}
	var cfg, err = awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading AWS configuration: %w", err)
	}
	return &KMS{client: kms.NewFromConfig(cfg), keyID: keyID, network: network}, nil
}

func (k *KMS) Mode() string { return "kms" }

// EnsureReady fetches and caches the key's public point.
func (k *KMS) EnsureReady(ctx context.Context) error {
	if k.keyID == "" || k.pub != nil {
		return nil
	}
	var out, err = k.client.GetPublicKey(ctx, &kms.GetPublicKeyInput{
		KeyId: aws.String(k.keyID),
	})
	if err != nil {
		return fmt.Errorf("fetching KMS public key: %w", err)
	}
	if k.pub, err = parseSPKI(out.PublicKey); err != nil {
		return fmt.Errorf("parsing KMS public key: %w", err)
	}
	log.WithFields(log.Fields{
		"keyId":     k.keyID,
		"principal": k.Principal().String(),
	}).Info("KMS signer ready")
	return nil
}

func (k *KMS) Principal() stacks.Principal {
	if k.pub == nil {
		return stacks.Principal{}
	}
	return stacks.PrincipalOfPublicKey(k.pub, k.network.AddressVersion)
}

func (k *KMS) SignerHash() [20]byte {
	if k.pub == nil {
		return [20]byte{}
	}
	return stacks.Hash160(k.pub.SerializeCompressed())
}

func (k *KMS) SignHash(ctx context.Context, hash [32]byte) (stacks.Signature, error) {
	if k.keyID == "" {
		return stacks.Signature{}, DisabledError{}
	}
	if k.pub == nil {
		if err := k.EnsureReady(ctx); err != nil {
			return stacks.Signature{}, err
		}
	}
	var out, err = k.client.Sign(ctx, &kms.SignInput{
		KeyId:            aws.String(k.keyID),
		Message:          hash[:],
		MessageType:      kmstypes.MessageTypeDigest,
		SigningAlgorithm: kmstypes.SigningAlgorithmSpecEcdsaSha256,
	})
	if err != nil {
		return stacks.Signature{}, fmt.Errorf("KMS sign: %w", err)
	}
	sig, err := recoverableFromDER(out.Signature, hash, k.pub)
	if err != nil {
		return stacks.Signature{}, err
	}
	log.WithField("signature", sig.String()).Debug("produced KMS signature")
	return sig, nil
}

func parseSPKI(der []byte) (*btcec.PublicKey, error) {
	var spki struct {
		Algorithm pkix.AlgorithmIdentifier
		PublicKey asn1.BitString
	}
	if _, err := asn1.Unmarshal(der, &spki); err != nil {
		return nil, err
	}
	return btcec.ParsePubKey(spki.PublicKey.Bytes)
}

// recoverableFromDER converts a DER ECDSA signature to the 65-byte RSV
// layout: s is normalized to its low form and the recovery id is found by
// trial recovery against the known public key.
func recoverableFromDER(der []byte, hash [32]byte, pub *btcec.PublicKey) (stacks.Signature, error) {
	var parsed struct{ R, S *big.Int }
	if _, err := asn1.Unmarshal(der, &parsed); err != nil {
		return stacks.Signature{}, fmt.Errorf("parsing DER signature: %w", err)
	}
	var n = btcec.S256().Params().N
	var halfN = new(big.Int).Rsh(n, 1)
	if parsed.S.Cmp(halfN) > 0 {
		parsed.S = new(big.Int).Sub(n, parsed.S)
	}

	var compact [65]byte
	parsed.R.FillBytes(compact[1:33])
	parsed.S.FillBytes(compact[33:65])
	for recovery := byte(0); recovery < 4; recovery++ {
		compact[0] = 27 + 4 + recovery
		var candidate, _, err = ecdsa.RecoverCompact(compact[:], hash[:])
		if err != nil || !candidate.IsEqual(pub) {
			continue
		}
		var sig stacks.Signature
		copy(sig[:64], compact[1:])
		sig[64] = recovery
		return sig, nil
	}
	return stacks.Signature{}, fmt.Errorf("no recovery id reproduces the KMS public key")
}
