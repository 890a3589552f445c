package signer

import (
	"context"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	log "github.com/sirupsen/logrus"

	"github.com/stackflow-net/watchtower/go/stacks"
)

// LocalKey signs with a raw secp256k1 private key held in process memory.
type LocalKey struct {
	key     *btcec.PrivateKey
	network stacks.Network
}

// NewLocalKey parses a hex private key. An empty key string yields a
// disabled backend whose SignHash fails.
func NewLocalKey(hexKey string, network stacks.Network) (*LocalKey, error) {
	if hexKey == "" {
		return &LocalKey{network: network}, nil
	}
	var key, err = stacks.ParsePrivateKey(hexKey)
	if err != nil {
		return nil, fmt.Errorf("parsing operator key: %w", err)
	}
	return &LocalKey{key: key, network: network}, nil
}

func (l *LocalKey) Mode() string { return "local-key" }

func (l *LocalKey) EnsureReady(context.Context) error { return nil }

func (l *LocalKey) Principal() stacks.Principal {
	if l.key == nil {
		return stacks.Principal{}
	}
	return stacks.PrincipalOfPublicKey(l.key.PubKey(), l.network.AddressVersion)
}

func (l *LocalKey) SignerHash() [20]byte {
	if l.key == nil {
		return [20]byte{}
	}
	return stacks.Hash160(l.key.PubKey().SerializeCompressed())
}

func (l *LocalKey) SignHash(_ context.Context, hash [32]byte) (stacks.Signature, error) {
	if l.key == nil {
		return stacks.Signature{}, DisabledError{}
	}
	var sig = stacks.SignHash(l.key, hash)
	log.WithField("signature", sig.String()).Debug("produced local-key signature")
	return sig, nil
}
