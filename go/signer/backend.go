// Package signer produces operator co-signatures for proposed pipe states.
// The Service applies operator-safety policy before signing; signing itself
// is delegated to a Backend, either a local in-memory key or an external
// KMS key.
package signer

import (
	"context"

	"github.com/stackflow-net/watchtower/go/stacks"
)

// Backend is the signing capability of an operator account. Backends must
// never log the private key or the message pre-image; only the resulting
// signature hex may be logged.
type Backend interface {
	Mode() string
	// EnsureReady performs any upfront initialization, such as fetching
	// the public key of a KMS-held account.
	EnsureReady(ctx context.Context) error
	// Principal returns the account principal, or the zero Principal when
	// the backend is not configured.
	Principal() stacks.Principal
	// SignerHash returns the hash160 of the account's compressed public key.
	SignerHash() [20]byte
	// SignHash signs a 32-byte hash, producing a recoverable signature in
	// RSV layout.
	SignHash(ctx context.Context, hash [32]byte) (stacks.Signature, error)
}

// DisabledError reports a signing request against a backend that has no
// key configured.
type DisabledError struct{}

func (DisabledError) Error() string { return "signer is not configured" }
