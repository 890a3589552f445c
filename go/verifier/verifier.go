// Package verifier checks the cryptographic validity of signature states.
// Three modes are available: readonly consults the channel contract's
// verify-signature-request function, accept-all waves everything through,
// and reject-all refuses everything (an operational freeze).
package verifier

import (
	"context"
	"crypto/sha256"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
	log "github.com/sirupsen/logrus"

	"github.com/stackflow-net/watchtower/go/pipe"
	"github.com/stackflow-net/watchtower/go/stacks"
)

// Result is the outcome of one verification.
type Result struct {
	Valid  bool
	Reason string
}

// Verifier validates a fully-populated signature state.
type Verifier interface {
	Verify(ctx context.Context, state pipe.SignatureState) (Result, error)
	Mode() string
}

type acceptAll struct{}

func (acceptAll) Verify(context.Context, pipe.SignatureState) (Result, error) {
	return Result{Valid: true}, nil
}
func (acceptAll) Mode() string { return "accept-all" }

// AcceptAll returns a Verifier that accepts every state. For tests and
// pre-production environments.
func AcceptAll() Verifier { return acceptAll{} }

type rejectAll struct{ reason string }

func (r rejectAll) Verify(context.Context, pipe.SignatureState) (Result, error) {
	return Result{Valid: false, Reason: r.reason}, nil
}
func (rejectAll) Mode() string { return "reject-all" }

// RejectAll returns a Verifier that rejects every state with the given
// reason.
func RejectAll(reason string) Verifier {
	if reason == "" {
		reason = "verification-disabled"
	}
	return rejectAll{reason: reason}
}

// verifyFunction is the contract's read-only signature check.
const verifyFunction = "verify-signature-request"

// contractReasons maps verify-signature-request error codes to stable
// reasons. Codes outside the table render as err-u<code>.
var contractReasons = map[uint64]string{
	100: "deposit-failed",
	101: "no-such-pipe",
	102: "invalid-principal",
	103: "invalid-sender",
	104: "not-expired",
	105: "invalid-total-balance",
	106: "withdrawal-failed",
	107: "pipe-expired",
	108: "nonce-too-low",
	109: "close-failed",
	110: "self-dispute",
	111: "already-funded",
	112: "invalid-withdrawal",
	113: "unapproved-token",
	114: "not-initialized",
	115: "unauthorized",
	116: "invalid-signature",
	117: "invalid-action",
	118: "not-valid-yet",
	119: "invalid-secret",
}

// NodeCaller is the read-only RPC surface of the stacks node client.
type NodeCaller interface {
	CallReadOnly(ctx context.Context, contract stacks.Principal, function string, sender stacks.Principal, args []stacks.Value) (stacks.Value, error)
}

type readOnly struct {
	node  NodeCaller
	cache *lru.Cache[[32]byte, Result]
}

// ReadOnly returns a Verifier that invokes the contract's
// verify-signature-request function for both signatures of a state.
// Verification of a fixed state is pure, so results are cached.
func ReadOnly(node NodeCaller, cacheSize int) Verifier {
	if cacheSize <= 0 {
		cacheSize = 1024
	}
	var cache, err = lru.New[[32]byte, Result](cacheSize)
	if err != nil {
		panic(err) // Only fails on a non-positive size.
	}
	return &readOnly{node: node, cache: cache}
}

func (r *readOnly) Mode() string { return "readonly" }

func (r *readOnly) Verify(ctx context.Context, state pipe.SignatureState) (Result, error) {
	var key = fingerprint(state)
	if cached, ok := r.cache.Get(key); ok {
		return cached, nil
	}

	var contract, err = stacks.ParsePrincipal(state.ContractID)
	if err != nil {
		return Result{}, fmt.Errorf("parsing contract id %q: %w", state.ContractID, err)
	}
	var result = Result{Valid: true}
	for _, check := range []struct {
		signature stacks.Signature
		signer    stacks.Principal
	}{
		{state.MySignature, state.ForPrincipal},
		{state.TheirSignature, state.WithPrincipal},
	} {
		var sub Result
		if sub, err = r.verifyOne(ctx, contract, state, check.signature, check.signer); err != nil {
			return Result{}, err
		}
		if !sub.Valid {
			result = sub
			break
		}
	}

	r.cache.Add(key, result)
	log.WithFields(log.Fields{
		"pipeId":     state.PipeID,
		"contractId": state.ContractID,
		"nonce":      state.Nonce.String(),
		"valid":      result.Valid,
		"reason":     result.Reason,
	}).Debug("verified signature state")
	return result, nil
}

func (r *readOnly) verifyOne(ctx context.Context, contract stacks.Principal, state pipe.SignatureState, signature stacks.Signature, signer stacks.Principal) (Result, error) {
	var balanceLow, balanceHigh, ok = canonicalBalances(state)
	if !ok {
		return Result{Valid: false, Reason: "signer-not-a-participant"}, nil
	}
	var hashedSecret []byte
	if len(state.Secret) > 0 {
		var sum = sha256.Sum256(state.Secret)
		hashedSecret = sum[:]
	}

	var args = []stacks.Value{
		stacks.Buffer(signature[:]),
		stacks.PrincipalValue(signer),
		stacks.OptionalPrincipal(state.Token),
		stacks.PrincipalValue(state.Low),
		stacks.PrincipalValue(state.High),
		stacks.UInt{U: balanceLow},
		stacks.UInt{U: balanceHigh},
		stacks.UInt{U: state.Nonce},
		stacks.UIntOf(uint64(state.Action)),
		stacks.PrincipalValue(state.Actor),
		stacks.OptionalBuffer(hashedSecret),
		stacks.OptionalUint(state.ValidAfter),
	}
	var value, err = r.node.CallReadOnly(ctx, contract, verifyFunction, signer, args)
	if err != nil {
		return Result{}, fmt.Errorf("calling %s: %w", verifyFunction, err)
	}

	switch v := value.(type) {
	case stacks.ResponseOk:
		if b, isBool := v.Value.(stacks.Bool); isBool && !bool(b) {
			return Result{Valid: false, Reason: "invalid-signature"}, nil
		}
		return Result{Valid: true}, nil
	case stacks.ResponseErr:
		return Result{Valid: false, Reason: reasonOf(v.Value)}, nil
	default:
		return Result{}, fmt.Errorf("%s returned a non-response value %T", verifyFunction, value)
	}
}

// canonicalBalances maps the state's (my, their) balances onto the
// canonical (low, high) side order.
func canonicalBalances(state pipe.SignatureState) (low, high stacks.Uint, ok bool) {
	switch state.SideOf(state.ForPrincipal) {
	case pipe.SideLow:
		return state.MyBalance, state.TheirBalance, true
	case pipe.SideHigh:
		return state.TheirBalance, state.MyBalance, true
	default:
		return stacks.Uint{}, stacks.Uint{}, false
	}
}

func reasonOf(v stacks.Value) string {
	if u, ok := v.(stacks.UInt); ok && u.U.IsUint64() {
		if reason, known := contractReasons[u.U.Uint64()]; known {
			return reason
		}
		return fmt.Sprintf("err-u%d", u.U.Uint64())
	}
	return "err-unknown"
}

// fingerprint digests the verification-relevant fields of a state.
func fingerprint(state pipe.SignatureState) [32]byte {
	var h = sha256.New()
	for _, part := range []string{
		state.ContractID,
		state.PipeID,
		state.ForPrincipal.String(),
		state.WithPrincipal.String(),
		state.Actor.String(),
		state.Nonce.String(),
		state.MyBalance.String(),
		state.TheirBalance.String(),
		state.MySignature.String(),
		state.TheirSignature.String(),
		fmt.Sprint(state.Action),
		state.Secret.String(),
	} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	if state.ValidAfter != nil {
		h.Write([]byte(state.ValidAfter.String()))
	}
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}
