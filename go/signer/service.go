package signer

import (
	"context"
	"crypto/sha256"
	"fmt"

	"github.com/stackflow-net/watchtower/go/pipe"
	"github.com/stackflow-net/watchtower/go/stacks"
	"github.com/stackflow-net/watchtower/go/store"
	"github.com/stackflow-net/watchtower/go/watchtower"
)

// UnknownPipeStateError reports a signing request for a pipe the tower has
// no on-chain baseline for.
type UnknownPipeStateError struct{ PipeID string }

func (e UnknownPipeStateError) Error() string {
	return fmt.Sprintf("no observed state for pipe %s", e.PipeID)
}

// NonceTooLowError reports a proposed nonce at or below the baseline.
type NonceTooLowError struct{ Baseline string }

func (e NonceTooLowError) Error() string {
	return fmt.Sprintf("nonce must exceed the observed pipe nonce %s", e.Baseline)
}

// BalanceDecreaseError reports a proposed state that would shrink the
// operator's own claim.
type BalanceDecreaseError struct{ Baseline, Proposed string }

func (e BalanceDecreaseError) Error() string {
	return fmt.Sprintf("proposed balance %s is below the operator's observed balance %s",
		e.Proposed, e.Baseline)
}

// Request is a proposed state offered to the producer endpoints for
// co-signing. The operator is always the for-principal of the resulting
// signature state.
type Request struct {
	ContractID     string            `json:"contractId"`
	WithPrincipal  stacks.Principal  `json:"withPrincipal"`
	Token          *stacks.Principal `json:"token"`
	Action         *pipe.Action      `json:"action"`
	Amount         *stacks.Uint      `json:"amount"`
	MyBalance      stacks.Uint       `json:"myBalance"`
	TheirBalance   stacks.Uint       `json:"theirBalance"`
	TheirSignature stacks.Signature  `json:"theirSignature"`
	Nonce          stacks.Uint       `json:"nonce"`
	Actor          *stacks.Principal `json:"actor"`
	Secret         pipe.HexBytes     `json:"secret"`
	ValidAfter     *stacks.Uint      `json:"validAfter"`
	BeneficialOnly bool              `json:"beneficialOnly"`
}

// Service co-signs states on behalf of the operator principal and stores
// them through the watchtower's upsert path.
type Service struct {
	tower     *watchtower.Tower
	store     *store.Store
	backend   Backend
	principal stacks.Principal
	domain    stacks.Domain
}

// NewService builds a Service. The principal is the operator's, normally
// derived from the backend key but overridable by configuration.
func NewService(tower *watchtower.Tower, s *store.Store, backend Backend, principal stacks.Principal, domain stacks.Domain) *Service {
	return &Service{tower: tower, store: s, backend: backend, principal: principal, domain: domain}
}

// Principal returns the operator principal the service signs for.
func (s *Service) Principal() stacks.Principal { return s.principal }

// SignTransfer co-signs a transfer state. The proposed state must carry a
// strictly higher nonce than the observed pipe, conserve the pipe's total
// balance, and never shrink the operator's claim.
func (s *Service) SignTransfer(ctx context.Context, req Request) (store.UpsertResult, error) {
	if req.Action != nil && *req.Action != pipe.ActionTransfer {
		return store.UpsertResult{}, watchtower.BadInputError{
			Message: fmt.Sprintf("transfer endpoint cannot sign a %s", *req.Action)}
	}
	return s.sign(ctx, req, pipe.ActionTransfer)
}

// SignSignatureRequest co-signs a close, deposit or withdraw state.
func (s *Service) SignSignatureRequest(ctx context.Context, req Request) (store.UpsertResult, error) {
	if req.Action == nil {
		return store.UpsertResult{}, watchtower.BadInputError{Message: "action is required"}
	}
	if *req.Action == pipe.ActionTransfer {
		return store.UpsertResult{}, watchtower.BadInputError{
			Message: "transfers are signed via the transfer endpoint"}
	}
	if !req.Action.Valid() {
		return store.UpsertResult{}, watchtower.BadInputError{
			Message: fmt.Sprintf("unknown action %d", uint8(*req.Action))}
	}
	if req.Action.RequiresAmount() && req.Amount == nil {
		return store.UpsertResult{}, watchtower.BadInputError{
			Message: fmt.Sprintf("amount is required for %s", *req.Action)}
	}
	return s.sign(ctx, req, *req.Action)
}

func (s *Service) sign(ctx context.Context, req Request, action pipe.Action) (store.UpsertResult, error) {
	if s.principal.IsZero() {
		return store.UpsertResult{}, DisabledError{}
	}
	if req.WithPrincipal.IsZero() {
		return store.UpsertResult{}, watchtower.BadInputError{Message: "withPrincipal is required"}
	}
	if req.WithPrincipal == s.principal {
		return store.UpsertResult{}, watchtower.BadInputError{
			Message: "withPrincipal cannot be the operator principal"}
	}
	var actor = s.principal
	if req.Actor != nil {
		actor = *req.Actor
	}

	var key = pipe.NewKey(s.principal, req.WithPrincipal, req.Token)
	var pipeID = key.ID()
	var baseline, exists = s.store.GetObservedPipe(req.ContractID, pipeID)
	if !exists {
		return store.UpsertResult{}, UnknownPipeStateError{PipeID: pipeID}
	}
	if err := s.checkPolicy(req, action, actor, key, baseline); err != nil {
		return store.UpsertResult{}, err
	}

	var hash, err = s.signingHash(req, action, actor, key)
	if err != nil {
		return store.UpsertResult{}, err
	}
	mySignature, err := s.backend.SignHash(ctx, hash)
	if err != nil {
		return store.UpsertResult{}, err
	}

	// The operator trusts its own signature; the counterparty signature is
	// stored as presented.
	return s.tower.UpsertSignatureState(ctx, watchtower.StateInput{
		ContractID:     req.ContractID,
		ForPrincipal:   s.principal,
		WithPrincipal:  req.WithPrincipal,
		Token:          req.Token,
		Action:         action,
		Amount:         req.Amount,
		MyBalance:      req.MyBalance,
		TheirBalance:   req.TheirBalance,
		MySignature:    mySignature,
		TheirSignature: req.TheirSignature,
		Nonce:          req.Nonce,
		Actor:          actor,
		Secret:         req.Secret,
		ValidAfter:     req.ValidAfter,
		BeneficialOnly: req.BeneficialOnly,
	}, true)
}

// checkPolicy enforces the operator-local safety rules: nonce monotonicity
// against the observed baseline, conservation of the pipe total, and no
// uncompensated decrease of the operator's own claim.
func (s *Service) checkPolicy(req Request, action pipe.Action, actor stacks.Principal, key pipe.Key, baseline pipe.ObservedPipe) error {
	var baselineNonce stacks.Uint
	if baseline.Nonce != nil {
		baselineNonce = *baseline.Nonce
	}
	if req.Nonce.Cmp(baselineNonce) <= 0 {
		return NonceTooLowError{Baseline: baselineNonce.String()}
	}

	var operatorBalance stacks.Uint
	switch key.SideOf(s.principal) {
	case pipe.SideLow:
		operatorBalance = baseline.BalanceLow
	case pipe.SideHigh:
		operatorBalance = baseline.BalanceHigh
	}

	var total, err = baseline.BalanceLow.Add(baseline.BalanceHigh)
	if err != nil {
		return fmt.Errorf("computing pipe total: %w", err)
	}
	var expected = total
	switch action {
	case pipe.ActionDeposit:
		if expected, err = total.Add(*req.Amount); err != nil {
			return watchtower.BadInputError{Message: err.Error()}
		}
	case pipe.ActionWithdraw:
		if expected, err = total.Sub(*req.Amount); err != nil {
			return watchtower.BadInputError{
				Message: fmt.Sprintf("withdraw amount %s exceeds the pipe total %s", req.Amount, total)}
		}
	}
	proposed, err := req.MyBalance.Add(req.TheirBalance)
	if err != nil {
		return watchtower.BadInputError{Message: err.Error()}
	}
	if proposed.Cmp(expected) != 0 {
		return watchtower.BadInputError{
			Message: fmt.Sprintf("proposed balances sum to %s, expected %s", proposed, expected)}
	}

	if req.MyBalance.Cmp(operatorBalance) >= 0 {
		return nil
	}
	// The operator's claim may shrink only when withdrawing its own funds,
	// and by no more than the withdrawn amount.
	if action == pipe.ActionWithdraw && actor == s.principal {
		var decrease, _ = operatorBalance.Sub(req.MyBalance)
		if decrease.Cmp(*req.Amount) <= 0 {
			return nil
		}
	}
	return BalanceDecreaseError{
		Baseline: operatorBalance.String(),
		Proposed: req.MyBalance.String(),
	}
}

// signingHash builds the SIP-018 hash of the proposed state, with balances
// in canonical side order.
func (s *Service) signingHash(req Request, action pipe.Action, actor stacks.Principal, key pipe.Key) ([32]byte, error) {
	var balanceLow, balanceHigh = req.MyBalance, req.TheirBalance
	if key.SideOf(s.principal) == pipe.SideHigh {
		balanceLow, balanceHigh = balanceHigh, balanceLow
	}
	var hashedSecret []byte
	if len(req.Secret) > 0 {
		var sum = sha256.Sum256(req.Secret)
		hashedSecret = sum[:]
	}

	return stacks.StructuredDataHash(s.domain, stacks.Tuple{
		"token":         stacks.OptionalPrincipal(key.Token),
		"principal-1":   stacks.PrincipalValue(key.Low),
		"principal-2":   stacks.PrincipalValue(key.High),
		"balance-1":     stacks.UInt{U: balanceLow},
		"balance-2":     stacks.UInt{U: balanceHigh},
		"nonce":         stacks.UInt{U: req.Nonce},
		"action":        stacks.UIntOf(uint64(action)),
		"actor":         stacks.PrincipalValue(actor),
		"hashed-secret": stacks.OptionalBuffer(hashedSecret),
		"valid-after":   stacks.OptionalUint(req.ValidAfter),
	})
}
