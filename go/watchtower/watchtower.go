// Package watchtower drives the pipe state machine: it applies chain
// events to the durable store, settles matured pending deposits on burn
// blocks, accepts signed off-chain states, and submits disputes when a
// watched pipe is force-closed under a stale nonce.
package watchtower

import (
	"context"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/stackflow-net/watchtower/go/events"
	"github.com/stackflow-net/watchtower/go/executor"
	"github.com/stackflow-net/watchtower/go/pipe"
	"github.com/stackflow-net/watchtower/go/stacks"
	"github.com/stackflow-net/watchtower/go/store"
	"github.com/stackflow-net/watchtower/go/verifier"
)

// maxWatchedPrincipals bounds the configured watched set.
const maxWatchedPrincipals = 100

// Config parameterizes a Tower.
type Config struct {
	// WatchedPrincipals scopes which pipes the tower processes. Empty
	// watches everything.
	WatchedPrincipals []stacks.Principal
	// DisputeOnlyBeneficial restricts disputes to states that strictly
	// improve the beneficiary's balance over the closure's claim.
	DisputeOnlyBeneficial bool
}

// Counters are process-lifetime tallies surfaced by /status.
type Counters struct {
	ParsedBlocks      uint64 `json:"parsedBlocks"`
	ObservedEvents    uint64 `json:"observedEvents"`
	IgnoredEvents     uint64 `json:"ignoredEvents"`
	SettledPipes      uint64 `json:"settledPipes"`
	DisputesSubmitted uint64 `json:"disputesSubmitted"`
	DisputesFailed    uint64 `json:"disputesFailed"`
}

// Tower is the watchtower state machine over one Store.
type Tower struct {
	store          *store.Store
	verifier       verifier.Verifier
	executor       executor.Executor
	watched        map[stacks.Principal]struct{}
	watchedSorted  []string
	beneficialOnly bool
	now            func() time.Time

	parsedBlocks      atomic.Uint64
	observedEvents    atomic.Uint64
	ignoredEvents     atomic.Uint64
	settledPipes      atomic.Uint64
	disputesSubmitted atomic.Uint64
	disputesFailed    atomic.Uint64
}

// New builds a Tower. Watched principals are deduplicated; configuring
// more than the supported maximum is an error.
func New(s *store.Store, v verifier.Verifier, e executor.Executor, cfg Config) (*Tower, error) {
	var watched = make(map[stacks.Principal]struct{}, len(cfg.WatchedPrincipals))
	for _, p := range cfg.WatchedPrincipals {
		watched[p] = struct{}{}
	}
	if len(watched) > maxWatchedPrincipals {
		return nil, fmt.Errorf("at most %d watched principals are supported, got %d",
			maxWatchedPrincipals, len(watched))
	}
	var sorted = make([]string, 0, len(watched))
	for p := range watched {
		sorted = append(sorted, p.String())
	}
	sort.Strings(sorted)

	return &Tower{
		store:          s,
		verifier:       v,
		executor:       e,
		watched:        watched,
		watchedSorted:  sorted,
		beneficialOnly: cfg.DisputeOnlyBeneficial,
		now:            time.Now,
	}, nil
}

// WatchedPrincipals returns the configured watched set, sorted. Empty
// means watch-all.
func (t *Tower) WatchedPrincipals() []string { return t.watchedSorted }

// Counters returns a snapshot of the process-lifetime tallies.
func (t *Tower) Counters() Counters {
	return Counters{
		ParsedBlocks:      t.parsedBlocks.Load(),
		ObservedEvents:    t.observedEvents.Load(),
		IgnoredEvents:     t.ignoredEvents.Load(),
		SettledPipes:      t.settledPipes.Load(),
		DisputesSubmitted: t.disputesSubmitted.Load(),
		DisputesFailed:    t.disputesFailed.Load(),
	}
}

// watches returns true when either side of the key is in the watched set,
// or when the set is empty.
func (t *Tower) watches(key pipe.Key) bool {
	if len(t.watched) == 0 {
		return true
	}
	if _, ok := t.watched[key.Low]; ok {
		return true
	}
	var _, ok = t.watched[key.High]
	return ok
}

func (t *Tower) watchesPrincipal(p stacks.Principal) bool {
	if len(t.watched) == 0 {
		return true
	}
	var _, ok = t.watched[p]
	return ok
}

// IngestBlock applies a parsed block's events in array order and returns
// the number of watched events observed.
func (t *Tower) IngestBlock(ctx context.Context, block events.ParsedBlock) (int, error) {
	t.parsedBlocks.Add(1)
	var observed int
	for i := range block.Events {
		var ev = &block.Events[i]
		if !t.watches(ev.Key) {
			t.ignoredEvents.Add(1)
			eventsCounter.WithLabelValues("ignored").Inc()
			log.WithFields(log.Fields{
				"pipeId":     ev.PipeID,
				"contractId": ev.ContractID,
				"event":      ev.Name,
				"result":     "ignored",
			}).Debug("discarded unwatched event")
			continue
		}
		observed++
		t.observedEvents.Add(1)
		if err := t.applyEvent(ctx, ev); err != nil {
			return observed, fmt.Errorf("applying event %s of %s: %w", ev.Name, ev.Txid, err)
		}
	}
	return observed, nil
}

func (t *Tower) applyEvent(ctx context.Context, ev *events.PrintEvent) error {
	var now = t.now()
	if err := t.store.RecordEvent(pipe.RecordedEvent{
		ContractID:  ev.ContractID,
		PipeID:      ev.PipeID,
		Event:       ev.Name,
		Txid:        ev.Txid,
		BlockHeight: ev.BlockHeight,
		Sender:      ev.Sender,
		RecordedAt:  now,
	}); err != nil {
		return err
	}

	var result string
	var err error
	switch ev.Class() {
	case events.ClassUpdate:
		result, err = t.applyUpdate(ev, now)
	case events.ClassOpenClosure:
		result, err = t.applyOpenClosure(ctx, ev, now)
	case events.ClassTerminal:
		result, err = t.applyTerminal(ev, now)
	}
	if err != nil {
		return err
	}

	eventsCounter.WithLabelValues(result).Inc()
	var fields = log.Fields{
		"pipeId":     ev.PipeID,
		"contractId": ev.ContractID,
		"event":      ev.Name,
		"result":     result,
	}
	if ev.Pipe != nil && ev.Pipe.Nonce != nil {
		fields["nonce"] = ev.Pipe.Nonce.String()
	}
	log.WithFields(fields).Info("applied chain event")
	return nil
}

func (t *Tower) applyUpdate(ev *events.PrintEvent, now time.Time) (string, error) {
	if ev.Pipe == nil {
		return "no-pipe-record", nil
	}
	return "updated", t.store.SetObservedPipe(observedOf(ev, now))
}

func (t *Tower) applyOpenClosure(ctx context.Context, ev *events.PrintEvent, now time.Time) (string, error) {
	var closure = pipe.Closure{
		ContractID:  ev.ContractID,
		PipeID:      ev.PipeID,
		Key:         ev.Key,
		Event:       ev.Name,
		Txid:        ev.Txid,
		BlockHeight: ev.BlockHeight,
		UpdatedAt:   now,
	}
	var sender = ev.Sender
	closure.Closer = &sender
	if ev.Pipe != nil {
		if ev.Pipe.Closer != nil {
			closure.Closer = ev.Pipe.Closer
		}
		closure.Nonce = ev.Pipe.Nonce
		closure.ExpiresAt = ev.Pipe.ExpiresAt

		if err := t.store.SetObservedPipe(observedOf(ev, now)); err != nil {
			return "", err
		}
	}
	if err := t.store.SetClosure(closure); err != nil {
		return "", err
	}
	return "closure-opened", t.evaluateDispute(ctx, ev, closure)
}

func (t *Tower) applyTerminal(ev *events.PrintEvent, now time.Time) (string, error) {
	if err := t.store.DeleteClosure(ev.PipeID, now); err != nil {
		return "", err
	}

	var observed, exists = t.store.GetObservedPipe(ev.ContractID, ev.PipeID)
	if !exists {
		observed = pipe.ObservedPipe{
			ContractID: ev.ContractID,
			PipeID:     ev.PipeID,
			Key:        ev.Key,
		}
	}
	observed.BalanceLow = stacks.Uint{}
	observed.BalanceHigh = stacks.Uint{}
	observed.PendingLow = nil
	observed.PendingHigh = nil
	observed.Closer = nil
	if ev.Pipe != nil {
		observed.Nonce = ev.Pipe.Nonce
		observed.ExpiresAt = ev.Pipe.ExpiresAt
	}
	observed.Event = ev.Name
	observed.Txid = ev.Txid
	observed.BlockHeight = ev.BlockHeight
	observed.UpdatedAt = now

	return "terminated", t.store.SetObservedPipe(observed)
}

// observedOf builds an ObservedPipe record from an event carrying a pipe
// record.
func observedOf(ev *events.PrintEvent, now time.Time) pipe.ObservedPipe {
	return pipe.ObservedPipe{
		ContractID:  ev.ContractID,
		PipeID:      ev.PipeID,
		Key:         ev.Key,
		BalanceLow:  ev.Pipe.BalanceLow,
		BalanceHigh: ev.Pipe.BalanceHigh,
		PendingLow:  ev.Pipe.PendingLow,
		PendingHigh: ev.Pipe.PendingHigh,
		ExpiresAt:   ev.Pipe.ExpiresAt,
		Nonce:       ev.Pipe.Nonce,
		Closer:      ev.Pipe.Closer,
		Event:       ev.Name,
		Txid:        ev.Txid,
		BlockHeight: ev.BlockHeight,
		UpdatedAt:   now,
	}
}

// evaluateDispute runs the dispute evaluator against a just-opened
// closure. Evaluation failures to find a candidate are logged, not errors;
// only store and submission bookkeeping failures propagate.
func (t *Tower) evaluateDispute(ctx context.Context, ev *events.PrintEvent, closure pipe.Closure) error {
	var fields = log.Fields{
		"pipeId":     closure.PipeID,
		"contractId": closure.ContractID,
		"event":      ev.Name,
	}
	var skip = func(result string) error {
		disputesCounter.WithLabelValues(result).Inc()
		fields["result"] = result
		log.WithFields(fields).Info("dispute evaluation skipped")
		return nil
	}

	if closure.Nonce == nil {
		return skip("missing-closure-nonce")
	}
	if closure.Closer == nil {
		return skip("missing-closer")
	}
	fields["nonce"] = closure.Nonce.String()

	// Candidates arrive sorted by nonce descending, updated_at descending.
	var candidate *pipe.SignatureState
	for _, st := range t.store.SignatureStatesForPipe(closure.ContractID, closure.PipeID) {
		if st.ForPrincipal == *closure.Closer {
			continue // Never dispute on behalf of the closer.
		}
		if st.Nonce.Cmp(*closure.Nonce) <= 0 {
			continue
		}
		if st.ValidAfter != nil && ev.BlockHeight != 0 &&
			st.ValidAfter.Cmp(stacks.NewUint(ev.BlockHeight)) > 0 {
			continue
		}
		if t.beneficialOnly || st.BeneficialOnly {
			if ev.Pipe == nil {
				continue
			}
			var closureBalance stacks.Uint
			switch closure.SideOf(st.ForPrincipal) {
			case pipe.SideLow:
				closureBalance = ev.Pipe.BalanceLow
			case pipe.SideHigh:
				closureBalance = ev.Pipe.BalanceHigh
			default:
				continue
			}
			if st.MyBalance.Cmp(closureBalance) <= 0 {
				continue
			}
		}
		var c = st
		candidate = &c
		break
	}
	if candidate == nil {
		return skip("no-eligible-state")
	}
	fields["forPrincipal"] = candidate.ForPrincipal.String()

	var trigger = ev.Txid
	if trigger == "" {
		trigger = fmt.Sprintf("%s|%s|%s", closure.ContractID, closure.PipeID, closure.Nonce)
	}
	var attemptID = trigger + "|" + candidate.ForPrincipal.String()
	if prior, ok := t.store.GetDisputeAttempt(attemptID); ok && prior.Success {
		return skip("already-submitted")
	}

	var attempt = pipe.DisputeAttempt{
		AttemptID:    attemptID,
		ContractID:   closure.ContractID,
		PipeID:       closure.PipeID,
		ForPrincipal: candidate.ForPrincipal,
		TriggerTxid:  ev.Txid,
		CreatedAt:    t.now(),
	}
	var txid, err = t.executor.Submit(ctx, executor.Request{
		AttemptID: attemptID,
		State:     *candidate,
		Closure:   closure,
	})
	if err == nil {
		attempt.Success = true
		attempt.DisputeTxid = txid
		t.disputesSubmitted.Add(1)
		disputesCounter.WithLabelValues("submitted").Inc()
		fields["result"] = "dispute-submitted"
		fields["disputeTxid"] = txid
	} else {
		attempt.Error = err.Error()
		t.disputesFailed.Add(1)
		disputesCounter.WithLabelValues("failed").Inc()
		fields["result"] = "dispute-failed"
		fields["error"] = err.Error()
	}
	log.WithFields(fields).Info("dispute evaluated")

	// Failures are recorded but never retried automatically.
	return t.store.SetDisputeAttempt(attempt)
}

// StateInput is a caller-supplied signature-state candidate.
type StateInput struct {
	ContractID     string
	ForPrincipal   stacks.Principal
	WithPrincipal  stacks.Principal
	Token          *stacks.Principal
	Action         pipe.Action
	Amount         *stacks.Uint
	MyBalance      stacks.Uint
	TheirBalance   stacks.Uint
	MySignature    stacks.Signature
	TheirSignature stacks.Signature
	Nonce          stacks.Uint
	Actor          stacks.Principal
	Secret         pipe.HexBytes
	ValidAfter     *stacks.Uint
	BeneficialOnly bool
}

// UpsertSignatureState validates, verifies and stores a signature-state
// candidate. With skipVerification the signature verifier is bypassed, as
// when the operator has just produced the signature itself.
func (t *Tower) UpsertSignatureState(ctx context.Context, in StateInput, skipVerification bool) (store.UpsertResult, error) {
	var state, err = t.buildState(in)
	if err != nil {
		signaturesCounter.WithLabelValues("bad-input").Inc()
		return store.UpsertResult{}, err
	}
	if !t.watchesPrincipal(in.ForPrincipal) {
		signaturesCounter.WithLabelValues("not-watched").Inc()
		return store.UpsertResult{}, NotWatchedError{Principal: in.ForPrincipal.String()}
	}
	if !skipVerification {
		var result verifier.Result
		if result, err = t.verifier.Verify(ctx, state); err != nil {
			signaturesCounter.WithLabelValues("verifier-error").Inc()
			return store.UpsertResult{}, fmt.Errorf("verifying state: %w", err)
		}
		if !result.Valid {
			signaturesCounter.WithLabelValues("invalid").Inc()
			return store.UpsertResult{}, SignatureInvalidError{Reason: result.Reason}
		}
	}

	result, err := t.store.UpsertSignatureState(state)
	if err != nil {
		return store.UpsertResult{}, err
	}

	var outcome = "stored"
	if !result.Stored {
		outcome = "nonce-too-low"
	} else if result.Replaced {
		outcome = "replaced"
	}
	signaturesCounter.WithLabelValues(outcome).Inc()
	log.WithFields(log.Fields{
		"pipeId":       state.PipeID,
		"contractId":   state.ContractID,
		"event":        "signature-state",
		"forPrincipal": state.ForPrincipal.String(),
		"nonce":        state.Nonce.String(),
		"result":       outcome,
	}).Info("signature-state upsert")
	return result, nil
}

// buildState validates an input syntactically and canonicalizes it into a
// SignatureState.
func (t *Tower) buildState(in StateInput) (pipe.SignatureState, error) {
	if in.ContractID == "" {
		return pipe.SignatureState{}, badInputf("contractId is required")
	}
	if _, err := stacks.ParsePrincipal(in.ContractID); err != nil {
		return pipe.SignatureState{}, badInputf("contractId: %v", err)
	}
	if in.ForPrincipal.IsZero() || in.WithPrincipal.IsZero() {
		return pipe.SignatureState{}, badInputf("forPrincipal and withPrincipal are required")
	}
	if in.ForPrincipal == in.WithPrincipal {
		return pipe.SignatureState{}, badInputf("forPrincipal and withPrincipal must differ")
	}
	if !in.Action.Valid() {
		return pipe.SignatureState{}, badInputf("action must be 0 (close), 1 (transfer), 2 (deposit) or 3 (withdraw)")
	}
	if in.MySignature.IsZero() || in.TheirSignature.IsZero() {
		return pipe.SignatureState{}, badInputf("mySignature and theirSignature are required")
	}
	if n := len(in.Secret); n != 0 && n != 32 {
		return pipe.SignatureState{}, badInputf("secret must be 32 bytes, got %d", n)
	}
	if in.Actor.IsZero() {
		return pipe.SignatureState{}, badInputf("actor is required")
	}

	var amount stacks.Uint
	if in.Action.RequiresAmount() {
		if in.Amount == nil {
			return pipe.SignatureState{}, badInputf("amount is required for %s", in.Action)
		}
		amount = *in.Amount
	} else if in.Amount != nil {
		amount = *in.Amount
	}

	var key = pipe.NewKey(in.ForPrincipal, in.WithPrincipal, in.Token)
	return pipe.SignatureState{
		ContractID:     in.ContractID,
		PipeID:         key.ID(),
		Key:            key,
		ForPrincipal:   in.ForPrincipal,
		WithPrincipal:  in.WithPrincipal,
		Action:         in.Action,
		Amount:         amount,
		MyBalance:      in.MyBalance,
		TheirBalance:   in.TheirBalance,
		MySignature:    in.MySignature,
		TheirSignature: in.TheirSignature,
		Nonce:          in.Nonce,
		Actor:          in.Actor,
		Secret:         in.Secret,
		ValidAfter:     in.ValidAfter,
		BeneficialOnly: in.BeneficialOnly,
		UpdatedAt:      t.now(),
	}, nil
}

// BurnResult reports one burn-block tick.
type BurnResult struct {
	Processed int
	Settled   int
}

// IngestBurnBlock settles pending deposits whose unlock height has been
// reached at the given burn height.
func (t *Tower) IngestBurnBlock(height uint64) (BurnResult, error) {
	var h = stacks.NewUint(height)
	var result BurnResult

	for _, observed := range t.store.ListObservedPipes() {
		result.Processed++
		var settled bool

		if p := observed.PendingLow; p != nil && p.UnlockBurnHeight.Cmp(h) <= 0 {
			var sum, err = observed.BalanceLow.Add(p.Amount)
			if err != nil {
				return result, fmt.Errorf("settling pipe %s: %w", observed.PipeID, err)
			}
			observed.BalanceLow = sum
			observed.PendingLow = nil
			settled = true
		}
		if p := observed.PendingHigh; p != nil && p.UnlockBurnHeight.Cmp(h) <= 0 {
			var sum, err = observed.BalanceHigh.Add(p.Amount)
			if err != nil {
				return result, fmt.Errorf("settling pipe %s: %w", observed.PipeID, err)
			}
			observed.BalanceHigh = sum
			observed.PendingHigh = nil
			settled = true
		}
		if !settled {
			continue
		}

		observed.UpdatedAt = t.now()
		if err := t.store.SetObservedPipe(observed); err != nil {
			return result, err
		}
		result.Settled++
		t.settledPipes.Add(1)
		burnSettlementsCounter.Inc()
		log.WithFields(log.Fields{
			"pipeId":     observed.PipeID,
			"contractId": observed.ContractID,
			"event":      "burn-block",
			"result":     "settled",
			"burnHeight": height,
		}).Info("settled pending deposit")
	}
	return result, nil
}
