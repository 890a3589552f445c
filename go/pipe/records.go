package pipe

import (
	"fmt"
	"time"

	"github.com/stackflow-net/watchtower/go/stacks"
)

// Action tags a signed channel state with the operation it authorizes.
type Action uint8

const (
	ActionClose Action = iota
	ActionTransfer
	ActionDeposit
	ActionWithdraw
)

// Valid returns true for a recognized action code.
func (a Action) Valid() bool { return a <= ActionWithdraw }

// RequiresAmount returns true for actions that move funds in or out of the
// pipe and therefore carry a mandatory amount.
func (a Action) RequiresAmount() bool { return a == ActionDeposit || a == ActionWithdraw }

func (a Action) String() string {
	switch a {
	case ActionClose:
		return "close"
	case ActionTransfer:
		return "transfer"
	case ActionDeposit:
		return "deposit"
	case ActionWithdraw:
		return "withdraw"
	default:
		return fmt.Sprintf("action(%d)", uint8(a))
	}
}

// MarshalJSON encodes the action as its numeric code.
func (a Action) MarshalJSON() ([]byte, error) {
	if !a.Valid() {
		return nil, fmt.Errorf("invalid action code %d", uint8(a))
	}
	return []byte{'0' + byte(a)}, nil
}

// UnmarshalJSON decodes a numeric action code, rejecting unknown codes.
func (a *Action) UnmarshalJSON(data []byte) error {
	if len(data) == 1 && data[0] >= '0' && data[0] <= '3' {
		*a = Action(data[0] - '0')
		return nil
	}
	return fmt.Errorf("action must be 0 (close), 1 (transfer), 2 (deposit) or 3 (withdraw), got %s", data)
}

// Pending is an in-flight deposit awaiting burn-block maturity.
type Pending struct {
	Amount           stacks.Uint `json:"amount"`
	UnlockBurnHeight stacks.Uint `json:"unlockBurnHeight"`
}

// ObservedPipe is the watchtower's durable view of a pipe's on-chain state,
// keyed by (ContractID, PipeID).
type ObservedPipe struct {
	ContractID  string `json:"contractId"`
	PipeID      string `json:"pipeId"`
	Key
	BalanceLow  stacks.Uint       `json:"balanceLow"`
	BalanceHigh stacks.Uint       `json:"balanceHigh"`
	PendingLow  *Pending          `json:"pendingLow"`
	PendingHigh *Pending          `json:"pendingHigh"`
	ExpiresAt   *stacks.Uint      `json:"expiresAt"`
	Nonce       *stacks.Uint      `json:"nonce"`
	Closer      *stacks.Principal `json:"closer"`
	Event       string            `json:"event"`
	Txid        string            `json:"txid"`
	BlockHeight uint64            `json:"blockHeight"`
	UpdatedAt   time.Time         `json:"updatedAt"`
}

// Closure is an active force-close or force-cancel awaiting its dispute
// window, keyed by PipeID. It exists only while no terminal event has been
// observed for the pipe.
type Closure struct {
	ContractID  string `json:"contractId"`
	PipeID      string `json:"pipeId"`
	Key
	Closer      *stacks.Principal `json:"closer"`
	ExpiresAt   *stacks.Uint      `json:"expiresAt"`
	Nonce       *stacks.Uint      `json:"nonce"`
	Event       string            `json:"event"`
	Txid        string            `json:"txid"`
	BlockHeight uint64            `json:"blockHeight"`
	UpdatedAt   time.Time         `json:"updatedAt"`
}

// SignatureState is a fully-signed off-chain balance update held on behalf
// of one side of a pipe, keyed by (ContractID, PipeID, ForPrincipal).
type SignatureState struct {
	ContractID     string `json:"contractId"`
	PipeID         string `json:"pipeId"`
	Key
	ForPrincipal   stacks.Principal `json:"forPrincipal"`
	WithPrincipal  stacks.Principal `json:"withPrincipal"`
	Action         Action           `json:"action"`
	Amount         stacks.Uint      `json:"amount"`
	MyBalance      stacks.Uint      `json:"myBalance"`
	TheirBalance   stacks.Uint      `json:"theirBalance"`
	MySignature    stacks.Signature `json:"mySignature"`
	TheirSignature stacks.Signature `json:"theirSignature"`
	Nonce          stacks.Uint      `json:"nonce"`
	Actor          stacks.Principal `json:"actor"`
	Secret         HexBytes         `json:"secret,omitempty"`
	ValidAfter     *stacks.Uint     `json:"validAfter"`
	BeneficialOnly bool             `json:"beneficialOnly"`
	UpdatedAt      time.Time        `json:"updatedAt"`
}

// BalanceForSide returns the state's balance of whichever canonical side
// the given principal occupies: MyBalance when it is ForPrincipal's side,
// TheirBalance when it is WithPrincipal's.
func (s *SignatureState) BalanceForSide(p stacks.Principal) (stacks.Uint, bool) {
	switch p {
	case s.ForPrincipal:
		return s.MyBalance, true
	case s.WithPrincipal:
		return s.TheirBalance, true
	default:
		return stacks.Uint{}, false
	}
}

// DisputeAttempt records one dispute submission, successful or not.
// Attempts are append-only.
type DisputeAttempt struct {
	AttemptID    string           `json:"attemptId"`
	ContractID   string           `json:"contractId"`
	PipeID       string           `json:"pipeId"`
	ForPrincipal stacks.Principal `json:"forPrincipal"`
	TriggerTxid  string           `json:"triggerTxid"`
	Success      bool             `json:"success"`
	DisputeTxid  string           `json:"disputeTxid,omitempty"`
	Error        string           `json:"error,omitempty"`
	CreatedAt    time.Time        `json:"createdAt"`
}

// RecordedEvent is one accepted chain event, retained in a bounded ring
// for operator inspection.
type RecordedEvent struct {
	ContractID  string           `json:"contractId"`
	PipeID      string           `json:"pipeId"`
	Event       string           `json:"event"`
	Txid        string           `json:"txid"`
	BlockHeight uint64           `json:"blockHeight"`
	Sender      stacks.Principal `json:"sender"`
	RecordedAt  time.Time        `json:"recordedAt"`
}
