// Package events decodes upstream node block webhooks into typed pipe
// events. Payloads arrive as the node's /new_block JSON, each contract
// event carrying a consensus-serialized print record.
package events

import (
	"encoding/json"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/stackflow-net/watchtower/go/pipe"
	"github.com/stackflow-net/watchtower/go/stacks"
)

// Class partitions the event vocabulary by its effect on a pipe.
type Class int

const (
	// ClassUpdate events carry a fresh on-chain pipe record.
	ClassUpdate Class = iota
	// ClassOpenClosure events start a dispute window.
	ClassOpenClosure
	// ClassTerminal events end a pipe's active life.
	ClassTerminal
)

// knownEvents is the print vocabulary of the channel contract. Unknown
// event names are skipped for forward compatibility.
var knownEvents = map[string]Class{
	"fund-pipe":       ClassUpdate,
	"transfer":        ClassUpdate,
	"deposit":         ClassUpdate,
	"withdraw":        ClassUpdate,
	"force-close":     ClassOpenClosure,
	"force-cancel":    ClassOpenClosure,
	"close-pipe":      ClassTerminal,
	"dispute-closure": ClassTerminal,
	"finalize":        ClassTerminal,
}

// PipeRecord is the on-chain pipe snapshot carried by most print events,
// already normalized to the canonical (low, high) side order.
type PipeRecord struct {
	BalanceLow  stacks.Uint
	BalanceHigh stacks.Uint
	PendingLow  *pipe.Pending
	PendingHigh *pipe.Pending
	ExpiresAt   *stacks.Uint
	Nonce       *stacks.Uint
	Closer      *stacks.Principal
}

// PrintEvent is one decoded, normalized contract event.
type PrintEvent struct {
	Name        string
	ContractID  string
	Txid        string
	BlockHeight uint64
	Sender      stacks.Principal
	Key         pipe.Key
	PipeID      string
	Pipe        *PipeRecord
}

// Class returns the event's vocabulary class.
func (e *PrintEvent) Class() Class { return knownEvents[e.Name] }

// ParsedBlock is the usable content of one /new_block payload.
type ParsedBlock struct {
	BlockHeight uint64
	Events      []PrintEvent
}

// Parser filters and decodes node block payloads.
type Parser struct {
	watchedContracts map[string]struct{}
	logRawEvents     bool
}

// NewParser builds a Parser. An empty watchedContracts set matches every
// contract.
func NewParser(watchedContracts []string, logRawEvents bool) *Parser {
	var set = make(map[string]struct{}, len(watchedContracts))
	for _, c := range watchedContracts {
		set[c] = struct{}{}
	}
	return &Parser{watchedContracts: set, logRawEvents: logRawEvents}
}

type nodeBlock struct {
	BlockHeight uint64      `json:"block_height"`
	Events      []nodeEvent `json:"events"`
}

type nodeEvent struct {
	Txid          string `json:"txid"`
	Type          string `json:"type"`
	ContractEvent *struct {
		ContractIdentifier string `json:"contract_identifier"`
		Topic              string `json:"topic"`
		RawValue           string `json:"raw_value"`
	} `json:"contract_event"`
}

// ParseBlock decodes a /new_block payload and returns its watched print
// events in array order. Individual events that fail to decode are skipped
// with a warning; a malformed envelope is an error.
func (p *Parser) ParseBlock(payload []byte) (ParsedBlock, error) {
	var block nodeBlock
	if err := json.Unmarshal(payload, &block); err != nil {
		return ParsedBlock{}, fmt.Errorf("decoding block payload: %w", err)
	}
	var out = ParsedBlock{BlockHeight: block.BlockHeight}

	for i, ev := range block.Events {
		if ev.ContractEvent == nil || ev.ContractEvent.Topic != "print" {
			continue
		}
		var contractID = ev.ContractEvent.ContractIdentifier
		if len(p.watchedContracts) != 0 {
			if _, ok := p.watchedContracts[contractID]; !ok {
				continue
			}
		}
		if p.logRawEvents {
			log.WithFields(log.Fields{
				"contractId": contractID,
				"txid":       ev.Txid,
				"rawValue":   ev.ContractEvent.RawValue,
			}).Info("raw contract event")
		}

		var decoded, err = p.decodeEvent(contractID, ev.Txid, block.BlockHeight, ev.ContractEvent.RawValue)
		if err != nil {
			log.WithFields(log.Fields{
				"contractId": contractID,
				"txid":       ev.Txid,
				"index":      i,
				"error":      err,
			}).Warn("skipping undecodable contract event")
			continue
		}
		if decoded == nil {
			continue // Not part of the known vocabulary.
		}
		out.Events = append(out.Events, *decoded)
	}
	return out, nil
}

// decodeEvent maps one raw print value into a PrintEvent, or nil if the
// record is not a known pipe event.
func (p *Parser) decodeEvent(contractID, txid string, blockHeight uint64, rawValue string) (*PrintEvent, error) {
	var value, err = stacks.DecodeValueHex(rawValue)
	if err != nil {
		return nil, err
	}
	record, ok := value.(stacks.Tuple)
	if !ok {
		return nil, nil
	}
	name, err := record.GetASCII("event")
	if err != nil {
		return nil, nil // Print records without an event name are foreign.
	}
	if _, known := knownEvents[name]; !known {
		return nil, nil
	}

	sender, err := record.GetPrincipal("sender")
	if err != nil {
		return nil, fmt.Errorf("event %q: %w", name, err)
	}
	rawKey, err := record.GetTuple("pipe-key")
	if err != nil {
		return nil, fmt.Errorf("event %q: %w", name, err)
	}
	p1, err := rawKey.GetPrincipal("principal-1")
	if err != nil {
		return nil, fmt.Errorf("event %q pipe-key: %w", name, err)
	}
	p2, err := rawKey.GetPrincipal("principal-2")
	if err != nil {
		return nil, fmt.Errorf("event %q pipe-key: %w", name, err)
	}
	token, err := rawKey.GetOptPrincipal("token")
	if err != nil {
		return nil, fmt.Errorf("event %q pipe-key: %w", name, err)
	}

	var key = pipe.NewKey(p1, p2, token)
	var event = &PrintEvent{
		Name:        name,
		ContractID:  contractID,
		Txid:        txid,
		BlockHeight: blockHeight,
		Sender:      sender,
		Key:         key,
		PipeID:      key.ID(),
	}

	if rawPipe, exists := record["pipe"]; exists {
		if _, isNone := rawPipe.(stacks.None); !isNone {
			var pipeTuple stacks.Tuple
			if some, isSome := rawPipe.(stacks.Some); isSome {
				pipeTuple, ok = some.Value.(stacks.Tuple)
			} else {
				pipeTuple, ok = rawPipe.(stacks.Tuple)
			}
			if !ok {
				return nil, fmt.Errorf("event %q: pipe is not a tuple", name)
			}
			pr, err := decodePipeRecord(pipeTuple, key, p1)
			if err != nil {
				return nil, fmt.Errorf("event %q: %w", name, err)
			}
			event.Pipe = pr
		}
	}
	return event, nil
}

// decodePipeRecord normalizes the contract's (principal-1, principal-2)
// side order into the canonical (low, high) order of the key, swapping
// balances and pendings when principal-1 is the high side.
func decodePipeRecord(t stacks.Tuple, key pipe.Key, p1 stacks.Principal) (*PipeRecord, error) {
	var b1, err = t.GetUint("balance-1")
	if err != nil {
		return nil, err
	}
	b2, err := t.GetUint("balance-2")
	if err != nil {
		return nil, err
	}
	pending1, err := decodePending(t, "pending-1")
	if err != nil {
		return nil, err
	}
	pending2, err := decodePending(t, "pending-2")
	if err != nil {
		return nil, err
	}
	expiresAt, err := optionalHeight(t, "expires-at")
	if err != nil {
		return nil, err
	}
	nonce, err := optionalHeight(t, "nonce")
	if err != nil {
		return nil, err
	}
	var closer *stacks.Principal
	if _, exists := t["closer"]; exists {
		if closer, err = t.GetOptPrincipal("closer"); err != nil {
			return nil, err
		}
	}

	var record = &PipeRecord{
		BalanceLow:  b1,
		BalanceHigh: b2,
		PendingLow:  pending1,
		PendingHigh: pending2,
		ExpiresAt:   expiresAt,
		Nonce:       nonce,
		Closer:      closer,
	}
	if key.SideOf(p1) == pipe.SideHigh {
		record.BalanceLow, record.BalanceHigh = record.BalanceHigh, record.BalanceLow
		record.PendingLow, record.PendingHigh = record.PendingHigh, record.PendingLow
	}
	return record, nil
}

// decodePending reads an optional {amount, burn-height} tuple field.
func decodePending(t stacks.Tuple, field string) (*pipe.Pending, error) {
	var raw, exists = t[field]
	if !exists {
		return nil, nil
	}
	var inner stacks.Tuple
	switch v := raw.(type) {
	case stacks.None:
		return nil, nil
	case stacks.Some:
		var ok bool
		if inner, ok = v.Value.(stacks.Tuple); !ok {
			return nil, fmt.Errorf("tuple field %q is not an optional pending tuple", field)
		}
	case stacks.Tuple:
		inner = v
	default:
		return nil, fmt.Errorf("tuple field %q is not an optional pending tuple", field)
	}

	var amount, err = inner.GetUint("amount")
	if err != nil {
		return nil, fmt.Errorf("pending %q: %w", field, err)
	}
	unlock, err := inner.GetUint("burn-height")
	if err != nil {
		return nil, fmt.Errorf("pending %q: %w", field, err)
	}
	return &pipe.Pending{Amount: amount, UnlockBurnHeight: unlock}, nil
}

// optionalHeight reads a field that contracts emit either as a bare uint
// or as an optional uint.
func optionalHeight(t stacks.Tuple, field string) (*stacks.Uint, error) {
	var raw, exists = t[field]
	if !exists {
		return nil, nil
	}
	switch v := raw.(type) {
	case stacks.None:
		return nil, nil
	case stacks.Some:
		if u, ok := v.Value.(stacks.UInt); ok {
			return &u.U, nil
		}
	case stacks.UInt:
		return &v.U, nil
	}
	return nil, fmt.Errorf("tuple field %q is not a uint or optional uint", field)
}
