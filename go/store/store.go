// Package store persists the watchtower's view of pipes, closures,
// signature states and dispute attempts. All mutation is funneled through
// one Store guarded by a single mutex over a single SQLite connection,
// which makes it the serialization point for concurrent request handlers.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3" // Import for register side-effects.
	log "github.com/sirupsen/logrus"

	"github.com/stackflow-net/watchtower/go/pipe"
	"github.com/stackflow-net/watchtower/go/stacks"
)

// schemaVersion is stamped into new databases and verified on open.
const schemaVersion = 1

const schema = `
CREATE TABLE IF NOT EXISTS meta (
	key   TEXT PRIMARY KEY NOT NULL,
	value TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS observed_pipes (
	contract_id TEXT NOT NULL,
	pipe_id     TEXT NOT NULL,
	record      TEXT NOT NULL,
	PRIMARY KEY (contract_id, pipe_id)
);
CREATE TABLE IF NOT EXISTS closures (
	pipe_id TEXT PRIMARY KEY NOT NULL,
	record  TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS signature_states (
	contract_id   TEXT NOT NULL,
	pipe_id       TEXT NOT NULL,
	for_principal TEXT NOT NULL,
	nonce_dec     TEXT NOT NULL,
	record        TEXT NOT NULL,
	PRIMARY KEY (contract_id, pipe_id, for_principal)
);
CREATE TABLE IF NOT EXISTS dispute_attempts (
	attempt_id TEXT PRIMARY KEY NOT NULL,
	record     TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS recent_events (
	seq    INTEGER PRIMARY KEY AUTOINCREMENT,
	record TEXT NOT NULL
);
`

type pipeRef struct{ contractID, pipeID string }

type stateRef struct{ contractID, pipeID, forPrincipal string }

// Store is the durable state store. Reads are served from in-memory
// collections primed at open; every write lands in SQLite before the
// in-memory view is updated.
type Store struct {
	db   *sql.DB
	path string

	mu        sync.Mutex
	pipes     map[pipeRef]pipe.ObservedPipe
	closures  map[string]pipe.Closure
	states    map[stateRef]pipe.SignatureState
	attempts  []pipe.DisputeAttempt
	attemptID map[string]int
	events    []pipe.RecordedEvent
	maxEvents int
	updatedAt time.Time
}

// Open opens or creates the database at path, applies the schema, and
// primes the in-memory collections.
func Open(path string, maxRecentEvents int) (*Store, error) {
	if maxRecentEvents <= 0 {
		return nil, fmt.Errorf("max recent events must be positive, got %d", maxRecentEvents)
	}
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating state directory %q: %w", dir, err)
		}
	}

	log.WithFields(log.Fields{
		"path":            path,
		"maxRecentEvents": maxRecentEvents,
	}).Info("opening state store")

	var db, err = sql.Open("sqlite3",
		"file:"+path+"?_journal_mode=WAL&_synchronous=FULL&_busy_timeout=5000")
	if err == nil {
		err = db.Ping()
	}
	if err != nil {
		return nil, fmt.Errorf("opening state database %q: %w", path, err)
	}
	// A single connection serializes writers at the database layer as well.
	db.SetMaxOpenConns(1)

	var s = &Store{
		db:        db,
		path:      path,
		pipes:     make(map[pipeRef]pipe.ObservedPipe),
		closures:  make(map[string]pipe.Closure),
		states:    make(map[stateRef]pipe.SignatureState),
		attemptID: make(map[string]int),
		maxEvents: maxRecentEvents,
	}
	if err = s.load(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) load() error {
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("applying schema: %w", err)
	}

	var version string
	var err = s.db.QueryRow(`SELECT value FROM meta WHERE key = 'version'`).Scan(&version)
	if err == sql.ErrNoRows {
		if _, err = s.db.Exec(`INSERT INTO meta (key, value) VALUES ('version', ?)`,
			fmt.Sprint(schemaVersion)); err != nil {
			return fmt.Errorf("stamping schema version: %w", err)
		}
		version = fmt.Sprint(schemaVersion)
	} else if err != nil {
		return fmt.Errorf("reading schema version: %w", err)
	}
	if version != fmt.Sprint(schemaVersion) {
		return fmt.Errorf("state database %q has schema version %s, expected %d",
			s.path, version, schemaVersion)
	}

	var updatedAt string
	if err = s.db.QueryRow(`SELECT value FROM meta WHERE key = 'updated_at'`).
		Scan(&updatedAt); err == nil {
		if t, terr := time.Parse(time.RFC3339Nano, updatedAt); terr == nil {
			s.updatedAt = t
		}
	} else if err != sql.ErrNoRows {
		return fmt.Errorf("reading updated_at: %w", err)
	}

	if err = loadTable(s.db,
		`SELECT record FROM observed_pipes`,
		func(p pipe.ObservedPipe) {
			s.pipes[pipeRef{p.ContractID, p.PipeID}] = p
		}); err != nil {
		return fmt.Errorf("loading observed pipes: %w", err)
	}
	if err = loadTable(s.db,
		`SELECT record FROM closures`,
		func(c pipe.Closure) { s.closures[c.PipeID] = c }); err != nil {
		return fmt.Errorf("loading closures: %w", err)
	}
	if err = loadTable(s.db,
		`SELECT record FROM signature_states`,
		func(st pipe.SignatureState) {
			s.states[stateRef{st.ContractID, st.PipeID, st.ForPrincipal.String()}] = st
		}); err != nil {
		return fmt.Errorf("loading signature states: %w", err)
	}
	if err = loadTable(s.db,
		`SELECT record FROM dispute_attempts`,
		func(a pipe.DisputeAttempt) {
			s.attemptID[a.AttemptID] = len(s.attempts)
			s.attempts = append(s.attempts, a)
		}); err != nil {
		return fmt.Errorf("loading dispute attempts: %w", err)
	}
	sort.SliceStable(s.attempts, func(i, j int) bool {
		return s.attempts[i].CreatedAt.Before(s.attempts[j].CreatedAt)
	})
	for i, a := range s.attempts {
		s.attemptID[a.AttemptID] = i
	}

	if err = loadTable(s.db,
		`SELECT record FROM recent_events ORDER BY seq ASC`,
		func(e pipe.RecordedEvent) { s.events = append(s.events, e) }); err != nil {
		return fmt.Errorf("loading recent events: %w", err)
	}
	if len(s.events) > s.maxEvents {
		s.events = append([]pipe.RecordedEvent{}, s.events[len(s.events)-s.maxEvents:]...)
	}

	log.WithFields(log.Fields{
		"observedPipes":   len(s.pipes),
		"closures":        len(s.closures),
		"signatureStates": len(s.states),
		"disputeAttempts": len(s.attempts),
		"recentEvents":    len(s.events),
	}).Info("state store loaded")
	return nil
}

func loadTable[T any](db *sql.DB, query string, emit func(T)) error {
	var rows, err = db.Query(query)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var record string
		if err = rows.Scan(&record); err != nil {
			return err
		}
		var decoded T
		if err = json.Unmarshal([]byte(record), &decoded); err != nil {
			return fmt.Errorf("decoding stored record: %w", err)
		}
		emit(decoded)
	}
	return rows.Err()
}

// Close closes the backing database.
func (s *Store) Close() error { return s.db.Close() }

// Path returns the database file path.
func (s *Store) Path() string { return s.path }

// write persists a record under fn and bumps the store's updated_at, all
// within one transaction.
func (s *Store) write(at time.Time, fn func(tx *sql.Tx) error) error {
	var tx, err = s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	if err = fn(tx); err == nil {
		_, err = tx.Exec(
			`INSERT INTO meta (key, value) VALUES ('updated_at', ?)
			 ON CONFLICT (key) DO UPDATE SET value = excluded.value`,
			at.Format(time.RFC3339Nano))
	}
	if err != nil {
		_ = tx.Rollback()
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	s.updatedAt = at
	return nil
}

// SetObservedPipe inserts or replaces the observed pipe record.
func (s *Store) SetObservedPipe(p pipe.ObservedPipe) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var record, err = json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encoding observed pipe: %w", err)
	}
	if err = s.write(p.UpdatedAt, func(tx *sql.Tx) error {
		_, err := tx.Exec(
			`INSERT OR REPLACE INTO observed_pipes (contract_id, pipe_id, record) VALUES (?, ?, ?)`,
			p.ContractID, p.PipeID, string(record))
		return err
	}); err != nil {
		return fmt.Errorf("writing observed pipe: %w", err)
	}
	s.pipes[pipeRef{p.ContractID, p.PipeID}] = p
	return nil
}

// GetObservedPipe returns the observed pipe record, if any.
func (s *Store) GetObservedPipe(contractID, pipeID string) (pipe.ObservedPipe, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var p, ok = s.pipes[pipeRef{contractID, pipeID}]
	return p, ok
}

// ListObservedPipes returns all observed pipes ordered by contract then
// pipe id.
func (s *Store) ListObservedPipes() []pipe.ObservedPipe {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listObservedPipes()
}

func (s *Store) listObservedPipes() []pipe.ObservedPipe {
	var out = make([]pipe.ObservedPipe, 0, len(s.pipes))
	for _, p := range s.pipes {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ContractID != out[j].ContractID {
			return out[i].ContractID < out[j].ContractID
		}
		return out[i].PipeID < out[j].PipeID
	})
	return out
}

// SetClosure inserts or replaces the active closure of a pipe.
func (s *Store) SetClosure(c pipe.Closure) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var record, err = json.Marshal(c)
	if err != nil {
		return fmt.Errorf("encoding closure: %w", err)
	}
	if err = s.write(c.UpdatedAt, func(tx *sql.Tx) error {
		_, err := tx.Exec(
			`INSERT OR REPLACE INTO closures (pipe_id, record) VALUES (?, ?)`,
			c.PipeID, string(record))
		return err
	}); err != nil {
		return fmt.Errorf("writing closure: %w", err)
	}
	s.closures[c.PipeID] = c
	return nil
}

// DeleteClosure removes the active closure of a pipe, if present.
func (s *Store) DeleteClosure(pipeID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.write(at, func(tx *sql.Tx) error {
		_, err := tx.Exec(`DELETE FROM closures WHERE pipe_id = ?`, pipeID)
		return err
	}); err != nil {
		return fmt.Errorf("deleting closure: %w", err)
	}
	delete(s.closures, pipeID)
	return nil
}

// GetClosure returns the active closure of a pipe, if any.
func (s *Store) GetClosure(pipeID string) (pipe.Closure, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var c, ok = s.closures[pipeID]
	return c, ok
}

// ListClosures returns active closures ordered by expiry ascending, then
// pipe id ascending. Closures without an expiry sort last.
func (s *Store) ListClosures() []pipe.Closure {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listClosures()
}

func (s *Store) listClosures() []pipe.Closure {
	var out = make([]pipe.Closure, 0, len(s.closures))
	for _, c := range s.closures {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		var ei, ej = out[i].ExpiresAt, out[j].ExpiresAt
		switch {
		case ei != nil && ej != nil && ei.Cmp(*ej) != 0:
			return ei.Cmp(*ej) < 0
		case ei == nil && ej != nil:
			return false
		case ei != nil && ej == nil:
			return true
		}
		return out[i].PipeID < out[j].PipeID
	})
	return out
}

// UpsertResult reports the outcome of a signature-state upsert.
type UpsertResult struct {
	Stored   bool
	Replaced bool
	State    pipe.SignatureState
}

// UpsertSignatureState writes st if it carries a strictly higher nonce than
// the stored state of the same (contract, pipe, principal). The nonce
// comparison and the write are serialized under the store's lock, so two
// racing upserts with equal nonces resolve to exactly one stored=true.
// When rejected, the returned State is the existing record.
func (s *Store) UpsertSignatureState(st pipe.SignatureState) (UpsertResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var ref = stateRef{st.ContractID, st.PipeID, st.ForPrincipal.String()}
	var existing, exists = s.states[ref]
	if exists && existing.Nonce.Cmp(st.Nonce) >= 0 {
		return UpsertResult{Stored: false, Replaced: false, State: existing}, nil
	}

	var record, err = json.Marshal(st)
	if err != nil {
		return UpsertResult{}, fmt.Errorf("encoding signature state: %w", err)
	}
	if err = s.write(st.UpdatedAt, func(tx *sql.Tx) error {
		_, err := tx.Exec(
			`INSERT OR REPLACE INTO signature_states
			 (contract_id, pipe_id, for_principal, nonce_dec, record) VALUES (?, ?, ?, ?, ?)`,
			st.ContractID, st.PipeID, st.ForPrincipal.String(), st.Nonce.String(), string(record))
		return err
	}); err != nil {
		return UpsertResult{}, fmt.Errorf("writing signature state: %w", err)
	}
	s.states[ref] = st
	return UpsertResult{Stored: true, Replaced: exists, State: st}, nil
}

// GetSignatureState returns the stored state for one side of a pipe.
func (s *Store) GetSignatureState(contractID, pipeID string, forPrincipal stacks.Principal) (pipe.SignatureState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var st, ok = s.states[stateRef{contractID, pipeID, forPrincipal.String()}]
	return st, ok
}

// SignatureStatesForPipe returns all states held for a pipe, ordered by
// nonce descending with updated_at descending as tie-break.
func (s *Store) SignatureStatesForPipe(contractID, pipeID string) []pipe.SignatureState {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []pipe.SignatureState
	for ref, st := range s.states {
		if ref.contractID == contractID && ref.pipeID == pipeID {
			out = append(out, st)
		}
	}
	sortSignatureStates(out)
	return out
}

// ListSignatureStates returns all stored states, ordered by nonce
// descending with updated_at descending as tie-break.
func (s *Store) ListSignatureStates() []pipe.SignatureState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listSignatureStates()
}

func (s *Store) listSignatureStates() []pipe.SignatureState {
	var out = make([]pipe.SignatureState, 0, len(s.states))
	for _, st := range s.states {
		out = append(out, st)
	}
	sortSignatureStates(out)
	return out
}

func sortSignatureStates(states []pipe.SignatureState) {
	sort.Slice(states, func(i, j int) bool {
		if c := states[i].Nonce.Cmp(states[j].Nonce); c != 0 {
			return c > 0
		}
		if !states[i].UpdatedAt.Equal(states[j].UpdatedAt) {
			return states[i].UpdatedAt.After(states[j].UpdatedAt)
		}
		return states[i].ForPrincipal.String() < states[j].ForPrincipal.String()
	})
}

// SetDisputeAttempt appends a dispute attempt record. Attempts are
// immutable once written; re-writing an attempt id replaces the record
// only in the backing table and is not expected in normal operation.
func (s *Store) SetDisputeAttempt(a pipe.DisputeAttempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var record, err = json.Marshal(a)
	if err != nil {
		return fmt.Errorf("encoding dispute attempt: %w", err)
	}
	if err = s.write(a.CreatedAt, func(tx *sql.Tx) error {
		_, err := tx.Exec(
			`INSERT OR REPLACE INTO dispute_attempts (attempt_id, record) VALUES (?, ?)`,
			a.AttemptID, string(record))
		return err
	}); err != nil {
		return fmt.Errorf("writing dispute attempt: %w", err)
	}
	if i, ok := s.attemptID[a.AttemptID]; ok {
		s.attempts[i] = a
	} else {
		s.attemptID[a.AttemptID] = len(s.attempts)
		s.attempts = append(s.attempts, a)
	}
	return nil
}

// GetDisputeAttempt returns the attempt with the given id, if any.
func (s *Store) GetDisputeAttempt(attemptID string) (pipe.DisputeAttempt, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var i, ok = s.attemptID[attemptID]
	if !ok {
		return pipe.DisputeAttempt{}, false
	}
	return s.attempts[i], true
}

// ListDisputeAttempts returns attempts newest-first. A limit of zero or
// less returns all.
func (s *Store) ListDisputeAttempts(limit int) []pipe.DisputeAttempt {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listDisputeAttempts(limit)
}

func (s *Store) listDisputeAttempts(limit int) []pipe.DisputeAttempt {
	var out = make([]pipe.DisputeAttempt, 0, len(s.attempts))
	for i := len(s.attempts) - 1; i >= 0; i-- {
		out = append(out, s.attempts[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}

// RecordEvent appends an event to the bounded ring, evicting the oldest
// entries beyond the configured size.
func (s *Store) RecordEvent(e pipe.RecordedEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var record, err = json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encoding event: %w", err)
	}
	if err = s.write(e.RecordedAt, func(tx *sql.Tx) error {
		if _, err := tx.Exec(
			`INSERT INTO recent_events (record) VALUES (?)`, string(record)); err != nil {
			return err
		}
		_, err := tx.Exec(
			`DELETE FROM recent_events WHERE seq NOT IN
			 (SELECT seq FROM recent_events ORDER BY seq DESC LIMIT ?)`, s.maxEvents)
		return err
	}); err != nil {
		return fmt.Errorf("recording event: %w", err)
	}
	s.events = append(s.events, e)
	if len(s.events) > s.maxEvents {
		s.events = append([]pipe.RecordedEvent{}, s.events[len(s.events)-s.maxEvents:]...)
	}
	return nil
}

// RecentEvents returns the retained events, oldest first.
func (s *Store) RecentEvents() []pipe.RecordedEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]pipe.RecordedEvent{}, s.events...)
}

// Snapshot is a consistent read of every collection.
type Snapshot struct {
	Version         int                   `json:"version"`
	UpdatedAt       time.Time             `json:"updatedAt"`
	ObservedPipes   []pipe.ObservedPipe   `json:"observedPipes"`
	Closures        []pipe.Closure        `json:"closures"`
	SignatureStates []pipe.SignatureState `json:"signatureStates"`
	DisputeAttempts []pipe.DisputeAttempt `json:"disputeAttempts"`
	RecentEvents    []pipe.RecordedEvent  `json:"recentEvents"`
}

// GetSnapshot returns a consistent copy of all collections.
func (s *Store) GetSnapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	return Snapshot{
		Version:         schemaVersion,
		UpdatedAt:       s.updatedAt,
		ObservedPipes:   s.listObservedPipes(),
		Closures:        s.listClosures(),
		SignatureStates: s.listSignatureStates(),
		DisputeAttempts: s.listDisputeAttempts(0),
		RecentEvents:    append([]pipe.RecordedEvent{}, s.events...),
	}
}
