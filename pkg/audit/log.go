// Package audit implements an append-only, hash-chained log of policy
// lifecycle events: compiles, activations, rollbacks, pins and rebinds.
package audit

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/workgraph/pkg/canonicalize"
)

var (
	ErrEntryNotFound = errors.New("entry not found")
	ErrChainBroken   = errors.New("hash chain is broken")
)

// EntryType categorizes audit entries.
type EntryType string

const (
	EntryVersionCompiled   EntryType = "version_compiled"
	EntryCompileRejected   EntryType = "compile_rejected"
	EntryVersionActivated  EntryType = "version_activated"
	EntryVersionRolledBack EntryType = "version_rolled_back"
	EntryWorkItemPinned    EntryType = "work_item_pinned"
	EntryWorkItemRebound   EntryType = "work_item_rebound"
)

const genesis = "genesis"

// Entry is a single immutable entry in the log.
type Entry struct {
	EntryID      string            `json:"entryId"`
	Sequence     uint64            `json:"sequence"`
	Timestamp    time.Time         `json:"timestamp"`
	EntryType    EntryType         `json:"entryType"`
	Subject      string            `json:"subject"`
	Action       string            `json:"action"`
	Payload      json.RawMessage   `json:"payload"`
	PayloadHash  string            `json:"payloadHash"`
	PreviousHash string            `json:"previousHash"`
	EntryHash    string            `json:"entryHash"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// Handler is called when new entries are appended.
type Handler func(entry *Entry)

// Log is an append-only audit log with hash chaining. Payloads are stored
// in canonical JSON, so the chain verifies independently of map ordering.
type Log struct {
	mu        sync.RWMutex
	entries   []*Entry
	entryByID map[string]*Entry
	sequence  uint64
	chainHead string
	handlers  []Handler
	now       func() time.Time
}

// NewLog creates an empty log.
func NewLog() *Log {
	return &Log{
		entries:   make([]*Entry, 0),
		entryByID: make(map[string]*Entry),
		chainHead: genesis,
		now:       time.Now,
	}
}

// Append adds a new entry to the log.
func (l *Log) Append(entryType EntryType, subject, action string, payload any, metadata map[string]string) (*Entry, error) {
	payloadBytes, err := canonicalize.JCS(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize payload: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	entry := &Entry{
		EntryID:      uuid.New().String(),
		Sequence:     l.sequence + 1,
		Timestamp:    l.now().UTC(),
		EntryType:    entryType,
		Subject:      subject,
		Action:       action,
		Payload:      payloadBytes,
		PayloadHash:  "sha256:" + canonicalize.HashBytes(payloadBytes),
		PreviousHash: l.chainHead,
		Metadata:     metadata,
	}
	entry.EntryHash, err = entryHash(entry)
	if err != nil {
		return nil, err
	}

	l.sequence = entry.Sequence
	l.chainHead = entry.EntryHash
	l.entries = append(l.entries, entry)
	l.entryByID[entry.EntryID] = entry

	for _, h := range l.handlers {
		h(entry)
	}
	return entry, nil
}

func entryHash(e *Entry) (string, error) {
	hashable := struct {
		Sequence     uint64    `json:"sequence"`
		Timestamp    time.Time `json:"timestamp"`
		EntryType    EntryType `json:"entryType"`
		Subject      string    `json:"subject"`
		Action       string    `json:"action"`
		PayloadHash  string    `json:"payloadHash"`
		PreviousHash string    `json:"previousHash"`
	}{
		Sequence:     e.Sequence,
		Timestamp:    e.Timestamp,
		EntryType:    e.EntryType,
		Subject:      e.Subject,
		Action:       e.Action,
		PayloadHash:  e.PayloadHash,
		PreviousHash: e.PreviousHash,
	}
	h, err := canonicalize.CanonicalHash(hashable)
	if err != nil {
		return "", fmt.Errorf("failed to hash entry: %w", err)
	}
	return "sha256:" + h, nil
}

// Get retrieves an entry by ID.
func (l *Log) Get(entryID string) (*Entry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	entry, ok := l.entryByID[entryID]
	if !ok {
		return nil, ErrEntryNotFound
	}
	return entry, nil
}

// ChainHead returns the hash of the latest entry.
func (l *Log) ChainHead() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.chainHead
}

// Size returns the number of entries.
func (l *Log) Size() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// QueryFilter defines filtering criteria for queries.
type QueryFilter struct {
	EntryType  EntryType
	Subject    string
	MaxResults int
}

func (f QueryFilter) matches(e *Entry) bool {
	if f.EntryType != "" && e.EntryType != f.EntryType {
		return false
	}
	if f.Subject != "" && e.Subject != f.Subject {
		return false
	}
	return true
}

// Query returns entries matching the filter in append order.
func (l *Log) Query(filter QueryFilter) []*Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	results := make([]*Entry, 0)
	for _, e := range l.entries {
		if filter.matches(e) {
			results = append(results, e)
			if filter.MaxResults > 0 && len(results) >= filter.MaxResults {
				break
			}
		}
	}
	return results
}

// VerifyChain recomputes every entry hash and checks the links.
func (l *Log) VerifyChain() error {
	l.mu.RLock()
	defer l.mu.RUnlock()

	expectedPrev := genesis
	for i, entry := range l.entries {
		if entry.PreviousHash != expectedPrev {
			return fmt.Errorf("%w: entry %d has previousHash %s but expected %s",
				ErrChainBroken, i, entry.PreviousHash, expectedPrev)
		}
		if got := "sha256:" + canonicalize.HashBytes(entry.Payload); got != entry.PayloadHash {
			return fmt.Errorf("%w: entry %d payload hash mismatch", ErrChainBroken, i)
		}
		computed, err := entryHash(entry)
		if err != nil {
			return fmt.Errorf("%w: entry %d: %w", ErrChainBroken, i, err)
		}
		if computed != entry.EntryHash {
			return fmt.Errorf("%w: entry %d hash mismatch (computed %s, stored %s)",
				ErrChainBroken, i, computed, entry.EntryHash)
		}
		expectedPrev = entry.EntryHash
	}
	return nil
}

// AddHandler registers a handler for new entries. Handlers run under the
// log's write lock and must not call back into it.
func (l *Log) AddHandler(h Handler) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.handlers = append(l.handlers, h)
}
