package storage

import (
	"errors"
	"fmt"
	"sync"

	"github.com/logquorum/raft/internal/types"
)

// LogEntry is a single entry in the replicated log. Command is opaque to the
// consensus core; only the application state machine interprets it.
type LogEntry struct {
	Index   uint64 `json:"index"`
	Term    uint64 `json:"term"`
	Command []byte `json:"command"`
}

// ErrNotFound is returned when a log index is outside the stored range.
var ErrNotFound = errors.New("log entry not found")

// StableStore persists the durable election state (term, vote). A node must
// never ack a vote or an append that depends on state this store has not
// durably recorded.
type StableStore interface {
	CurrentTerm() (uint64, error)
	SetCurrentTerm(term uint64) error
	VotedFor() (id types.NodeID, ok bool, err error)
	SetVotedFor(id types.NodeID) error
	ClearVotedFor() error
}

// LogStore persists the replicated log. Indexes start at 1.
//
// Append must be idempotent: re-appending an entry that already exists with
// the same index and term is a no-op. Appending a different term at an
// existing index is an error; callers truncate the conflicting suffix first.
type LogStore interface {
	LastIndex() (uint64, error)
	LastTerm() (uint64, error)
	TermAt(index uint64) (uint64, error)
	EntryAt(index uint64) (LogEntry, error)
	ReadRange(lo, hi uint64) ([]LogEntry, error)
	Append(entries []LogEntry) error
	TruncateSuffix(from uint64) error
}

// --- In-memory implementations ---

// MemStableStore is an in-memory StableStore for tests and single-process use.
type MemStableStore struct {
	mu       sync.Mutex
	term     uint64
	votedFor types.NodeID
	hasVote  bool
}

func NewMemStableStore() *MemStableStore {
	return &MemStableStore{}
}

func (s *MemStableStore) CurrentTerm() (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.term, nil
}

func (s *MemStableStore) SetCurrentTerm(term uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.term = term
	return nil
}

func (s *MemStableStore) VotedFor() (types.NodeID, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.votedFor, s.hasVote, nil
}

func (s *MemStableStore) SetVotedFor(id types.NodeID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.votedFor = id
	s.hasVote = true
	return nil
}

func (s *MemStableStore) ClearVotedFor() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.votedFor = ""
	s.hasVote = false
	return nil
}

// MemLogStore is an in-memory LogStore. entries[0] is a sentinel so that
// entry i lives at slice position i.
type MemLogStore struct {
	mu      sync.Mutex
	entries []LogEntry
}

func NewMemLogStore() *MemLogStore {
	return &MemLogStore{
		entries: []LogEntry{{}},
	}
}

func (s *MemLogStore) LastIndex() (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return uint64(len(s.entries) - 1), nil
}

func (s *MemLogStore) LastTerm() (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.entries[len(s.entries)-1].Term, nil
}

func (s *MemLogStore) TermAt(index uint64) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if index == 0 || int(index) >= len(s.entries) {
		return 0, fmt.Errorf("term at %d: %w", index, ErrNotFound)
	}
	return s.entries[index].Term, nil
}

func (s *MemLogStore) EntryAt(index uint64) (LogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if index == 0 || int(index) >= len(s.entries) {
		return LogEntry{}, fmt.Errorf("entry at %d: %w", index, ErrNotFound)
	}
	return copyEntry(s.entries[index]), nil
}

func (s *MemLogStore) ReadRange(lo, hi uint64) ([]LogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if lo < 1 || hi >= uint64(len(s.entries)) || lo > hi {
		return nil, fmt.Errorf("invalid range [%d, %d], log length %d", lo, hi, len(s.entries)-1)
	}
	result := make([]LogEntry, 0, hi-lo+1)
	for _, e := range s.entries[lo : hi+1] {
		result = append(result, copyEntry(e))
	}
	return result, nil
}

func (s *MemLogStore) Append(entries []LogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range entries {
		last := uint64(len(s.entries) - 1)
		switch {
		case e.Index <= last:
			if s.entries[e.Index].Term != e.Term {
				return fmt.Errorf("append conflict at index %d: have term %d, got term %d",
					e.Index, s.entries[e.Index].Term, e.Term)
			}
			// Same index and term: retry of an entry we already hold.
		case e.Index == last+1:
			s.entries = append(s.entries, copyEntry(e))
		default:
			return fmt.Errorf("append gap: last index %d, got index %d", last, e.Index)
		}
	}
	return nil
}

func (s *MemLogStore) TruncateSuffix(from uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if from < 1 {
		return fmt.Errorf("truncate suffix from %d: index must be >= 1", from)
	}
	if int(from) >= len(s.entries) {
		return nil
	}
	s.entries = s.entries[:from]
	return nil
}

func copyEntry(e LogEntry) LogEntry {
	cmd := make([]byte, len(e.Command))
	copy(cmd, e.Command)
	return LogEntry{Index: e.Index, Term: e.Term, Command: cmd}
}
