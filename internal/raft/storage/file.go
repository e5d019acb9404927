package storage

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/logquorum/raft/internal/types"
)

// FileStableStore keeps term and vote in a small binary file, rewritten and
// fsynced on every change. The record is tiny, so a full rewrite is cheaper
// than being clever.
//
// File layout:
//
//	[0..7]  currentTerm (uint64)
//	[8]     hasVote (0 or 1)
//	[9..10] votedFor length (uint16)
//	[11..]  votedFor bytes
type FileStableStore struct {
	mu       sync.Mutex
	fd       *os.File
	term     uint64
	votedFor types.NodeID
	hasVote  bool
}

func OpenFileStableStore(dir string) (*FileStableStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	fd, err := os.OpenFile(filepath.Join(dir, "stable.dat"), os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, err
	}
	s := &FileStableStore{fd: fd}
	if err := s.load(); err != nil {
		fd.Close()
		return nil, err
	}
	return s, nil
}

func (s *FileStableStore) load() error {
	header := make([]byte, 11)
	if _, err := io.ReadFull(s.fd, header); err != nil {
		if err == io.EOF {
			return nil // fresh store
		}
		return fmt.Errorf("read stable state: %w", err)
	}
	s.term = binary.BigEndian.Uint64(header[0:8])
	s.hasVote = header[8] == 1
	idLen := binary.BigEndian.Uint16(header[9:11])
	if idLen > 0 {
		id := make([]byte, idLen)
		if _, err := io.ReadFull(s.fd, id); err != nil {
			return fmt.Errorf("read voted-for: %w", err)
		}
		s.votedFor = types.NodeID(id)
	}
	return nil
}

func (s *FileStableStore) save() error {
	buf := make([]byte, 11, 11+len(s.votedFor))
	binary.BigEndian.PutUint64(buf[0:8], s.term)
	if s.hasVote {
		buf[8] = 1
	}
	binary.BigEndian.PutUint16(buf[9:11], uint16(len(s.votedFor)))
	buf = append(buf, s.votedFor...)

	if err := s.fd.Truncate(0); err != nil {
		return err
	}
	if _, err := s.fd.Seek(0, io.SeekStart); err != nil {
		return err
	}
	if _, err := s.fd.Write(buf); err != nil {
		return fmt.Errorf("write stable state: %w", err)
	}
	return s.fd.Sync()
}

func (s *FileStableStore) CurrentTerm() (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.term, nil
}

func (s *FileStableStore) SetCurrentTerm(term uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.term = term
	return s.save()
}

func (s *FileStableStore) VotedFor() (types.NodeID, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.votedFor, s.hasVote, nil
}

func (s *FileStableStore) SetVotedFor(id types.NodeID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.votedFor = id
	s.hasVote = true
	return s.save()
}

func (s *FileStableStore) ClearVotedFor() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.votedFor = ""
	s.hasVote = false
	return s.save()
}

func (s *FileStableStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fd.Close()
}

// FileLogStore is an append-only log file with an in-memory index. Every
// Append and TruncateSuffix is fsynced before returning, so an acked entry
// survives a crash.
//
// Record layout, repeated to EOF:
//
//	[0..7]   index (uint64)
//	[8..15]  term (uint64)
//	[16..19] command length (uint32)
//	[20..]   command bytes
//
// A torn record at the tail (crash mid-write before the sync) is discarded
// on open; by definition it was never acknowledged.
type FileLogStore struct {
	mu      sync.Mutex
	fd      *os.File
	entries []LogEntry // entries[0] is a sentinel
	offsets []int64    // byte offset of each record; offsets[0] = 0
}

func OpenFileLogStore(dir string) (*FileLogStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	fd, err := os.OpenFile(filepath.Join(dir, "log.dat"), os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, err
	}
	s := &FileLogStore{
		fd:      fd,
		entries: []LogEntry{{}},
		offsets: []int64{0},
	}
	if err := s.load(); err != nil {
		fd.Close()
		return nil, err
	}
	return s, nil
}

func (s *FileLogStore) load() error {
	var offset int64
	header := make([]byte, 20)
	for {
		if _, err := io.ReadFull(s.fd, header); err != nil {
			if err == io.EOF {
				return nil
			}
			// Torn tail record; drop it.
			return s.rewindTo(offset)
		}
		entry := LogEntry{
			Index: binary.BigEndian.Uint64(header[0:8]),
			Term:  binary.BigEndian.Uint64(header[8:16]),
		}
		cmdLen := binary.BigEndian.Uint32(header[16:20])
		entry.Command = make([]byte, cmdLen)
		if _, err := io.ReadFull(s.fd, entry.Command); err != nil {
			return s.rewindTo(offset)
		}
		if entry.Index != uint64(len(s.entries)) {
			return fmt.Errorf("log file corrupt: record %d has index %d", len(s.entries), entry.Index)
		}
		s.entries = append(s.entries, entry)
		offset += int64(20 + cmdLen)
		s.offsets = append(s.offsets, offset)
	}
}

func (s *FileLogStore) rewindTo(offset int64) error {
	if err := s.fd.Truncate(offset); err != nil {
		return err
	}
	_, err := s.fd.Seek(offset, io.SeekStart)
	return err
}

func (s *FileLogStore) LastIndex() (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return uint64(len(s.entries) - 1), nil
}

func (s *FileLogStore) LastTerm() (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.entries[len(s.entries)-1].Term, nil
}

func (s *FileLogStore) TermAt(index uint64) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if index == 0 || int(index) >= len(s.entries) {
		return 0, fmt.Errorf("term at %d: %w", index, ErrNotFound)
	}
	return s.entries[index].Term, nil
}

func (s *FileLogStore) EntryAt(index uint64) (LogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if index == 0 || int(index) >= len(s.entries) {
		return LogEntry{}, fmt.Errorf("entry at %d: %w", index, ErrNotFound)
	}
	return copyEntry(s.entries[index]), nil
}

func (s *FileLogStore) ReadRange(lo, hi uint64) ([]LogEntry, error) {
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

func (s *FileLogStore) Append(entries []LogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	wrote := false
	for _, e := range entries {
		last := uint64(len(s.entries) - 1)
		switch {
		case e.Index <= last:
			if s.entries[e.Index].Term != e.Term {
				return fmt.Errorf("append conflict at index %d: have term %d, got term %d",
					e.Index, s.entries[e.Index].Term, e.Term)
			}
		case e.Index == last+1:
			if err := s.writeRecord(e); err != nil {
				return err
			}
			wrote = true
		default:
			return fmt.Errorf("append gap: last index %d, got index %d", last, e.Index)
		}
	}
	if !wrote {
		return nil
	}
	return s.fd.Sync()
}

func (s *FileLogStore) writeRecord(e LogEntry) error {
	buf := make([]byte, 20, 20+len(e.Command))
	binary.BigEndian.PutUint64(buf[0:8], e.Index)
	binary.BigEndian.PutUint64(buf[8:16], e.Term)
	binary.BigEndian.PutUint32(buf[16:20], uint32(len(e.Command)))
	buf = append(buf, e.Command...)

	end := s.offsets[len(s.offsets)-1]
	if _, err := s.fd.WriteAt(buf, end); err != nil {
		return fmt.Errorf("write log record %d: %w", e.Index, err)
	}
	s.entries = append(s.entries, copyEntry(e))
	s.offsets = append(s.offsets, end+int64(len(buf)))
	return nil
}

func (s *FileLogStore) TruncateSuffix(from uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if from < 1 {
		return fmt.Errorf("truncate suffix from %d: index must be >= 1", from)
	}
	if int(from) >= len(s.entries) {
		return nil
	}
	// Record from starts at offsets[from-1]; cut the file there.
	if err := s.fd.Truncate(s.offsets[from-1]); err != nil {
		return err
	}
	s.entries = s.entries[:from]
	s.offsets = s.offsets[:from]
	return s.fd.Sync()
}

func (s *FileLogStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fd.Close()
}
