package raft

import (
	"context"
	"time"

	"github.com/logquorum/raft/internal/raft/storage"
	"github.com/logquorum/raft/internal/raft/transport"
	"github.com/logquorum/raft/internal/types"
)

// Append submits a command to the replicated log. It blocks until the entry
// is committed (replicated to a quorum) or the submission fails. Losing
// leadership before commit surfaces as ErrNotCommitted; the caller retries,
// possibly against the new leader from NotLeaderError.Hint.
func (n *Node) Append(ctx context.Context, command []byte) (types.CommitResult, error) {
	n.mu.Lock()
	if n.role != types.RoleLeader {
		hint := n.leader
		n.mu.Unlock()
		return types.CommitResult{}, &NotLeaderError{Hint: hint}
	}
	term := n.currentTerm

	lastIdx, err := n.log.LastIndex()
	if err != nil {
		n.mu.Unlock()
		return types.CommitResult{}, err
	}
	idx := lastIdx + 1
	entry := storage.LogEntry{Index: idx, Term: term, Command: command}
	if err := n.log.Append([]storage.LogEntry{entry}); err != nil {
		n.fatalf("persist log entry %d: %v", idx, err)
	}

	ch := make(chan appendOutcome, 1)
	n.pending[idx] = &pendingAppend{term: term, ch: ch}

	n.wakeReplicatorsLocked()
	// A single-node cluster commits on local durability alone.
	n.advanceCommitIndexLocked()
	n.mu.Unlock()

	select {
	case out := <-ch:
		return out.res, out.err
	case <-ctx.Done():
		n.mu.Lock()
		delete(n.pending, idx)
		n.mu.Unlock()
		return types.CommitResult{}, ctx.Err()
	case <-n.ctx.Done():
		return types.CommitResult{}, n.ctx.Err()
	}
}

func (n *Node) wakeReplicatorsLocked() {
	for _, wake := range n.replWake {
		select {
		case wake <- struct{}{}:
		default:
		}
	}
}

// runReplicator drives one follower for the duration of a leadership. The
// ticker doubles as the heartbeat: an empty AppendEntries still suppresses
// elections and propagates the leader's commit index.
func (n *Node) runReplicator(ctx context.Context, peer types.NodeID, wake chan struct{}) {
	ticker := time.NewTicker(n.cfg.Timing.HeartbeatInterval)
	defer ticker.Stop()

	n.replicate(ctx, peer)
	for {
		select {
		case <-ctx.Done():
			return
		case <-wake:
			n.replicate(ctx, peer)
		case <-ticker.C:
			n.replicate(ctx, peer)
		}
	}
}

// replicate sends one AppendEntries to the peer, retrying immediately while
// the follower reports log mismatches. Transport errors abandon the attempt;
// the next tick issues a fresh one.
func (n *Node) replicate(ctx context.Context, peer types.NodeID) {
	for {
		n.mu.Lock()
		if n.role != types.RoleLeader {
			n.mu.Unlock()
			return
		}
		term := n.currentTerm
		commitIndex := n.commitIndex
		nextIdx := n.nextIndex[peer]

		prevLogIndex := nextIdx - 1
		var prevLogTerm uint64
		if prevLogIndex > 0 {
			t, err := n.log.TermAt(prevLogIndex)
			if err != nil {
				n.mu.Unlock()
				return
			}
			prevLogTerm = t
		}

		lastIdx, _ := n.log.LastIndex()
		var entries []storage.LogEntry
		if nextIdx <= lastIdx {
			var err error
			entries, err = n.log.ReadRange(nextIdx, lastIdx)
			if err != nil {
				n.mu.Unlock()
				return
			}
		}
		n.mu.Unlock()

		req := transport.AppendEntriesRequest{
			Term:         term,
			LeaderID:     n.cfg.ID,
			LeaderAddr:   n.cfg.Addr,
			PrevLogIndex: prevLogIndex,
			PrevLogTerm:  prevLogTerm,
			Entries:      entries,
			LeaderCommit: commitIndex,
		}

		rpcCtx, cancel := context.WithTimeout(ctx, n.cfg.Timing.RPCTimeout)
		resp, err := n.tp.AppendEntries(rpcCtx, peer, req)
		cancel()
		if err != nil {
			return
		}

		if resp.Term > term {
			n.stepDown(resp.Term)
			return
		}

		n.mu.Lock()
		if n.role != types.RoleLeader || n.currentTerm != term {
			n.mu.Unlock()
			return
		}

		if resp.Success {
			matchIdx := prevLogIndex + uint64(len(entries))
			if matchIdx > n.matchIndex[peer] {
				n.matchIndex[peer] = matchIdx
			}
			n.nextIndex[peer] = matchIdx + 1
			n.advanceCommitIndexLocked()

			// New entries may have arrived while this batch was in flight.
			lastIdx, _ := n.log.LastIndex()
			more := n.nextIndex[peer] <= lastIdx
			n.mu.Unlock()
			if !more {
				return
			}
			continue
		}

		n.backOffLocked(peer, nextIdx, resp)
		n.mu.Unlock()
	}
}

// backOffLocked lowers nextIndex after a log-matching rejection, using the
// follower's conflict hints to jump past a whole term where possible.
func (n *Node) backOffLocked(peer types.NodeID, nextIdx uint64, resp transport.AppendEntriesResponse) {
	next := resp.ConflictIndex
	if resp.ConflictTerm != 0 {
		// If we hold entries of the conflicting term, resume right after
		// our last one; the prefix up to there is known to match.
		lastIdx, _ := n.log.LastIndex()
		for i := resp.ConflictIndex; i <= lastIdx; i++ {
			t, err := n.log.TermAt(i)
			if err != nil || t > resp.ConflictTerm {
				break
			}
			if t == resp.ConflictTerm {
				next = i + 1
			}
		}
	}
	// Rejection must always move nextIndex backwards, or repair stalls.
	if next >= nextIdx {
		next = nextIdx - 1
	}
	if next < 1 {
		next = 1
	}
	n.nextIndex[peer] = next
}

// advanceCommitIndexLocked applies the commit rule: raise commitIndex to the
// highest index replicated on a quorum whose entry was created in the
// current term. Prior-term entries commit only indirectly through a
// current-term successor; counting replicas alone for them is unsafe.
func (n *Node) advanceCommitIndexLocked() {
	if n.role != types.RoleLeader {
		return
	}

	lastIdx, _ := n.log.LastIndex()
	advanced := false
	for idx := n.commitIndex + 1; idx <= lastIdx; idx++ {
		term, err := n.log.TermAt(idx)
		if err != nil || term != n.currentTerm {
			continue
		}

		replicas := 1 // self
		for _, peer := range n.cfg.Peers {
			if n.matchIndex[peer] >= idx {
				replicas++
			}
		}
		if replicas >= n.quorum() {
			n.commitIndex = idx
			advanced = true
		}
	}

	if advanced {
		n.resolvePendingLocked()
		n.signalApplier()
	}
}

// HandleAppendEntries implements the follower side of replication. The
// log-matching check rejects gapped or out-of-order delivery; conflict hints
// tell the leader where to back off to.
func (n *Node) HandleAppendEntries(ctx context.Context, req transport.AppendEntriesRequest) (transport.AppendEntriesResponse, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if req.Term > n.currentTerm {
		n.stepDownLocked(req.Term)
	}

	// Stale leader: answer with our term, never apply.
	if req.Term < n.currentTerm {
		return transport.AppendEntriesResponse{Term: n.currentTerm, Success: false}, nil
	}

	// Valid contact from the current term's leader.
	n.resetElectionTimer()
	n.leader = types.LeaderHint{ID: req.LeaderID, Addr: req.LeaderAddr}
	if n.role == types.RoleCandidate {
		// Someone else already won this term.
		n.role = types.RoleFollower
	}

	// Log-matching check: our log must contain the entry the new batch
	// hangs off of, with the same term.
	if req.PrevLogIndex > 0 {
		lastIdx, _ := n.log.LastIndex()
		if req.PrevLogIndex > lastIdx {
			return transport.AppendEntriesResponse{
				Term:          n.currentTerm,
				Success:       false,
				ConflictIndex: lastIdx + 1,
			}, nil
		}

		prevTerm, err := n.log.TermAt(req.PrevLogIndex)
		if err != nil {
			return transport.AppendEntriesResponse{
				Term:          n.currentTerm,
				Success:       false,
				ConflictIndex: req.PrevLogIndex,
			}, nil
		}
		if prevTerm != req.PrevLogTerm {
			// Report the first index of the conflicting term so the leader
			// can skip the whole run.
			conflictIndex := req.PrevLogIndex
			for conflictIndex > 1 {
				t, err := n.log.TermAt(conflictIndex - 1)
				if err != nil || t != prevTerm {
					break
				}
				conflictIndex--
			}
			return transport.AppendEntriesResponse{
				Term:          n.currentTerm,
				Success:       false,
				ConflictIndex: conflictIndex,
				ConflictTerm:  prevTerm,
			}, nil
		}
	}

	// Truncate any conflicting suffix, then append what we don't have.
	// Entries already present with matching terms are left untouched, which
	// keeps retried deliveries idempotent.
	if len(req.Entries) > 0 {
		lastIdx, _ := n.log.LastIndex()
		for i, entry := range req.Entries {
			if entry.Index <= lastIdx {
				existingTerm, err := n.log.TermAt(entry.Index)
				if err == nil && existingTerm == entry.Term {
					continue
				}
				if err := n.log.TruncateSuffix(entry.Index); err != nil {
					n.fatalf("truncate conflicting suffix at %d: %v", entry.Index, err)
				}
			}
			if err := n.log.Append(req.Entries[i:]); err != nil {
				n.fatalf("persist replicated entries from %d: %v", entry.Index, err)
			}
			break
		}
	}

	// Advance our commit index, bounded by what we actually hold.
	lastIdx, _ := n.log.LastIndex()
	newCommit := req.LeaderCommit
	if lastIdx < newCommit {
		newCommit = lastIdx
	}
	if newCommit > n.commitIndex {
		n.commitIndex = newCommit
		n.signalApplier()
	}

	return transport.AppendEntriesResponse{Term: n.currentTerm, Success: true}, nil
}
