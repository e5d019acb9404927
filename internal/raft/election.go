package raft

import (
	"context"
	"time"

	"github.com/logquorum/raft/internal/raft/transport"
	"github.com/logquorum/raft/internal/types"
)

func (n *Node) randomElectionTimeout() time.Duration {
	min := n.cfg.Timing.ElectionTimeoutMin
	max := n.cfg.Timing.ElectionTimeoutMax
	return min + time.Duration(n.rand.Int63n(int64(max-min)))
}

// resetElectionTimer defers the next election. Called on valid leader
// contact and on granting a vote.
func (n *Node) resetElectionTimer() {
	select {
	case n.electionResetCh <- struct{}{}:
	default:
	}
}

// electionLoop waits for the election timeout or a reset, whichever comes
// first. A split vote needs no tie-break: the timer just fires again with a
// fresh randomized timeout and a higher term.
func (n *Node) electionLoop() {
	defer close(n.electionDone)
	timer := time.NewTimer(n.randomElectionTimeout())
	defer timer.Stop()

	for {
		select {
		case <-n.ctx.Done():
			return
		case <-n.electionResetCh:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(n.randomElectionTimeout())
		case <-timer.C:
			n.mu.Lock()
			role := n.role
			n.mu.Unlock()
			if role != types.RoleLeader {
				n.campaign()
			}
			timer.Reset(n.randomElectionTimeout())
		}
	}
}

// campaign runs one election round: increment term, vote for self, fan out
// RequestVote, and take leadership the moment a quorum of grants is in.
// Stragglers are left in flight; they cannot change the outcome.
func (n *Node) campaign() {
	n.mu.Lock()
	// A deposed or self-deposing leader tears its replicators down before
	// standing again.
	if n.leaderCancel != nil {
		n.leaderCancel()
		n.leaderCancel = nil
		n.replWake = nil
	}
	n.role = types.RoleCandidate
	n.setTermLocked(n.currentTerm + 1)
	term := n.currentTerm
	n.votedFor = n.cfg.ID
	n.hasVote = true
	if err := n.stable.SetVotedFor(n.cfg.ID); err != nil {
		n.fatalf("persist self-vote: %v", err)
	}

	lastIdx, _ := n.log.LastIndex()
	lastTerm, _ := n.log.LastTerm()
	peers := make([]types.NodeID, len(n.cfg.Peers))
	copy(peers, n.cfg.Peers)

	if len(peers) == 0 {
		// Single-node cluster: the self-vote is the quorum.
		n.becomeLeaderLocked()
		n.mu.Unlock()
		return
	}

	ctx, cancel := context.WithCancel(n.ctx)
	n.campaignCancel = cancel
	n.mu.Unlock()
	defer cancel()

	n.logger.Printf("campaigning for term %d", term)

	req := transport.RequestVoteRequest{
		Term:         term,
		CandidateID:  n.cfg.ID,
		LastLogIndex: lastIdx,
		LastLogTerm:  lastTerm,
	}

	type voteResult struct {
		resp transport.RequestVoteResponse
		err  error
	}
	results := make(chan voteResult, len(peers))

	for _, p := range peers {
		go func(peer types.NodeID) {
			rpcCtx, rpcCancel := context.WithTimeout(ctx, n.cfg.Timing.RPCTimeout)
			defer rpcCancel()
			resp, err := n.tp.RequestVote(rpcCtx, peer, req)
			results <- voteResult{resp, err}
		}(p)
	}

	votes := 1 // self
	for range peers {
		select {
		case <-ctx.Done():
			return
		case vr := <-results:
			if vr.err != nil {
				continue // unreachable peer; the next timeout retries
			}
			if vr.resp.Term > term {
				n.stepDown(vr.resp.Term)
				return
			}
			if !vr.resp.VoteGranted {
				continue
			}
			votes++
			if votes >= n.quorum() {
				n.mu.Lock()
				if n.role == types.RoleCandidate && n.currentTerm == term {
					n.becomeLeaderLocked()
				}
				n.mu.Unlock()
				return
			}
		}
	}
}

// becomeLeaderLocked initializes leader volatile state and starts one
// replicator per peer. nextIndex starts optimistic at lastIndex+1 and backs
// off on rejection.
func (n *Node) becomeLeaderLocked() {
	n.role = types.RoleLeader
	n.leader = types.LeaderHint{ID: n.cfg.ID, Addr: n.cfg.Addr}
	n.campaignCancel = nil
	n.logger.Printf("won election for term %d", n.currentTerm)

	lastIdx, _ := n.log.LastIndex()
	n.nextIndex = make(map[types.NodeID]uint64, len(n.cfg.Peers))
	n.matchIndex = make(map[types.NodeID]uint64, len(n.cfg.Peers))
	n.replWake = make(map[types.NodeID]chan struct{}, len(n.cfg.Peers))

	ctx, cancel := context.WithCancel(n.ctx)
	n.leaderCancel = cancel

	for _, p := range n.cfg.Peers {
		n.nextIndex[p] = lastIdx + 1
		n.matchIndex[p] = 0
		wake := make(chan struct{}, 1)
		n.replWake[p] = wake
		go n.runReplicator(ctx, p, wake)
	}
}

// HandleRequestVote implements the voter side of elections. The vote is
// persisted before it is granted; an unpersisted grant could let two leaders
// win the same term after a crash.
func (n *Node) HandleRequestVote(ctx context.Context, req transport.RequestVoteRequest) (transport.RequestVoteResponse, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if req.Term > n.currentTerm {
		n.stepDownLocked(req.Term)
	}

	// Stale candidate: answer with our term, never apply.
	if req.Term < n.currentTerm {
		return transport.RequestVoteResponse{Term: n.currentTerm, VoteGranted: false}, nil
	}

	// One vote per term.
	if n.hasVote && n.votedFor != req.CandidateID {
		return transport.RequestVoteResponse{Term: n.currentTerm, VoteGranted: false}, nil
	}

	// Election restriction: only vote for candidates whose log is at least
	// as up-to-date as ours.
	lastIdx, _ := n.log.LastIndex()
	lastTerm, _ := n.log.LastTerm()
	logOK := req.LastLogTerm > lastTerm ||
		(req.LastLogTerm == lastTerm && req.LastLogIndex >= lastIdx)
	if !logOK {
		return transport.RequestVoteResponse{Term: n.currentTerm, VoteGranted: false}, nil
	}

	n.votedFor = req.CandidateID
	n.hasVote = true
	if err := n.stable.SetVotedFor(req.CandidateID); err != nil {
		n.fatalf("persist vote for %s: %v", req.CandidateID, err)
	}

	// A live candidate means the cluster is active; hold our own candidacy.
	n.resetElectionTimer()

	return transport.RequestVoteResponse{Term: n.currentTerm, VoteGranted: true}, nil
}
