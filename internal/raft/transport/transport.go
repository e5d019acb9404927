package transport

import (
	"context"
	"fmt"

	"github.com/logquorum/raft/internal/raft/storage"
	"github.com/logquorum/raft/internal/types"
)

// --- RPC wire contract ---

type RequestVoteRequest struct {
	Term         uint64       `json:"term"`
	CandidateID  types.NodeID `json:"candidate_id"`
	LastLogIndex uint64       `json:"last_log_index"`
	LastLogTerm  uint64       `json:"last_log_term"`
}

type RequestVoteResponse struct {
	Term        uint64 `json:"term"`
	VoteGranted bool   `json:"vote_granted"`
}

type AppendEntriesRequest struct {
	Term         uint64             `json:"term"`
	LeaderID     types.NodeID       `json:"leader_id"`
	LeaderAddr   string             `json:"leader_addr"`
	PrevLogIndex uint64             `json:"prev_log_index"`
	PrevLogTerm  uint64             `json:"prev_log_term"`
	Entries      []storage.LogEntry `json:"entries"`
	LeaderCommit uint64             `json:"leader_commit"`
}

// ConflictIndex/ConflictTerm let a rejected leader jump its nextIndex back
// past a whole conflicting term instead of probing one entry at a time.
type AppendEntriesResponse struct {
	Term          uint64 `json:"term"`
	Success       bool   `json:"success"`
	ConflictIndex uint64 `json:"conflict_index,omitempty"`
	ConflictTerm  uint64 `json:"conflict_term,omitempty"`
}

// --- Interfaces ---

// RPCHandler is implemented by the consensus node to handle inbound RPCs.
type RPCHandler interface {
	HandleAppendEntries(ctx context.Context, req AppendEntriesRequest) (AppendEntriesResponse, error)
	HandleRequestVote(ctx context.Context, req RequestVoteRequest) (RequestVoteResponse, error)
}

// Transport is what the consensus node uses to send RPCs to peers. The core
// never sees addresses or encodings, only this interface.
type Transport interface {
	AppendEntries(ctx context.Context, to types.NodeID, req AppendEntriesRequest) (AppendEntriesResponse, error)
	RequestVote(ctx context.Context, to types.NodeID, req RequestVoteRequest) (RequestVoteResponse, error)
}

// PeerResolver maps NodeID to a network address for the fixed cluster
// membership.
type PeerResolver struct {
	peers map[types.NodeID]string
}

func NewPeerResolver(peers map[types.NodeID]string) *PeerResolver {
	return &PeerResolver{peers: peers}
}

func (r *PeerResolver) Resolve(id types.NodeID) (string, error) {
	addr, ok := r.peers[id]
	if !ok {
		return "", fmt.Errorf("unknown peer: %s", id)
	}
	return addr, nil
}
