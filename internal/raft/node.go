// Package raft implements a replicated-log consensus engine: leader
// election, log replication and commit tracking over a fixed cluster
// membership. Storage and transport are collaborators behind interfaces;
// the application state machine receives committed commands through
// OnApply.
package raft

import (
	"context"
	"errors"
	"log"
	"math/rand"
	"os"
	"sync"
	"time"

	"github.com/logquorum/raft/internal/raft/storage"
	"github.com/logquorum/raft/internal/raft/transport"
	"github.com/logquorum/raft/internal/types"
)

// ErrNotCommitted reports that leadership was lost before the proposed
// command reached a quorum. The command may still commit under a later
// leader; callers retry and rely on application-level idempotency.
var ErrNotCommitted = errors.New("command not committed, retry")

// NotLeaderError is returned when a command is submitted to a non-leader.
// Hint points at the last known leader, if any.
type NotLeaderError struct {
	Hint types.LeaderHint
}

func (e *NotLeaderError) Error() string {
	if e.Hint.Addr == "" {
		return "not leader"
	}
	return "not leader; try " + e.Hint.Addr
}

// TimingConfig holds the election and replication timing parameters.
// HeartbeatInterval must be strictly shorter than ElectionTimeoutMin or
// healthy leaders get deposed.
type TimingConfig struct {
	ElectionTimeoutMin time.Duration
	ElectionTimeoutMax time.Duration
	HeartbeatInterval  time.Duration
	RPCTimeout         time.Duration
}

// DefaultTimingConfig returns sensible defaults for a LAN cluster.
func DefaultTimingConfig() TimingConfig {
	return TimingConfig{
		ElectionTimeoutMin: 150 * time.Millisecond,
		ElectionTimeoutMax: 300 * time.Millisecond,
		HeartbeatInterval:  50 * time.Millisecond,
		RPCTimeout:         100 * time.Millisecond,
	}
}

// Config holds configuration for a consensus node.
type Config struct {
	ID     types.NodeID
	Peers  []types.NodeID // other nodes, not including self
	Addr   string         // this node's advertised address
	Timing TimingConfig
	Rand   *rand.Rand  // optional: deterministic randomness in tests
	Logger *log.Logger // optional
}

type appendOutcome struct {
	res types.CommitResult
	err error
}

type pendingAppend struct {
	term uint64
	ch   chan appendOutcome
}

// Node is a single consensus participant. All state transitions are
// serialized under mu; RPC fan-out happens outside the lock and results are
// folded back in one at a time.
type Node struct {
	cfg    Config
	stable storage.StableStore
	log    storage.LogStore
	tp     transport.Transport
	logger *log.Logger
	rand   *rand.Rand

	// fatalf is called on persistence failures. Acking state that is not
	// durable can lose committed data, so the default terminates the process.
	fatalf func(format string, v ...any)

	mu          sync.Mutex
	role        types.Role
	currentTerm uint64
	votedFor    types.NodeID
	hasVote     bool
	leader      types.LeaderHint
	commitIndex uint64
	lastApplied uint64

	// Leader volatile state, reinitialized on every election win.
	nextIndex  map[types.NodeID]uint64
	matchIndex map[types.NodeID]uint64
	replWake   map[types.NodeID]chan struct{}

	// Cancel hooks for role-specific activity. Discovering a higher term
	// aborts an election or a leadership immediately, not at the next tick.
	leaderCancel   context.CancelFunc
	campaignCancel context.CancelFunc

	applyFn func(index uint64, command []byte)
	pending map[uint64]*pendingAppend

	ctx             context.Context
	cancel          context.CancelFunc
	electionResetCh chan struct{}
	applierCh       chan struct{}
	applierDone     chan struct{}
	electionDone    chan struct{}
}

// NewNode creates a node, restoring term and vote from the stable store.
func NewNode(cfg Config, stable storage.StableStore, logStore storage.LogStore, tp transport.Transport) (*Node, error) {
	term, err := stable.CurrentTerm()
	if err != nil {
		return nil, err
	}
	votedFor, hasVote, err := stable.VotedFor()
	if err != nil {
		return nil, err
	}

	def := DefaultTimingConfig()
	if cfg.Timing.ElectionTimeoutMin == 0 {
		cfg.Timing.ElectionTimeoutMin = def.ElectionTimeoutMin
	}
	// Max at or below Min would make the randomized timeout panic.
	if cfg.Timing.ElectionTimeoutMax <= cfg.Timing.ElectionTimeoutMin {
		cfg.Timing.ElectionTimeoutMax = 2 * cfg.Timing.ElectionTimeoutMin
	}
	if cfg.Timing.HeartbeatInterval == 0 {
		cfg.Timing.HeartbeatInterval = def.HeartbeatInterval
	}
	if cfg.Timing.RPCTimeout == 0 {
		cfg.Timing.RPCTimeout = def.RPCTimeout
	}
	r := cfg.Rand
	if r == nil {
		r = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "["+string(cfg.ID)+"] ", log.LstdFlags|log.Lmsgprefix)
	}

	n := &Node{
		cfg:             cfg,
		stable:          stable,
		log:             logStore,
		tp:              tp,
		logger:          logger,
		rand:            r,
		role:            types.RoleFollower,
		currentTerm:     term,
		votedFor:        votedFor,
		hasVote:         hasVote,
		nextIndex:       make(map[types.NodeID]uint64),
		matchIndex:      make(map[types.NodeID]uint64),
		pending:         make(map[uint64]*pendingAppend),
		electionResetCh: make(chan struct{}, 1),
		applierCh:       make(chan struct{}, 1),
	}
	n.fatalf = n.logger.Fatalf
	return n, nil
}

// OnApply registers the callback that receives committed commands in strict
// index order, at least once. Must be called before Start.
func (n *Node) OnApply(fn func(index uint64, command []byte)) {
	n.applyFn = fn
}

// Start launches the election timer and the commit applier.
func (n *Node) Start(ctx context.Context) error {
	n.ctx, n.cancel = context.WithCancel(ctx)
	n.applierDone = make(chan struct{})
	n.electionDone = make(chan struct{})
	go n.applierLoop()
	go n.electionLoop()
	return nil
}

// Stop shuts the node down and waits for its goroutines.
func (n *Node) Stop(ctx context.Context) error {
	n.cancel()
	select {
	case <-n.applierDone:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-n.electionDone:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

func (n *Node) IsLeader() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.role == types.RoleLeader
}

// Leader returns the last known leader hint.
func (n *Node) Leader() types.LeaderHint {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.leader
}

func (n *Node) Status() types.NodeStatus {
	n.mu.Lock()
	defer n.mu.Unlock()
	lastIdx, _ := n.log.LastIndex()
	return types.NodeStatus{
		ID:          n.cfg.ID,
		Role:        n.role.String(),
		Term:        n.currentTerm,
		CommitIndex: n.commitIndex,
		LastApplied: n.lastApplied,
		LastIndex:   lastIdx,
		Leader:      n.leader,
	}
}

// quorum is the majority size over the full membership (peers + self).
func (n *Node) quorum() int {
	return (len(n.cfg.Peers)+1)/2 + 1
}

// setTermLocked advances currentTerm and clears the vote, durably.
func (n *Node) setTermLocked(term uint64) {
	n.currentTerm = term
	if err := n.stable.SetCurrentTerm(term); err != nil {
		n.fatalf("persist term %d: %v", term, err)
	}
	n.votedFor = ""
	n.hasVote = false
	if err := n.stable.ClearVotedFor(); err != nil {
		n.fatalf("persist vote reset: %v", err)
	}
}

// stepDownLocked reverts to follower. Leader volatile state is discarded,
// in-flight role activity is cancelled and stalled proposals are failed so
// callers can retry elsewhere.
func (n *Node) stepDownLocked(term uint64) {
	if term > n.currentTerm {
		n.setTermLocked(term)
	}
	if n.campaignCancel != nil {
		n.campaignCancel()
		n.campaignCancel = nil
	}
	if n.leaderCancel != nil {
		n.leaderCancel()
		n.leaderCancel = nil
	}
	if n.role == types.RoleLeader {
		n.logger.Printf("stepping down from leader at term %d", n.currentTerm)
	}
	n.role = types.RoleFollower
	n.nextIndex = make(map[types.NodeID]uint64)
	n.matchIndex = make(map[types.NodeID]uint64)
	n.replWake = nil
	n.failPendingLocked(ErrNotCommitted)
	n.resetElectionTimer()
}

func (n *Node) stepDown(term uint64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if term >= n.currentTerm {
		n.stepDownLocked(term)
	}
}

func (n *Node) failPendingLocked(err error) {
	for idx, p := range n.pending {
		p.ch <- appendOutcome{err: err}
		delete(n.pending, idx)
	}
}

// resolvePendingLocked completes proposals whose index has committed. A
// committed index with a different term means the entry was overwritten by
// another leader; those proposals fail retryably.
func (n *Node) resolvePendingLocked() {
	for idx, p := range n.pending {
		if idx > n.commitIndex {
			continue
		}
		term, err := n.log.TermAt(idx)
		if err == nil && term == p.term {
			p.ch <- appendOutcome{res: types.CommitResult{Index: idx, Term: term}}
		} else {
			p.ch <- appendOutcome{err: ErrNotCommitted}
		}
		delete(n.pending, idx)
	}
}
