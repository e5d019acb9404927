package raft

import (
	"context"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/logquorum/raft/internal/raft/storage"
	"github.com/logquorum/raft/internal/raft/transport"
	"github.com/logquorum/raft/internal/types"
)

func fastTiming() TimingConfig {
	return TimingConfig{
		ElectionTimeoutMin: 50 * time.Millisecond,
		ElectionTimeoutMax: 100 * time.Millisecond,
		HeartbeatInterval:  20 * time.Millisecond,
		RPCTimeout:         25 * time.Millisecond,
	}
}

func makeNode(t *testing.T, id types.NodeID, peers []types.NodeID, tp transport.Transport) (*Node, *storage.MemLogStore, *storage.MemStableStore) {
	t.Helper()
	stable := storage.NewMemStableStore()
	logStore := storage.NewMemLogStore()
	cfg := Config{
		ID:     id,
		Peers:  peers,
		Addr:   "http://" + string(id) + ":8080",
		Timing: fastTiming(),
		Rand:   rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	n, err := NewNode(cfg, stable, logStore, tp)
	require.NoError(t, err)
	return n, logStore, stable
}

func appendEntries(t *testing.T, s storage.LogStore, terms ...uint64) {
	t.Helper()
	for i, term := range terms {
		require.NoError(t, s.Append([]storage.LogEntry{
			{Index: uint64(i + 1), Term: term, Command: []byte{byte(i)}},
		}))
	}
}

func TestNewNode_DefaultsPartialTiming(t *testing.T) {
	cfg := Config{
		ID:     "n1",
		Timing: TimingConfig{ElectionTimeoutMin: 75 * time.Millisecond},
	}
	n, err := NewNode(cfg, storage.NewMemStableStore(), storage.NewMemLogStore(), nil)
	require.NoError(t, err)

	require.Greater(t, n.cfg.Timing.ElectionTimeoutMax, n.cfg.Timing.ElectionTimeoutMin)
	require.NotZero(t, n.cfg.Timing.HeartbeatInterval)
	require.NotZero(t, n.cfg.Timing.RPCTimeout)

	// The randomized timeout must stay inside the window, not panic.
	for i := 0; i < 100; i++ {
		d := n.randomElectionTimeout()
		require.GreaterOrEqual(t, d, n.cfg.Timing.ElectionTimeoutMin)
		require.Less(t, d, n.cfg.Timing.ElectionTimeoutMax)
	}
}

func TestHandleRequestVote_OneVotePerTerm(t *testing.T) {
	n, _, stable := makeNode(t, "n1", []types.NodeID{"n2", "n3"}, nil)
	ctx := context.Background()

	resp, err := n.HandleRequestVote(ctx, transport.RequestVoteRequest{Term: 1, CandidateID: "n2"})
	require.NoError(t, err)
	require.True(t, resp.VoteGranted)
	require.Equal(t, uint64(1), resp.Term)

	// Vote must be durable before it is granted.
	id, ok, _ := stable.VotedFor()
	require.True(t, ok)
	require.Equal(t, types.NodeID("n2"), id)

	// Second candidate in the same term is refused.
	resp, err = n.HandleRequestVote(ctx, transport.RequestVoteRequest{Term: 1, CandidateID: "n3"})
	require.NoError(t, err)
	require.False(t, resp.VoteGranted)

	// Repeat vote for the same candidate is fine.
	resp, _ = n.HandleRequestVote(ctx, transport.RequestVoteRequest{Term: 1, CandidateID: "n2"})
	require.True(t, resp.VoteGranted)

	// A new term clears the vote record.
	resp, _ = n.HandleRequestVote(ctx, transport.RequestVoteRequest{Term: 2, CandidateID: "n3"})
	require.True(t, resp.VoteGranted)
	term, _ := stable.CurrentTerm()
	require.Equal(t, uint64(2), term)
}

func TestHandleRequestVote_RejectsStaleTerm(t *testing.T) {
	n, _, _ := makeNode(t, "n1", []types.NodeID{"n2", "n3"}, nil)
	n.mu.Lock()
	n.setTermLocked(5)
	n.mu.Unlock()

	resp, err := n.HandleRequestVote(context.Background(), transport.RequestVoteRequest{Term: 3, CandidateID: "n2"})
	require.NoError(t, err)
	require.False(t, resp.VoteGranted)
	require.Equal(t, uint64(5), resp.Term)
}

func TestHandleRequestVote_ElectionRestriction(t *testing.T) {
	n, logStore, _ := makeNode(t, "n1", []types.NodeID{"n2", "n3"}, nil)
	appendEntries(t, logStore, 1, 2) // voter log: terms [1, 2]
	ctx := context.Background()

	// Candidate with an older last term loses.
	resp, _ := n.HandleRequestVote(ctx, transport.RequestVoteRequest{
		Term: 3, CandidateID: "n2", LastLogIndex: 5, LastLogTerm: 1,
	})
	require.False(t, resp.VoteGranted)

	// Same last term but shorter log loses.
	resp, _ = n.HandleRequestVote(ctx, transport.RequestVoteRequest{
		Term: 4, CandidateID: "n2", LastLogIndex: 1, LastLogTerm: 2,
	})
	require.False(t, resp.VoteGranted)

	// Same last term, same length, is up-to-date enough.
	resp, _ = n.HandleRequestVote(ctx, transport.RequestVoteRequest{
		Term: 5, CandidateID: "n2", LastLogIndex: 2, LastLogTerm: 2,
	})
	require.True(t, resp.VoteGranted)
}

func TestHandleAppendEntries_RejectsStaleTerm(t *testing.T) {
	n, _, _ := makeNode(t, "n1", []types.NodeID{"n2", "n3"}, nil)
	n.mu.Lock()
	n.setTermLocked(4)
	n.mu.Unlock()

	resp, err := n.HandleAppendEntries(context.Background(), transport.AppendEntriesRequest{Term: 2, LeaderID: "n2"})
	require.NoError(t, err)
	require.False(t, resp.Success)
	require.Equal(t, uint64(4), resp.Term)
}

func TestHandleAppendEntries_AppendsAndApplies(t *testing.T) {
	n, logStore, _ := makeNode(t, "n1", []types.NodeID{"n2", "n3"}, nil)

	type applied struct {
		index uint64
		cmd   string
	}
	appliedCh := make(chan applied, 8)
	n.OnApply(func(index uint64, command []byte) {
		appliedCh <- applied{index, string(command)}
	})

	ctx := context.Background()
	require.NoError(t, n.Start(ctx))
	defer n.Stop(ctx)

	resp, err := n.HandleAppendEntries(ctx, transport.AppendEntriesRequest{
		Term:       1,
		LeaderID:   "n2",
		LeaderAddr: "http://n2:8080",
		Entries: []storage.LogEntry{
			{Index: 1, Term: 1, Command: []byte("one")},
			{Index: 2, Term: 1, Command: []byte("two")},
		},
		LeaderCommit: 2,
	})
	require.NoError(t, err)
	require.True(t, resp.Success)

	idx, _ := logStore.LastIndex()
	require.Equal(t, uint64(2), idx)
	require.Equal(t, types.LeaderHint{ID: "n2", Addr: "http://n2:8080"}, n.Leader())

	// Applied strictly in index order.
	for want := uint64(1); want <= 2; want++ {
		select {
		case got := <-appliedCh:
			require.Equal(t, want, got.index)
		case <-time.After(time.Second):
			t.Fatalf("entry %d never applied", want)
		}
	}
}

func TestHandleAppendEntries_CommitBoundedByLocalLog(t *testing.T) {
	n, _, _ := makeNode(t, "n1", []types.NodeID{"n2", "n3"}, nil)

	resp, err := n.HandleAppendEntries(context.Background(), transport.AppendEntriesRequest{
		Term:     1,
		LeaderID: "n2",
		Entries: []storage.LogEntry{
			{Index: 1, Term: 1, Command: []byte("one")},
		},
		LeaderCommit: 9, // leader is far ahead
	})
	require.NoError(t, err)
	require.True(t, resp.Success)

	n.mu.Lock()
	defer n.mu.Unlock()
	require.Equal(t, uint64(1), n.commitIndex)
}

func TestHandleAppendEntries_ConflictHints(t *testing.T) {
	n, logStore, _ := makeNode(t, "n1", []types.NodeID{"n2", "n3"}, nil)
	appendEntries(t, logStore, 1, 2, 2, 2) // terms [1, 2, 2, 2]
	n.mu.Lock()
	n.setTermLocked(3)
	n.mu.Unlock()
	ctx := context.Background()

	// Follower log too short: conflict index just past its end.
	resp, _ := n.HandleAppendEntries(ctx, transport.AppendEntriesRequest{
		Term: 3, LeaderID: "n2", PrevLogIndex: 10, PrevLogTerm: 3,
	})
	require.False(t, resp.Success)
	require.Equal(t, uint64(5), resp.ConflictIndex)
	require.Equal(t, uint64(0), resp.ConflictTerm)

	// Term mismatch: report the first index of the conflicting run.
	resp, _ = n.HandleAppendEntries(ctx, transport.AppendEntriesRequest{
		Term: 3, LeaderID: "n2", PrevLogIndex: 4, PrevLogTerm: 3,
	})
	require.False(t, resp.Success)
	require.Equal(t, uint64(2), resp.ConflictTerm)
	require.Equal(t, uint64(2), resp.ConflictIndex)
}

func TestHandleAppendEntries_TruncatesConflictingSuffix(t *testing.T) {
	n, logStore, _ := makeNode(t, "n1", []types.NodeID{"n2", "n3"}, nil)
	appendEntries(t, logStore, 1, 2, 2) // terms [1, 2, 2]

	resp, err := n.HandleAppendEntries(context.Background(), transport.AppendEntriesRequest{
		Term:         3,
		LeaderID:     "n2",
		PrevLogIndex: 1,
		PrevLogTerm:  1,
		Entries: []storage.LogEntry{
			{Index: 2, Term: 3, Command: []byte("new2")},
			{Index: 3, Term: 3, Command: []byte("new3")},
		},
	})
	require.NoError(t, err)
	require.True(t, resp.Success)

	idx, _ := logStore.LastIndex()
	require.Equal(t, uint64(3), idx)
	term, _ := logStore.TermAt(2)
	require.Equal(t, uint64(3), term)
	e, _ := logStore.EntryAt(3)
	require.Equal(t, []byte("new3"), e.Command)
}

func TestHandleAppendEntries_RetriedDeliveryIsIdempotent(t *testing.T) {
	n, logStore, _ := makeNode(t, "n1", []types.NodeID{"n2", "n3"}, nil)

	req := transport.AppendEntriesRequest{
		Term:     1,
		LeaderID: "n2",
		Entries: []storage.LogEntry{
			{Index: 1, Term: 1, Command: []byte("one")},
			{Index: 2, Term: 1, Command: []byte("two")},
		},
	}
	ctx := context.Background()

	resp, _ := n.HandleAppendEntries(ctx, req)
	require.True(t, resp.Success)
	resp, _ = n.HandleAppendEntries(ctx, req)
	require.True(t, resp.Success)

	idx, _ := logStore.LastIndex()
	require.Equal(t, uint64(2), idx)
}

func TestHandleAppendEntries_CandidateYieldsToCurrentTermLeader(t *testing.T) {
	n, _, _ := makeNode(t, "n1", []types.NodeID{"n2", "n3"}, nil)
	n.mu.Lock()
	n.setTermLocked(2)
	n.role = types.RoleCandidate
	n.mu.Unlock()

	resp, err := n.HandleAppendEntries(context.Background(), transport.AppendEntriesRequest{Term: 2, LeaderID: "n2"})
	require.NoError(t, err)
	require.True(t, resp.Success)

	n.mu.Lock()
	defer n.mu.Unlock()
	require.Equal(t, types.RoleFollower, n.role)
	require.Equal(t, uint64(2), n.currentTerm)
}

func TestAdvanceCommitIndex_OnlyCurrentTermCountsDirectly(t *testing.T) {
	n, logStore, _ := makeNode(t, "n1", []types.NodeID{"n2", "n3"}, nil)
	appendEntries(t, logStore, 1, 1, 2) // terms [1, 1, 2]

	n.mu.Lock()
	defer n.mu.Unlock()
	n.setTermLocked(2)
	n.role = types.RoleLeader

	// A quorum holds the prior-term entry at index 2, but counting replicas
	// for prior-term entries is unsafe: nothing commits.
	n.matchIndex["n2"] = 2
	n.matchIndex["n3"] = 0
	n.advanceCommitIndexLocked()
	require.Equal(t, uint64(0), n.commitIndex)

	// Once a current-term entry reaches a quorum, everything before it
	// commits with it.
	n.matchIndex["n2"] = 3
	n.advanceCommitIndexLocked()
	require.Equal(t, uint64(3), n.commitIndex)
}

func TestBackOff_UsesConflictHints(t *testing.T) {
	n, logStore, _ := makeNode(t, "n1", []types.NodeID{"n2", "n3"}, nil)
	appendEntries(t, logStore, 1, 2, 2, 3) // leader log terms [1, 2, 2, 3]

	n.mu.Lock()
	defer n.mu.Unlock()
	n.role = types.RoleLeader

	// Leader holds the conflicting term: resume right after its last run.
	n.nextIndex["n2"] = 5
	n.backOffLocked("n2", 5, transport.AppendEntriesResponse{ConflictTerm: 2, ConflictIndex: 2})
	require.Equal(t, uint64(4), n.nextIndex["n2"])

	// Leader does not hold the conflicting term: jump to its first index.
	n.nextIndex["n2"] = 5
	n.backOffLocked("n2", 5, transport.AppendEntriesResponse{ConflictTerm: 7, ConflictIndex: 2})
	require.Equal(t, uint64(2), n.nextIndex["n2"])

	// Short follower log: resume at its end.
	n.nextIndex["n2"] = 5
	n.backOffLocked("n2", 5, transport.AppendEntriesResponse{ConflictIndex: 3})
	require.Equal(t, uint64(3), n.nextIndex["n2"])

	// A rejection always moves nextIndex back, never forward, and never
	// below 1.
	n.nextIndex["n2"] = 1
	n.backOffLocked("n2", 1, transport.AppendEntriesResponse{ConflictIndex: 9})
	require.Equal(t, uint64(1), n.nextIndex["n2"])
}

func TestAppend_NotLeaderCarriesHint(t *testing.T) {
	n, _, _ := makeNode(t, "n1", []types.NodeID{"n2", "n3"}, nil)

	ctx := context.Background()
	_, err := n.HandleAppendEntries(ctx, transport.AppendEntriesRequest{
		Term: 1, LeaderID: "n2", LeaderAddr: "http://n2:8080",
	})
	require.NoError(t, err)

	_, err = n.Append(ctx, []byte("nope"))
	var notLeader *NotLeaderError
	require.ErrorAs(t, err, &notLeader)
	require.Equal(t, types.NodeID("n2"), notLeader.Hint.ID)
	require.Equal(t, "http://n2:8080", notLeader.Hint.Addr)
}

func TestSingleNodeCluster_CommitsOnLocalDurability(t *testing.T) {
	n, logStore, _ := makeNode(t, "solo", nil, nil)

	var appliedIdx uint64
	appliedCh := make(chan struct{}, 4)
	n.OnApply(func(index uint64, _ []byte) {
		appliedIdx = index
		appliedCh <- struct{}{}
	})

	ctx := context.Background()
	require.NoError(t, n.Start(ctx))
	defer n.Stop(ctx)

	// With no peers the first election timeout wins immediately.
	require.Eventually(t, n.IsLeader, 2*time.Second, 10*time.Millisecond)

	res, err := n.Append(ctx, []byte("only"))
	require.NoError(t, err)
	require.Equal(t, uint64(1), res.Index)

	select {
	case <-appliedCh:
		require.Equal(t, uint64(1), appliedIdx)
	case <-time.After(time.Second):
		t.Fatal("entry never applied")
	}

	idx, _ := logStore.LastIndex()
	require.Equal(t, uint64(1), idx)
}

func TestStepDown_FailsPendingAppends(t *testing.T) {
	n, _, _ := makeNode(t, "solo", nil, nil)
	ctx := context.Background()
	require.NoError(t, n.Start(ctx))
	defer n.Stop(ctx)

	require.Eventually(t, n.IsLeader, 2*time.Second, 10*time.Millisecond)

	// Plant a pending proposal by hand, then depose the leader.
	ch := make(chan appendOutcome, 1)
	n.mu.Lock()
	n.pending[9] = &pendingAppend{term: n.currentTerm, ch: ch}
	n.stepDownLocked(n.currentTerm + 1)
	n.mu.Unlock()

	select {
	case out := <-ch:
		require.ErrorIs(t, out.err, ErrNotCommitted)
	case <-time.After(time.Second):
		t.Fatal("pending append never failed")
	}
	require.False(t, n.IsLeader())
}
