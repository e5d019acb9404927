package transport

import (
	"context"
	"fmt"
	"math/rand"
	"sync"

	"github.com/logquorum/raft/internal/types"
)

// InprocNetwork is an in-process fake network connecting RPCHandlers
// directly. Partitions and message drops are injectable, which makes it the
// workhorse for multi-node failure tests.
type InprocNetwork struct {
	mu       sync.Mutex
	handlers map[types.NodeID]RPCHandler
	group    map[types.NodeID]int // partition group; nodes talk only within a group
	dropRate float64
	rng      *rand.Rand
}

func NewInprocNetwork(rng *rand.Rand) *InprocNetwork {
	return &InprocNetwork{
		handlers: make(map[types.NodeID]RPCHandler),
		group:    make(map[types.NodeID]int),
		rng:      rng,
	}
}

// Register attaches a node's RPC handler to the network.
func (n *InprocNetwork) Register(id types.NodeID, h RPCHandler) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.handlers[id] = h
}

// Client returns the Transport a node uses to reach its peers.
func (n *InprocNetwork) Client(from types.NodeID) Transport {
	return &inprocTransport{from: from, net: n}
}

// Partition splits the network: each listed group can only talk internally.
// Unlisted nodes land in their own singleton group.
func (n *InprocNetwork) Partition(groups ...[]types.NodeID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.group = make(map[types.NodeID]int)
	for i, g := range groups {
		for _, id := range g {
			n.group[id] = i + 1
		}
	}
	next := len(groups) + 1
	for id := range n.handlers {
		if _, ok := n.group[id]; !ok {
			n.group[id] = next
			next++
		}
	}
}

// Isolate cuts a single node off from everyone else.
func (n *InprocNetwork) Isolate(id types.NodeID) {
	n.mu.Lock()
	rest := make([]types.NodeID, 0, len(n.handlers))
	for other := range n.handlers {
		if other != id {
			rest = append(rest, other)
		}
	}
	n.mu.Unlock()
	n.Partition([]types.NodeID{id}, rest)
}

// Heal removes all partitions.
func (n *InprocNetwork) Heal() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.group = make(map[types.NodeID]int)
}

// SetDropRate makes each delivery fail with the given probability.
func (n *InprocNetwork) SetDropRate(rate float64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.dropRate = rate
}

func (n *InprocNetwork) route(from, to types.NodeID) (RPCHandler, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	h, ok := n.handlers[to]
	if !ok {
		return nil, fmt.Errorf("unknown peer: %s", to)
	}
	if len(n.group) > 0 && n.group[from] != n.group[to] {
		return nil, fmt.Errorf("peer %s unreachable from %s: partitioned", to, from)
	}
	if n.dropRate > 0 && n.rng != nil && n.rng.Float64() < n.dropRate {
		return nil, fmt.Errorf("message from %s to %s dropped", from, to)
	}
	return h, nil
}

type inprocTransport struct {
	from types.NodeID
	net  *InprocNetwork
}

func (t *inprocTransport) AppendEntries(ctx context.Context, to types.NodeID, req AppendEntriesRequest) (AppendEntriesResponse, error) {
	h, err := t.net.route(t.from, to)
	if err != nil {
		return AppendEntriesResponse{}, err
	}
	if err := ctx.Err(); err != nil {
		return AppendEntriesResponse{}, err
	}
	return h.HandleAppendEntries(ctx, req)
}

func (t *inprocTransport) RequestVote(ctx context.Context, to types.NodeID, req RequestVoteRequest) (RequestVoteResponse, error) {
	h, err := t.net.route(t.from, to)
	if err != nil {
		return RequestVoteResponse{}, err
	}
	if err := ctx.Err(); err != nil {
		return RequestVoteResponse{}, err
	}
	return h.HandleRequestVote(ctx, req)
}
