package types

// NodeID identifies a node in the cluster.
type NodeID string

// Role is the consensus role a node is currently playing.
type Role int

const (
	RoleFollower Role = iota
	RoleCandidate
	RoleLeader
)

func (r Role) String() string {
	switch r {
	case RoleFollower:
		return "follower"
	case RoleCandidate:
		return "candidate"
	case RoleLeader:
		return "leader"
	default:
		return "unknown"
	}
}

// LeaderHint tells callers where the last known leader is.
type LeaderHint struct {
	ID   NodeID `json:"id,omitempty"`
	Addr string `json:"addr,omitempty"`
}

// CommitResult reports where a command landed in the replicated log.
type CommitResult struct {
	Index uint64 `json:"index"`
	Term  uint64 `json:"term"`
}

// NodeStatus holds introspection info about a node.
type NodeStatus struct {
	ID          NodeID     `json:"id"`
	Role        string     `json:"role"`
	Term        uint64     `json:"term"`
	CommitIndex uint64     `json:"commit_index"`
	LastApplied uint64     `json:"last_applied"`
	LastIndex   uint64     `json:"last_index"`
	Leader      LeaderHint `json:"leader"`
}
