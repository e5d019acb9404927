package raft

// signalApplier wakes the applier without blocking; the applier drains
// everything committed, so a collapsed signal is never lost work.
func (n *Node) signalApplier() {
	select {
	case n.applierCh <- struct{}{}:
	default:
	}
}

// applierLoop is the single consumer feeding the application state machine.
// Entries are delivered in strict index order, at least once; lastApplied is
// volatile, so a restart replays the durable log from the start and the
// application is expected to tolerate re-application.
func (n *Node) applierLoop() {
	defer close(n.applierDone)
	for {
		select {
		case <-n.ctx.Done():
			return
		case <-n.applierCh:
			n.applyCommitted()
		}
	}
}

func (n *Node) applyCommitted() {
	for {
		n.mu.Lock()
		if n.lastApplied >= n.commitIndex {
			n.mu.Unlock()
			return
		}
		lo := n.lastApplied + 1
		hi := n.commitIndex
		n.mu.Unlock()

		entries, err := n.log.ReadRange(lo, hi)
		if err != nil {
			n.logger.Printf("read committed range [%d, %d]: %v", lo, hi, err)
			return
		}

		for _, e := range entries {
			// The callback runs outside the node lock: a slow state machine
			// must not stall elections or replication.
			if n.applyFn != nil {
				n.applyFn(e.Index, e.Command)
			}
			n.mu.Lock()
			n.lastApplied = e.Index
			n.mu.Unlock()
		}
	}
}
