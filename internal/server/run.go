// Package server wires the consensus node to its collaborators: durable
// stores, the HTTP peer transport and a process-level HTTP listener.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/logquorum/raft/internal/config"
	"github.com/logquorum/raft/internal/raft"
	"github.com/logquorum/raft/internal/raft/storage"
	"github.com/logquorum/raft/internal/raft/transport"
	"github.com/logquorum/raft/internal/types"
)

// journal is the demo apply callback: it records committed commands in
// order. It stands in for a real application state machine.
type journal struct {
	mu      sync.Mutex
	entries []journalEntry
}

type journalEntry struct {
	Index   uint64 `json:"index"`
	Command string `json:"command"`
}

func (j *journal) apply(index uint64, command []byte) {
	j.mu.Lock()
	defer j.mu.Unlock()
	// At-least-once delivery: drop replays of already-recorded indexes.
	if len(j.entries) > 0 && j.entries[len(j.entries)-1].Index >= index {
		return
	}
	j.entries = append(j.entries, journalEntry{Index: index, Command: string(command)})
}

func (j *journal) snapshot() []journalEntry {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]journalEntry, len(j.entries))
	copy(out, j.entries)
	return out
}

// Run wires together the node components and serves until interrupted.
func Run() error {
	configPath := flag.String("config", "raftnode.yaml", "path to the YAML config file")
	listen := flag.String("listen", "", "listen address override (host:port)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}

	addr := cfg.Node.Address
	if *listen != "" {
		addr = *listen
	}

	logger := log.New(os.Stderr, "["+cfg.Node.ID+"] ", log.LstdFlags|log.Lmsgprefix)
	logger.Printf("starting node, data dir %s", cfg.Node.DataDir)

	stable, err := storage.OpenFileStableStore(cfg.Node.DataDir)
	if err != nil {
		return fmt.Errorf("open stable store: %w", err)
	}
	defer stable.Close()

	logStore, err := storage.OpenFileLogStore(cfg.Node.DataDir)
	if err != nil {
		return fmt.Errorf("open log store: %w", err)
	}
	defer logStore.Close()

	// Config holds bare host:port addresses; the transport wants URLs.
	peerURLs := make(map[types.NodeID]string)
	for id, peerAddr := range cfg.PeerAddresses() {
		peerURLs[id] = "http://" + peerAddr
	}
	resolver := transport.NewPeerResolver(peerURLs)
	tp := transport.NewHTTPTransport(resolver)

	nodeCfg := raft.Config{
		ID:     types.NodeID(cfg.Node.ID),
		Peers:  cfg.PeerIDs(),
		Addr:   "http://" + cfg.Node.Address,
		Timing: nodeTiming(cfg.Timing),
		Logger: logger,
	}

	node, err := raft.NewNode(nodeCfg, stable, logStore, tp)
	if err != nil {
		return err
	}

	j := &journal{}
	node.OnApply(j.apply)

	r := chi.NewRouter()
	r.Mount("/raft", transport.NewHTTPServer(node).Routes())
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/status", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, node.Status())
	})
	r.Get("/applied", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, j.snapshot())
	})
	// The command submission surface: the body is an opaque command handed
	// to the replicated log.
	r.Post("/append", func(w http.ResponseWriter, req *http.Request) {
		body, err := io.ReadAll(req.Body)
		if err != nil || len(body) == 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "empty command"})
			return
		}
		res, err := node.Append(req.Context(), body)
		if err != nil {
			var notLeader *raft.NotLeaderError
			switch {
			case errors.As(err, &notLeader):
				writeJSON(w, http.StatusConflict, map[string]any{
					"error":  "not_leader",
					"leader": notLeader.Hint,
				})
			case errors.Is(err, raft.ErrNotCommitted):
				writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "not_committed_retry"})
			default:
				writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			}
			return
		}
		writeJSON(w, http.StatusOK, res)
	})

	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := node.Start(ctx); err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		logger.Printf("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := node.Stop(shutdownCtx); err != nil {
			logger.Printf("node stop: %v", err)
		}
		return srv.Shutdown(shutdownCtx)
	}
}

func nodeTiming(t config.TimingConfig) raft.TimingConfig {
	if t.ElectionTimeoutMin == 0 {
		return raft.DefaultTimingConfig()
	}
	return raft.TimingConfig{
		ElectionTimeoutMin: time.Duration(t.ElectionTimeoutMin),
		ElectionTimeoutMax: time.Duration(t.ElectionTimeoutMax),
		HeartbeatInterval:  time.Duration(t.HeartbeatInterval),
		RPCTimeout:         time.Duration(t.RPCTimeout),
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
