package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/logquorum/raft/internal/types"
)

// HTTPTransport sends RPCs as JSON over HTTP POST.
type HTTPTransport struct {
	resolver *PeerResolver
	client   *http.Client
}

func NewHTTPTransport(resolver *PeerResolver) *HTTPTransport {
	return &HTTPTransport{
		resolver: resolver,
		client:   &http.Client{},
	}
}

func (t *HTTPTransport) AppendEntries(ctx context.Context, to types.NodeID, req AppendEntriesRequest) (AppendEntriesResponse, error) {
	var resp AppendEntriesResponse
	err := t.post(ctx, to, "/raft/append_entries", req, &resp)
	return resp, err
}

func (t *HTTPTransport) RequestVote(ctx context.Context, to types.NodeID, req RequestVoteRequest) (RequestVoteResponse, error) {
	var resp RequestVoteResponse
	err := t.post(ctx, to, "/raft/request_vote", req, &resp)
	return resp, err
}

func (t *HTTPTransport) post(ctx context.Context, to types.NodeID, path string, req, resp any) error {
	addr, err := t.resolver.Resolve(to)
	if err != nil {
		return err
	}

	body, err := json.Marshal(req)
	if err != nil {
		return err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, addr+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := t.client.Do(httpReq)
	if err != nil {
		return err
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s to %s returned %d", path, to, httpResp.StatusCode)
	}
	return json.NewDecoder(httpResp.Body).Decode(resp)
}

// HTTPServer exposes an RPCHandler over HTTP. Routes are mounted under
// /raft by the hosting server.
type HTTPServer struct {
	handler RPCHandler
}

func NewHTTPServer(handler RPCHandler) *HTTPServer {
	return &HTTPServer{handler: handler}
}

// Routes returns the RPC routes, ready to mount at /raft.
func (s *HTTPServer) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/append_entries", s.handleAppendEntries)
	r.Post("/request_vote", s.handleRequestVote)
	return r
}

func (s *HTTPServer) handleAppendEntries(w http.ResponseWriter, r *http.Request) {
	var req AppendEntriesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "bad JSON"})
		return
	}
	resp, err := s.handler.HandleAppendEntries(r.Context(), req)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *HTTPServer) handleRequestVote(w http.ResponseWriter, r *http.Request) {
	var req RequestVoteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "bad JSON"})
		return
	}
	resp, err := s.handler.HandleRequestVote(r.Context(), req)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
