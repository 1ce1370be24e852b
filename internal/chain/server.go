package chain

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/sharding-experiment/resharding/internal/layout"
)

// Server exposes a node's query surface over HTTP: balances, tracked
// shards, the active layout, and transaction status.
type Server struct {
	log    zerolog.Logger
	client *Client
	http   *http.Server
}

func NewServer(log zerolog.Logger, client *Client, addr string) *Server {
	s := &Server{
		log:    log.With().Str("component", "http").Logger(),
		client: client,
	}
	r := mux.NewRouter()
	r.HandleFunc("/v1/balance/{account}", s.handleBalance).Methods(http.MethodGet)
	r.HandleFunc("/v1/tx/{id}", s.handleTxStatus).Methods(http.MethodGet)
	r.HandleFunc("/v1/shards", s.handleShards).Methods(http.MethodGet)
	r.HandleFunc("/v1/ready/{shard}", s.handleReady).Methods(http.MethodGet)
	r.HandleFunc("/v1/layout", s.handleLayout).Methods(http.MethodGet)
	s.http = &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// ListenAndServe blocks serving requests until Shutdown.
func (s *Server) ListenAndServe() error {
	s.log.Info().Str("addr", s.http.Addr).Msg("serving queries")
	err := s.http.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests and stops the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

// Handler returns the route tree, for tests.
func (s *Server) Handler() http.Handler { return s.http.Handler }

type balanceResponse struct {
	Account string `json:"account"`
	Balance string `json:"balance"`
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	account := mux.Vars(r)["account"]
	balance, err := s.client.Balance(account)
	switch {
	case errors.Is(err, ErrUnknownAccount):
		s.writeError(w, http.StatusNotFound, err)
	case errors.Is(err, ErrShardNotTracked):
		s.writeError(w, http.StatusMisdirectedRequest, err)
	case err != nil:
		s.writeError(w, http.StatusInternalServerError, err)
	default:
		s.writeJSON(w, balanceResponse{Account: account, Balance: balance.Dec()})
	}
}

type txStatusResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

func (s *Server) handleTxStatus(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	s.writeJSON(w, txStatusResponse{ID: id, Status: string(s.client.TxStatus(id))})
}

type shardInfo struct {
	Shard string `json:"shard"`
	Root  string `json:"root"`
}

func (s *Server) handleShards(w http.ResponseWriter, r *http.Request) {
	var out []shardInfo
	for _, uid := range s.client.Tracked() {
		root, _ := s.client.Head(uid)
		out = append(out, shardInfo{Shard: uid.String(), Root: root.Hex()})
	}
	s.writeJSON(w, out)
}

type readyResponse struct {
	Shard    string `json:"shard"`
	Tracking bool   `json:"tracking"`
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	uid, err := layout.ParseUID(mux.Vars(r)["shard"])
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	ready := s.client.IsReady(uid, s.client.LastHeight())
	s.writeJSON(w, readyResponse{Shard: uid.String(), Tracking: ready})
}

type layoutResponse struct {
	Version   uint32   `json:"version"`
	NumShards uint64   `json:"num_shards"`
	Shards    []string `json:"shards"`
}

func (s *Server) handleLayout(w http.ResponseWriter, r *http.Request) {
	lay := s.client.ActiveLayout(s.client.LastHeight())
	resp := layoutResponse{
		Version:   uint32(lay.Version()),
		NumShards: lay.NumShards(),
	}
	for _, uid := range lay.ShardUIDs() {
		resp.Shards = append(resp.Shards, uid.String())
	}
	s.writeJSON(w, resp)
}

func (s *Server) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error().Err(err).Msg("encode response")
	}
}

func (s *Server) writeError(w http.ResponseWriter, code int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}
