package stats

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"SockTracer/internal/query"
)

// Snapshot is the point-in-time view served by the stats endpoint. The
// dispatcher goroutine publishes a fresh snapshot after each iteration,
// so handlers never touch live tracker state.
type Snapshot struct {
	ActiveConnections int    `json:"active_connections"`
	RecordsEmitted    uint64 `json:"records_emitted"`
	EventsDropped     uint64 `json:"events_dropped"`
}

// SnapshotFunc returns the most recently published snapshot.
type SnapshotFunc func() Snapshot

// Server serves tracer statistics over HTTP, plus record queries when a
// querier is attached.
type Server struct {
	srv      *http.Server
	snapshot SnapshotFunc
	querier  query.Querier
}

// NewServer builds the router and its handlers. The querier may be nil,
// in which case the record routes are not registered.
func NewServer(addr string, snapshot SnapshotFunc, querier query.Querier) *Server {
	s := &Server{snapshot: snapshot, querier: querier}

	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/stats", s.handleStats).Methods(http.MethodGet)
	if querier != nil {
		r.HandleFunc("/records", s.handleRecords).Methods(http.MethodGet)
	}

	s.srv = &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}
	return s
}

// Start begins serving in a background goroutine.
func (s *Server) Start() {
	go func() {
		log.Printf("Stats server listening on %s", s.srv.Addr)
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("Stats server error: %v", err)
		}
	}()
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.snapshot()); err != nil {
		log.Printf("Error encoding stats response: %v", err)
	}
}

const defaultRecordLimit = 100

// handleRecords serves recently emitted records from the columnar store.
// Optional query params: pid (filter by traced process), limit.
func (s *Server) handleRecords(w http.ResponseWriter, r *http.Request) {
	limit := defaultRecordLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}

	var (
		records interface{}
		err     error
	)
	if v := r.URL.Query().Get("pid"); v != "" {
		pid, perr := strconv.ParseUint(v, 10, 32)
		if perr != nil {
			http.Error(w, "invalid pid", http.StatusBadRequest)
			return
		}
		records, err = s.querier.RecordsForPID(r.Context(), uint32(pid), time.Time{}, limit)
	} else {
		records, err = s.querier.RecentRecords(r.Context(), limit)
	}
	if err != nil {
		log.Printf("Record query failed: %v", err)
		http.Error(w, "query failed", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(records); err != nil {
		log.Printf("Error encoding records response: %v", err)
	}
}
