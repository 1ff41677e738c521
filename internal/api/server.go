// internal/api/server.go
package api

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"gatekeeper-go/internal/gatekeeper"
	"gatekeeper-go/internal/watchdog"
)

// Vault is the read side of the engine.
type Vault interface {
	State(ctx context.Context) (*gatekeeper.State, error)
	Events(ctx context.Context, from uint64) ([]gatekeeper.Record, error)
}

// Watcher is the watchdog surface exposed over HTTP.
type Watcher interface {
	Pending() []watchdog.Pending
	CancelByCode(ctx context.Context, id common.Hash, code string) error
}

type Server struct {
	vault   Vault
	watcher Watcher
	clock   func() time.Time
	log     zerolog.Logger
	router  *mux.Router
}

// NewServer routes the vault endpoints, and the watchdog endpoints when
// watcher is not nil.
func NewServer(log zerolog.Logger, vault Vault, watcher Watcher) *Server {
	s := &Server{
		vault:   vault,
		watcher: watcher,
		clock:   time.Now,
		log:     log.With().Str("component", "api").Logger(),
		router:  mux.NewRouter(),
	}

	s.router.Use(loggingMiddleware(s.log))

	// Vault endpoints
	s.router.HandleFunc("/vault/state", s.GetState).Methods("GET")
	s.router.HandleFunc("/vault/events", s.GetEvents).Methods("GET")

	// Watchdog endpoints
	if watcher != nil {
		s.router.HandleFunc("/watchdog/pending", s.GetPending).Methods("GET")
		s.router.HandleFunc("/watchdog/cancel", s.Cancel).Methods("POST")
		s.router.HandleFunc("/watchdog/cancel", s.CancelLink).Methods("GET")
	}

	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe serves until ctx is done, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", addr).Msg("api server started")
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

type freezeView struct {
	Level  uint8     `json:"level"`
	Until  time.Time `json:"until"`
	Active bool      `json:"active"`
}

type pendingChangeView struct {
	ID        common.Hash    `json:"id"`
	DueTime   time.Time      `json:"dueTime"`
	Approvals int            `json:"approvals"`
	Actions   []string       `json:"actions"`
	Scheduler common.Address `json:"scheduler"`
}

type pendingBypassView struct {
	ID                common.Hash    `json:"id"`
	DueTime           time.Time      `json:"dueTime"`
	Approvals         int            `json:"approvals"`
	RequiredApprovals uint32         `json:"requiredApprovals"`
	WaitForDelay      bool           `json:"waitForDelay"`
	Scheduler         common.Address `json:"scheduler"`
	Target            common.Address `json:"target"`
	ValueEther        string         `json:"valueEther"`
	Data              hexutil.Bytes  `json:"data"`
}

type stateView struct {
	Initialized        bool                              `json:"initialized"`
	StateNonce         uint64                            `json:"stateNonce"`
	Participants       []common.Hash                     `json:"participants"`
	DelaysSeconds      []int64                           `json:"delaysSeconds"`
	ApprovalsPerLevel  []uint32                          `json:"approvalsPerLevel"`
	AcceleratedCalls   bool                              `json:"acceleratedCalls"`
	AddOperatorNow     bool                              `json:"addOperatorNow"`
	BypassByTarget     map[common.Address]common.Address `json:"bypassByTarget"`
	BypassByMethod     map[string]common.Address         `json:"bypassByMethod"`
	Freeze             freezeView                        `json:"freeze"`
	PendingChanges     []pendingChangeView               `json:"pendingChanges"`
	PendingBypassCalls []pendingBypassView               `json:"pendingBypassCalls"`
}

func (s *Server) GetState(w http.ResponseWriter, r *http.Request) {
	st, err := s.vault.State(r.Context())
	if err != nil {
		s.log.Error().Err(err).Msg("could not load state")
		http.Error(w, "Could not load state", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, s.viewState(st))
}

func (s *Server) viewState(st *gatekeeper.State) stateView {
	view := stateView{
		Initialized:        st.Initialized,
		StateNonce:         st.StateNonce,
		Participants:       make([]common.Hash, 0, len(st.Participants)),
		DelaysSeconds:      make([]int64, len(st.Delays)),
		ApprovalsPerLevel:  st.ApprovalsPerLevel,
		AcceleratedCalls:   st.AcceleratedCalls,
		AddOperatorNow:     st.AddOperatorNow,
		BypassByTarget:     st.BypassByTarget,
		BypassByMethod:     make(map[string]common.Address, len(st.BypassByMethod)),
		PendingChanges:     []pendingChangeView{},
		PendingBypassCalls: []pendingBypassView{},
		Freeze: freezeView{
			Level:  uint8(st.Freeze.Level),
			Until:  st.Freeze.Until,
			Active: st.Freeze.Active(s.clock()),
		},
	}
	for id := range st.Participants {
		view.Participants = append(view.Participants, id)
	}
	sort.Slice(view.Participants, func(i, j int) bool {
		return view.Participants[i].Hex() < view.Participants[j].Hex()
	})
	for i, d := range st.Delays {
		view.DelaysSeconds[i] = int64(d / time.Second)
	}
	for sel, policy := range st.BypassByMethod {
		view.BypassByMethod[sel.String()] = policy
	}

	for id, p := range st.PendingChanges {
		names := make([]string, len(p.Change.Actions))
		for i, a := range p.Change.Actions {
			names[i] = a.Type().String()
		}
		view.PendingChanges = append(view.PendingChanges, pendingChangeView{
			ID:        id,
			DueTime:   p.DueTime,
			Approvals: len(p.Approvers),
			Actions:   names,
			Scheduler: p.Change.Scheduler.Address,
		})
	}
	sort.Slice(view.PendingChanges, func(i, j int) bool {
		return view.PendingChanges[i].DueTime.Before(view.PendingChanges[j].DueTime)
	})

	for id, p := range st.PendingBypassCalls {
		view.PendingBypassCalls = append(view.PendingBypassCalls, pendingBypassView{
			ID:                id,
			DueTime:           p.DueTime,
			Approvals:         len(p.Approvers),
			RequiredApprovals: p.RequiredApprovals,
			WaitForDelay:      p.WaitForDelay,
			Scheduler:         p.Ref.Scheduler.Address,
			Target:            p.Ref.Call.Target,
			ValueEther:        Ether(p.Ref.Call.Value),
			Data:              p.Ref.Call.Data,
		})
	}
	sort.Slice(view.PendingBypassCalls, func(i, j int) bool {
		return view.PendingBypassCalls[i].DueTime.Before(view.PendingBypassCalls[j].DueTime)
	})
	return view
}

func (s *Server) GetEvents(w http.ResponseWriter, r *http.Request) {
	from := uint64(1)
	if raw := r.URL.Query().Get("from"); raw != "" {
		v, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			http.Error(w, "Invalid from", http.StatusBadRequest)
			return
		}
		from = v
	}
	records, err := s.vault.Events(r.Context(), from)
	if err != nil {
		s.log.Error().Err(err).Msg("could not read events")
		http.Error(w, "Could not read events", http.StatusInternalServerError)
		return
	}
	if records == nil {
		records = []gatekeeper.Record{}
	}
	writeJSON(w, http.StatusOK, records)
}

type pendingOpView struct {
	watchdog.Pending
	ValueEther string `json:"valueEther,omitempty"`
}

func (s *Server) GetPending(w http.ResponseWriter, r *http.Request) {
	pending := s.watcher.Pending()
	out := make([]pendingOpView, len(pending))
	for i, p := range pending {
		out[i] = pendingOpView{Pending: p}
		if p.Bypass != nil {
			out[i].ValueEther = Ether(p.Bypass.Call.Value)
		}
	}
	writeJSON(w, http.StatusOK, out)
}

// cancelRequest names the operation either by id and code or by the alert
// message pasted back.
type cancelRequest struct {
	ID      common.Hash `json:"id"`
	Code    string      `json:"code"`
	Message string      `json:"message"`
}

func (s *Server) Cancel(w http.ResponseWriter, r *http.Request) {
	var req cancelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request", http.StatusBadRequest)
		return
	}
	if req.Message != "" {
		id, code, err := watchdog.ParseCancelMessage(req.Message)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		req.ID, req.Code = id, code
	}
	s.cancel(w, r, req.ID, req.Code)
}

// CancelLink serves the one-click links sent with alerts.
func (s *Server) CancelLink(w http.ResponseWriter, r *http.Request) {
	id, code, err := watchdog.ParseCancelLink(r.URL.String())
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.cancel(w, r, id, code)
}

func (s *Server) cancel(w http.ResponseWriter, r *http.Request, id common.Hash, code string) {
	err := s.watcher.CancelByCode(r.Context(), id, code)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled", "id": id.Hex()})
	case errors.Is(err, watchdog.ErrUnknownOperation):
		http.Error(w, "Operation not found", http.StatusNotFound)
	case errors.Is(err, watchdog.ErrBadCode):
		http.Error(w, "Invalid code", http.StatusForbidden)
	case gatekeeper.KindOf(err) != 0:
		http.Error(w, err.Error(), http.StatusConflict)
	default:
		s.log.Error().Err(err).Str("id", id.Hex()).Msg("cancel failed")
		http.Error(w, "Cancel failed", http.StatusInternalServerError)
	}
}

// Ether formats a wei amount in ether.
func Ether(wei *big.Int) string {
	if wei == nil {
		return "0"
	}
	return decimal.NewFromBigInt(wei, -18).String()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func loggingMiddleware(logger zerolog.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			start := time.Now()
			rw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rw, req)
			ev := logger.Debug()
			if rw.status >= http.StatusInternalServerError {
				ev = logger.Error()
			}
			ev.Str("method", req.Method).
				Str("uri", req.RequestURI).
				Dur("duration", time.Since(start)).
				Int("response_code", rw.status).
				Msg("api")
		})
	}
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
