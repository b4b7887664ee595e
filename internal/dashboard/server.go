// Package dashboard exposes the keeper's operational state over HTTP: a
// JSON status/inspection API plus an SSE log tail, both behind HTTP basic
// auth, the way an operator tails a long-running batch job without needing
// shell access to the host.
package dashboard

import (
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	keeperarb "github.com/jgarzik/keeper-arb"
	"github.com/jgarzik/keeper-arb/internal/logging"
)

// Server wires a read-mostly view over a running Keeper plus the four
// control actions (pause/resume, globally and per token) the spec's HTTP
// contract names.
type Server struct {
	keeper   *keeperarb.Keeper
	sinks    *logging.Sinks
	password string

	explorerURL map[keeperarb.ChainID]string

	// GasRateL2/L1 convert native gas cost into source-token units for
	// /pnl's net figure; nil leaves that chain's gas out of net entirely,
	// same as accounting.ComputeCyclePnL's contract.
	GasRateL2 *big.Rat
	GasRateL1 *big.Rat

	router *mux.Router
}

// New builds a Server. password is the HTTP basic auth secret (the
// username is ignored); explorerURLL1/L2 template a tx link with "%s" for
// the hash, or may be empty to omit the link.
func New(keeper *keeperarb.Keeper, sinks *logging.Sinks, password, explorerURLL1, explorerURLL2 string) *Server {
	s := &Server{
		keeper:   keeper,
		sinks:    sinks,
		password: password,
		explorerURL: map[keeperarb.ChainID]string{
			keeperarb.ChainL1: explorerURLL1,
			keeperarb.ChainL2: explorerURLL2,
		},
	}
	s.router = s.buildRouter()
	return s
}

// Handler returns the auth-wrapped http.Handler the process binds a
// listener to.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) buildRouter() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.basicAuth)
	r.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	r.HandleFunc("/balances", s.handleBalances).Methods(http.MethodGet)
	r.HandleFunc("/cycles", s.handleCycles).Methods(http.MethodGet)
	r.HandleFunc("/cycles/{id}", s.handleCycleDetail).Methods(http.MethodGet)
	r.HandleFunc("/pnl", s.handlePnL).Methods(http.MethodGet)
	r.HandleFunc("/pause", s.handlePause).Methods(http.MethodPost)
	r.HandleFunc("/resume", s.handleResume).Methods(http.MethodPost)
	r.HandleFunc("/pause-token", s.handlePauseToken).Methods(http.MethodPost)
	r.HandleFunc("/resume-token", s.handleResumeToken).Methods(http.MethodPost)
	r.HandleFunc("/logs/stream", s.handleLogStream).Methods(http.MethodGet)
	return r
}

// basicAuth rejects any request that does not present the configured
// password; the username field is not checked, matching spec.md §6's
// "password = secret" contract. Comparison runs in constant time so
// response latency cannot leak the password byte by byte.
func (s *Server) basicAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, pass, ok := r.BasicAuth()
		if !ok || subtle.ConstantTimeCompare([]byte(pass), []byte(s.password)) != 1 {
			w.Header().Set("WWW-Authenticate", `Basic realm="keeper"`)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	active, err := s.keeper.Store().GetActiveCycles()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	pausedTokens := s.keeper.PausedTokens()
	if pausedTokens == nil {
		pausedTokens = []string{}
	}
	writeJSON(w, map[string]interface{}{
		"running":      true,
		"paused":       s.keeper.IsPaused(),
		"pausedTokens": pausedTokens,
		"lastRun":      s.keeper.LastRun(),
		"activeCycles": len(active),
	})
}

func (s *Server) handleBalances(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	gw := s.keeper.Gateway()
	reg := s.keeper.Registry()

	balances := make(map[string]interface{})

	nativeL2, err := gw.NativeBalance(ctx, keeperarb.ChainL2)
	if err != nil {
		writeError(w, http.StatusBadGateway, fmt.Errorf("l2 native balance: %w", err))
		return
	}
	nativeL1, err := gw.NativeBalance(ctx, keeperarb.ChainL1)
	if err != nil {
		writeError(w, http.StatusBadGateway, fmt.Errorf("l1 native balance: %w", err))
		return
	}
	balances["nativeL2"] = nativeL2.String()
	balances["nativeL1"] = nativeL1.String()

	tokens := append(reg.Stablecoins(), reg.TargetTokens()...)
	tokenBalances := make(map[string]map[string]string, len(tokens))
	for _, t := range tokens {
		l2, err := gw.TokenBalance(keeperarb.ChainL2, t.AddressL2)
		if err != nil {
			writeError(w, http.StatusBadGateway, fmt.Errorf("l2 balance of %s: %w", t.Symbol, err))
			return
		}
		l1, err := gw.TokenBalance(keeperarb.ChainL1, t.AddressL1)
		if err != nil {
			writeError(w, http.StatusBadGateway, fmt.Errorf("l1 balance of %s: %w", t.Symbol, err))
			return
		}
		tokenBalances[t.Symbol] = map[string]string{"l2": l2.String(), "l1": l1.String()}
	}
	balances["tokens"] = tokenBalances

	writeJSON(w, balances)
}

func (s *Server) handleCycles(w http.ResponseWriter, r *http.Request) {
	cycles, err := s.keeper.Store().GetRecentCycles(50)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, cycles)
}

type stepView struct {
	*keeperarb.Step
	ExplorerURL string `json:"explorerUrl,omitempty"`
}

func (s *Server) explorerLink(chain keeperarb.ChainID, txHash string) string {
	tmpl := s.explorerURL[chain]
	if tmpl == "" || txHash == "" {
		return ""
	}
	return fmt.Sprintf(tmpl, txHash)
}

func (s *Server) handleCycleDetail(w http.ResponseWriter, r *http.Request) {
	idStr := mux.Vars(r)["id"]
	id, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid cycle id %q", idStr))
		return
	}
	cycle, err := s.keeper.Store().GetCycle(id)
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	steps, err := s.keeper.Store().GetStepsByCycle(id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	views := make([]stepView, len(steps))
	for i, step := range steps {
		views[i] = stepView{Step: step, ExplorerURL: s.explorerLink(step.Chain, step.TxHash)}
	}
	writeJSON(w, map[string]interface{}{"cycle": cycle, "steps": views})
}

func (s *Server) handlePnL(w http.ResponseWriter, r *http.Request) {
	now := time.Now()
	today, err := keeperarb.DailyPnL(s.keeper.Store(), now, s.GasRateL2, s.GasRateL1)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	lifetime, err := keeperarb.LifetimePnL(s.keeper.Store(), s.GasRateL2, s.GasRateL1)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, map[string]interface{}{"lifetime": lifetime, "today": today})
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	s.keeper.Pause()
	writeJSON(w, map[string]bool{"paused": true})
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	s.keeper.Resume()
	writeJSON(w, map[string]bool{"paused": false})
}

type tokenRequest struct {
	Token string `json:"token"`
}

func decodeTokenRequest(r *http.Request) (string, error) {
	var req tokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return "", fmt.Errorf("decode request body: %w", err)
	}
	if req.Token == "" {
		return "", fmt.Errorf("token field required")
	}
	return req.Token, nil
}

func (s *Server) handlePauseToken(w http.ResponseWriter, r *http.Request) {
	token, err := decodeTokenRequest(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	s.keeper.PauseToken(token)
	writeJSON(w, map[string]interface{}{"token": token, "paused": true})
}

func (s *Server) handleResumeToken(w http.ResponseWriter, r *http.Request) {
	token, err := decodeTokenRequest(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	s.keeper.ResumeToken(token)
	writeJSON(w, map[string]interface{}{"token": token, "paused": false})
}

// handleLogStream serves an SSE stream of structured log entries from
// either diag.log or money.log, selected by the "type" query parameter.
func (s *Server) handleLogStream(w http.ResponseWriter, r *http.Request) {
	sink := s.sinks.Diag
	if r.URL.Query().Get("type") == "money" {
		sink = s.sinks.Money
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, fmt.Errorf("streaming unsupported"))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ch, cancel := sink.Subscribe()
	defer cancel()

	for {
		select {
		case <-r.Context().Done():
			return
		case entry, open := <-ch:
			if !open {
				return
			}
			line, err := json.Marshal(entry)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "data: %s\n\n", line)
			flusher.Flush()
		}
	}
}
