package api

import (
	"encoding/json"
	"net/http"
	"regexp"
	"runtime"
	"strings"

	"gridtrader/internal/auth"
	"gridtrader/internal/core"
	"gridtrader/pkg/apperrors"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
)

var tickerPattern = regexp.MustCompile(`^PERP_[A-Z]+_USDC$`)

var defaultPriceTick = decimal.RequireFromString("0.01")

type startRequest struct {
	Ticker       string          `json:"ticker"`
	Direction    string          `json:"direction"`
	GridType     string          `json:"grid_type"`
	GridRatio    decimal.Decimal `json:"grid_ratio"`
	GridLevels   int             `json:"grid_levels"`
	TotalMargin  decimal.Decimal `json:"total_margin"`
	LowerBound   decimal.Decimal `json:"lower_bound"`
	UpperBound   decimal.Decimal `json:"upper_bound"`
	CurrentPrice decimal.Decimal `json:"current_price"`
	StopBotPrice decimal.Decimal `json:"stop_bot_price"`
	StopTopPrice decimal.Decimal `json:"stop_top_price"`
	PriceTick    decimal.Decimal `json:"price_tick"`

	UserID    string `json:"user_id"`
	UserSig   string `json:"user_sig"`
	Timestamp int64  `json:"timestamp"`
	Nonce     string `json:"nonce"`
}

type stopRequest struct {
	SessionID string `json:"session_id"`
	UserSig   string `json:"user_sig"`
	Timestamp int64  `json:"timestamp"`
	Nonce     string `json:"nonce"`
}

func (s *Server) handleChallenge(w http.ResponseWriter, r *http.Request) {
	challenge, err := s.verifier.NewChallenge()
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, challenge)
}

func (s *Server) handleGridStart(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeClientError(w, "invalid_body", "request body is not valid JSON")
		return
	}
	if !tickerPattern.MatchString(req.Ticker) {
		writeClientError(w, "invalid_ticker", "ticker must match PERP_<BASE>_USDC")
		return
	}

	if _, err := s.verifier.Verify(r.Context(), auth.VerifyRequest{
		Signature: req.UserSig,
		Address:   req.UserID,
		Timestamp: req.Timestamp,
		Nonce:     req.Nonce,
	}); err != nil {
		writeError(w, err)
		return
	}

	tick := req.PriceTick
	if tick.LessThanOrEqual(decimal.Zero) {
		tick = defaultPriceTick
	}
	cfg := &core.SessionConfig{
		UserID:       req.UserID,
		Instrument:   req.Ticker,
		Direction:    core.Direction(strings.ToUpper(req.Direction)),
		GridType:     core.GridType(strings.ToUpper(req.GridType)),
		GridRatio:    req.GridRatio,
		GridLevels:   req.GridLevels,
		TotalMargin:  req.TotalMargin,
		LowerBound:   req.LowerBound,
		UpperBound:   req.UpperBound,
		CurrentPrice: req.CurrentPrice,
		StopBotPrice: req.StopBotPrice,
		StopTopPrice: req.StopTopPrice,
		PriceTick:    tick,
	}

	sess, err := s.manager.Create(r.Context(), cfg)
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, sess.Status())
}

// sessionUser derives the owning user from a session id of the form
// <user>_PERP_<BASE>_USDC
func sessionUser(sessionID string) (string, bool) {
	idx := strings.Index(sessionID, "_PERP_")
	if idx <= 0 {
		return "", false
	}
	return sessionID[:idx], true
}

func (s *Server) handleGridStop(w http.ResponseWriter, r *http.Request) {
	var req stopRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeClientError(w, "invalid_body", "request body is not valid JSON")
		return
	}
	user, ok := sessionUser(req.SessionID)
	if !ok {
		writeClientError(w, "invalid_session_id", "session_id must be <user>_PERP_<BASE>_USDC")
		return
	}

	if _, err := s.verifier.Verify(r.Context(), auth.VerifyRequest{
		Signature: req.UserSig,
		Address:   user,
		Timestamp: req.Timestamp,
		Nonce:     req.Nonce,
	}); err != nil {
		writeError(w, err)
		return
	}

	if err := s.manager.Stop(r.Context(), req.SessionID); err != nil {
		writeError(w, err)
		return
	}
	writeData(w, map[string]string{"session_id": req.SessionID, "state": string(core.StateStopped)})
}

func (s *Server) handleGridStatus(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "session_id")
	sess, ok := s.manager.Get(sessionID)
	if !ok {
		writeError(w, apperrors.New(apperrors.CategorySession, "session_not_found", apperrors.ErrSessionNotFound).
			WithUser("No running session with this id"))
		return
	}
	writeData(w, sess.Status())
}

func (s *Server) handleGridSessions(w http.ResponseWriter, r *http.Request) {
	sessions := s.manager.List()
	statuses := make([]core.SessionStatus, 0, len(sessions))
	for _, sess := range sessions {
		statuses = append(statuses, sess.Status())
	}
	writeData(w, map[string]interface{}{
		"count":    len(statuses),
		"sessions": statuses,
	})
}

func (s *Server) handleUserStrategies(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "user_id")
	sessions := s.manager.ListByUser(userID)

	type strategy struct {
		Status core.SessionStatus `json:"status"`
		Profit core.ProfitReport  `json:"profit"`
	}
	out := make([]strategy, 0, len(sessions))
	for _, sess := range sessions {
		out = append(out, strategy{Status: sess.Status(), Profit: sess.ProfitReport()})
	}
	writeData(w, map[string]interface{}{
		"user_id":    userID,
		"count":      len(out),
		"strategies": out,
	})
}

func (s *Server) handleGridCleanup(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "session_id")
	if err := s.manager.ForceCleanup(r.Context(), sessionID); err != nil {
		writeError(w, err)
		return
	}
	writeData(w, map[string]string{"session_id": sessionID, "state": "cleaned"})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeData(w, map[string]string{"status": "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if !s.ready.Load() {
		writeJSON(w, http.StatusServiceUnavailable, envelope{
			Success:   false,
			ErrorCode: "not_ready",
			Message:   "startup wiring incomplete",
		})
		return
	}
	writeData(w, map[string]string{"status": "ready"})
}

func (s *Server) handleSystemMetrics(w http.ResponseWriter, r *http.Request) {
	if s.monitor == nil {
		writeClientError(w, "monitor_disabled", "health monitor is not enabled")
		return
	}
	sample, ok := s.monitor.Latest()
	if !ok {
		sample = s.monitor.Sample()
	}
	writeData(w, sample)
}

func (s *Server) handleSystemStats(w http.ResponseWriter, r *http.Request) {
	stats := map[string]interface{}{
		"active_sessions": s.manager.Count(),
		"goroutines":      runtime.NumGoroutine(),
	}
	if s.sup != nil {
		stats["recovery"] = s.sup.StatsSnapshot()
	}
	if s.monitor != nil {
		if sample, ok := s.monitor.Latest(); ok {
			stats["vitals"] = sample
		}
	}
	writeData(w, stats)
}
