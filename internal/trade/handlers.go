package trade

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/kolmarket/market-engine/internal/candidate"
	"github.com/kolmarket/market-engine/internal/ingest"
	"github.com/kolmarket/market-engine/internal/limits"
	"github.com/kolmarket/market-engine/internal/lock"
	"github.com/kolmarket/market-engine/internal/model"
	"github.com/kolmarket/market-engine/internal/period"
)

// maxWebhookBody bounds a single webhook delivery.
const maxWebhookBody = 1 << 20

// OrderRequest is the JSON body of POST /api/v1/orders/{buy,sell}.
// Amount is pills for a buy and shares for a sell.
type OrderRequest struct {
	UserID      string          `json:"user_id"`
	CandidateID string          `json:"candidate_id"`
	Amount      decimal.Decimal `json:"amount"`
}

// LeaderboardResponse is the JSON body of GET /api/v1/leaderboard.
type LeaderboardResponse struct {
	PeriodID string            `json:"period_id"`
	Ranking  []model.RankEntry `json:"ranking"`
}

// Routes mounts the API on r. The WebSocket endpoint is mounted separately.
func (s *Service) Routes(r chi.Router) {
	r.Get("/periods/current", s.GetCurrentMarket)
	r.Get("/periods/current/quote", s.GetQuote)
	r.Get("/periods/{periodID}", s.GetMarket)
	r.Get("/periods/{periodID}/orders", s.ListOrders)
	r.Post("/periods/{periodID}/resolve", s.ResolvePeriod)
	r.Post("/orders/buy", s.PlaceBuy)
	r.Post("/orders/sell", s.PlaceSell)
	r.Get("/portfolio/{userID}", s.GetPortfolio)
	r.Get("/leaderboard", s.GetLeaderboard)
	r.Post("/webhooks/trades", s.IngestTrades)
}

// --- HTTP Handlers ---

// GetCurrentMarket handles GET /api/v1/periods/current
func (s *Service) GetCurrentMarket(w http.ResponseWriter, r *http.Request) {
	st, err := s.CurrentMarket(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// GetMarket handles GET /api/v1/periods/{periodID}
func (s *Service) GetMarket(w http.ResponseWriter, r *http.Request) {
	st, err := s.Market(r.Context(), chi.URLParam(r, "periodID"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// ListOrders handles GET /api/v1/periods/{periodID}/orders
func (s *Service) ListOrders(w http.ResponseWriter, r *http.Request) {
	orders, err := s.Orders(r.Context(), chi.URLParam(r, "periodID"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if orders == nil {
		orders = []model.TradeOrder{}
	}
	writeJSON(w, http.StatusOK, orders)
}

// GetQuote handles GET /api/v1/periods/current/quote?candidate_id=&amount=&side=
func (s *Service) GetQuote(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	side := model.Side(q.Get("side"))
	if side == "" {
		side = model.SideBuy
	}
	if !side.Valid() {
		writeError(w, "side must be buy or sell", http.StatusBadRequest)
		return
	}
	amount, err := decimal.NewFromString(q.Get("amount"))
	if err != nil {
		writeError(w, "amount must be a decimal number", http.StatusBadRequest)
		return
	}

	quote, err := s.Quote(r.Context(), q.Get("candidate_id"), side, amount)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, quote)
}

// PlaceBuy handles POST /api/v1/orders/buy
func (s *Service) PlaceBuy(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeOrder(w, r)
	if !ok {
		return
	}
	res, err := s.Buy(r.Context(), req.UserID, req.CandidateID, req.Amount)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

// PlaceSell handles POST /api/v1/orders/sell
func (s *Service) PlaceSell(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeOrder(w, r)
	if !ok {
		return
	}
	res, err := s.Sell(r.Context(), req.UserID, req.CandidateID, req.Amount)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func decodeOrder(w http.ResponseWriter, r *http.Request) (OrderRequest, bool) {
	var req OrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return req, false
	}
	if req.UserID == "" {
		writeError(w, "user_id is required", http.StatusBadRequest)
		return req, false
	}
	if req.CandidateID == "" {
		writeError(w, "candidate_id is required", http.StatusBadRequest)
		return req, false
	}
	return req, true
}

// GetPortfolio handles GET /api/v1/portfolio/{userID}
func (s *Service) GetPortfolio(w http.ResponseWriter, r *http.Request) {
	pf, err := s.Portfolio(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, pf)
}

// GetLeaderboard handles GET /api/v1/leaderboard?period_id=
func (s *Service) GetLeaderboard(w http.ResponseWriter, r *http.Request) {
	pid, ranking, err := s.Leaderboard(r.Context(), r.URL.Query().Get("period_id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, LeaderboardResponse{PeriodID: pid, Ranking: ranking})
}

// ResolvePeriod handles POST /api/v1/periods/{periodID}/resolve
func (s *Service) ResolvePeriod(w http.ResponseWriter, r *http.Request) {
	res, err := s.Resolve(r.Context(), chi.URLParam(r, "periodID"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// IngestTrades handles POST /api/v1/webhooks/trades
func (s *Service) IngestTrades(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	res, err := s.Ingest(r.Context(), body)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, res)
}

// fail maps err to a status and logs server-side failures.
func (s *Service) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError && status != http.StatusNotImplemented {
		s.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "err", err)
	}
	writeError(w, err.Error(), status)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, model.ErrInvalidAmount),
		errors.Is(err, model.ErrPeriodMismatch),
		errors.Is(err, ingest.ErrMalformed),
		errors.Is(err, candidate.ErrInvalidID),
		errors.Is(err, period.ErrInvalidID):
		return http.StatusBadRequest
	case errors.Is(err, model.ErrNotFound),
		errors.Is(err, model.ErrCandidateNotFound),
		errors.Is(err, model.ErrPositionNotFound):
		return http.StatusNotFound
	case errors.Is(err, model.ErrInsufficientFunds),
		errors.Is(err, model.ErrInsufficientShares):
		return http.StatusUnprocessableEntity
	case errors.Is(err, limits.ErrCandidateLimitExceeded),
		errors.Is(err, limits.ErrPeriodLimitExceeded),
		errors.Is(err, model.ErrAlreadyResolved),
		errors.Is(err, model.ErrPeriodOpen),
		errors.Is(err, model.ErrNoRanking),
		errors.Is(err, model.ErrPeriodClosed):
		return http.StatusConflict
	case errors.Is(err, lock.ErrLockHeld):
		return http.StatusServiceUnavailable
	case errors.Is(err, errDisabled):
		return http.StatusNotImplemented
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}
