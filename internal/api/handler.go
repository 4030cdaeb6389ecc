package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/punchamoorthee/wavesops/internal/domain"
	"github.com/punchamoorthee/wavesops/internal/models"
)

// Metrics
var (
	httpReqTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "waves_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "endpoint", "status"})

	httpLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "waves_http_request_duration_seconds",
		Help:    "Request latency",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 30},
	}, []string{"method", "endpoint"})
)

// UserHeader carries the authenticated caller id, set by the upstream auth layer.
const UserHeader = "X-User-ID"

// Coordinator is the membership and trade surface the handlers expose.
type Coordinator interface {
	CreateMembership(ctx context.Context, creatorID int64, in domain.MembershipInput) domain.Result[[]domain.Membership]
	BuyMembership(ctx context.Context, membershipID, buyerID int64) domain.Result[domain.Membership]
	ListMemberships(ctx context.Context, status domain.MembershipStatus, page domain.Page) domain.Result[domain.Paged[domain.Membership]]
	ListOwnedMemberships(ctx context.Context, ownerID int64, status domain.MembershipStatus, page domain.Page) domain.Result[domain.Paged[domain.Membership]]
	RequestTrade(ctx context.Context, requestedID, offeredID, requesterID int64) domain.Result[domain.TradeRequest]
	AcceptTrade(ctx context.Context, tradeID, accepterID int64) domain.Result[domain.TradeRequest]
	DeclineTrade(ctx context.Context, tradeID, callerID int64) domain.Result[domain.TradeRequest]
	CancelTrade(ctx context.Context, tradeID, callerID int64) domain.Result[domain.TradeRequest]
	ListTrades(ctx context.Context, userID int64, page domain.Page) domain.Result[domain.Paged[domain.TradeRequest]]
}

// Wallets is the custodial wallet surface.
type Wallets interface {
	CreateWallet(ctx context.Context, userID int64) domain.Result[domain.Wallet]
	ApprovalStatus(ctx context.Context, address string) domain.Result[domain.ApprovalJob]
}

type Handler struct {
	coord   Coordinator
	wallets Wallets
	log     *logrus.Logger
}

func NewHandler(coord Coordinator, wallets Wallets, log *logrus.Logger) *Handler {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Handler{coord: coord, wallets: wallets, log: log}
}

// Register mounts the API routes on r.
func (h *Handler) Register(r *mux.Router) {
	r.HandleFunc("/wallets", h.CreateWallet).Methods("POST")
	r.HandleFunc("/wallets/{address}/approval", h.GetApproval).Methods("GET")

	r.HandleFunc("/memberships", h.CreateMembership).Methods("POST")
	r.HandleFunc("/memberships", h.ListMemberships).Methods("GET")
	r.HandleFunc("/memberships/mine", h.ListMyMemberships).Methods("GET")
	r.HandleFunc("/memberships/{id}/buy", h.BuyMembership).Methods("POST")

	r.HandleFunc("/trades", h.RequestTrade).Methods("POST")
	r.HandleFunc("/trades", h.ListTrades).Methods("GET")
	r.HandleFunc("/trades/{id}/accept", h.AcceptTrade).Methods("POST")
	r.HandleFunc("/trades/{id}/decline", h.DeclineTrade).Methods("POST")
	r.HandleFunc("/trades/{id}/cancel", h.CancelTrade).Methods("POST")
}

func (h *Handler) CreateWallet(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/wallets"
	timer := prometheus.NewTimer(httpLatency.WithLabelValues("POST", endpoint))
	defer timer.ObserveDuration()

	userID, ok := h.caller(w, r, endpoint)
	if !ok {
		return
	}
	respondResult(h, w, r, h.wallets.CreateWallet(r.Context(), userID), http.StatusCreated, endpoint)
}

func (h *Handler) GetApproval(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/wallets/{address}/approval"
	timer := prometheus.NewTimer(httpLatency.WithLabelValues("GET", endpoint))
	defer timer.ObserveDuration()

	address := mux.Vars(r)["address"]
	respondResult(h, w, r, h.wallets.ApprovalStatus(r.Context(), address), http.StatusOK, endpoint)
}

func (h *Handler) CreateMembership(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/memberships"
	timer := prometheus.NewTimer(httpLatency.WithLabelValues("POST", endpoint))
	defer timer.ObserveDuration()

	creatorID, ok := h.caller(w, r, endpoint)
	if !ok {
		return
	}
	var req models.CreateMembershipRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, r, http.StatusBadRequest, "Invalid JSON", endpoint)
		return
	}
	res := h.coord.CreateMembership(r.Context(), creatorID, domain.MembershipInput{
		Name:          req.Name,
		CollectionTag: req.CollectionTag,
		Description:   req.Description,
		Price:         req.Price,
		Quantity:      req.Quantity,
	})
	respondResult(h, w, r, res, http.StatusCreated, endpoint)
}

func (h *Handler) ListMemberships(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/memberships"
	timer := prometheus.NewTimer(httpLatency.WithLabelValues("GET", endpoint))
	defer timer.ObserveDuration()

	page, ok := h.page(w, r, endpoint)
	if !ok {
		return
	}
	status := domain.MembershipStatus(r.URL.Query().Get("status"))
	respondResult(h, w, r, h.coord.ListMemberships(r.Context(), status, page), http.StatusOK, endpoint)
}

func (h *Handler) ListMyMemberships(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/memberships/mine"
	timer := prometheus.NewTimer(httpLatency.WithLabelValues("GET", endpoint))
	defer timer.ObserveDuration()

	userID, ok := h.caller(w, r, endpoint)
	if !ok {
		return
	}
	page, ok := h.page(w, r, endpoint)
	if !ok {
		return
	}
	status := domain.MembershipStatus(r.URL.Query().Get("status"))
	respondResult(h, w, r, h.coord.ListOwnedMemberships(r.Context(), userID, status, page), http.StatusOK, endpoint)
}

func (h *Handler) BuyMembership(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/memberships/{id}/buy"
	timer := prometheus.NewTimer(httpLatency.WithLabelValues("POST", endpoint))
	defer timer.ObserveDuration()

	buyerID, ok := h.caller(w, r, endpoint)
	if !ok {
		return
	}
	id, ok := h.pathID(w, r, endpoint)
	if !ok {
		return
	}
	respondResult(h, w, r, h.coord.BuyMembership(r.Context(), id, buyerID), http.StatusOK, endpoint)
}

func (h *Handler) RequestTrade(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/trades"
	timer := prometheus.NewTimer(httpLatency.WithLabelValues("POST", endpoint))
	defer timer.ObserveDuration()

	requesterID, ok := h.caller(w, r, endpoint)
	if !ok {
		return
	}
	var req models.TradeRequestBody
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, r, http.StatusBadRequest, "Invalid JSON", endpoint)
		return
	}
	res := h.coord.RequestTrade(r.Context(), req.RequestedID, req.OfferedID, requesterID)
	respondResult(h, w, r, res, http.StatusCreated, endpoint)
}

func (h *Handler) ListTrades(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/trades"
	timer := prometheus.NewTimer(httpLatency.WithLabelValues("GET", endpoint))
	defer timer.ObserveDuration()

	userID, ok := h.caller(w, r, endpoint)
	if !ok {
		return
	}
	page, ok := h.page(w, r, endpoint)
	if !ok {
		return
	}
	respondResult(h, w, r, h.coord.ListTrades(r.Context(), userID, page), http.StatusOK, endpoint)
}

func (h *Handler) AcceptTrade(w http.ResponseWriter, r *http.Request) {
	h.tradeAction(w, r, "/trades/{id}/accept", h.coord.AcceptTrade)
}

func (h *Handler) DeclineTrade(w http.ResponseWriter, r *http.Request) {
	h.tradeAction(w, r, "/trades/{id}/decline", h.coord.DeclineTrade)
}

func (h *Handler) CancelTrade(w http.ResponseWriter, r *http.Request) {
	h.tradeAction(w, r, "/trades/{id}/cancel", h.coord.CancelTrade)
}

func (h *Handler) tradeAction(w http.ResponseWriter, r *http.Request, endpoint string, act func(context.Context, int64, int64) domain.Result[domain.TradeRequest]) {
	timer := prometheus.NewTimer(httpLatency.WithLabelValues("POST", endpoint))
	defer timer.ObserveDuration()

	callerID, ok := h.caller(w, r, endpoint)
	if !ok {
		return
	}
	id, ok := h.pathID(w, r, endpoint)
	if !ok {
		return
	}
	respondResult(h, w, r, act(r.Context(), id, callerID), http.StatusOK, endpoint)
}

// RateLimit rejects requests beyond the limiter's budget with 429.
func RateLimit(limiter *rate.Limiter) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !limiter.Allow() {
				httpReqTotal.WithLabelValues(r.Method, "rate_limited", "429").Inc()
				writeJSON(w, http.StatusTooManyRequests, models.Response{
					StatusCode: http.StatusTooManyRequests,
					Message:    "Too many requests",
				})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// Helpers

func (h *Handler) caller(w http.ResponseWriter, r *http.Request, endpoint string) (int64, bool) {
	raw := r.Header.Get(UserHeader)
	id, err := strconv.ParseInt(raw, 10, 64)
	if raw == "" || err != nil || id <= 0 {
		h.respondError(w, r, http.StatusUnauthorized, "Missing or invalid "+UserHeader, endpoint)
		return 0, false
	}
	return id, true
}

func (h *Handler) pathID(w http.ResponseWriter, r *http.Request, endpoint string) (int64, bool) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil || id <= 0 {
		h.respondError(w, r, http.StatusBadRequest, "Invalid id", endpoint)
		return 0, false
	}
	return id, true
}

func (h *Handler) page(w http.ResponseWriter, r *http.Request, endpoint string) (domain.Page, bool) {
	var p domain.Page
	q := r.URL.Query()
	for name, dst := range map[string]*int{"limit": &p.Limit, "offset": &p.Offset} {
		raw := q.Get(name)
		if raw == "" {
			continue
		}
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			h.respondError(w, r, http.StatusBadRequest, fmt.Sprintf("Invalid %s", name), endpoint)
			return p, false
		}
		*dst = n
	}
	return p, true
}

// statusOf maps a failure kind to its HTTP status.
func statusOf(kind domain.ErrorKind) int {
	switch kind {
	case domain.KindValidation:
		return http.StatusBadRequest
	case domain.KindConflict:
		return http.StatusConflict
	case domain.KindLedger:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func respondResult[T any](h *Handler, w http.ResponseWriter, r *http.Request, res domain.Result[T], okCode int, endpoint string) {
	resp := models.Response{IsSuccess: res.OK(), Message: res.Message}
	if res.TrxHash != "" {
		resp.OnChainSummary = &models.OnChainSummary{TrxHash: res.TrxHash}
	}
	code := okCode
	if res.Err != nil {
		code = statusOf(res.Err.Kind)
		resp.ErrorKind = string(res.Err.Kind)
		resp.Indeterminate = res.Err.Indeterminate
		if code == http.StatusInternalServerError {
			// causes stay in the log
			resp.Message = "Internal Server Error"
		}
	} else {
		resp.Data = res.Data
	}
	resp.StatusCode = code
	h.respondJSON(w, r, code, resp, endpoint)
}

func (h *Handler) respondJSON(w http.ResponseWriter, r *http.Request, code int, payload models.Response, endpoint string) {
	httpReqTotal.WithLabelValues(r.Method, endpoint, strconv.Itoa(code)).Inc()
	if code >= http.StatusInternalServerError {
		h.log.WithFields(logrus.Fields{"method": r.Method, "endpoint": endpoint, "status": code}).Warn(payload.Message)
	}
	writeJSON(w, code, payload)
}

func (h *Handler) respondError(w http.ResponseWriter, r *http.Request, code int, msg, endpoint string) {
	h.respondJSON(w, r, code, models.Response{StatusCode: code, Message: msg}, endpoint)
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(payload)
}
