package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/punchamoorthee/rewardops/internal/domain"
	"github.com/punchamoorthee/rewardops/internal/models"
	"github.com/punchamoorthee/rewardops/internal/payout"
	"github.com/punchamoorthee/rewardops/internal/service"
	"github.com/punchamoorthee/rewardops/internal/store"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Metrics
var (
	httpReqTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rewardops_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "endpoint", "status"})

	httpLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "rewardops_http_request_duration_seconds",
		Help:    "Request latency",
		Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
	}, []string{"method", "endpoint"})
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
	recentEntries   = 20
)

// maxRewardAmount bounds rewards to 10 digits, two of them decimals.
var maxRewardAmount = decimal.New(1, 8)

type Rewarder interface {
	RewardUser(ctx context.Context, recipient int64, amount decimal.Decimal, reason string, metadata map[string]string) (*domain.Transaction, error)
}

type UserStore interface {
	CreateUser(ctx context.Context, telegramID int64, username *string) (*domain.UserAccount, error)
	GetAccount(ctx context.Context, telegramID int64) (*domain.UserAccount, error)
	ListAccounts(ctx context.Context, limit, offset int) ([]domain.UserAccount, error)
	GetEntries(ctx context.Context, telegramID int64, limit int) ([]domain.LedgerEntry, error)
	TokenReport(ctx context.Context, topN, days int) (*domain.TokenReport, error)
}

type AuditReader interface {
	List(ctx context.Context, f domain.AuditFilter) ([]domain.AuditRecord, error)
}

type TransactionLookup interface {
	GetTransaction(ctx context.Context, id string) (*domain.Transaction, error)
}

type Handler struct {
	rewards Rewarder
	users   UserStore
	audit   AuditReader
	txs     TransactionLookup
	log     *zap.Logger
}

func NewHandler(rewards Rewarder, users UserStore, audit AuditReader, txs TransactionLookup, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{rewards: rewards, users: users, audit: audit, txs: txs, log: log.Named("api")}
}

// Register mounts the API under r.
func (h *Handler) Register(r *mux.Router) {
	r.HandleFunc("/health", h.Health).Methods("GET")

	apiV1 := r.PathPrefix("/api/v1").Subrouter()
	apiV1.HandleFunc("/users", h.CreateUser).Methods("POST")
	apiV1.HandleFunc("/users", h.ListUsers).Methods("GET")
	apiV1.HandleFunc("/users/{telegram_id}", h.GetUser).Methods("GET")
	apiV1.HandleFunc("/users/{telegram_id}/audit", h.GetUserAudit).Methods("GET")
	apiV1.HandleFunc("/rewards", h.CreateReward).Methods("POST")
	apiV1.HandleFunc("/transactions/{id}", h.GetTransaction).Methods("GET")
	apiV1.HandleFunc("/reports/tokens", h.GetTokenReport).Methods("GET")
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	h.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"}, "GET", "/health")
}

func (h *Handler) CreateReward(w http.ResponseWriter, r *http.Request) {
	timer := prometheus.NewTimer(httpLatency.WithLabelValues("POST", "/rewards"))
	defer timer.ObserveDuration()

	var req models.RewardRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "Invalid JSON", "POST", "/rewards")
		return
	}

	// Validation
	if req.TelegramID < 1 {
		h.respondError(w, http.StatusUnprocessableEntity, "telegram_id must be positive", "POST", "/rewards")
		return
	}
	if !req.Amount.IsPositive() {
		h.respondError(w, http.StatusUnprocessableEntity, "Amount must be positive", "POST", "/rewards")
		return
	}
	if !req.Amount.Equal(req.Amount.Truncate(2)) {
		h.respondError(w, http.StatusUnprocessableEntity, "Amount allows at most 2 decimal places", "POST", "/rewards")
		return
	}
	if req.Amount.GreaterThanOrEqual(maxRewardAmount) {
		h.respondError(w, http.StatusUnprocessableEntity, "Amount allows at most 10 digits", "POST", "/rewards")
		return
	}
	if req.Reason == "" {
		h.respondError(w, http.StatusUnprocessableEntity, "Reason is required", "POST", "/rewards")
		return
	}

	tx, err := h.rewards.RewardUser(r.Context(), req.TelegramID, req.Amount, req.Reason, req.Metadata)
	if err != nil {
		var failed *service.TokenIssuanceFailed
		if errors.As(err, &failed) {
			h.respondError(w, http.StatusBadRequest, failed.Error(), "POST", "/rewards")
			return
		}
		h.log.Error("reward failed", zap.Error(err))
		h.respondError(w, http.StatusInternalServerError, "Internal Server Error", "POST", "/rewards")
		return
	}
	h.respondJSON(w, http.StatusOK, models.NewRewardResponse(tx), "POST", "/rewards")
}

func (h *Handler) CreateUser(w http.ResponseWriter, r *http.Request) {
	var req models.UserCreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "Invalid JSON", "POST", "/users")
		return
	}
	if req.TelegramID < 1 {
		h.respondError(w, http.StatusUnprocessableEntity, "telegram_id must be positive", "POST", "/users")
		return
	}

	acc, err := h.users.CreateUser(r.Context(), req.TelegramID, req.Username)
	if err != nil {
		if errors.Is(err, store.ErrUserExists) {
			h.respondError(w, http.StatusConflict, "User already exists", "POST", "/users")
			return
		}
		h.internalError(w, err, "POST", "/users")
		return
	}

	entries, err := h.users.GetEntries(r.Context(), acc.TelegramID, recentEntries)
	if err != nil {
		h.internalError(w, err, "POST", "/users")
		return
	}
	h.respondJSON(w, http.StatusCreated, models.UserDetail{
		UserSummary:  models.NewUserSummary(*acc),
		Transactions: entries,
	}, "POST", "/users")
}

func (h *Handler) ListUsers(w http.ResponseWriter, r *http.Request) {
	limit, offset, ok := pagination(r)
	if !ok {
		h.respondError(w, http.StatusUnprocessableEntity, "Invalid pagination", "GET", "/users")
		return
	}

	accounts, err := h.users.ListAccounts(r.Context(), limit, offset)
	if err != nil {
		h.internalError(w, err, "GET", "/users")
		return
	}
	out := make([]models.UserSummary, 0, len(accounts))
	for _, acc := range accounts {
		out = append(out, models.NewUserSummary(acc))
	}
	h.respondJSON(w, http.StatusOK, out, "GET", "/users")
}

func (h *Handler) GetUser(w http.ResponseWriter, r *http.Request) {
	id, ok := telegramID(r)
	if !ok {
		h.respondError(w, http.StatusBadRequest, "Invalid telegram_id", "GET", "/users/{telegram_id}")
		return
	}

	acc, err := h.users.GetAccount(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrUserNotFound) {
			h.respondError(w, http.StatusNotFound, "User not found", "GET", "/users/{telegram_id}")
			return
		}
		h.internalError(w, err, "GET", "/users/{telegram_id}")
		return
	}

	entries, err := h.users.GetEntries(r.Context(), id, recentEntries)
	if err != nil {
		h.internalError(w, err, "GET", "/users/{telegram_id}")
		return
	}
	h.respondJSON(w, http.StatusOK, models.UserDetail{
		UserSummary:  models.NewUserSummary(*acc),
		Transactions: entries,
	}, "GET", "/users/{telegram_id}")
}

func (h *Handler) GetUserAudit(w http.ResponseWriter, r *http.Request) {
	id, ok := telegramID(r)
	if !ok {
		h.respondError(w, http.StatusBadRequest, "Invalid telegram_id", "GET", "/users/{telegram_id}/audit")
		return
	}
	limit, offset, ok := pagination(r)
	if !ok {
		h.respondError(w, http.StatusUnprocessableEntity, "Invalid pagination", "GET", "/users/{telegram_id}/audit")
		return
	}

	records, err := h.audit.List(r.Context(), domain.AuditFilter{
		Recipient: &id,
		Status:    r.URL.Query().Get("status"),
		Limit:     limit,
		Offset:    offset,
	})
	if err != nil {
		h.internalError(w, err, "GET", "/users/{telegram_id}/audit")
		return
	}
	h.respondJSON(w, http.StatusOK, records, "GET", "/users/{telegram_id}/audit")
}

func (h *Handler) GetTransaction(w http.ResponseWriter, r *http.Request) {
	tx, err := h.txs.GetTransaction(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		if errors.Is(err, payout.ErrUnknownTransaction) {
			h.respondError(w, http.StatusNotFound, "Transaction not found", "GET", "/transactions/{id}")
			return
		}
		h.log.Warn("transaction lookup failed", zap.Error(err))
		h.respondError(w, http.StatusBadGateway, err.Error(), "GET", "/transactions/{id}")
		return
	}
	h.respondJSON(w, http.StatusOK, models.NewRewardResponse(tx), "GET", "/transactions/{id}")
}

func (h *Handler) GetTokenReport(w http.ResponseWriter, r *http.Request) {
	topN, err1 := queryInt(r, "top", 10)
	days, err2 := queryInt(r, "days", 7)
	if err1 != nil || err2 != nil || topN < 1 || days < 1 {
		h.respondError(w, http.StatusUnprocessableEntity, "Invalid report parameters", "GET", "/reports/tokens")
		return
	}

	report, err := h.users.TokenReport(r.Context(), topN, days)
	if err != nil {
		h.internalError(w, err, "GET", "/reports/tokens")
		return
	}
	h.respondJSON(w, http.StatusOK, report, "GET", "/reports/tokens")
}

// Helpers
func telegramID(r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(mux.Vars(r)["telegram_id"], 10, 64)
	return id, err == nil
}

func queryInt(r *http.Request, key string, def int) (int, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def, nil
	}
	return strconv.Atoi(v)
}

func pagination(r *http.Request) (limit, offset int, ok bool) {
	limit, err := queryInt(r, "limit", defaultPageSize)
	if err != nil || limit < 1 || limit > maxPageSize {
		return 0, 0, false
	}
	offset, err = queryInt(r, "offset", 0)
	if err != nil || offset < 0 {
		return 0, 0, false
	}
	return limit, offset, true
}

func (h *Handler) internalError(w http.ResponseWriter, err error, method, endpoint string) {
	h.log.Error("request failed", zap.String("endpoint", endpoint), zap.Error(err))
	h.respondError(w, http.StatusInternalServerError, "Internal Server Error", method, endpoint)
}

func (h *Handler) respondJSON(w http.ResponseWriter, code int, payload interface{}, method, endpoint string) {
	httpReqTotal.WithLabelValues(method, endpoint, strconv.Itoa(code)).Inc()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(payload)
}

func (h *Handler) respondError(w http.ResponseWriter, code int, msg, method, endpoint string) {
	h.respondJSON(w, code, models.ErrorResponse{Error: msg}, method, endpoint)
}
