package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/iurnickita/storewallet/internal/auth"
	"github.com/iurnickita/storewallet/internal/balance"
	"github.com/iurnickita/storewallet/internal/handler/config"
	"github.com/iurnickita/storewallet/internal/idempotency"
	"github.com/iurnickita/storewallet/internal/logger"
	"github.com/iurnickita/storewallet/internal/merge"
	"github.com/iurnickita/storewallet/internal/model"
	"github.com/iurnickita/storewallet/internal/service"
	"github.com/iurnickita/storewallet/internal/settlement"
	"github.com/iurnickita/storewallet/internal/token"
)

// Serve запускает HTTP-сервер. idem == nil - без кэша ответов по Idempotency-Key
func Serve(cfg config.Config, auth auth.Auth, service service.Service, idem idempotency.Repository, zaplog *zap.Logger) error {
	h := newHandler(auth, service, idem, cfg.IdempotencyTTL, zaplog)
	router := h.newRouter()

	srv := &http.Server{
		Addr:              cfg.ServerAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return srv.ListenAndServe()
}

type handler struct {
	auth    auth.Auth
	service service.Service
	idem    idempotency.Repository
	idemTTL time.Duration
	zaplog  *zap.Logger
}

func newHandler(auth auth.Auth, service service.Service, idem idempotency.Repository, idemTTL time.Duration, zaplog *zap.Logger) *handler {
	return &handler{
		auth:    auth,
		service: service,
		idem:    idem,
		idemTTL: idemTTL,
		zaplog:  zaplog,
	}
}

func (h *handler) newRouter() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(logger.RequestLogMdlw(h.zaplog))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	r.Route("/api", func(r chi.Router) {
		r.Use(h.auth.Middleware)
		if h.idem != nil {
			r.Use(h.idempotent)
		}

		r.Get("/stores/{storeID}/wallet", h.GetWallet)
		r.Get("/stores/{storeID}/wallet/{kind}/entries", h.GetEntries)
		r.Post("/stores/{storeID}/wallet/{kind}/topup", h.PostTopUp)

		r.Route("/admin/stores/{storeID}", func(r chi.Router) {
			r.Use(h.operator)
			r.Post("/wallets/{userID}/{kind}/topup", h.PostOperatorTopUp)
			r.Post("/wallets/{userID}/{kind}/adjust", h.PostAdjust)
			r.Put("/credit-settings", h.PutCreditSettings)
			r.Post("/bonus-rules", h.PostBonusRule)
			r.Put("/bonus-rules/{ruleID}", h.PutBonusRule)
			r.Post("/orders", h.PostOrder)
		})

		r.Post("/orders/{orderID}/settle", h.PostSettle)
		r.Post("/orders/{orderID}/refund", h.PostRefund)
		r.Post("/user/merge", h.PostMerge)
	})

	return r
}

// idempotent - кэш ответов только для изменяющих запросов
func (h *handler) idempotent(next http.Handler) http.Handler {
	cached := idempotency.Middleware(h.idem, h.idemTTL, h.zaplog)(next)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			cached.ServeHTTP(w, r)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// operator пропускает только владельцев и сотрудников магазина
func (h *handler) operator(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		err := h.service.Authorize(r.Context(), auth.UserCode(r.Context()), chi.URLParam(r, "storeID"))
		if err != nil {
			h.writeError(w, err)
			return
		}
		next.ServeHTTP(w, r)
	})
}

type WalletJSONResponse struct {
	StoreID   string          `json:"store_id"`
	Point     decimal.Decimal `json:"point"`
	Fiat      decimal.Decimal `json:"fiat"`
	UpdatedAt *time.Time      `json:"updated_at,omitempty"`
}

func (h *handler) GetWallet(w http.ResponseWriter, r *http.Request) {
	owner := model.Owner{StoreID: chi.URLParam(r, "storeID"), UserID: auth.UserCode(r.Context())}

	wallet, err := h.service.GetWallet(r.Context(), owner)
	if err != nil {
		h.writeError(w, err)
		return
	}

	resp := WalletJSONResponse{StoreID: owner.StoreID, Point: wallet.Point, Fiat: wallet.Fiat}
	if !wallet.UpdatedAt.IsZero() {
		resp.UpdatedAt = &wallet.UpdatedAt
	}
	h.writeJSON(w, http.StatusOK, resp)
}

type EntryJSONResponse struct {
	ID           string          `json:"id"`
	Type         string          `json:"type"`
	Amount       decimal.Decimal `json:"amount"`
	BalanceAfter decimal.Decimal `json:"balance_after"`
	ReferenceID  *string         `json:"reference_id,omitempty"`
	CreatorID    *string         `json:"creator_id,omitempty"`
	Note         string          `json:"note,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
}

func (h *handler) GetEntries(w http.ResponseWriter, r *http.Request) {
	owner := model.Owner{StoreID: chi.URLParam(r, "storeID"), UserID: auth.UserCode(r.Context())}
	kind := model.Kind(chi.URLParam(r, "kind"))

	entries, err := h.service.GetEntries(r.Context(), owner, kind)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if len(entries) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	entriesJSON := make([]EntryJSONResponse, 0, len(entries))
	for _, e := range entries {
		entriesJSON = append(entriesJSON, EntryJSONResponse{
			ID:           e.ID.String(),
			Type:         string(e.Type),
			Amount:       e.Amount,
			BalanceAfter: e.BalanceAfter,
			ReferenceID:  e.ReferenceID,
			CreatorID:    e.CreatorID,
			Note:         e.Note,
			CreatedAt:    e.CreatedAt,
		})
	}
	h.writeJSON(w, http.StatusOK, entriesJSON)
}

type TopUpJSONRequest struct {
	Amount      decimal.Decimal `json:"amount"`
	ReferenceID string          `json:"reference_id"`
	Note        string          `json:"note"`
}

type TopUpJSONResponse struct {
	Amount  decimal.Decimal `json:"amount"`
	Bonus   decimal.Decimal `json:"bonus"`
	Total   decimal.Decimal `json:"total"`
	Balance decimal.Decimal `json:"balance"`
}

func (h *handler) PostTopUp(w http.ResponseWriter, r *http.Request) {
	var req TopUpJSONRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	h.topUp(w, r, service.TopUpRequest{
		Owner:       model.Owner{StoreID: chi.URLParam(r, "storeID"), UserID: auth.UserCode(r.Context())},
		Kind:        model.Kind(chi.URLParam(r, "kind")),
		Amount:      req.Amount,
		ReferenceID: req.ReferenceID,
		Note:        req.Note,
	})
}

func (h *handler) PostOperatorTopUp(w http.ResponseWriter, r *http.Request) {
	var req TopUpJSONRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	h.topUp(w, r, service.TopUpRequest{
		Owner:       model.Owner{StoreID: chi.URLParam(r, "storeID"), UserID: chi.URLParam(r, "userID")},
		Kind:        model.Kind(chi.URLParam(r, "kind")),
		Amount:      req.Amount,
		ReferenceID: req.ReferenceID,
		CreatorID:   auth.UserCode(r.Context()),
		Note:        req.Note,
	})
}

func (h *handler) topUp(w http.ResponseWriter, r *http.Request, req service.TopUpRequest) {
	result, err := h.service.TopUp(r.Context(), req)
	if err != nil {
		h.writeError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, TopUpJSONResponse{
		Amount:  result.Amount,
		Bonus:   result.Bonus,
		Total:   result.Total,
		Balance: result.Balance,
	})
}

type AdjustJSONRequest struct {
	Amount decimal.Decimal `json:"amount"`
	Note   string          `json:"note"`
}

type AdjustJSONResponse struct {
	Balance decimal.Decimal `json:"balance"`
}

func (h *handler) PostAdjust(w http.ResponseWriter, r *http.Request) {
	var req AdjustJSONRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	balanceAfter, err := h.service.Adjust(r.Context(), balance.AdjustRequest{
		Owner:     model.Owner{StoreID: chi.URLParam(r, "storeID"), UserID: chi.URLParam(r, "userID")},
		Kind:      model.Kind(chi.URLParam(r, "kind")),
		Amount:    req.Amount,
		CreatorID: auth.UserCode(r.Context()),
		Note:      req.Note,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, AdjustJSONResponse{Balance: balanceAfter})
}

type CreditSettingsJSON struct {
	CreditExchangeRate decimal.Decimal `json:"credit_exchange_rate"`
	CreditMinPurchase  decimal.Decimal `json:"credit_min_purchase"`
	CreditMaxPurchase  decimal.Decimal `json:"credit_max_purchase"`
}

func (h *handler) PutCreditSettings(w http.ResponseWriter, r *http.Request) {
	var req CreditSettingsJSON
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	err := h.service.PutStoreSettings(r.Context(), model.StoreSettings{
		StoreID:            chi.URLParam(r, "storeID"),
		CreditExchangeRate: req.CreditExchangeRate,
		CreditMinPurchase:  req.CreditMinPurchase,
		CreditMaxPurchase:  req.CreditMaxPurchase,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, req)
}

type BonusRuleJSON struct {
	ID        int64           `json:"id"`
	Threshold decimal.Decimal `json:"threshold"`
	Bonus     decimal.Decimal `json:"bonus"`
	IsActive  bool            `json:"is_active"`
}

func (h *handler) PostBonusRule(w http.ResponseWriter, r *http.Request) {
	h.putBonusRule(w, r, 0, http.StatusCreated)
}

func (h *handler) PutBonusRule(w http.ResponseWriter, r *http.Request) {
	ruleID, err := strconv.ParseInt(chi.URLParam(r, "ruleID"), 10, 64)
	if err != nil || ruleID <= 0 {
		http.Error(w, "invalid rule id", http.StatusBadRequest)
		return
	}
	h.putBonusRule(w, r, ruleID, http.StatusOK)
}

func (h *handler) putBonusRule(w http.ResponseWriter, r *http.Request, ruleID int64, code int) {
	var req BonusRuleJSON
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	rule, err := h.service.PutBonusRule(r.Context(), model.BonusRule{
		ID:        ruleID,
		StoreID:   chi.URLParam(r, "storeID"),
		Threshold: req.Threshold,
		Bonus:     req.Bonus,
		IsActive:  req.IsActive,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, code, BonusRuleJSON{
		ID:        rule.ID,
		Threshold: rule.Threshold,
		Bonus:     rule.Bonus,
		IsActive:  rule.IsActive,
	})
}

type OrderJSONRequest struct {
	ID            string          `json:"id"`
	UserID        string          `json:"user_id"`
	Total         decimal.Decimal `json:"total"`
	Currency      string          `json:"currency"`
	PaymentMethod string          `json:"payment_method"`
}

type OrderJSONResponse struct {
	ID            string          `json:"id"`
	UserID        string          `json:"user_id"`
	Total         decimal.Decimal `json:"total"`
	PaymentMethod string          `json:"payment_method"`
	PaymentStatus string          `json:"payment_status"`
	OrderStatus   string          `json:"order_status"`
}

func (h *handler) PostOrder(w http.ResponseWriter, r *http.Request) {
	var req OrderJSONRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	order, err := h.service.PutOrder(r.Context(), model.Order{
		ID:            req.ID,
		StoreID:       chi.URLParam(r, "storeID"),
		UserID:        req.UserID,
		Total:         req.Total,
		Currency:      req.Currency,
		PaymentMethod: model.PaymentMethod(req.PaymentMethod),
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, OrderJSONResponse{
		ID:            order.ID,
		UserID:        order.UserID,
		Total:         order.Total,
		PaymentMethod: string(order.PaymentMethod),
		PaymentStatus: string(order.PaymentStatus),
		OrderStatus:   string(order.OrderStatus),
	})
}

type SettleJSONResponse struct {
	Outcome   string          `json:"outcome"`
	OrderID   string          `json:"order_id"`
	Kind      string          `json:"kind,omitempty"`
	Required  decimal.Decimal `json:"required"`
	Balance   decimal.Decimal `json:"balance"`
	Shortfall decimal.Decimal `json:"shortfall"`
}

func (h *handler) PostSettle(w http.ResponseWriter, r *http.Request) {
	result, err := h.service.Settle(r.Context(), auth.UserCode(r.Context()), chi.URLParam(r, "orderID"))
	if err != nil {
		h.writeError(w, err)
		return
	}

	code := http.StatusOK
	if result.Outcome == settlement.OutcomeNeedsRefill {
		code = http.StatusPaymentRequired
	}
	h.writeJSON(w, code, SettleJSONResponse{
		Outcome:   string(result.Outcome),
		OrderID:   result.OrderID,
		Kind:      string(result.Kind),
		Required:  result.Required,
		Balance:   result.Balance,
		Shortfall: result.Shortfall,
	})
}

type RefundJSONResponse struct {
	Outcome string          `json:"outcome"`
	OrderID string          `json:"order_id"`
	Kind    string          `json:"kind,omitempty"`
	Amount  decimal.Decimal `json:"amount"`
	Balance decimal.Decimal `json:"balance"`
}

func (h *handler) PostRefund(w http.ResponseWriter, r *http.Request) {
	result, err := h.service.Refund(r.Context(), auth.UserCode(r.Context()), chi.URLParam(r, "orderID"))
	if err != nil {
		h.writeError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, RefundJSONResponse{
		Outcome: string(result.Outcome),
		OrderID: result.OrderID,
		Kind:    string(result.Kind),
		Amount:  result.Amount,
		Balance: result.Balance,
	})
}

type MergeJSONRequest struct {
	AnonymousToken string `json:"anonymousToken"`
}

type MergeJSONResponse struct {
	Reassigned         map[string]int64 `json:"reassigned"`
	WalletsMerged      int              `json:"wallets_merged"`
	MembershipsCreated int              `json:"memberships_created"`
}

func (h *handler) PostMerge(w http.ResponseWriter, r *http.Request) {
	var req MergeJSONRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	// анонимная сессия подтверждается своим токеном
	claims, err := h.auth.Token().Parse(req.AnonymousToken)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if !claims.Anonymous {
		http.Error(w, token.ErrInvalidToken.Error(), http.StatusBadRequest)
		return
	}

	result, err := h.service.Merge(r.Context(), claims.UserCode, auth.UserCode(r.Context()))
	if err != nil {
		h.writeError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, MergeJSONResponse{
		Reassigned:         result.Reassigned,
		WalletsMerged:      result.WalletsMerged,
		MembershipsCreated: result.MembershipsCreated,
	})
}

func (h *handler) writeJSON(w http.ResponseWriter, code int, body any) {
	responseJSON, err := json.Marshal(body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(responseJSON)
}

func (h *handler) writeError(w http.ResponseWriter, err error) {
	var consistency *model.ConsistencyError
	switch {
	case errors.Is(err, service.ErrInsufficientData),
		errors.Is(err, merge.ErrSameUser),
		errors.Is(err, balance.ErrCreatorRequired),
		errors.Is(err, model.ErrInvalidAmount):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, service.ErrForbidden):
		http.Error(w, err.Error(), http.StatusForbidden)
	case errors.Is(err, model.ErrInsufficientBalance):
		http.Error(w, err.Error(), http.StatusPaymentRequired)
	case errors.Is(err, model.ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, model.ErrConfiguration),
		errors.Is(err, service.ErrAlreadyExists):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.As(err, &consistency):
		// подробности расхождения уже в логе, клиенту не отдаются
		http.Error(w, "internal error", http.StatusInternalServerError)
	default:
		h.zaplog.Error("request failed", zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}
