package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/iurnickita/storewallet/internal/balance"
	"github.com/iurnickita/storewallet/internal/bonus"
	"github.com/iurnickita/storewallet/internal/events"
	"github.com/iurnickita/storewallet/internal/merge"
	"github.com/iurnickita/storewallet/internal/model"
	"github.com/iurnickita/storewallet/internal/refund"
	"github.com/iurnickita/storewallet/internal/service/config"
	"github.com/iurnickita/storewallet/internal/settlement"
	"github.com/iurnickita/storewallet/internal/store"
)

type Service interface {
	GetWallet(ctx context.Context, owner model.Owner) (model.Wallet, error)
	GetEntries(ctx context.Context, owner model.Owner, kind model.Kind) ([]model.LedgerEntry, error)
	TopUp(ctx context.Context, req TopUpRequest) (balance.TopUpResult, error)
	Adjust(ctx context.Context, req balance.AdjustRequest) (decimal.Decimal, error)
	Settle(ctx context.Context, userID string, orderID string) (settlement.Result, error)
	Refund(ctx context.Context, userID string, orderID string) (refund.Result, error)
	Merge(ctx context.Context, anonymousUserID string, newUserID string) (merge.Result, error)
	// Authorize проверяет, что userID - владелец или сотрудник магазина
	Authorize(ctx context.Context, userID string, storeID string) error

	// Настройка магазина оператором
	PutStoreSettings(ctx context.Context, settings model.StoreSettings) error
	PutBonusRule(ctx context.Context, rule model.BonusRule) (model.BonusRule, error)
	PutOrder(ctx context.Context, order model.Order) (model.Order, error)
}

var (
	ErrInsufficientData = errors.New("insufficient data")
	ErrForbidden        = errors.New("forbidden")
	ErrAlreadyExists    = errors.New("already exists")
)

// TopUpRequest - пополнение после подтверждения платежа.
// Пустой CreatorID - пополнение самим клиентом, к нему применяются лимиты магазина.
type TopUpRequest struct {
	Owner       model.Owner
	Kind        model.Kind
	Amount      decimal.Decimal
	ReferenceID string
	CreatorID   string
	Note        string
}

type service struct {
	cfg       config.Config
	store     store.Store
	settings  settlement.SettingsSource
	ledger    balance.Ledger
	settle    settlement.Coordinator
	refund    refund.Processor
	merge     merge.Service
	publisher events.Publisher
	zaplog    *zap.Logger
}

func NewService(cfg config.Config, store store.Store, settings settlement.SettingsSource, publisher events.Publisher, zaplog *zap.Logger) Service {
	ledger := balance.NewLedger(bonus.NewEvaluator(), zaplog)

	service := service{
		cfg:       cfg,
		store:     store,
		settings:  settings,
		ledger:    ledger,
		settle:    settlement.NewCoordinator(store, ledger, settings, zaplog),
		refund:    refund.NewProcessor(store, ledger, zaplog),
		merge:     merge.NewService(store, zaplog),
		publisher: publisher,
		zaplog:    zaplog,
	}

	return &service
}

func (service *service) GetWallet(ctx context.Context, owner model.Owner) (model.Wallet, error) {
	if owner.StoreID == "" || owner.UserID == "" {
		return model.Wallet{}, ErrInsufficientData
	}

	wallet, err := service.store.Wallet(ctx, owner)
	if errors.Is(err, model.ErrNotFound) {
		// кошелька еще нет - балансы нулевые
		return model.Wallet{Owner: owner}, nil
	}
	return wallet, err
}

func (service *service) GetEntries(ctx context.Context, owner model.Owner, kind model.Kind) ([]model.LedgerEntry, error) {
	if owner.StoreID == "" || owner.UserID == "" {
		return nil, ErrInsufficientData
	}
	if !kind.Valid() {
		return nil, ErrInsufficientData
	}

	return service.store.Entries(ctx, owner, kind)
}

func (service *service) TopUp(ctx context.Context, req TopUpRequest) (balance.TopUpResult, error) {
	if req.Owner.StoreID == "" || req.Owner.UserID == "" {
		return balance.TopUpResult{}, ErrInsufficientData
	}
	if !req.Kind.Valid() {
		return balance.TopUpResult{}, ErrInsufficientData
	}
	if req.CreatorID == "" {
		if err := service.checkLimits(ctx, req.Owner.StoreID, req.Amount); err != nil {
			return balance.TopUpResult{}, err
		}
	}

	ledgerReq := balance.TopUpRequest{
		Owner:  req.Owner,
		Kind:   req.Kind,
		Amount: req.Amount,
		Note:   req.Note,
	}
	if req.ReferenceID != "" {
		ledgerReq.ReferenceID = &req.ReferenceID
	}
	if req.CreatorID != "" {
		ledgerReq.CreatorID = &req.CreatorID
	}

	var result balance.TopUpResult
	err := service.store.Run(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		result, err = service.ledger.TopUp(ctx, tx, ledgerReq)
		return err
	})
	if err != nil {
		return balance.TopUpResult{}, err
	}

	service.publish(ctx, events.KeyTopUp, events.TopUp{
		StoreID:     req.Owner.StoreID,
		UserID:      req.Owner.UserID,
		Kind:        string(req.Kind),
		Amount:      result.Amount,
		Bonus:       result.Bonus,
		Balance:     result.Balance,
		ReferenceID: req.ReferenceID,
		CreatorID:   req.CreatorID,
	})
	return result, nil
}

// checkLimits - лимиты разового пополнения из настроек магазина.
// Нет настроек или нулевой лимит - ограничения нет.
func (service *service) checkLimits(ctx context.Context, storeID string, amount decimal.Decimal) error {
	settings, err := service.settings.StoreSettings(ctx, storeID)
	if errors.Is(err, model.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("store %s settings: %w", storeID, err)
	}

	if settings.CreditMinPurchase.IsPositive() && amount.LessThan(settings.CreditMinPurchase) {
		return fmt.Errorf("%w: below minimum %s", model.ErrInvalidAmount, settings.CreditMinPurchase)
	}
	if settings.CreditMaxPurchase.IsPositive() && amount.GreaterThan(settings.CreditMaxPurchase) {
		return fmt.Errorf("%w: above maximum %s", model.ErrInvalidAmount, settings.CreditMaxPurchase)
	}
	return nil
}

func (service *service) Adjust(ctx context.Context, req balance.AdjustRequest) (decimal.Decimal, error) {
	if req.Owner.StoreID == "" || req.Owner.UserID == "" {
		return decimal.Zero, ErrInsufficientData
	}
	if !req.Kind.Valid() {
		return decimal.Zero, ErrInsufficientData
	}

	var balanceAfter decimal.Decimal
	err := service.store.Run(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		balanceAfter, err = service.ledger.Adjust(ctx, tx, req)
		return err
	})
	if err != nil {
		return decimal.Zero, err
	}

	service.publish(ctx, events.KeyAdjustment, events.Adjustment{
		StoreID:   req.Owner.StoreID,
		UserID:    req.Owner.UserID,
		Kind:      string(req.Kind),
		Amount:    req.Amount,
		Balance:   balanceAfter,
		CreatorID: req.CreatorID,
	})
	return balanceAfter, nil
}

func (service *service) Settle(ctx context.Context, userID string, orderID string) (settlement.Result, error) {
	if userID == "" || orderID == "" {
		return settlement.Result{}, ErrInsufficientData
	}
	if err := service.checkOrderOwner(ctx, userID, orderID); err != nil {
		return settlement.Result{}, err
	}

	result, err := service.settle.Settle(ctx, orderID)
	if err != nil {
		return settlement.Result{}, err
	}

	if result.Outcome == settlement.OutcomePaid {
		service.publish(ctx, events.KeySettled, events.OrderPayment{
			OrderID: orderID,
			Kind:    string(result.Kind),
			Amount:  result.Required,
			Balance: result.Balance,
		})
	}
	return result, nil
}

func (service *service) Refund(ctx context.Context, userID string, orderID string) (refund.Result, error) {
	if userID == "" || orderID == "" {
		return refund.Result{}, ErrInsufficientData
	}
	if err := service.checkOrderOwner(ctx, userID, orderID); err != nil {
		return refund.Result{}, err
	}

	result, err := service.refund.Refund(ctx, orderID)
	if err != nil {
		return refund.Result{}, err
	}

	if result.Outcome == refund.OutcomeRefunded {
		service.publish(ctx, events.KeyRefunded, events.OrderPayment{
			OrderID: orderID,
			Kind:    string(result.Kind),
			Amount:  result.Amount,
			Balance: result.Balance,
		})
	}
	return result, nil
}

// checkOrderOwner - чужой заказ не раскрывается, возвращается ErrNotFound
func (service *service) checkOrderOwner(ctx context.Context, userID string, orderID string) error {
	order, err := service.store.Order(ctx, orderID)
	if err != nil {
		return err
	}
	if order.UserID != userID {
		return fmt.Errorf("order %s: %w", orderID, model.ErrNotFound)
	}
	return nil
}

func (service *service) Merge(ctx context.Context, anonymousUserID string, newUserID string) (merge.Result, error) {
	result, err := service.merge.Merge(ctx, anonymousUserID, newUserID)
	if err != nil {
		if errors.Is(err, merge.ErrInsufficientData) {
			return merge.Result{}, ErrInsufficientData
		}
		return merge.Result{}, err
	}

	if !result.Empty() {
		service.publish(ctx, events.KeyMerged, events.Merged{
			AnonymousUserID: anonymousUserID,
			UserID:          newUserID,
			WalletsMerged:   result.WalletsMerged,
		})
	}
	return result, nil
}

func (service *service) Authorize(ctx context.Context, userID string, storeID string) error {
	if userID == "" || storeID == "" {
		return ErrInsufficientData
	}

	member, err := service.store.Member(ctx, userID, storeID)
	if errors.Is(err, model.ErrNotFound) {
		return ErrForbidden
	}
	if err != nil {
		return err
	}
	if member.Role != model.RoleOwner && member.Role != model.RoleStaff {
		return ErrForbidden
	}
	return nil
}

func (service *service) PutStoreSettings(ctx context.Context, settings model.StoreSettings) error {
	if settings.StoreID == "" {
		return ErrInsufficientData
	}
	if settings.CreditExchangeRate.IsNegative() || settings.CreditMinPurchase.IsNegative() || settings.CreditMaxPurchase.IsNegative() {
		return fmt.Errorf("%w: negative store setting", model.ErrInvalidAmount)
	}
	if settings.CreditMaxPurchase.IsPositive() && settings.CreditMinPurchase.GreaterThan(settings.CreditMaxPurchase) {
		return fmt.Errorf("%w: minimum %s above maximum %s", model.ErrInvalidAmount, settings.CreditMinPurchase, settings.CreditMaxPurchase)
	}

	return service.store.PutStoreSettings(ctx, settings)
}

func (service *service) PutBonusRule(ctx context.Context, rule model.BonusRule) (model.BonusRule, error) {
	if rule.StoreID == "" {
		return model.BonusRule{}, ErrInsufficientData
	}
	if !rule.Threshold.IsPositive() || rule.Bonus.IsNegative() {
		return model.BonusRule{}, fmt.Errorf("%w: threshold %s, bonus %s", model.ErrInvalidAmount, rule.Threshold, rule.Bonus)
	}

	return service.store.PutBonusRule(ctx, rule)
}

// PutOrder регистрирует заказ к оплате из кошелька. Оплаченный заказ не меняется.
func (service *service) PutOrder(ctx context.Context, order model.Order) (model.Order, error) {
	if order.ID == "" || order.StoreID == "" || order.UserID == "" {
		return model.Order{}, ErrInsufficientData
	}
	if order.Total.IsNegative() {
		return model.Order{}, fmt.Errorf("order total %s: %w", order.Total, model.ErrInvalidAmount)
	}
	method, err := model.ParsePaymentMethod(string(order.PaymentMethod))
	if err != nil {
		return model.Order{}, fmt.Errorf("%w: %v", ErrInsufficientData, err)
	}
	order.PaymentMethod = method

	existing, err := service.store.Order(ctx, order.ID)
	switch {
	case err == nil:
		if existing.StoreID != order.StoreID {
			return model.Order{}, ErrForbidden
		}
		if existing.IsPaid {
			return model.Order{}, fmt.Errorf("order %s is paid: %w", order.ID, ErrAlreadyExists)
		}
		order.PaymentStatus = existing.PaymentStatus
		order.OrderStatus = existing.OrderStatus
	case errors.Is(err, model.ErrNotFound):
		order.PaymentStatus = model.PaymentStatusPending
		order.OrderStatus = model.OrderStatusPending
	default:
		return model.Order{}, err
	}
	order.IsPaid = false
	order.RefundAmount = nil

	if err = service.store.PutOrder(ctx, order); err != nil {
		return model.Order{}, err
	}
	return order, nil
}

// publish - событие уже зафиксированного изменения, ошибка только логируется
func (service *service) publish(ctx context.Context, routingKey string, body any) {
	if err := service.publisher.Publish(ctx, routingKey, body); err != nil {
		service.zaplog.Error("publish event failed",
			zap.String("routing_key", routingKey),
			zap.Error(err),
		)
	}
}
