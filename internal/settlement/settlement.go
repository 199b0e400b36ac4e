// Package settlement оплачивает заказы из кошелька клиента.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/iurnickita/storewallet/internal/balance"
	"github.com/iurnickita/storewallet/internal/model"
	"github.com/iurnickita/storewallet/internal/store"
)

// SettingsSource - настройки магазина (курс баллов, лимиты пополнения)
type SettingsSource interface {
	StoreSettings(ctx context.Context, storeID string) (model.StoreSettings, error)
}

type Outcome string

const (
	OutcomePaid        Outcome = "paid"
	OutcomeAlreadyPaid Outcome = "already_paid"
	OutcomeNeedsRefill Outcome = "needs_refill" // средств не хватает, клиенту нужно пополнить кошелек
)

type Result struct {
	Outcome   Outcome
	OrderID   string
	Kind      model.Kind
	Required  decimal.Decimal
	Balance   decimal.Decimal // баланс после оплаты или текущий при нехватке
	Shortfall decimal.Decimal
}

type Coordinator interface {
	Settle(ctx context.Context, orderID string) (Result, error)
}

type coordinator struct {
	store    store.Store
	ledger   balance.Ledger
	settings SettingsSource
	zaplog   *zap.Logger
}

func NewCoordinator(store store.Store, ledger balance.Ledger, settings SettingsSource, zaplog *zap.Logger) Coordinator {
	return &coordinator{
		store:    store,
		ledger:   ledger,
		settings: settings,
		zaplog:   zaplog,
	}
}

func (c *coordinator) Settle(ctx context.Context, orderID string) (Result, error) {
	// заказ читается без блокировки только чтобы узнать магазин и способ оплаты,
	// решение об оплате принимается ниже под блокировкой
	order, err := c.store.Order(ctx, orderID)
	if err != nil {
		return Result{}, err
	}
	strategy, err := StrategyFor(order.PaymentMethod)
	if err != nil {
		return Result{}, err
	}
	var settings model.StoreSettings
	if strategy.NeedsSettings() {
		settings, err = c.settings.StoreSettings(ctx, order.StoreID)
		if err != nil {
			return Result{}, fmt.Errorf("store %s settings: %w", order.StoreID, err)
		}
	}

	var result Result
	err = c.store.Run(ctx, func(ctx context.Context, tx store.Tx) error {
		order, err := tx.OrderForUpdate(ctx, orderID)
		if err != nil {
			return err
		}
		result = Result{OrderID: order.ID, Kind: strategy.Kind()}

		// повторная оплата (двойной клик, повтор вебхука) - не ошибка
		if order.IsPaid {
			result.Outcome = OutcomeAlreadyPaid
			return nil
		}

		required, err := strategy.Required(order, settings)
		if err != nil {
			return err
		}
		if required.IsNegative() {
			return fmt.Errorf("order %s total %s: %w", order.ID, order.Total, model.ErrInvalidAmount)
		}
		result.Required = required

		current := decimal.Zero
		wallet, err := tx.WalletForUpdate(ctx, order.Owner())
		switch {
		case err == nil:
			current = wallet.Balance(strategy.Kind())
		case !errors.Is(err, model.ErrNotFound):
			return err
		}
		if current.LessThan(required) {
			result.Outcome = OutcomeNeedsRefill
			result.Balance = current
			result.Shortfall = required.Sub(current)
			return nil
		}

		// бесплатный заказ оплачен без записи в журнале и без выручки
		if required.IsZero() {
			result.Balance = current
			result.Outcome = OutcomePaid
			return tx.SaveOrderPayment(ctx, markPaid(order))
		}

		result.Balance, err = c.ledger.Spend(ctx, tx, order.Owner(), strategy.Kind(), required, order.ID)
		if err != nil {
			return err
		}

		if err = tx.SaveOrderPayment(ctx, markPaid(order)); err != nil {
			return err
		}

		err = tx.AppendRevenue(ctx, model.RevenueEntry{
			ID:        uuid.New(),
			StoreID:   order.StoreID,
			OrderID:   order.ID,
			Amount:    order.Total,
			Type:      model.RevenueWalletPayment,
			CreatedAt: time.Now().UTC(),
		})
		if err != nil {
			return err
		}

		result.Outcome = OutcomePaid
		return nil
	})
	if err != nil {
		return Result{}, err
	}

	c.zaplog.Info("order settlement",
		zap.String("order", orderID),
		zap.String("outcome", string(result.Outcome)),
		zap.String("kind", string(result.Kind)),
		zap.String("required", result.Required.String()),
		zap.String("balance", result.Balance.String()),
	)
	return result, nil
}

func markPaid(order model.Order) model.Order {
	order.IsPaid = true
	order.PaymentStatus = model.PaymentStatusPaid
	if order.OrderStatus == model.OrderStatusPending || order.OrderStatus == "" {
		order.OrderStatus = model.OrderStatusProcessing
	}
	return order
}
