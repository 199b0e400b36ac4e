// Package refund возвращает в кошелек клиента средства, списанные за заказ.
package refund

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
	"github.com/iurnickita/storewallet/internal/settlement"
	"github.com/iurnickita/storewallet/internal/store"
)

type Outcome string

const (
	OutcomeRefunded        Outcome = "refunded"
	OutcomeAlreadyRefunded Outcome = "already_refunded"
	OutcomeNothingToRefund Outcome = "nothing_to_refund" // заказ не оплачивался из кошелька
)

type Result struct {
	Outcome Outcome
	OrderID string
	Kind    model.Kind
	Amount  decimal.Decimal
	Balance decimal.Decimal
}

type Processor interface {
	// Refund выбирает кошелек по способу оплаты заказа
	Refund(ctx context.Context, orderID string) (Result, error)
	RefundPoint(ctx context.Context, orderID string) (Result, error)
	RefundFiat(ctx context.Context, orderID string) (Result, error)
}

type processor struct {
	store  store.Store
	ledger balance.Ledger
	zaplog *zap.Logger
}

func NewProcessor(store store.Store, ledger balance.Ledger, zaplog *zap.Logger) Processor {
	return &processor{
		store:  store,
		ledger: ledger,
		zaplog: zaplog,
	}
}

func (p *processor) Refund(ctx context.Context, orderID string) (Result, error) {
	order, err := p.store.Order(ctx, orderID)
	if err != nil {
		return Result{}, err
	}
	strategy, err := settlement.StrategyFor(order.PaymentMethod)
	if err != nil {
		// наличные и карты возвращаются не через кошелек
		if errors.Is(err, model.ErrUnsupportedMethod) {
			return Result{Outcome: OutcomeNothingToRefund, OrderID: orderID}, nil
		}
		return Result{}, err
	}
	return p.refund(ctx, order, strategy)
}

func (p *processor) RefundPoint(ctx context.Context, orderID string) (Result, error) {
	return p.refundKind(ctx, orderID, model.KindPoint)
}

func (p *processor) RefundFiat(ctx context.Context, orderID string) (Result, error) {
	return p.refundKind(ctx, orderID, model.KindFiat)
}

func (p *processor) refundKind(ctx context.Context, orderID string, kind model.Kind) (Result, error) {
	order, err := p.store.Order(ctx, orderID)
	if err != nil {
		return Result{}, err
	}
	strategy, err := settlement.StrategyForKind(kind)
	if err != nil {
		return Result{}, err
	}
	return p.refund(ctx, order, strategy)
}

func (p *processor) refund(ctx context.Context, order model.Order, strategy settlement.Strategy) (Result, error) {
	result := Result{OrderID: order.ID, Kind: strategy.Kind()}
	err := p.store.Run(ctx, func(ctx context.Context, tx store.Tx) error {
		order, err := tx.OrderForUpdate(ctx, order.ID)
		if err != nil {
			return err
		}

		spend, err := tx.LastEntry(ctx, order.Owner(), strategy.Kind(), model.EntrySpend, order.ID)
		if errors.Is(err, model.ErrNotFound) {
			result.Outcome = OutcomeNothingToRefund
			return nil
		}
		if err != nil {
			return err
		}

		// проверка под блокировкой заказа: повторный возврат ничего не меняет
		if order.OrderStatus == model.OrderStatusRefunded {
			result.Outcome = OutcomeAlreadyRefunded
			if order.RefundAmount != nil {
				result.Amount = *order.RefundAmount
			}
			return nil
		}

		amount := spend.Amount.Abs()
		result.Balance, err = p.ledger.Refund(ctx, tx, order.Owner(), strategy.Kind(), amount, order.ID)
		if err != nil {
			return err
		}

		// сторнируется ровно та выручка, что была учтена при оплате,
		// курс баллов мог измениться с тех пор
		payment, err := tx.LastRevenue(ctx, order.ID, model.RevenueWalletPayment)
		if err != nil {
			return fmt.Errorf("order %s payment revenue: %w", order.ID, err)
		}
		err = tx.AppendRevenue(ctx, model.RevenueEntry{
			ID:        uuid.New(),
			StoreID:   order.StoreID,
			OrderID:   order.ID,
			Amount:    payment.Amount.Neg(),
			Type:      model.RevenueRefund,
			CreatedAt: time.Now().UTC(),
		})
		if err != nil {
			return err
		}

		order.OrderStatus = model.OrderStatusRefunded
		order.PaymentStatus = model.PaymentStatusRefunded
		order.RefundAmount = &amount
		if err = tx.SaveOrderPayment(ctx, order); err != nil {
			return err
		}

		result.Outcome = OutcomeRefunded
		result.Amount = amount
		return nil
	})
	if err != nil {
		return Result{}, err
	}

	p.zaplog.Info("order refund",
		zap.String("order", order.ID),
		zap.String("outcome", string(result.Outcome)),
		zap.String("kind", string(result.Kind)),
		zap.String("amount", result.Amount.String()),
	)
	return result, nil
}
