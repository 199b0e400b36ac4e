// Package balance ведет кошельки клиентов: баланс и журнал операций.
//
// Каждое изменение баланса сопровождается записью в журнале в той же транзакции,
// поэтому баланс кошелька всегда равен сумме записей журнала.
package balance

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/iurnickita/storewallet/internal/bonus"
	"github.com/iurnickita/storewallet/internal/model"
	"github.com/iurnickita/storewallet/internal/store"
)

var ErrCreatorRequired = errors.New("adjustment requires creator")

type Ledger interface {
	TopUp(ctx context.Context, tx store.Tx, req TopUpRequest) (TopUpResult, error)
	Spend(ctx context.Context, tx store.Tx, owner model.Owner, kind model.Kind, amount decimal.Decimal, referenceID string) (decimal.Decimal, error)
	Refund(ctx context.Context, tx store.Tx, owner model.Owner, kind model.Kind, amount decimal.Decimal, referenceID string) (decimal.Decimal, error)
	Adjust(ctx context.Context, tx store.Tx, req AdjustRequest) (decimal.Decimal, error)
}

type TopUpRequest struct {
	Owner       model.Owner
	Kind        model.Kind
	Amount      decimal.Decimal
	ReferenceID *string
	CreatorID   *string
	Note        string
}

type TopUpResult struct {
	Amount  decimal.Decimal
	Bonus   decimal.Decimal
	Total   decimal.Decimal // Amount + Bonus
	Balance decimal.Decimal
}

type AdjustRequest struct {
	Owner     model.Owner
	Kind      model.Kind
	Amount    decimal.Decimal // со знаком
	CreatorID string
	Note      string
}

type ledger struct {
	bonus  bonus.Evaluator
	zaplog *zap.Logger
}

func NewLedger(evaluator bonus.Evaluator, zaplog *zap.Logger) Ledger {
	return &ledger{bonus: evaluator, zaplog: zaplog}
}

func (l *ledger) TopUp(ctx context.Context, tx store.Tx, req TopUpRequest) (TopUpResult, error) {
	if !req.Amount.IsPositive() {
		return TopUpResult{}, fmt.Errorf("top-up %s: %w", req.Amount, model.ErrInvalidAmount)
	}

	wallet, err := tx.EnsureWalletForUpdate(ctx, req.Owner)
	if err != nil {
		return TopUpResult{}, err
	}
	before := wallet.Balance(req.Kind)

	bonusAmount, err := l.bonus.Evaluate(ctx, tx, req.Owner.StoreID, req.Amount)
	if err != nil {
		return TopUpResult{}, fmt.Errorf("evaluate bonus: %w", err)
	}
	total := req.Amount.Add(bonusAmount)

	persisted, err := l.apply(ctx, tx, req.Owner, req.Kind, before, total, deref(req.ReferenceID))
	if err != nil {
		return TopUpResult{}, err
	}

	// пополнение и бонус - отдельные записи, у каждой свой остаток
	afterTopUp := before.Add(req.Amount)
	entry := newEntry(req.Owner, req.Kind, model.EntryTopup, req.Amount, afterTopUp, req.ReferenceID, req.CreatorID, req.Note)
	if err = tx.AppendEntry(ctx, entry); err != nil {
		return TopUpResult{}, err
	}
	if bonusAmount.IsPositive() {
		entry = newEntry(req.Owner, req.Kind, model.EntryBonus, bonusAmount, persisted, req.ReferenceID, req.CreatorID, req.Note)
		if err = tx.AppendEntry(ctx, entry); err != nil {
			return TopUpResult{}, err
		}
	}

	return TopUpResult{
		Amount:  req.Amount,
		Bonus:   bonusAmount,
		Total:   total,
		Balance: persisted,
	}, nil
}

func (l *ledger) Spend(ctx context.Context, tx store.Tx, owner model.Owner, kind model.Kind, amount decimal.Decimal, referenceID string) (decimal.Decimal, error) {
	if !amount.IsPositive() {
		return decimal.Zero, fmt.Errorf("spend %s: %w", amount, model.ErrInvalidAmount)
	}

	// списание кошелек не создает: нет кошелька - нет средств
	wallet, err := tx.WalletForUpdate(ctx, owner)
	if errors.Is(err, model.ErrNotFound) {
		return decimal.Zero, fmt.Errorf("spend %s from empty wallet: %w", amount, model.ErrInsufficientBalance)
	}
	if err != nil {
		return decimal.Zero, err
	}
	before := wallet.Balance(kind)
	if before.LessThan(amount) {
		return decimal.Zero, fmt.Errorf("spend %s, balance %s: %w", amount, before, model.ErrInsufficientBalance)
	}

	persisted, err := l.apply(ctx, tx, owner, kind, before, amount.Neg(), referenceID)
	if err != nil {
		return decimal.Zero, err
	}

	entry := newEntry(owner, kind, model.EntrySpend, amount.Neg(), persisted, &referenceID, nil, "")
	if err = tx.AppendEntry(ctx, entry); err != nil {
		return decimal.Zero, err
	}
	return persisted, nil
}

func (l *ledger) Refund(ctx context.Context, tx store.Tx, owner model.Owner, kind model.Kind, amount decimal.Decimal, referenceID string) (decimal.Decimal, error) {
	if !amount.IsPositive() {
		return decimal.Zero, fmt.Errorf("refund %s: %w", amount, model.ErrInvalidAmount)
	}

	wallet, err := tx.EnsureWalletForUpdate(ctx, owner)
	if err != nil {
		return decimal.Zero, err
	}
	before := wallet.Balance(kind)

	persisted, err := l.apply(ctx, tx, owner, kind, before, amount, referenceID)
	if err != nil {
		return decimal.Zero, err
	}

	entry := newEntry(owner, kind, model.EntryRefund, amount, persisted, &referenceID, nil, "")
	if err = tx.AppendEntry(ctx, entry); err != nil {
		return decimal.Zero, err
	}
	return persisted, nil
}

func (l *ledger) Adjust(ctx context.Context, tx store.Tx, req AdjustRequest) (decimal.Decimal, error) {
	if req.Amount.IsZero() {
		return decimal.Zero, fmt.Errorf("adjustment %s: %w", req.Amount, model.ErrInvalidAmount)
	}
	if req.CreatorID == "" {
		return decimal.Zero, ErrCreatorRequired
	}

	wallet, err := tx.EnsureWalletForUpdate(ctx, req.Owner)
	if err != nil {
		return decimal.Zero, err
	}
	before := wallet.Balance(req.Kind)
	if before.Add(req.Amount).IsNegative() {
		return decimal.Zero, fmt.Errorf("adjustment %s, balance %s: %w", req.Amount, before, model.ErrInsufficientBalance)
	}

	persisted, err := l.apply(ctx, tx, req.Owner, req.Kind, before, req.Amount, "")
	if err != nil {
		return decimal.Zero, err
	}

	creator := req.CreatorID
	entry := newEntry(req.Owner, req.Kind, model.EntryAdjustment, req.Amount, persisted, nil, &creator, req.Note)
	if err = tx.AppendEntry(ctx, entry); err != nil {
		return decimal.Zero, err
	}
	return persisted, nil
}

// apply изменяет баланс и сверяет сохраненное значение с ожидаемым
func (l *ledger) apply(ctx context.Context, tx store.Tx, owner model.Owner, kind model.Kind, before decimal.Decimal, delta decimal.Decimal, referenceID string) (decimal.Decimal, error) {
	persisted, err := tx.AddBalance(ctx, owner, kind, delta)
	if err != nil {
		return decimal.Zero, err
	}

	if !persisted.Equal(before.Add(delta)) {
		cerr := &model.ConsistencyError{
			Owner:       owner,
			Kind:        kind,
			Before:      before,
			Delta:       delta,
			Persisted:   persisted,
			ReferenceID: referenceID,
		}
		l.zaplog.Error("ledger consistency check failed",
			zap.String("store", owner.StoreID),
			zap.String("user", owner.UserID),
			zap.String("kind", string(kind)),
			zap.String("before", before.String()),
			zap.String("delta", delta.String()),
			zap.String("expected", cerr.Expected().String()),
			zap.String("persisted", persisted.String()),
			zap.String("reference", referenceID),
		)
		return decimal.Zero, cerr
	}
	return persisted, nil
}

func newEntry(owner model.Owner, kind model.Kind, entryType model.EntryType, amount decimal.Decimal, balanceAfter decimal.Decimal, referenceID *string, creatorID *string, note string) model.LedgerEntry {
	return model.LedgerEntry{
		ID:           uuid.New(),
		Owner:        owner,
		Kind:         kind,
		Amount:       amount,
		BalanceAfter: balanceAfter,
		Type:         entryType,
		ReferenceID:  referenceID,
		CreatorID:    creatorID,
		Note:         note,
		CreatedAt:    time.Now().UTC(),
	}
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
