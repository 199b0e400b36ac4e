package model

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

var (
	ErrInvalidAmount       = errors.New("invalid amount")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrConfiguration       = errors.New("store configuration error")
	ErrUnsupportedMethod   = fmt.Errorf("%w: unsupported payment method", ErrConfiguration)
	ErrNotFound            = errors.New("not found")
)

// ConsistencyError - сохраненный баланс не совпал с ожидаемым.
// Признак ошибки в логике или потерянного обновления, транзакция отменяется.
type ConsistencyError struct {
	Owner       Owner
	Kind        Kind
	Before      decimal.Decimal
	Delta       decimal.Decimal
	Persisted   decimal.Decimal
	ReferenceID string
}

func (e *ConsistencyError) Expected() decimal.Decimal {
	return e.Before.Add(e.Delta)
}

func (e *ConsistencyError) Error() string {
	return fmt.Sprintf("ledger consistency: %s/%s %s balance %s, delta %s, expected %s, persisted %s",
		e.Owner.StoreID, e.Owner.UserID, e.Kind, e.Before, e.Delta, e.Expected(), e.Persisted)
}
