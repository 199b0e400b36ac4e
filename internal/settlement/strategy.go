package settlement

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/iurnickita/storewallet/internal/model"
)

// Strategy - оплата заказа из кошелька определенного вида
type Strategy interface {
	Kind() model.Kind
	// Required - сколько списать с кошелька за заказ
	Required(order model.Order, settings model.StoreSettings) (decimal.Decimal, error)
	// NeedsSettings - нужны ли настройки магазина
	NeedsSettings() bool
}

var strategies = map[model.PaymentMethod]Strategy{
	model.PaymentCreditPoint: pointStrategy{},
	model.PaymentCredit:      fiatStrategy{},
}

// StrategyFor возвращает стратегию оплаты из кошелька.
// Для способов оплаты вне кошелька (наличные, карта) - ErrUnsupportedMethod.
func StrategyFor(method model.PaymentMethod) (Strategy, error) {
	s, ok := strategies[method]
	if !ok {
		return nil, fmt.Errorf("%w: %q is not a wallet payment", model.ErrUnsupportedMethod, method)
	}
	return s, nil
}

// Оплата баллами: сумма заказа переводится в баллы по курсу магазина

type pointStrategy struct{}

func (pointStrategy) Kind() model.Kind { return model.KindPoint }

func (pointStrategy) NeedsSettings() bool { return true }

func (pointStrategy) Required(order model.Order, settings model.StoreSettings) (decimal.Decimal, error) {
	if !settings.CreditExchangeRate.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: store %s exchange rate %s", model.ErrConfiguration, order.StoreID, settings.CreditExchangeRate)
	}
	return order.Total.Div(settings.CreditExchangeRate), nil
}

// Оплата денежным кошельком: один к одному

type fiatStrategy struct{}

func (fiatStrategy) Kind() model.Kind { return model.KindFiat }

func (fiatStrategy) NeedsSettings() bool { return false }

func (fiatStrategy) Required(order model.Order, _ model.StoreSettings) (decimal.Decimal, error) {
	return order.Total, nil
}

// StrategyForKind возвращает стратегию по виду кошелька
func StrategyForKind(kind model.Kind) (Strategy, error) {
	switch kind {
	case model.KindPoint:
		return pointStrategy{}, nil
	case model.KindFiat:
		return fiatStrategy{}, nil
	}
	return nil, fmt.Errorf("%w: wallet kind %q", model.ErrUnsupportedMethod, kind)
}
