package model

import "fmt"

// PaymentMethod - способ оплаты заказа
type PaymentMethod string

const (
	PaymentCredit      PaymentMethod = "credit"      // денежный кошелек
	PaymentCreditPoint PaymentMethod = "creditPoint" // баллы
	PaymentCash        PaymentMethod = "cash"
	PaymentStripe      PaymentMethod = "stripe"
)

var paymentMethods = map[PaymentMethod]struct{}{
	PaymentCredit:      {},
	PaymentCreditPoint: {},
	PaymentCash:        {},
	PaymentStripe:      {},
}

// ParsePaymentMethod переводит строковый признак способа оплаты в PaymentMethod
func ParsePaymentMethod(s string) (PaymentMethod, error) {
	m := PaymentMethod(s)
	if _, ok := paymentMethods[m]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnsupportedMethod, s)
	}
	return m, nil
}
