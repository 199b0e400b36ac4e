package events

import "github.com/shopspring/decimal"

type TopUp struct {
	StoreID     string          `json:"store_id"`
	UserID      string          `json:"user_id"`
	Kind        string          `json:"kind"`
	Amount      decimal.Decimal `json:"amount"`
	Bonus       decimal.Decimal `json:"bonus"`
	Balance     decimal.Decimal `json:"balance"`
	ReferenceID string          `json:"reference_id,omitempty"`
	CreatorID   string          `json:"creator_id,omitempty"`
}

type Adjustment struct {
	StoreID   string          `json:"store_id"`
	UserID    string          `json:"user_id"`
	Kind      string          `json:"kind"`
	Amount    decimal.Decimal `json:"amount"`
	Balance   decimal.Decimal `json:"balance"`
	CreatorID string          `json:"creator_id"`
}

type OrderPayment struct {
	OrderID string          `json:"order_id"`
	Kind    string          `json:"kind"`
	Amount  decimal.Decimal `json:"amount"`
	Balance decimal.Decimal `json:"balance"`
}

type Merged struct {
	AnonymousUserID string `json:"anonymous_user_id"`
	UserID          string `json:"user_id"`
	WalletsMerged   int    `json:"wallets_merged"`
}
