package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Кошелек

// Owner - владелец кошелька. Кошелек ведется отдельно в каждом магазине.
type Owner struct {
	StoreID string
	UserID  string
}

// Kind - вид баланса: баллы или деньги
type Kind string

const (
	KindPoint Kind = "point"
	KindFiat  Kind = "fiat"
)

func (k Kind) Valid() bool {
	return k == KindPoint || k == KindFiat
}

type Wallet struct {
	Owner     Owner
	Point     decimal.Decimal
	Fiat      decimal.Decimal
	UpdatedAt time.Time
}

// Balance возвращает баланс указанного вида
func (w Wallet) Balance(kind Kind) decimal.Decimal {
	if kind == KindFiat {
		return w.Fiat
	}
	return w.Point
}

// Журнал операций

type EntryType string

const (
	EntryTopup      EntryType = "Topup"
	EntrySpend      EntryType = "Spend"
	EntryRefund     EntryType = "Refund"
	EntryBonus      EntryType = "Bonus"
	EntryAdjustment EntryType = "Adjustment"
	EntryHold       EntryType = "Hold"
)

// LedgerEntry - неизменяемая запись журнала.
// Amount > 0 - зачисление клиенту, Amount < 0 - списание.
type LedgerEntry struct {
	ID           uuid.UUID
	Owner        Owner
	Kind         Kind
	Amount       decimal.Decimal
	BalanceAfter decimal.Decimal
	Type         EntryType
	ReferenceID  *string
	CreatorID    *string // nil - операция клиента
	Note         string
	CreatedAt    time.Time
}

// Бонусы

type BonusRule struct {
	ID        int64
	StoreID   string
	Threshold decimal.Decimal
	Bonus     decimal.Decimal
	IsActive  bool
}

// Заказы

type PaymentStatus string

const (
	PaymentStatusPending  PaymentStatus = "Pending"
	PaymentStatusPaid     PaymentStatus = "Paid"
	PaymentStatusRefunded PaymentStatus = "Refunded"
)

type OrderStatus string

const (
	OrderStatusPending    OrderStatus = "Pending"
	OrderStatusProcessing OrderStatus = "Processing"
	OrderStatusCompleted  OrderStatus = "Completed"
	OrderStatusCancelled  OrderStatus = "Cancelled"
	OrderStatusRefunded   OrderStatus = "Refunded"
)

type Order struct {
	ID            string
	StoreID       string
	UserID        string
	Total         decimal.Decimal
	Currency      string
	IsPaid        bool
	PaymentStatus PaymentStatus
	OrderStatus   OrderStatus
	PaymentMethod PaymentMethod
	RefundAmount  *decimal.Decimal
}

func (o Order) Owner() Owner {
	return Owner{StoreID: o.StoreID, UserID: o.UserID}
}

// Настройки магазина

type StoreSettings struct {
	StoreID            string
	CreditExchangeRate decimal.Decimal // денежных единиц за один балл
	CreditMinPurchase  decimal.Decimal
	CreditMaxPurchase  decimal.Decimal
}

// Выручка магазина

type RevenueType string

const (
	RevenueWalletPayment RevenueType = "WalletPayment"
	RevenueRefund        RevenueType = "Refund"
)

type RevenueEntry struct {
	ID        uuid.UUID
	StoreID   string
	OrderID   string
	Amount    decimal.Decimal
	Type      RevenueType
	CreatedAt time.Time
}

// Участники магазина

type Role string

const (
	RoleOwner    Role = "owner"
	RoleStaff    Role = "staff"
	RoleCustomer Role = "customer"
)

type Membership struct {
	UserID         string
	OrganizationID string
	Role           Role
}

// Reference - ссылка на владельца в чужой таблице, переносимая при слиянии аккаунтов.
// DedupeBy - колонка уникальности вместе с владельцем: строки, которые у нового владельца
// уже есть, не переносятся, а удаляются.
type Reference struct {
	Table    string
	Column   string
	DedupeBy string
}
