package store

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/iurnickita/storewallet/internal/model"
	"github.com/iurnickita/storewallet/internal/store/config"
)

// Store - хранилище кошельков, журналов и связанных с ними данных.
// Все изменения выполняются через Run одной транзакцией.
type Store interface {
	// Run открывает транзакцию, выполняет fn и фиксирует результат.
	// Любая ошибка или паника в fn отменяет транзакцию целиком.
	Run(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error

	Wallet(ctx context.Context, owner model.Owner) (model.Wallet, error)
	Entries(ctx context.Context, owner model.Owner, kind model.Kind) ([]model.LedgerEntry, error)
	Order(ctx context.Context, orderID string) (model.Order, error)
	StoreSettings(ctx context.Context, storeID string) (model.StoreSettings, error)
	Member(ctx context.Context, userID string, storeID string) (model.Membership, error)

	PutStoreSettings(ctx context.Context, settings model.StoreSettings) error
	PutBonusRule(ctx context.Context, rule model.BonusRule) (model.BonusRule, error)
	PutOrder(ctx context.Context, order model.Order) error

	Close()
}

// Tx - операции внутри транзакции.
// Методы ...ForUpdate блокируют прочитанные строки до конца транзакции.
type Tx interface {
	WalletForUpdate(ctx context.Context, owner model.Owner) (model.Wallet, error)
	// EnsureWalletForUpdate создает пустой кошелек, если его еще нет
	EnsureWalletForUpdate(ctx context.Context, owner model.Owner) (model.Wallet, error)
	WalletsByUserForUpdate(ctx context.Context, userID string) ([]model.Wallet, error)
	// AddBalance изменяет баланс на delta и возвращает сохраненное значение
	AddBalance(ctx context.Context, owner model.Owner, kind model.Kind, delta decimal.Decimal) (decimal.Decimal, error)
	DeleteWallet(ctx context.Context, owner model.Owner) error

	AppendEntry(ctx context.Context, entry model.LedgerEntry) error
	LastEntry(ctx context.Context, owner model.Owner, kind model.Kind, entryType model.EntryType, referenceID string) (model.LedgerEntry, error)

	ActiveBonusRules(ctx context.Context, storeID string) ([]model.BonusRule, error)
	StoreSettings(ctx context.Context, storeID string) (model.StoreSettings, error)

	OrderForUpdate(ctx context.Context, orderID string) (model.Order, error)
	SaveOrderPayment(ctx context.Context, order model.Order) error
	AppendRevenue(ctx context.Context, entry model.RevenueEntry) error
	LastRevenue(ctx context.Context, orderID string, revenueType model.RevenueType) (model.RevenueEntry, error)

	// Reassign переносит строки таблицы reference с владельца from на to
	Reassign(ctx context.Context, reference model.Reference, from string, to string) (int64, error)
	OrderStores(ctx context.Context, userID string) ([]string, error)
	// EnsureMembership возвращает true, если участие было создано
	EnsureMembership(ctx context.Context, membership model.Membership) (bool, error)
}

// Таблицы
const (
	TableWallets      = "wallets"
	TablePointLedger  = "point_ledger"
	TableFiatLedger   = "fiat_ledger"
	TableBonusRules   = "bonus_rules"
	TableSettings     = "store_settings"
	TableOrders       = "orders"
	TableRevenue      = "store_revenue"
	TableMembers      = "store_members"
	TableReservations = "reservations"
	TableAddresses    = "addresses"
)

// LedgerTable - таблица журнала для вида баланса
func LedgerTable(kind model.Kind) string {
	if kind == model.KindFiat {
		return TableFiatLedger
	}
	return TablePointLedger
}

// NewStore возвращает postgres-хранилище или хранилище в памяти, если DSN не задан
func NewStore(cfg config.Config) (Store, error) {
	if cfg.DBDsn == "" {
		return NewMemory(), nil
	}
	return NewPostgres(context.Background(), cfg.DBDsn)
}
