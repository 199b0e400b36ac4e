package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/iurnickita/storewallet/internal/model"
)

var schema = []string{
	// Кошельки. Баланс - производная от журналов, обновляется в той же транзакции
	"CREATE TABLE IF NOT EXISTS wallets (" +
		" store_id VARCHAR (64) NOT NULL," +
		" user_id VARCHAR (64) NOT NULL," +
		" point_balance NUMERIC NOT NULL DEFAULT 0," +
		" fiat_balance NUMERIC NOT NULL DEFAULT 0," +
		" updated_at TIMESTAMPTZ NOT NULL DEFAULT now()," +
		" PRIMARY KEY (store_id, user_id)" +
		" );",
	// Журналы баллов и денег. Записи только добавляются
	ledgerSchema(TablePointLedger),
	ledgerSchema(TableFiatLedger),
	"CREATE TABLE IF NOT EXISTS bonus_rules (" +
		" id BIGSERIAL PRIMARY KEY," +
		" store_id VARCHAR (64) NOT NULL," +
		" threshold NUMERIC NOT NULL," +
		" bonus NUMERIC NOT NULL," +
		" is_active BOOLEAN NOT NULL DEFAULT TRUE" +
		" );",
	"CREATE TABLE IF NOT EXISTS store_settings (" +
		" store_id VARCHAR (64) PRIMARY KEY," +
		" credit_exchange_rate NUMERIC NOT NULL DEFAULT 0," +
		" credit_min_purchase NUMERIC NOT NULL DEFAULT 0," +
		" credit_max_purchase NUMERIC NOT NULL DEFAULT 0" +
		" );",
	"CREATE TABLE IF NOT EXISTS orders (" +
		" id VARCHAR (64) PRIMARY KEY," +
		" store_id VARCHAR (64) NOT NULL," +
		" user_id VARCHAR (64) NOT NULL," +
		" total NUMERIC NOT NULL," +
		" currency VARCHAR (3) NOT NULL DEFAULT ''," +
		" is_paid BOOLEAN NOT NULL DEFAULT FALSE," +
		" payment_status VARCHAR (16) NOT NULL," +
		" order_status VARCHAR (16) NOT NULL," +
		" payment_method VARCHAR (16) NOT NULL," +
		" refund_amount NUMERIC" +
		" );",
	"CREATE TABLE IF NOT EXISTS store_revenue (" +
		" seq BIGSERIAL PRIMARY KEY," +
		" id UUID NOT NULL UNIQUE," +
		" store_id VARCHAR (64) NOT NULL," +
		" order_id VARCHAR (64) NOT NULL," +
		" amount NUMERIC NOT NULL," +
		" type VARCHAR (16) NOT NULL," +
		" created_at TIMESTAMPTZ NOT NULL" +
		" );",
	"CREATE TABLE IF NOT EXISTS store_members (" +
		" user_id VARCHAR (64) NOT NULL," +
		" organization_id VARCHAR (64) NOT NULL," +
		" role VARCHAR (16) NOT NULL," +
		" PRIMARY KEY (user_id, organization_id)" +
		" );",
	"CREATE TABLE IF NOT EXISTS reservations (" +
		" id VARCHAR (64) PRIMARY KEY," +
		" user_id VARCHAR (64) NOT NULL" +
		" );",
	"CREATE TABLE IF NOT EXISTS addresses (" +
		" id VARCHAR (64) PRIMARY KEY," +
		" user_id VARCHAR (64) NOT NULL" +
		" );",
}

func ledgerSchema(table string) string {
	return "CREATE TABLE IF NOT EXISTS " + table + " (" +
		" seq BIGSERIAL PRIMARY KEY," +
		" id UUID NOT NULL UNIQUE," +
		" store_id VARCHAR (64) NOT NULL," +
		" user_id VARCHAR (64) NOT NULL," +
		" amount NUMERIC NOT NULL," +
		" balance_after NUMERIC NOT NULL," +
		" type VARCHAR (16) NOT NULL," +
		" reference_id VARCHAR (64)," +
		" creator_id VARCHAR (64)," +
		" note TEXT NOT NULL DEFAULT ''," +
		" created_at TIMESTAMPTZ NOT NULL" +
		" );"
}

type postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres подключается к базе и создает недостающие таблицы
func NewPostgres(ctx context.Context, dsn string) (Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}
	if err = pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	for _, stmt := range schema {
		if _, err = pool.Exec(ctx, stmt); err != nil {
			pool.Close()
			return nil, fmt.Errorf("create schema: %w", err)
		}
	}

	return &postgres{pool: pool}, nil
}

func (s *postgres) Close() {
	s.pool.Close()
}

func (s *postgres) Run(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	// после Commit откат ничего не делает
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	if err = fn(ctx, &pgTx{tx: tx}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// querier - общее у пула и транзакции
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (s *postgres) Wallet(ctx context.Context, owner model.Owner) (model.Wallet, error) {
	return selectWallet(ctx, s.pool, owner, "")
}

func (s *postgres) Entries(ctx context.Context, owner model.Owner, kind model.Kind) ([]model.LedgerEntry, error) {
	rows, err := s.pool.Query(ctx,
		"SELECT "+entryColumns+
			" FROM "+LedgerTable(kind)+
			" WHERE store_id = $1"+
			"   AND user_id = $2"+
			" ORDER BY seq",
		owner.StoreID,
		owner.UserID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []model.LedgerEntry
	for rows.Next() {
		entry, err := scanEntry(rows, kind)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

func (s *postgres) Order(ctx context.Context, orderID string) (model.Order, error) {
	return selectOrder(ctx, s.pool, orderID, "")
}

func (s *postgres) StoreSettings(ctx context.Context, storeID string) (model.StoreSettings, error) {
	return selectSettings(ctx, s.pool, storeID)
}

func (s *postgres) Member(ctx context.Context, userID string, storeID string) (model.Membership, error) {
	var mb model.Membership
	var role string
	err := s.pool.QueryRow(ctx,
		"SELECT user_id, organization_id, role"+
			" FROM store_members"+
			" WHERE user_id = $1"+
			"   AND organization_id = $2",
		userID,
		storeID).Scan(&mb.UserID, &mb.OrganizationID, &role)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Membership{}, fmt.Errorf("member %s of %s: %w", userID, storeID, model.ErrNotFound)
	}
	if err != nil {
		return model.Membership{}, err
	}
	mb.Role = model.Role(role)
	return mb, nil
}

func (s *postgres) PutStoreSettings(ctx context.Context, settings model.StoreSettings) error {
	_, err := s.pool.Exec(ctx,
		"INSERT INTO store_settings (store_id, credit_exchange_rate, credit_min_purchase, credit_max_purchase)"+
			" VALUES ($1, $2, $3, $4)"+
			" ON CONFLICT (store_id) DO UPDATE"+
			" SET credit_exchange_rate = EXCLUDED.credit_exchange_rate,"+
			"     credit_min_purchase = EXCLUDED.credit_min_purchase,"+
			"     credit_max_purchase = EXCLUDED.credit_max_purchase",
		settings.StoreID,
		settings.CreditExchangeRate,
		settings.CreditMinPurchase,
		settings.CreditMaxPurchase)
	return err
}

func (s *postgres) PutBonusRule(ctx context.Context, rule model.BonusRule) (model.BonusRule, error) {
	if rule.ID == 0 {
		err := s.pool.QueryRow(ctx,
			"INSERT INTO bonus_rules (store_id, threshold, bonus, is_active)"+
				" VALUES ($1, $2, $3, $4)"+
				" RETURNING id",
			rule.StoreID,
			rule.Threshold,
			rule.Bonus,
			rule.IsActive).Scan(&rule.ID)
		return rule, err
	}

	tag, err := s.pool.Exec(ctx,
		"UPDATE bonus_rules"+
			" SET threshold = $1, bonus = $2, is_active = $3"+
			" WHERE id = $4"+
			"   AND store_id = $5",
		rule.Threshold,
		rule.Bonus,
		rule.IsActive,
		rule.ID,
		rule.StoreID)
	if err != nil {
		return model.BonusRule{}, err
	}
	if tag.RowsAffected() == 0 {
		return model.BonusRule{}, fmt.Errorf("bonus rule %d: %w", rule.ID, model.ErrNotFound)
	}
	return rule, nil
}

func (s *postgres) PutOrder(ctx context.Context, order model.Order) error {
	_, err := s.pool.Exec(ctx,
		"INSERT INTO orders (id, store_id, user_id, total, currency, is_paid, payment_status, order_status, payment_method, refund_amount)"+
			" VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)"+
			" ON CONFLICT (id) DO UPDATE"+
			" SET store_id = EXCLUDED.store_id,"+
			"     user_id = EXCLUDED.user_id,"+
			"     total = EXCLUDED.total,"+
			"     currency = EXCLUDED.currency,"+
			"     payment_method = EXCLUDED.payment_method",
		order.ID,
		order.StoreID,
		order.UserID,
		order.Total,
		order.Currency,
		order.IsPaid,
		string(order.PaymentStatus),
		string(order.OrderStatus),
		string(order.PaymentMethod),
		nullDecimal(order.RefundAmount))
	return err
}

// Транзакция

type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) WalletForUpdate(ctx context.Context, owner model.Owner) (model.Wallet, error) {
	return selectWallet(ctx, t.tx, owner, " FOR UPDATE")
}

func (t *pgTx) EnsureWalletForUpdate(ctx context.Context, owner model.Owner) (model.Wallet, error) {
	_, err := t.tx.Exec(ctx,
		"INSERT INTO wallets (store_id, user_id)"+
			" VALUES ($1, $2)"+
			" ON CONFLICT (store_id, user_id) DO NOTHING",
		owner.StoreID,
		owner.UserID)
	if err != nil {
		return model.Wallet{}, err
	}
	return selectWallet(ctx, t.tx, owner, " FOR UPDATE")
}

func (t *pgTx) WalletsByUserForUpdate(ctx context.Context, userID string) ([]model.Wallet, error) {
	rows, err := t.tx.Query(ctx,
		"SELECT store_id, user_id, point_balance, fiat_balance, updated_at"+
			" FROM wallets"+
			" WHERE user_id = $1"+
			" ORDER BY store_id"+
			" FOR UPDATE",
		userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var wallets []model.Wallet
	for rows.Next() {
		var w model.Wallet
		err = rows.Scan(&w.Owner.StoreID,
			&w.Owner.UserID,
			&w.Point,
			&w.Fiat,
			&w.UpdatedAt)
		if err != nil {
			return nil, err
		}
		wallets = append(wallets, w)
	}
	return wallets, rows.Err()
}

func (t *pgTx) AddBalance(ctx context.Context, owner model.Owner, kind model.Kind, delta decimal.Decimal) (decimal.Decimal, error) {
	column := "point_balance"
	if kind == model.KindFiat {
		column = "fiat_balance"
	}

	var persisted decimal.Decimal
	err := t.tx.QueryRow(ctx,
		"UPDATE wallets"+
			" SET "+column+" = "+column+" + $3,"+
			"     updated_at = now()"+
			" WHERE store_id = $1"+
			"   AND user_id = $2"+
			" RETURNING "+column,
		owner.StoreID,
		owner.UserID,
		delta).Scan(&persisted)
	if errors.Is(err, pgx.ErrNoRows) {
		return decimal.Zero, fmt.Errorf("wallet %s/%s: %w", owner.StoreID, owner.UserID, model.ErrNotFound)
	}
	return persisted, err
}

func (t *pgTx) DeleteWallet(ctx context.Context, owner model.Owner) error {
	_, err := t.tx.Exec(ctx,
		"DELETE FROM wallets"+
			" WHERE store_id = $1"+
			"   AND user_id = $2",
		owner.StoreID,
		owner.UserID)
	return err
}

func (t *pgTx) AppendEntry(ctx context.Context, entry model.LedgerEntry) error {
	_, err := t.tx.Exec(ctx,
		"INSERT INTO "+LedgerTable(entry.Kind)+
			" (id, store_id, user_id, amount, balance_after, type, reference_id, creator_id, note, created_at)"+
			" VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)",
		entry.ID,
		entry.Owner.StoreID,
		entry.Owner.UserID,
		entry.Amount,
		entry.BalanceAfter,
		string(entry.Type),
		entry.ReferenceID,
		entry.CreatorID,
		entry.Note,
		entry.CreatedAt)
	return err
}

func (t *pgTx) LastEntry(ctx context.Context, owner model.Owner, kind model.Kind, entryType model.EntryType, referenceID string) (model.LedgerEntry, error) {
	row := t.tx.QueryRow(ctx,
		"SELECT "+entryColumns+
			" FROM "+LedgerTable(kind)+
			" WHERE store_id = $1"+
			"   AND user_id = $2"+
			"   AND type = $3"+
			"   AND reference_id = $4"+
			" ORDER BY seq DESC"+
			" LIMIT 1",
		owner.StoreID,
		owner.UserID,
		string(entryType),
		referenceID)
	entry, err := scanEntry(row, kind)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.LedgerEntry{}, model.ErrNotFound
	}
	return entry, err
}

func (t *pgTx) ActiveBonusRules(ctx context.Context, storeID string) ([]model.BonusRule, error) {
	rows, err := t.tx.Query(ctx,
		"SELECT id, store_id, threshold, bonus, is_active"+
			" FROM bonus_rules"+
			" WHERE store_id = $1"+
			"   AND is_active"+
			" ORDER BY threshold DESC, id",
		storeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rules []model.BonusRule
	for rows.Next() {
		var r model.BonusRule
		if err = rows.Scan(&r.ID, &r.StoreID, &r.Threshold, &r.Bonus, &r.IsActive); err != nil {
			return nil, err
		}
		rules = append(rules, r)
	}
	return rules, rows.Err()
}

func (t *pgTx) StoreSettings(ctx context.Context, storeID string) (model.StoreSettings, error) {
	return selectSettings(ctx, t.tx, storeID)
}

func (t *pgTx) OrderForUpdate(ctx context.Context, orderID string) (model.Order, error) {
	return selectOrder(ctx, t.tx, orderID, " FOR UPDATE")
}

func (t *pgTx) SaveOrderPayment(ctx context.Context, order model.Order) error {
	tag, err := t.tx.Exec(ctx,
		"UPDATE orders"+
			" SET is_paid = $1,"+
			"     payment_status = $2,"+
			"     order_status = $3,"+
			"     refund_amount = $4"+
			" WHERE id = $5",
		order.IsPaid,
		string(order.PaymentStatus),
		string(order.OrderStatus),
		nullDecimal(order.RefundAmount),
		order.ID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("order %s: %w", order.ID, model.ErrNotFound)
	}
	return nil
}

func (t *pgTx) AppendRevenue(ctx context.Context, entry model.RevenueEntry) error {
	_, err := t.tx.Exec(ctx,
		"INSERT INTO store_revenue (id, store_id, order_id, amount, type, created_at)"+
			" VALUES ($1, $2, $3, $4, $5, $6)",
		entry.ID,
		entry.StoreID,
		entry.OrderID,
		entry.Amount,
		string(entry.Type),
		entry.CreatedAt)
	return err
}

func (t *pgTx) LastRevenue(ctx context.Context, orderID string, revenueType model.RevenueType) (model.RevenueEntry, error) {
	var (
		r           model.RevenueEntry
		revenueKind string
	)
	err := t.tx.QueryRow(ctx,
		"SELECT id, store_id, order_id, amount, type, created_at"+
			" FROM store_revenue"+
			" WHERE order_id = $1"+
			"   AND type = $2"+
			" ORDER BY seq DESC"+
			" LIMIT 1",
		orderID,
		string(revenueType)).Scan(&r.ID,
		&r.StoreID,
		&r.OrderID,
		&r.Amount,
		&revenueKind,
		&r.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.RevenueEntry{}, fmt.Errorf("order %s revenue %s: %w", orderID, revenueType, model.ErrNotFound)
	}
	if err != nil {
		return model.RevenueEntry{}, err
	}
	r.Type = model.RevenueType(revenueKind)
	return r, nil
}

func (t *pgTx) Reassign(ctx context.Context, reference model.Reference, from string, to string) (int64, error) {
	table := pgx.Identifier{reference.Table}.Sanitize()
	column := pgx.Identifier{reference.Column}.Sanitize()

	if reference.DedupeBy == "" {
		tag, err := t.tx.Exec(ctx,
			"UPDATE "+table+
				" SET "+column+" = $2"+
				" WHERE "+column+" = $1",
			from,
			to)
		if err != nil {
			return 0, fmt.Errorf("reassign %s.%s: %w", reference.Table, reference.Column, err)
		}
		return tag.RowsAffected(), nil
	}

	// строки, которые у нового владельца уже есть, удаляются
	dedupe := pgx.Identifier{reference.DedupeBy}.Sanitize()
	tag, err := t.tx.Exec(ctx,
		"UPDATE "+table+" AS t"+
			" SET "+column+" = $2"+
			" WHERE t."+column+" = $1"+
			"   AND NOT EXISTS (SELECT 1 FROM "+table+" AS d"+
			"                    WHERE d."+column+" = $2"+
			"                      AND d."+dedupe+" = t."+dedupe+")",
		from,
		to)
	if err != nil {
		return 0, fmt.Errorf("reassign %s.%s: %w", reference.Table, reference.Column, err)
	}
	_, err = t.tx.Exec(ctx,
		"DELETE FROM "+table+
			" WHERE "+column+" = $1",
		from)
	if err != nil {
		return 0, fmt.Errorf("reassign %s.%s: %w", reference.Table, reference.Column, err)
	}
	return tag.RowsAffected(), nil
}

func (t *pgTx) OrderStores(ctx context.Context, userID string) ([]string, error) {
	rows, err := t.tx.Query(ctx,
		"SELECT DISTINCT store_id"+
			" FROM orders"+
			" WHERE user_id = $1"+
			" ORDER BY store_id",
		userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var stores []string
	for rows.Next() {
		var storeID string
		if err = rows.Scan(&storeID); err != nil {
			return nil, err
		}
		stores = append(stores, storeID)
	}
	return stores, rows.Err()
}

func (t *pgTx) EnsureMembership(ctx context.Context, membership model.Membership) (bool, error) {
	tag, err := t.tx.Exec(ctx,
		"INSERT INTO store_members (user_id, organization_id, role)"+
			" VALUES ($1, $2, $3)"+
			" ON CONFLICT (user_id, organization_id) DO NOTHING",
		membership.UserID,
		membership.OrganizationID,
		string(membership.Role))
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// Общие запросы

func selectWallet(ctx context.Context, q querier, owner model.Owner, lock string) (model.Wallet, error) {
	var w model.Wallet
	err := q.QueryRow(ctx,
		"SELECT store_id, user_id, point_balance, fiat_balance, updated_at"+
			" FROM wallets"+
			" WHERE store_id = $1"+
			"   AND user_id = $2"+lock,
		owner.StoreID,
		owner.UserID).Scan(&w.Owner.StoreID,
		&w.Owner.UserID,
		&w.Point,
		&w.Fiat,
		&w.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Wallet{}, fmt.Errorf("wallet %s/%s: %w", owner.StoreID, owner.UserID, model.ErrNotFound)
	}
	return w, err
}

func selectOrder(ctx context.Context, q querier, orderID string, lock string) (model.Order, error) {
	var (
		o             model.Order
		paymentStatus string
		orderStatus   string
		paymentMethod string
		refundAmount  decimal.NullDecimal
	)
	err := q.QueryRow(ctx,
		"SELECT id, store_id, user_id, total, currency, is_paid, payment_status, order_status, payment_method, refund_amount"+
			" FROM orders"+
			" WHERE id = $1"+lock,
		orderID).Scan(&o.ID,
		&o.StoreID,
		&o.UserID,
		&o.Total,
		&o.Currency,
		&o.IsPaid,
		&paymentStatus,
		&orderStatus,
		&paymentMethod,
		&refundAmount)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Order{}, fmt.Errorf("order %s: %w", orderID, model.ErrNotFound)
	}
	if err != nil {
		return model.Order{}, err
	}

	o.PaymentStatus = model.PaymentStatus(paymentStatus)
	o.OrderStatus = model.OrderStatus(orderStatus)
	o.PaymentMethod = model.PaymentMethod(paymentMethod)
	if refundAmount.Valid {
		o.RefundAmount = &refundAmount.Decimal
	}
	return o, nil
}

func selectSettings(ctx context.Context, q querier, storeID string) (model.StoreSettings, error) {
	var s model.StoreSettings
	err := q.QueryRow(ctx,
		"SELECT store_id, credit_exchange_rate, credit_min_purchase, credit_max_purchase"+
			" FROM store_settings"+
			" WHERE store_id = $1",
		storeID).Scan(&s.StoreID,
		&s.CreditExchangeRate,
		&s.CreditMinPurchase,
		&s.CreditMaxPurchase)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.StoreSettings{}, fmt.Errorf("store %s settings: %w", storeID, model.ErrNotFound)
	}
	return s, err
}

const entryColumns = "id, store_id, user_id, amount, balance_after, type, reference_id, creator_id, note, created_at"

func scanEntry(row pgx.Row, kind model.Kind) (model.LedgerEntry, error) {
	var (
		e         model.LedgerEntry
		entryType string
		createdAt time.Time
	)
	err := row.Scan(&e.ID,
		&e.Owner.StoreID,
		&e.Owner.UserID,
		&e.Amount,
		&e.BalanceAfter,
		&entryType,
		&e.ReferenceID,
		&e.CreatorID,
		&e.Note,
		&createdAt)
	if err != nil {
		return model.LedgerEntry{}, err
	}
	e.Kind = kind
	e.Type = model.EntryType(entryType)
	e.CreatedAt = createdAt
	return e, nil
}

func nullDecimal(d *decimal.Decimal) decimal.NullDecimal {
	if d == nil {
		return decimal.NullDecimal{}
	}
	return decimal.NullDecimal{Decimal: *d, Valid: true}
}
