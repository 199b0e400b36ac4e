package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/iurnickita/storewallet/internal/model"
)

// Memory - хранилище в памяти для разработки и тестов.
// Транзакции выполняются по одной: Run работает с копией состояния
// и подменяет им состояние только при успешном завершении fn.
type Memory struct {
	mu    sync.Mutex
	state *memState
}

type memState struct {
	wallets  map[model.Owner]model.Wallet
	entries  map[model.Kind][]model.LedgerEntry
	rules    []model.BonusRule
	settings map[string]model.StoreSettings
	orders   map[string]model.Order
	revenue  []model.RevenueEntry
	members  []model.Membership
	owned    map[string]map[string]string // таблица -> id строки -> владелец
	ruleSeq  int64
}

func NewMemory() *Memory {
	return &Memory{state: &memState{
		wallets:  make(map[model.Owner]model.Wallet),
		entries:  make(map[model.Kind][]model.LedgerEntry),
		settings: make(map[string]model.StoreSettings),
		orders:   make(map[string]model.Order),
		owned:    make(map[string]map[string]string),
	}}
}

func (st *memState) clone() *memState {
	c := &memState{
		wallets:  make(map[model.Owner]model.Wallet, len(st.wallets)),
		entries:  make(map[model.Kind][]model.LedgerEntry, len(st.entries)),
		rules:    append([]model.BonusRule(nil), st.rules...),
		settings: make(map[string]model.StoreSettings, len(st.settings)),
		orders:   make(map[string]model.Order, len(st.orders)),
		revenue:  append([]model.RevenueEntry(nil), st.revenue...),
		members:  append([]model.Membership(nil), st.members...),
		owned:    make(map[string]map[string]string, len(st.owned)),
		ruleSeq:  st.ruleSeq,
	}
	for k, v := range st.wallets {
		c.wallets[k] = v
	}
	for k, v := range st.entries {
		c.entries[k] = append([]model.LedgerEntry(nil), v...)
	}
	for k, v := range st.settings {
		c.settings[k] = v
	}
	for k, v := range st.orders {
		c.orders[k] = v
	}
	for table, rows := range st.owned {
		c.owned[table] = make(map[string]string, len(rows))
		for id, owner := range rows {
			c.owned[table][id] = owner
		}
	}
	return c
}

func (m *Memory) Run(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	work := m.state.clone()
	if err := fn(ctx, &memTx{st: work}); err != nil {
		return err
	}
	m.state = work
	return nil
}

func (m *Memory) Close() {}

func (m *Memory) Wallet(_ context.Context, owner model.Owner) (model.Wallet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.state.wallets[owner]
	if !ok {
		return model.Wallet{}, fmt.Errorf("wallet %s/%s: %w", owner.StoreID, owner.UserID, model.ErrNotFound)
	}
	return w, nil
}

func (m *Memory) Entries(_ context.Context, owner model.Owner, kind model.Kind) ([]model.LedgerEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var entries []model.LedgerEntry
	for _, e := range m.state.entries[kind] {
		if e.Owner == owner {
			entries = append(entries, e)
		}
	}
	return entries, nil
}

func (m *Memory) Order(_ context.Context, orderID string) (model.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.state.orders[orderID]
	if !ok {
		return model.Order{}, fmt.Errorf("order %s: %w", orderID, model.ErrNotFound)
	}
	return o, nil
}

func (m *Memory) StoreSettings(_ context.Context, storeID string) (model.StoreSettings, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.state.storeSettings(storeID)
}

func (m *Memory) PutStoreSettings(_ context.Context, settings model.StoreSettings) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.state.settings[settings.StoreID] = settings
	return nil
}

func (m *Memory) PutBonusRule(_ context.Context, rule model.BonusRule) (model.BonusRule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if rule.ID == 0 {
		m.state.ruleSeq++
		rule.ID = m.state.ruleSeq
		m.state.rules = append(m.state.rules, rule)
		return rule, nil
	}
	for i, r := range m.state.rules {
		if r.ID == rule.ID && r.StoreID == rule.StoreID {
			m.state.rules[i] = rule
			return rule, nil
		}
	}
	return model.BonusRule{}, fmt.Errorf("bonus rule %d: %w", rule.ID, model.ErrNotFound)
}

func (m *Memory) PutOrder(_ context.Context, order model.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.state.orders[order.ID] = order
	return nil
}

// PutOwned регистрирует строку внешней таблицы (бронирования, адреса), принадлежащую userID
func (m *Memory) PutOwned(table string, id string, userID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state.owned[table] == nil {
		m.state.owned[table] = make(map[string]string)
	}
	m.state.owned[table][id] = userID
}

// Owned возвращает id строк таблицы, принадлежащих userID
func (m *Memory) Owned(table string, userID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	var ids []string
	for id, owner := range m.state.owned[table] {
		if owner == userID {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

func (m *Memory) Member(_ context.Context, userID string, storeID string) (model.Membership, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, mb := range m.state.members {
		if mb.UserID == userID && mb.OrganizationID == storeID {
			return mb, nil
		}
	}
	return model.Membership{}, fmt.Errorf("member %s of %s: %w", userID, storeID, model.ErrNotFound)
}

// Memberships возвращает участие userID в магазинах
func (m *Memory) Memberships(userID string) []model.Membership {
	m.mu.Lock()
	defer m.mu.Unlock()

	var res []model.Membership
	for _, mb := range m.state.members {
		if mb.UserID == userID {
			res = append(res, mb)
		}
	}
	return res
}

// Revenue возвращает записи выручки магазина по заказу
func (m *Memory) Revenue(orderID string) []model.RevenueEntry {
	m.mu.Lock()
	defer m.mu.Unlock()

	var res []model.RevenueEntry
	for _, r := range m.state.revenue {
		if r.OrderID == orderID {
			res = append(res, r)
		}
	}
	return res
}

func (st *memState) storeSettings(storeID string) (model.StoreSettings, error) {
	s, ok := st.settings[storeID]
	if !ok {
		return model.StoreSettings{}, fmt.Errorf("store %s settings: %w", storeID, model.ErrNotFound)
	}
	return s, nil
}

// Транзакция

type memTx struct {
	st *memState
}

func (t *memTx) WalletForUpdate(_ context.Context, owner model.Owner) (model.Wallet, error) {
	w, ok := t.st.wallets[owner]
	if !ok {
		return model.Wallet{}, fmt.Errorf("wallet %s/%s: %w", owner.StoreID, owner.UserID, model.ErrNotFound)
	}
	return w, nil
}

func (t *memTx) EnsureWalletForUpdate(_ context.Context, owner model.Owner) (model.Wallet, error) {
	w, ok := t.st.wallets[owner]
	if !ok {
		w = model.Wallet{Owner: owner, UpdatedAt: time.Now()}
		t.st.wallets[owner] = w
	}
	return w, nil
}

func (t *memTx) WalletsByUserForUpdate(_ context.Context, userID string) ([]model.Wallet, error) {
	var wallets []model.Wallet
	for owner, w := range t.st.wallets {
		if owner.UserID == userID {
			wallets = append(wallets, w)
		}
	}
	sort.Slice(wallets, func(i, j int) bool {
		return wallets[i].Owner.StoreID < wallets[j].Owner.StoreID
	})
	return wallets, nil
}

func (t *memTx) AddBalance(_ context.Context, owner model.Owner, kind model.Kind, delta decimal.Decimal) (decimal.Decimal, error) {
	w, ok := t.st.wallets[owner]
	if !ok {
		return decimal.Zero, fmt.Errorf("wallet %s/%s: %w", owner.StoreID, owner.UserID, model.ErrNotFound)
	}
	if kind == model.KindFiat {
		w.Fiat = w.Fiat.Add(delta)
	} else {
		w.Point = w.Point.Add(delta)
	}
	w.UpdatedAt = time.Now()
	t.st.wallets[owner] = w
	return w.Balance(kind), nil
}

func (t *memTx) DeleteWallet(_ context.Context, owner model.Owner) error {
	delete(t.st.wallets, owner)
	return nil
}

func (t *memTx) AppendEntry(_ context.Context, entry model.LedgerEntry) error {
	t.st.entries[entry.Kind] = append(t.st.entries[entry.Kind], entry)
	return nil
}

func (t *memTx) LastEntry(_ context.Context, owner model.Owner, kind model.Kind, entryType model.EntryType, referenceID string) (model.LedgerEntry, error) {
	entries := t.st.entries[kind]
	for i := len(entries) - 1; i >= 0; i-- {
		e := entries[i]
		if e.Owner == owner && e.Type == entryType && e.ReferenceID != nil && *e.ReferenceID == referenceID {
			return e, nil
		}
	}
	return model.LedgerEntry{}, model.ErrNotFound
}

func (t *memTx) ActiveBonusRules(_ context.Context, storeID string) ([]model.BonusRule, error) {
	var rules []model.BonusRule
	for _, r := range t.st.rules {
		if r.StoreID == storeID && r.IsActive {
			rules = append(rules, r)
		}
	}
	return rules, nil
}

func (t *memTx) StoreSettings(_ context.Context, storeID string) (model.StoreSettings, error) {
	return t.st.storeSettings(storeID)
}

func (t *memTx) OrderForUpdate(_ context.Context, orderID string) (model.Order, error) {
	o, ok := t.st.orders[orderID]
	if !ok {
		return model.Order{}, fmt.Errorf("order %s: %w", orderID, model.ErrNotFound)
	}
	return o, nil
}

func (t *memTx) SaveOrderPayment(_ context.Context, order model.Order) error {
	o, ok := t.st.orders[order.ID]
	if !ok {
		return fmt.Errorf("order %s: %w", order.ID, model.ErrNotFound)
	}
	o.IsPaid = order.IsPaid
	o.PaymentStatus = order.PaymentStatus
	o.OrderStatus = order.OrderStatus
	o.RefundAmount = order.RefundAmount
	t.st.orders[order.ID] = o
	return nil
}

func (t *memTx) AppendRevenue(_ context.Context, entry model.RevenueEntry) error {
	t.st.revenue = append(t.st.revenue, entry)
	return nil
}

func (t *memTx) LastRevenue(_ context.Context, orderID string, revenueType model.RevenueType) (model.RevenueEntry, error) {
	for i := len(t.st.revenue) - 1; i >= 0; i-- {
		r := t.st.revenue[i]
		if r.OrderID == orderID && r.Type == revenueType {
			return r, nil
		}
	}
	return model.RevenueEntry{}, fmt.Errorf("order %s revenue %s: %w", orderID, revenueType, model.ErrNotFound)
}

func (t *memTx) Reassign(_ context.Context, reference model.Reference, from string, to string) (int64, error) {
	var n int64
	switch reference.Table {
	case TableOrders:
		for id, o := range t.st.orders {
			if o.UserID == from {
				o.UserID = to
				t.st.orders[id] = o
				n++
			}
		}
	case TablePointLedger, TableFiatLedger:
		kind := model.KindPoint
		if reference.Table == TableFiatLedger {
			kind = model.KindFiat
		}
		entries := t.st.entries[kind]
		for i := range entries {
			switch reference.Column {
			case "user_id":
				if entries[i].Owner.UserID == from {
					entries[i].Owner.UserID = to
					n++
				}
			case "creator_id":
				if entries[i].CreatorID != nil && *entries[i].CreatorID == from {
					creator := to
					entries[i].CreatorID = &creator
					n++
				}
			default:
				return 0, fmt.Errorf("reassign %s.%s: unknown column", reference.Table, reference.Column)
			}
		}
	case TableMembers:
		kept := t.st.members[:0]
		has := make(map[string]bool)
		for _, mb := range t.st.members {
			if mb.UserID == to {
				has[mb.OrganizationID] = true
			}
		}
		for _, mb := range t.st.members {
			if mb.UserID == from {
				if has[mb.OrganizationID] {
					continue
				}
				mb.UserID = to
				has[mb.OrganizationID] = true
				n++
			}
			kept = append(kept, mb)
		}
		t.st.members = kept
	default:
		for id, owner := range t.st.owned[reference.Table] {
			if owner == from {
				t.st.owned[reference.Table][id] = to
				n++
			}
		}
	}
	return n, nil
}

func (t *memTx) OrderStores(_ context.Context, userID string) ([]string, error) {
	seen := make(map[string]bool)
	var stores []string
	for _, o := range t.st.orders {
		if o.UserID == userID && !seen[o.StoreID] {
			seen[o.StoreID] = true
			stores = append(stores, o.StoreID)
		}
	}
	sort.Strings(stores)
	return stores, nil
}

func (t *memTx) EnsureMembership(_ context.Context, membership model.Membership) (bool, error) {
	for _, mb := range t.st.members {
		if mb.UserID == membership.UserID && mb.OrganizationID == membership.OrganizationID {
			return false, nil
		}
	}
	t.st.members = append(t.st.members, membership)
	return true, nil
}
