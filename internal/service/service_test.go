package service

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/iurnickita/storewallet/internal/balance"
	"github.com/iurnickita/storewallet/internal/events"
	"github.com/iurnickita/storewallet/internal/model"
	"github.com/iurnickita/storewallet/internal/service/config"
	"github.com/iurnickita/storewallet/internal/settlement"
	"github.com/iurnickita/storewallet/internal/store"
)

const (
	storeID  = "store1"
	customer = "user1"
)

var owner = model.Owner{StoreID: storeID, UserID: customer}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

type published struct {
	key  string
	body any
}

type recorder struct {
	mu     sync.Mutex
	events []published
	err    error
}

func (r *recorder) Publish(_ context.Context, routingKey string, body any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.events = append(r.events, published{key: routingKey, body: body})
	return nil
}

func newTestService(t *testing.T, pub events.Publisher, zaplog *zap.Logger) (Service, *store.Memory) {
	t.Helper()
	m := store.NewMemory()
	require.NoError(t, m.PutStoreSettings(context.Background(), model.StoreSettings{
		StoreID:            storeID,
		CreditExchangeRate: dec("10"),
		CreditMinPurchase:  dec("5"),
		CreditMaxPurchase:  dec("1000"),
	}))
	return NewService(config.Config{}, m, m, pub, zaplog), m
}

func TestTopUpLimits(t *testing.T) {
	ctx := context.Background()
	pub := &recorder{}
	s, _ := newTestService(t, pub, zap.NewNop())

	_, err := s.TopUp(ctx, TopUpRequest{Owner: owner, Kind: model.KindFiat, Amount: dec("4.99")})
	require.ErrorIs(t, err, model.ErrInvalidAmount)
	_, err = s.TopUp(ctx, TopUpRequest{Owner: owner, Kind: model.KindFiat, Amount: dec("1000.01")})
	require.ErrorIs(t, err, model.ErrInvalidAmount)
	require.Empty(t, pub.events)

	res, err := s.TopUp(ctx, TopUpRequest{Owner: owner, Kind: model.KindFiat, Amount: dec("100"), ReferenceID: "pay-1"})
	require.NoError(t, err)
	require.True(t, res.Balance.Equal(dec("100")))

	// оператор не ограничен лимитами
	res, err = s.TopUp(ctx, TopUpRequest{Owner: owner, Kind: model.KindFiat, Amount: dec("5000"), CreatorID: "staff1"})
	require.NoError(t, err)
	require.True(t, res.Balance.Equal(dec("5100")))

	require.Len(t, pub.events, 2)
	require.Equal(t, events.KeyTopUp, pub.events[0].key)
	ev := pub.events[1].body.(events.TopUp)
	require.Equal(t, "staff1", ev.CreatorID)

	_, err = s.TopUp(ctx, TopUpRequest{Owner: model.Owner{StoreID: storeID}, Kind: model.KindFiat, Amount: dec("10")})
	require.ErrorIs(t, err, ErrInsufficientData)
	_, err = s.TopUp(ctx, TopUpRequest{Owner: owner, Kind: "gold", Amount: dec("10")})
	require.ErrorIs(t, err, ErrInsufficientData)
}

func TestGetWalletEmpty(t *testing.T) {
	s, _ := newTestService(t, events.Nop(), zap.NewNop())

	w, err := s.GetWallet(context.Background(), owner)
	require.NoError(t, err)
	require.True(t, w.Point.IsZero())
	require.True(t, w.Fiat.IsZero())
	require.Equal(t, owner, w.Owner)
}

func TestSettleAndRefund(t *testing.T) {
	ctx := context.Background()
	pub := &recorder{}
	s, m := newTestService(t, pub, zap.NewNop())

	require.NoError(t, m.PutOrder(ctx, model.Order{
		ID:            "order1",
		StoreID:       storeID,
		UserID:        customer,
		Total:         dec("500"),
		PaymentStatus: model.PaymentStatusPending,
		OrderStatus:   model.OrderStatusPending,
		PaymentMethod: model.PaymentCreditPoint,
	}))

	// чужой заказ не виден
	_, err := s.Settle(ctx, "user2", "order1")
	require.ErrorIs(t, err, model.ErrNotFound)

	res, err := s.Settle(ctx, customer, "order1")
	require.NoError(t, err)
	require.Equal(t, settlement.OutcomeNeedsRefill, res.Outcome)
	require.Empty(t, pub.events)

	_, err = s.TopUp(ctx, TopUpRequest{Owner: owner, Kind: model.KindPoint, Amount: dec("60")})
	require.NoError(t, err)

	res, err = s.Settle(ctx, customer, "order1")
	require.NoError(t, err)
	require.Equal(t, settlement.OutcomePaid, res.Outcome)

	ref, err := s.Refund(ctx, customer, "order1")
	require.NoError(t, err)
	require.True(t, ref.Amount.Equal(dec("50")))

	keys := []string{}
	for _, e := range pub.events {
		keys = append(keys, e.key)
	}
	require.Equal(t, []string{events.KeyTopUp, events.KeySettled, events.KeyRefunded}, keys)

	w, err := s.GetWallet(ctx, owner)
	require.NoError(t, err)
	require.True(t, w.Point.Equal(dec("60")))
}

func TestPublishFailureIsLogged(t *testing.T) {
	core, logs := observer.New(zap.ErrorLevel)
	pub := &recorder{err: errors.New("broker down")}
	s, _ := newTestService(t, pub, zap.New(core))

	res, err := s.TopUp(context.Background(), TopUpRequest{Owner: owner, Kind: model.KindPoint, Amount: dec("10")})
	require.NoError(t, err)
	require.True(t, res.Balance.Equal(dec("10")))
	require.Equal(t, 1, logs.FilterMessage("publish event failed").Len())
}

func TestAdjust(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestService(t, events.Nop(), zap.NewNop())

	_, err := s.Adjust(ctx, balance.AdjustRequest{Owner: owner, Kind: model.KindPoint, Amount: dec("5")})
	require.ErrorIs(t, err, balance.ErrCreatorRequired)

	b, err := s.Adjust(ctx, balance.AdjustRequest{Owner: owner, Kind: model.KindPoint, Amount: dec("5"), CreatorID: "staff1"})
	require.NoError(t, err)
	require.True(t, b.Equal(dec("5")))
}

func TestAuthorize(t *testing.T) {
	ctx := context.Background()
	s, m := newTestService(t, events.Nop(), zap.NewNop())

	err := m.Run(ctx, func(ctx context.Context, tx store.Tx) error {
		if _, err := tx.EnsureMembership(ctx, model.Membership{UserID: "staff1", OrganizationID: storeID, Role: model.RoleStaff}); err != nil {
			return err
		}
		_, err := tx.EnsureMembership(ctx, model.Membership{UserID: customer, OrganizationID: storeID, Role: model.RoleCustomer})
		return err
	})
	require.NoError(t, err)

	require.NoError(t, s.Authorize(ctx, "staff1", storeID))
	require.ErrorIs(t, s.Authorize(ctx, customer, storeID), ErrForbidden)
	require.ErrorIs(t, s.Authorize(ctx, "stranger", storeID), ErrForbidden)
}

func TestMergeValidation(t *testing.T) {
	s, _ := newTestService(t, events.Nop(), zap.NewNop())

	_, err := s.Merge(context.Background(), "", customer)
	require.ErrorIs(t, err, ErrInsufficientData)
}

func TestPutStoreSettingsAndRules(t *testing.T) {
	ctx := context.Background()
	s, m := newTestService(t, events.Nop(), zap.NewNop())

	require.ErrorIs(t, s.PutStoreSettings(ctx, model.StoreSettings{}), ErrInsufficientData)
	require.ErrorIs(t, s.PutStoreSettings(ctx, model.StoreSettings{StoreID: storeID, CreditExchangeRate: dec("-1")}), model.ErrInvalidAmount)
	require.ErrorIs(t, s.PutStoreSettings(ctx, model.StoreSettings{
		StoreID:           storeID,
		CreditMinPurchase: dec("100"),
		CreditMaxPurchase: dec("10"),
	}), model.ErrInvalidAmount)

	require.NoError(t, s.PutStoreSettings(ctx, model.StoreSettings{StoreID: storeID, CreditExchangeRate: dec("20")}))
	settings, err := m.StoreSettings(ctx, storeID)
	require.NoError(t, err)
	require.True(t, settings.CreditExchangeRate.Equal(dec("20")))

	_, err = s.PutBonusRule(ctx, model.BonusRule{StoreID: storeID, Threshold: dec("0"), Bonus: dec("1")})
	require.ErrorIs(t, err, model.ErrInvalidAmount)
	_, err = s.PutBonusRule(ctx, model.BonusRule{StoreID: storeID, Threshold: dec("10"), Bonus: dec("-1")})
	require.ErrorIs(t, err, model.ErrInvalidAmount)
	_, err = s.PutBonusRule(ctx, model.BonusRule{Threshold: dec("10"), Bonus: dec("1")})
	require.ErrorIs(t, err, ErrInsufficientData)

	rule, err := s.PutBonusRule(ctx, model.BonusRule{StoreID: storeID, Threshold: dec("50"), Bonus: dec("5"), IsActive: true})
	require.NoError(t, err)
	require.NotZero(t, rule.ID)

	res, err := s.TopUp(ctx, TopUpRequest{Owner: owner, Kind: model.KindPoint, Amount: dec("50")})
	require.NoError(t, err)
	require.True(t, res.Bonus.Equal(dec("5")))
}

func TestPutOrder(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestService(t, events.Nop(), zap.NewNop())

	order := model.Order{
		ID:            "order7",
		StoreID:       storeID,
		UserID:        customer,
		Total:         dec("30"),
		PaymentMethod: model.PaymentCredit,
	}

	_, err := s.PutOrder(ctx, model.Order{ID: "order7", StoreID: storeID})
	require.ErrorIs(t, err, ErrInsufficientData)
	bad := order
	bad.Total = dec("-1")
	_, err = s.PutOrder(ctx, bad)
	require.ErrorIs(t, err, model.ErrInvalidAmount)
	bad = order
	bad.PaymentMethod = "gold"
	_, err = s.PutOrder(ctx, bad)
	require.ErrorIs(t, err, ErrInsufficientData)

	saved, err := s.PutOrder(ctx, order)
	require.NoError(t, err)
	require.Equal(t, model.PaymentStatusPending, saved.PaymentStatus)
	require.Equal(t, model.OrderStatusPending, saved.OrderStatus)

	// заказ с тем же номером в другом магазине
	other := order
	other.StoreID = "store2"
	_, err = s.PutOrder(ctx, other)
	require.ErrorIs(t, err, ErrForbidden)

	_, err = s.TopUp(ctx, TopUpRequest{Owner: owner, Kind: model.KindFiat, Amount: dec("30")})
	require.NoError(t, err)
	res, err := s.Settle(ctx, customer, "order7")
	require.NoError(t, err)
	require.Equal(t, settlement.OutcomePaid, res.Outcome)

	_, err = s.PutOrder(ctx, order)
	require.ErrorIs(t, err, ErrAlreadyExists)
}
