package settlement

import (
	"context"
	"os"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/iurnickita/storewallet/internal/balance"
	"github.com/iurnickita/storewallet/internal/bonus"
	"github.com/iurnickita/storewallet/internal/model"
	"github.com/iurnickita/storewallet/internal/store"
	"github.com/iurnickita/storewallet/internal/store/config"
)

const (
	storeID  = "store1"
	customer = "user1"
	orderID  = "order1"
)

var owner = model.Owner{StoreID: storeID, UserID: customer}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

type fixture struct {
	m      *store.Memory
	ledger balance.Ledger
	c      Coordinator
}

func newFixture(t *testing.T, method model.PaymentMethod, total string, rate string) fixture {
	t.Helper()
	ctx := context.Background()

	m := store.NewMemory()
	require.NoError(t, m.PutStoreSettings(ctx, model.StoreSettings{StoreID: storeID, CreditExchangeRate: dec(rate)}))
	require.NoError(t, m.PutOrder(ctx, model.Order{
		ID:            orderID,
		StoreID:       storeID,
		UserID:        customer,
		Total:         dec(total),
		PaymentStatus: model.PaymentStatusPending,
		OrderStatus:   model.OrderStatusPending,
		PaymentMethod: method,
	}))

	ledger := balance.NewLedger(bonus.NewEvaluator(), zap.NewNop())
	return fixture{m: m, ledger: ledger, c: NewCoordinator(m, ledger, m, zap.NewNop())}
}

func (f fixture) topUp(t *testing.T, kind model.Kind, amount string) {
	t.Helper()
	err := f.m.Run(context.Background(), func(ctx context.Context, tx store.Tx) error {
		_, err := f.ledger.TopUp(ctx, tx, balance.TopUpRequest{Owner: owner, Kind: kind, Amount: dec(amount)})
		return err
	})
	require.NoError(t, err)
}

func TestSettleNeedsRefillThenPays(t *testing.T) {
	f := newFixture(t, model.PaymentCreditPoint, "500", "10")
	ctx := context.Background()
	f.topUp(t, model.KindPoint, "40")

	res, err := f.c.Settle(ctx, orderID)
	require.NoError(t, err)
	require.Equal(t, OutcomeNeedsRefill, res.Outcome)
	require.True(t, res.Required.Equal(dec("50")))
	require.True(t, res.Shortfall.Equal(dec("10")))

	// ничего не изменилось
	order, err := f.m.Order(ctx, orderID)
	require.NoError(t, err)
	require.False(t, order.IsPaid)
	entries, err := f.m.Entries(ctx, owner, model.KindPoint)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	f.topUp(t, model.KindPoint, "20")
	res, err = f.c.Settle(ctx, orderID)
	require.NoError(t, err)
	require.Equal(t, OutcomePaid, res.Outcome)
	require.True(t, res.Balance.Equal(dec("10")))

	wallet, err := f.m.Wallet(ctx, owner)
	require.NoError(t, err)
	require.True(t, wallet.Point.Equal(dec("10")))

	entries, err = f.m.Entries(ctx, owner, model.KindPoint)
	require.NoError(t, err)
	var spends []model.LedgerEntry
	for _, e := range entries {
		if e.Type == model.EntrySpend {
			spends = append(spends, e)
		}
	}
	require.Len(t, spends, 1)
	require.True(t, spends[0].Amount.Equal(dec("-50")))
	require.Equal(t, orderID, *spends[0].ReferenceID)

	order, err = f.m.Order(ctx, orderID)
	require.NoError(t, err)
	require.True(t, order.IsPaid)
	require.Equal(t, model.PaymentStatusPaid, order.PaymentStatus)
	require.Equal(t, model.OrderStatusProcessing, order.OrderStatus)

	revenue := f.m.Revenue(orderID)
	require.Len(t, revenue, 1)
	require.True(t, revenue[0].Amount.Equal(dec("500")))
}

func TestSettleNoWallet(t *testing.T) {
	f := newFixture(t, model.PaymentCredit, "15", "1")

	res, err := f.c.Settle(context.Background(), orderID)
	require.NoError(t, err)
	require.Equal(t, OutcomeNeedsRefill, res.Outcome)
	require.True(t, res.Balance.IsZero())
	require.True(t, res.Shortfall.Equal(dec("15")))
}

func TestSettleAlreadyPaid(t *testing.T) {
	f := newFixture(t, model.PaymentCredit, "12.5", "1")
	ctx := context.Background()
	f.topUp(t, model.KindFiat, "20")

	res, err := f.c.Settle(ctx, orderID)
	require.NoError(t, err)
	require.Equal(t, OutcomePaid, res.Outcome)
	require.Equal(t, model.KindFiat, res.Kind)

	res, err = f.c.Settle(ctx, orderID)
	require.NoError(t, err)
	require.Equal(t, OutcomeAlreadyPaid, res.Outcome)

	wallet, err := f.m.Wallet(ctx, owner)
	require.NoError(t, err)
	require.True(t, wallet.Fiat.Equal(dec("7.5")))
	require.Len(t, f.m.Revenue(orderID), 1)
}

func TestSettleConcurrentAttempts(t *testing.T) {
	f := newFixture(t, model.PaymentCreditPoint, "100", "1")
	ctx := context.Background()
	f.topUp(t, model.KindPoint, "1000")

	const attempts = 8
	results := make([]Result, attempts)
	errs := make([]error, attempts)
	var wg sync.WaitGroup
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = f.c.Settle(ctx, orderID)
		}(i)
	}
	wg.Wait()

	paid := 0
	for i := range results {
		require.NoError(t, errs[i])
		if results[i].Outcome == OutcomePaid {
			paid++
		} else {
			require.Equal(t, OutcomeAlreadyPaid, results[i].Outcome)
		}
	}
	require.Equal(t, 1, paid)

	wallet, err := f.m.Wallet(ctx, owner)
	require.NoError(t, err)
	require.True(t, wallet.Point.Equal(dec("900")))
}

// TestSettleConcurrentStores - две одновременные оплаты одного заказа на каждом хранилище.
// postgres проверяется, если задан DATABASE_URI
func TestSettleConcurrentStores(t *testing.T) {
	stores := map[string]store.Store{"memory": store.NewMemory()}
	if dsn := os.Getenv("DATABASE_URI"); dsn != "" {
		pg, err := store.NewStore(config.Config{DBDsn: dsn})
		require.NoError(t, err)
		t.Cleanup(pg.Close)
		stores["postgres"] = pg
	}

	for name, s := range stores {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			run := uuid.NewString()[:8]
			owner := model.Owner{StoreID: "store-" + run, UserID: "user1"}
			orderID := "order-" + run

			require.NoError(t, s.PutStoreSettings(ctx, model.StoreSettings{StoreID: owner.StoreID, CreditExchangeRate: dec("1")}))
			require.NoError(t, s.PutOrder(ctx, model.Order{
				ID:            orderID,
				StoreID:       owner.StoreID,
				UserID:        owner.UserID,
				Total:         dec("60"),
				PaymentStatus: model.PaymentStatusPending,
				OrderStatus:   model.OrderStatusPending,
				PaymentMethod: model.PaymentCreditPoint,
			}))

			ledger := balance.NewLedger(bonus.NewEvaluator(), zap.NewNop())
			err := s.Run(ctx, func(ctx context.Context, tx store.Tx) error {
				_, err := ledger.TopUp(ctx, tx, balance.TopUpRequest{Owner: owner, Kind: model.KindPoint, Amount: dec("100")})
				return err
			})
			require.NoError(t, err)

			c := NewCoordinator(s, ledger, s, zap.NewNop())
			results := make([]Result, 2)
			errs := make([]error, 2)
			var wg sync.WaitGroup
			for i := range results {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					results[i], errs[i] = c.Settle(ctx, orderID)
				}(i)
			}
			wg.Wait()

			paid := 0
			for i := range results {
				require.NoError(t, errs[i])
				if results[i].Outcome == OutcomePaid {
					paid++
				} else {
					require.Equal(t, OutcomeAlreadyPaid, results[i].Outcome)
				}
			}
			require.Equal(t, 1, paid)

			wallet, err := s.Wallet(ctx, owner)
			require.NoError(t, err)
			require.True(t, wallet.Point.Equal(dec("40")))

			order, err := s.Order(ctx, orderID)
			require.NoError(t, err)
			require.True(t, order.IsPaid)
		})
	}
}

func TestSettleConfigurationErrors(t *testing.T) {
	ctx := context.Background()

	f := newFixture(t, model.PaymentCreditPoint, "100", "0")
	f.topUp(t, model.KindPoint, "1000")
	_, err := f.c.Settle(ctx, orderID)
	require.ErrorIs(t, err, model.ErrConfiguration)

	f = newFixture(t, model.PaymentCash, "100", "1")
	_, err = f.c.Settle(ctx, orderID)
	require.ErrorIs(t, err, model.ErrUnsupportedMethod)
	require.ErrorIs(t, err, model.ErrConfiguration)

	_, err = f.c.Settle(ctx, "missing")
	require.ErrorIs(t, err, model.ErrNotFound)
}

func TestSettleZeroTotal(t *testing.T) {
	ctx := context.Background()

	for _, method := range []model.PaymentMethod{model.PaymentCreditPoint, model.PaymentCredit} {
		f := newFixture(t, method, "0", "10")

		// кошелька нет, но платить нечего
		res, err := f.c.Settle(ctx, orderID)
		require.NoError(t, err)
		require.Equal(t, OutcomePaid, res.Outcome)
		require.True(t, res.Required.IsZero())

		order, err := f.m.Order(ctx, orderID)
		require.NoError(t, err)
		require.True(t, order.IsPaid)
		require.Equal(t, model.PaymentStatusPaid, order.PaymentStatus)
		require.Empty(t, f.m.Revenue(orderID))

		entries, err := f.m.Entries(ctx, owner, res.Kind)
		require.NoError(t, err)
		require.Empty(t, entries)

		res, err = f.c.Settle(ctx, orderID)
		require.NoError(t, err)
		require.Equal(t, OutcomeAlreadyPaid, res.Outcome)
	}

	f := newFixture(t, model.PaymentCredit, "-5", "1")
	_, err := f.c.Settle(ctx, orderID)
	require.ErrorIs(t, err, model.ErrInvalidAmount)
}

func TestStrategies(t *testing.T) {
	settings := model.StoreSettings{StoreID: storeID, CreditExchangeRate: dec("2.5")}
	order := model.Order{StoreID: storeID, Total: dec("10")}

	s, err := StrategyFor(model.PaymentCreditPoint)
	require.NoError(t, err)
	required, err := s.Required(order, settings)
	require.NoError(t, err)
	require.True(t, required.Equal(dec("4")))

	s, err = StrategyFor(model.PaymentCredit)
	require.NoError(t, err)
	require.Equal(t, model.KindFiat, s.Kind())
	required, err = s.Required(order, settings)
	require.NoError(t, err)
	require.True(t, required.Equal(dec("10")))

	_, err = StrategyFor(model.PaymentStripe)
	require.ErrorIs(t, err, model.ErrUnsupportedMethod)
}
