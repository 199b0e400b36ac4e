package bonus

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/iurnickita/storewallet/internal/model"
)

func rule(id int64, threshold, bonus int64, active bool) model.BonusRule {
	return model.BonusRule{
		ID:        id,
		StoreID:   "store1",
		Threshold: decimal.NewFromInt(threshold),
		Bonus:     decimal.NewFromInt(bonus),
		IsActive:  active,
	}
}

func TestEvaluate(t *testing.T) {
	rules := []model.BonusRule{
		rule(1, 500, 20, true),
		rule(2, 1000, 100, true),
	}

	tests := []struct {
		name   string
		amount int64
		want   int64
	}{
		{name: "below lowest threshold", amount: 100, want: 0},
		{name: "just below higher threshold", amount: 999, want: 20},
		{name: "exact threshold", amount: 1000, want: 100},
		{name: "exact lower threshold", amount: 500, want: 20},
		{name: "above all", amount: 5000, want: 100},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Evaluate(rules, decimal.NewFromInt(tt.amount))
			require.True(t, got.Equal(decimal.NewFromInt(tt.want)), "got %s", got)
		})
	}
}

func TestEvaluateSkipsInactive(t *testing.T) {
	rules := []model.BonusRule{
		rule(1, 500, 20, true),
		rule(2, 1000, 100, false),
	}
	got := Evaluate(rules, decimal.NewFromInt(1500))
	require.True(t, got.Equal(decimal.NewFromInt(20)))
}

func TestEvaluateTieTakesSmallestID(t *testing.T) {
	for i := 0; i < 10; i++ {
		rules := []model.BonusRule{
			rule(7, 500, 30, true),
			rule(3, 500, 20, true),
			rule(9, 500, 40, true),
		}
		got := Evaluate(rules, decimal.NewFromInt(600))
		require.True(t, got.Equal(decimal.NewFromInt(20)), "got %s", got)
	}
}

func TestEvaluateFractional(t *testing.T) {
	rules := []model.BonusRule{
		{ID: 1, Threshold: decimal.RequireFromString("99.99"), Bonus: decimal.RequireFromString("0.5"), IsActive: true},
	}
	require.True(t, Evaluate(rules, decimal.RequireFromString("99.98")).IsZero())
	require.True(t, Evaluate(rules, decimal.RequireFromString("99.99")).Equal(decimal.RequireFromString("0.5")))
}

type ruleSource struct {
	rules []model.BonusRule
	err   error
}

func (s ruleSource) ActiveBonusRules(_ context.Context, _ string) ([]model.BonusRule, error) {
	return s.rules, s.err
}

func TestEvaluatorUsesSource(t *testing.T) {
	ctx := context.Background()
	ev := NewEvaluator()

	got, err := ev.Evaluate(ctx, ruleSource{rules: []model.BonusRule{rule(1, 500, 20, true)}}, "store1", decimal.NewFromInt(700))
	require.NoError(t, err)
	require.True(t, got.Equal(decimal.NewFromInt(20)))

	srcErr := errors.New("db down")
	_, err = ev.Evaluate(ctx, ruleSource{err: srcErr}, "store1", decimal.NewFromInt(700))
	require.ErrorIs(t, err, srcErr)
}
