// Package bonus считает бонус к пополнению кошелька по правилам магазина.
package bonus

import (
	"context"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/iurnickita/storewallet/internal/model"
)

// RuleSource - откуда берутся правила магазина
type RuleSource interface {
	ActiveBonusRules(ctx context.Context, storeID string) ([]model.BonusRule, error)
}

type Evaluator interface {
	Evaluate(ctx context.Context, source RuleSource, storeID string, amount decimal.Decimal) (decimal.Decimal, error)
}

type evaluator struct{}

func NewEvaluator() Evaluator {
	return evaluator{}
}

func (evaluator) Evaluate(ctx context.Context, source RuleSource, storeID string, amount decimal.Decimal) (decimal.Decimal, error) {
	rules, err := source.ActiveBonusRules(ctx, storeID)
	if err != nil {
		return decimal.Zero, err
	}
	return Evaluate(rules, amount), nil
}

// Evaluate возвращает бонус правила с наибольшим порогом, не превышающим amount.
// При равных порогах выигрывает правило с меньшим id. Неактивные правила не учитываются.
func Evaluate(rules []model.BonusRule, amount decimal.Decimal) decimal.Decimal {
	active := make([]model.BonusRule, 0, len(rules))
	for _, r := range rules {
		if r.IsActive {
			active = append(active, r)
		}
	}
	sort.Slice(active, func(i, j int) bool {
		if c := active[i].Threshold.Cmp(active[j].Threshold); c != 0 {
			return c > 0
		}
		return active[i].ID < active[j].ID
	})

	for _, r := range active {
		if amount.GreaterThanOrEqual(r.Threshold) {
			return r.Bonus
		}
	}
	return decimal.Zero
}
