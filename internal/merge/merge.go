// Package merge переносит кошельки и данные анонимной сессии на авторизованного пользователя.
package merge

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/iurnickita/storewallet/internal/model"
	"github.com/iurnickita/storewallet/internal/store"
)

var (
	ErrInsufficientData = errors.New("insufficient data")
	ErrSameUser         = errors.New("anonymous and target user are the same")
)

// References - все ссылки на владельца, переносимые при слиянии.
// Новая таблица с владельцем-пользователем добавляется сюда.
var References = []model.Reference{
	{Table: store.TableReservations, Column: "user_id"},
	{Table: store.TableOrders, Column: "user_id"},
	{Table: store.TableAddresses, Column: "user_id"},
	{Table: store.TableMembers, Column: "user_id", DedupeBy: "organization_id"},
	{Table: store.TablePointLedger, Column: "user_id"},
	{Table: store.TablePointLedger, Column: "creator_id"},
	{Table: store.TableFiatLedger, Column: "user_id"},
	{Table: store.TableFiatLedger, Column: "creator_id"},
}

type Result struct {
	Reassigned         map[string]int64 // "таблица.колонка" -> перенесено строк
	WalletsMerged      int
	MembershipsCreated int
}

// Empty - повторный запуск: переносить было нечего
func (r Result) Empty() bool {
	for _, n := range r.Reassigned {
		if n > 0 {
			return false
		}
	}
	return r.WalletsMerged == 0 && r.MembershipsCreated == 0
}

type Service interface {
	Merge(ctx context.Context, anonymousUserID string, newUserID string) (Result, error)
}

type service struct {
	store  store.Store
	zaplog *zap.Logger
}

func NewService(store store.Store, zaplog *zap.Logger) Service {
	return &service{store: store, zaplog: zaplog}
}

func (s *service) Merge(ctx context.Context, anonymousUserID string, newUserID string) (Result, error) {
	if anonymousUserID == "" || newUserID == "" {
		return Result{}, ErrInsufficientData
	}
	if anonymousUserID == newUserID {
		return Result{}, ErrSameUser
	}

	var result Result
	err := s.store.Run(ctx, func(ctx context.Context, tx store.Tx) error {
		result = Result{Reassigned: make(map[string]int64, len(References))}

		// Перенос истории. Новых записей в журналах не появляется
		for _, ref := range References {
			n, err := tx.Reassign(ctx, ref, anonymousUserID, newUserID)
			if err != nil {
				return err
			}
			result.Reassigned[ref.Table+"."+ref.Column] += n
		}

		// Балансы анонимных кошельков складываются с кошельками пользователя в тех же магазинах
		wallets, err := tx.WalletsByUserForUpdate(ctx, anonymousUserID)
		if err != nil {
			return err
		}
		for _, anon := range wallets {
			if err = fold(ctx, tx, anon, newUserID); err != nil {
				return err
			}
			result.WalletsMerged++
		}

		// Участие во всех магазинах, где у пользователя теперь есть заказы
		stores, err := tx.OrderStores(ctx, newUserID)
		if err != nil {
			return err
		}
		for _, storeID := range stores {
			created, err := tx.EnsureMembership(ctx, model.Membership{
				UserID:         newUserID,
				OrganizationID: storeID,
				Role:           model.RoleCustomer,
			})
			if err != nil {
				return err
			}
			if created {
				result.MembershipsCreated++
			}
		}
		return nil
	})
	if err != nil {
		s.zaplog.Error("account merge failed",
			zap.String("anonymous", anonymousUserID),
			zap.String("user", newUserID),
			zap.Error(err),
		)
		return Result{}, err
	}

	s.zaplog.Info("account merge",
		zap.String("anonymous", anonymousUserID),
		zap.String("user", newUserID),
		zap.Int("wallets", result.WalletsMerged),
		zap.Int("memberships", result.MembershipsCreated),
		zap.Any("reassigned", result.Reassigned),
	)
	return result, nil
}

func fold(ctx context.Context, tx store.Tx, anon model.Wallet, newUserID string) error {
	target := model.Owner{StoreID: anon.Owner.StoreID, UserID: newUserID}
	wallet, err := tx.EnsureWalletForUpdate(ctx, target)
	if err != nil {
		return err
	}

	for _, kind := range []model.Kind{model.KindPoint, model.KindFiat} {
		delta := anon.Balance(kind)
		if delta.IsZero() {
			continue
		}
		before := wallet.Balance(kind)
		persisted, err := tx.AddBalance(ctx, target, kind, delta)
		if err != nil {
			return err
		}
		if !persisted.Equal(before.Add(delta)) {
			return &model.ConsistencyError{
				Owner:     target,
				Kind:      kind,
				Before:    before,
				Delta:     delta,
				Persisted: persisted,
			}
		}
	}

	if err = tx.DeleteWallet(ctx, anon.Owner); err != nil {
		return fmt.Errorf("delete anonymous wallet: %w", err)
	}
	return nil
}
