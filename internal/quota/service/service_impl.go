package service

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/quotagate/quotagate/internal/quota/domain"
	"github.com/quotagate/quotagate/internal/semaphore"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
	Repo  domain.Repository
	Sem   semaphore.Semaphore
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
	repo  domain.Repository
	sem   semaphore.Semaphore
}

func New(p Params) domain.Service {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("quota.service"),
		genID: p.GenID,
		repo:  p.Repo,
		sem:   p.Sem,
	}
}

// Consume decrements the subscription balance by amount. The semaphore
// bounds how many callers are mid-deduction for one (user, api) pair; the
// conditional update is what actually prevents over-consumption.
func (s *Service) Consume(ctx context.Context, subscriptionID snowflake.ID, amount int64) (int64, error) {
	if amount <= 0 {
		return 0, domain.ErrInvalidAmount
	}

	sub, err := s.repo.FindByID(ctx, s.db, subscriptionID)
	if err != nil {
		return 0, err
	}
	if sub == nil {
		return 0, domain.ErrNotFound
	}
	if sub.Status != domain.SubscriptionStatusActive {
		return 0, domain.ErrSubscriptionDisabled
	}

	permit, err := s.sem.TryAcquire(ctx, sub.UserID.String(), sub.APIDigestID.String())
	if err != nil {
		return 0, err
	}
	defer func() {
		if releaseErr := permit.Release(ctx); releaseErr != nil {
			s.log.Warn("semaphore release failed", zap.Error(releaseErr))
		}
	}()

	rows, err := s.repo.ConsumeQuantity(ctx, s.db, subscriptionID, amount)
	if err != nil {
		return 0, err
	}
	if rows == 0 {
		return 0, domain.ErrInsufficientQuota
	}

	after, err := s.repo.FindByID(ctx, s.db, subscriptionID)
	if err != nil || after == nil {
		// The decrement already happened; a failed read-back only costs
		// the caller the remaining count.
		return 0, nil
	}
	return after.RemainingQuantity, nil
}

// ConsumeForUser resolves the caller's subscription by (user, api) before
// consuming. This is the gateway entry point; credentials know the account,
// not the subscription id.
func (s *Service) ConsumeForUser(ctx context.Context, userID, apiDigestID snowflake.ID, amount int64) (int64, error) {
	if amount <= 0 {
		return 0, domain.ErrInvalidAmount
	}

	sub, err := s.repo.FindByUserAPI(ctx, s.db, userID, apiDigestID)
	if err != nil {
		return 0, err
	}
	if sub == nil {
		return 0, domain.ErrNotFound
	}
	return s.Consume(ctx, sub.ID, amount)
}

// ApplyDeduction credits qty onto the user's subscription, creating it on
// the first fulfilled order. It runs on the caller's transaction handle.
func (s *Service) ApplyDeduction(ctx context.Context, tx *gorm.DB, userID, apiDigestID snowflake.ID, qty int64) (int64, error) {
	if qty <= 0 {
		return 0, domain.ErrInvalidAmount
	}

	sub, err := s.repo.FindByUserAPI(ctx, tx, userID, apiDigestID)
	if err != nil {
		return 0, err
	}
	if sub == nil {
		now := time.Now().UTC()
		sub = &domain.Subscription{
			ID:                s.genID.Generate(),
			UserID:            userID,
			APIDigestID:       apiDigestID,
			TotalQuantity:     qty,
			RemainingQuantity: qty,
			Status:            domain.SubscriptionStatusActive,
			CreatedAt:         now,
			UpdatedAt:         now,
		}
		if err := s.repo.Create(ctx, tx, sub); err != nil {
			return 0, err
		}
		return qty, nil
	}

	if _, err := s.repo.AddQuantity(ctx, tx, sub.ID, qty); err != nil {
		return 0, err
	}
	return sub.RemainingQuantity + qty, nil
}

// ReverseDeduction takes back a previously applied credit. The guard on
// remaining balance means a reversal can fail when the user already spent
// the credited calls; that surfaces as insufficient quota and requires
// operator attention rather than a negative balance.
func (s *Service) ReverseDeduction(ctx context.Context, tx *gorm.DB, userID, apiDigestID snowflake.ID, qty int64) error {
	if qty <= 0 {
		return domain.ErrInvalidAmount
	}

	sub, err := s.repo.FindByUserAPI(ctx, tx, userID, apiDigestID)
	if err != nil {
		return err
	}
	if sub == nil {
		return domain.ErrNotFound
	}

	rows, err := s.repo.RemoveQuantity(ctx, tx, sub.ID, qty)
	if err != nil {
		return err
	}
	if rows == 0 {
		return domain.ErrInsufficientQuota
	}
	return nil
}
