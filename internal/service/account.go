package service

import (
	"context"
	"errors"
	"time"

	"trek-rest-api/internal/cache"
	"trek-rest-api/internal/catalog"
	"trek-rest-api/internal/model"
	"trek-rest-api/internal/store"

	"go.uber.org/zap"
)

// AccountService creates users and serves their cached state.
type AccountService struct {
	store   store.DocumentStore
	cache   cache.LocalCache
	catalog *catalog.Catalog
	sync    *SyncManager
	logger  *zap.Logger
	now     func() time.Time
}

// NewAccountService creates a new account service.
func NewAccountService(st store.DocumentStore, c cache.LocalCache, cat *catalog.Catalog, sm *SyncManager, logger *zap.Logger) *AccountService {
	return &AccountService{
		store:   st,
		cache:   c,
		catalog: cat,
		sync:    sm,
		logger:  logger.Named("account"),
		now:     time.Now,
	}
}

// Seed creates the profile, a zero balance, zero totals and a Locked entry
// for every catalog item the user does not already hold. Existing documents
// are left as they are, so seeding twice is harmless.
func (s *AccountService) Seed(ctx context.Context, userID, email string) (*model.SeedResult, error) {
	if err := checkID("user_id", userID); err != nil {
		return nil, err
	}

	var result *model.SeedResult
	err := s.store.RunTransaction(ctx, func(ctx context.Context, tx store.Tx) error {
		result = &model.SeedResult{UserID: userID}
		ts := s.now().UTC().Unix()

		profile, err := tx.Get(ctx, model.UserPath(userID))
		if err != nil {
			return err
		}
		balance, err := tx.Get(ctx, model.BalancePath(userID))
		if err != nil {
			return err
		}
		totals, err := tx.Get(ctx, model.TotalsPath(userID))
		if err != nil {
			return err
		}

		var missing []string
		for _, id := range s.catalog.IDs() {
			locked, err := tx.Get(ctx, model.LockedPath(userID, id))
			if err != nil {
				return err
			}
			unlocked, err := tx.Get(ctx, model.UnlockedPath(userID, id))
			if err != nil {
				return err
			}
			if !locked.Exists() && !unlocked.Exists() {
				missing = append(missing, id)
			}
		}

		if !profile.Exists() {
			result.ProfileNew = true
			if err := tx.Set(model.UserPath(userID), map[string]interface{}{model.FieldEmail: email}); err != nil {
				return err
			}
		}
		if !balance.Exists() {
			result.BalanceNew = true
			if err := tx.Set(model.BalancePath(userID), map[string]interface{}{
				model.FieldCoins:     int64(0),
				model.FieldUpdatedAt: ts,
			}); err != nil {
				return err
			}
		}
		if !totals.Exists() {
			result.TotalsNew = true
			if err := tx.Set(model.TotalsPath(userID), map[string]interface{}{
				model.FieldSteps:     int64(0),
				model.FieldMiles:     float64(0),
				model.FieldCalories:  int64(0),
				model.FieldUpdatedAt: ts,
			}); err != nil {
				return err
			}
		}
		for _, id := range missing {
			if err := tx.Set(model.LockedPath(userID, id), map[string]interface{}{model.FieldItemID: id}); err != nil {
				return err
			}
		}
		result.LockedCreated = missing
		return nil
	})
	if err != nil {
		return nil, classify("seed", err)
	}

	s.logger.Info("seeded user",
		zap.String("user_id", userID),
		zap.Bool("profile_created", result.ProfileNew),
		zap.Int("items_created", len(result.LockedCreated)))

	if err := s.sync.Refresh(context.WithoutCancel(ctx), userID); err != nil {
		s.logger.Warn("cache seed failed", zap.String("user_id", userID), zap.Error(err))
	}
	return result, nil
}

// View returns the cached state of a user, filling the cache from the remote
// store on a miss.
func (s *AccountService) View(ctx context.Context, userID string) (*model.UserView, error) {
	if err := checkID("user_id", userID); err != nil {
		return nil, err
	}

	view, err := s.readView(ctx, userID)
	if errors.Is(err, cache.ErrCacheMiss) {
		if err := s.sync.Refresh(ctx, userID); err != nil {
			return nil, err
		}
		view, err = s.readView(ctx, userID)
	}
	if errors.Is(err, cache.ErrCacheMiss) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, err
	}
	return view, nil
}

func (s *AccountService) readView(ctx context.Context, userID string) (*model.UserView, error) {
	profile, err := s.cache.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	balance, err := s.cache.GetBalance(ctx, userID)
	if err != nil {
		return nil, err
	}
	items, err := s.cache.ListItems(ctx, userID)
	if err != nil {
		return nil, err
	}
	totals, err := s.cache.GetTotals(ctx, userID)
	if err != nil && !errors.Is(err, cache.ErrCacheMiss) {
		return nil, err
	}

	view := &model.UserView{
		Profile:  profile,
		Balance:  balance,
		Totals:   totals,
		Unlocked: []string{},
		Locked:   []string{},
	}
	for _, it := range items {
		if it.Locked {
			view.Locked = append(view.Locked, it.ItemID)
		} else {
			view.Unlocked = append(view.Unlocked, it.ItemID)
		}
	}
	return view, nil
}

// Daily returns cached per-day activity within [from, to].
func (s *AccountService) Daily(ctx context.Context, userID, from, to string) ([]model.DailyData, error) {
	if err := checkID("user_id", userID); err != nil {
		return nil, err
	}
	for _, d := range []string{from, to} {
		if d == "" {
			continue
		}
		if _, err := time.Parse(model.DateLayout, d); err != nil {
			return nil, invalid("date %q must be YYYY-MM-DD", d)
		}
	}
	days, err := s.cache.ListDaily(ctx, userID, from, to)
	if err != nil {
		return nil, err
	}
	if days == nil {
		days = []model.DailyData{}
	}
	return days, nil
}

// Sessions returns up to limit cached sessions, most recent first, with a
// summary of the ones returned. A limit of zero returns all of them. A user
// not cached yet is filled from the remote store first.
func (s *AccountService) Sessions(ctx context.Context, userID string, limit int) (*model.SessionList, error) {
	if err := checkID("user_id", userID); err != nil {
		return nil, err
	}
	if limit < 0 {
		return nil, invalid("limit must be non-negative, got %d", limit)
	}

	sessions, err := s.cache.ListSessions(ctx, userID, limit)
	if err != nil {
		return nil, err
	}
	if len(sessions) == 0 {
		if _, err := s.cache.GetUser(ctx, userID); errors.Is(err, cache.ErrCacheMiss) {
			if err := s.sync.Refresh(ctx, userID); err != nil {
				return nil, err
			}
			if sessions, err = s.cache.ListSessions(ctx, userID, limit); err != nil {
				return nil, err
			}
		}
	}
	if sessions == nil {
		sessions = []model.Session{}
	}
	return &model.SessionList{Sessions: sessions, Summary: summarize(sessions)}, nil
}

func summarize(sessions []model.Session) model.SessionSummary {
	sum := model.SessionSummary{Count: len(sessions)}
	for _, s := range sessions {
		sum.Miles += s.Miles
		sum.DurationSeconds += s.DurationSeconds
	}
	sum.PaceSecondsPerMile = model.Pace(sum.DurationSeconds, sum.Miles)
	return sum
}
