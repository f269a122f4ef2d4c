package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"trek-rest-api/internal/cache"
	"trek-rest-api/internal/logging"
	"trek-rest-api/internal/model"
	"trek-rest-api/internal/store"
	"trek-rest-api/pkg/uid"

	"go.uber.org/zap"
)

// DefaultStepsPerCoin is the accrual ratio used when none is configured.
const DefaultStepsPerCoin = 100

// MaxSessionDuration bounds the length of one recorded session.
const MaxSessionDuration = 7 * 24 * time.Hour

// ActivityBuffer defers activity for later application.
type ActivityBuffer interface {
	Add(ctx context.Context, uid, date string, a model.Activity) error
}

// ActivityService records tracked activity and accrues coins for it.
type ActivityService struct {
	store        store.DocumentStore
	buffer       ActivityBuffer
	stepsPerCoin int64
	logger       *zap.Logger
	now          func() time.Time
}

// NewActivityService creates a new activity service.
func NewActivityService(st store.DocumentStore, stepsPerCoin int64, logger *zap.Logger) *ActivityService {
	if stepsPerCoin <= 0 {
		stepsPerCoin = DefaultStepsPerCoin
	}
	return &ActivityService{
		store:        st,
		stepsPerCoin: stepsPerCoin,
		logger:       logger.Named("activity"),
		now:          time.Now,
	}
}

// SetBuffer routes Record through a write-behind buffer.
func (s *ActivityService) SetBuffer(buffer ActivityBuffer) {
	s.buffer = buffer
}

// CoinsFor returns the coins earned when cumulative steps go from oldTotal to
// newTotal. Partial progress towards the next coin carries over.
func (s *ActivityService) CoinsFor(oldTotal, newTotal int64) int64 {
	return newTotal/s.stepsPerCoin - oldTotal/s.stepsPerCoin
}

// addCounter adds a non-negative delta to a stored counter, refusing sums
// that do not fit in an int64.
func addCounter(field string, total, delta int64) (int64, error) {
	if delta > 0 && total > math.MaxInt64-delta {
		return 0, invalid("%s would overflow", field)
	}
	return total + delta, nil
}

func addDistance(field string, total, delta float64) (float64, error) {
	sum := total + delta
	if math.IsInf(sum, 0) || math.IsNaN(sum) {
		return 0, invalid("%s would overflow", field)
	}
	return sum, nil
}

func validateActivity(a model.Activity) error {
	if a.Steps < 0 || a.Calories < 0 || a.Miles < 0 || math.IsNaN(a.Miles) || math.IsInf(a.Miles, 0) {
		return invalid("activity values must be non-negative")
	}
	if a.IsZero() {
		return invalid("activity is empty")
	}
	return nil
}

// Record accepts activity for today. With a buffer configured it is applied
// later in batches; otherwise immediately.
func (s *ActivityService) Record(ctx context.Context, userID string, a model.Activity) (*model.AccrualResult, error) {
	if err := checkID("user_id", userID); err != nil {
		return nil, err
	}
	if err := validateActivity(a); err != nil {
		return nil, err
	}

	date := s.now().UTC().Format(model.DateLayout)
	if s.buffer != nil {
		if err := s.buffer.Add(ctx, userID, date, a); err != nil {
			s.logger.Error("buffering activity failed", zap.String("user_id", userID), zap.Error(err))
			return nil, &RemoteError{Op: "record activity", Err: err}
		}
		return &model.AccrualResult{UserID: userID, Date: date, Buffered: true}, nil
	}
	return s.Apply(ctx, userID, a, date)
}

// Apply adds activity to the day and to the totals and credits the coins
// earned, in one transaction.
func (s *ActivityService) Apply(ctx context.Context, userID string, a model.Activity, date string) (*model.AccrualResult, error) {
	if err := checkID("user_id", userID); err != nil {
		return nil, err
	}
	if err := validateActivity(a); err != nil {
		return nil, err
	}
	if _, err := time.Parse(model.DateLayout, date); err != nil {
		return nil, invalid("date %q must be YYYY-MM-DD", date)
	}

	var result *model.AccrualResult
	err := s.store.RunTransaction(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		result, err = s.accrue(ctx, tx, userID, a, date)
		return err
	})
	if err != nil {
		return nil, classify("apply activity", err)
	}

	s.logger.Debug("activity applied",
		zap.String("user_id", userID),
		zap.String("date", date),
		zap.Int64("steps", a.Steps),
		zap.Int64("coins_earned", result.CoinsEarned))
	return result, nil
}

// LogSession records a finished walk or run and accrues its activity in the
// same transaction. Sessions bypass the activity buffer.
func (s *ActivityService) LogSession(ctx context.Context, userID string, in model.SessionInput) (*model.SessionResult, error) {
	if err := checkID("user_id", userID); err != nil {
		return nil, err
	}
	if in.DurationSeconds < 0 || in.StartedAt < 0 {
		return nil, invalid("session duration and start must be non-negative")
	}
	if in.DurationSeconds > int64(MaxSessionDuration/time.Second) {
		return nil, invalid("session duration exceeds %s", MaxSessionDuration)
	}
	a := in.Activity()
	if err := validateActivity(a); err != nil {
		return nil, err
	}

	started := s.now().UTC().Truncate(time.Second)
	if in.StartedAt > 0 {
		started = time.Unix(in.StartedAt, 0).UTC()
	}
	session := model.Session{
		ID:                 uid.NewReceipt(),
		UserID:             userID,
		Date:               started.Format(model.DateLayout),
		StartedAt:          started,
		DurationSeconds:    in.DurationSeconds,
		Steps:              a.Steps,
		Miles:              a.Miles,
		Calories:           a.Calories,
		PaceSecondsPerMile: model.Pace(in.DurationSeconds, a.Miles),
	}

	var accrual *model.AccrualResult
	err := s.store.RunTransaction(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		accrual, err = s.accrue(ctx, tx, userID, a, session.Date)
		if err != nil {
			return err
		}
		session.CoinsEarned = accrual.CoinsEarned
		return tx.Set(model.SessionPath(userID, session.ID), map[string]interface{}{
			model.FieldDate:        session.Date,
			model.FieldStartedAt:   started.Unix(),
			model.FieldDuration:    session.DurationSeconds,
			model.FieldSteps:       session.Steps,
			model.FieldMiles:       session.Miles,
			model.FieldCalories:    session.Calories,
			model.FieldCoinsEarned: session.CoinsEarned,
		})
	})
	if err != nil {
		return nil, classify("log session", err)
	}

	s.logger.Info("session logged",
		logging.RequestField(ctx),
		zap.String("user_id", userID),
		zap.String("session_id", session.ID),
		zap.Int64("steps", session.Steps),
		zap.Int64("coins_earned", session.CoinsEarned))
	return &model.SessionResult{Session: session, Accrual: accrual}, nil
}

// DeleteSession removes a recorded session. Coins and aggregates it added
// are kept.
func (s *ActivityService) DeleteSession(ctx context.Context, userID, sessionID string) error {
	if err := checkID("user_id", userID); err != nil {
		return err
	}
	if err := checkID("session_id", sessionID); err != nil {
		return err
	}

	path := model.SessionPath(userID, sessionID)
	err := s.store.RunTransaction(ctx, func(ctx context.Context, tx store.Tx) error {
		doc, err := tx.Get(ctx, path)
		if err != nil {
			return err
		}
		if !doc.Exists() {
			return ErrSessionNotFound
		}
		return tx.Delete(path)
	})
	if err != nil {
		return classify("delete session", err)
	}

	s.logger.Info("session deleted", logging.RequestField(ctx), zap.String("user_id", userID), zap.String("session_id", sessionID))
	return nil
}

// accrue reads the balance, totals and day of userID and writes them back
// with a added. Every read happens before the first write.
func (s *ActivityService) accrue(ctx context.Context, tx store.Tx, userID string, a model.Activity, date string) (*model.AccrualResult, error) {
	balance, err := tx.Get(ctx, model.BalancePath(userID))
	if err != nil {
		return nil, err
	}
	totals, err := tx.Get(ctx, model.TotalsPath(userID))
	if err != nil {
		return nil, err
	}
	daily, err := tx.Get(ctx, model.DailyPath(userID, date))
	if err != nil {
		return nil, err
	}

	ts := s.now().UTC().Unix()
	oldSteps := totals.Int64(model.FieldSteps)
	newSteps, err := addCounter("total steps", oldSteps, a.Steps)
	if err != nil {
		return nil, err
	}
	earned := s.CoinsFor(oldSteps, newSteps)
	coins, err := addCounter("coin balance", balance.Int64(model.FieldCoins), earned)
	if err != nil {
		return nil, err
	}
	totalMiles, err := addDistance("total miles", totals.Float64(model.FieldMiles), a.Miles)
	if err != nil {
		return nil, err
	}
	totalCalories, err := addCounter("total calories", totals.Int64(model.FieldCalories), a.Calories)
	if err != nil {
		return nil, err
	}
	daySteps, err := addCounter("daily steps", daily.Int64(model.FieldSteps), a.Steps)
	if err != nil {
		return nil, err
	}
	dayMiles, err := addDistance("daily miles", daily.Float64(model.FieldMiles), a.Miles)
	if err != nil {
		return nil, err
	}
	dayCalories, err := addCounter("daily calories", daily.Int64(model.FieldCalories), a.Calories)
	if err != nil {
		return nil, err
	}

	if err := tx.Set(model.TotalsPath(userID), map[string]interface{}{
		model.FieldSteps:     newSteps,
		model.FieldMiles:     totalMiles,
		model.FieldCalories:  totalCalories,
		model.FieldUpdatedAt: ts,
	}); err != nil {
		return nil, err
	}
	if err := tx.Set(model.DailyPath(userID, date), map[string]interface{}{
		model.FieldDate:     date,
		model.FieldSteps:    daySteps,
		model.FieldMiles:    dayMiles,
		model.FieldCalories: dayCalories,
	}); err != nil {
		return nil, err
	}
	if earned > 0 || !balance.Exists() {
		if err := tx.Merge(model.BalancePath(userID), map[string]interface{}{
			model.FieldCoins:     coins,
			model.FieldUpdatedAt: ts,
		}); err != nil {
			return nil, err
		}
	}

	return &model.AccrualResult{
		UserID:      userID,
		Date:        date,
		CoinsEarned: earned,
		Balance:     coins,
		TotalSteps:  newSteps,
	}, nil
}

// FlushFunc adapts Apply for the activity buffer. Activity Apply refuses as
// invalid is reported as cache.ErrRejected so the buffer stops retrying it.
func (s *ActivityService) FlushFunc() cache.FlushFunc {
	return func(ctx context.Context, item *model.BufferedActivity) error {
		_, err := s.Apply(ctx, item.UserID, item.Activity, item.Date)
		if errors.Is(err, ErrInvalidArgument) {
			return fmt.Errorf("%w: %v", cache.ErrRejected, err)
		}
		return err
	}
}
