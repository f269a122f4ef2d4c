package model

import (
	"math"
	"time"
)

// DateLayout is the key format of per-day aggregates.
const DateLayout = "2006-01-02"

// Profile is the user's profile record.
type Profile struct {
	UserID       string  `json:"user_id"`
	Email        string  `json:"email,omitempty"`
	SelectedItem *string `json:"selected_item"`
}

// Balance is a user's coin balance.
type Balance struct {
	UserID    string    `json:"user_id"`
	Coins     int64     `json:"coins"`
	UpdatedAt time.Time `json:"updated_at"`
}

// OwnedItem is one entry of a user's Locked or Unlocked set.
type OwnedItem struct {
	UserID string `json:"user_id"`
	ItemID string `json:"item_id"`
	Locked bool   `json:"locked"`
}

// DailyData is the activity aggregate of one user on one day.
type DailyData struct {
	UserID   string  `json:"user_id"`
	Date     string  `json:"date"`
	Steps    int64   `json:"steps"`
	Miles    float64 `json:"miles"`
	Calories int64   `json:"calories"`
}

// Totals is the cumulative activity aggregate of one user.
type Totals struct {
	UserID    string    `json:"user_id"`
	Steps     int64     `json:"steps"`
	Miles     float64   `json:"miles"`
	Calories  int64     `json:"calories"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Activity is a step/distance/energy delta reported by a tracking session.
type Activity struct {
	Steps    int64   `json:"steps"`
	Miles    float64 `json:"miles"`
	Calories int64   `json:"calories"`
}

// IsZero reports whether the activity carries nothing to record.
func (a Activity) IsZero() bool {
	return a.Steps == 0 && a.Miles == 0 && a.Calories == 0
}

// Session is one recorded walk or run.
type Session struct {
	ID                 string    `json:"id"`
	UserID             string    `json:"user_id"`
	Date               string    `json:"date"`
	StartedAt          time.Time `json:"started_at"`
	DurationSeconds    int64     `json:"duration_seconds"`
	Steps              int64     `json:"steps"`
	Miles              float64   `json:"miles"`
	Calories           int64     `json:"calories"`
	CoinsEarned        int64     `json:"coins_earned"`
	PaceSecondsPerMile int64     `json:"pace_seconds_per_mile"`
}

// Pace is the average pace in seconds per mile, or zero when no distance
// was covered.
func Pace(durationSeconds int64, miles float64) int64 {
	if miles <= 0 || durationSeconds <= 0 {
		return 0
	}
	pace := float64(durationSeconds) / miles
	if pace >= math.MaxInt64 {
		return 0
	}
	return int64(pace)
}

// SessionInput is a session reported by a client. StartedAt is unix seconds;
// zero means now.
type SessionInput struct {
	StartedAt       int64   `json:"started_at"`
	DurationSeconds int64   `json:"duration_seconds"`
	Steps           int64   `json:"steps"`
	Miles           float64 `json:"miles"`
	Calories        int64   `json:"calories"`
}

// Activity returns the accrual part of the input.
func (in SessionInput) Activity() Activity {
	return Activity{Steps: in.Steps, Miles: in.Miles, Calories: in.Calories}
}

// SessionSummary aggregates a list of sessions.
type SessionSummary struct {
	Count              int     `json:"count"`
	Miles              float64 `json:"miles"`
	DurationSeconds    int64   `json:"duration_seconds"`
	PaceSecondsPerMile int64   `json:"pace_seconds_per_mile"`
}

// SessionList is the newest-first session listing served to clients.
type SessionList struct {
	Sessions []Session      `json:"sessions"`
	Summary  SessionSummary `json:"summary"`
}

// SessionResult describes a committed session and the coins it earned.
type SessionResult struct {
	Session Session        `json:"session"`
	Accrual *AccrualResult `json:"accrual"`
}

// PurchaseResult describes a committed purchase.
type PurchaseResult struct {
	ReceiptID   string    `json:"receipt_id"`
	UserID      string    `json:"user_id"`
	ItemID      string    `json:"item_id"`
	Price       int64     `json:"price"`
	Balance     int64     `json:"balance"`
	PurchasedAt time.Time `json:"purchased_at"`
}

// AccrualResult describes a committed activity accrual.
type AccrualResult struct {
	UserID      string `json:"user_id"`
	Date        string `json:"date"`
	CoinsEarned int64  `json:"coins_earned"`
	Balance     int64  `json:"balance"`
	TotalSteps  int64  `json:"total_steps"`
	Buffered    bool   `json:"buffered"`
}

// UserView is the cached, read-optimized picture of a user served to clients.
type UserView struct {
	Profile  *Profile `json:"profile"`
	Balance  *Balance `json:"balance"`
	Unlocked []string `json:"unlocked"`
	Locked   []string `json:"locked"`
	Totals   *Totals  `json:"totals"`
}

// SeedResult reports which documents Seed created.
type SeedResult struct {
	UserID        string   `json:"user_id"`
	ProfileNew    bool     `json:"profile_created"`
	BalanceNew    bool     `json:"balance_created"`
	TotalsNew     bool     `json:"totals_created"`
	LockedCreated []string `json:"locked_created"`
}

// BufferedActivity is activity accepted but not yet applied to the remote
// store, grouped by user and day.
type BufferedActivity struct {
	UserID    string    `json:"user_id"`
	Date      string    `json:"date"`
	Activity  Activity  `json:"activity"`
	UpdatedAt time.Time `json:"updated_at"`
}
