package cache

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"trek-rest-api/internal/model"

	"go.uber.org/zap"
	_ "modernc.org/sqlite" // Pure Go SQLite driver - no CGO required
)

// SQLiteCache implements LocalCache using SQLite.
// Thread-safe with WAL mode for concurrent reads.
type SQLiteCache struct {
	db       *sql.DB
	mu       sync.RWMutex
	notifier *Notifier
}

// NewSQLiteCache opens (or creates) the cache database at dbPath.
func NewSQLiteCache(dbPath string, logger *zap.Logger) (*SQLiteCache, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create cache directory: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)", dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite: %w", err)
	}

	db.SetMaxOpenConns(1) // SQLite only supports 1 writer
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := createCacheTables(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	logger.Named("cache").Info("local cache ready", zap.String("path", dbPath))
	return &SQLiteCache{db: db, notifier: NewNotifier()}, nil
}

func createCacheTables(db *sql.DB) error {
	query := `
	CREATE TABLE IF NOT EXISTS users (
		uid TEXT PRIMARY KEY,
		email TEXT NOT NULL DEFAULT '',
		selected_item TEXT
	);
	CREATE TABLE IF NOT EXISTS coin_balance (
		uid TEXT PRIMARY KEY,
		coins INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE TABLE IF NOT EXISTS items (
		uid TEXT NOT NULL,
		item_id TEXT NOT NULL,
		locked INTEGER NOT NULL,
		PRIMARY KEY (uid, item_id)
	);
	CREATE TABLE IF NOT EXISTS daily_data (
		uid TEXT NOT NULL,
		date TEXT NOT NULL,
		steps INTEGER NOT NULL,
		miles REAL NOT NULL,
		calories INTEGER NOT NULL,
		PRIMARY KEY (uid, date)
	);
	CREATE INDEX IF NOT EXISTS idx_daily_date ON daily_data(date);
	CREATE TABLE IF NOT EXISTS user_totals (
		uid TEXT PRIMARY KEY,
		steps INTEGER NOT NULL,
		miles REAL NOT NULL,
		calories INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE TABLE IF NOT EXISTS activity_sessions (
		uid TEXT NOT NULL,
		id TEXT NOT NULL,
		date TEXT NOT NULL,
		started_at INTEGER NOT NULL,
		duration_seconds INTEGER NOT NULL,
		steps INTEGER NOT NULL,
		miles REAL NOT NULL,
		calories INTEGER NOT NULL,
		coins_earned INTEGER NOT NULL,
		PRIMARY KEY (uid, id)
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_started ON activity_sessions(uid, started_at DESC);
	`
	_, err := db.Exec(query)
	return err
}

// GetUser retrieves a cached profile.
func (c *SQLiteCache) GetUser(ctx context.Context, uid string) (*model.Profile, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var (
		p        = model.Profile{UserID: uid}
		selected sql.NullString
	)
	err := c.db.QueryRowContext(ctx, `SELECT email, selected_item FROM users WHERE uid = ?`, uid).
		Scan(&p.Email, &selected)
	if err == sql.ErrNoRows {
		return nil, ErrCacheMiss
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	if selected.Valid {
		p.SelectedItem = &selected.String
	}
	return &p, nil
}

// PutUser stores a profile.
func (c *SQLiteCache) PutUser(ctx context.Context, p *model.Profile) error {
	var selected sql.NullString
	if p.SelectedItem != nil {
		selected = sql.NullString{String: *p.SelectedItem, Valid: true}
	}

	c.mu.Lock()
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO users (uid, email, selected_item) VALUES (?, ?, ?)
		ON CONFLICT(uid) DO UPDATE SET
			email = excluded.email,
			selected_item = excluded.selected_item`,
		p.UserID, p.Email, selected)
	c.mu.Unlock()
	if err != nil {
		return fmt.Errorf("failed to put user: %w", err)
	}

	c.notifier.Publish(Change{UserID: p.UserID, Entity: EntityUser})
	return nil
}

// GetBalance retrieves a cached balance.
func (c *SQLiteCache) GetBalance(ctx context.Context, uid string) (*model.Balance, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	b := model.Balance{UserID: uid}
	var updated int64
	err := c.db.QueryRowContext(ctx, `SELECT coins, updated_at FROM coin_balance WHERE uid = ?`, uid).
		Scan(&b.Coins, &updated)
	if err == sql.ErrNoRows {
		return nil, ErrCacheMiss
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get balance: %w", err)
	}
	b.UpdatedAt = time.Unix(0, updated).UTC()
	return &b, nil
}

// PutBalance stores a balance.
func (c *SQLiteCache) PutBalance(ctx context.Context, b *model.Balance) error {
	c.mu.Lock()
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO coin_balance (uid, coins, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(uid) DO UPDATE SET
			coins = excluded.coins,
			updated_at = excluded.updated_at`,
		b.UserID, b.Coins, b.UpdatedAt.UnixNano())
	c.mu.Unlock()
	if err != nil {
		return fmt.Errorf("failed to put balance: %w", err)
	}

	c.notifier.Publish(Change{UserID: b.UserID, Entity: EntityBalance})
	return nil
}

// PutItem records one item's state.
func (c *SQLiteCache) PutItem(ctx context.Context, item model.OwnedItem) error {
	c.mu.Lock()
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO items (uid, item_id, locked) VALUES (?, ?, ?)
		ON CONFLICT(uid, item_id) DO UPDATE SET locked = excluded.locked`,
		item.UserID, item.ItemID, item.Locked)
	c.mu.Unlock()
	if err != nil {
		return fmt.Errorf("failed to put item: %w", err)
	}

	c.notifier.Publish(Change{UserID: item.UserID, Entity: EntityItems, Key: item.ItemID})
	return nil
}

// ReplaceItems makes ids the user's complete set for one state.
func (c *SQLiteCache) ReplaceItems(ctx context.Context, uid string, locked bool, ids []string) error {
	c.mu.Lock()
	err := c.replaceItems(ctx, uid, locked, ids)
	c.mu.Unlock()
	if err != nil {
		return err
	}

	c.notifier.Publish(Change{UserID: uid, Entity: EntityItems})
	return nil
}

func (c *SQLiteCache) replaceItems(ctx context.Context, uid string, locked bool, ids []string) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `CREATE TEMP TABLE IF NOT EXISTS keep_items (item_id TEXT PRIMARY KEY)`); err != nil {
		return fmt.Errorf("failed to prepare item set: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM keep_items`); err != nil {
		return fmt.Errorf("failed to prepare item set: %w", err)
	}

	upsert := `
		INSERT INTO items (uid, item_id, locked) VALUES (?, ?, ?)
		ON CONFLICT(uid, item_id) DO UPDATE SET locked = excluded.locked`
	if locked {
		upsert = `INSERT INTO items (uid, item_id, locked) VALUES (?, ?, ?) ON CONFLICT(uid, item_id) DO NOTHING`
	}
	stmt, err := tx.PrepareContext(ctx, upsert)
	if err != nil {
		return fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer stmt.Close()

	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO keep_items (item_id) VALUES (?)`, id); err != nil {
			return fmt.Errorf("failed to stage item %s: %w", id, err)
		}
		if _, err := stmt.ExecContext(ctx, uid, id, locked); err != nil {
			return fmt.Errorf("failed to upsert item %s: %w", id, err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM items
		WHERE uid = ? AND locked = ? AND item_id NOT IN (SELECT item_id FROM keep_items)`,
		uid, locked); err != nil {
		return fmt.Errorf("failed to prune items: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// ListItems returns the user's items sorted by id.
func (c *SQLiteCache) ListItems(ctx context.Context, uid string) ([]model.OwnedItem, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	rows, err := c.db.QueryContext(ctx, `SELECT item_id, locked FROM items WHERE uid = ? ORDER BY item_id`, uid)
	if err != nil {
		return nil, fmt.Errorf("failed to list items: %w", err)
	}
	defer rows.Close()

	var out []model.OwnedItem
	for rows.Next() {
		item := model.OwnedItem{UserID: uid}
		if err := rows.Scan(&item.ItemID, &item.Locked); err != nil {
			return nil, fmt.Errorf("failed to scan item: %w", err)
		}
		out = append(out, item)
	}
	return out, rows.Err()
}

// GetTotals retrieves the cached totals.
func (c *SQLiteCache) GetTotals(ctx context.Context, uid string) (*model.Totals, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	t := model.Totals{UserID: uid}
	var updated int64
	err := c.db.QueryRowContext(ctx, `SELECT steps, miles, calories, updated_at FROM user_totals WHERE uid = ?`, uid).
		Scan(&t.Steps, &t.Miles, &t.Calories, &updated)
	if err == sql.ErrNoRows {
		return nil, ErrCacheMiss
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get totals: %w", err)
	}
	t.UpdatedAt = time.Unix(0, updated).UTC()
	return &t, nil
}

// PutTotals stores the totals.
func (c *SQLiteCache) PutTotals(ctx context.Context, t *model.Totals) error {
	c.mu.Lock()
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO user_totals (uid, steps, miles, calories, updated_at) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(uid) DO UPDATE SET
			steps = excluded.steps,
			miles = excluded.miles,
			calories = excluded.calories,
			updated_at = excluded.updated_at`,
		t.UserID, t.Steps, t.Miles, t.Calories, t.UpdatedAt.UnixNano())
	c.mu.Unlock()
	if err != nil {
		return fmt.Errorf("failed to put totals: %w", err)
	}

	c.notifier.Publish(Change{UserID: t.UserID, Entity: EntityTotals})
	return nil
}

// PutDaily stores one day's aggregate.
func (c *SQLiteCache) PutDaily(ctx context.Context, d *model.DailyData) error {
	c.mu.Lock()
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO daily_data (uid, date, steps, miles, calories) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(uid, date) DO UPDATE SET
			steps = excluded.steps,
			miles = excluded.miles,
			calories = excluded.calories`,
		d.UserID, d.Date, d.Steps, d.Miles, d.Calories)
	c.mu.Unlock()
	if err != nil {
		return fmt.Errorf("failed to put daily data: %w", err)
	}

	c.notifier.Publish(Change{UserID: d.UserID, Entity: EntityDaily, Key: d.Date})
	return nil
}

// ListDaily returns the user's days within [from, to], newest first.
func (c *SQLiteCache) ListDaily(ctx context.Context, uid, from, to string) ([]model.DailyData, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	query := `SELECT date, steps, miles, calories FROM daily_data WHERE uid = ?`
	args := []interface{}{uid}
	if from != "" {
		query += ` AND date >= ?`
		args = append(args, from)
	}
	if to != "" {
		query += ` AND date <= ?`
		args = append(args, to)
	}
	query += ` ORDER BY date DESC`

	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list daily data: %w", err)
	}
	defer rows.Close()

	var out []model.DailyData
	for rows.Next() {
		d := model.DailyData{UserID: uid}
		if err := rows.Scan(&d.Date, &d.Steps, &d.Miles, &d.Calories); err != nil {
			return nil, fmt.Errorf("failed to scan daily data: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// ReplaceSessions makes sessions the user's complete set.
func (c *SQLiteCache) ReplaceSessions(ctx context.Context, uid string, sessions []model.Session) error {
	c.mu.Lock()
	err := c.replaceSessions(ctx, uid, sessions)
	c.mu.Unlock()
	if err != nil {
		return err
	}

	c.notifier.Publish(Change{UserID: uid, Entity: EntitySessions})
	return nil
}

func (c *SQLiteCache) replaceSessions(ctx context.Context, uid string, sessions []model.Session) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM activity_sessions WHERE uid = ?`, uid); err != nil {
		return fmt.Errorf("failed to clear sessions: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO activity_sessions
			(uid, id, date, started_at, duration_seconds, steps, miles, calories, coins_earned)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer stmt.Close()

	for _, s := range sessions {
		if _, err := stmt.ExecContext(ctx, uid, s.ID, s.Date, s.StartedAt.Unix(),
			s.DurationSeconds, s.Steps, s.Miles, s.Calories, s.CoinsEarned); err != nil {
			return fmt.Errorf("failed to insert session %s: %w", s.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// ListSessions returns up to limit sessions, most recent first.
func (c *SQLiteCache) ListSessions(ctx context.Context, uid string, limit int) ([]model.Session, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	query := `
		SELECT id, date, started_at, duration_seconds, steps, miles, calories, coins_earned
		FROM activity_sessions WHERE uid = ?
		ORDER BY started_at DESC, id DESC`
	args := []interface{}{uid}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var out []model.Session
	for rows.Next() {
		s := model.Session{UserID: uid}
		var started int64
		if err := rows.Scan(&s.ID, &s.Date, &started, &s.DurationSeconds,
			&s.Steps, &s.Miles, &s.Calories, &s.CoinsEarned); err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		s.StartedAt = time.Unix(started, 0).UTC()
		s.PaceSecondsPerMile = model.Pace(s.DurationSeconds, s.Miles)
		out = append(out, s)
	}
	return out, rows.Err()
}

// DeleteDailyBefore removes days older than cutoff.
func (c *SQLiteCache) DeleteDailyBefore(ctx context.Context, cutoff string) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	result, err := c.db.ExecContext(ctx, `DELETE FROM daily_data WHERE date < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete daily data: %w", err)
	}
	return result.RowsAffected()
}

// Stats returns row counts.
func (c *SQLiteCache) Stats(ctx context.Context) (map[string]interface{}, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	stats := map[string]interface{}{
		"type":        "sqlite",
		"subscribers": c.notifier.Subscribers(),
	}
	for key, table := range map[string]string{
		"users":      "users",
		"balances":   "coin_balance",
		"items":      "items",
		"daily_rows": "daily_data",
		"totals":     "user_totals",
		"sessions":   "activity_sessions",
	} {
		var count int64
		if err := c.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table).Scan(&count); err != nil {
			return stats, err
		}
		stats[key] = count
	}
	return stats, nil
}

// Subscribe streams changes for uid.
func (c *SQLiteCache) Subscribe(uid string) (<-chan Change, func()) {
	return c.notifier.Subscribe(uid)
}

// Close closes the database.
func (c *SQLiteCache) Close() error {
	return c.db.Close()
}

// Ensure SQLiteCache implements LocalCache
var _ LocalCache = (*SQLiteCache)(nil)
