package directory

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"overseer/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration
}

// Open opens the configured directory backend.
func Open(ctx context.Context, cfg Config, log logx.Logger) (*SQLite, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	switch d := strings.ToLower(strings.TrimSpace(cfg.Driver)); d {
	case "", "sqlite", "sqlite3":
		return openSQLite(ctx, cfg, log)
	default:
		return nil, errors.New("unknown directory driver: " + d)
	}
}

type SQLite struct {
	db  *sql.DB
	log logx.Logger
}

var _ Directory = (*SQLite)(nil)

func openSQLite(ctx context.Context, cfg Config, log logx.Logger) (*SQLite, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	q := url.Values{}
	q.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", busy.Milliseconds()))
	q.Add("_pragma", "foreign_keys(1)")
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", "synchronous(NORMAL)")

	db, err := sql.Open("sqlite", "file:"+path+"?"+q.Encode())
	if err != nil {
		return nil, err
	}
	// single writer; reads are cheap enough to share it
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &SQLite{db: db, log: log}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate %s: %w", path, err)
	}
	return s, nil
}

func (s *SQLite) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *SQLite) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func now() string { return time.Now().UTC().Format(time.RFC3339Nano) }

func parseTime(v string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, v)
	return t
}

// ListSubscribers returns users with at least one subscription.
func (s *SQLite) ListSubscribers(ctx context.Context) ([]Subscriber, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT u.telegram_id, u.full_name FROM users u
		WHERE EXISTS (SELECT 1 FROM subscriptions s WHERE s.user_id = u.user_id)
		ORDER BY u.telegram_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Subscriber
	for rows.Next() {
		var u Subscriber
		if err := rows.Scan(&u.ID, &u.FullName); err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

func (s *SQLite) ListSubscriptions(ctx context.Context, subscriber int64) ([]Subscription, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT sl.nickname, sub.message_id, sub.sub_date
		FROM subscriptions sub
		JOIN users u ON u.user_id = sub.user_id
		JOIN slaves sl ON sl.slave_id = sub.slave_id
		WHERE u.telegram_id = ?
		ORDER BY sl.nickname`, subscriber)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Subscription
	for rows.Next() {
		sub := Subscription{Subscriber: subscriber}
		var since string
		if err := rows.Scan(&sub.Slave, &sub.Handle, &since); err != nil {
			return nil, err
		}
		sub.Since = parseTime(since)
		out = append(out, sub)
	}
	return out, rows.Err()
}

func (s *SQLite) SlaveCredential(ctx context.Context, nickname string) (string, error) {
	var hash string
	err := s.db.QueryRowContext(ctx, `SELECT password FROM slaves WHERE nickname = ?`, nickname).Scan(&hash)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("slave %q: %w", nickname, ErrNotFound)
	}
	return hash, err
}

// AddUser registers a user or refreshes its display name.
func (s *SQLite) AddUser(ctx context.Context, u Subscriber) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users(telegram_id, full_name, created_at) VALUES(?,?,?)
		ON CONFLICT(telegram_id) DO UPDATE SET full_name = excluded.full_name`,
		u.ID, u.FullName, now())
	return err
}

func (s *SQLite) AddSlave(ctx context.Context, sl Slave) error {
	if strings.TrimSpace(sl.Nickname) == "" {
		return errors.New("slave nickname is required")
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO slaves(nickname, password, ip, owner_id, created_at) VALUES(?,?,?,?,?)
		ON CONFLICT(nickname) DO NOTHING`,
		sl.Nickname, sl.PasswordHash, sl.IP, sl.Owner, now())
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("slave %q: %w", sl.Nickname, ErrExists)
	}
	return nil
}

func (s *SQLite) GetSlave(ctx context.Context, nickname string) (Slave, error) {
	sl := Slave{Nickname: nickname}
	var created string
	err := s.db.QueryRowContext(ctx,
		`SELECT password, ip, owner_id, created_at FROM slaves WHERE nickname = ?`, nickname,
	).Scan(&sl.PasswordHash, &sl.IP, &sl.Owner, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return Slave{}, fmt.Errorf("slave %q: %w", nickname, ErrNotFound)
	}
	sl.CreatedAt = parseTime(created)
	return sl, err
}

func (s *SQLite) SetSlavePassword(ctx context.Context, nickname, passwordHash string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE slaves SET password = ? WHERE nickname = ?`, passwordHash, nickname)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("slave %q: %w", nickname, ErrNotFound)
	}
	return nil
}

// RemoveSlave deletes a slave and, by cascade, its subscriptions.
func (s *SQLite) RemoveSlave(ctx context.Context, nickname string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM slaves WHERE nickname = ?`, nickname)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("slave %q: %w", nickname, ErrNotFound)
	}
	return nil
}

func (s *SQLite) ListSlaves(ctx context.Context) ([]Slave, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT nickname, password, ip, owner_id, created_at FROM slaves ORDER BY nickname`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Slave
	for rows.Next() {
		var sl Slave
		var created string
		if err := rows.Scan(&sl.Nickname, &sl.PasswordHash, &sl.IP, &sl.Owner, &created); err != nil {
			return nil, err
		}
		sl.CreatedAt = parseTime(created)
		out = append(out, sl)
	}
	return out, rows.Err()
}

// Subscribe creates the subscription or points it at a new status message.
// The user and slave must exist.
func (s *SQLite) Subscribe(ctx context.Context, subscriber int64, nickname string, handle int) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var userID, slaveID int64
	err = tx.QueryRowContext(ctx, `SELECT user_id FROM users WHERE telegram_id = ?`, subscriber).Scan(&userID)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("user %d: %w", subscriber, ErrNotFound)
	}
	if err != nil {
		return err
	}
	err = tx.QueryRowContext(ctx, `SELECT slave_id FROM slaves WHERE nickname = ?`, nickname).Scan(&slaveID)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("slave %q: %w", nickname, ErrNotFound)
	}
	if err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO subscriptions(user_id, slave_id, message_id, sub_date) VALUES(?,?,?,?)
		ON CONFLICT(user_id, slave_id) DO UPDATE SET message_id = excluded.message_id`,
		userID, slaveID, handle, now()); err != nil {
		return err
	}
	return tx.Commit()
}

// Unsubscribe reports whether a subscription was removed.
func (s *SQLite) Unsubscribe(ctx context.Context, subscriber int64, nickname string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM subscriptions
		WHERE user_id = (SELECT user_id FROM users WHERE telegram_id = ?)
		  AND slave_id = (SELECT slave_id FROM slaves WHERE nickname = ?)`,
		subscriber, nickname)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}
