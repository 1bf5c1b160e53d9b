// Package sqlite backs the notification source and the outbound message log
// with a local SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"psinotify/internal/source"
	"psinotify/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type Config struct {
	Path        string
	BusyTimeout time.Duration
}

type Store struct {
	db  *sql.DB
	log logx.Logger
}

// Open initializes the database, applying migrations.
func Open(cfg Config, log logx.Logger) (*Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite: path is required")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	st := &Store{db: db, log: log}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *Store) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// FetchDue returns up to limit pending notifications whose schedule has
// arrived and flips them to in_flight in the same transaction, so a record
// is never handed out twice.
func (s *Store) FetchDue(ctx context.Context, limit int) ([]source.Notification, error) {
	if limit <= 0 {
		limit = 50
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC().Format(time.RFC3339Nano)
	rows, err := tx.QueryContext(ctx,
		`SELECT id, recipient, body, type, scheduled_for
		   FROM notifications
		  WHERE status = ? AND scheduled_for <= ?
		  ORDER BY scheduled_for, id
		  LIMIT ?`,
		string(source.StatusPending), now, limit,
	)
	if err != nil {
		return nil, err
	}

	var out []source.Notification
	var ids []any
	for rows.Next() {
		var n source.Notification
		var sched string
		if err := rows.Scan(&n.ID, &n.To, &n.Body, &n.Type, &sched); err != nil {
			rows.Close()
			return nil, err
		}
		if t, err := time.Parse(time.RFC3339Nano, sched); err == nil {
			n.ScheduledFor = t
		}
		out = append(out, n)
		ids = append(ids, n.ID)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, tx.Commit()
	}

	q := `UPDATE notifications SET status = ?, updated_at = ? WHERE id IN (?` +
		strings.Repeat(",?", len(ids)-1) + `)`
	args := append([]any{string(source.StatusInFlight), now}, ids...)
	if _, err := tx.ExecContext(ctx, q, args...); err != nil {
		return nil, err
	}
	return out, tx.Commit()
}

func (s *Store) MarkStatus(ctx context.Context, id int64, status source.Status) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE notifications SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), time.Now().UTC().Format(time.RFC3339Nano), id,
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("sqlite: notification %d not found", id)
	}
	return nil
}

// Insert creates a new pending notification and returns its id. Used by
// seeding tools and tests; the dashboard's data layer writes the same table.
func (s *Store) Insert(ctx context.Context, n source.Notification) (int64, error) {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	sched := n.ScheduledFor
	if sched.IsZero() {
		sched = time.Now()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO notifications(recipient, body, type, status, scheduled_for, created_at, updated_at)
		 VALUES(?,?,?,?,?,?,?)`,
		n.To, n.Body, n.Type, string(source.StatusPending), sched.UTC().Format(time.RFC3339Nano), now, now,
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (s *Store) RecordOutcome(ctx context.Context, o source.Outcome) error {
	at := o.At
	if at.IsZero() {
		at = time.Now()
	}
	var notifID any
	if o.NotificationID != 0 {
		notifID = o.NotificationID
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO outbound_log(message_id, notification_id, recipient, success, response_ms, err, at)
		 VALUES(?,?,?,?,?,?,?)`,
		o.MessageID, notifID, o.To, boolInt(o.Success), o.ResponseTime.Milliseconds(), nullStr(o.Error),
		at.UTC().Format(time.RFC3339Nano),
	)
	return err
}

// RecordAck upserts the highest acknowledgment level seen for a transport
// message id (1 server, 2 device, 3 read).
func (s *Store) RecordAck(ctx context.Context, transportMsgID string, level int) error {
	if transportMsgID == "" {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO delivery_acks(transport_msg_id, level, at) VALUES(?,?,?)
		 ON CONFLICT(transport_msg_id) DO UPDATE SET
		   level = MAX(level, excluded.level), at = excluded.at`,
		transportMsgID, level, time.Now().UTC().Format(time.RFC3339Nano),
	)
	return err
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}
