// Package history хранит журнал звонков в SQLite.
//
// Store пишет записи, Recorder наполняет его из уведомлений сессии.
package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/arzzra/call_api/pkg/logging"
)

// ErrNotFound запись не найдена
var ErrNotFound = errors.New("history: entry not found")

// Direction направление звонка относительно владельца журнала
type Direction string

const (
	DirectionOutgoing Direction = "outgoing"
	DirectionIncoming Direction = "incoming"
)

// Entry запись о звонке
type Entry struct {
	ID          int64
	CallID      string
	SelfUserID  uint32
	PeerUserID  uint32
	Direction   Direction
	Kind        string // video или audio
	RoomID      string
	StartedAt   time.Time
	ConnectedAt time.Time // нулевое значение, если разговор не состоялся
	EndedAt     time.Time // нулевое значение, пока звонок не завершен
	EndState    string
	EndReason   string
	EventReason string
}

// Connected возвращает true если разговор состоялся
func (e *Entry) Connected() bool {
	return !e.ConnectedAt.IsZero()
}

// Duration длительность разговора от соединения до завершения
func (e *Entry) Duration() time.Duration {
	if e.ConnectedAt.IsZero() || e.EndedAt.IsZero() {
		return 0
	}
	return e.EndedAt.Sub(e.ConnectedAt)
}

const schema = `
CREATE TABLE IF NOT EXISTS call_history (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	call_id      TEXT    NOT NULL,
	self_user_id INTEGER NOT NULL,
	peer_user_id INTEGER NOT NULL,
	direction    TEXT    NOT NULL,
	kind         TEXT    NOT NULL,
	room_id      TEXT    NOT NULL DEFAULT '',
	started_at   INTEGER NOT NULL,
	connected_at INTEGER,
	ended_at     INTEGER,
	end_state    TEXT    NOT NULL DEFAULT '',
	end_reason   TEXT    NOT NULL DEFAULT '',
	event_reason TEXT    NOT NULL DEFAULT '',
	UNIQUE (call_id, self_user_id)
);
CREATE INDEX IF NOT EXISTS idx_call_history_started ON call_history (started_at);
`

// Store журнал звонков
type Store struct {
	db     *sql.DB
	logger logging.StructuredLogger
}

// Open открывает базу по пути path и создает схему. ":memory:" открывает базу в памяти.
func Open(path string, logger logging.StructuredLogger) (*Store, error) {
	dsn := ":memory:"
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("history: create directory: %w", err)
		}
		dsn = path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("history: open database: %w", err)
	}
	// SQLite допускает одного писателя; база в памяти живет в одном соединении
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("history: ping database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("history: apply schema: %w", err)
	}

	s := &Store{db: db, logger: logging.OrDefault(logger).WithComponent("history")}
	s.logger.Debug(context.Background(), "журнал звонков открыт", logging.String("path", path))
	return s, nil
}

// Close закрывает базу
func (s *Store) Close() error {
	return s.db.Close()
}

// Record добавляет запись о начале звонка. Повтор с тем же callId и владельцем игнорируется.
func (s *Store) Record(ctx context.Context, e *Entry) error {
	if e.CallID == "" {
		return fmt.Errorf("history: empty call id")
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO call_history
			(call_id, self_user_id, peer_user_id, direction, kind, room_id, started_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.CallID, int64(e.SelfUserID), int64(e.PeerUserID), string(e.Direction), e.Kind, e.RoomID, toMillis(e.StartedAt))
	if err != nil {
		return fmt.Errorf("history: insert %s: %w", e.CallID, err)
	}
	if id, err := res.LastInsertId(); err == nil && id > 0 {
		e.ID = id
	}
	return nil
}

// MarkConnected отмечает момент соединения
func (s *Store) MarkConnected(ctx context.Context, callID string, selfUserID uint32, at time.Time) error {
	return s.update(ctx, callID, selfUserID,
		`UPDATE call_history SET connected_at = ? WHERE call_id = ? AND self_user_id = ? AND connected_at IS NULL`,
		toMillis(at), callID, int64(selfUserID))
}

// Finish закрывает запись. Уже закрытая запись не меняется.
func (s *Store) Finish(ctx context.Context, callID string, selfUserID uint32, at time.Time, endState, endReason, eventReason string) error {
	return s.update(ctx, callID, selfUserID, `
		UPDATE call_history SET ended_at = ?, end_state = ?, end_reason = ?, event_reason = ?
		WHERE call_id = ? AND self_user_id = ? AND ended_at IS NULL`,
		toMillis(at), endState, endReason, eventReason, callID, int64(selfUserID))
}

func (s *Store) update(ctx context.Context, callID string, selfUserID uint32, query string, args ...interface{}) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("history: update %s: %w", callID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("history: update %s: %w", callID, err)
	}
	if n == 0 {
		var exists int
		err := s.db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM call_history WHERE call_id = ? AND self_user_id = ?`,
			callID, int64(selfUserID)).Scan(&exists)
		if err != nil {
			return fmt.Errorf("history: lookup %s: %w", callID, err)
		}
		if exists == 0 {
			return fmt.Errorf("%w: %s", ErrNotFound, callID)
		}
	}
	return nil
}

const selectColumns = `id, call_id, self_user_id, peer_user_id, direction, kind, room_id,
	started_at, connected_at, ended_at, end_state, end_reason, event_reason`

// List возвращает последние записи владельца, новые первыми. limit <= 0 без ограничения.
func (s *Store) List(ctx context.Context, selfUserID uint32, limit int) ([]Entry, error) {
	var b strings.Builder
	b.WriteString(`SELECT ` + selectColumns + ` FROM call_history WHERE self_user_id = ? ORDER BY started_at DESC, id DESC`)
	args := []interface{}{int64(selfUserID)}
	if limit > 0 {
		b.WriteString(` LIMIT ?`)
		args = append(args, limit)
	}
	return s.query(ctx, b.String(), args...)
}

// ByCallID возвращает записи звонка у всех владельцев журнала
func (s *Store) ByCallID(ctx context.Context, callID string) ([]Entry, error) {
	entries, err := s.query(ctx,
		`SELECT `+selectColumns+` FROM call_history WHERE call_id = ? ORDER BY id`, callID)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, callID)
	}
	return entries, nil
}

func (s *Store) query(ctx context.Context, query string, args ...interface{}) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("history: query: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e                Entry
			direction        string
			started          int64
			connected, ended sql.NullInt64
		)
		if err := rows.Scan(&e.ID, &e.CallID, &e.SelfUserID, &e.PeerUserID, &direction, &e.Kind, &e.RoomID,
			&started, &connected, &ended, &e.EndState, &e.EndReason, &e.EventReason); err != nil {
			return nil, fmt.Errorf("history: scan: %w", err)
		}
		e.Direction = Direction(direction)
		e.StartedAt = fromMillis(started)
		if connected.Valid {
			e.ConnectedAt = fromMillis(connected.Int64)
		}
		if ended.Valid {
			e.EndedAt = fromMillis(ended.Int64)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("history: iterate: %w", err)
	}
	return out, nil
}

func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms)
}
