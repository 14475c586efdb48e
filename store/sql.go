package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/golang/glog"
	_ "modernc.org/sqlite"
)

const (
	DriverMySQL  = "mysql"
	DriverSQLite = "sqlite"
)

const (
	mysqlSchemaSQL = "CREATE TABLE IF NOT EXISTS chat_messages (" +
		"id BIGINT NOT NULL AUTO_INCREMENT PRIMARY KEY, " +
		"event_id BIGINT NOT NULL, " +
		"sender_id BIGINT NOT NULL, " +
		"receiver_id BIGINT NOT NULL, " +
		"message_text TEXT NOT NULL, " +
		"create_time BIGINT NOT NULL, " +
		"is_read TINYINT NOT NULL DEFAULT 0, " +
		"KEY idx_conv (event_id, sender_id, receiver_id, is_read), " +
		"KEY idx_receiver (event_id, receiver_id, is_read)" +
		") ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci"

	sqliteSchemaSQL = "CREATE TABLE IF NOT EXISTS chat_messages (" +
		"id INTEGER PRIMARY KEY AUTOINCREMENT, " +
		"event_id INTEGER NOT NULL, " +
		"sender_id INTEGER NOT NULL, " +
		"receiver_id INTEGER NOT NULL, " +
		"message_text TEXT NOT NULL, " +
		"create_time INTEGER NOT NULL, " +
		"is_read INTEGER NOT NULL DEFAULT 0)"

	sqliteIndexSQL = "CREATE INDEX IF NOT EXISTS idx_conv ON chat_messages (event_id, sender_id, receiver_id, is_read)"
)

const (
	columns = "id, event_id, sender_id, receiver_id, message_text, create_time, is_read"

	lastTimeSQL    = "SELECT create_time FROM chat_messages ORDER BY id DESC LIMIT 1"
	insertSQL      = "INSERT INTO chat_messages (event_id, sender_id, receiver_id, message_text, create_time, is_read) VALUES (?,?,?,?,?,0)"
	selectUnreadIn = "SELECT " + columns + " FROM chat_messages WHERE receiver_id = ? AND is_read = 0 AND id IN (%s) ORDER BY id"
	setReadIn      = "UPDATE chat_messages SET is_read = 1 WHERE receiver_id = ? AND is_read = 0 AND id IN (%s)"
	countUnreadSQL = "SELECT COUNT(id) FROM chat_messages WHERE event_id = ? AND sender_id = ? AND receiver_id = ? AND is_read = 0"
	bySenderSQL    = "SELECT sender_id, COUNT(id) FROM chat_messages WHERE event_id = ? AND receiver_id = ? AND is_read = 0 " +
		"GROUP BY sender_id ORDER BY sender_id"
	betweenSQL = "SELECT " + columns + " FROM chat_messages WHERE event_id = ? AND id > ? AND " +
		"((sender_id = ? AND receiver_id = ?) OR (sender_id = ? AND receiver_id = ?)) ORDER BY id"
	involvesSQL = "SELECT " + columns + " FROM chat_messages WHERE event_id = ? AND (sender_id = ? OR receiver_id = ?) ORDER BY id"
)

// sqlStore implements `IMessageStore` on MySQL or SQLite.
// Timestamps are stored as unix nanoseconds to keep the schema portable.
type sqlStore struct {
	*sql.DB
	driver string
	txOpts *sql.TxOptions
	now    func() time.Time
}

// NewSQLStore opens the database and creates the schema if missing.
func NewSQLStore(driver, dsn string) (*sqlStore, error) {
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("sql.Open error, driver: %s, err: %w", driver, err)
	}

	s := &sqlStore{DB: db, driver: driver, now: time.Now}

	var ddl []string
	switch driver {
	case DriverMySQL:
		db.SetConnMaxLifetime(time.Minute * 3)
		db.SetMaxOpenConns(100)
		db.SetMaxIdleConns(1)
		s.txOpts = &sql.TxOptions{Isolation: sql.LevelRepeatableRead}
		ddl = []string{mysqlSchemaSQL}
	case DriverSQLite:
		// One connection: sqlite has a single writer and ":memory:" is per connection.
		db.SetMaxOpenConns(1)
		ddl = []string{sqliteSchemaSQL, sqliteIndexSQL}
	default:
		_ = db.Close()
		return nil, fmt.Errorf("unsupported sql driver: %s", driver)
	}

	for _, stmt := range ddl {
		if _, err := db.Exec(stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("create schema: %w", err)
		}
	}
	return s, nil
}

func (s *sqlStore) withTx(ctx context.Context, exec func(ctx context.Context, tx *sql.Tx) error) error {
	tx, err := s.BeginTx(ctx, s.txOpts)
	if err != nil {
		return err
	}

	if err := exec(ctx, tx); err != nil {
		if err2 := tx.Rollback(); err2 != nil {
			glog.Errorf("failed to rollback: %v", err2)
		}
		return err
	}

	return tx.Commit()
}

func (s *sqlStore) Append(ctx context.Context, eventId, senderId, receiverId int64, text string) (*Message, error) {
	m := &Message{
		EventId:     eventId,
		SenderId:    senderId,
		ReceiverId:  receiverId,
		MessageText: text,
	}

	if err := s.withTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		var last time.Time
		var lastNanos int64
		if err := tx.QueryRowContext(ctx, lastTimeSQL).Scan(&lastNanos); err == nil {
			last = time.Unix(0, lastNanos).UTC()
		} else if err != sql.ErrNoRows {
			glog.Errorf("last time scan err: %v", err)
			return err
		}
		m.Timestamp = nextTimestamp(s.now(), last)

		res, err := tx.ExecContext(ctx, insertSQL, eventId, senderId, receiverId, text, m.Timestamp.UnixNano())
		if err != nil {
			glog.Errorf("insert message exec err: %v", err)
			return err
		}
		id, err := res.LastInsertId()
		if err != nil {
			return err
		}
		m.Id = id
		return nil
	}); err != nil {
		return nil, fmt.Errorf("append: %w", err)
	}
	return m, nil
}

func (s *sqlStore) MarkRead(ctx context.Context, ids []int64, receiverId int64) ([]*Message, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	args := make([]interface{}, 0, len(ids)+1)
	args = append(args, receiverId)
	for _, id := range ids {
		args = append(args, id)
	}
	in := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")

	var changed []*Message
	if err := s.withTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, fmt.Sprintf(selectUnreadIn, in), args...)
		if err != nil {
			return err
		}
		changed, err = scanMessages(rows)
		if err != nil {
			return err
		}
		if len(changed) == 0 {
			return nil
		}

		if _, err := tx.ExecContext(ctx, fmt.Sprintf(setReadIn, in), args...); err != nil {
			glog.Errorf("set read exec err: %v", err)
			return err
		}
		return nil
	}); err != nil {
		return nil, fmt.Errorf("mark read: %w", err)
	}

	for _, m := range changed {
		m.IsRead = true
	}
	return changed, nil
}

func (s *sqlStore) CountUnread(ctx context.Context, eventId, senderId, receiverId int64) (int, error) {
	var out sql.NullInt64
	if err := s.QueryRowContext(ctx, countUnreadSQL, eventId, senderId, receiverId).Scan(&out); err != nil {
		glog.Errorf("count unread scan err: %v", err)
		return 0, fmt.Errorf("count unread: %w", err)
	}
	return int(out.Int64), nil
}

func (s *sqlStore) UnreadBySender(ctx context.Context, eventId, receiverId int64) ([]*UnreadCount, error) {
	rows, err := s.QueryContext(ctx, bySenderSQL, eventId, receiverId)
	if err != nil {
		return nil, fmt.Errorf("unread by sender: %w", err)
	}
	defer rows.Close()

	out := []*UnreadCount{}
	for rows.Next() {
		var c UnreadCount
		if err := rows.Scan(&c.UserId, &c.Count); err != nil {
			return nil, fmt.Errorf("unread by sender scan: %w", err)
		}
		out = append(out, &c)
	}
	return out, rows.Err()
}

func (s *sqlStore) Since(ctx context.Context, eventId, userA, userB, afterId int64) ([]*Message, error) {
	rows, err := s.QueryContext(ctx, betweenSQL, eventId, afterId, userA, userB, userB, userA)
	if err != nil {
		return nil, fmt.Errorf("since: %w", err)
	}
	return scanMessages(rows)
}

func (s *sqlStore) History(ctx context.Context, eventId, userId int64, otherUserId *int64) ([]*Message, error) {
	var rows *sql.Rows
	var err error
	if otherUserId == nil {
		rows, err = s.QueryContext(ctx, involvesSQL, eventId, userId, userId)
	} else {
		rows, err = s.QueryContext(ctx, betweenSQL, eventId, 0, userId, *otherUserId, *otherUserId, userId)
	}
	if err != nil {
		return nil, fmt.Errorf("history: %w", err)
	}
	return scanMessages(rows)
}

func (s *sqlStore) Conversations(ctx context.Context, eventId, userId int64) ([]*Conversation, error) {
	msgs, err := s.History(ctx, eventId, userId, nil)
	if err != nil {
		return nil, err
	}
	return summarize(msgs, userId), nil
}

// scanMessages reads and closes rows.
func scanMessages(rows *sql.Rows) ([]*Message, error) {
	defer rows.Close()

	var out []*Message
	for rows.Next() {
		var m Message
		var nanos int64
		var read int
		if err := rows.Scan(&m.Id, &m.EventId, &m.SenderId, &m.ReceiverId, &m.MessageText, &nanos, &read); err != nil {
			glog.Errorf("scan message err: %v", err)
			return nil, err
		}
		m.Timestamp = time.Unix(0, nanos).UTC()
		m.IsRead = read > 0
		out = append(out, &m)
	}
	return out, rows.Err()
}
