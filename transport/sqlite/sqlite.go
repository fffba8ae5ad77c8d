// Package sqlite is a durable queue in a single SQLite file. Nacked
// messages come back with a growing delay, and after MaxDeliveries they are
// parked in a dead-letter table that can be listed, replayed and purged.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	_ "github.com/mattn/go-sqlite3"

	"github.com/drblury/idemflow/internal/runtime/jsoncodec"
	"github.com/drblury/idemflow/internal/runtime/metadata"
	"github.com/drblury/idemflow/transport"
)

const TransportName = "sqlite"

const (
	DefaultFile          = "idemflow_queue.db"
	DefaultPollInterval  = 100 * time.Millisecond
	DefaultMaxDeliveries = 5
	DefaultLockTimeout   = 30 * time.Second
	retryStep            = time.Second
)

var ErrClosed = errors.New("sqlite queue: closed")

func init() {
	Register()
}

func Register() {
	transport.Register(TransportName, Build, transport.SQLiteCapabilities)
}

func Build(_ context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	q, err := New(Config{FilePath: cfg.GetSQLiteQueueFile(), MaxDeliveries: cfg.GetMaxDeliveries()}, logger)
	if err != nil {
		return transport.Transport{}, err
	}
	return transport.Transport{Publisher: q, Subscriber: q}, nil
}

type Config struct {
	// FilePath may be ":memory:" in tests.
	FilePath      string
	PollInterval  time.Duration
	MaxDeliveries int
	LockTimeout   time.Duration
}

func (c Config) withDefaults() Config {
	if c.FilePath == "" {
		c.FilePath = DefaultFile
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.MaxDeliveries <= 0 {
		c.MaxDeliveries = DefaultMaxDeliveries
	}
	if c.LockTimeout <= 0 {
		c.LockTimeout = DefaultLockTimeout
	}
	return c
}

// Queue is both publisher and subscriber.
type Queue struct {
	db     *sql.DB
	config Config
	logger watermill.LoggerAdapter

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
	wg     sync.WaitGroup
}

func New(cfg Config, logger watermill.LoggerAdapter) (*Queue, error) {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = watermill.NopLogger{}
	}

	db, err := sql.Open("sqlite3", cfg.FilePath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("sqlite queue: open: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	q := &Queue{db: db, config: cfg, logger: logger, done: make(chan struct{})}
	if err := q.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite queue: migrate: %w", err)
	}
	return q, nil
}

func (q *Queue) migrate() error {
	_, err := q.db.Exec(`
	CREATE TABLE IF NOT EXISTS queue_messages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		uuid TEXT NOT NULL,
		topic TEXT NOT NULL,
		payload BLOB NOT NULL,
		metadata TEXT,
		available_at TIMESTAMP NOT NULL,
		locked_until TIMESTAMP,
		deliveries INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_queue_messages_topic ON queue_messages(topic, available_at);

	CREATE TABLE IF NOT EXISTS queue_dead_letters (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		uuid TEXT NOT NULL,
		original_topic TEXT NOT NULL,
		payload BLOB NOT NULL,
		metadata TEXT,
		error_message TEXT,
		failed_at TIMESTAMP NOT NULL,
		deliveries INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_queue_dead_letters_topic ON queue_dead_letters(original_topic);
	`)
	return err
}

func (q *Queue) isClosed() bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.closed
}

// Publish enqueues messages in one transaction.
func (q *Queue) Publish(topic string, messages ...*message.Message) error {
	if q.isClosed() {
		return ErrClosed
	}

	tx, err := q.db.Begin()
	if err != nil {
		return fmt.Errorf("sqlite queue: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC()
	for _, msg := range messages {
		md, err := jsoncodec.Marshal(msg.Metadata)
		if err != nil {
			return fmt.Errorf("sqlite queue: metadata of %s: %w", msg.UUID, err)
		}
		if _, err := tx.Exec(`
			INSERT INTO queue_messages (uuid, topic, payload, metadata, available_at)
			VALUES (?, ?, ?, ?, ?)`, msg.UUID, topic, msg.Payload, string(md), now); err != nil {
			return fmt.Errorf("sqlite queue: insert %s: %w", msg.UUID, err)
		}
	}
	return tx.Commit()
}

// Subscribe polls topic and hands out one message at a time.
func (q *Queue) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	if q.isClosed() {
		return nil, ErrClosed
	}
	out := make(chan *message.Message)
	q.wg.Add(1)
	go q.poll(ctx, topic, out)
	return out, nil
}

func (q *Queue) poll(ctx context.Context, topic string, out chan<- *message.Message) {
	defer q.wg.Done()
	defer close(out)

	ticker := time.NewTicker(q.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-q.done:
			return
		case <-ticker.C:
			for q.deliverNext(ctx, topic, out) {
			}
		}
	}
}

type claimed struct {
	id         int64
	uuid       string
	payload    []byte
	metadata   string
	deliveries int
}

func (q *Queue) claim(ctx context.Context, topic string) (*claimed, error) {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC()
	var c claimed
	err = tx.QueryRowContext(ctx, `
		SELECT id, uuid, payload, COALESCE(metadata, ''), deliveries
		FROM queue_messages
		WHERE topic = ? AND available_at <= ? AND (locked_until IS NULL OR locked_until < ?)
		ORDER BY available_at, id
		LIMIT 1`, topic, now, now).Scan(&c.id, &c.uuid, &c.payload, &c.metadata, &c.deliveries)
	if err != nil {
		return nil, err
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE queue_messages SET locked_until = ?, deliveries = deliveries + 1 WHERE id = ?`,
		now.Add(q.config.LockTimeout), c.id); err != nil {
		return nil, err
	}
	c.deliveries++
	return &c, tx.Commit()
}

// deliverNext reports whether a message was handed out and settled.
func (q *Queue) deliverNext(ctx context.Context, topic string, out chan<- *message.Message) bool {
	c, err := q.claim(ctx, topic)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) && ctx.Err() == nil {
			q.logger.Error("sqlite queue: claim failed", err, watermill.LogFields{"topic": topic})
		}
		return false
	}

	md := make(message.Metadata)
	if c.metadata != "" {
		if err := jsoncodec.Unmarshal([]byte(c.metadata), &md); err != nil {
			q.logger.Error("sqlite queue: bad metadata", err, watermill.LogFields{"uuid": c.uuid})
		}
	}
	md.Set(metadata.KeyAttempt, strconv.Itoa(c.deliveries))

	msg := message.NewMessage(c.uuid, c.payload)
	msg.Metadata = md

	select {
	case out <- msg:
	case <-ctx.Done():
		q.unlock(c.id)
		return false
	case <-q.done:
		q.unlock(c.id)
		return false
	}

	select {
	case <-msg.Acked():
		q.exec(`DELETE FROM queue_messages WHERE id = ?`, c.id)
	case <-msg.Nacked():
		q.nack(c)
	case <-ctx.Done():
		q.unlock(c.id)
		return false
	case <-q.done:
		q.unlock(c.id)
		return false
	}
	return true
}

func (q *Queue) nack(c *claimed) {
	if c.deliveries >= q.config.MaxDeliveries {
		tx, err := q.db.Begin()
		if err != nil {
			q.logger.Error("sqlite queue: begin dead-letter move", err, nil)
			return
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := tx.Exec(`
			INSERT INTO queue_dead_letters (uuid, original_topic, payload, metadata, error_message, failed_at, deliveries)
			SELECT uuid, topic, payload, metadata, ?, ?, deliveries FROM queue_messages WHERE id = ?`,
			fmt.Sprintf("max deliveries (%d) exceeded", q.config.MaxDeliveries), time.Now().UTC(), c.id); err != nil {
			q.logger.Error("sqlite queue: dead-letter insert", err, watermill.LogFields{"uuid": c.uuid})
			return
		}
		if _, err := tx.Exec(`DELETE FROM queue_messages WHERE id = ?`, c.id); err != nil {
			q.logger.Error("sqlite queue: dead-letter delete", err, watermill.LogFields{"uuid": c.uuid})
			return
		}
		if err := tx.Commit(); err != nil {
			q.logger.Error("sqlite queue: dead-letter commit", err, watermill.LogFields{"uuid": c.uuid})
		}
		return
	}

	q.exec(`UPDATE queue_messages SET locked_until = NULL, available_at = ? WHERE id = ?`,
		time.Now().UTC().Add(time.Duration(c.deliveries)*retryStep), c.id)
}

func (q *Queue) unlock(id int64) {
	q.exec(`UPDATE queue_messages SET locked_until = NULL, deliveries = MAX(deliveries - 1, 0) WHERE id = ?`, id)
}

func (q *Queue) exec(query string, args ...any) {
	if _, err := q.db.Exec(query, args...); err != nil {
		q.logger.Error("sqlite queue: statement failed", err, watermill.LogFields{"query": query})
	}
}

// Close stops polling and closes the database.
func (q *Queue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	close(q.done)
	q.mu.Unlock()

	q.wg.Wait()
	return q.db.Close()
}

func (q *Queue) Capabilities() transport.Capabilities {
	return transport.SQLiteCapabilities
}

// GetPendingCount counts messages not yet acknowledged on topic.
func (q *Queue) GetPendingCount(topic string) (int64, error) {
	var n int64
	err := q.db.QueryRow(`SELECT COUNT(*) FROM queue_messages WHERE topic = ?`, topic).Scan(&n)
	return n, err
}

func (q *Queue) GetDLQCount(topic string) (int64, error) {
	var n int64
	err := q.db.QueryRow(`SELECT COUNT(*) FROM queue_dead_letters WHERE original_topic = ?`, topic).Scan(&n)
	return n, err
}

// ReplayDLQMessage requeues one parked message with a fresh delivery count.
func (q *Queue) ReplayDLQMessage(id int64) error {
	tx, err := q.db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.Exec(`
		INSERT INTO queue_messages (uuid, topic, payload, metadata, available_at)
		SELECT uuid, original_topic, payload, metadata, ? FROM queue_dead_letters WHERE id = ?`,
		time.Now().UTC(), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("sqlite queue: dead letter %d: %w", id, sql.ErrNoRows)
	}
	if _, err := tx.Exec(`DELETE FROM queue_dead_letters WHERE id = ?`, id); err != nil {
		return err
	}
	return tx.Commit()
}

// ReplayAllDLQ requeues every parked message of topic.
func (q *Queue) ReplayAllDLQ(topic string) (int64, error) {
	tx, err := q.db.Begin()
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.Exec(`
		INSERT INTO queue_messages (uuid, topic, payload, metadata, available_at)
		SELECT uuid, original_topic, payload, metadata, ? FROM queue_dead_letters
		WHERE original_topic = ? ORDER BY id`, time.Now().UTC(), topic)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	if _, err := tx.Exec(`DELETE FROM queue_dead_letters WHERE original_topic = ?`, topic); err != nil {
		return 0, err
	}
	return n, tx.Commit()
}

func (q *Queue) PurgeDLQ(topic string) (int64, error) {
	res, err := q.db.Exec(`DELETE FROM queue_dead_letters WHERE original_topic = ?`, topic)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ListDLQMessages pages through parked messages, newest first.
func (q *Queue) ListDLQMessages(topic string, limit, offset int) ([]transport.DLQMessage, error) {
	rows, err := q.db.Query(`
		SELECT id, uuid, original_topic, payload, COALESCE(metadata, ''), COALESCE(error_message, ''), failed_at, deliveries
		FROM queue_dead_letters
		WHERE original_topic = ?
		ORDER BY failed_at DESC, id DESC
		LIMIT ? OFFSET ?`, topic, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []transport.DLQMessage
	for rows.Next() {
		var (
			m          transport.DLQMessage
			md         string
			deliveries int
		)
		if err := rows.Scan(&m.ID, &m.UUID, &m.OriginalTopic, &m.Payload, &md, &m.ErrorMessage, &m.FailedAt, &deliveries); err != nil {
			return nil, err
		}
		if md != "" {
			if err := jsoncodec.Unmarshal([]byte(md), &m.Metadata); err != nil {
				q.logger.Error("sqlite queue: bad dead-letter metadata", err, watermill.LogFields{"id": m.ID})
			}
		}
		if deliveries > 0 {
			m.RetryCount = deliveries - 1
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
