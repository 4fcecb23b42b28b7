package postgres

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/medivision/control-plane/internal/store"
)

//go:embed migrations/001_init.sql
var initSchema string

type PostgresStore struct {
	db *sql.DB
}

type Option func(*options)

type options struct {
	migrate bool
}

// WithMigrate applies the embedded schema before verifying it.
func WithMigrate(enabled bool) Option {
	return func(o *options) {
		o.migrate = enabled
	}
}

var openDB = sql.Open

func New(conn string, opts ...Option) (*PostgresStore, error) {
	cfg := options{}
	for _, opt := range opts {
		opt(&cfg)
	}
	db, err := openDB("pgx", conn)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	if cfg.migrate {
		if err := Migrate(ctx, db); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	if err := verifySchema(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func Migrate(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, initSchema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

func verifySchema(ctx context.Context, db *sql.DB) error {
	required := []string{
		"threads",
		"messages",
		"tool_invocations",
	}
	for _, table := range required {
		var regclass sql.NullString
		if err := db.QueryRowContext(ctx, "SELECT to_regclass($1)", fmt.Sprintf("public.%s", table)).Scan(&regclass); err != nil {
			return err
		}
		if !regclass.Valid {
			return fmt.Errorf("database schema missing: %s table not found (set POSTGRES_AUTO_MIGRATE=true or apply migrations/001_init.sql)", table)
		}
	}
	return nil
}

func (p *PostgresStore) Close() error {
	return p.db.Close()
}

func (p *PostgresStore) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

func (p *PostgresStore) CreateThread(ctx context.Context, thread store.Thread) error {
	if strings.TrimSpace(thread.ID) == "" {
		return errors.New("thread id required")
	}
	createdAt := parseTimestampValue(thread.CreatedAt)
	updatedAt := createdAt
	if thread.UpdatedAt != "" {
		updatedAt = parseTimestampValue(thread.UpdatedAt)
	}
	const query = `
		INSERT INTO threads (id, owner_id, title, last_origin_path, last_display_path, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO NOTHING
	`
	_, err := p.db.ExecContext(
		ctx,
		query,
		thread.ID,
		thread.OwnerID,
		thread.Title,
		nullString(thread.LastImage.OriginPath),
		nullString(thread.LastImage.DisplayPath),
		createdAt,
		updatedAt,
	)
	return err
}

func (p *PostgresStore) GetThread(ctx context.Context, threadID string) (*store.Thread, error) {
	const query = `
		SELECT id, owner_id, title, last_origin_path, last_display_path, created_at, updated_at
		FROM threads
		WHERE id = $1
	`
	thread, err := scanThread(p.db.QueryRowContext(ctx, query, threadID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &thread, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanThread(row rowScanner) (store.Thread, error) {
	var thread store.Thread
	var originPath sql.NullString
	var displayPath sql.NullString
	var createdAt time.Time
	var updatedAt time.Time
	if err := row.Scan(&thread.ID, &thread.OwnerID, &thread.Title, &originPath, &displayPath, &createdAt, &updatedAt); err != nil {
		return store.Thread{}, err
	}
	thread.LastImage = store.ImageRef{OriginPath: originPath.String, DisplayPath: displayPath.String}
	thread.CreatedAt = formatTime(createdAt)
	thread.UpdatedAt = formatTime(updatedAt)
	return thread, nil
}

func (p *PostgresStore) ListThreads(ctx context.Context, ownerID string, limit int) ([]store.ThreadSummary, error) {
	const query = `
		SELECT t.id, t.owner_id, t.title, t.updated_at, COUNT(m.id) AS message_count
		FROM threads t
		LEFT JOIN messages m ON m.thread_id = t.id
		WHERE ($1 = '' OR t.owner_id = $1)
		GROUP BY t.id, t.owner_id, t.title, t.updated_at
		ORDER BY t.updated_at DESC, t.id ASC
		LIMIT $2
	`
	var limitValue any
	if limit > 0 {
		limitValue = limit
	}
	rows, err := p.db.QueryContext(ctx, query, ownerID, limitValue)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	results := []store.ThreadSummary{}
	for rows.Next() {
		var summary store.ThreadSummary
		var updatedAt time.Time
		if err := rows.Scan(&summary.ID, &summary.OwnerID, &summary.Title, &updatedAt, &summary.MessageCount); err != nil {
			return nil, err
		}
		summary.UpdatedAt = formatTime(updatedAt)
		results = append(results, summary)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return results, nil
}

func (p *PostgresStore) DeleteThread(ctx context.Context, threadID string) error {
	_, err := p.db.ExecContext(ctx, "DELETE FROM threads WHERE id = $1", threadID)
	return err
}

// SaveTurn appends msg and advances the thread header in one transaction.
func (p *PostgresStore) SaveTurn(ctx context.Context, threadID string, msg store.Message) (err error) {
	metadata := msg.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}
	encoded, err := json.Marshal(metadata)
	if err != nil {
		return err
	}
	if msg.CreatedAt == "" {
		msg.CreatedAt = store.Now()
	}
	if msg.Status == "" {
		msg.Status = store.StatusComplete
	}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	const lockQuery = `
		SELECT id, owner_id, title, last_origin_path, last_display_path, created_at, updated_at
		FROM threads
		WHERE id = $1
		FOR UPDATE
	`
	thread, err := scanThread(tx.QueryRowContext(ctx, lockQuery, threadID))
	if errors.Is(err, sql.ErrNoRows) {
		err = store.ErrThreadNotFound
		return err
	}
	if err != nil {
		return err
	}

	if msg.Sequence == 0 {
		if err = tx.QueryRowContext(ctx, "SELECT COALESCE(MAX(sequence), 0) + 1 FROM messages WHERE thread_id = $1", threadID).Scan(&msg.Sequence); err != nil {
			return err
		}
	}

	var originPath, displayPath any
	if msg.Image != nil {
		originPath = nullString(msg.Image.OriginPath)
		displayPath = nullString(msg.Image.DisplayPath)
	}
	const insertQuery = `
		INSERT INTO messages (id, thread_id, role, content, origin_path, display_path, status, sequence, created_at, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`
	if _, err = tx.ExecContext(ctx, insertQuery, msg.ID, threadID, msg.Role, msg.Content, originPath, displayPath, msg.Status, msg.Sequence, parseTimestampValue(msg.CreatedAt), encoded); err != nil {
		return err
	}

	store.ApplyMessage(&thread, msg)
	const updateQuery = `
		UPDATE threads
		SET title = $2, last_origin_path = $3, last_display_path = $4, updated_at = $5
		WHERE id = $1
	`
	if _, err = tx.ExecContext(ctx, updateQuery, threadID, thread.Title, nullString(thread.LastImage.OriginPath), nullString(thread.LastImage.DisplayPath), parseTimestampValue(thread.UpdatedAt)); err != nil {
		return err
	}
	err = tx.Commit()
	return err
}

func (p *PostgresStore) LoadThread(ctx context.Context, threadID string) (*store.Transcript, error) {
	thread, err := p.GetThread(ctx, threadID)
	if err != nil || thread == nil {
		return nil, err
	}
	messages, err := p.listMessages(ctx, threadID)
	if err != nil {
		return nil, err
	}
	return &store.Transcript{Thread: *thread, Messages: messages}, nil
}

func (p *PostgresStore) listMessages(ctx context.Context, threadID string) ([]store.Message, error) {
	const query = `
		SELECT id, thread_id, role, content, origin_path, display_path, status, sequence, created_at, metadata
		FROM messages
		WHERE thread_id = $1
		ORDER BY sequence ASC
	`
	rows, err := p.db.QueryContext(ctx, query, threadID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	results := []store.Message{}
	for rows.Next() {
		var createdAt time.Time
		var metadataBytes []byte
		var originPath sql.NullString
		var displayPath sql.NullString
		var msg store.Message
		if err := rows.Scan(&msg.ID, &msg.ThreadID, &msg.Role, &msg.Content, &originPath, &displayPath, &msg.Status, &msg.Sequence, &createdAt, &metadataBytes); err != nil {
			return nil, err
		}
		msg.CreatedAt = formatTime(createdAt)
		if originPath.Valid || displayPath.Valid {
			msg.Image = &store.ImageRef{OriginPath: originPath.String, DisplayPath: displayPath.String}
		}
		metadata, err := decodeJSONMap(metadataBytes)
		if err != nil {
			return nil, err
		}
		msg.Metadata = metadata
		results = append(results, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return results, nil
}

func (p *PostgresStore) RecordInvocation(ctx context.Context, inv store.Invocation) error {
	if inv.CreatedAt == "" {
		inv.CreatedAt = store.Now()
	}
	const query = `
		INSERT INTO tool_invocations (id, thread_id, turn_id, capability, image_path, instruction, status, output, output_image, error, duration_ms, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`
	_, err := p.db.ExecContext(
		ctx,
		query,
		inv.ID,
		inv.ThreadID,
		inv.TurnID,
		inv.Capability,
		nullString(inv.ImagePath),
		nullString(inv.Instruction),
		inv.Status,
		nullString(inv.Output),
		nullString(inv.OutputImage),
		nullString(inv.Error),
		inv.DurationMs,
		parseTimestampValue(inv.CreatedAt),
	)
	return err
}

func (p *PostgresStore) ListInvocations(ctx context.Context, threadID string) ([]store.Invocation, error) {
	const query = `
		SELECT id, thread_id, turn_id, capability, image_path, instruction, status, output, output_image, error, duration_ms, created_at
		FROM tool_invocations
		WHERE thread_id = $1
		ORDER BY created_at ASC, id ASC
	`
	rows, err := p.db.QueryContext(ctx, query, threadID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	results := []store.Invocation{}
	for rows.Next() {
		var inv store.Invocation
		var imagePath, instruction, output, outputImage, errText sql.NullString
		var createdAt time.Time
		if err := rows.Scan(&inv.ID, &inv.ThreadID, &inv.TurnID, &inv.Capability, &imagePath, &instruction, &inv.Status, &output, &outputImage, &errText, &inv.DurationMs, &createdAt); err != nil {
			return nil, err
		}
		inv.ImagePath = imagePath.String
		inv.Instruction = instruction.String
		inv.Output = output.String
		inv.OutputImage = outputImage.String
		inv.Error = errText.String
		inv.CreatedAt = formatTime(createdAt)
		results = append(results, inv)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return results, nil
}

func formatTime(value time.Time) string {
	return value.UTC().Format(time.RFC3339Nano)
}

func parseTimestampValue(value string) time.Time {
	parsed, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(value))
	if err != nil {
		return time.Now().UTC()
	}
	return parsed.UTC()
}

func nullString(value string) any {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil
	}
	return value
}

func decodeJSONMap(raw []byte) (map[string]any, error) {
	if len(raw) == 0 {
		return map[string]any{}, nil
	}
	values := map[string]any{}
	if err := json.Unmarshal(raw, &values); err != nil {
		return nil, err
	}
	return values, nil
}
