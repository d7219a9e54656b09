package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib" // registers "pgx" driver

	"github.com/hubenschmidt/voicetrace/internal/trace"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// Postgres persists spans to PostgreSQL.
type Postgres struct {
	db *sql.DB
}

// OpenPostgres connects to a PostgreSQL span database at connStr and applies
// pending migrations.
func OpenPostgres(ctx context.Context, connStr string) (*Postgres, error) {
	db, err := sql.Open("pgx", connStr)
	if err != nil {
		return nil, fmt.Errorf("store open: %w", err)
	}
	if err = db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("store ping: %w", err)
	}
	p := NewPostgres(db)
	if err = p.Migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("store migrate: %w", err)
	}
	return p, nil
}

// NewPostgres wraps an open database without migrating it.
func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

// Migrate applies every embedded migration newer than the recorded schema
// version, in file name order.
func (p *Postgres) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_version (version INTEGER NOT NULL)`)
	if err != nil {
		return err
	}

	var current int
	row := p.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), -1) FROM schema_version`)
	if err = row.Scan(&current); err != nil {
		return err
	}

	entries, err := migrationFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}

	for i := current + 1; i < len(entries); i++ {
		data, readErr := migrationFS.ReadFile("migrations/" + entries[i].Name())
		if readErr != nil {
			return fmt.Errorf("read migration %d: %w", i, readErr)
		}
		if _, execErr := p.db.ExecContext(ctx, string(data)); execErr != nil {
			return fmt.Errorf("migration %d: %w", i, execErr)
		}
		if _, execErr := p.db.ExecContext(ctx, `INSERT INTO schema_version (version) VALUES ($1)`, i); execErr != nil {
			return fmt.Errorf("migration %d record: %w", i, execErr)
		}
	}
	return nil
}

// Close closes the database.
func (p *Postgres) Close() error {
	return p.db.Close()
}

const insertSpan = `INSERT INTO spans
	(span_id, trace_id, parent_span_id, conversation_id, kind, name, start_time, end_time, duration_ms, attributes)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	ON CONFLICT (span_id) DO NOTHING`

func (p *Postgres) Export(ctx context.Context, s trace.Span) error {
	return p.ExportBatch(ctx, []trace.Span{s})
}

// ExportBatch inserts spans in one transaction. Redelivered span ids are
// ignored.
func (p *Postgres) ExportBatch(ctx context.Context, spans []trace.Span) error {
	if len(spans) == 0 {
		return nil
	}
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	for _, s := range spans {
		if err = insert(ctx, tx, withIDs(s)); err != nil {
			tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

func insert(ctx context.Context, tx *sql.Tx, s trace.Span) error {
	attrs, err := json.Marshal(s.Attributes)
	if err != nil {
		return fmt.Errorf("encode attributes of %s: %w", s.SpanID, err)
	}
	if s.Attributes == nil {
		attrs = []byte("{}")
	}
	var end sql.NullTime
	if s.EndTime != nil {
		end = sql.NullTime{Time: s.EndTime.UTC(), Valid: true}
	}
	_, err = tx.ExecContext(ctx, insertSpan,
		s.SpanID, s.TraceID, s.ParentSpanID, s.ConversationID(), string(s.Kind()), s.Name,
		s.StartTime.UTC(), end, s.DurationMs, string(attrs),
	)
	if err != nil {
		return fmt.Errorf("insert span %s: %w", s.SpanID, err)
	}
	return nil
}

const selectSpans = `SELECT span_id, trace_id, parent_span_id, name, start_time, end_time, duration_ms, attributes
	FROM spans
	WHERE ($1 = '' OR conversation_id = $1) AND ($2 = '' OR trace_id = $2)
	ORDER BY start_time ASC, span_id ASC
	LIMIT NULLIF($3, 0)`

// Spans returns matching spans ordered by start time.
func (p *Postgres) Spans(ctx context.Context, q Query) ([]trace.Span, error) {
	lim := q.Limit
	if lim < 0 {
		lim = 0
	}
	rows, err := p.db.QueryContext(ctx, selectSpans, q.ConversationID, q.TraceID, lim)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var spans []trace.Span
	for rows.Next() {
		var s trace.Span
		var end sql.NullTime
		var attrs []byte
		if err = rows.Scan(&s.SpanID, &s.TraceID, &s.ParentSpanID, &s.Name, &s.StartTime, &end, &s.DurationMs, &attrs); err != nil {
			return nil, err
		}
		if end.Valid {
			t := end.Time
			s.EndTime = &t
		}
		if len(attrs) > 0 {
			if err = json.Unmarshal(attrs, &s.Attributes); err != nil {
				return nil, fmt.Errorf("decode attributes of %s: %w", s.SpanID, err)
			}
		}
		spans = append(spans, s)
	}
	return spans, rows.Err()
}

// Conversations returns one summary per conversation, newest first.
func (p *Postgres) Conversations(ctx context.Context) ([]Conversation, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT conversation_id, COUNT(*), MIN(start_time),
		       MAX(COALESCE(end_time, start_time + duration_ms * INTERVAL '1 millisecond'))
		FROM spans
		WHERE conversation_id <> ''
		GROUP BY conversation_id
		ORDER BY MIN(start_time) DESC, conversation_id ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var convs []Conversation
	for rows.Next() {
		var c Conversation
		if err = rows.Scan(&c.ID, &c.SpanCount, &c.StartedAt, &c.EndedAt); err != nil {
			return nil, err
		}
		convs = append(convs, c)
	}
	return convs, rows.Err()
}
