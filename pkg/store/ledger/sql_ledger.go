package ledger

import (
	"context"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Mindburn-Labs/xdomain/pkg/contracts"
)

// SQLLedger implements Ledger using database/sql.
// It supports both Postgres and SQLite via standard drivers.
type SQLLedger struct {
	db *sql.DB
}

func NewSQLLedger(db *sql.DB) *SQLLedger {
	return &SQLLedger{db: db}
}

const schema = `
CREATE TABLE IF NOT EXISTS executions (
	execution_id BIGINT PRIMARY KEY,
	initiator TEXT NOT NULL,
	domain TEXT NOT NULL,
	label TEXT NOT NULL,
	messages TEXT NOT NULL,
	ttl TEXT NOT NULL,
	result_kind TEXT NOT NULL,
	result TEXT NOT NULL,
	terminal BOOLEAN NOT NULL,
	awaiting BOOLEAN NOT NULL,
	credential_held BOOLEAN NOT NULL,
	error_data TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS executions_label_open ON executions (label, terminal);
`

const columns = `execution_id, initiator, domain, label, messages, ttl, result, credential_held, error_data, created_at, updated_at`

func (s *SQLLedger) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

func (s *SQLLedger) Create(ctx context.Context, rec Record) error {
	if rec.Result.Kind == "" {
		rec.Result = contracts.InProcess()
	}
	msgs, err := json.Marshal(rec.Messages)
	if err != nil {
		return fmt.Errorf("encode messages: %w", err)
	}
	ttl, err := json.Marshal(rec.TTL)
	if err != nil {
		return fmt.Errorf("encode ttl: %w", err)
	}
	result, err := json.Marshal(rec.Result)
	if err != nil {
		return fmt.Errorf("encode result: %w", err)
	}
	now := time.Now().UTC()

	query := `
		INSERT INTO executions (execution_id, initiator, domain, label, messages, ttl, result_kind, result, terminal, awaiting, credential_held, error_data, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (execution_id) DO NOTHING
	`
	res, err := s.db.ExecContext(ctx, query,
		int64(rec.ExecutionID), rec.Initiator, rec.Domain, rec.Label, string(msgs), string(ttl),
		string(rec.Result.Kind), string(result), rec.Result.IsTerminal(), rec.Result.AwaitingConfirmation,
		rec.CredentialHeld, hex.EncodeToString(rec.ErrorData), now, now,
	)
	if err != nil {
		return fmt.Errorf("insert execution %d: %w", rec.ExecutionID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %d", ErrDuplicate, rec.ExecutionID)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (Record, error) {
	var (
		rec                  Record
		id                   int64
		msgs, ttl, result, e string
	)
	if err := row.Scan(&id, &rec.Initiator, &rec.Domain, &rec.Label, &msgs, &ttl, &result,
		&rec.CredentialHeld, &e, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
		return Record{}, err
	}
	rec.ExecutionID = uint64(id) //nolint:gosec // ids are allocated from 1 upward
	if err := json.Unmarshal([]byte(msgs), &rec.Messages); err != nil {
		return Record{}, fmt.Errorf("decode messages of %d: %w", id, err)
	}
	if err := json.Unmarshal([]byte(ttl), &rec.TTL); err != nil {
		return Record{}, fmt.Errorf("decode ttl of %d: %w", id, err)
	}
	if err := json.Unmarshal([]byte(result), &rec.Result); err != nil {
		return Record{}, fmt.Errorf("decode result of %d: %w", id, err)
	}
	if e != "" {
		data, err := hex.DecodeString(e)
		if err != nil {
			return Record{}, fmt.Errorf("decode error data of %d: %w", id, err)
		}
		rec.ErrorData = data
	}
	return rec, nil
}

func (s *SQLLedger) Get(ctx context.Context, id uint64) (Record, error) {
	query := `SELECT ` + columns + ` FROM executions WHERE execution_id = $1`
	rec, err := scanRecord(s.db.QueryRowContext(ctx, query, int64(id)))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Record{}, fmt.Errorf("%w: %d", ErrNotFound, id)
		}
		return Record{}, err
	}
	return rec, nil
}

// missOrTerminal explains an update that matched no open row.
func (s *SQLLedger) missOrTerminal(ctx context.Context, id uint64) error {
	if _, err := s.Get(ctx, id); err != nil {
		return err
	}
	return fmt.Errorf("%w: %d", ErrAlreadyTerminal, id)
}

func (s *SQLLedger) UpdateResult(ctx context.Context, id uint64, res contracts.ExecutionResult, errorData []byte) (Record, error) {
	result, err := json.Marshal(res)
	if err != nil {
		return Record{}, fmt.Errorf("encode result: %w", err)
	}
	query := `
		UPDATE executions
		SET result_kind = $1, result = $2, terminal = $3, awaiting = $4, error_data = $5, updated_at = $6
		WHERE execution_id = $7 AND terminal = $8
	`
	out, err := s.db.ExecContext(ctx, query,
		string(res.Kind), string(result), res.IsTerminal(), res.AwaitingConfirmation,
		hex.EncodeToString(errorData), time.Now().UTC(), int64(id), false,
	)
	if err != nil {
		return Record{}, fmt.Errorf("update execution %d: %w", id, err)
	}
	n, err := out.RowsAffected()
	if err != nil {
		return Record{}, fmt.Errorf("failed to check rows affected: %w", err)
	}
	if n == 0 {
		return Record{}, s.missOrTerminal(ctx, id)
	}
	return s.Get(ctx, id)
}

func (s *SQLLedger) SetTTL(ctx context.Context, id uint64, ttl contracts.Bound) error {
	data, err := json.Marshal(ttl)
	if err != nil {
		return fmt.Errorf("encode ttl: %w", err)
	}
	query := `UPDATE executions SET ttl = $1, updated_at = $2 WHERE execution_id = $3 AND terminal = $4`
	out, err := s.db.ExecContext(ctx, query, string(data), time.Now().UTC(), int64(id), false)
	if err != nil {
		return fmt.Errorf("update ttl of %d: %w", id, err)
	}
	n, err := out.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if n == 0 {
		return s.missOrTerminal(ctx, id)
	}
	return nil
}

func (s *SQLLedger) ReleaseCredential(ctx context.Context, id uint64) error {
	query := `UPDATE executions SET credential_held = $1, updated_at = $2 WHERE execution_id = $3`
	out, err := s.db.ExecContext(ctx, query, false, time.Now().UTC(), int64(id))
	if err != nil {
		return fmt.Errorf("release credential of %d: %w", id, err)
	}
	n, err := out.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	return nil
}

func (s *SQLLedger) InFlight(ctx context.Context, label string, countAwaiting bool) (int, error) {
	query := `SELECT COUNT(*) FROM executions WHERE label = $1 AND terminal = $2`
	args := []any{label, false}
	if !countAwaiting {
		query += ` AND awaiting = $3`
		args = append(args, false)
	}
	var n int
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count in-flight for %q: %w", label, err)
	}
	return n, nil
}

func (s *SQLLedger) List(ctx context.Context, f Filter) ([]Record, error) {
	var (
		where []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if f.Label != "" {
		add("label = $%d", f.Label)
	}
	if f.Initiator != "" {
		add("initiator = $%d", f.Initiator)
	}
	if f.OpenOnly {
		add("terminal = $%d", false)
	}
	query := `SELECT ` + columns + ` FROM executions`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY execution_id`
	if f.Limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	result := make([]Record, 0)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (s *SQLLedger) LastID(ctx context.Context) (uint64, error) {
	var id sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT MAX(execution_id) FROM executions`).Scan(&id); err != nil {
		return 0, fmt.Errorf("last execution id: %w", err)
	}
	return uint64(id.Int64), nil
}
