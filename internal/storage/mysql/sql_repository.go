package mysql

import (
	"context"
	"database/sql"
	stdErrors "errors"
	"time"

	_ "github.com/go-sql-driver/mysql"

	xerrors "ChainChat/internal/errors"
	"ChainChat/pkg/txflow"
)

// Config 描述 MySQL 连接池配置。
type Config struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

const dispatchColumns = `id, address, prompt, tool, envelope, has_transaction, outcome_code, tx_hash, outcome_error, created_at, updated_at`

// SQLDispatchRepository 使用 MySQL 存储派发记录。
type SQLDispatchRepository struct {
	db *sql.DB
}

// NewSQLDispatchRepository 建立连接池并执行内嵌迁移。
func NewSQLDispatchRepository(ctx context.Context, cfg Config) (*SQLDispatchRepository, error) {
	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := runMigrations(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	return &SQLDispatchRepository{db: db}, nil
}

// Create 写入新记录。
func (s *SQLDispatchRepository) Create(ctx context.Context, record *DispatchRecord) error {
	if record == nil || record.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "dispatch record needs an id")
	}
	if record.CreatedAt == 0 {
		record.CreatedAt = time.Now().Unix()
	}
	if record.UpdatedAt == 0 {
		record.UpdatedAt = record.CreatedAt
	}
	const stmt = `INSERT INTO dispatches (` + dispatchColumns + `)
    VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	if _, err := s.db.ExecContext(ctx, stmt,
		record.ID,
		record.Address,
		record.Prompt,
		record.Tool,
		record.Envelope,
		record.HasTransaction,
		string(record.OutcomeCode),
		record.TxHash,
		record.OutcomeError,
		record.CreatedAt,
		record.UpdatedAt,
	); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "insert dispatch")
	}
	return nil
}

// Get 按 ID 查询记录。
func (s *SQLDispatchRepository) Get(ctx context.Context, id string) (*DispatchRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+dispatchColumns+`
    FROM dispatches WHERE id = ?`, id)
	record, err := scanDispatch(row)
	if stdErrors.Is(err, sql.ErrNoRows) {
		return nil, xerrors.New(xerrors.CodeNotFound, "dispatch not found", xerrors.WithMetadata("id", id))
	}
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "query dispatch")
	}
	return record, nil
}

// ListLatest 查询最近的记录。
func (s *SQLDispatchRepository) ListLatest(ctx context.Context, limit int) ([]DispatchRecord, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+dispatchColumns+`
    FROM dispatches ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "list dispatches")
	}
	defer rows.Close()

	var records []DispatchRecord
	for rows.Next() {
		record, err := scanDispatch(rows)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "scan dispatch")
		}
		records = append(records, *record)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "iterate dispatches")
	}
	return records, nil
}

// ApplyOutcome 以条件更新保证终态只写入一次；更新未命中时再查询原因。
func (s *SQLDispatchRepository) ApplyOutcome(ctx context.Context, outcome txflow.Outcome) (*DispatchRecord, error) {
	if err := checkOutcome(outcome); err != nil {
		return nil, err
	}
	at := outcome.At
	if at.IsZero() {
		at = time.Now()
	}
	res, err := s.db.ExecContext(ctx, `UPDATE dispatches SET outcome_code = ?, tx_hash = ?, outcome_error = ?, updated_at = ?
    WHERE id = ? AND has_transaction = TRUE AND outcome_code = ''`,
		string(outcome.Code), outcome.Hash, outcome.Error, at.Unix(), outcome.MessageID)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "apply outcome")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "apply outcome")
	}

	record, err := s.Get(ctx, outcome.MessageID)
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		// 记录存在但条件不满足：非交易记录或已是终态。
		if err := applyTo(record, outcome); err != nil {
			return nil, err
		}
		return nil, xerrors.New(xerrors.CodeConflict, "outcome was not applied", xerrors.WithMetadata("id", outcome.MessageID))
	}
	return record, nil
}

// Close 关闭底层数据库连接。
func (s *SQLDispatchRepository) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanDispatch(row scanner) (*DispatchRecord, error) {
	var (
		record DispatchRecord
		code   string
	)
	if err := row.Scan(
		&record.ID,
		&record.Address,
		&record.Prompt,
		&record.Tool,
		&record.Envelope,
		&record.HasTransaction,
		&code,
		&record.TxHash,
		&record.OutcomeError,
		&record.CreatedAt,
		&record.UpdatedAt,
	); err != nil {
		return nil, err
	}
	record.OutcomeCode = txflow.Code(code)
	return &record, nil
}
