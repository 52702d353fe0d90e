package execution

import (
	"context"
	"database/sql"
	"encoding/json"
	stdErrors "errors"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"

	xerrors "github.com/copilfi/copil/internal/errors"
)

// MySQLStore 使用 MySQL 记录执行状态。
type MySQLStore struct {
	db *sql.DB
}

// NewMySQLStore 创建一个新的 MySQLStore。
func NewMySQLStore(dsn string) (*MySQLStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "MySQL DSN 不能为空")
	}

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "连接 MySQL 失败")
	}

	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(10 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "无法连接到 MySQL")
	}

	store := &MySQLStore{db: db}
	if err := store.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *MySQLStore) initSchema() error {
	const schema = `CREATE TABLE IF NOT EXISTS workflow_executions (
        id VARCHAR(64) PRIMARY KEY,
        workflow_id VARCHAR(64) NOT NULL,
        status VARCHAR(32) NOT NULL,
        current_node_id VARCHAR(128) DEFAULT '',
        data TEXT,
        result TEXT,
        tx_hash VARCHAR(66) DEFAULT '',
        last_error TEXT,
        failed_at_node VARCHAR(128) DEFAULT '',
        retry_of VARCHAR(64) DEFAULT '',
        started_at BIGINT NOT NULL,
        completed_at BIGINT NOT NULL DEFAULT 0,
        INDEX idx_execution_workflow (workflow_id, started_at)
)`

	if _, err := s.db.Exec(schema); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "初始化 workflow_executions 表失败")
	}
	return nil
}

const executionColumns = `id, workflow_id, status, current_node_id, data, result, tx_hash,
        last_error, failed_at_node, retry_of, started_at, completed_at`

// Create 插入新的执行记录。
func (s *MySQLStore) Create(ctx context.Context, exec *Execution) error {
	if exec == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "execution 不能为空")
	}
	if strings.TrimSpace(exec.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "执行 ID 不能为空")
	}

	data, err := marshalColumn(exec.Data)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码执行数据失败")
	}
	result, err := marshalColumn(exec.Result)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码执行结果失败")
	}

	const stmt = `INSERT INTO workflow_executions
        (id, workflow_id, status, current_node_id, data, result, tx_hash, last_error,
         failed_at_node, retry_of, started_at, completed_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err = s.db.ExecContext(ctx, stmt,
		exec.ID,
		exec.WorkflowID,
		exec.Status,
		exec.CurrentNodeID,
		data,
		result,
		exec.TxHash,
		exec.Error,
		exec.FailedAtNode,
		exec.RetryOf,
		exec.StartedAt,
		exec.CompletedAt,
	)
	if err != nil {
		var mysqlErr *mysql.MySQLError
		if stdErrors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return xerrors.New(CodeExecutionConflict, "执行 ID 已存在")
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "插入执行记录失败")
	}
	return nil
}

// Get 查询指定执行记录。
func (s *MySQLStore) Get(ctx context.Context, id string) (*Execution, error) {
	stmt := `SELECT ` + executionColumns + ` FROM workflow_executions WHERE id = ?`
	row := s.db.QueryRowContext(ctx, stmt, id)
	exec, err := scanExecution(row)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询执行记录失败")
	}
	return exec, nil
}

// Update 覆盖保存执行记录。
func (s *MySQLStore) Update(ctx context.Context, exec *Execution) error {
	if exec == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "execution 不能为空")
	}

	data, err := marshalColumn(exec.Data)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码执行数据失败")
	}
	result, err := marshalColumn(exec.Result)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码执行结果失败")
	}

	const stmt = `UPDATE workflow_executions SET status = ?, current_node_id = ?, data = ?,
        result = ?, tx_hash = ?, last_error = ?, failed_at_node = ?, completed_at = ?
        WHERE id = ?`

	res, err := s.db.ExecContext(ctx, stmt,
		exec.Status,
		exec.CurrentNodeID,
		data,
		result,
		exec.TxHash,
		exec.Error,
		exec.FailedAtNode,
		exec.CompletedAt,
		exec.ID,
	)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新执行记录失败")
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrNotFound
	}
	return nil
}

// ListByWorkflow 返回指定工作流的执行记录，按开始时间倒序。
func (s *MySQLStore) ListByWorkflow(ctx context.Context, workflowID string, limit int) ([]*Execution, error) {
	if limit <= 0 {
		limit = 50
	}
	stmt := `SELECT ` + executionColumns + ` FROM workflow_executions
        WHERE workflow_id = ? ORDER BY started_at DESC, id DESC LIMIT ?`

	rows, err := s.db.QueryContext(ctx, stmt, workflowID, limit)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询执行列表失败")
	}
	defer rows.Close()

	executions := make([]*Execution, 0, limit)
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析执行记录失败")
		}
		executions = append(executions, exec)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历执行记录失败")
	}
	return executions, nil
}

// Close 关闭底层数据库连接。
func (s *MySQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanExecution(row rowScanner) (*Execution, error) {
	var (
		exec      Execution
		data      sql.NullString
		result    sql.NullString
		lastError sql.NullString
	)
	if err := row.Scan(
		&exec.ID,
		&exec.WorkflowID,
		&exec.Status,
		&exec.CurrentNodeID,
		&data,
		&result,
		&exec.TxHash,
		&lastError,
		&exec.FailedAtNode,
		&exec.RetryOf,
		&exec.StartedAt,
		&exec.CompletedAt,
	); err != nil {
		return nil, err
	}
	exec.Error = lastError.String

	var err error
	if exec.Data, err = unmarshalColumn(data); err != nil {
		return nil, err
	}
	if exec.Result, err = unmarshalColumn(result); err != nil {
		return nil, err
	}
	return &exec, nil
}

func marshalColumn(m map[string]any) (sql.NullString, error) {
	if len(m) == 0 {
		return sql.NullString{}, nil
	}
	bytes, err := json.Marshal(m)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(bytes), Valid: true}, nil
}

func unmarshalColumn(raw sql.NullString) (map[string]any, error) {
	if !raw.Valid || strings.TrimSpace(raw.String) == "" {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(raw.String), &m); err != nil {
		return nil, err
	}
	return m, nil
}

var _ Store = (*MySQLStore)(nil)
