package workflow

import (
	"context"
	"database/sql"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"

	xerrors "github.com/copilfi/copil/internal/errors"
)

// MySQLStore 使用 MySQL 记录工作流状态。
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
	const schema = `CREATE TABLE IF NOT EXISTS workflows (
        id VARCHAR(64) PRIMARY KEY,
        user_id VARCHAR(64) NOT NULL,
        sca_address VARCHAR(66) DEFAULT '',
        name VARCHAR(255) NOT NULL,
        description TEXT,
        is_active TINYINT(1) NOT NULL DEFAULT 1,
        trigger_type VARCHAR(32) NOT NULL,
        trigger_config TEXT,
        trigger_state TEXT,
        nodes TEXT NOT NULL,
        edges TEXT,
        state VARCHAR(32) NOT NULL,
        next_check_at BIGINT NOT NULL DEFAULT 0,
        last_triggered_at BIGINT NOT NULL DEFAULT 0,
        last_executed_at BIGINT NOT NULL DEFAULT 0,
        execution_count INT NOT NULL DEFAULT 0,
        success_count INT NOT NULL DEFAULT 0,
        failure_count INT NOT NULL DEFAULT 0,
        max_retries INT NOT NULL DEFAULT 3,
        retry_count INT NOT NULL DEFAULT 0,
        last_error TEXT,
        last_error_at BIGINT NOT NULL DEFAULT 0,
        upkeep_id VARCHAR(128) DEFAULT '',
        registration_tx_hash VARCHAR(66) DEFAULT '',
        created_at BIGINT NOT NULL,
        updated_at BIGINT NOT NULL,
        INDEX idx_workflow_user (user_id),
        INDEX idx_workflow_state (state),
        INDEX idx_workflow_due (is_active, state, next_check_at)
)`

	if _, err := s.db.Exec(schema); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "初始化 workflows 表失败")
	}
	return nil
}

const workflowColumns = `id, user_id, sca_address, name, description, is_active, trigger_type,
        trigger_config, trigger_state, nodes, edges, state, next_check_at, last_triggered_at,
        last_executed_at, execution_count, success_count, failure_count, max_retries, retry_count,
        last_error, last_error_at, upkeep_id, registration_tx_hash, created_at, updated_at`

// Create 插入新的工作流记录。
func (s *MySQLStore) Create(ctx context.Context, wf *Workflow) error {
	if wf == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "workflow 不能为空")
	}
	if strings.TrimSpace(wf.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "工作流 ID 不能为空")
	}

	now := time.Now().Unix()
	wf.CreatedAt = now
	wf.UpdatedAt = now

	triggerConfig, err := marshalJSONColumn(wf.TriggerConfig)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码 trigger_config 失败")
	}
	triggerState, err := marshalJSONColumn(wf.TriggerState)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码 trigger_state 失败")
	}
	nodes, err := json.Marshal(wf.Nodes)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码 nodes 失败")
	}
	edges, err := json.Marshal(wf.Edges)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码 edges 失败")
	}

	const stmt = `INSERT INTO workflows
        (id, user_id, sca_address, name, description, is_active, trigger_type, trigger_config,
         trigger_state, nodes, edges, state, next_check_at, max_retries, upkeep_id,
         registration_tx_hash, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err = s.db.ExecContext(ctx, stmt,
		wf.ID,
		wf.UserID,
		wf.SCAAddress,
		wf.Name,
		wf.Description,
		wf.IsActive,
		wf.TriggerType,
		triggerConfig,
		triggerState,
		string(nodes),
		string(edges),
		wf.State,
		unixOrZero(wf.NextCheckAt),
		wf.MaxRetries,
		wf.UpkeepID,
		wf.RegistrationTxHash,
		wf.CreatedAt,
		wf.UpdatedAt,
	)
	if err != nil {
		var mysqlErr *mysql.MySQLError
		if stdErrors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return ErrConflict
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "插入工作流失败")
	}
	return nil
}

// Get 查询指定工作流。
func (s *MySQLStore) Get(ctx context.Context, id string) (*Workflow, error) {
	stmt := `SELECT ` + workflowColumns + ` FROM workflows WHERE id = ?`
	row := s.db.QueryRowContext(ctx, stmt, id)
	wf, err := scanWorkflow(row)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询工作流失败")
	}
	return wf, nil
}

// Update 覆盖保存工作流。
func (s *MySQLStore) Update(ctx context.Context, wf *Workflow) error {
	if wf == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "workflow 不能为空")
	}

	triggerConfig, err := marshalJSONColumn(wf.TriggerConfig)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码 trigger_config 失败")
	}
	triggerState, err := marshalJSONColumn(wf.TriggerState)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码 trigger_state 失败")
	}
	nodes, err := json.Marshal(wf.Nodes)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码 nodes 失败")
	}
	edges, err := json.Marshal(wf.Edges)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码 edges 失败")
	}

	const stmt = `UPDATE workflows SET user_id = ?, sca_address = ?, name = ?, description = ?,
        is_active = ?, trigger_type = ?, trigger_config = ?, trigger_state = ?, nodes = ?, edges = ?,
        state = ?, next_check_at = ?, last_triggered_at = ?, last_executed_at = ?,
        execution_count = ?, success_count = ?, failure_count = ?, max_retries = ?, retry_count = ?,
        last_error = ?, last_error_at = ?, upkeep_id = ?, registration_tx_hash = ?, updated_at = ?
        WHERE id = ?`

	now := time.Now().Unix()
	res, err := s.db.ExecContext(ctx, stmt,
		wf.UserID,
		wf.SCAAddress,
		wf.Name,
		wf.Description,
		wf.IsActive,
		wf.TriggerType,
		triggerConfig,
		triggerState,
		string(nodes),
		string(edges),
		wf.State,
		unixOrZero(wf.NextCheckAt),
		unixOrZero(wf.LastTriggeredAt),
		unixOrZero(wf.LastExecutedAt),
		wf.ExecutionCount,
		wf.SuccessCount,
		wf.FailureCount,
		wf.MaxRetries,
		wf.RetryCount,
		wf.LastError,
		unixOrZero(wf.LastErrorAt),
		wf.UpkeepID,
		wf.RegistrationTxHash,
		now,
		wf.ID,
	)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新工作流失败")
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrNotFound
	}
	wf.UpdatedAt = now
	return nil
}

// UpdateTriggerState 只更新引擎侧的游标状态。
func (s *MySQLStore) UpdateTriggerState(ctx context.Context, id string, state map[string]any, nextCheckAt *time.Time) error {
	triggerState, err := marshalJSONColumn(state)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码 trigger_state 失败")
	}

	now := time.Now().Unix()
	var res sql.Result
	if nextCheckAt != nil {
		const stmt = `UPDATE workflows SET trigger_state = ?, next_check_at = ?, updated_at = ? WHERE id = ?`
		res, err = s.db.ExecContext(ctx, stmt, triggerState, nextCheckAt.Unix(), now, id)
	} else {
		const stmt = `UPDATE workflows SET trigger_state = ?, updated_at = ? WHERE id = ?`
		res, err = s.db.ExecContext(ctx, stmt, triggerState, now, id)
	}
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新触发器状态失败")
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrNotFound
	}
	return nil
}

// Transition 带状态前置条件的原子状态迁移，依赖单条 UPDATE 的
// 原子性避免并发触发同一工作流。
func (s *MySQLStore) Transition(ctx context.Context, id string, from []Status, to Status) (bool, error) {
	if len(from) == 0 {
		return false, xerrors.New(xerrors.CodeInvalidArgument, "前置状态列表不能为空")
	}

	placeholders := make([]string, len(from))
	args := make([]any, 0, len(from)+4)
	now := time.Now().Unix()

	stmt := `UPDATE workflows SET state = ?, updated_at = ?`
	args = append(args, to, now)
	if to == StatusTriggered {
		stmt += `, last_triggered_at = ?`
		args = append(args, now)
	}
	stmt += ` WHERE id = ? AND state IN (` + func() string {
		for i := range from {
			placeholders[i] = "?"
		}
		return strings.Join(placeholders, ",")
	}() + `)`
	args = append(args, id)
	for _, status := range from {
		args = append(args, status)
	}

	res, err := s.db.ExecContext(ctx, stmt, args...)
	if err != nil {
		return false, xerrors.Wrap(xerrors.CodeStorageFailure, err, "工作流状态迁移失败")
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, xerrors.Wrap(xerrors.CodeStorageFailure, err, "获取影响行数失败")
	}
	return rows > 0, nil
}

// ListDue 返回到期需要检查触发条件的活跃工作流。
func (s *MySQLStore) ListDue(ctx context.Context, now time.Time, limit int) ([]*Workflow, error) {
	if limit <= 0 {
		limit = 100
	}
	stmt := `SELECT ` + workflowColumns + ` FROM workflows
        WHERE is_active = 1 AND state IN (?, ?) AND next_check_at <= ?
        ORDER BY next_check_at ASC, id ASC LIMIT ?`

	rows, err := s.db.QueryContext(ctx, stmt, StatusPending, StatusActive, now.Unix(), limit)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询到期工作流失败")
	}
	defer rows.Close()
	return collectWorkflows(rows)
}

// ListByUser 返回指定用户的工作流。
func (s *MySQLStore) ListByUser(ctx context.Context, userID string, limit int) ([]*Workflow, error) {
	if limit <= 0 {
		limit = 100
	}

	var (
		rows *sql.Rows
		err  error
	)
	if userID == "" {
		stmt := `SELECT ` + workflowColumns + ` FROM workflows ORDER BY created_at DESC, id DESC LIMIT ?`
		rows, err = s.db.QueryContext(ctx, stmt, limit)
	} else {
		stmt := `SELECT ` + workflowColumns + ` FROM workflows WHERE user_id = ? ORDER BY created_at DESC, id DESC LIMIT ?`
		rows, err = s.db.QueryContext(ctx, stmt, userID, limit)
	}
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询工作流列表失败")
	}
	defer rows.Close()
	return collectWorkflows(rows)
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

func scanWorkflow(row rowScanner) (*Workflow, error) {
	var (
		wf            Workflow
		description   sql.NullString
		triggerConfig sql.NullString
		triggerState  sql.NullString
		nodes         string
		edges         sql.NullString
		nextCheckAt   int64
		lastTriggered int64
		lastExecuted  int64
		lastError     sql.NullString
		lastErrorAt   int64
	)
	if err := row.Scan(
		&wf.ID,
		&wf.UserID,
		&wf.SCAAddress,
		&wf.Name,
		&description,
		&wf.IsActive,
		&wf.TriggerType,
		&triggerConfig,
		&triggerState,
		&nodes,
		&edges,
		&wf.State,
		&nextCheckAt,
		&lastTriggered,
		&lastExecuted,
		&wf.ExecutionCount,
		&wf.SuccessCount,
		&wf.FailureCount,
		&wf.MaxRetries,
		&wf.RetryCount,
		&lastError,
		&lastErrorAt,
		&wf.UpkeepID,
		&wf.RegistrationTxHash,
		&wf.CreatedAt,
		&wf.UpdatedAt,
	); err != nil {
		return nil, err
	}

	wf.Description = description.String
	wf.LastError = lastError.String

	var err error
	if wf.TriggerConfig, err = unmarshalJSONColumn(triggerConfig); err != nil {
		return nil, fmt.Errorf("解析 trigger_config 失败: %w", err)
	}
	if wf.TriggerState, err = unmarshalJSONColumn(triggerState); err != nil {
		return nil, fmt.Errorf("解析 trigger_state 失败: %w", err)
	}
	if err = json.Unmarshal([]byte(nodes), &wf.Nodes); err != nil {
		return nil, fmt.Errorf("解析 nodes 失败: %w", err)
	}
	if edges.Valid && edges.String != "" {
		if err = json.Unmarshal([]byte(edges.String), &wf.Edges); err != nil {
			return nil, fmt.Errorf("解析 edges 失败: %w", err)
		}
	}

	wf.NextCheckAt = timeOrNil(nextCheckAt)
	wf.LastTriggeredAt = timeOrNil(lastTriggered)
	wf.LastExecutedAt = timeOrNil(lastExecuted)
	wf.LastErrorAt = timeOrNil(lastErrorAt)
	return &wf, nil
}

func collectWorkflows(rows *sql.Rows) ([]*Workflow, error) {
	workflows := make([]*Workflow, 0, 16)
	for rows.Next() {
		wf, err := scanWorkflow(rows)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析工作流记录失败")
		}
		workflows = append(workflows, wf)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历工作流失败")
	}
	return workflows, nil
}

func marshalJSONColumn(m map[string]any) (sql.NullString, error) {
	if len(m) == 0 {
		return sql.NullString{}, nil
	}
	bytes, err := json.Marshal(m)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(bytes), Valid: true}, nil
}

func unmarshalJSONColumn(raw sql.NullString) (map[string]any, error) {
	if !raw.Valid || strings.TrimSpace(raw.String) == "" {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(raw.String), &m); err != nil {
		return nil, err
	}
	return m, nil
}

func unixOrZero(t *time.Time) int64 {
	if t == nil {
		return 0
	}
	return t.Unix()
}

func timeOrNil(unix int64) *time.Time {
	if unix == 0 {
		return nil
	}
	t := time.Unix(unix, 0)
	return &t
}

var _ Store = (*MySQLStore)(nil)
