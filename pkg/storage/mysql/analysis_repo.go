package mysql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"

	"github.com/labflow/protocol-engine/pkg/core/engine"
	"github.com/labflow/protocol-engine/pkg/storage"
	"github.com/labflow/protocol-engine/pkg/storage/dao"
)

// AnalysisRepo 分析历史Repository的MySQL实现（对外导出）
type AnalysisRepo struct {
	db      *sqlx.DB
	dialect *MySQLDialect
}

// NewAnalysisRepo 创建MySQL分析历史Repository实例（对外导出）
func NewAnalysisRepo(db *sqlx.DB) (*AnalysisRepo, error) {
	repo := &AnalysisRepo{
		db:      db,
		dialect: NewMySQLDialect(),
	}
	if err := repo.initSchema(); err != nil {
		return nil, fmt.Errorf("初始化表结构失败: %w", err)
	}
	return repo, nil
}

// NewAnalysisRepoFromDSN 通过DSN创建MySQL分析历史Repository实例（对外导出）
// dsn格式: user:password@tcp(host:port)/dbname?parseTime=true
func NewAnalysisRepoFromDSN(dsn string) (*AnalysisRepo, error) {
	// 确保DSN包含parseTime=true
	if !strings.Contains(dsn, "parseTime=true") {
		if strings.Contains(dsn, "?") {
			dsn += "&parseTime=true"
		} else {
			dsn += "?parseTime=true"
		}
	}

	db, err := sqlx.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("打开数据库失败: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("数据库连接失败: %w", err)
	}

	// 配置MySQL会话
	dialect := NewMySQLDialect()
	for _, stmt := range dialect.ConfigureDB() {
		if _, err := db.Exec(stmt); err != nil {
			// 忽略配置错误，继续执行
		}
	}

	return NewAnalysisRepo(db)
}

// GetDB 获取底层数据库连接（对外导出）
func (r *AnalysisRepo) GetDB() *sqlx.DB {
	return r.db
}

// Close 关闭数据库连接（对外导出）
func (r *AnalysisRepo) Close() error {
	if r.db != nil {
		return r.db.Close()
	}
	return nil
}

// initSchema 初始化数据库表结构
func (r *AnalysisRepo) initSchema() error {
	createAnalysisSQL := `
	CREATE TABLE IF NOT EXISTS analysis_history (
		id VARCHAR(36) PRIMARY KEY,
		procedure_id VARCHAR(255) NOT NULL,
		version INT NOT NULL DEFAULT 1,
		analysis_type VARCHAR(50) NOT NULL DEFAULT 'full',
		score DOUBLE NOT NULL DEFAULT 0,
		is_valid TINYINT(1) NOT NULL DEFAULT 0,
		step_count INT NOT NULL DEFAULT 0,
		estimated_duration_ms BIGINT NOT NULL DEFAULT 0,
		reagent_cost DOUBLE NOT NULL DEFAULT 0,
		result LONGTEXT,
		create_time DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		INDEX idx_analysis_history_procedure_id (procedure_id),
		INDEX idx_analysis_history_create_time (create_time)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4;
	`

	if _, err := r.db.Exec(r.dialect.CreateTableSQL(createAnalysisSQL)); err != nil {
		return fmt.Errorf("执行SQL失败: %w", err)
	}
	return nil
}

// Save 保存分析记录（同ID覆盖写）
func (r *AnalysisRepo) Save(ctx context.Context, record *storage.AnalysisRecord) error {
	analysisDAO, err := recordToDAO(record)
	if err != nil {
		return err
	}

	upsertSQL := r.dialect.UpsertSQL(
		"analysis_history",
		dao.AnalysisColumns,
		"id",
		dao.AnalysisUpdateColumns,
	)
	if _, err := r.db.NamedExecContext(ctx, upsertSQL, analysisDAO); err != nil {
		return fmt.Errorf("保存分析记录失败: %w", err)
	}
	return nil
}

// GetByID 按分析ID查询
func (r *AnalysisRepo) GetByID(ctx context.Context, id string) (*storage.AnalysisRecord, error) {
	var analysisDAO dao.AnalysisDAO
	query := `SELECT * FROM analysis_history WHERE id = ?`
	if err := r.db.GetContext(ctx, &analysisDAO, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrRecordNotFound
		}
		return nil, fmt.Errorf("查询分析记录失败: %w", err)
	}
	return daoToRecord(&analysisDAO)
}

// ListByProcedure 按方案ID查询历史记录（按时间倒序）
func (r *AnalysisRepo) ListByProcedure(ctx context.Context, procedureID string, limit int) ([]*storage.AnalysisRecord, error) {
	var daos []dao.AnalysisDAO
	query := `SELECT * FROM analysis_history WHERE procedure_id = ? ORDER BY create_time DESC`
	args := []interface{}{procedureID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	if err := r.db.SelectContext(ctx, &daos, query, args...); err != nil {
		return nil, fmt.Errorf("查询分析历史失败: %w", err)
	}

	records := make([]*storage.AnalysisRecord, 0, len(daos))
	for i := range daos {
		record, err := daoToRecord(&daos[i])
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	return records, nil
}

// Delete 删除分析记录
func (r *AnalysisRepo) Delete(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM analysis_history WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("删除分析记录失败: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("获取影响行数失败: %w", err)
	}
	if affected == 0 {
		return storage.ErrRecordNotFound
	}
	return nil
}

// recordToDAO 记录转DAO（结果序列化为JSON）
func recordToDAO(record *storage.AnalysisRecord) (*dao.AnalysisDAO, error) {
	resultJSON, err := json.Marshal(record.Result)
	if err != nil {
		return nil, fmt.Errorf("序列化分析结果失败: %w", err)
	}

	createTime := record.CreateTime
	if createTime.IsZero() {
		createTime = time.Now()
	}

	return &dao.AnalysisDAO{
		ID:                  record.ID,
		ProcedureID:         record.ProcedureID,
		Version:             record.Version,
		AnalysisType:        record.Type,
		Score:               record.Score,
		IsValid:             record.IsValid,
		StepCount:           record.StepCount,
		EstimatedDurationMS: record.EstimatedDuration.Milliseconds(),
		ReagentCost:         record.ReagentCost,
		Result:              string(resultJSON),
		CreateTime:          createTime,
	}, nil
}

// daoToRecord DAO转记录
func daoToRecord(analysisDAO *dao.AnalysisDAO) (*storage.AnalysisRecord, error) {
	record := &storage.AnalysisRecord{
		ID:                analysisDAO.ID,
		ProcedureID:       analysisDAO.ProcedureID,
		Version:           analysisDAO.Version,
		Type:              analysisDAO.AnalysisType,
		Score:             analysisDAO.Score,
		IsValid:           analysisDAO.IsValid,
		StepCount:         analysisDAO.StepCount,
		EstimatedDuration: time.Duration(analysisDAO.EstimatedDurationMS) * time.Millisecond,
		ReagentCost:       analysisDAO.ReagentCost,
		CreateTime:        analysisDAO.CreateTime,
	}

	if analysisDAO.Result != "" && analysisDAO.Result != "null" {
		var result engine.Result
		if err := json.Unmarshal([]byte(analysisDAO.Result), &result); err != nil {
			return nil, fmt.Errorf("反序列化分析结果失败: %w", err)
		}
		record.Result = &result
	}
	return record, nil
}

// 确保实现接口
var _ storage.AnalysisRepository = (*AnalysisRepo)(nil)
