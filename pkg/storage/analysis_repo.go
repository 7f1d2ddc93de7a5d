// Package storage 定义分析历史的持久化接口与数据库方言
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/labflow/protocol-engine/pkg/core/engine"
)

// ErrRecordNotFound 记录不存在
var ErrRecordNotFound = errors.New("分析记录不存在")

// AnalysisRecord 分析历史记录（对外导出）
// Result字段保存完整分析结果，其余字段为可检索的摘要列
type AnalysisRecord struct {
	ID                string         `json:"id"`
	ProcedureID       string         `json:"procedure_id"`
	Version           int            `json:"version"`
	Type              string         `json:"type"`
	Score             float64        `json:"score"`
	IsValid           bool           `json:"is_valid"`
	StepCount         int            `json:"step_count"`
	EstimatedDuration time.Duration  `json:"estimated_duration"`
	ReagentCost       float64        `json:"reagent_cost"`
	Result            *engine.Result `json:"result,omitempty"`
	CreateTime        time.Time      `json:"create_time"`
}

// AnalysisRepository 分析历史Repository接口（对外导出）
type AnalysisRepository interface {
	// Save 保存分析记录（同ID覆盖写）
	Save(ctx context.Context, record *AnalysisRecord) error

	// GetByID 按分析ID查询，不存在返回ErrRecordNotFound
	GetByID(ctx context.Context, id string) (*AnalysisRecord, error)

	// ListByProcedure 按方案ID查询历史记录（按时间倒序，limit≤0不限制）
	ListByProcedure(ctx context.Context, procedureID string, limit int) ([]*AnalysisRecord, error)

	// Delete 删除分析记录，不存在返回ErrRecordNotFound
	Delete(ctx context.Context, id string) error

	// Close 关闭底层连接
	Close() error
}

// Dialect 数据库方言接口（对外导出）
type Dialect interface {
	// Name 返回方言名称
	Name() string
	// UpsertSQL 返回带冲突更新的INSERT语句（命名占位符形式）
	UpsertSQL(tableName string, columns []string, conflictColumn string, updateColumns []string) string
	// CreateTableSQL 转换DDL为该方言兼容格式
	CreateTableSQL(schema string) string
}

// NewRecord 从分析结果构建历史记录（对外导出）
func NewRecord(result *engine.Result) *AnalysisRecord {
	record := &AnalysisRecord{
		ID:                result.ID,
		ProcedureID:       result.ProcedureID,
		Version:           result.Version,
		Type:              string(result.Type),
		StepCount:         result.Metadata.StepCount,
		EstimatedDuration: result.Metadata.EstimatedDuration,
		ReagentCost:       result.Metadata.ReagentCost,
		Result:            result,
		CreateTime:        result.Metadata.AnalyzedAt,
	}
	if result.Validation != nil {
		record.Score = result.Validation.Score
		record.IsValid = result.Validation.IsValid
	}
	return record
}

// Sink 将AnalysisRepository适配为引擎的结果落盘回调（对外导出）
type Sink struct {
	repo AnalysisRepository
}

// NewSink 创建结果落盘适配器
func NewSink(repo AnalysisRepository) *Sink {
	return &Sink{repo: repo}
}

// SaveResult 保存分析结果
func (s *Sink) SaveResult(ctx context.Context, result *engine.Result) error {
	return s.repo.Save(ctx, NewRecord(result))
}

var _ engine.ResultSink = (*Sink)(nil)
