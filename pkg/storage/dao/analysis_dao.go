package dao

import (
	"time"
)

// AnalysisDAO 分析历史表的数据访问对象（内部使用）
type AnalysisDAO struct {
	ID                  string    `db:"id"`
	ProcedureID         string    `db:"procedure_id"`
	Version             int       `db:"version"`
	AnalysisType        string    `db:"analysis_type"`
	Score               float64   `db:"score"`
	IsValid             bool      `db:"is_valid"`
	StepCount           int       `db:"step_count"`
	EstimatedDurationMS int64     `db:"estimated_duration_ms"`
	ReagentCost         float64   `db:"reagent_cost"`
	Result              string    `db:"result"` // JSON格式存储
	CreateTime          time.Time `db:"create_time"`
}

// AnalysisColumns 分析历史表列名（插入顺序）
var AnalysisColumns = []string{
	"id",
	"procedure_id",
	"version",
	"analysis_type",
	"score",
	"is_valid",
	"step_count",
	"estimated_duration_ms",
	"reagent_cost",
	"result",
	"create_time",
}

// AnalysisUpdateColumns 冲突时更新的列名
var AnalysisUpdateColumns = []string{
	"score",
	"is_valid",
	"step_count",
	"estimated_duration_ms",
	"reagent_cost",
	"result",
}
