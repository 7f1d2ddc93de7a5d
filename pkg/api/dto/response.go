package dto

import (
	"time"

	"github.com/labflow/protocol-engine/pkg/core/engine"
)

// APIResponse 通用API响应结构
type APIResponse[T any] struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    T      `json:"data,omitempty"`
}

// NewSuccessResponse 创建成功响应
func NewSuccessResponse[T any](data T) APIResponse[T] {
	return APIResponse[T]{
		Code:    0,
		Message: "success",
		Data:    data,
	}
}

// NewErrorResponse 创建错误响应
func NewErrorResponse(code int, message string) APIResponse[any] {
	return APIResponse[any]{
		Code:    code,
		Message: message,
	}
}

// AnalysisSummary 分析记录摘要信息
type AnalysisSummary struct {
	ID          string    `json:"id"`
	ProcedureID string    `json:"procedure_id"`
	Version     int       `json:"version"`
	Type        string    `json:"type"`
	Score       float64   `json:"score"`
	IsValid     bool      `json:"is_valid"`
	StepCount   int       `json:"step_count"`
	Duration    string    `json:"duration,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// AnalysisDetail 分析结果详细信息
type AnalysisDetail struct {
	AnalysisSummary
	Result *engine.Result `json:"result"`
}

// BatchSummary 批量分析响应
type BatchSummary struct {
	Succeeded int                `json:"succeeded"`
	Failed    int                `json:"failed"`
	Items     []engine.BatchItem `json:"items"`
}

// HealthResponse 健康检查响应
type HealthResponse struct {
	Status    string `json:"status"`
	Version   string `json:"version"`
	Uptime    string `json:"uptime"`
	Timestamp string `json:"timestamp"`
}

// ListResponse 列表响应
type ListResponse[T any] struct {
	Total   int  `json:"total"`
	Items   []T  `json:"items"`
	HasMore bool `json:"has_more"`
}
