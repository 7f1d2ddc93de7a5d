package dto

import "encoding/json"

// AnalyzeRequest 方案分析请求
// Document为内联JSON方案文档；YAML方案通过Content+Format提交
type AnalyzeRequest struct {
	Document       json.RawMessage `json:"document" binding:"omitempty"`
	Content        string          `json:"content" binding:"omitempty"`
	Format         string          `json:"format" binding:"omitempty,oneof=json yaml"`
	Type           string          `json:"type" binding:"omitempty,oneof=full dependencies validation risk"`
	Categories     []string        `json:"categories" binding:"omitempty"`
	MinSeverity    string          `json:"min_severity" binding:"omitempty,oneof=info warning error critical"`
	MaxSuggestions int             `json:"max_suggestions" binding:"omitempty,min=1,max=50"`
	SkipCache      bool            `json:"skip_cache" binding:"omitempty"`
}

// BatchAnalyzeRequest 批量分析请求
type BatchAnalyzeRequest struct {
	Requests []AnalyzeRequest `json:"requests" binding:"required,min=1,dive"`
}

// HistoryQueryRequest 分析历史查询请求
type HistoryQueryRequest struct {
	ProcedureID string `form:"procedure_id" binding:"required"`
	Limit       int    `form:"limit" binding:"omitempty,min=1,max=100"`
}

// GetDefaultLimit 获取默认limit
func (r *HistoryQueryRequest) GetDefaultLimit() int {
	if r.Limit <= 0 {
		return 20
	}
	return r.Limit
}
