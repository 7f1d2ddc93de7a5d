package handler

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/labflow/protocol-engine/pkg/api/dto"
	"github.com/labflow/protocol-engine/pkg/core/engine"
	"github.com/labflow/protocol-engine/pkg/core/graph"
	"github.com/labflow/protocol-engine/pkg/core/protocol"
	"github.com/labflow/protocol-engine/pkg/core/validation"
	"github.com/labflow/protocol-engine/pkg/storage"
)

// AnalysisHandler 分析API处理器
type AnalysisHandler struct {
	engine *engine.Engine
	repo   storage.AnalysisRepository
}

// NewAnalysisHandler 创建AnalysisHandler
// repo可为nil，此时历史查询接口返回503
func NewAnalysisHandler(eng *engine.Engine, repo storage.AnalysisRepository) *AnalysisHandler {
	return &AnalysisHandler{engine: eng, repo: repo}
}

// Analyze 提交方案分析
// POST /api/v1/analyses
func (h *AnalysisHandler) Analyze(c *gin.Context) {
	var req dto.AnalyzeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, dto.NewErrorResponse(400, fmt.Sprintf("请求参数错误: %v", err)))
		return
	}

	engineReq, err := toEngineRequest(&req)
	if err != nil {
		status, code := requestErrorStatus(err)
		c.JSON(status, dto.NewErrorResponse(code, err.Error()))
		return
	}

	result, err := h.engine.Analyze(c.Request.Context(), engineReq)
	if err != nil {
		status, code := analysisErrorStatus(err)
		c.JSON(status, dto.NewErrorResponse(code, err.Error()))
		return
	}

	c.JSON(http.StatusOK, dto.NewSuccessResponse(result))
}

// AnalyzeBatch 批量分析
// POST /api/v1/analyses/batch
func (h *AnalysisHandler) AnalyzeBatch(c *gin.Context) {
	var req dto.BatchAnalyzeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, dto.NewErrorResponse(400, fmt.Sprintf("请求参数错误: %v", err)))
		return
	}

	engineReqs := make([]*engine.Request, 0, len(req.Requests))
	for i := range req.Requests {
		engineReq, err := toEngineRequest(&req.Requests[i])
		if err != nil {
			status, code := requestErrorStatus(err)
			c.JSON(status, dto.NewErrorResponse(code, fmt.Sprintf("第%d项请求无效: %v", i+1, err)))
			return
		}
		engineReqs = append(engineReqs, engineReq)
	}

	batch, err := h.engine.AnalyzeBatch(c.Request.Context(), engineReqs)
	if err != nil {
		c.JSON(http.StatusBadRequest, dto.NewErrorResponse(400, err.Error()))
		return
	}

	c.JSON(http.StatusOK, dto.NewSuccessResponse(dto.BatchSummary{
		Succeeded: batch.Succeeded,
		Failed:    batch.Failed,
		Items:     batch.Items,
	}))
}

// Get 获取分析记录详情
// GET /api/v1/analyses/:id
func (h *AnalysisHandler) Get(c *gin.Context) {
	if h.repo == nil {
		c.JSON(http.StatusServiceUnavailable, dto.NewErrorResponse(503, "存储未配置"))
		return
	}

	record, err := h.repo.GetByID(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, storage.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, dto.NewErrorResponse(404, "分析记录不存在"))
			return
		}
		c.JSON(http.StatusInternalServerError, dto.NewErrorResponse(500, fmt.Sprintf("查询分析记录失败: %v", err)))
		return
	}

	c.JSON(http.StatusOK, dto.NewSuccessResponse(dto.AnalysisDetail{
		AnalysisSummary: toSummary(record),
		Result:          record.Result,
	}))
}

// History 查询方案的分析历史
// GET /api/v1/analyses?procedure_id=xxx&limit=20
func (h *AnalysisHandler) History(c *gin.Context) {
	if h.repo == nil {
		c.JSON(http.StatusServiceUnavailable, dto.NewErrorResponse(503, "存储未配置"))
		return
	}

	var query dto.HistoryQueryRequest
	if err := c.ShouldBindQuery(&query); err != nil {
		c.JSON(http.StatusBadRequest, dto.NewErrorResponse(400, fmt.Sprintf("查询参数错误: %v", err)))
		return
	}

	records, err := h.repo.ListByProcedure(c.Request.Context(), query.ProcedureID, query.GetDefaultLimit())
	if err != nil {
		c.JSON(http.StatusInternalServerError, dto.NewErrorResponse(500, fmt.Sprintf("查询分析历史失败: %v", err)))
		return
	}

	summaries := make([]dto.AnalysisSummary, 0, len(records))
	for _, record := range records {
		summaries = append(summaries, toSummary(record))
	}

	c.JSON(http.StatusOK, dto.NewSuccessResponse(dto.ListResponse[dto.AnalysisSummary]{
		Total: len(summaries),
		Items: summaries,
	}))
}

// Delete 删除分析记录
// DELETE /api/v1/analyses/:id
func (h *AnalysisHandler) Delete(c *gin.Context) {
	if h.repo == nil {
		c.JSON(http.StatusServiceUnavailable, dto.NewErrorResponse(503, "存储未配置"))
		return
	}

	if err := h.repo.Delete(c.Request.Context(), c.Param("id")); err != nil {
		if errors.Is(err, storage.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, dto.NewErrorResponse(404, "分析记录不存在"))
			return
		}
		c.JSON(http.StatusInternalServerError, dto.NewErrorResponse(500, fmt.Sprintf("删除分析记录失败: %v", err)))
		return
	}

	c.JSON(http.StatusOK, dto.NewSuccessResponse(map[string]string{"id": c.Param("id")}))
}

// toEngineRequest 请求DTO转引擎请求
func toEngineRequest(req *dto.AnalyzeRequest) (*engine.Request, error) {
	var doc *protocol.Document
	var err error

	switch {
	case req.Content != "" && req.Format == "yaml":
		doc, err = protocol.ParseYAML([]byte(req.Content))
	case req.Content != "":
		doc, err = protocol.ParseJSON([]byte(req.Content))
	case len(req.Document) > 0:
		doc, err = protocol.ParseJSON(req.Document)
	default:
		return nil, fmt.Errorf("缺少方案文档（document或content）")
	}
	if err != nil {
		return nil, err
	}

	categories := make([]validation.Category, 0, len(req.Categories))
	for _, cat := range req.Categories {
		categories = append(categories, validation.Category(cat))
	}

	return &engine.Request{
		Document:       doc,
		Type:           engine.AnalysisType(req.Type),
		Categories:     categories,
		MinSeverity:    validation.Severity(req.MinSeverity),
		MaxSuggestions: req.MaxSuggestions,
		SkipCache:      req.SkipCache,
	}, nil
}

// toSummary 存储记录转摘要DTO
func toSummary(record *storage.AnalysisRecord) dto.AnalysisSummary {
	return dto.AnalysisSummary{
		ID:          record.ID,
		ProcedureID: record.ProcedureID,
		Version:     record.Version,
		Type:        record.Type,
		Score:       record.Score,
		IsValid:     record.IsValid,
		StepCount:   record.StepCount,
		Duration:    formatDuration(record.EstimatedDuration),
		CreatedAt:   record.CreateTime,
	}
}

// requestErrorStatus 请求解析错误映射HTTP状态码
// 步骤格式错误属于语义不可处理（422），其余解析问题按参数错误（400）
func requestErrorStatus(err error) (int, int) {
	var malformed *protocol.MalformedStepError
	if errors.As(err, &malformed) {
		return http.StatusUnprocessableEntity, 422
	}
	return http.StatusBadRequest, 400
}

// analysisErrorStatus 分析错误映射HTTP状态码
func analysisErrorStatus(err error) (int, int) {
	var malformed *protocol.MalformedStepError
	var circular *graph.CircularDependencyError
	switch {
	case errors.As(err, &malformed), errors.As(err, &circular):
		return http.StatusUnprocessableEntity, 422
	default:
		return http.StatusInternalServerError, 500
	}
}

// formatDuration 时长格式化为易读字符串
func formatDuration(d time.Duration) string {
	if d <= 0 {
		return ""
	}
	return d.Round(time.Second).String()
}
