package handler

import (
	"errors"
	"fmt"
	"html/template"
	"log"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/labflow/protocol-engine/pkg/api/dto"
	"github.com/labflow/protocol-engine/pkg/core/advisor"
	"github.com/labflow/protocol-engine/pkg/core/validation"
	"github.com/labflow/protocol-engine/pkg/storage"
)

// reportTemplate 分析报告HTML模板
var reportTemplate = template.Must(template.New("report").Parse(`<!DOCTYPE html>
<html lang="zh">
<head>
<meta charset="utf-8">
<title>分析报告 {{.Record.ProcedureID}}</title>
</head>
<body>
<h1 id="title">方案分析报告</h1>
<section id="summary">
  <table>
    <tr><th>方案ID</th><td class="procedure-id">{{.Record.ProcedureID}}</td></tr>
    <tr><th>版本</th><td class="version">{{.Record.Version}}</td></tr>
    <tr><th>分析类型</th><td class="analysis-type">{{.Record.Type}}</td></tr>
    <tr><th>验证分数</th><td class="score">{{printf "%.1f" .Record.Score}}</td></tr>
    <tr><th>是否通过</th><td class="is-valid">{{if .Record.IsValid}}通过{{else}}未通过{{end}}</td></tr>
    <tr><th>步骤数</th><td class="step-count">{{.Record.StepCount}}</td></tr>
    <tr><th>预计时长</th><td class="duration">{{.Duration}}</td></tr>
  </table>
</section>
{{if .Validation}}
<section id="validation">
  <h2>验证结果</h2>
  <table>
    <thead><tr><th>类别</th><th>权重</th><th>通过</th><th>分数</th></tr></thead>
    <tbody>
    {{range .Validation.Categories}}
      <tr class="category" data-category="{{.Category}}">
        <td>{{.Category}}</td>
        <td>{{printf "%.0f" .Weight}}</td>
        <td>{{.Passed}}/{{.Total}}</td>
        <td>{{printf "%.1f" .Score}}</td>
      </tr>
    {{end}}
    </tbody>
  </table>
</section>
{{end}}
{{if .Assessment}}
<section id="risks">
  <h2>风险项</h2>
  <ul>
  {{range .Assessment.Risks}}
    <li class="risk" data-severity="{{.Severity}}">[{{.Category}}] {{.Description}}</li>
  {{end}}
  </ul>
</section>
<section id="suggestions">
  <h2>优化建议</h2>
  <ol>
  {{range .Assessment.Suggestions}}
    <li class="suggestion" data-category="{{.Category}}">{{.Strategy}}（{{.ExpectedImpact}}）</li>
  {{end}}
  </ol>
</section>
{{end}}
</body>
</html>`))

// reportData 报告模板数据
type reportData struct {
	Record     *storage.AnalysisRecord
	Duration   string
	Validation *validation.Result
	Assessment *advisor.Assessment
}

// Report 渲染分析记录的HTML报告
// GET /api/v1/analyses/:id/report
func (h *AnalysisHandler) Report(c *gin.Context) {
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

	data := reportData{
		Record:   record,
		Duration: formatDuration(record.EstimatedDuration),
	}
	if record.Result != nil {
		data.Validation = record.Result.Validation
		data.Assessment = record.Result.Assessment
	}

	c.Header("Content-Type", "text/html; charset=utf-8")
	c.Status(http.StatusOK)
	if err := reportTemplate.Execute(c.Writer, data); err != nil {
		log.Printf("[Report] 渲染报告失败: %v", err)
	}
}
