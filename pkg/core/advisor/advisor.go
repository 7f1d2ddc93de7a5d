// Package advisor 从依赖图、验证结果与调度指标推导
// 风险画像与优化建议
package advisor

import (
	"fmt"
	"sort"
	"time"

	"github.com/labflow/protocol-engine/pkg/core/graph"
	"github.com/labflow/protocol-engine/pkg/core/protocol"
	"github.com/labflow/protocol-engine/pkg/core/registry"
	"github.com/labflow/protocol-engine/pkg/core/scheduler"
	"github.com/labflow/protocol-engine/pkg/core/validation"
)

// RiskCategory 风险类别（对外导出）
type RiskCategory string

const (
	RiskSafety           RiskCategory = "safety"
	RiskContamination    RiskCategory = "contamination"
	RiskEquipmentFailure RiskCategory = "equipment_failure"
	RiskDataLoss         RiskCategory = "data_loss"
	RiskRegulatory       RiskCategory = "regulatory"
	RiskEnvironmental    RiskCategory = "environmental"
)

// RiskItem 风险项（对外导出）
type RiskItem struct {
	Category    RiskCategory        `json:"category"`
	Severity    validation.Severity `json:"severity"`
	Probability float64             `json:"probability"` // 0-1
	Impact      float64             `json:"impact"`      // 0-1
	Description string              `json:"description"`
	Mitigation  string              `json:"mitigation,omitempty"`
}

// OptimizationCategory 优化建议类别（对外导出）
type OptimizationCategory string

const (
	OptTime       OptimizationCategory = "time"
	OptCost       OptimizationCategory = "cost"
	OptResource   OptimizationCategory = "resource"
	OptQuality    OptimizationCategory = "quality"
	OptSafety     OptimizationCategory = "safety"
	OptAutomation OptimizationCategory = "automation"
)

// Suggestion 优化建议（对外导出）
// 优先级 = 预期收益 − 实施成本，输出按优先级降序
type Suggestion struct {
	Category       OptimizationCategory `json:"category"`
	Strategy       string               `json:"strategy"`
	ExpectedImpact string               `json:"expected_impact"`
	Impact         float64              `json:"impact"` // 0-1
	Effort         float64              `json:"effort"` // 0-1
	Priority       float64              `json:"priority"`
}

// Assessment 风险与优化评估结果（对外导出）
type Assessment struct {
	Risks           []RiskItem          `json:"risks"`
	OverallLevel    validation.Severity `json:"overall_level"` // 所有风险中的最高级别，绝不取平均
	Suggestions     []Suggestion        `json:"suggestions"`
	Recommendations []string            `json:"recommendations"`
}

// 验证分数低于该阈值的类别会产生质量/安全建议
const scoreThreshold = 80.0

// Assess 评估风险与优化空间（对外导出）
// maxSuggestions限制输出的建议数量，≤0时取默认值10
func Assess(g *graph.DependencyGraph, vr *validation.Result, sched *scheduler.Schedule, reg registry.Registry, maxSuggestions int) *Assessment {
	if maxSuggestions <= 0 {
		maxSuggestions = 10
	}

	risks := deriveRisks(g, vr, sched, reg)
	suggestions := deriveSuggestions(g, vr, sched, reg)

	sort.Slice(suggestions, func(i, j int) bool {
		if suggestions[i].Priority != suggestions[j].Priority {
			return suggestions[i].Priority > suggestions[j].Priority
		}
		return suggestions[i].Strategy < suggestions[j].Strategy
	})
	if len(suggestions) > maxSuggestions {
		suggestions = suggestions[:maxSuggestions]
	}

	return &Assessment{
		Risks:           risks,
		OverallLevel:    overallLevel(risks),
		Suggestions:     suggestions,
		Recommendations: buildRecommendations(suggestions, risks),
	}
}

// deriveRisks 从验证失败与图形态映射风险项
func deriveRisks(g *graph.DependencyGraph, vr *validation.Result, sched *scheduler.Schedule, reg registry.Registry) []RiskItem {
	risks := make([]RiskItem, 0)

	// 安全类规则失败 → safety/contamination风险，级别取规则级别
	for _, rr := range vr.FailuresOf(validation.CategorySafety) {
		category := RiskSafety
		if rr.RuleID == "safety/hazardous-reagent-checkpoint" {
			category = RiskContamination
		}
		risks = append(risks, RiskItem{
			Category:    category,
			Severity:    rr.Severity,
			Probability: probabilityOf(rr.Severity),
			Impact:      impactOf(rr.Severity),
			Description: rr.Message,
			Mitigation:  firstSuggestion(rr),
		})
	}

	// 合规类规则失败 → regulatory风险；测量未记录输出 → data_loss风险
	for _, rr := range vr.FailuresOf(validation.CategoryCompliance) {
		category := RiskRegulatory
		if rr.RuleID == "compliance/measurement-output" {
			category = RiskDataLoss
		}
		risks = append(risks, RiskItem{
			Category:    category,
			Severity:    rr.Severity,
			Probability: probabilityOf(rr.Severity),
			Impact:      impactOf(rr.Severity),
			Description: rr.Message,
			Mitigation:  firstSuggestion(rr),
		})
	}

	// 独占仪器瓶颈且无备用台数 → equipment_failure风险
	for _, bn := range sched.Bottlenecks {
		if bn.Kind != scheduler.BottleneckExclusiveInstrument {
			continue
		}
		backup := false
		if info, err := reg.LookupInstrument(bn.Instrument); err == nil && info.Availability > 1 {
			backup = true
		}
		if backup {
			continue
		}
		risks = append(risks, RiskItem{
			Category:    RiskEquipmentFailure,
			Severity:    validation.SeverityWarning,
			Probability: 0.3,
			Impact:      0.7,
			Description: fmt.Sprintf("独占仪器%s是关键路径瓶颈且无备用台数", bn.Instrument),
			Mitigation:  "为该仪器准备备用台或调整流程错峰使用",
		})
	}

	// 极端温度设置 → environmental风险（不依赖注册表）
	for _, id := range g.StepIDs() {
		step := g.Steps[id]
		temp, ok := step.Node.FloatField(protocol.FieldTemperature)
		if !ok {
			continue
		}
		if temp > 150 || temp < -80 {
			risks = append(risks, RiskItem{
				Category:    RiskEnvironmental,
				Severity:    validation.SeverityWarning,
				Probability: 0.4,
				Impact:      0.5,
				Description: fmt.Sprintf("步骤%s设置了极端温度%.1f°C", id, temp),
				Mitigation:  "确认实验环境可承受该温度并做好隔离",
			})
		}
	}

	return risks
}

// deriveSuggestions 从调度指标与验证分数推导优化建议
func deriveSuggestions(g *graph.DependencyGraph, vr *validation.Result, sched *scheduler.Schedule, reg registry.Registry) []Suggestion {
	suggestions := make([]Suggestion, 0)
	totalDuration := sched.CriticalPath.Duration

	// 有正节省的并行组 → time建议
	for _, pg := range sched.ParallelGroups {
		if pg.TimeSaving <= 0 {
			continue
		}
		impact := 0.5
		if totalDuration > 0 {
			impact = clamp01(float64(pg.TimeSaving) / float64(totalDuration))
		}
		suggestions = append(suggestions, Suggestion{
			Category:       OptTime,
			Strategy:       fmt.Sprintf("并行执行第%d层的%d个步骤", pg.Level, len(pg.Steps)),
			ExpectedImpact: fmt.Sprintf("节省约%s", pg.TimeSaving.Round(time.Second)),
			Impact:         impact,
			Effort:         0.3,
			Priority:       impact - 0.3,
		})
	}

	// 层内仪器需求超过可用台数 → resource建议
	for _, inst := range overloadedInstruments(g, sched, reg) {
		suggestions = append(suggestions, Suggestion{
			Category:       OptResource,
			Strategy:       fmt.Sprintf("错峰使用仪器%s", inst),
			ExpectedImpact: "消除同层仪器争用",
			Impact:         0.5,
			Effort:         0.4,
			Priority:       0.1,
		})
	}

	// 验证分数低于阈值的类别 → quality/safety建议
	for _, cat := range vr.Categories {
		if cat.Score >= scoreThreshold {
			continue
		}
		optCat := OptQuality
		if cat.Category == validation.CategorySafety {
			optCat = OptSafety
		}
		impact := clamp01((scoreThreshold - cat.Score) / scoreThreshold)
		suggestions = append(suggestions, Suggestion{
			Category:       optCat,
			Strategy:       fmt.Sprintf("修复%s类验证问题", cat.Category),
			ExpectedImpact: fmt.Sprintf("%s类分数从%.0f提升至%.0f以上", cat.Category, cat.Score, scoreThreshold),
			Impact:         impact,
			Effort:         0.5,
			Priority:       impact - 0.5,
		})
	}

	// 多个人工检查点 → automation建议
	if checkpoints := g.StepsOfKind(protocol.KindCheckpoint); len(checkpoints) >= 2 {
		suggestions = append(suggestions, Suggestion{
			Category:       OptAutomation,
			Strategy:       fmt.Sprintf("将%d个人工检查点中的非关键项改为自动校验", len(checkpoints)),
			ExpectedImpact: "减少人工等待时间",
			Impact:         0.4,
			Effort:         0.7,
			Priority:       -0.3,
		})
	}

	// 高成本试剂被多步骤使用 → cost建议
	for _, reagID := range g.ReagentIDs() {
		info, err := reg.LookupReagent(reagID)
		if err != nil {
			continue
		}
		users := 0
		for _, s := range g.Steps {
			for _, r := range s.Reagents {
				if r == reagID {
					users++
				}
			}
		}
		if info.CostPerUse > 0 && users >= 2 {
			suggestions = append(suggestions, Suggestion{
				Category:       OptCost,
				Strategy:       fmt.Sprintf("合并试剂%s的%d次使用", reagID, users),
				ExpectedImpact: fmt.Sprintf("节省约%.2f成本", info.CostPerUse*float64(users-1)),
				Impact:         0.3,
				Effort:         0.5,
				Priority:       -0.2,
			})
		}
	}

	return suggestions
}

// overloadedInstruments 返回在某一层内需求超过可用台数的仪器（字典序）
func overloadedInstruments(g *graph.DependencyGraph, sched *scheduler.Schedule, reg registry.Registry) []string {
	overloaded := make(map[string]bool)
	for _, level := range sched.Levels {
		counts := make(map[string]int)
		for _, id := range level {
			for _, inst := range g.Steps[id].Instruments {
				counts[inst]++
			}
		}
		for inst, n := range counts {
			info, err := reg.LookupInstrument(inst)
			if err != nil {
				continue
			}
			if n > info.Availability {
				overloaded[inst] = true
			}
		}
	}
	result := make([]string, 0, len(overloaded))
	for inst := range overloaded {
		result = append(result, inst)
	}
	sort.Strings(result)
	return result
}

// overallLevel 所有风险项中的最高级别
func overallLevel(risks []RiskItem) validation.Severity {
	highest := validation.Severity("")
	for _, r := range risks {
		if r.Severity.Rank() > highest.Rank() {
			highest = r.Severity
		}
	}
	if highest == "" {
		return validation.SeverityInfo
	}
	return highest
}

// buildRecommendations 综合建议：优先级最高的建议 + 最严重的未解决风险
func buildRecommendations(suggestions []Suggestion, risks []RiskItem) []string {
	recommendations := make([]string, 0)
	for i, s := range suggestions {
		if i >= 3 {
			break
		}
		recommendations = append(recommendations, s.Strategy)
	}

	var worst *RiskItem
	for i := range risks {
		if worst == nil || risks[i].Severity.Rank() > worst.Severity.Rank() {
			worst = &risks[i]
		}
	}
	if worst != nil && worst.Severity.Rank() >= validation.SeverityWarning.Rank() {
		rec := fmt.Sprintf("优先处理%s风险: %s", worst.Category, worst.Description)
		if worst.Mitigation != "" {
			rec += "（" + worst.Mitigation + "）"
		}
		recommendations = append(recommendations, rec)
	}
	return recommendations
}

// probabilityOf 按严重级别估计发生概率
func probabilityOf(s validation.Severity) float64 {
	switch s {
	case validation.SeverityCritical:
		return 0.9
	case validation.SeverityError:
		return 0.7
	case validation.SeverityWarning:
		return 0.4
	default:
		return 0.2
	}
}

// impactOf 按严重级别估计影响程度
func impactOf(s validation.Severity) float64 {
	switch s {
	case validation.SeverityCritical:
		return 1.0
	case validation.SeverityError:
		return 0.7
	case validation.SeverityWarning:
		return 0.4
	default:
		return 0.2
	}
}

// firstSuggestion 取规则结论的首条建议作为缓解措施
func firstSuggestion(rr validation.RuleResult) string {
	if len(rr.Suggestions) > 0 {
		return rr.Suggestions[0]
	}
	return ""
}

// clamp01 约束到[0,1]
func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
