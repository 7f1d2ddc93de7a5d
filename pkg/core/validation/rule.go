// Package validation 提供分类加权的验证规则引擎
package validation

import (
	"fmt"

	"github.com/labflow/protocol-engine/pkg/core/graph"
	"github.com/labflow/protocol-engine/pkg/core/registry"
)

// Category 规则类别（对外导出）
type Category string

const (
	CategoryStructural Category = "structural"
	CategorySafety     Category = "safety"
	CategoryEfficiency Category = "efficiency"
	CategoryCompliance Category = "compliance"
	CategoryResource   Category = "resource"
	CategoryQuality    Category = "quality"
)

// CategoryOrder 类别的固定评估顺序
var CategoryOrder = []Category{
	CategoryStructural,
	CategorySafety,
	CategoryEfficiency,
	CategoryCompliance,
	CategoryResource,
	CategoryQuality,
}

// CategoryWeights 类别权重
// 权重之和不为100（110），评估时显式归一化后再加权平均
var CategoryWeights = map[Category]float64{
	CategoryStructural: 20,
	CategorySafety:     30,
	CategoryEfficiency: 10,
	CategoryCompliance: 25,
	CategoryResource:   10,
	CategoryQuality:    15,
}

// Severity 严重级别（对外导出）
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityError    Severity = "error"
	SeverityWarning  Severity = "warning"
	SeverityInfo     Severity = "info"
)

// Rank 严重级别排序值，数值越大越严重
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 4
	case SeverityError:
		return 3
	case SeverityWarning:
		return 2
	case SeverityInfo:
		return 1
	default:
		return 0
	}
}

// RuleContext 规则评估上下文（对外导出）
// 规则是(图, 注册表查询)上的纯谓词，不做注册表之外的任何I/O
type RuleContext struct {
	Graph    *graph.DependencyGraph
	Registry registry.Registry
}

// Outcome 单条规则的评估结论（对外导出）
type Outcome struct {
	Passed      bool     `json:"passed"`
	Severity    Severity `json:"severity"` // 失败时的实际级别（注册表未命中会降级为warning）
	Message     string   `json:"message"`
	StepIDs     []string `json:"step_ids,omitempty"`
	Suggestions []string `json:"suggestions,omitempty"`
}

// Pass 构造通过结论
func Pass(message string) Outcome {
	return Outcome{Passed: true, Message: message}
}

// Degraded 构造降级结论：缺少注册表数据时规则记为warning级失败，不中止评估
func Degraded(message string, stepIDs ...string) Outcome {
	return Outcome{
		Passed:   false,
		Severity: SeverityWarning,
		Message:  message,
		StepIDs:  stepIDs,
	}
}

// CheckFunc 规则谓词（对外导出）
type CheckFunc func(rc *RuleContext) Outcome

// Rule 验证规则描述符（对外导出）
// 规则集是显式构造的不可变列表，在调用时传入引擎，不存在全局注册表
type Rule struct {
	ID          string
	Category    Category
	Severity    Severity
	Description string
	Check       CheckFunc
}

// Options 评估选项（对外导出）
// 只过滤哪些规则参与评估，不改变计分公式：分数始终只在被评估的规则上计算
type Options struct {
	Categories  []Category // 为空评估全部类别
	MinSeverity Severity   // 为空不按级别过滤
}

// categorySelected 类别是否参与评估
func (o Options) categorySelected(c Category) bool {
	if len(o.Categories) == 0 {
		return true
	}
	for _, sel := range o.Categories {
		if sel == c {
			return true
		}
	}
	return false
}

// ruleSelected 规则是否参与评估
func (o Options) ruleSelected(r Rule) bool {
	if !o.categorySelected(r.Category) {
		return false
	}
	if o.MinSeverity != "" && r.Severity.Rank() < o.MinSeverity.Rank() {
		return false
	}
	return true
}

// RuleResult 单条规则的评估记录（对外导出）
type RuleResult struct {
	RuleID      string   `json:"rule_id"`
	Category    Category `json:"category"`
	Severity    Severity `json:"severity"`
	Passed      bool     `json:"passed"`
	Message     string   `json:"message"`
	StepIDs     []string `json:"step_ids,omitempty"`
	Suggestions []string `json:"suggestions,omitempty"`
}

// CategoryResult 类别评估结果（对外导出）
type CategoryResult struct {
	Category Category     `json:"category"`
	Weight   float64      `json:"weight"`
	Passed   int          `json:"passed"`
	Total    int          `json:"total"`
	Score    float64      `json:"score"` // 通过率×100，零条适用规则为100
	Results  []RuleResult `json:"results"`
}

// Result 验证结果（对外导出）
type Result struct {
	Categories []CategoryResult `json:"categories"`
	Score      float64          `json:"score"`    // 0-100，归一化权重的加权平均
	IsValid    bool             `json:"is_valid"` // 无critical/error级失败
}

// FailuresOf 返回指定类别的失败规则记录
func (r *Result) FailuresOf(c Category) []RuleResult {
	failures := make([]RuleResult, 0)
	for _, cat := range r.Categories {
		if cat.Category != c {
			continue
		}
		for _, rr := range cat.Results {
			if !rr.Passed {
				failures = append(failures, rr)
			}
		}
	}
	return failures
}

// CategoryScore 返回指定类别的分数，未评估返回-1
func (r *Result) CategoryScore(c Category) float64 {
	for _, cat := range r.Categories {
		if cat.Category == c {
			return cat.Score
		}
	}
	return -1
}

// Validate 评估规则集（对外导出）
// 评估顺序为类别→规则；单条规则panic只隔离该规则，
// 记为warning级失败并注明原因，绝不中止整轮评估
func Validate(g *graph.DependencyGraph, reg registry.Registry, rules []Rule, opts Options) *Result {
	rc := &RuleContext{Graph: g, Registry: reg}

	byCategory := make(map[Category][]Rule)
	for _, r := range rules {
		if opts.ruleSelected(r) {
			byCategory[r.Category] = append(byCategory[r.Category], r)
		}
	}

	result := &Result{IsValid: true}
	var weightSum, weighted float64

	for _, cat := range CategoryOrder {
		if !opts.categorySelected(cat) {
			continue
		}
		catRules := byCategory[cat]
		cr := CategoryResult{
			Category: cat,
			Weight:   CategoryWeights[cat],
			Total:    len(catRules),
			Results:  make([]RuleResult, 0, len(catRules)),
		}

		for _, rule := range catRules {
			outcome := evaluateRule(rc, rule)
			if outcome.Passed {
				cr.Passed++
			} else if outcome.Severity.Rank() >= SeverityError.Rank() {
				result.IsValid = false
			}
			cr.Results = append(cr.Results, RuleResult{
				RuleID:      rule.ID,
				Category:    cat,
				Severity:    outcome.Severity,
				Passed:      outcome.Passed,
				Message:     outcome.Message,
				StepIDs:     outcome.StepIDs,
				Suggestions: outcome.Suggestions,
			})
		}

		if cr.Total == 0 {
			cr.Score = 100
		} else {
			cr.Score = float64(cr.Passed) / float64(cr.Total) * 100
		}
		result.Categories = append(result.Categories, cr)
		weightSum += cr.Weight
		weighted += cr.Weight * cr.Score
	}

	if weightSum > 0 {
		result.Score = weighted / weightSum
	} else {
		result.Score = 100
	}
	return result
}

// evaluateRule 评估单条规则，panic隔离为warning级失败
func evaluateRule(rc *RuleContext, rule Rule) (outcome Outcome) {
	defer func() {
		if r := recover(); r != nil {
			outcome = Outcome{
				Passed:   false,
				Severity: SeverityWarning,
				Message:  fmt.Sprintf("规则评估失败: RuleID=%s, Reason=%v", rule.ID, r),
			}
		}
	}()

	outcome = rule.Check(rc)
	if !outcome.Passed && outcome.Severity == "" {
		outcome.Severity = rule.Severity
	}
	if outcome.Passed {
		outcome.Severity = ""
	}
	return outcome
}
