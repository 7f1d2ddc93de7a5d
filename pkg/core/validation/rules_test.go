package validation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/labflow/protocol-engine/pkg/core/graph"
	"github.com/labflow/protocol-engine/pkg/core/protocol"
	"github.com/labflow/protocol-engine/pkg/core/registry"
)

// buildGraph 从步骤树构建依赖图
func buildGraph(t *testing.T, root *protocol.StepNode) *graph.DependencyGraph {
	t.Helper()
	g, err := graph.Build(root)
	require.NoError(t, err)
	return g
}

// wellFormedProcedure 无任何违规的流程
func wellFormedProcedure() *protocol.StepNode {
	return &protocol.StepNode{
		Type:   "protocol",
		Fields: map[string]interface{}{protocol.FieldName: "质检流程"},
		Slots: map[string][]*protocol.StepNode{
			protocol.SlotSteps: {
				{Type: "mixing", Fields: map[string]interface{}{
					protocol.FieldStepID:   "mix-1",
					protocol.FieldDuration: 300,
				}},
				{Type: "incubation", Fields: map[string]interface{}{
					protocol.FieldStepID:   "inc-1",
					protocol.FieldDuration: 900,
				}},
				{Type: "measurement", Fields: map[string]interface{}{
					protocol.FieldStepID:     "m-1",
					protocol.FieldInstrument: "reader-1",
					protocol.FieldOutput:     "od_value",
					protocol.FieldReplicates: 3,
					protocol.FieldDuration:   120,
				}},
			},
		},
	}
}

// stockedRegistry 登记了流程所需全部资源的注册表
func stockedRegistry() *registry.InMemoryRegistry {
	reg := registry.NewInMemoryRegistry()
	reg.AddInstrument(&registry.InstrumentInfo{
		ID:                "reader-1",
		Type:              "plate_reader",
		MinTemperature:    4,
		MaxTemperature:    45,
		CalibrationStatus: registry.CalibrationValid,
		Availability:      2,
	})
	return reg
}

func TestValidate_AllPass(t *testing.T) {
	g := buildGraph(t, wellFormedProcedure())
	result := Validate(g, stockedRegistry(), DefaultRules(), Options{})

	assert.True(t, result.IsValid)
	assert.InDelta(t, 100.0, result.Score, 1e-9)
	require.Len(t, result.Categories, len(CategoryOrder))

	// 类别按固定顺序输出
	for i, cat := range CategoryOrder {
		assert.Equal(t, cat, result.Categories[i].Category)
		assert.InDelta(t, 100.0, result.Categories[i].Score, 1e-9)
	}
}

func TestValidate_ScoreBounds(t *testing.T) {
	// 全规则失败的极端流程：只有容器步骤
	root := &protocol.StepNode{Type: "protocol"}
	g := buildGraph(t, root)

	result := Validate(g, registry.NewInMemoryRegistry(), DefaultRules(), Options{})
	assert.GreaterOrEqual(t, result.Score, 0.0)
	assert.LessOrEqual(t, result.Score, 100.0)
	for _, cat := range result.Categories {
		assert.GreaterOrEqual(t, cat.Score, 0.0)
		assert.LessOrEqual(t, cat.Score, 100.0)
	}
}

func TestValidate_IsValid(t *testing.T) {
	t.Run("error级失败令IsValid为假", func(t *testing.T) {
		// 测量步骤缺少OUTPUT：compliance/measurement-output是error级
		root := wellFormedProcedure()
		delete(root.Slots[protocol.SlotSteps][2].Fields, protocol.FieldOutput)
		g := buildGraph(t, root)

		result := Validate(g, stockedRegistry(), DefaultRules(), Options{})
		assert.False(t, result.IsValid)

		failures := result.FailuresOf(CategoryCompliance)
		require.NotEmpty(t, failures)
		assert.Equal(t, "compliance/measurement-output", failures[0].RuleID)
		assert.Equal(t, SeverityError, failures[0].Severity)
	})

	t.Run("warning级失败不影响IsValid", func(t *testing.T) {
		// 重复次数不足是warning级
		root := wellFormedProcedure()
		root.Slots[protocol.SlotSteps][2].Fields[protocol.FieldReplicates] = 1
		g := buildGraph(t, root)

		result := Validate(g, stockedRegistry(), DefaultRules(), Options{})
		assert.True(t, result.IsValid)
		assert.Less(t, result.Score, 100.0)
	})
}

func TestValidate_WeightedScore(t *testing.T) {
	// 权重之和为110，显式归一化：单类别失分对总分的影响 = 类别失分×权重/110
	root := wellFormedProcedure()
	root.Slots[protocol.SlotSteps][2].Fields[protocol.FieldReplicates] = 1
	g := buildGraph(t, root)

	result := Validate(g, stockedRegistry(), DefaultRules(), Options{})

	// 质量类2条规则失败1条：50分
	assert.InDelta(t, 50.0, result.CategoryScore(CategoryQuality), 1e-9)

	var weightSum, weighted float64
	for _, cat := range result.Categories {
		weightSum += cat.Weight
		weighted += cat.Weight * cat.Score
	}
	assert.InDelta(t, 110.0, weightSum, 1e-9)
	assert.InDelta(t, weighted/weightSum, result.Score, 1e-9)
}

// 注册表未命中：规则降级为warning级失败，不中止评估
func TestValidate_DegradedOnRegistryMiss(t *testing.T) {
	g := buildGraph(t, wellFormedProcedure())

	// 空注册表：reader-1查询必然未命中
	result := Validate(g, registry.NewInMemoryRegistry(), DefaultRules(), Options{})

	assert.True(t, result.IsValid, "降级失败均为warning级，不应否决流程")

	failures := result.FailuresOf(CategorySafety)
	require.NotEmpty(t, failures)
	for _, f := range failures {
		assert.Equal(t, SeverityWarning, f.Severity)
	}
	// 其余类别照常评估
	assert.Len(t, result.Categories, len(CategoryOrder))
}

func TestValidate_Options(t *testing.T) {
	g := buildGraph(t, wellFormedProcedure())
	reg := stockedRegistry()

	t.Run("按类别过滤", func(t *testing.T) {
		result := Validate(g, reg, DefaultRules(), Options{
			Categories: []Category{CategorySafety, CategoryQuality},
		})
		require.Len(t, result.Categories, 2)
		assert.Equal(t, CategorySafety, result.Categories[0].Category)
		assert.Equal(t, CategoryQuality, result.Categories[1].Category)
	})

	t.Run("按最低级别过滤", func(t *testing.T) {
		result := Validate(g, reg, DefaultRules(), Options{MinSeverity: SeverityError})
		for _, cat := range result.Categories {
			for _, rr := range cat.Results {
				rule := findRule(t, rr.RuleID)
				assert.GreaterOrEqual(t, rule.Severity.Rank(), SeverityError.Rank())
			}
		}
	})

	t.Run("零条适用规则的类别计为100分", func(t *testing.T) {
		result := Validate(g, reg, DefaultRules(), Options{MinSeverity: SeverityCritical})
		// critical级规则只有safety/temperature-limits
		assert.InDelta(t, 100.0, result.CategoryScore(CategoryQuality), 1e-9)
		assert.Zero(t, totalRules(result, CategoryQuality))
	})
}

// 单条规则panic只隔离该规则，整轮评估继续
func TestValidate_RulePanicIsolated(t *testing.T) {
	g := buildGraph(t, wellFormedProcedure())

	rules := []Rule{
		{
			ID:       "quality/explodes",
			Category: CategoryQuality,
			Severity: SeverityError,
			Check:    func(rc *RuleContext) Outcome { panic("规则内部错误") },
		},
		{
			ID:       "quality/fine",
			Category: CategoryQuality,
			Severity: SeverityInfo,
			Check:    func(rc *RuleContext) Outcome { return Pass("正常") },
		},
	}

	result := Validate(g, stockedRegistry(), rules, Options{})

	failures := result.FailuresOf(CategoryQuality)
	require.Len(t, failures, 1)
	assert.Equal(t, "quality/explodes", failures[0].RuleID)
	assert.Equal(t, SeverityWarning, failures[0].Severity, "panic隔离为warning级失败")
	assert.Contains(t, failures[0].Message, "quality/explodes")
	assert.True(t, result.IsValid)
}

func TestRules_TemperatureLimits(t *testing.T) {
	root := wellFormedProcedure()
	root.Slots[protocol.SlotSteps][2].Fields[protocol.FieldTemperature] = 95
	g := buildGraph(t, root)

	// reader-1支持4-45度，95度越界
	result := Validate(g, stockedRegistry(), DefaultRules(), Options{
		Categories: []Category{CategorySafety},
	})

	assert.False(t, result.IsValid)
	failures := result.FailuresOf(CategorySafety)
	require.NotEmpty(t, failures)
	assert.Equal(t, "safety/temperature-limits", failures[0].RuleID)
	assert.Equal(t, SeverityCritical, failures[0].Severity)
	assert.Contains(t, failures[0].StepIDs, "m-1")
}

func TestRules_HazardousReagentCheckpoint(t *testing.T) {
	reg := stockedRegistry()
	reg.AddReagent(&registry.ReagentInfo{
		ID:        "phenol",
		Name:      "苯酚",
		Hazardous: true,
		Stock:     10,
	})

	mixStep := func() *protocol.StepNode {
		return &protocol.StepNode{Type: "mixing", Fields: map[string]interface{}{
			protocol.FieldStepID:  "mix-danger",
			protocol.FieldReagent: "phenol",
		}}
	}

	t.Run("无检查点保护时失败", func(t *testing.T) {
		root := &protocol.StepNode{
			Type:   "protocol",
			Fields: map[string]interface{}{protocol.FieldName: "萃取"},
			Slots:  map[string][]*protocol.StepNode{protocol.SlotSteps: {mixStep()}},
		}
		result := Validate(buildGraph(t, root), reg, DefaultRules(), Options{
			Categories: []Category{CategorySafety},
		})
		assert.False(t, result.IsValid)
	})

	t.Run("检查点在前时通过", func(t *testing.T) {
		root := &protocol.StepNode{
			Type:   "protocol",
			Fields: map[string]interface{}{protocol.FieldName: "萃取"},
			Slots: map[string][]*protocol.StepNode{protocol.SlotSteps: {
				{Type: "checkpoint", Fields: map[string]interface{}{
					protocol.FieldStepID:  "cp-1",
					protocol.FieldMessage: "确认已佩戴防护装备",
				}},
				mixStep(),
			}},
		}
		result := Validate(buildGraph(t, root), reg, DefaultRules(), Options{
			Categories: []Category{CategorySafety},
		})
		assert.True(t, result.IsValid)
	})
}

func TestRules_IncubationDuration(t *testing.T) {
	root := wellFormedProcedure()
	delete(root.Slots[protocol.SlotSteps][1].Fields, protocol.FieldDuration)
	g := buildGraph(t, root)

	result := Validate(g, stockedRegistry(), DefaultRules(), Options{
		Categories: []Category{CategoryQuality},
	})

	failures := result.FailuresOf(CategoryQuality)
	require.NotEmpty(t, failures)
	found := false
	for _, f := range failures {
		if f.RuleID == "quality/incubation-duration" {
			found = true
			assert.Contains(t, f.StepIDs, "inc-1")
		}
	}
	assert.True(t, found)
}

// findRule 按ID查内置规则
func findRule(t *testing.T, id string) Rule {
	t.Helper()
	for _, r := range DefaultRules() {
		if r.ID == id {
			return r
		}
	}
	t.Fatalf("未知规则: %s", id)
	return Rule{}
}

// totalRules 统计指定类别被评估的规则数
func totalRules(r *Result, c Category) int {
	for _, cat := range r.Categories {
		if cat.Category == c {
			return cat.Total
		}
	}
	return 0
}
