package validation

import (
	"errors"
	"fmt"

	"github.com/labflow/protocol-engine/pkg/core/graph"
	"github.com/labflow/protocol-engine/pkg/core/protocol"
	"github.com/labflow/protocol-engine/pkg/core/registry"
)

// DefaultRules 返回内置规则集（对外导出）
// 每次调用返回新切片，调用方可自由裁剪或追加而不影响他人
func DefaultRules() []Rule {
	return []Rule{
		// ---------- 结构类 ----------
		{
			ID:          "structural/declared-variables",
			Category:    CategoryStructural,
			Severity:    SeverityWarning,
			Description: "字段引用的变量必须在更早的步骤中声明",
			Check:       checkDeclaredVariables,
		},
		{
			ID:          "structural/known-dependencies",
			Category:    CategoryStructural,
			Severity:    SeverityWarning,
			Description: "DEPENDS_ON引用的前置步骤必须存在",
			Check:       checkKnownDependencies,
		},
		{
			ID:          "structural/has-executable-steps",
			Category:    CategoryStructural,
			Severity:    SeverityError,
			Description: "流程必须包含至少一个可执行步骤",
			Check:       checkHasExecutableSteps,
		},
		{
			ID:          "structural/no-isolated-steps",
			Category:    CategoryStructural,
			Severity:    SeverityWarning,
			Description: "步骤不应脱离流程主体孤立存在",
			Check:       checkNoIsolatedSteps,
		},

		// ---------- 安全类 ----------
		{
			ID:          "safety/temperature-limits",
			Category:    CategorySafety,
			Severity:    SeverityCritical,
			Description: "步骤温度必须在仪器支持范围内",
			Check:       checkTemperatureLimits,
		},
		{
			ID:          "safety/hazardous-reagent-checkpoint",
			Category:    CategorySafety,
			Severity:    SeverityError,
			Description: "使用危险试剂前必须设置人工检查点",
			Check:       checkHazardousReagentCheckpoint,
		},
		{
			ID:          "safety/instrument-calibration",
			Category:    CategorySafety,
			Severity:    SeverityError,
			Description: "所用仪器的校准状态必须有效",
			Check:       checkInstrumentCalibration,
		},

		// ---------- 效率类 ----------
		{
			ID:          "efficiency/duration-estimates",
			Category:    CategoryEfficiency,
			Severity:    SeverityInfo,
			Description: "多数步骤应提供时长预估，便于调度分析",
			Check:       checkDurationEstimates,
		},
		{
			ID:          "efficiency/instrument-batching",
			Category:    CategoryEfficiency,
			Severity:    SeverityWarning,
			Description: "同一仪器被过多步骤串行占用时应考虑合批",
			Check:       checkInstrumentBatching,
		},

		// ---------- 合规类 ----------
		{
			ID:          "compliance/measurement-output",
			Category:    CategoryCompliance,
			Severity:    SeverityError,
			Description: "测量步骤必须记录输出变量",
			Check:       checkMeasurementOutput,
		},
		{
			ID:          "compliance/protocol-named",
			Category:    CategoryCompliance,
			Severity:    SeverityInfo,
			Description: "流程定义应包含名称元数据",
			Check:       checkProtocolNamed,
		},
		{
			ID:          "compliance/parameter-values",
			Category:    CategoryCompliance,
			Severity:    SeverityWarning,
			Description: "参数声明步骤应提供初始值以便审计复现",
			Check:       checkParameterValues,
		},

		// ---------- 资源类 ----------
		{
			ID:          "resource/instrument-registered",
			Category:    CategoryResource,
			Severity:    SeverityWarning,
			Description: "引用的仪器应能在注册表中解析",
			Check:       checkInstrumentRegistered,
		},
		{
			ID:          "resource/reagent-stock",
			Category:    CategoryResource,
			Severity:    SeverityError,
			Description: "引用的试剂必须有库存",
			Check:       checkReagentStock,
		},

		// ---------- 质量类 ----------
		{
			ID:          "quality/measurement-replicates",
			Category:    CategoryQuality,
			Severity:    SeverityWarning,
			Description: "测量步骤应设置至少2次重复",
			Check:       checkMeasurementReplicates,
		},
		{
			ID:          "quality/incubation-duration",
			Category:    CategoryQuality,
			Severity:    SeverityWarning,
			Description: "孵育步骤必须设置正时长",
			Check:       checkIncubationDuration,
		},
	}
}

func checkDeclaredVariables(rc *RuleContext) Outcome {
	stepIDs := findingSteps(rc.Graph, graph.FindingUndeclaredVariable)
	if len(stepIDs) == 0 {
		return Pass("所有变量引用均已声明")
	}
	return Outcome{
		Passed:      false,
		Message:     fmt.Sprintf("%d个步骤引用了未声明的变量", len(stepIDs)),
		StepIDs:     stepIDs,
		Suggestions: []string{"在引用之前用set/sample/reagent/parameter步骤声明变量"},
	}
}

func checkKnownDependencies(rc *RuleContext) Outcome {
	stepIDs := findingSteps(rc.Graph, graph.FindingUnknownDependency)
	if len(stepIDs) == 0 {
		return Pass("所有显式依赖均可解析")
	}
	return Outcome{
		Passed:      false,
		Message:     fmt.Sprintf("%d个步骤显式依赖了不存在的步骤", len(stepIDs)),
		StepIDs:     stepIDs,
		Suggestions: []string{"检查DEPENDS_ON中的步骤ID拼写"},
	}
}

func checkHasExecutableSteps(rc *RuleContext) Outcome {
	for _, s := range rc.Graph.Steps {
		switch s.Kind {
		case protocol.KindProtocol, protocol.KindPreparation, protocol.KindConditional,
			protocol.KindLoop, protocol.KindParallel:
			continue
		default:
			return Pass("流程包含可执行步骤")
		}
	}
	return Outcome{
		Passed:      false,
		Message:     "流程只有容器步骤，没有任何可执行步骤",
		Suggestions: []string{"向流程添加制备/混合/孵育/测量等步骤"},
	}
}

func checkNoIsolatedSteps(rc *RuleContext) Outcome {
	if len(rc.Graph.Steps) <= 1 {
		return Pass("无孤立步骤")
	}
	isolated := make([]string, 0)
	for _, id := range rc.Graph.StepIDs() {
		if len(rc.Graph.OrderingPredecessors(id)) == 0 && len(rc.Graph.OrderingSuccessors(id)) == 0 {
			isolated = append(isolated, id)
		}
	}
	if len(isolated) == 0 {
		return Pass("无孤立步骤")
	}
	return Outcome{
		Passed:      false,
		Message:     fmt.Sprintf("%d个步骤与流程主体没有任何依赖关系", len(isolated)),
		StepIDs:     isolated,
		Suggestions: []string{"将孤立步骤接入流程或删除"},
	}
}

func checkTemperatureLimits(rc *RuleContext) Outcome {
	violated := make([]string, 0)
	for _, id := range rc.Graph.StepIDs() {
		step := rc.Graph.Steps[id]
		temp, ok := step.Node.FloatField(protocol.FieldTemperature)
		if !ok || len(step.Instruments) == 0 {
			continue
		}
		for _, instID := range step.Instruments {
			info, err := rc.Registry.LookupInstrument(instID)
			if errors.Is(err, registry.ErrNotFound) {
				return Degraded(fmt.Sprintf("仪器%s未在注册表中登记，无法校验温度范围", instID), id)
			}
			if err != nil {
				return Degraded(fmt.Sprintf("查询仪器%s失败: %v", instID, err), id)
			}
			if temp < info.MinTemperature || temp > info.MaxTemperature {
				violated = append(violated, id)
			}
		}
	}
	if len(violated) == 0 {
		return Pass("所有温度设置均在仪器支持范围内")
	}
	return Outcome{
		Passed:      false,
		Message:     fmt.Sprintf("%d个步骤的温度超出仪器支持范围", len(violated)),
		StepIDs:     violated,
		Suggestions: []string{"调整温度设置或更换支持该温度的仪器"},
	}
}

func checkHazardousReagentCheckpoint(rc *RuleContext) Outcome {
	// 检查点按文档序先于危险试剂使用步骤即可
	checkpointPos := -1
	for _, id := range rc.Graph.StepIDs() {
		s := rc.Graph.Steps[id]
		if s.Kind == protocol.KindCheckpoint {
			checkpointPos = s.TreePos
			break
		}
	}

	unguarded := make([]string, 0)
	for _, id := range rc.Graph.StepIDs() {
		step := rc.Graph.Steps[id]
		for _, reagID := range step.Reagents {
			info, err := rc.Registry.LookupReagent(reagID)
			if errors.Is(err, registry.ErrNotFound) {
				return Degraded(fmt.Sprintf("试剂%s未在注册表中登记，无法判定危险性", reagID), id)
			}
			if err != nil {
				return Degraded(fmt.Sprintf("查询试剂%s失败: %v", reagID, err), id)
			}
			if info.Hazardous && (checkpointPos < 0 || step.TreePos < checkpointPos) {
				unguarded = append(unguarded, id)
			}
		}
	}
	if len(unguarded) == 0 {
		return Pass("危险试剂使用前均有检查点")
	}
	return Outcome{
		Passed:      false,
		Message:     fmt.Sprintf("%d个步骤在无检查点保护的情况下使用危险试剂", len(unguarded)),
		StepIDs:     unguarded,
		Suggestions: []string{"在危险试剂使用前插入人工确认检查点"},
	}
}

func checkInstrumentCalibration(rc *RuleContext) Outcome {
	expired := make([]string, 0)
	for _, instID := range rc.Graph.InstrumentIDs() {
		info, err := rc.Registry.LookupInstrument(instID)
		if errors.Is(err, registry.ErrNotFound) {
			return Degraded(fmt.Sprintf("仪器%s未在注册表中登记，无法校验校准状态", instID))
		}
		if err != nil {
			return Degraded(fmt.Sprintf("查询仪器%s失败: %v", instID, err))
		}
		if info.CalibrationStatus != registry.CalibrationValid {
			expired = append(expired, instID)
		}
	}
	if len(expired) == 0 {
		return Pass("所有仪器校准状态有效")
	}
	return Outcome{
		Passed:      false,
		Message:     fmt.Sprintf("仪器校准状态无效: %v", expired),
		Suggestions: []string{"执行前重新校准仪器"},
	}
}

func checkDurationEstimates(rc *RuleContext) Outcome {
	total, unknown := 0, 0
	for _, s := range rc.Graph.Steps {
		if s.Kind == protocol.KindProtocol {
			continue
		}
		total++
		if s.Duration == 0 {
			unknown++
		}
	}
	if total == 0 || unknown*2 <= total {
		return Pass("多数步骤提供了时长预估")
	}
	return Outcome{
		Passed:      false,
		Message:     fmt.Sprintf("%d/%d个步骤缺少时长预估，调度分析精度受限", unknown, total),
		Suggestions: []string{"为步骤补充DURATION字段"},
	}
}

func checkInstrumentBatching(rc *RuleContext) Outcome {
	overloaded := make([]string, 0)
	counts := make(map[string]int)
	for _, s := range rc.Graph.Steps {
		for _, inst := range s.Instruments {
			counts[inst]++
		}
	}
	for _, inst := range rc.Graph.InstrumentIDs() {
		if counts[inst] >= 4 {
			overloaded = append(overloaded, inst)
		}
	}
	if len(overloaded) == 0 {
		return Pass("无仪器被过多步骤占用")
	}
	return Outcome{
		Passed:      false,
		Message:     fmt.Sprintf("仪器被4个以上步骤占用: %v", overloaded),
		Suggestions: []string{"合并相邻的同仪器操作以减少排队"},
	}
}

func checkMeasurementOutput(rc *RuleContext) Outcome {
	missing := make([]string, 0)
	for _, s := range rc.Graph.StepsOfKind(protocol.KindMeasurement) {
		if len(s.Produces) == 0 {
			missing = append(missing, s.ID)
		}
	}
	if len(missing) == 0 {
		return Pass("所有测量步骤均记录输出变量")
	}
	return Outcome{
		Passed:      false,
		Message:     fmt.Sprintf("%d个测量步骤未记录输出变量", len(missing)),
		StepIDs:     missing,
		Suggestions: []string{"为测量步骤设置OUTPUT字段"},
	}
}

func checkProtocolNamed(rc *RuleContext) Outcome {
	for _, s := range rc.Graph.StepsOfKind(protocol.KindProtocol) {
		if name, ok := s.Node.StringField(protocol.FieldName); !ok || name == "" {
			return Outcome{
				Passed:      false,
				Message:     "流程定义缺少名称元数据",
				StepIDs:     []string{s.ID},
				Suggestions: []string{"为流程定义设置NAME字段"},
			}
		}
	}
	return Pass("流程定义包含名称元数据")
}

func checkParameterValues(rc *RuleContext) Outcome {
	missing := make([]string, 0)
	for _, s := range rc.Graph.StepsOfKind(protocol.KindParameter) {
		if _, ok := s.Node.StringField(protocol.FieldValue); !ok {
			missing = append(missing, s.ID)
		}
	}
	if len(missing) == 0 {
		return Pass("参数声明均有初始值")
	}
	return Outcome{
		Passed:      false,
		Message:     fmt.Sprintf("%d个参数声明缺少初始值", len(missing)),
		StepIDs:     missing,
		Suggestions: []string{"为参数声明设置VALUE字段"},
	}
}

func checkInstrumentRegistered(rc *RuleContext) Outcome {
	unknown := make([]string, 0)
	for _, instID := range rc.Graph.InstrumentIDs() {
		if _, err := rc.Registry.LookupInstrument(instID); errors.Is(err, registry.ErrNotFound) {
			unknown = append(unknown, instID)
		}
	}
	if len(unknown) == 0 {
		return Pass("所有仪器引用均可解析")
	}
	return Outcome{
		Passed:      false,
		Message:     fmt.Sprintf("仪器未在注册表中登记: %v", unknown),
		Suggestions: []string{"登记仪器或修正仪器ID"},
	}
}

func checkReagentStock(rc *RuleContext) Outcome {
	empty := make([]string, 0)
	for _, reagID := range rc.Graph.ReagentIDs() {
		info, err := rc.Registry.LookupReagent(reagID)
		if errors.Is(err, registry.ErrNotFound) {
			return Degraded(fmt.Sprintf("试剂%s未在注册表中登记，无法校验库存", reagID))
		}
		if err != nil {
			return Degraded(fmt.Sprintf("查询试剂%s失败: %v", reagID, err))
		}
		if info.Stock <= 0 {
			empty = append(empty, reagID)
		}
	}
	if len(empty) == 0 {
		return Pass("所有试剂均有库存")
	}
	return Outcome{
		Passed:      false,
		Message:     fmt.Sprintf("试剂无库存: %v", empty),
		Suggestions: []string{"补充库存或替换试剂"},
	}
}

func checkMeasurementReplicates(rc *RuleContext) Outcome {
	insufficient := make([]string, 0)
	for _, s := range rc.Graph.StepsOfKind(protocol.KindMeasurement) {
		replicates, ok := s.Node.FloatField(protocol.FieldReplicates)
		if !ok || replicates < 2 {
			insufficient = append(insufficient, s.ID)
		}
	}
	if len(insufficient) == 0 {
		return Pass("测量步骤均设置了足够的重复次数")
	}
	return Outcome{
		Passed:      false,
		Message:     fmt.Sprintf("%d个测量步骤重复次数不足2次", len(insufficient)),
		StepIDs:     insufficient,
		Suggestions: []string{"将REPLICATES设置为至少2"},
	}
}

func checkIncubationDuration(rc *RuleContext) Outcome {
	missing := make([]string, 0)
	for _, s := range rc.Graph.StepsOfKind(protocol.KindIncubation) {
		if s.Duration <= 0 {
			missing = append(missing, s.ID)
		}
	}
	if len(missing) == 0 {
		return Pass("孵育步骤均设置了正时长")
	}
	return Outcome{
		Passed:      false,
		Message:     fmt.Sprintf("%d个孵育步骤未设置正时长", len(missing)),
		StepIDs:     missing,
		Suggestions: []string{"为孵育步骤设置DURATION字段"},
	}
}

// findingSteps 提取指定代码的Finding对应的步骤ID
func findingSteps(g *graph.DependencyGraph, code string) []string {
	ids := make([]string, 0)
	for _, f := range g.Findings {
		if f.Code == code {
			ids = append(ids, f.StepID)
		}
	}
	return ids
}
