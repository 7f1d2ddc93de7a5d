// Package protocol 提供实验流程步骤树的数据模型与解析
package protocol

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// StepKind 步骤类型（对外导出）
type StepKind string

const (
	KindProtocol      StepKind = "protocol"       // 流程定义（根节点）
	KindPreparation   StepKind = "preparation"    // 样品制备（容器步骤）
	KindMixing        StepKind = "mixing"         // 混合
	KindIncubation    StepKind = "incubation"     // 孵育
	KindMeasurement   StepKind = "measurement"    // 测量
	KindInstrumentOp  StepKind = "instrument_op"  // 仪器操作（独占硬件）
	KindSetVariable   StepKind = "set_variable"   // 设置变量
	KindSample        StepKind = "sample"         // 声明样品变量
	KindReagent       StepKind = "reagent"        // 声明试剂变量
	KindParameter     StepKind = "parameter"      // 声明参数变量
	KindConditional   StepKind = "conditional"    // 条件分支
	KindLoop          StepKind = "loop"           // 循环
	KindParallel      StepKind = "parallel"       // 并行分支
	KindCheckpoint    StepKind = "checkpoint"     // 人工确认检查点
)

// 步骤字段名（可视化编辑器导出格式的字段键）
const (
	FieldStepID      = "STEP_ID"
	FieldName        = "NAME"
	FieldDuration    = "DURATION"
	FieldInstrument  = "INSTRUMENT"
	FieldReagent     = "REAGENT"
	FieldVariable    = "VARIABLE"
	FieldValue       = "VALUE"
	FieldOutput      = "OUTPUT"
	FieldTemperature = "TEMPERATURE"
	FieldCondition   = "CONDITION"
	FieldTimes       = "TIMES"
	FieldMessage     = "MESSAGE"
	FieldExclusive   = "EXCLUSIVE"
	FieldReplicates  = "REPLICATES"
	FieldDependsOn   = "DEPENDS_ON" // 显式前置步骤ID列表（逗号分隔）
)

// 子步骤槽位名（可视化编辑器导出格式的语句型输入）
const (
	SlotSteps   = "STEPS"
	SlotThen    = "THEN_STEPS"
	SlotElse    = "ELSE_STEPS"
	SlotBranch1 = "BRANCH1"
	SlotBranch2 = "BRANCH2"
	SlotBranch3 = "BRANCH3"
)

// StepNode 步骤树节点（对外导出）
// 对应可视化编辑器的导出格式：类型标签 + 扁平字段表 + 命名子槽位
type StepNode struct {
	Type   string                 `json:"type" yaml:"type"`
	Fields map[string]interface{} `json:"fields,omitempty" yaml:"fields,omitempty"`
	Slots  map[string][]*StepNode `json:"slots,omitempty" yaml:"slots,omitempty"`
}

// Kind 返回解析后的步骤类型
// 未知类型返回空字符串，由调用方判定为MalformedStepError
func (n *StepNode) Kind() StepKind {
	switch StepKind(strings.ToLower(strings.TrimSpace(n.Type))) {
	case KindProtocol, KindPreparation, KindMixing, KindIncubation,
		KindMeasurement, KindInstrumentOp, KindSetVariable, KindSample,
		KindReagent, KindParameter, KindConditional, KindLoop,
		KindParallel, KindCheckpoint:
		return StepKind(strings.ToLower(strings.TrimSpace(n.Type)))
	default:
		return ""
	}
}

// StringField 获取字符串字段
func (n *StepNode) StringField(key string) (string, bool) {
	if n.Fields == nil {
		return "", false
	}
	v, ok := n.Fields[key]
	if !ok || v == nil {
		return "", false
	}
	switch s := v.(type) {
	case string:
		return s, true
	default:
		return fmt.Sprintf("%v", v), true
	}
}

// FloatField 获取数值字段
// 兼容编辑器导出的松散标量：数字、数字字符串
func (n *StepNode) FloatField(key string) (float64, bool) {
	if n.Fields == nil {
		return 0, false
	}
	v, ok := n.Fields[key]
	if !ok || v == nil {
		return 0, false
	}
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}

// BoolField 获取布尔字段
func (n *StepNode) BoolField(key string) (bool, bool) {
	if n.Fields == nil {
		return false, false
	}
	v, ok := n.Fields[key]
	if !ok || v == nil {
		return false, false
	}
	switch x := v.(type) {
	case bool:
		return x, true
	case string:
		b, err := strconv.ParseBool(strings.TrimSpace(x))
		if err != nil {
			return false, false
		}
		return b, true
	default:
		return false, false
	}
}

// DurationField 获取时长字段
// 支持两种写法：数值（秒）或Go时长字符串（如"5m"、"90s"）
// 未知或非法时长按0处理，不做推断
func (n *StepNode) DurationField(key string) time.Duration {
	if f, ok := n.FloatField(key); ok {
		if f <= 0 {
			return 0
		}
		return time.Duration(f * float64(time.Second))
	}
	if s, ok := n.StringField(key); ok {
		d, err := time.ParseDuration(strings.TrimSpace(s))
		if err != nil || d < 0 {
			return 0
		}
		return d
	}
	return 0
}

// Slot 获取指定槽位的子步骤列表
func (n *StepNode) Slot(name string) []*StepNode {
	if n.Slots == nil {
		return nil
	}
	return n.Slots[name]
}

// SlotNames 返回节点携带子步骤的槽位名（按固定顺序，保证遍历确定性）
func (n *StepNode) SlotNames() []string {
	ordered := []string{SlotSteps, SlotThen, SlotElse, SlotBranch1, SlotBranch2, SlotBranch3}
	names := make([]string, 0, len(n.Slots))
	seen := make(map[string]bool)
	for _, name := range ordered {
		if len(n.Slot(name)) > 0 {
			names = append(names, name)
			seen[name] = true
		}
	}
	// 编辑器自定义槽位（如BRANCH4+）排在已知槽位之后，按字典序
	extra := make([]string, 0)
	for name, steps := range n.Slots {
		if !seen[name] && len(steps) > 0 {
			extra = append(extra, name)
		}
	}
	sort.Strings(extra)
	names = append(names, extra...)
	return names
}

// IsContainer 是否为容器步骤（携带子步骤槽位）
func (n *StepNode) IsContainer() bool {
	switch n.Kind() {
	case KindProtocol, KindPreparation, KindConditional, KindLoop, KindParallel:
		return true
	default:
		return false
	}
}
