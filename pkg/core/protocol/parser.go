package protocol

import (
	"encoding/json"
	"fmt"

	"gopkg.in/yaml.v3"
)

// Document 一次分析请求的流程文档（对外导出）
// ID与Version构成结果缓存键
type Document struct {
	ID      string    `json:"id" yaml:"id"`
	Version int       `json:"version" yaml:"version"`
	Name    string    `json:"name" yaml:"name"`
	Root    *StepNode `json:"root" yaml:"root"`
}

// MalformedStepError 步骤格式错误（致命，终止单次分析）
// 未知步骤类型或缺少必填字段时返回，错误信息指明出错的步骤
type MalformedStepError struct {
	StepID string // 出错步骤的ID（无ID时为步骤在树中的路径）
	Reason string // 错误原因
}

// Error 实现error接口
func (e *MalformedStepError) Error() string {
	return fmt.Sprintf("步骤格式错误: StepID=%s, Reason=%s", e.StepID, e.Reason)
}

// ParseJSON 从JSON解析流程文档（API层的输入格式）
func ParseJSON(data []byte) (*Document, error) {
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("解析流程JSON失败: %w", err)
	}
	if err := validateDocument(&doc); err != nil {
		return nil, err
	}
	return &doc, nil
}

// ParseYAML 从YAML解析流程文档（CLI层的文件格式）
func ParseYAML(data []byte) (*Document, error) {
	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("解析流程YAML失败: %w", err)
	}
	if err := validateDocument(&doc); err != nil {
		return nil, err
	}
	return &doc, nil
}

// validateDocument 校验文档基本结构
func validateDocument(doc *Document) error {
	if doc.ID == "" {
		return fmt.Errorf("流程文档缺少id")
	}
	if doc.Root == nil {
		return fmt.Errorf("流程文档缺少root步骤树")
	}
	return ValidateTree(doc.Root)
}

// ValidateTree 在接入时校验整棵步骤树（显式工作栈，避免深度嵌套打爆调用栈）
// 未知步骤类型或缺少必填字段返回MalformedStepError
func ValidateTree(root *StepNode) error {
	type frame struct {
		node *StepNode
		path string
	}
	stack := []frame{{node: root, path: "root"}}

	for len(stack) > 0 {
		f := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		node := f.node
		kind := node.Kind()
		if kind == "" {
			return &MalformedStepError{
				StepID: stepIdentity(node, f.path),
				Reason: fmt.Sprintf("未知步骤类型: %q", node.Type),
			}
		}

		if missing := missingRequiredField(node, kind); missing != "" {
			return &MalformedStepError{
				StepID: stepIdentity(node, f.path),
				Reason: fmt.Sprintf("缺少必填字段: %s", missing),
			}
		}

		for _, slot := range node.SlotNames() {
			children := node.Slot(slot)
			for i := len(children) - 1; i >= 0; i-- {
				if children[i] == nil {
					return &MalformedStepError{
						StepID: stepIdentity(node, f.path),
						Reason: fmt.Sprintf("槽位%s包含空步骤", slot),
					}
				}
				stack = append(stack, frame{
					node: children[i],
					path: fmt.Sprintf("%s.%s[%d]", f.path, slot, i),
				})
			}
		}
	}
	return nil
}

// missingRequiredField 返回步骤缺少的必填字段名，无缺失返回空字符串
func missingRequiredField(node *StepNode, kind StepKind) string {
	has := func(key string) bool {
		if node.Fields == nil {
			return false
		}
		v, ok := node.Fields[key]
		return ok && v != nil && fmt.Sprintf("%v", v) != ""
	}

	switch kind {
	case KindInstrumentOp, KindMeasurement:
		if !has(FieldInstrument) {
			return FieldInstrument
		}
	case KindSetVariable, KindSample, KindReagent, KindParameter:
		if !has(FieldVariable) {
			return FieldVariable
		}
	case KindConditional:
		if !has(FieldCondition) {
			return FieldCondition
		}
	case KindLoop:
		if !has(FieldTimes) {
			return FieldTimes
		}
	case KindCheckpoint:
		if !has(FieldMessage) {
			return FieldMessage
		}
	}
	return ""
}

// stepIdentity 返回步骤的标识：优先取编辑器分配的STEP_ID，否则用树路径
func stepIdentity(node *StepNode, path string) string {
	if id, ok := node.StringField(FieldStepID); ok && id != "" {
		return id
	}
	return path
}
