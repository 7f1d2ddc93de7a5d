// Package graph 提供流程依赖图的构建与查询
package graph

import (
	"fmt"
	"sort"
	"time"

	godag "github.com/begmaroman/go-dag"

	"github.com/labflow/protocol-engine/pkg/core/protocol"
)

// DependencyKind 依赖边类型（对外导出）
type DependencyKind string

const (
	DepData            DependencyKind = "data"             // 数据依赖：目标消费来源产出的变量
	DepResource        DependencyKind = "resource"         // 资源冲突：共用独占仪器/试剂，不可并行（对称边）
	DepTemporal        DependencyKind = "temporal"         // 时序依赖：流程结构中的先后顺序
	DepControlFlow     DependencyKind = "control_flow"     // 控制流依赖：嵌套在条件/循环/并行结构内
	DepInstrumentUsage DependencyKind = "instrument_usage" // 仪器占用：目标需要来源仍在使用的仪器
)

// IsOrdering 是否为排序边（约束目标不得早于来源完成）
// 资源边是对称的，只影响并行组合法性，不参与层级计算
func (k DependencyKind) IsOrdering() bool {
	return k != DepResource
}

// Step 依赖图节点（对外导出）
type Step struct {
	ID             string             `json:"id"`
	Name           string             `json:"name"`
	Kind           protocol.StepKind  `json:"kind"`
	Duration       time.Duration      `json:"duration"` // 预估时长，未知为0
	Instruments    []string           `json:"instruments,omitempty"`
	Reagents       []string           `json:"reagents,omitempty"`
	Produces       []string           `json:"produces,omitempty"`
	Consumes       []string           `json:"consumes,omitempty"`
	Parallelizable bool               `json:"parallelizable"`
	TreePos        int                `json:"tree_pos"` // 文档序（树遍历顺序）
	Node           *protocol.StepNode `json:"-"`        // 原始步骤节点，供验证规则读取字段
}

// Dependency 依赖图边（对外导出）
type Dependency struct {
	ID   string         `json:"id"`
	From string         `json:"from"`
	To   string         `json:"to"`
	Kind DependencyKind `json:"kind"`
}

// Finding 构建阶段记录的结构性问题（对外导出）
// 不致命，由验证规则引擎转为结构类规则结论
type Finding struct {
	Code    string `json:"code"`
	StepID  string `json:"step_id"`
	Message string `json:"message"`
}

// 构建阶段Finding代码
const (
	FindingUndeclaredVariable = "undeclared_variable"
	FindingUnknownDependency  = "unknown_dependency"
)

// dagVertex go-dag节点适配（内部使用）
// 同时实现Identifiable与Hashable：go-dag默认按节点值的JSON哈希去重，
// 本类型只有非导出字段，必须以步骤ID为哈希来源才能区分节点
type dagVertex struct {
	step *Step
}

// ID 实现go-dag的Identifiable接口
func (v dagVertex) ID() string {
	return v.step.ID
}

// Hash 实现go-dag的Hashable接口
func (v dagVertex) Hash() (godag.VHash, error) {
	return godag.ToHash(v.step.ID)
}

// DependencyGraph 流程依赖图（对外导出）
// 构建完成后只读；排序边（data/temporal/control_flow/instrument_usage）
// 镜像到go-dag实例，供父子/根节点遍历
type DependencyGraph struct {
	Steps    map[string]*Step       `json:"steps"`
	Edges    map[string]*Dependency `json:"edges"`
	Findings []Finding              `json:"findings,omitempty"`

	dag         *godag.DAG[dagVertex]
	resourceAdj map[string]map[string]bool
}

// StepIDs 返回所有步骤ID（按文档序）
func (g *DependencyGraph) StepIDs() []string {
	ids := make([]string, 0, len(g.Steps))
	for id := range g.Steps {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		return g.Steps[ids[i]].TreePos < g.Steps[ids[j]].TreePos
	})
	return ids
}

// Roots 返回所有根步骤ID（无排序边入边），按步骤ID排序保证确定性
func (g *DependencyGraph) Roots() []string {
	roots := g.dag.GetRoots()
	ids := make([]string, 0, len(roots))
	for id := range roots {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// OrderingSuccessors 返回步骤的排序边后继，按步骤ID排序
func (g *DependencyGraph) OrderingSuccessors(stepID string) []string {
	children, err := g.dag.GetChildren(stepID)
	if err != nil {
		return nil
	}
	ids := make([]string, 0, len(children))
	for id := range children {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// OrderingPredecessors 返回步骤的排序边前驱，按步骤ID排序
func (g *DependencyGraph) OrderingPredecessors(stepID string) []string {
	parents, err := g.dag.GetParents(stepID)
	if err != nil {
		return nil
	}
	ids := make([]string, 0, len(parents))
	for id := range parents {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// HasResourceConflict 两个步骤之间是否存在资源冲突边
func (g *DependencyGraph) HasResourceConflict(a, b string) bool {
	if adj, ok := g.resourceAdj[a]; ok {
		return adj[b]
	}
	return false
}

// StepsOfKind 返回指定类型的所有步骤（按文档序）
func (g *DependencyGraph) StepsOfKind(kind protocol.StepKind) []*Step {
	steps := make([]*Step, 0)
	for _, id := range g.StepIDs() {
		if g.Steps[id].Kind == kind {
			steps = append(steps, g.Steps[id])
		}
	}
	return steps
}

// InstrumentIDs 返回图中引用的全部仪器ID（去重，字典序）
func (g *DependencyGraph) InstrumentIDs() []string {
	seen := make(map[string]bool)
	for _, s := range g.Steps {
		for _, inst := range s.Instruments {
			seen[inst] = true
		}
	}
	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ReagentIDs 返回图中引用的全部试剂ID（去重，字典序）
func (g *DependencyGraph) ReagentIDs() []string {
	seen := make(map[string]bool)
	for _, s := range g.Steps {
		for _, r := range s.Reagents {
			seen[r] = true
		}
	}
	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// edgeID 生成确定性的边ID
func edgeID(from, to string, kind DependencyKind) string {
	return fmt.Sprintf("%s->%s:%s", from, to, kind)
}

// CircularDependencyError 循环依赖错误（致命，图无法构建）
// Cycle按检测到的顺序列出环上的步骤ID
type CircularDependencyError struct {
	Cycle []string
}

// Error 实现error接口
func (e *CircularDependencyError) Error() string {
	return fmt.Sprintf("检测到循环依赖: %v", e.Cycle)
}
