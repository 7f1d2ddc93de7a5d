// Package scheduler 提供依赖图的调度分析：
// 拓扑层级、关键路径、并行组、瓶颈识别
package scheduler

import (
	"sort"
	"time"

	"github.com/labflow/protocol-engine/pkg/core/graph"
)

// CriticalPath 关键路径（对外导出）
type CriticalPath struct {
	Steps    []string      `json:"steps"`    // 按执行顺序的步骤ID
	Duration time.Duration `json:"duration"` // 路径总时长
}

// ParallelGroup 并行组（对外导出）
// 同层级且两两无资源冲突、可并行执行的步骤集合
type ParallelGroup struct {
	Level      int           `json:"level"`
	Steps      []string      `json:"steps"`
	TimeSaving time.Duration `json:"time_saving"` // 并行执行可节省的时间：Σ时长 − max时长
}

// 瓶颈类型
const (
	BottleneckCriticalStep        = "critical_step"        // 移除后关键路径严格缩短
	BottleneckExclusiveInstrument = "exclusive_instrument" // 独占仪器跨相邻层级被占用
)

// Bottleneck 瓶颈（对外导出）
type Bottleneck struct {
	StepID     string `json:"step_id"`
	Kind       string `json:"kind"`
	Instrument string `json:"instrument,omitempty"`
	Reason     string `json:"reason"`
}

// Schedule 调度分析结果（对外导出）
type Schedule struct {
	Levels         [][]string      `json:"levels"`
	CriticalPath   CriticalPath    `json:"critical_path"`
	ParallelGroups []ParallelGroup `json:"parallel_groups"`
	Bottlenecks    []Bottleneck    `json:"bottlenecks"`
}

// LevelOf 返回步骤所在层级，未找到返回-1
func (s *Schedule) LevelOf(stepID string) int {
	for level, ids := range s.Levels {
		for _, id := range ids {
			if id == stepID {
				return level
			}
		}
	}
	return -1
}

// Analyze 对依赖图执行调度分析（对外导出）
// 纯函数：不修改图，重复调用结果一致
func Analyze(g *graph.DependencyGraph) *Schedule {
	levels, levelOf := computeLevels(g)
	cp := computeCriticalPath(g, levels)
	groups := computeParallelGroups(g, levels)
	bottlenecks := detectBottlenecks(g, levels, levelOf, cp)

	return &Schedule{
		Levels:         levels,
		CriticalPath:   cp,
		ParallelGroups: groups,
		Bottlenecks:    bottlenecks,
	}
}

// computeLevels Kahn算法分层
// 步骤层级 = 1 + max(所有排序边前驱的层级)，无前驱为0；
// 资源边是对称边，不参与层级计算
func computeLevels(g *graph.DependencyGraph) ([][]string, map[string]int) {
	inDegree := make(map[string]int)
	for _, id := range g.StepIDs() {
		inDegree[id] = len(g.OrderingPredecessors(id))
	}

	levelOf := make(map[string]int)
	queue := make([]string, 0)
	for _, id := range g.StepIDs() {
		if inDegree[id] == 0 {
			queue = append(queue, id)
			levelOf[id] = 0
		}
	}
	sort.Strings(queue)

	levels := make([][]string, 0)
	for len(queue) > 0 {
		current := queue
		queue = nil
		sort.Strings(current)
		levels = append(levels, current)

		for _, id := range current {
			for _, next := range g.OrderingSuccessors(id) {
				if levelOf[id]+1 > levelOf[next] {
					levelOf[next] = levelOf[id] + 1
				}
				inDegree[next]--
				if inDegree[next] == 0 {
					queue = append(queue, next)
				}
			}
		}
	}

	// 按levelOf重新归批：同层步骤可能在不同轮次出队
	if len(levelOf) == 0 {
		return nil, levelOf
	}
	byLevel := make(map[int][]string)
	maxLevel := 0
	for id, lv := range levelOf {
		byLevel[lv] = append(byLevel[lv], id)
		if lv > maxLevel {
			maxLevel = lv
		}
	}
	result := make([][]string, 0, maxLevel+1)
	for lv := 0; lv <= maxLevel; lv++ {
		ids := byLevel[lv]
		sort.Strings(ids)
		result = append(result, ids)
	}
	return result, levelOf
}

// computeCriticalPath 动态规划求时长加权最长路径
// 按层级顺序处理；前驱打平时取较小的步骤ID，保证确定性；
// 未知时长按0计，不推断
func computeCriticalPath(g *graph.DependencyGraph, levels [][]string) CriticalPath {
	total := make(map[string]time.Duration)
	bestPred := make(map[string]string)

	for _, level := range levels {
		for _, id := range level {
			var best time.Duration
			pred := ""
			for _, p := range g.OrderingPredecessors(id) {
				if pred == "" || total[p] > best || (total[p] == best && p < pred) {
					pred = p
					best = total[p]
				}
			}
			total[id] = g.Steps[id].Duration + best
			bestPred[id] = pred
		}
	}

	// 终点：累计时长最大，打平取较小ID
	end := ""
	for _, id := range g.StepIDs() {
		if end == "" || total[id] > total[end] || (total[id] == total[end] && id < end) {
			end = id
		}
	}
	if end == "" {
		return CriticalPath{Steps: []string{}}
	}

	// 回溯路径
	path := make([]string, 0)
	for cur := end; cur != ""; cur = bestPred[cur] {
		path = append(path, cur)
	}
	for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
		path[i], path[j] = path[j], path[i]
	}

	return CriticalPath{Steps: path, Duration: total[end]}
}

// computeParallelGroups 每层内划分极大无资源冲突子集
// 不可并行的步骤（独占仪器操作、控制流门、检查点）独立成组不输出；
// 仅输出成员数≥2的组，节省时间 = Σ时长 − max时长，非负
func computeParallelGroups(g *graph.DependencyGraph, levels [][]string) []ParallelGroup {
	groups := make([]ParallelGroup, 0)

	for levelIdx, members := range levels {
		// 贪心划分：依次放入第一个无冲突的子集
		subsets := make([][]string, 0)
		for _, id := range members {
			if !g.Steps[id].Parallelizable {
				continue
			}
			placed := false
			for si, subset := range subsets {
				conflict := false
				for _, other := range subset {
					if g.HasResourceConflict(id, other) {
						conflict = true
						break
					}
				}
				if !conflict {
					subsets[si] = append(subsets[si], id)
					placed = true
					break
				}
			}
			if !placed {
				subsets = append(subsets, []string{id})
			}
		}

		for _, subset := range subsets {
			if len(subset) < 2 {
				continue
			}
			var sum, maxDur time.Duration
			for _, id := range subset {
				d := g.Steps[id].Duration
				sum += d
				if d > maxDur {
					maxDur = d
				}
			}
			saving := sum - maxDur
			if saving < 0 {
				saving = 0
			}
			groups = append(groups, ParallelGroup{
				Level:      levelIdx,
				Steps:      subset,
				TimeSaving: saving,
			})
		}
	}
	return groups
}

// detectBottlenecks 瓶颈识别
// 条件A：步骤在关键路径上，且假设性移除（前驱直连后继）后关键路径严格缩短；
// 条件B：步骤在关键路径上，是其层级内某独占仪器的唯一使用者，
// 且该仪器在相邻层级仍被占用。检测过程不修改图。
func detectBottlenecks(g *graph.DependencyGraph, levels [][]string, levelOf map[string]int, cp CriticalPath) []Bottleneck {
	onPath := make(map[string]bool)
	for _, id := range cp.Steps {
		onPath[id] = true
	}

	// 仪器 -> 引用它的层级集合
	instrumentLevels := make(map[string]map[int]bool)
	for _, id := range g.StepIDs() {
		for _, inst := range g.Steps[id].Instruments {
			if instrumentLevels[inst] == nil {
				instrumentLevels[inst] = make(map[int]bool)
			}
			instrumentLevels[inst][levelOf[id]] = true
		}
	}

	bottlenecks := make([]Bottleneck, 0)
	for _, id := range cp.Steps {
		step := g.Steps[id]

		if reduced := longestPathWithout(g, id); reduced < cp.Duration {
			bottlenecks = append(bottlenecks, Bottleneck{
				StepID: id,
				Kind:   BottleneckCriticalStep,
				Reason: "移除该步骤后关键路径缩短",
			})
			continue
		}

		for _, inst := range step.Instruments {
			if !soleUserInLevel(g, levels, levelOf, id, inst) {
				continue
			}
			lv := levelOf[id]
			if instrumentLevels[inst][lv-1] || instrumentLevels[inst][lv+1] {
				bottlenecks = append(bottlenecks, Bottleneck{
					StepID:     id,
					Kind:       BottleneckExclusiveInstrument,
					Instrument: inst,
					Reason:     "独占仪器在相邻层级连续被占用",
				})
				break
			}
		}
	}
	return bottlenecks
}

// soleUserInLevel 步骤是否是其层级内指定仪器的唯一使用者
func soleUserInLevel(g *graph.DependencyGraph, levels [][]string, levelOf map[string]int, stepID, inst string) bool {
	lv := levelOf[stepID]
	if lv >= len(levels) {
		return false
	}
	for _, other := range levels[lv] {
		if other == stepID {
			continue
		}
		for _, i := range g.Steps[other].Instruments {
			if i == inst {
				return false
			}
		}
	}
	return true
}

// longestPathWithout 假设性移除步骤后的最长路径时长
// 被移除步骤的前驱直连其后继；只读取图，不做任何修改
func longestPathWithout(g *graph.DependencyGraph, removed string) time.Duration {
	// 构造修改后的邻接表
	succ := make(map[string][]string)
	pred := make(map[string][]string)
	for _, id := range g.StepIDs() {
		if id == removed {
			continue
		}
		for _, next := range g.OrderingSuccessors(id) {
			if next == removed {
				// 直连removed的后继
				for _, bridged := range g.OrderingSuccessors(removed) {
					if bridged != id {
						succ[id] = append(succ[id], bridged)
						pred[bridged] = append(pred[bridged], id)
					}
				}
				continue
			}
			succ[id] = append(succ[id], next)
			pred[next] = append(pred[next], id)
		}
	}

	// Kahn拓扑序上做DP
	inDegree := make(map[string]int)
	ids := make([]string, 0, len(g.Steps)-1)
	for _, id := range g.StepIDs() {
		if id == removed {
			continue
		}
		ids = append(ids, id)
		inDegree[id] = len(pred[id])
	}

	total := make(map[string]time.Duration)
	queue := make([]string, 0)
	for _, id := range ids {
		if inDegree[id] == 0 {
			queue = append(queue, id)
		}
	}

	var best time.Duration
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		total[cur] += g.Steps[cur].Duration
		if total[cur] > best {
			best = total[cur]
		}
		for _, next := range succ[cur] {
			if total[cur] > total[next] {
				total[next] = total[cur]
			}
			inDegree[next]--
			if inDegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}
	return best
}
