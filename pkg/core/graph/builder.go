package graph

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	godag "github.com/begmaroman/go-dag"
	"github.com/google/uuid"

	"github.com/labflow/protocol-engine/pkg/core/protocol"
)

// varRefPattern 字段值中的变量引用语法：${name}
var varRefPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Build 从步骤树构建依赖图（对外导出）
// 步骤树来自可视化编辑器的导出格式；存在循环依赖时返回CircularDependencyError
func Build(root *protocol.StepNode) (*DependencyGraph, error) {
	if root == nil {
		return nil, fmt.Errorf("步骤树为空")
	}
	if err := protocol.ValidateTree(root); err != nil {
		return nil, err
	}

	b := &builder{
		byID:     make(map[string]*Step),
		byNode:   make(map[*protocol.StepNode]*Step),
		edges:    make(map[string]*Dependency),
		orderOut: make(map[string][]string),
	}

	// 1. 遍历步骤树，为每个步骤分配稳定ID并建立节点
	if err := b.collectSteps(root); err != nil {
		return nil, err
	}

	// 2. 结构边：顺序后继为temporal，条件/循环/并行嵌套为control_flow
	b.emitStructuralEdges(root)

	// 2.1 显式时序边：DEPENDS_ON引用的前置步骤
	b.emitExplicitEdges()

	// 3. 数据边：按文档序维护变量符号表，未声明引用记为结构性Finding
	b.emitDataEdges()

	// 4. 资源边与仪器占用边：共用仪器/试剂的步骤按树位置配对
	b.emitResourceEdges()

	// 5. 循环检测 + go-dag镜像由New统一完成
	g, err := New(b.steps, b.sortedEdges())
	if err != nil {
		return nil, err
	}
	g.Findings = b.findings
	return g, nil
}

// New 从节点与边列表构建依赖图（对外导出）
// 先在排序边上做一次性循环检测（三色DFS），再镜像到go-dag；
// 存在环时返回CircularDependencyError，go-dag的逐边检测不会再触发
func New(steps []*Step, deps []*Dependency) (*DependencyGraph, error) {
	byID := make(map[string]*Step, len(steps))
	for _, s := range steps {
		if _, exists := byID[s.ID]; exists {
			return nil, fmt.Errorf("重复的步骤ID: %s", s.ID)
		}
		byID[s.ID] = s
	}

	edges := make(map[string]*Dependency, len(deps))
	orderOut := make(map[string][]string)
	resourceAdj := make(map[string]map[string]bool)
	for _, dep := range deps {
		if _, ok := byID[dep.From]; !ok {
			return nil, fmt.Errorf("边引用了不存在的步骤: %s", dep.From)
		}
		if _, ok := byID[dep.To]; !ok {
			return nil, fmt.Errorf("边引用了不存在的步骤: %s", dep.To)
		}
		if dep.ID == "" {
			dep.ID = edgeID(dep.From, dep.To, dep.Kind)
		}
		edges[dep.ID] = dep
		if dep.Kind.IsOrdering() {
			orderOut[dep.From] = append(orderOut[dep.From], dep.To)
		} else {
			if resourceAdj[dep.From] == nil {
				resourceAdj[dep.From] = make(map[string]bool)
			}
			resourceAdj[dep.From][dep.To] = true
		}
	}

	if cycle := detectCycleDFS(steps, orderOut); cycle != nil {
		return nil, &CircularDependencyError{Cycle: cycle}
	}

	d := godag.NewDAG[dagVertex]()
	for _, s := range steps {
		if _, err := d.AddVertex(dagVertex{step: s}); err != nil {
			return nil, fmt.Errorf("添加节点失败: StepID=%s, Error=%w", s.ID, err)
		}
	}
	// 同一对步骤间可能同时存在多种排序边（如temporal+data），
	// go-dag按(from,to)去重，只镜像一次
	mirrored := make(map[string]bool, len(edges))
	for _, id := range sortedEdgeIDs(edges) {
		dep := edges[id]
		if !dep.Kind.IsOrdering() {
			continue
		}
		pair := dep.From + "->" + dep.To
		if mirrored[pair] {
			continue
		}
		mirrored[pair] = true
		if err := d.AddEdge(dep.From, dep.To); err != nil {
			return nil, fmt.Errorf("添加边失败: %s -> %s, Error=%w", dep.From, dep.To, err)
		}
	}

	return &DependencyGraph{
		Steps:       byID,
		Edges:       edges,
		dag:         d,
		resourceAdj: resourceAdj,
	}, nil
}

// builder 构建过程的中间状态（内部使用）
type builder struct {
	steps    []*Step // 文档序
	byID     map[string]*Step
	byNode   map[*protocol.StepNode]*Step
	edges    map[string]*Dependency
	orderOut map[string][]string
	findings []Finding
}

// collectSteps 遍历步骤树建立全部节点（显式工作栈，文档序）
func (b *builder) collectSteps(root *protocol.StepNode) error {
	type frame struct{ node *protocol.StepNode }
	stack := []frame{{node: root}}

	for len(stack) > 0 {
		f := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		step, err := b.newStep(f.node)
		if err != nil {
			return err
		}
		b.steps = append(b.steps, step)
		b.byID[step.ID] = step
		b.byNode[f.node] = step

		// 逆序入栈保持文档序出栈
		slots := f.node.SlotNames()
		for i := len(slots) - 1; i >= 0; i-- {
			children := f.node.Slot(slots[i])
			for j := len(children) - 1; j >= 0; j-- {
				stack = append(stack, frame{node: children[j]})
			}
		}
	}
	return nil
}

// newStep 从步骤节点创建依赖图节点
func (b *builder) newStep(node *protocol.StepNode) (*Step, error) {
	kind := node.Kind()

	id, _ := node.StringField(protocol.FieldStepID)
	if id == "" {
		id = uuid.NewString()
	}
	if _, exists := b.byID[id]; exists {
		return nil, &protocol.MalformedStepError{StepID: id, Reason: "重复的步骤ID"}
	}

	name, _ := node.StringField(protocol.FieldName)
	if name == "" {
		name = string(kind)
	}

	step := &Step{
		ID:             id,
		Name:           name,
		Kind:           kind,
		Duration:       node.DurationField(protocol.FieldDuration),
		Parallelizable: parallelizable(node, kind),
		TreePos:        len(b.steps),
		Node:           node,
	}

	if inst, ok := node.StringField(protocol.FieldInstrument); ok && inst != "" {
		step.Instruments = append(step.Instruments, inst)
	}
	if reag, ok := node.StringField(protocol.FieldReagent); ok && reag != "" {
		step.Reagents = append(step.Reagents, reag)
	}

	// 产出变量：声明型步骤的VARIABLE、测量步骤的OUTPUT
	switch kind {
	case protocol.KindSetVariable, protocol.KindSample, protocol.KindReagent, protocol.KindParameter:
		if v, ok := node.StringField(protocol.FieldVariable); ok && v != "" {
			step.Produces = append(step.Produces, v)
		}
	case protocol.KindMeasurement:
		if v, ok := node.StringField(protocol.FieldOutput); ok && v != "" {
			step.Produces = append(step.Produces, v)
		}
	}

	step.Consumes = consumedVariables(node)
	return step, nil
}

// parallelizable 步骤是否可并行
// 独占硬件的仪器操作、控制流门、人工检查点不可并行
func parallelizable(node *protocol.StepNode, kind protocol.StepKind) bool {
	switch kind {
	case protocol.KindConditional, protocol.KindLoop, protocol.KindParallel, protocol.KindCheckpoint:
		return false
	case protocol.KindInstrumentOp:
		if exclusive, ok := node.BoolField(protocol.FieldExclusive); ok {
			return !exclusive
		}
		return false
	default:
		return true
	}
}

// consumedVariables 提取字段值中的${var}引用（去重，字典序）
// VARIABLE/OUTPUT是声明名而非引用，不参与提取
func consumedVariables(node *protocol.StepNode) []string {
	seen := make(map[string]bool)
	for key, value := range node.Fields {
		if key == protocol.FieldVariable || key == protocol.FieldOutput {
			continue
		}
		s, ok := value.(string)
		if !ok {
			continue
		}
		for _, m := range varRefPattern.FindAllStringSubmatch(s, -1) {
			seen[m[1]] = true
		}
	}
	if len(seen) == 0 {
		return nil
	}
	vars := make([]string, 0, len(seen))
	for v := range seen {
		vars = append(vars, v)
	}
	sort.Strings(vars)
	return vars
}

// emitStructuralEdges 发射结构边
// 同一槽位内的顺序后继为temporal边；容器指向各槽位首个子步骤：
// preparation/protocol为temporal，conditional/loop/parallel为control_flow
// 并行结构只从并行步骤指向各分支头部，分支之间不加边
func (b *builder) emitStructuralEdges(root *protocol.StepNode) {
	stack := []*protocol.StepNode{root}
	for len(stack) > 0 {
		node := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		parent := b.byNode[node]
		headKind := DepTemporal
		switch node.Kind() {
		case protocol.KindConditional, protocol.KindLoop, protocol.KindParallel:
			headKind = DepControlFlow
		}

		for _, slot := range node.SlotNames() {
			children := node.Slot(slot)
			if len(children) == 0 {
				continue
			}
			b.addEdge(parent.ID, b.byNode[children[0]].ID, headKind)
			for i := 0; i+1 < len(children); i++ {
				b.addEdge(b.byNode[children[i]].ID, b.byNode[children[i+1]].ID, DepTemporal)
			}
			for i := len(children) - 1; i >= 0; i-- {
				stack = append(stack, children[i])
			}
		}
	}
}

// emitExplicitEdges 发射DEPENDS_ON声明的显式时序边
// 显式引用可以指向树中任意步骤，是循环依赖的唯一可能来源；
// 引用不存在的步骤记为结构性Finding
func (b *builder) emitExplicitEdges() {
	for _, step := range b.steps {
		raw, ok := step.Node.StringField(protocol.FieldDependsOn)
		if !ok || raw == "" {
			continue
		}
		for _, dep := range strings.Split(raw, ",") {
			dep = strings.TrimSpace(dep)
			if dep == "" {
				continue
			}
			if _, exists := b.byID[dep]; !exists {
				b.findings = append(b.findings, Finding{
					Code:    FindingUnknownDependency,
					StepID:  step.ID,
					Message: fmt.Sprintf("步骤显式依赖了不存在的步骤: %s", dep),
				})
				continue
			}
			b.addEdge(dep, step.ID, DepTemporal)
		}
	}
}

// emitDataEdges 按文档序解析数据依赖
// 引用未声明变量不是构建失败，记为结构性Finding交给验证规则
func (b *builder) emitDataEdges() {
	producers := make(map[string]string) // 变量名 -> 最近声明该变量的步骤ID
	for _, step := range b.steps {
		for _, v := range step.Consumes {
			producerID, declared := producers[v]
			if !declared {
				b.findings = append(b.findings, Finding{
					Code:    FindingUndeclaredVariable,
					StepID:  step.ID,
					Message: fmt.Sprintf("步骤引用了未声明的变量: ${%s}", v),
				})
				continue
			}
			if producerID != step.ID {
				b.addEdge(producerID, step.ID, DepData)
			}
		}
		for _, v := range step.Produces {
			producers[v] = step.ID
		}
	}
}

// emitResourceEdges 解析资源冲突边与仪器占用边
// 引用同一仪器/试剂的步骤按树位置排序后两两配对：
// 已有排序路径的相邻对发射instrument_usage边（仅仪器），
// 无排序关系的相邻对发射对称resource边
func (b *builder) emitResourceEdges() {
	byInstrument := make(map[string][]*Step)
	byReagent := make(map[string][]*Step)
	for _, step := range b.steps {
		for _, inst := range step.Instruments {
			byInstrument[inst] = append(byInstrument[inst], step)
		}
		for _, r := range step.Reagents {
			byReagent[r] = append(byReagent[r], step)
		}
	}

	for _, inst := range sortedKeys(byInstrument) {
		b.pairResourceUsers(byInstrument[inst], true)
	}
	for _, r := range sortedKeys(byReagent) {
		b.pairResourceUsers(byReagent[r], false)
	}
}

// pairResourceUsers 对共用同一资源的步骤按树位置两两配对发边
// 冲突不是传递闭包：三个无时序关系的共用步骤必须两两互斥，
// 只连相邻对会让首尾两步漏进同一并行组
func (b *builder) pairResourceUsers(users []*Step, instrument bool) {
	if len(users) < 2 {
		return
	}
	sort.Slice(users, func(i, j int) bool { return users[i].TreePos < users[j].TreePos })

	for i := 0; i < len(users); i++ {
		for j := i + 1; j < len(users); j++ {
			from, to := users[i], users[j]
			if instrument && b.isReachable(from.ID, to.ID) {
				b.addEdge(from.ID, to.ID, DepInstrumentUsage)
				continue
			}
			if instrument && b.isReachable(to.ID, from.ID) {
				b.addEdge(to.ID, from.ID, DepInstrumentUsage)
				continue
			}
			// 无时序关系：对称资源边（两个方向各一条）
			b.addEdge(from.ID, to.ID, DepResource)
			b.addEdge(to.ID, from.ID, DepResource)
		}
	}
}

// addEdge 登记一条边；排序边同时维护邻接表
func (b *builder) addEdge(from, to string, kind DependencyKind) {
	if from == to {
		return
	}
	id := edgeID(from, to, kind)
	if _, exists := b.edges[id]; exists {
		return
	}
	b.edges[id] = &Dependency{ID: id, From: from, To: to, Kind: kind}
	if kind.IsOrdering() {
		b.orderOut[from] = append(b.orderOut[from], to)
	}
}

// isReachable 排序边上from是否可达to（BFS）
func (b *builder) isReachable(from, to string) bool {
	if from == to {
		return true
	}
	visited := map[string]bool{from: true}
	queue := []string{from}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, next := range b.orderOut[cur] {
			if next == to {
				return true
			}
			if !visited[next] {
				visited[next] = true
				queue = append(queue, next)
			}
		}
	}
	return false
}

// detectCycleDFS 排序边上的循环检测
// 三色标记法：0=白（未访问），1=灰（访问中），2=黑（已访问）
// 检测到后向边时返回环上的步骤ID序列，无环返回nil
func detectCycleDFS(steps []*Step, orderOut map[string][]string) []string {
	color := make(map[string]int)
	parent := make(map[string]string)
	var cyclePath []string

	var dfs func(stepID string) bool
	dfs = func(stepID string) bool {
		color[stepID] = 1
		for _, next := range orderOut[stepID] {
			if color[next] == 0 {
				parent[next] = stepID
				if dfs(next) {
					return true
				}
			} else if color[next] == 1 {
				// 后向边，回溯parent构建环路径
				cyclePath = append(cyclePath, next)
				cur := stepID
				for cur != next && cur != "" {
					cyclePath = append(cyclePath, cur)
					cur = parent[cur]
				}
				cyclePath = append(cyclePath, next)
				return true
			}
		}
		color[stepID] = 2
		return false
	}

	for _, step := range steps {
		if color[step.ID] == 0 {
			if dfs(step.ID) {
				return cyclePath
			}
		}
	}
	return nil
}

// sortedEdgeIDs 返回边ID的字典序列表
func sortedEdgeIDs(edges map[string]*Dependency) []string {
	ids := make([]string, 0, len(edges))
	for id := range edges {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// sortedEdges 返回字典序的边列表（保证go-dag镜像的构建顺序确定）
func (b *builder) sortedEdges() []*Dependency {
	ids := make([]string, 0, len(b.edges))
	for id := range b.edges {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	deps := make([]*Dependency, 0, len(ids))
	for _, id := range ids {
		deps = append(deps, b.edges[id])
	}
	return deps
}

// sortedKeys 返回map键的字典序列表
func sortedKeys(m map[string][]*Step) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
