package graph

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/labflow/protocol-engine/pkg/core/protocol"
)

// step 构造测试步骤节点
func step(kind, id string, fields map[string]interface{}) *protocol.StepNode {
	if fields == nil {
		fields = make(map[string]interface{})
	}
	fields[protocol.FieldStepID] = id
	return &protocol.StepNode{Type: kind, Fields: fields}
}

// proc 构造以protocol为根的顺序流程
func proc(steps ...*protocol.StepNode) *protocol.StepNode {
	return &protocol.StepNode{
		Type:   "protocol",
		Fields: map[string]interface{}{protocol.FieldName: "测试流程"},
		Slots:  map[string][]*protocol.StepNode{protocol.SlotSteps: steps},
	}
}

func TestBuild_StructuralEdges(t *testing.T) {
	g, err := Build(proc(
		step("mixing", "mix-1", map[string]interface{}{protocol.FieldDuration: 300}),
		step("incubation", "inc-1", map[string]interface{}{protocol.FieldDuration: 600}),
	))
	require.NoError(t, err)

	// 根 + 两个子步骤
	assert.Len(t, g.Steps, 3)

	// 顺序后继之间是temporal边
	dep, ok := g.Edges[edgeID("mix-1", "inc-1", DepTemporal)]
	require.True(t, ok)
	assert.Equal(t, DepTemporal, dep.Kind)

	// 容器指向首个子步骤
	rootID := g.Roots()[0]
	assert.Contains(t, g.OrderingSuccessors(rootID), "mix-1")
}

func TestBuild_ControlFlowEdges(t *testing.T) {
	cond := step("conditional", "cond-1", map[string]interface{}{protocol.FieldCondition: "${ph} > 7"})
	cond.Slots = map[string][]*protocol.StepNode{
		protocol.SlotThen: {step("mixing", "then-1", nil)},
		protocol.SlotElse: {step("mixing", "else-1", nil)},
	}
	g, err := Build(proc(
		step("parameter", "ph-decl", map[string]interface{}{protocol.FieldVariable: "ph", protocol.FieldValue: 7.2}),
		cond,
	))
	require.NoError(t, err)

	// 条件步骤指向各分支头部的边是control_flow
	_, ok := g.Edges[edgeID("cond-1", "then-1", DepControlFlow)]
	assert.True(t, ok)
	_, ok = g.Edges[edgeID("cond-1", "else-1", DepControlFlow)]
	assert.True(t, ok)

	// 分支之间没有边
	_, ok = g.Edges[edgeID("then-1", "else-1", DepTemporal)]
	assert.False(t, ok)
}

func TestBuild_DataEdges(t *testing.T) {
	g, err := Build(proc(
		step("sample", "s-1", map[string]interface{}{protocol.FieldVariable: "blood_sample"}),
		step("measurement", "m-1", map[string]interface{}{
			protocol.FieldInstrument: "spectrometer-1",
			protocol.FieldValue:      "${blood_sample}",
			protocol.FieldOutput:     "od_reading",
		}),
	))
	require.NoError(t, err)

	dep, ok := g.Edges[edgeID("s-1", "m-1", DepData)]
	require.True(t, ok)
	assert.Equal(t, DepData, dep.Kind)
	assert.Empty(t, g.Findings)
}

// 未测序的两个步骤共用仪器：产生对称resource边
func TestBuild_ResourceConflict(t *testing.T) {
	par := step("parallel", "par-1", nil)
	par.Slots = map[string][]*protocol.StepNode{
		protocol.SlotBranch1: {step("instrument_op", "spin-a", map[string]interface{}{
			protocol.FieldInstrument: "centrifuge-1",
			protocol.FieldExclusive:  false,
		})},
		protocol.SlotBranch2: {step("instrument_op", "spin-b", map[string]interface{}{
			protocol.FieldInstrument: "centrifuge-1",
			protocol.FieldExclusive:  false,
		})},
	}
	g, err := Build(proc(par))
	require.NoError(t, err)

	_, ok := g.Edges[edgeID("spin-a", "spin-b", DepResource)]
	require.True(t, ok)
	assert.True(t, g.HasResourceConflict("spin-a", "spin-b"))
	assert.True(t, g.HasResourceConflict("spin-b", "spin-a"))

	// 资源边不参与层级：两个分支头的层级一致
	assert.Equal(t, g.OrderingPredecessors("spin-a"), g.OrderingPredecessors("spin-b"))
}

// 同一对步骤同时有temporal与data边：两条边都保留，构建不报重复
func TestBuild_OverlappingOrderingEdges(t *testing.T) {
	g, err := Build(proc(
		step("set_variable", "sv-1", map[string]interface{}{
			protocol.FieldVariable: "vol",
			protocol.FieldValue:    50,
		}),
		step("mixing", "mix-1", map[string]interface{}{
			protocol.FieldName: "加入 ${vol}uL",
		}),
	))
	require.NoError(t, err)

	_, ok := g.Edges[edgeID("sv-1", "mix-1", DepTemporal)]
	assert.True(t, ok)
	_, ok = g.Edges[edgeID("sv-1", "mix-1", DepData)]
	assert.True(t, ok)
	assert.Equal(t, []string{"mix-1"}, g.OrderingSuccessors("sv-1"))
}

// 三个无时序关系的步骤共用同一仪器：冲突必须两两成边，首尾不能漏
func TestBuild_ResourceConflictAllPairs(t *testing.T) {
	par := step("parallel", "par-1", nil)
	par.Slots = map[string][]*protocol.StepNode{
		protocol.SlotBranch1: {step("instrument_op", "spin-a", map[string]interface{}{
			protocol.FieldInstrument: "centrifuge-1",
			protocol.FieldExclusive:  false,
		})},
		protocol.SlotBranch2: {step("instrument_op", "spin-b", map[string]interface{}{
			protocol.FieldInstrument: "centrifuge-1",
			protocol.FieldExclusive:  false,
		})},
		protocol.SlotBranch3: {step("instrument_op", "spin-c", map[string]interface{}{
			protocol.FieldInstrument: "centrifuge-1",
			protocol.FieldExclusive:  false,
		})},
	}
	g, err := Build(proc(par))
	require.NoError(t, err)

	assert.True(t, g.HasResourceConflict("spin-a", "spin-b"))
	assert.True(t, g.HasResourceConflict("spin-b", "spin-c"))
	assert.True(t, g.HasResourceConflict("spin-a", "spin-c"))
	assert.True(t, g.HasResourceConflict("spin-c", "spin-a"))
}

// 有时序关系的两个步骤共用仪器：产生instrument_usage边而非resource边
func TestBuild_InstrumentUsageEdge(t *testing.T) {
	g, err := Build(proc(
		step("instrument_op", "heat-1", map[string]interface{}{protocol.FieldInstrument: "thermocycler-1"}),
		step("instrument_op", "heat-2", map[string]interface{}{protocol.FieldInstrument: "thermocycler-1"}),
	))
	require.NoError(t, err)

	_, ok := g.Edges[edgeID("heat-1", "heat-2", DepInstrumentUsage)]
	assert.True(t, ok)
	_, ok = g.Edges[edgeID("heat-1", "heat-2", DepResource)]
	assert.False(t, ok)
	assert.False(t, g.HasResourceConflict("heat-1", "heat-2"))
}

// 引用未声明变量：记为Finding，构建不失败
func TestBuild_UndeclaredVariable(t *testing.T) {
	g, err := Build(proc(
		step("mixing", "mix-1", map[string]interface{}{protocol.FieldValue: "${ghost_var}"}),
	))
	require.NoError(t, err)

	require.Len(t, g.Findings, 1)
	assert.Equal(t, FindingUndeclaredVariable, g.Findings[0].Code)
	assert.Equal(t, "mix-1", g.Findings[0].StepID)
}

// DEPENDS_ON闭环：返回CircularDependencyError并指明环上步骤
func TestBuild_CircularDependency(t *testing.T) {
	g, err := Build(proc(
		step("mixing", "mix-1", map[string]interface{}{protocol.FieldDependsOn: "inc-1"}),
		step("incubation", "inc-1", map[string]interface{}{protocol.FieldDuration: 60}),
	))
	require.Nil(t, g)
	require.Error(t, err)

	var circular *CircularDependencyError
	require.True(t, errors.As(err, &circular))
	assert.Contains(t, circular.Cycle, "mix-1")
	assert.Contains(t, circular.Cycle, "inc-1")
}

func TestBuild_ExplicitDependencies(t *testing.T) {
	t.Run("DEPENDS_ON产生temporal边", func(t *testing.T) {
		par := step("parallel", "par-1", nil)
		par.Slots = map[string][]*protocol.StepNode{
			protocol.SlotBranch1: {step("mixing", "mix-a", nil)},
			protocol.SlotBranch2: {step("mixing", "mix-b", map[string]interface{}{protocol.FieldDependsOn: "mix-a"})},
		}
		g, err := Build(proc(par))
		require.NoError(t, err)

		_, ok := g.Edges[edgeID("mix-a", "mix-b", DepTemporal)]
		assert.True(t, ok)
	})

	t.Run("引用不存在的步骤记为Finding", func(t *testing.T) {
		g, err := Build(proc(
			step("mixing", "mix-1", map[string]interface{}{protocol.FieldDependsOn: "no-such-step"}),
		))
		require.NoError(t, err)
		require.Len(t, g.Findings, 1)
		assert.Equal(t, FindingUnknownDependency, g.Findings[0].Code)
	})
}

func TestBuild_DuplicateStepID(t *testing.T) {
	_, err := Build(proc(
		step("mixing", "dup-1", nil),
		step("incubation", "dup-1", nil),
	))
	require.Error(t, err)

	var malformed *protocol.MalformedStepError
	require.True(t, errors.As(err, &malformed))
	assert.Equal(t, "dup-1", malformed.StepID)
}

func TestBuild_MalformedStep(t *testing.T) {
	_, err := Build(proc(
		&protocol.StepNode{Type: "levitation"},
	))
	var malformed *protocol.MalformedStepError
	require.True(t, errors.As(err, &malformed))
}

func TestGraphQueries(t *testing.T) {
	g, err := Build(proc(
		step("reagent", "r-decl", map[string]interface{}{protocol.FieldVariable: "buffer"}),
		step("mixing", "mix-1", map[string]interface{}{protocol.FieldReagent: "pbs-buffer"}),
		step("measurement", "m-1", map[string]interface{}{
			protocol.FieldInstrument: "reader-1",
			protocol.FieldOutput:     "result",
		}),
	))
	require.NoError(t, err)

	assert.Equal(t, []string{"reader-1"}, g.InstrumentIDs())
	assert.Equal(t, []string{"pbs-buffer"}, g.ReagentIDs())

	measurements := g.StepsOfKind(protocol.KindMeasurement)
	require.Len(t, measurements, 1)
	assert.Equal(t, "m-1", measurements[0].ID)

	// StepIDs按文档序
	ids := g.StepIDs()
	require.Len(t, ids, 4)
	assert.Equal(t, "r-decl", ids[1])
	assert.Equal(t, "mix-1", ids[2])
	assert.Equal(t, "m-1", ids[3])
}
