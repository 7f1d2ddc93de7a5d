package scheduler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/labflow/protocol-engine/pkg/core/graph"
	"github.com/labflow/protocol-engine/pkg/core/protocol"
)

// diamond 构造菱形图：A(5m)→B(10m)→C(3m)，D(4m)→B，A与D相互独立
func diamond(t *testing.T) *graph.DependencyGraph {
	t.Helper()
	steps := []*graph.Step{
		{ID: "A", Kind: protocol.KindPreparation, Duration: 5 * time.Minute, Parallelizable: true, TreePos: 0},
		{ID: "D", Kind: protocol.KindPreparation, Duration: 4 * time.Minute, Parallelizable: true, TreePos: 1},
		{ID: "B", Kind: protocol.KindMixing, Duration: 10 * time.Minute, Parallelizable: true, TreePos: 2},
		{ID: "C", Kind: protocol.KindMeasurement, Duration: 3 * time.Minute, Parallelizable: true, TreePos: 3},
	}
	deps := []*graph.Dependency{
		{From: "A", To: "B", Kind: graph.DepTemporal},
		{From: "D", To: "B", Kind: graph.DepTemporal},
		{From: "B", To: "C", Kind: graph.DepTemporal},
	}
	g, err := graph.New(steps, deps)
	require.NoError(t, err)
	return g
}

func TestAnalyze_Levels(t *testing.T) {
	sched := Analyze(diamond(t))

	require.Len(t, sched.Levels, 3)
	assert.Equal(t, []string{"A", "D"}, sched.Levels[0])
	assert.Equal(t, []string{"B"}, sched.Levels[1])
	assert.Equal(t, []string{"C"}, sched.Levels[2])

	assert.Equal(t, 0, sched.LevelOf("A"))
	assert.Equal(t, 0, sched.LevelOf("D"))
	assert.Equal(t, 1, sched.LevelOf("B"))
	assert.Equal(t, 2, sched.LevelOf("C"))
	assert.Equal(t, -1, sched.LevelOf("ghost"))
}

func TestAnalyze_CriticalPath(t *testing.T) {
	sched := Analyze(diamond(t))

	// 5+10+3 > 4+10+3，关键路径走A
	assert.Equal(t, []string{"A", "B", "C"}, sched.CriticalPath.Steps)
	assert.Equal(t, 18*time.Minute, sched.CriticalPath.Duration)
}

func TestAnalyze_ParallelGroups(t *testing.T) {
	sched := Analyze(diamond(t))

	require.Len(t, sched.ParallelGroups, 1)
	pg := sched.ParallelGroups[0]
	assert.Equal(t, 0, pg.Level)
	assert.ElementsMatch(t, []string{"A", "D"}, pg.Steps)
	// 节省时间 = (5+4) − 5 = 4m
	assert.Equal(t, 4*time.Minute, pg.TimeSaving)
}

// 同层级的资源冲突步骤不得进入同一并行组
func TestAnalyze_ResourceConflictSplitsGroups(t *testing.T) {
	steps := []*graph.Step{
		{ID: "gate", Kind: protocol.KindParallel, TreePos: 0},
		{ID: "spin-a", Kind: protocol.KindInstrumentOp, Duration: 5 * time.Minute,
			Instruments: []string{"centrifuge-1"}, Parallelizable: true, TreePos: 1},
		{ID: "spin-b", Kind: protocol.KindInstrumentOp, Duration: 5 * time.Minute,
			Instruments: []string{"centrifuge-1"}, Parallelizable: true, TreePos: 2},
	}
	deps := []*graph.Dependency{
		{From: "gate", To: "spin-a", Kind: graph.DepControlFlow},
		{From: "gate", To: "spin-b", Kind: graph.DepControlFlow},
		{From: "spin-a", To: "spin-b", Kind: graph.DepResource},
		{From: "spin-b", To: "spin-a", Kind: graph.DepResource},
	}
	g, err := graph.New(steps, deps)
	require.NoError(t, err)

	sched := Analyze(g)

	// 两个步骤同层
	assert.Equal(t, sched.LevelOf("spin-a"), sched.LevelOf("spin-b"))

	// 但绝不同组
	for _, pg := range sched.ParallelGroups {
		members := make(map[string]bool)
		for _, id := range pg.Steps {
			members[id] = true
		}
		assert.False(t, members["spin-a"] && members["spin-b"],
			"资源冲突的步骤出现在同一并行组: %v", pg.Steps)
	}
}

// 不可并行的步骤（独占仪器操作、检查点）不进入并行组
func TestAnalyze_NonParallelizableExcluded(t *testing.T) {
	steps := []*graph.Step{
		{ID: "mix-1", Kind: protocol.KindMixing, Duration: 2 * time.Minute, Parallelizable: true, TreePos: 0},
		{ID: "op-1", Kind: protocol.KindInstrumentOp, Duration: 2 * time.Minute, Parallelizable: false, TreePos: 1},
		{ID: "cp-1", Kind: protocol.KindCheckpoint, Parallelizable: false, TreePos: 2},
	}
	g, err := graph.New(steps, nil)
	require.NoError(t, err)

	sched := Analyze(g)
	for _, pg := range sched.ParallelGroups {
		assert.NotContains(t, pg.Steps, "op-1")
		assert.NotContains(t, pg.Steps, "cp-1")
	}
}

func TestAnalyze_Bottlenecks(t *testing.T) {
	t.Run("关键路径上的必经步骤", func(t *testing.T) {
		sched := Analyze(diamond(t))

		kinds := make(map[string]string)
		for _, b := range sched.Bottlenecks {
			kinds[b.StepID] = b.Kind
		}
		// 移除B后关键路径从18m缩短，B是瓶颈
		assert.Equal(t, BottleneckCriticalStep, kinds["B"])
	})

	t.Run("独占仪器跨相邻层级占用", func(t *testing.T) {
		// A与B路径等长：移除A不缩短关键路径，A才进入仪器占用检测
		steps := []*graph.Step{
			{ID: "heat-1", Kind: protocol.KindInstrumentOp, Duration: 10 * time.Minute,
				Instruments: []string{"thermocycler-1"}, TreePos: 0},
			{ID: "mix-1", Kind: protocol.KindMixing, Duration: 10 * time.Minute,
				Parallelizable: true, TreePos: 1},
			{ID: "heat-2", Kind: protocol.KindInstrumentOp, Duration: 5 * time.Minute,
				Instruments: []string{"thermocycler-1"}, TreePos: 2},
		}
		deps := []*graph.Dependency{
			{From: "heat-1", To: "heat-2", Kind: graph.DepInstrumentUsage},
			{From: "mix-1", To: "heat-2", Kind: graph.DepTemporal},
		}
		g, err := graph.New(steps, deps)
		require.NoError(t, err)

		sched := Analyze(g)

		found := false
		for _, b := range sched.Bottlenecks {
			if b.Kind == BottleneckExclusiveInstrument {
				found = true
				assert.Equal(t, "heat-1", b.StepID)
				assert.Equal(t, "thermocycler-1", b.Instrument)
			}
		}
		assert.True(t, found, "未检测到独占仪器瓶颈: %+v", sched.Bottlenecks)
	})
}

// Analyze是纯函数：重复调用结果一致，且不修改图
func TestAnalyze_Idempotent(t *testing.T) {
	g := diamond(t)

	first := Analyze(g)
	second := Analyze(g)

	assert.Equal(t, first, second)
	assert.Len(t, g.Steps, 4)
	assert.Len(t, g.Edges, 3)
}

func TestAnalyze_EmptyGraph(t *testing.T) {
	g, err := graph.New(nil, nil)
	require.NoError(t, err)

	sched := Analyze(g)
	assert.Empty(t, sched.Levels)
	assert.Empty(t, sched.CriticalPath.Steps)
	assert.Zero(t, sched.CriticalPath.Duration)
}
