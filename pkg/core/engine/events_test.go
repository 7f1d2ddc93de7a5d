package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/labflow/protocol-engine/pkg/core/registry"
)

func TestEventBus_PublishSubscribe(t *testing.T) {
	bus := NewEventBus(false)
	defer bus.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events, err := bus.Subscribe(ctx)
	require.NoError(t, err)

	sent := NewAnalysisEvent(EventAnalysisStarted, "pcr-1", 2, nil)
	require.NoError(t, bus.Publish(sent))

	select {
	case got := <-events:
		assert.Equal(t, sent.ID, got.ID)
		assert.Equal(t, EventAnalysisStarted, got.Type)
		assert.Equal(t, "pcr-1", got.ProcedureID)
		assert.Equal(t, 2, got.Version)
	case <-time.After(2 * time.Second):
		t.Fatal("等待事件超时")
	}
}

// 连续发布的事件按发布顺序到达
func TestEventBus_PublishOrderPreserved(t *testing.T) {
	bus := NewEventBus(false)
	defer bus.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events, err := bus.Subscribe(ctx)
	require.NoError(t, err)

	require.NoError(t, bus.Publish(NewAnalysisEvent(EventAnalysisStarted, "seq-1", 1, nil)))
	require.NoError(t, bus.Publish(NewAnalysisEvent(EventAnalysisCompleted, "seq-1", 1, nil)))

	var got []EventType
	timeout := time.After(3 * time.Second)
	for len(got) < 2 {
		select {
		case ev := <-events:
			got = append(got, ev.Type)
		case <-timeout:
			t.Fatalf("等待事件超时，已收到: %v", got)
		}
	}
	assert.Equal(t, []EventType{EventAnalysisStarted, EventAnalysisCompleted}, got)
}

func TestEventBus_SubscriptionClosedOnCancel(t *testing.T) {
	bus := NewEventBus(false)
	defer bus.Close()

	ctx, cancel := context.WithCancel(context.Background())
	events, err := bus.Subscribe(ctx)
	require.NoError(t, err)

	cancel()

	select {
	case _, open := <-events:
		assert.False(t, open, "取消订阅后channel应关闭")
	case <-time.After(2 * time.Second):
		t.Fatal("等待channel关闭超时")
	}
}

// 分析流水线发布生命周期事件
func TestEngine_AnalysisEvents(t *testing.T) {
	eng := NewEngine(registry.NewInMemoryRegistry())
	defer eng.Stop()
	eng.Start()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events, err := eng.Events(ctx)
	require.NoError(t, err)

	_, err = eng.Analyze(ctx, &Request{Document: testDocument("evented", 1)})
	require.NoError(t, err)

	seen := make(map[EventType]bool)
	timeout := time.After(3 * time.Second)
	for !seen[EventAnalysisCompleted] {
		select {
		case ev := <-events:
			seen[ev.Type] = true
		case <-timeout:
			t.Fatalf("未收到完成事件，已收到: %v", seen)
		}
	}
	assert.True(t, seen[EventAnalysisStarted])

	// 缓存命中事件
	_, err = eng.Analyze(ctx, &Request{Document: testDocument("evented", 1)})
	require.NoError(t, err)

	timeout = time.After(3 * time.Second)
	for !seen[EventAnalysisCacheHit] {
		select {
		case ev := <-events:
			seen[ev.Type] = true
		case <-timeout:
			t.Fatalf("未收到缓存命中事件，已收到: %v", seen)
		}
	}
}
