package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/labflow/protocol-engine/pkg/core/registry"
)

func TestRevalidationScheduler_Register(t *testing.T) {
	eng := NewEngine(registry.NewInMemoryRegistry())
	rs := eng.Revalidator()

	doc := testDocument("reval-1", 1)

	t.Run("注册合法Cron表达式", func(t *testing.T) {
		err := rs.Register(doc, "0 0 * * * *")
		require.NoError(t, err)
		assert.Contains(t, rs.Registered(), "reval-1")
	})

	t.Run("重复注册拒绝", func(t *testing.T) {
		err := rs.Register(doc, "0 0 * * * *")
		assert.Error(t, err)
	})

	t.Run("空表达式拒绝", func(t *testing.T) {
		err := rs.Register(testDocument("reval-2", 1), "")
		assert.Error(t, err)
	})

	t.Run("非法表达式拒绝", func(t *testing.T) {
		err := rs.Register(testDocument("reval-3", 1), "每小时一次")
		assert.Error(t, err)
		assert.NotContains(t, rs.Registered(), "reval-3")
	})
}

func TestRevalidationScheduler_Unregister(t *testing.T) {
	eng := NewEngine(registry.NewInMemoryRegistry())
	rs := eng.Revalidator()

	doc := testDocument("reval-del", 1)
	require.NoError(t, rs.Register(doc, "*/5 * * * * *"))

	require.NoError(t, rs.Unregister("reval-del"))
	assert.Empty(t, rs.Registered())

	// 再次取消注册报错
	assert.Error(t, rs.Unregister("reval-del"))
}

// 复检绕过缓存并在完成后替换旧缓存条目
func TestRevalidationScheduler_Trigger(t *testing.T) {
	sink := &memorySink{}
	eng := NewEngine(registry.NewInMemoryRegistry(), WithResultSink(sink))
	rs := eng.Revalidator()

	doc := testDocument("reval-run", 1)

	// 预热缓存
	_, err := eng.Analyze(context.Background(), &Request{Document: doc})
	require.NoError(t, err)
	require.Equal(t, 1, sink.count())

	// 直接触发复检：即使存在缓存也重新执行流水线
	rs.trigger(doc)
	assert.Equal(t, 2, sink.count())
}
