package sqlite

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/labflow/protocol-engine/pkg/core/engine"
	"github.com/labflow/protocol-engine/pkg/core/validation"
	"github.com/labflow/protocol-engine/pkg/storage"
)

// newTestRepo 创建基于临时文件的Repository
func newTestRepo(t *testing.T) *AnalysisRepo {
	t.Helper()
	repo, err := NewAnalysisRepoFromDSN(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })
	return repo
}

// sampleRecord 构造带完整分析结果的测试记录
func sampleRecord(id, procedureID string, version int) *storage.AnalysisRecord {
	result := &engine.Result{
		ID:          id,
		ProcedureID: procedureID,
		Version:     version,
		Type:        engine.AnalysisFull,
		Validation: &validation.Result{
			Score:   87.5,
			IsValid: true,
		},
		Metadata: engine.Metadata{
			AnalyzedAt:        time.Now(),
			StepCount:         5,
			EstimatedDuration: 18 * time.Minute,
			ReagentCost:       12.5,
		},
	}
	return storage.NewRecord(result)
}

func TestAnalysisRepo_SaveAndGet(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	record := sampleRecord("an-1", "pcr-basic", 3)
	require.NoError(t, repo.Save(ctx, record))

	got, err := repo.GetByID(ctx, "an-1")
	require.NoError(t, err)

	assert.Equal(t, "pcr-basic", got.ProcedureID)
	assert.Equal(t, 3, got.Version)
	assert.Equal(t, "full", got.Type)
	assert.InDelta(t, 87.5, got.Score, 1e-9)
	assert.True(t, got.IsValid)
	assert.Equal(t, 5, got.StepCount)
	assert.Equal(t, 18*time.Minute, got.EstimatedDuration)
	assert.InDelta(t, 12.5, got.ReagentCost, 1e-9)

	// 完整分析结果随记录一起恢复
	require.NotNil(t, got.Result)
	assert.Equal(t, "an-1", got.Result.ID)
	assert.InDelta(t, 87.5, got.Result.Validation.Score, 1e-9)
}

func TestAnalysisRepo_Upsert(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	record := sampleRecord("an-1", "pcr-basic", 1)
	require.NoError(t, repo.Save(ctx, record))

	// 同ID覆盖写
	record.Score = 60
	record.IsValid = false
	require.NoError(t, repo.Save(ctx, record))

	got, err := repo.GetByID(ctx, "an-1")
	require.NoError(t, err)
	assert.InDelta(t, 60.0, got.Score, 1e-9)
	assert.False(t, got.IsValid)

	records, err := repo.ListByProcedure(ctx, "pcr-basic", 0)
	require.NoError(t, err)
	assert.Len(t, records, 1, "覆盖写不产生重复记录")
}

func TestAnalysisRepo_GetByID_NotFound(t *testing.T) {
	repo := newTestRepo(t)
	_, err := repo.GetByID(context.Background(), "ghost")
	assert.ErrorIs(t, err, storage.ErrRecordNotFound)
}

func TestAnalysisRepo_ListByProcedure(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	base := time.Now().Add(-time.Hour)
	for i := 0; i < 5; i++ {
		record := sampleRecord(fmt.Sprintf("an-%d", i), "elisa-1", i+1)
		record.CreateTime = base.Add(time.Duration(i) * time.Minute)
		require.NoError(t, repo.Save(ctx, record))
	}
	// 其他方案的记录不应出现
	require.NoError(t, repo.Save(ctx, sampleRecord("other-1", "pcr-2", 1)))

	t.Run("按时间倒序", func(t *testing.T) {
		records, err := repo.ListByProcedure(ctx, "elisa-1", 0)
		require.NoError(t, err)
		require.Len(t, records, 5)
		assert.Equal(t, "an-4", records[0].ID)
		assert.Equal(t, "an-0", records[4].ID)
	})

	t.Run("limit限制", func(t *testing.T) {
		records, err := repo.ListByProcedure(ctx, "elisa-1", 2)
		require.NoError(t, err)
		require.Len(t, records, 2)
		assert.Equal(t, "an-4", records[0].ID)
	})

	t.Run("无记录返回空列表", func(t *testing.T) {
		records, err := repo.ListByProcedure(ctx, "unknown", 0)
		require.NoError(t, err)
		assert.Empty(t, records)
	})
}

func TestAnalysisRepo_Delete(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	require.NoError(t, repo.Save(ctx, sampleRecord("an-del", "pcr-1", 1)))
	require.NoError(t, repo.Delete(ctx, "an-del"))

	_, err := repo.GetByID(ctx, "an-del")
	assert.ErrorIs(t, err, storage.ErrRecordNotFound)

	assert.ErrorIs(t, repo.Delete(ctx, "an-del"), storage.ErrRecordNotFound)
}

// Sink将分析结果转为历史记录落盘
func TestSink_SaveResult(t *testing.T) {
	repo := newTestRepo(t)
	sink := storage.NewSink(repo)

	result := &engine.Result{
		ID:          "an-sink",
		ProcedureID: "pcr-1",
		Version:     2,
		Type:        engine.AnalysisValidation,
		Validation:  &validation.Result{Score: 92, IsValid: true},
		Metadata:    engine.Metadata{AnalyzedAt: time.Now(), StepCount: 3},
	}
	require.NoError(t, sink.SaveResult(context.Background(), result))

	got, err := repo.GetByID(context.Background(), "an-sink")
	require.NoError(t, err)
	assert.Equal(t, "validation", got.Type)
	assert.InDelta(t, 92.0, got.Score, 1e-9)
}
