// Package engine 编排方案分析全流程：
// 解析 → 建图 → 调度分析 → 规则验证 → 风险评估
package engine

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/labflow/protocol-engine/pkg/core/advisor"
	"github.com/labflow/protocol-engine/pkg/core/cache"
	"github.com/labflow/protocol-engine/pkg/core/graph"
	"github.com/labflow/protocol-engine/pkg/core/protocol"
	"github.com/labflow/protocol-engine/pkg/core/registry"
	"github.com/labflow/protocol-engine/pkg/core/scheduler"
	"github.com/labflow/protocol-engine/pkg/core/validation"
)

// AnalysisType 分析类型（对外导出）
type AnalysisType string

const (
	AnalysisFull         AnalysisType = "full"         // 全量分析
	AnalysisDependencies AnalysisType = "dependencies" // 仅依赖图与调度
	AnalysisValidation   AnalysisType = "validation"   // 仅规则验证
	AnalysisRisk         AnalysisType = "risk"         // 风险与优化评估
)

// MaxBatchSize 批量分析的方案数上限
const MaxBatchSize = 10

// Request 分析请求（对外导出）
type Request struct {
	Document       *protocol.Document    `json:"document"`
	Type           AnalysisType          `json:"type"`
	Categories     []validation.Category `json:"categories,omitempty"`      // 为空时评估全部类别
	MinSeverity    validation.Severity   `json:"min_severity,omitempty"`    // 为空时不过滤
	MaxSuggestions int                   `json:"max_suggestions,omitempty"` // ≤0时取默认值
	SkipCache      bool                  `json:"skip_cache,omitempty"`
}

// Metadata 分析元数据（对外导出）
type Metadata struct {
	AnalyzedAt        time.Time     `json:"analyzed_at"`
	StepCount         int           `json:"step_count"`
	InstrumentCount   int           `json:"instrument_count"`
	ReagentCost       float64       `json:"reagent_cost"`
	EstimatedDuration time.Duration `json:"estimated_duration"`
	CacheHit          bool          `json:"cache_hit"`
	ElapsedMS         int64         `json:"elapsed_ms"`
}

// Result 分析结果（对外导出）
type Result struct {
	ID          string                 `json:"id"`
	ProcedureID string                 `json:"procedure_id"`
	Version     int                    `json:"version"`
	Type        AnalysisType           `json:"type"`
	Graph       *graph.DependencyGraph `json:"graph,omitempty"`
	Schedule    *scheduler.Schedule    `json:"schedule,omitempty"`
	Validation  *validation.Result     `json:"validation,omitempty"`
	Assessment  *advisor.Assessment    `json:"assessment,omitempty"`
	Metadata    Metadata               `json:"metadata"`
}

// ResultSink 分析结果持久化回调
// 由存储层实现，写入失败不影响分析结果返回
type ResultSink interface {
	SaveResult(ctx context.Context, result *Result) error
}

// BatchItem 批量分析的单项结果（对外导出）
type BatchItem struct {
	ProcedureID string  `json:"procedure_id"`
	Version     int     `json:"version"`
	Result      *Result `json:"result,omitempty"`
	Error       string  `json:"error,omitempty"`
}

// BatchResult 批量分析结果（对外导出）
// 单项失败不影响其余项
type BatchResult struct {
	Items     []BatchItem `json:"items"`
	Succeeded int         `json:"succeeded"`
	Failed    int         `json:"failed"`
}

// Engine 分析引擎核心结构体（对外导出）
type Engine struct {
	registry       registry.Registry
	rules          []validation.Rule
	flight         *cache.FlightCache
	bus            *EventBus
	sink           ResultSink
	revalidator    *RevalidationScheduler
	maxConcurrency int
	running        bool
	mu             sync.RWMutex
}

// Option Engine配置选项
type Option func(*Engine)

// WithResultSink 配置分析结果持久化
func WithResultSink(sink ResultSink) Option {
	return func(e *Engine) { e.sink = sink }
}

// WithRules 替换默认规则集
func WithRules(rules []validation.Rule) Option {
	return func(e *Engine) { e.rules = rules }
}

// WithCacheTTL 配置结果缓存有效期
func WithCacheTTL(ttl time.Duration) Option {
	return func(e *Engine) {
		e.flight = cache.NewFlightCache(cache.NewMemoryResultCache(), ttl)
	}
}

// WithMaxConcurrency 配置批量分析的最大并发数
func WithMaxConcurrency(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.maxConcurrency = n
		}
	}
}

// NewEngine 创建Engine实例（对外导出的工厂方法）
func NewEngine(reg registry.Registry, opts ...Option) *Engine {
	eng := &Engine{
		registry:       reg,
		rules:          validation.DefaultRules(),
		flight:         cache.NewFlightCache(cache.NewMemoryResultCache(), 10*time.Minute),
		bus:            NewEventBus(false),
		maxConcurrency: 4,
	}
	for _, opt := range opts {
		opt(eng)
	}
	eng.revalidator = NewRevalidationScheduler(eng)
	return eng
}

// Start 启动引擎（对外导出）
func (e *Engine) Start() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return
	}
	e.running = true
	e.revalidator.Start()
	log.Println("✅ 方案分析引擎已启动")
}

// Stop 停止引擎（对外导出）
func (e *Engine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.running {
		return
	}
	e.running = false
	e.revalidator.Stop()
	if err := e.bus.Close(); err != nil {
		log.Printf("关闭事件总线失败: %v", err)
	}
	log.Println("✅ 方案分析引擎已停止")
}

// Events 订阅分析事件流（对外导出）
func (e *Engine) Events(ctx context.Context) (<-chan *AnalysisEvent, error) {
	return e.bus.Subscribe(ctx)
}

// Revalidator 获取定时复检调度器（对外导出）
func (e *Engine) Revalidator() *RevalidationScheduler {
	return e.revalidator
}

// InvalidateCache 使指定方案版本的缓存失效（对外导出）
// 缓存键带分析类型后缀，每种类型的条目都要逐一清除
func (e *Engine) InvalidateCache(procedureID string, version int) error {
	base := cache.Key(procedureID, version)
	for _, t := range []AnalysisType{AnalysisFull, AnalysisDependencies, AnalysisValidation, AnalysisRisk} {
		if err := e.flight.Invalidate(base + ":" + string(t)); err != nil {
			return err
		}
	}
	return nil
}

// Analyze 执行方案分析（对外导出）
// 同一(方案ID, 版本, 分析类型)的并发请求合并为一次计算
func (e *Engine) Analyze(ctx context.Context, req *Request) (*Result, error) {
	if req == nil || req.Document == nil || req.Document.Root == nil {
		return nil, fmt.Errorf("分析请求缺少方案文档")
	}
	if req.Type == "" {
		req.Type = AnalysisFull
	}

	doc := req.Document
	if req.SkipCache {
		return e.analyze(ctx, req)
	}

	key := cache.Key(doc.ID, doc.Version) + ":" + string(req.Type)
	hit := true
	v, err := e.flight.Do(key, func() (interface{}, error) {
		hit = false
		return e.analyze(ctx, req)
	})
	if err != nil {
		return nil, err
	}

	result := v.(*Result)
	if hit {
		// 浅拷贝后再打命中标记，缓存中的共享结果保持不变
		copied := *result
		copied.Metadata.CacheHit = true
		e.publish(NewAnalysisEvent(EventAnalysisCacheHit, doc.ID, doc.Version, nil))
		return &copied, nil
	}
	return result, nil
}

// analyze 执行单次分析流水线（内部方法）
func (e *Engine) analyze(ctx context.Context, req *Request) (*Result, error) {
	doc := req.Document
	started := time.Now()
	e.publish(NewAnalysisEvent(EventAnalysisStarted, doc.ID, doc.Version, nil))

	// 1. 构建依赖图（所有分析类型的公共前置）
	g, err := graph.Build(doc.Root)
	if err != nil {
		e.publishFailure(doc, err)
		return nil, err
	}

	result := &Result{
		ID:          uuid.NewString(),
		ProcedureID: doc.ID,
		Version:     doc.Version,
		Type:        req.Type,
		Graph:       g,
	}

	// 2. 按分析类型选择流水线阶段
	needSchedule := req.Type == AnalysisFull || req.Type == AnalysisDependencies || req.Type == AnalysisRisk
	needValidation := req.Type == AnalysisFull || req.Type == AnalysisValidation || req.Type == AnalysisRisk
	needAssessment := req.Type == AnalysisFull || req.Type == AnalysisRisk

	if needSchedule {
		result.Schedule = scheduler.Analyze(g)
	}
	if needValidation {
		result.Validation = validation.Validate(g, e.registry, e.rules, validation.Options{
			Categories:  req.Categories,
			MinSeverity: req.MinSeverity,
		})
	}
	if needAssessment {
		result.Assessment = advisor.Assess(g, result.Validation, result.Schedule, e.registry, req.MaxSuggestions)
	}

	// 3. 填充元数据
	result.Metadata = e.buildMetadata(g, result.Schedule, started)

	// 4. 持久化（失败不影响结果返回）
	if e.sink != nil {
		if err := e.sink.SaveResult(ctx, result); err != nil {
			log.Printf("保存分析结果失败: ProcedureID=%s, Error=%v", doc.ID, err)
		}
	}

	payload := &CompletedPayload{
		AnalysisID: result.ID,
		ElapsedMS:  result.Metadata.ElapsedMS,
	}
	if result.Validation != nil {
		payload.Score = result.Validation.Score
		payload.IsValid = result.Validation.IsValid
	}
	e.publish(NewAnalysisEvent(EventAnalysisCompleted, doc.ID, doc.Version, payload))
	return result, nil
}

// buildMetadata 汇总分析元数据（内部方法）
func (e *Engine) buildMetadata(g *graph.DependencyGraph, sched *scheduler.Schedule, started time.Time) Metadata {
	meta := Metadata{
		AnalyzedAt:      started,
		StepCount:       len(g.Steps),
		InstrumentCount: len(g.InstrumentIDs()),
		ElapsedMS:       time.Since(started).Milliseconds(),
	}
	if sched != nil {
		meta.EstimatedDuration = sched.CriticalPath.Duration
	}

	// 试剂成本：注册表缺失的试剂按零成本计
	for _, id := range g.StepIDs() {
		for _, reagID := range g.Steps[id].Reagents {
			if info, err := e.registry.LookupReagent(reagID); err == nil {
				meta.ReagentCost += info.CostPerUse
			}
		}
	}
	return meta
}

// AnalyzeBatch 批量分析（对外导出）
// 超出MaxBatchSize直接拒绝；单项失败记录在对应项中，不中止其余项
func (e *Engine) AnalyzeBatch(ctx context.Context, reqs []*Request) (*BatchResult, error) {
	if len(reqs) == 0 {
		return &BatchResult{Items: []BatchItem{}}, nil
	}
	if len(reqs) > MaxBatchSize {
		return nil, fmt.Errorf("批量分析最多支持%d个方案，收到%d个", MaxBatchSize, len(reqs))
	}

	items := make([]BatchItem, len(reqs))
	sem := make(chan struct{}, e.maxConcurrency)
	var wg sync.WaitGroup

	for i, req := range reqs {
		wg.Add(1)
		go func(idx int, r *Request) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			item := BatchItem{}
			if r != nil && r.Document != nil {
				item.ProcedureID = r.Document.ID
				item.Version = r.Document.Version
			}

			result, err := e.Analyze(ctx, r)
			if err != nil {
				item.Error = err.Error()
			} else {
				item.Result = result
			}
			items[idx] = item
		}(i, req)
	}
	wg.Wait()

	batch := &BatchResult{Items: items}
	for _, item := range items {
		if item.Error != "" {
			batch.Failed++
		} else {
			batch.Succeeded++
		}
	}

	e.publish(NewAnalysisEvent(EventBatchCompleted, "", 0, map[string]int{
		"succeeded": batch.Succeeded,
		"failed":    batch.Failed,
	}))
	return batch, nil
}

// publish 发布事件（内部方法，失败仅记录日志）
func (e *Engine) publish(event *AnalysisEvent) {
	if err := e.bus.Publish(event); err != nil {
		log.Printf("发布事件失败: Type=%s, Error=%v", event.Type, err)
	}
}

// publishFailure 发布分析失败事件（内部方法）
func (e *Engine) publishFailure(doc *protocol.Document, err error) {
	e.publish(NewAnalysisEvent(EventAnalysisFailed, doc.ID, doc.Version, &FailedPayload{
		ErrorCode: errorCode(err),
		Message:   err.Error(),
	}))
}

// errorCode 错误分类（内部方法）
func errorCode(err error) string {
	switch err.(type) {
	case *graph.CircularDependencyError:
		return "circular_dependency"
	case *protocol.MalformedStepError:
		return "malformed_step"
	default:
		return "internal"
	}
}
