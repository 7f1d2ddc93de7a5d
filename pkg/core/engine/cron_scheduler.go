package engine

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/robfig/cron/v3"

	"github.com/labflow/protocol-engine/pkg/core/protocol"
)

// RevalidationScheduler 定时复检调度器（对外导出）
// 仪器校准状态与试剂库存会随时间变化，已注册的方案
// 按Cron表达式周期性地重新走完整分析流水线
type RevalidationScheduler struct {
	cron      *cron.Cron
	engine    *Engine
	documents map[string]*protocol.Document // procedureID -> Document映射
	entries   map[string]cron.EntryID       // procedureID -> cron.EntryID映射
	mu        sync.RWMutex
}

// NewRevalidationScheduler 创建定时复检调度器（对外导出）
func NewRevalidationScheduler(eng *Engine) *RevalidationScheduler {
	return &RevalidationScheduler{
		cron:      cron.New(cron.WithSeconds()), // 支持秒级精度
		engine:    eng,
		documents: make(map[string]*protocol.Document),
		entries:   make(map[string]cron.EntryID),
	}
}

// Register 注册方案到定时复检（对外导出）
func (rs *RevalidationScheduler) Register(doc *protocol.Document, cronExpr string) error {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if _, exists := rs.documents[doc.ID]; exists {
		return fmt.Errorf("方案 %s 已注册到定时复检", doc.ID)
	}
	if cronExpr == "" {
		return fmt.Errorf("方案 %s 未设置Cron表达式", doc.ID)
	}

	// 验证Cron表达式（使用Parser支持秒级精度）
	parser := cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	if _, err := parser.Parse(cronExpr); err != nil {
		return fmt.Errorf("方案 %s 的Cron表达式无效: %w", doc.ID, err)
	}

	entryID, err := rs.cron.AddFunc(cronExpr, func() {
		rs.trigger(doc)
	})
	if err != nil {
		return fmt.Errorf("添加Cron任务失败: %w", err)
	}

	rs.documents[doc.ID] = doc
	rs.entries[doc.ID] = entryID

	log.Printf("✅ [复检调度器] 已注册方案: ID=%s, Name=%s, CronExpr=%s", doc.ID, doc.Name, cronExpr)
	return nil
}

// Unregister 取消方案的定时复检（对外导出）
func (rs *RevalidationScheduler) Unregister(procedureID string) error {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	entryID, exists := rs.entries[procedureID]
	if !exists {
		return fmt.Errorf("方案 %s 未注册到定时复检", procedureID)
	}

	rs.cron.Remove(entryID)
	delete(rs.documents, procedureID)
	delete(rs.entries, procedureID)

	log.Printf("✅ [复检调度器] 已取消注册方案: ID=%s", procedureID)
	return nil
}

// trigger 触发方案复检（内部方法）
// 复检绕过缓存，注册表的最新状态必须反映在结果里
func (rs *RevalidationScheduler) trigger(doc *protocol.Document) {
	log.Printf("🕐 [复检调度器] 触发方案复检: ID=%s, Name=%s", doc.ID, doc.Name)

	rs.engine.publish(NewAnalysisEvent(EventRevalidation, doc.ID, doc.Version, nil))

	ctx := context.Background()
	_, err := rs.engine.Analyze(ctx, &Request{
		Document:  doc,
		Type:      AnalysisFull,
		SkipCache: true,
	})
	if err != nil {
		log.Printf("❌ [复检调度器] 方案复检失败: ID=%s, Error=%v", doc.ID, err)
		return
	}

	// 复检结果替换旧缓存
	if err := rs.engine.InvalidateCache(doc.ID, doc.Version); err != nil {
		log.Printf("⚠️ [复检调度器] 缓存失效失败: ID=%s, Error=%v", doc.ID, err)
	}
	log.Printf("✅ [复检调度器] 方案复检完成: ID=%s", doc.ID)
}

// Start 启动定时复检调度器（对外导出）
func (rs *RevalidationScheduler) Start() {
	rs.cron.Start()
	log.Println("✅ [复检调度器] 已启动")
}

// Stop 停止定时复检调度器（对外导出）
func (rs *RevalidationScheduler) Stop() {
	rs.cron.Stop()
	log.Println("✅ [复检调度器] 已停止")
}

// Registered 获取已注册复检的方案ID列表（对外导出）
func (rs *RevalidationScheduler) Registered() []string {
	rs.mu.RLock()
	defer rs.mu.RUnlock()

	ids := make([]string, 0, len(rs.documents))
	for id := range rs.documents {
		ids = append(ids, id)
	}
	return ids
}
