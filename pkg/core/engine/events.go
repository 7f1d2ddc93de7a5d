package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/google/uuid"
)

// EventType 分析事件类型
type EventType string

const (
	// 分析生命周期事件
	EventAnalysisStarted   EventType = "analysis.started"   // 分析开始
	EventAnalysisCompleted EventType = "analysis.completed" // 分析完成
	EventAnalysisFailed    EventType = "analysis.failed"    // 分析失败
	EventAnalysisCacheHit  EventType = "analysis.cache_hit" // 缓存命中

	// 批量分析事件
	EventBatchCompleted EventType = "batch.completed" // 批量分析完成

	// 定时复检事件
	EventRevalidation EventType = "revalidation.triggered" // 定时复检触发
)

// 所有事件共用的发布主题，订阅方按Type字段过滤
const eventTopic = "analysis.events"

// AnalysisEvent 分析事件（对外导出）
type AnalysisEvent struct {
	ID          string      `json:"id"`           // 事件ID（UUID）
	Type        EventType   `json:"type"`         // 事件类型
	ProcedureID string      `json:"procedure_id"` // 关联方案ID
	Version     int         `json:"version"`      // 方案版本
	Timestamp   time.Time   `json:"timestamp"`    // 事件时间
	Payload     interface{} `json:"payload,omitempty"`
}

// NewAnalysisEvent 创建分析事件
func NewAnalysisEvent(eventType EventType, procedureID string, version int, payload interface{}) *AnalysisEvent {
	return &AnalysisEvent{
		ID:          uuid.NewString(),
		Type:        eventType,
		ProcedureID: procedureID,
		Version:     version,
		Timestamp:   time.Now(),
		Payload:     payload,
	}
}

// CompletedPayload 分析完成事件负载
type CompletedPayload struct {
	AnalysisID string  `json:"analysis_id"`
	Score      float64 `json:"score"`
	IsValid    bool    `json:"is_valid"`
	ElapsedMS  int64   `json:"elapsed_ms"`
}

// FailedPayload 分析失败事件负载
type FailedPayload struct {
	ErrorCode string `json:"error_code"`
	Message   string `json:"message"`
}

// EventBus 基于内存Pub/Sub的分析事件总线（对外导出）
type EventBus struct {
	pubsub *gochannel.GoChannel
	logger watermill.LoggerAdapter
}

// NewEventBus 创建事件总线实例（对外导出）
func NewEventBus(debug bool) *EventBus {
	logger := watermill.NewStdLogger(debug, false)
	// 必须等待订阅方Ack：gochannel在不等待时按消息各起协程投递，
	// 连续发布的started/completed会乱序到达
	pubsub := gochannel.NewGoChannel(
		gochannel.Config{
			Persistent:                     false,
			BlockPublishUntilSubscriberAck: true,
		},
		logger,
	)
	return &EventBus{
		pubsub: pubsub,
		logger: logger,
	}
}

// Publish 发布分析事件
func (b *EventBus) Publish(event *AnalysisEvent) error {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("序列化事件失败: %w", err)
	}

	msg := message.NewMessage(event.ID, payload)
	msg.Metadata.Set("event_type", string(event.Type))
	msg.Metadata.Set("procedure_id", event.ProcedureID)
	msg.Metadata.Set("timestamp", event.Timestamp.Format(time.RFC3339Nano))

	if err := b.pubsub.Publish(eventTopic, msg); err != nil {
		return fmt.Errorf("发布事件失败: %w", err)
	}
	return nil
}

// Subscribe 订阅分析事件流
// 返回的channel在ctx取消后关闭；反序列化失败的消息被跳过
func (b *EventBus) Subscribe(ctx context.Context) (<-chan *AnalysisEvent, error) {
	messages, err := b.pubsub.Subscribe(ctx, eventTopic)
	if err != nil {
		return nil, fmt.Errorf("订阅事件失败: %w", err)
	}

	// 缓冲让发布方在消费方短暂落后时不被阻塞
	events := make(chan *AnalysisEvent, 64)
	go func() {
		defer close(events)
		for msg := range messages {
			var event AnalysisEvent
			if err := json.Unmarshal(msg.Payload, &event); err != nil {
				msg.Ack()
				continue
			}
			msg.Ack()
			select {
			case events <- &event:
			case <-ctx.Done():
				return
			}
		}
	}()
	return events, nil
}

// Close 关闭事件总线
func (b *EventBus) Close() error {
	return b.pubsub.Close()
}
