package message

import "github.com/charging-platform/central-system/internal/domain/events"

// EventProducer 定义了向消息队列发布统一业务事件的接口
type EventProducer interface {
	// PublishEvent 异步发布一个事件
	PublishEvent(event events.Event) error
	// Close 关闭生产者
	Close() error
}

// NopProducer 空实现，未配置Kafka时使用
type NopProducer struct{}

// PublishEvent 丢弃事件
func (NopProducer) PublishEvent(events.Event) error { return nil }

// Close 空操作
func (NopProducer) Close() error { return nil }
