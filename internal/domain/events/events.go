package events

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Event 统一业务事件接口
type Event interface {
	// GetID 获取事件ID
	GetID() string
	// GetType 获取事件类型
	GetType() EventType
	// GetChargePointID 获取充电桩ID
	GetChargePointID() string
	// GetTimestamp 获取事件时间戳
	GetTimestamp() time.Time
	// GetSeverity 获取事件严重程度
	GetSeverity() EventSeverity
	// GetMetadata 获取事件元数据
	GetMetadata() Metadata
	// GetPayload 获取事件载荷
	GetPayload() interface{}
	// ToJSON 序列化为JSON
	ToJSON() ([]byte, error)
}

// BaseEvent 基础事件结构
type BaseEvent struct {
	ID            string        `json:"id"`
	Type          EventType     `json:"type"`
	ChargePointID string        `json:"charge_point_id"`
	Timestamp     time.Time     `json:"timestamp"`
	Severity      EventSeverity `json:"severity"`
	Metadata      Metadata      `json:"metadata"`
	Payload       interface{}   `json:"payload"`
}

// NewBaseEvent 创建基础事件，自动生成ID与UTC时间戳
func NewBaseEvent(eventType EventType, chargePointID string, severity EventSeverity, payload interface{}) BaseEvent {
	return BaseEvent{
		ID:            uuid.New().String(),
		Type:          eventType,
		ChargePointID: chargePointID,
		Timestamp:     time.Now().UTC(),
		Severity:      severity,
		Metadata: Metadata{
			Source: "central-system",
		},
		Payload: payload,
	}
}

// GetID 实现Event接口
func (e *BaseEvent) GetID() string {
	return e.ID
}

// GetType 实现Event接口
func (e *BaseEvent) GetType() EventType {
	return e.Type
}

// GetChargePointID 实现Event接口
func (e *BaseEvent) GetChargePointID() string {
	return e.ChargePointID
}

// GetTimestamp 实现Event接口
func (e *BaseEvent) GetTimestamp() time.Time {
	return e.Timestamp
}

// GetSeverity 实现Event接口
func (e *BaseEvent) GetSeverity() EventSeverity {
	return e.Severity
}

// GetMetadata 实现Event接口
func (e *BaseEvent) GetMetadata() Metadata {
	return e.Metadata
}

// GetPayload 实现Event接口
func (e *BaseEvent) GetPayload() interface{} {
	return e.Payload
}

// ToJSON 实现Event接口
func (e *BaseEvent) ToJSON() ([]byte, error) {
	return json.Marshal(e)
}

// ChargePointConnectedPayload 充电桩接入事件载荷
type ChargePointConnectedPayload struct {
	InstanceID string `json:"instance_id"`
}

// ChargePointConnectedEvent 充电桩接入事件
type ChargePointConnectedEvent struct {
	BaseEvent
}

// NewChargePointConnectedEvent 创建充电桩接入事件
func NewChargePointConnectedEvent(chargePointID string, instanceID string) *ChargePointConnectedEvent {
	payload := ChargePointConnectedPayload{InstanceID: instanceID}
	return &ChargePointConnectedEvent{
		BaseEvent: NewBaseEvent(EventTypeChargePointConnected, chargePointID, EventSeverityInfo, payload),
	}
}

// ChargePointDisconnectedPayload 充电桩断开事件载荷
type ChargePointDisconnectedPayload struct {
	InstanceID string `json:"instance_id"`
	Reason     string `json:"reason,omitempty"`
}

// ChargePointDisconnectedEvent 充电桩断开事件
type ChargePointDisconnectedEvent struct {
	BaseEvent
}

// NewChargePointDisconnectedEvent 创建充电桩断开事件
func NewChargePointDisconnectedEvent(chargePointID string, instanceID string, reason string) *ChargePointDisconnectedEvent {
	payload := ChargePointDisconnectedPayload{InstanceID: instanceID, Reason: reason}
	return &ChargePointDisconnectedEvent{
		BaseEvent: NewBaseEvent(EventTypeChargePointDisconnected, chargePointID, EventSeverityInfo, payload),
	}
}

// ConnectorStatusChangedEvent 连接器状态变更事件
type ConnectorStatusChangedEvent struct {
	BaseEvent
}

// NewConnectorStatusChangedEvent 创建连接器状态变更事件，Faulted状态提升为error级别
func NewConnectorStatusChangedEvent(chargePointID string, connector ConnectorInfo) *ConnectorStatusChangedEvent {
	severity := EventSeverityInfo
	if connector.Status == "Faulted" {
		severity = EventSeverityError
	}
	return &ConnectorStatusChangedEvent{
		BaseEvent: NewBaseEvent(EventTypeConnectorStatusChanged, chargePointID, severity, connector),
	}
}

// TransactionStartedEvent 交易开始事件
type TransactionStartedEvent struct {
	BaseEvent
}

// NewTransactionStartedEvent 创建交易开始事件
func NewTransactionStartedEvent(chargePointID string, tx TransactionInfo) *TransactionStartedEvent {
	return &TransactionStartedEvent{
		BaseEvent: NewBaseEvent(EventTypeTransactionStarted, chargePointID, EventSeverityInfo, tx),
	}
}

// TransactionStoppedEvent 交易结束事件
type TransactionStoppedEvent struct {
	BaseEvent
}

// NewTransactionStoppedEvent 创建交易结束事件
func NewTransactionStoppedEvent(chargePointID string, tx TransactionInfo) *TransactionStoppedEvent {
	return &TransactionStoppedEvent{
		BaseEvent: NewBaseEvent(EventTypeTransactionStopped, chargePointID, EventSeverityInfo, tx),
	}
}
