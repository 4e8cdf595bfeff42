package events

import (
	"time"
)

// EventType 事件类型
type EventType string

const (
	// 充电桩生命周期事件
	EventTypeChargePointConnected    EventType = "charge_point.connected"
	EventTypeChargePointDisconnected EventType = "charge_point.disconnected"

	// 状态事件
	EventTypeConnectorStatusChanged EventType = "connector.status_changed"

	// 交易事件
	EventTypeTransactionStarted EventType = "transaction.started"
	EventTypeTransactionStopped EventType = "transaction.stopped"
)

// EventSeverity 事件严重程度
type EventSeverity string

const (
	EventSeverityInfo    EventSeverity = "info"
	EventSeverityWarning EventSeverity = "warning"
	EventSeverityError   EventSeverity = "error"
)

// TransactionInfo 交易信息
type TransactionInfo struct {
	TransactionID int        `json:"transaction_id"`
	ChargePointID string     `json:"charge_point_id"`
	ConnectorID   int        `json:"connector_id"`
	IdTag         string     `json:"id_tag,omitempty"`
	StartTime     time.Time  `json:"start_time"`
	EndTime       *time.Time `json:"end_time,omitempty"`
	MeterStart    int        `json:"meter_start"`
	MeterStop     *int       `json:"meter_stop,omitempty"`
	// 单位kWh
	EnergyConsumed *float64 `json:"energy_consumed,omitempty"`
	StopReason     *string  `json:"stop_reason,omitempty"`
}

// ConnectorInfo 连接器信息，ID为0表示充电桩整体
type ConnectorInfo struct {
	ID            int    `json:"id"`
	ChargePointID string `json:"charge_point_id"`
	Status        string `json:"status"`
	ErrorCode     string `json:"error_code"`
}

// Metadata 事件元数据
type Metadata struct {
	Source    string  `json:"source"`
	MessageID *string `json:"message_id,omitempty"`
}
