package storage

import (
	"time"
)

// ChargePoint 充电桩注册信息与状态
type ChargePoint struct {
	ID string `gorm:"primaryKey;size:50" json:"id"`

	// BootNotification必填字段
	Vendor *string `gorm:"size:20" json:"vendor"`
	Model  *string `gorm:"size:20" json:"model"`

	// BootNotification可选字段
	ChargePointSerialNumber *string `gorm:"size:25" json:"chargePointSerialNumber,omitempty"`
	ChargeBoxSerialNumber   *string `gorm:"size:25" json:"chargeBoxSerialNumber,omitempty"`
	FirmwareVersion         *string `gorm:"size:50" json:"firmwareVersion,omitempty"`
	Iccid                   *string `gorm:"size:20" json:"iccid,omitempty"`
	Imsi                    *string `gorm:"size:20" json:"imsi,omitempty"`
	MeterType               *string `gorm:"size:25" json:"meterType,omitempty"`
	MeterSerialNumber       *string `gorm:"size:25" json:"meterSerialNumber,omitempty"`

	// 状态跟踪
	Status   string     `gorm:"size:20;default:Unknown" json:"status"`
	LastSeen *time.Time `json:"lastSeen,omitempty"`
	IsOnline bool       `gorm:"default:false" json:"isOnline"`

	// 启动状态
	BootStatus *string `gorm:"size:10" json:"bootStatus,omitempty"`

	CreatedAt time.Time  `json:"createdAt"`
	UpdatedAt *time.Time `json:"updatedAt,omitempty"`
}

// TableName 指定表名
func (ChargePoint) TableName() string {
	return "charge_points"
}

// IdTag 授权标签
type IdTag struct {
	ID     uint   `gorm:"primaryKey;autoIncrement" json:"id"`
	Tag    string `gorm:"size:50;uniqueIndex" json:"tag"`
	Status string `gorm:"size:20;default:Accepted" json:"status"`

	UserName  *string `gorm:"size:100" json:"userName,omitempty"`
	UserEmail *string `gorm:"size:100" json:"userEmail,omitempty"`

	ExpiryDate  *time.Time `json:"expiryDate,omitempty"`
	ParentIdTag *string    `gorm:"size:50" json:"parentIdTag,omitempty"`

	CreatedAt time.Time  `json:"createdAt"`
	UpdatedAt *time.Time `json:"updatedAt,omitempty"`
}

// TableName 指定表名
func (IdTag) TableName() string {
	return "id_tags"
}

// Session 充电会话
type Session struct {
	ID            uint `gorm:"primaryKey;autoIncrement" json:"id"`
	TransactionID int  `gorm:"uniqueIndex" json:"transactionId"`

	// 部分唯一索引保证每个连接器同时最多一个Active会话
	ChargePointID string `gorm:"size:50;index;uniqueIndex:idx_sessions_active_connector,where:status = 'Active'" json:"chargePointId"`
	IdTagID       uint   `json:"idTagId"`

	ConnectorID int  `gorm:"uniqueIndex:idx_sessions_active_connector,where:status = 'Active'" json:"connectorId"`
	MeterStart  int  `json:"meterStart"`
	MeterStop   *int `json:"meterStop,omitempty"`

	StartTimestamp time.Time  `json:"startTimestamp"`
	StopTimestamp  *time.Time `json:"stopTimestamp,omitempty"`

	Status     string  `gorm:"size:20;default:Active" json:"status"`
	StopReason *string `gorm:"size:50" json:"stopReason,omitempty"`

	// 计算字段，单位kWh
	EnergyConsumed *float64 `json:"energyConsumed,omitempty"`
	Cost           *float64 `json:"cost,omitempty"`

	ReservationID *int `json:"reservationId,omitempty"`

	CreatedAt time.Time  `json:"createdAt"`
	UpdatedAt *time.Time `json:"updatedAt,omitempty"`
}

// TableName 指定表名
func (Session) TableName() string {
	return "sessions"
}

// 会话状态
const (
	SessionStatusActive    = "Active"
	SessionStatusCompleted = "Completed"
)

// MeterValueRecord 电表读数记录。
// SessionID可为空，transactionId未知时读数以孤儿形式保存。
type MeterValueRecord struct {
	ID        uint  `gorm:"primaryKey;autoIncrement" json:"id"`
	SessionID *uint `gorm:"index" json:"sessionId,omitempty"`

	Timestamp time.Time `json:"timestamp"`
	Value     float64   `json:"value"`
	Unit      string    `gorm:"size:10;default:Wh" json:"unit"`
	Measurand string    `gorm:"size:50;default:Energy.Active.Import.Register" json:"measurand"`
	Phase     *string   `gorm:"size:10" json:"phase,omitempty"`
	Location  string    `gorm:"size:20;default:Outlet" json:"location"`
	Context   string    `gorm:"size:20;default:Sample.Periodic" json:"context"`
	Format    string    `gorm:"size:10;default:Raw" json:"format"`

	CreatedAt time.Time `json:"createdAt"`
}

// TableName 指定表名
func (MeterValueRecord) TableName() string {
	return "meter_values"
}

// ConnectorStatusRecord 连接器状态历史记录
type ConnectorStatusRecord struct {
	ID            uint   `gorm:"primaryKey;autoIncrement" json:"id"`
	ChargePointID string `gorm:"size:50;index" json:"chargePointId"`

	// ConnectorID为0表示充电桩整体
	ConnectorID int    `json:"connectorId"`
	Status      string `gorm:"size:20" json:"status"`
	ErrorCode   string `gorm:"size:30" json:"errorCode"`

	Timestamp       *time.Time `json:"timestamp,omitempty"`
	Info            *string    `gorm:"size:50" json:"info,omitempty"`
	VendorID        *string    `gorm:"size:255" json:"vendorId,omitempty"`
	VendorErrorCode *string    `gorm:"size:50" json:"vendorErrorCode,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
}

// TableName 指定表名
func (ConnectorStatusRecord) TableName() string {
	return "connector_statuses"
}
