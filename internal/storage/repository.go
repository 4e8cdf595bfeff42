package storage

import (
	"context"
	"errors"
	"time"
)

// 交易ID取值范围，6位随机数
const (
	TxIDMin = 100000
	TxIDMax = 999999
)

// MaxTxIDAttempts 分配交易ID时的最大重试次数
const MaxTxIDAttempts = 16

var (
	// ErrNotFound 记录不存在
	ErrNotFound = errors.New("record not found")
	// ErrTxIDExhausted 交易ID分配重试耗尽
	ErrTxIDExhausted = errors.New("transaction id allocation attempts exhausted")
	// ErrActiveSessionExists 同一连接器上已存在Active会话
	ErrActiveSessionExists = errors.New("active session already exists on connector")
)

// BootInfo BootNotification携带的注册信息
type BootInfo struct {
	Vendor                  string
	Model                   string
	ChargePointSerialNumber *string
	ChargeBoxSerialNumber   *string
	FirmwareVersion         *string
	Iccid                   *string
	Imsi                    *string
	MeterType               *string
	MeterSerialNumber       *string
	BootStatus              string
}

// NewSession CreateSession的输入，TransactionID由仓库分配
type NewSession struct {
	ChargePointID  string
	IdTagID        uint
	ConnectorID    int
	MeterStart     int
	StartTimestamp time.Time
	ReservationID  *int
}

// StopSessionUpdate StopSession的输入
type StopSessionUpdate struct {
	MeterStop     int
	StopTimestamp time.Time
	Reason        *string
}

// Repository 持久化仓库接口。
// 所有时间参数均为UTC。实现必须保证每个方法是独立的原子操作。
type Repository interface {
	// UpsertChargePointBoot 按BootNotification创建或更新充电桩记录
	UpsertChargePointBoot(ctx context.Context, chargePointID string, info BootInfo, now time.Time) (*ChargePoint, error)

	// GetChargePoint 查询充电桩，不存在返回ErrNotFound
	GetChargePoint(ctx context.Context, chargePointID string) (*ChargePoint, error)

	// ListChargePoints 列出所有充电桩
	ListChargePoints(ctx context.Context) ([]ChargePoint, error)

	// SetChargePointOnline 更新在线标志与last_seen。
	// 记录不存在时创建占位记录，初始状态Available。
	SetChargePointOnline(ctx context.Context, chargePointID string, online bool, now time.Time) error

	// UpdateChargePointStatus 更新充电桩整体状态
	UpdateChargePointStatus(ctx context.Context, chargePointID string, status string, now time.Time) error

	// TouchLastSeen 刷新last_seen并保持在线标志，记录不存在返回ErrNotFound
	TouchLastSeen(ctx context.Context, chargePointID string, now time.Time) error

	// GetIdTag 按标签值查询授权标签，不存在返回ErrNotFound
	GetIdTag(ctx context.Context, tag string) (*IdTag, error)

	// CreateSession 分配唯一交易ID并插入会话，两者在同一事务内完成。
	// 同一(charge_point_id, connector_id)上已有Active会话时返回
	// ErrActiveSessionExists，重试耗尽返回ErrTxIDExhausted。
	CreateSession(ctx context.Context, s NewSession) (*Session, error)

	// GetSessionByTransactionID 按交易ID查询会话，不存在返回ErrNotFound
	GetSessionByTransactionID(ctx context.Context, transactionID int) (*Session, error)

	// GetActiveSession 查询指定充电桩连接器上的活跃会话，不存在返回ErrNotFound
	GetActiveSession(ctx context.Context, chargePointID string, connectorID int) (*Session, error)

	// StopSession 关闭会话：写入meter_stop/stop_timestamp/reason，
	// 状态置为Completed并计算energy_consumed（kWh）。
	// 会话不存在返回ErrNotFound。
	StopSession(ctx context.Context, transactionID int, update StopSessionUpdate) (*Session, error)

	// RecordMeterValues 批量写入电表读数
	RecordMeterValues(ctx context.Context, records []MeterValueRecord) error

	// RecordConnectorStatus 追加连接器状态历史记录
	RecordConnectorStatus(ctx context.Context, record *ConnectorStatusRecord) error

	// Close 关闭底层连接
	Close() error
}

// EnergyConsumedKWh 按起止电表读数计算耗电量，单位kWh
func EnergyConsumedKWh(meterStart, meterStop int) float64 {
	return float64(meterStop-meterStart) / 1000.0
}
