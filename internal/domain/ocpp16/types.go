package ocpp16

import (
	"fmt"
	"strings"
	"time"
)

// MessageType OCPP消息类型
type MessageType int

const (
	// Call 请求消息
	Call MessageType = 2
	// CallResult 响应消息
	CallResult MessageType = 3
	// CallError 错误消息
	CallError MessageType = 4
)

// Action OCPP动作类型
type Action string

const (
	// 充电桩发起的动作
	ActionAuthorize          Action = "Authorize"
	ActionBootNotification   Action = "BootNotification"
	ActionHeartbeat          Action = "Heartbeat"
	ActionMeterValues        Action = "MeterValues"
	ActionStartTransaction   Action = "StartTransaction"
	ActionStatusNotification Action = "StatusNotification"
	ActionStopTransaction    Action = "StopTransaction"

	// 中央系统发起的动作
	ActionChangeAvailability     Action = "ChangeAvailability"
	ActionRemoteStartTransaction Action = "RemoteStartTransaction"
	ActionRemoteStopTransaction  Action = "RemoteStopTransaction"
)

// ErrorCode CallError错误代码
type ErrorCode string

const (
	ErrorCodeNotImplemented               ErrorCode = "NotImplemented"
	ErrorCodeNotSupported                 ErrorCode = "NotSupported"
	ErrorCodeInternalError                ErrorCode = "InternalError"
	ErrorCodeProtocolError                ErrorCode = "ProtocolError"
	ErrorCodeSecurityError                ErrorCode = "SecurityError"
	ErrorCodeFormationViolation           ErrorCode = "FormationViolation"
	ErrorCodePropertyConstraintViolation  ErrorCode = "PropertyConstraintViolation"
	ErrorCodeOccurrenceConstraintViolation ErrorCode = "OccurrenceConstraintViolation"
	ErrorCodeTypeConstraintViolation      ErrorCode = "TypeConstraintViolation"
	ErrorCodeGenericError                 ErrorCode = "GenericError"
)

// ChargePointStatus 充电桩/连接器状态
type ChargePointStatus string

const (
	ChargePointStatusAvailable     ChargePointStatus = "Available"
	ChargePointStatusPreparing     ChargePointStatus = "Preparing"
	ChargePointStatusCharging      ChargePointStatus = "Charging"
	ChargePointStatusSuspendedEVSE ChargePointStatus = "SuspendedEVSE"
	ChargePointStatusSuspendedEV   ChargePointStatus = "SuspendedEV"
	ChargePointStatusFinishing     ChargePointStatus = "Finishing"
	ChargePointStatusReserved      ChargePointStatus = "Reserved"
	ChargePointStatusUnavailable   ChargePointStatus = "Unavailable"
	ChargePointStatusFaulted       ChargePointStatus = "Faulted"
)

// ChargePointErrorCode 充电桩错误代码
type ChargePointErrorCode string

const (
	ChargePointErrorCodeConnectorLockFailure ChargePointErrorCode = "ConnectorLockFailure"
	ChargePointErrorCodeEVCommunicationError ChargePointErrorCode = "EVCommunicationError"
	ChargePointErrorCodeGroundFailure        ChargePointErrorCode = "GroundFailure"
	ChargePointErrorCodeHighTemperature      ChargePointErrorCode = "HighTemperature"
	ChargePointErrorCodeInternalError        ChargePointErrorCode = "InternalError"
	ChargePointErrorCodeLocalListConflict    ChargePointErrorCode = "LocalListConflict"
	ChargePointErrorCodeNoError              ChargePointErrorCode = "NoError"
	ChargePointErrorCodeOtherError           ChargePointErrorCode = "OtherError"
	ChargePointErrorCodeOverCurrentFailure   ChargePointErrorCode = "OverCurrentFailure"
	ChargePointErrorCodeOverVoltage          ChargePointErrorCode = "OverVoltage"
	ChargePointErrorCodePowerMeterFailure    ChargePointErrorCode = "PowerMeterFailure"
	ChargePointErrorCodePowerSwitchFailure   ChargePointErrorCode = "PowerSwitchFailure"
	ChargePointErrorCodeReaderFailure        ChargePointErrorCode = "ReaderFailure"
	ChargePointErrorCodeResetFailure         ChargePointErrorCode = "ResetFailure"
	ChargePointErrorCodeUnderVoltage         ChargePointErrorCode = "UnderVoltage"
	ChargePointErrorCodeWeakSignal           ChargePointErrorCode = "WeakSignal"
)

// RegistrationStatus 注册状态
type RegistrationStatus string

const (
	RegistrationStatusAccepted RegistrationStatus = "Accepted"
	RegistrationStatusPending  RegistrationStatus = "Pending"
	RegistrationStatusRejected RegistrationStatus = "Rejected"
)

// AuthorizationStatus 授权状态
type AuthorizationStatus string

const (
	AuthorizationStatusAccepted     AuthorizationStatus = "Accepted"
	AuthorizationStatusBlocked      AuthorizationStatus = "Blocked"
	AuthorizationStatusExpired      AuthorizationStatus = "Expired"
	AuthorizationStatusInvalid      AuthorizationStatus = "Invalid"
	AuthorizationStatusConcurrentTx AuthorizationStatus = "ConcurrentTx"
)

// AvailabilityType 可用性类型
type AvailabilityType string

const (
	AvailabilityTypeInoperative AvailabilityType = "Inoperative"
	AvailabilityTypeOperative   AvailabilityType = "Operative"
)

// AvailabilityStatus 可用性状态
type AvailabilityStatus string

const (
	AvailabilityStatusAccepted  AvailabilityStatus = "Accepted"
	AvailabilityStatusRejected  AvailabilityStatus = "Rejected"
	AvailabilityStatusScheduled AvailabilityStatus = "Scheduled"
)

// Reason 停止原因
type Reason string

const (
	ReasonEmergencyStop  Reason = "EmergencyStop"
	ReasonEVDisconnected Reason = "EVDisconnected"
	ReasonHardReset      Reason = "HardReset"
	ReasonLocal          Reason = "Local"
	ReasonOther          Reason = "Other"
	ReasonPowerLoss      Reason = "PowerLoss"
	ReasonReboot         Reason = "Reboot"
	ReasonRemote         Reason = "Remote"
	ReasonSoftReset      Reason = "SoftReset"
	ReasonUnlockCommand  Reason = "UnlockCommand"
	ReasonDeAuthorized   Reason = "DeAuthorized"
)

// RemoteStartStopStatus 远程启动停止状态
type RemoteStartStopStatus string

const (
	RemoteStartStopStatusAccepted RemoteStartStopStatus = "Accepted"
	RemoteStartStopStatusRejected RemoteStartStopStatus = "Rejected"
)

// WireTimeFormat 线上时间格式，UTC毫秒精度，Z后缀
const WireTimeFormat = "2006-01-02T15:04:05.000Z"

// Subprotocol OCPP 1.6-J的WebSocket子协议名
const Subprotocol = "ocpp1.6"

// DateTime 自定义时间类型，序列化为UTC ISO-8601（Z后缀）
type DateTime struct {
	time.Time
}

// NewDateTime 构造DateTime并归一化为UTC
func NewDateTime(t time.Time) DateTime {
	return DateTime{Time: t.UTC()}
}

// Now 当前UTC时间的DateTime
func Now() DateTime {
	return DateTime{Time: time.Now().UTC()}
}

// MarshalJSON 实现JSON序列化
func (dt DateTime) MarshalJSON() ([]byte, error) {
	return []byte(`"` + dt.Time.UTC().Format(WireTimeFormat) + `"`), nil
}

// UnmarshalJSON 实现JSON反序列化
func (dt *DateTime) UnmarshalJSON(data []byte) error {
	str := string(data)
	if str == "null" {
		return nil
	}
	if len(str) < 2 || str[0] != '"' || str[len(str)-1] != '"' {
		return fmt.Errorf("invalid datetime value: %s", str)
	}
	t, err := ParseTimestamp(str[1 : len(str)-1])
	if err != nil {
		return err
	}
	dt.Time = t
	return nil
}

// ParseTimestamp 解析OCPP时间戳并归一化为UTC。
// 接受RFC3339（Z或任意偏移）以及无时区的裸时间戳，
// 裸时间戳按UTC处理。
func ParseTimestamp(str string) (time.Time, error) {
	layouts := []string{
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02T15:04:05.999999999",
		"2006-01-02T15:04:05",
	}
	for _, layout := range layouts {
		if t, err := time.Parse(layout, str); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unparseable timestamp: %q", str)
}

// FormatWire 将time.Time格式化为线上时间字符串
func FormatWire(t time.Time) string {
	return t.UTC().Format(WireTimeFormat)
}

// NormalizeChargePointID 清理URL路径中的充电桩标识
func NormalizeChargePointID(path string) string {
	return strings.Trim(path, "/")
}

// IdTagInfo ID标签信息
type IdTagInfo struct {
	ExpiryDate  *DateTime           `json:"expiryDate,omitempty"`
	ParentIdTag *string             `json:"parentIdTag,omitempty" validate:"omitempty,max=20"`
	Status      AuthorizationStatus `json:"status" validate:"required"`
}

// MeterValue 电表值
type MeterValue struct {
	Timestamp    DateTime       `json:"timestamp" validate:"required"`
	SampledValue []SampledValue `json:"sampledValue" validate:"required,min=1,dive"`
}

// SampledValue 采样值
type SampledValue struct {
	Value     string          `json:"value" validate:"required"`
	Context   *ReadingContext `json:"context,omitempty"`
	Format    *ValueFormat    `json:"format,omitempty"`
	Measurand *Measurand      `json:"measurand,omitempty"`
	Phase     *Phase          `json:"phase,omitempty"`
	Location  *Location       `json:"location,omitempty"`
	Unit      *UnitOfMeasure  `json:"unit,omitempty"`
}

// ReadingContext 读数上下文
type ReadingContext string

const (
	ReadingContextInterruptionBegin ReadingContext = "Interruption.Begin"
	ReadingContextInterruptionEnd   ReadingContext = "Interruption.End"
	ReadingContextSampleClock       ReadingContext = "Sample.Clock"
	ReadingContextSamplePeriodic    ReadingContext = "Sample.Periodic"
	ReadingContextTransactionBegin  ReadingContext = "Transaction.Begin"
	ReadingContextTransactionEnd    ReadingContext = "Transaction.End"
	ReadingContextTrigger           ReadingContext = "Trigger"
	ReadingContextOther             ReadingContext = "Other"
)

// ValueFormat 值格式
type ValueFormat string

const (
	ValueFormatRaw        ValueFormat = "Raw"
	ValueFormatSignedData ValueFormat = "SignedData"
)

// Measurand 测量值类型
type Measurand string

const (
	MeasurandCurrentImport              Measurand = "Current.Import"
	MeasurandCurrentOffered             Measurand = "Current.Offered"
	MeasurandEnergyActiveImportRegister Measurand = "Energy.Active.Import.Register"
	MeasurandPowerActiveImport          Measurand = "Power.Active.Import"
	MeasurandSoC                        Measurand = "SoC"
	MeasurandTemperature                Measurand = "Temperature"
	MeasurandVoltage                    Measurand = "Voltage"
)

// Phase 相位
type Phase string

const (
	PhaseL1 Phase = "L1"
	PhaseL2 Phase = "L2"
	PhaseL3 Phase = "L3"
	PhaseN  Phase = "N"
)

// Location 位置
type Location string

const (
	LocationBody   Location = "Body"
	LocationCable  Location = "Cable"
	LocationEV     Location = "EV"
	LocationInlet  Location = "Inlet"
	LocationOutlet Location = "Outlet"
)

// UnitOfMeasure 测量单位
type UnitOfMeasure string

const (
	UnitOfMeasureWh      UnitOfMeasure = "Wh"
	UnitOfMeasureKWh     UnitOfMeasure = "kWh"
	UnitOfMeasureW       UnitOfMeasure = "W"
	UnitOfMeasureKW      UnitOfMeasure = "kW"
	UnitOfMeasureA       UnitOfMeasure = "A"
	UnitOfMeasureV       UnitOfMeasure = "V"
	UnitOfMeasureCelsius UnitOfMeasure = "Celsius"
	UnitOfMeasurePercent UnitOfMeasure = "Percent"
)
