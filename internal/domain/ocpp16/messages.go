package ocpp16

import "encoding/json"

// BootNotificationRequest 启动通知请求
type BootNotificationRequest struct {
	ChargePointVendor       string  `json:"chargePointVendor" validate:"required,max=20"`
	ChargePointModel        string  `json:"chargePointModel" validate:"required,max=20"`
	ChargePointSerialNumber *string `json:"chargePointSerialNumber,omitempty" validate:"omitempty,max=25"`
	ChargeBoxSerialNumber   *string `json:"chargeBoxSerialNumber,omitempty" validate:"omitempty,max=25"`
	FirmwareVersion         *string `json:"firmwareVersion,omitempty" validate:"omitempty,max=50"`
	Iccid                   *string `json:"iccid,omitempty" validate:"omitempty,max=20"`
	Imsi                    *string `json:"imsi,omitempty" validate:"omitempty,max=20"`
	MeterType               *string `json:"meterType,omitempty" validate:"omitempty,max=25"`
	MeterSerialNumber       *string `json:"meterSerialNumber,omitempty" validate:"omitempty,max=25"`
}

// BootNotificationResponse 启动通知响应
type BootNotificationResponse struct {
	Status      RegistrationStatus `json:"status" validate:"required"`
	CurrentTime DateTime           `json:"currentTime" validate:"required"`
	Interval    int                `json:"interval" validate:"min=0"`
}

// HeartbeatRequest 心跳请求
type HeartbeatRequest struct{}

// HeartbeatResponse 心跳响应
type HeartbeatResponse struct {
	CurrentTime DateTime `json:"currentTime" validate:"required"`
}

// AuthorizeRequest 授权请求
type AuthorizeRequest struct {
	IdTag string `json:"idTag" validate:"required,max=20"`
}

// AuthorizeResponse 授权响应
type AuthorizeResponse struct {
	IdTagInfo IdTagInfo `json:"idTagInfo" validate:"required"`
}

// StartTransactionRequest 开始交易请求
type StartTransactionRequest struct {
	ConnectorId   int      `json:"connectorId" validate:"required,min=1"`
	IdTag         string   `json:"idTag" validate:"required,max=20"`
	MeterStart    int      `json:"meterStart" validate:"min=0"`
	ReservationId *int     `json:"reservationId,omitempty"`
	Timestamp     DateTime `json:"timestamp" validate:"required"`
}

// StartTransactionResponse 开始交易响应
type StartTransactionResponse struct {
	IdTagInfo     IdTagInfo `json:"idTagInfo" validate:"required"`
	TransactionId int       `json:"transactionId" validate:"required"`
}

// StopTransactionRequest 停止交易请求
type StopTransactionRequest struct {
	IdTag           *string      `json:"idTag,omitempty" validate:"omitempty,max=20"`
	MeterStop       int          `json:"meterStop" validate:"min=0"`
	Timestamp       DateTime     `json:"timestamp" validate:"required"`
	TransactionId   int          `json:"transactionId" validate:"required"`
	Reason          *Reason      `json:"reason,omitempty"`
	TransactionData []MeterValue `json:"transactionData,omitempty" validate:"omitempty,dive"`
}

// StopTransactionResponse 停止交易响应
type StopTransactionResponse struct {
	IdTagInfo *IdTagInfo `json:"idTagInfo,omitempty"`
}

// MeterValuesRequest 电表值请求
type MeterValuesRequest struct {
	ConnectorId   int          `json:"connectorId" validate:"min=0"`
	TransactionId *int         `json:"transactionId,omitempty"`
	MeterValue    []MeterValue `json:"meterValue" validate:"required,min=1,dive"`
}

// MeterValuesResponse 电表值响应
type MeterValuesResponse struct{}

// StatusNotificationRequest 状态通知请求。
// ConnectorId为0时表示充电桩整体状态。
type StatusNotificationRequest struct {
	ConnectorId     int                  `json:"connectorId" validate:"min=0"`
	ErrorCode       ChargePointErrorCode `json:"errorCode" validate:"required"`
	Info            *string              `json:"info,omitempty" validate:"omitempty,max=50"`
	Status          ChargePointStatus    `json:"status" validate:"required"`
	Timestamp       *DateTime            `json:"timestamp,omitempty"`
	VendorId        *string              `json:"vendorId,omitempty" validate:"omitempty,max=255"`
	VendorErrorCode *string              `json:"vendorErrorCode,omitempty" validate:"omitempty,max=50"`
}

// StatusNotificationResponse 状态通知响应
type StatusNotificationResponse struct{}

// RemoteStartTransactionRequest 远程开始交易请求。
// ChargingProfile按原样透传给充电桩，中央系统不解释其内容。
type RemoteStartTransactionRequest struct {
	ConnectorId     *int            `json:"connectorId,omitempty" validate:"omitempty,min=1"`
	IdTag           string          `json:"idTag" validate:"required,max=20"`
	ChargingProfile json.RawMessage `json:"chargingProfile,omitempty"`
}

// RemoteStartTransactionResponse 远程开始交易响应
type RemoteStartTransactionResponse struct {
	Status RemoteStartStopStatus `json:"status" validate:"required"`
}

// RemoteStopTransactionRequest 远程停止交易请求
type RemoteStopTransactionRequest struct {
	TransactionId int `json:"transactionId" validate:"required"`
}

// RemoteStopTransactionResponse 远程停止交易响应
type RemoteStopTransactionResponse struct {
	Status RemoteStartStopStatus `json:"status" validate:"required"`
}

// ChangeAvailabilityRequest 改变可用性请求
type ChangeAvailabilityRequest struct {
	ConnectorId int              `json:"connectorId" validate:"min=0"`
	Type        AvailabilityType `json:"type" validate:"required"`
}

// ChangeAvailabilityResponse 改变可用性响应
type ChangeAvailabilityResponse struct {
	Status AvailabilityStatus `json:"status" validate:"required"`
}
