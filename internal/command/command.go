package command

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/charging-platform/central-system/internal/domain/ocpp16"
	"github.com/charging-platform/central-system/internal/logger"
	"github.com/charging-platform/central-system/internal/metrics"
	"github.com/charging-platform/central-system/internal/registry"
	"github.com/charging-platform/central-system/internal/storage"

	protocol "github.com/charging-platform/central-system/internal/protocol/ocpp16"
)

// RemoteStartResult RemoteStartTransaction指令的结构化结果
type RemoteStartResult struct {
	Success       bool       `json:"success"`
	Status        string     `json:"status"`
	ChargePointID string     `json:"cpId"`
	IdTag         string     `json:"idTag"`
	ConnectorID   *int       `json:"connectorId,omitempty"`
	Timestamp     *time.Time `json:"timestamp,omitempty"`
	Error         string     `json:"error,omitempty"`
	IdTagStatus   string     `json:"idTagStatus,omitempty"`
}

// RemoteStopResult RemoteStopTransaction指令的结构化结果
type RemoteStopResult struct {
	Success       bool       `json:"success"`
	Status        string     `json:"status"`
	ChargePointID string     `json:"cpId"`
	TransactionID int        `json:"transactionId"`
	Timestamp     *time.Time `json:"timestamp,omitempty"`
	Error         string     `json:"error,omitempty"`
}

// ChangeAvailabilityResult ChangeAvailability指令的结构化结果
type ChangeAvailabilityResult struct {
	Status        string     `json:"status"`
	ChargePointID string     `json:"cpId"`
	ConnectorID   int        `json:"connectorId"`
	Type          string     `json:"type"`
	Timestamp     *time.Time `json:"timestamp,omitempty"`
	Error         string     `json:"error,omitempty"`
}

// Service 运营侧指令路径。
// 指令失败以结构化结果返回，从不向调用方抛错。
type Service struct {
	registry  *registry.Registry
	processor *protocol.Processor
	repo      storage.Repository
	logger    *logger.Logger
}

// NewService 创建指令服务
func NewService(reg *registry.Registry, proc *protocol.Processor, repo storage.Repository, log *logger.Logger) *Service {
	return &Service{
		registry:  reg,
		processor: proc,
		repo:      repo,
		logger:    log,
	}
}

// connectionError 将注册表解析错误转为用户可读的文案
func connectionError(err error) string {
	switch {
	case errors.Is(err, registry.ErrOnlineElsewhere):
		return "charge point is online but connected to another instance"
	case errors.Is(err, registry.ErrNotConnected):
		return "charge point is not connected"
	default:
		return err.Error()
	}
}

// RemoteStart 远程启动充电。
// 标签授权失败或充电桩不可达时不发送任何网络报文。
// chargingProfile可为nil，存在时原样透传给充电桩。
func (s *Service) RemoteStart(ctx context.Context, chargePointID, idTag string, connectorID *int, chargingProfile json.RawMessage) RemoteStartResult {
	result := RemoteStartResult{
		Status:        string(ocpp16.RemoteStartStopStatusRejected),
		ChargePointID: chargePointID,
		IdTag:         idTag,
		ConnectorID:   connectorID,
	}

	_, status, err := protocol.ResolveAuthorization(ctx, s.repo, idTag)
	if err != nil {
		s.logger.ErrorWithErr(err, "Failed to resolve id tag for remote start")
	}
	if status != ocpp16.AuthorizationStatusAccepted {
		result.Error = "id tag is not authorized"
		result.IdTagStatus = string(status)
		metrics.CommandsSent.WithLabelValues(string(ocpp16.ActionRemoteStartTransaction), "rejected").Inc()
		return result
	}

	conn, err := s.registry.Resolve(ctx, chargePointID)
	if err != nil {
		result.Error = connectionError(err)
		metrics.CommandsSent.WithLabelValues(string(ocpp16.ActionRemoteStartTransaction), "unreachable").Inc()
		return result
	}

	payload, err := s.processor.SendCall(ctx, chargePointID, conn, ocpp16.ActionRemoteStartTransaction,
		&ocpp16.RemoteStartTransactionRequest{ConnectorId: connectorID, IdTag: idTag, ChargingProfile: chargingProfile})
	if err != nil {
		result.Error = err.Error()
		metrics.CommandsSent.WithLabelValues(string(ocpp16.ActionRemoteStartTransaction), "failed").Inc()
		return result
	}

	var resp ocpp16.RemoteStartTransactionResponse
	if err := json.Unmarshal(payload, &resp); err != nil {
		result.Error = "invalid response payload: " + err.Error()
		metrics.CommandsSent.WithLabelValues(string(ocpp16.ActionRemoteStartTransaction), "failed").Inc()
		return result
	}

	now := time.Now().UTC()
	result.Success = true
	result.Status = string(resp.Status)
	result.Timestamp = &now
	metrics.CommandsSent.WithLabelValues(string(ocpp16.ActionRemoteStartTransaction), "completed").Inc()

	s.logger.Infof("RemoteStartTransaction to %s: %s", chargePointID, resp.Status)
	return result
}

// RemoteStop 远程停止充电。
// 交易必须存在、处于Active且属于目标充电桩，校验失败不发送任何网络报文。
func (s *Service) RemoteStop(ctx context.Context, chargePointID string, transactionID int) RemoteStopResult {
	result := RemoteStopResult{
		Status:        string(ocpp16.RemoteStartStopStatusRejected),
		ChargePointID: chargePointID,
		TransactionID: transactionID,
	}

	session, err := s.repo.GetSessionByTransactionID(ctx, transactionID)
	if errors.Is(err, storage.ErrNotFound) {
		result.Error = "transaction not found"
		metrics.CommandsSent.WithLabelValues(string(ocpp16.ActionRemoteStopTransaction), "rejected").Inc()
		return result
	}
	if err != nil {
		result.Error = err.Error()
		metrics.CommandsSent.WithLabelValues(string(ocpp16.ActionRemoteStopTransaction), "failed").Inc()
		return result
	}
	if session.ChargePointID != chargePointID {
		result.Error = "transaction belongs to another charge point"
		metrics.CommandsSent.WithLabelValues(string(ocpp16.ActionRemoteStopTransaction), "rejected").Inc()
		return result
	}
	if session.Status != storage.SessionStatusActive {
		result.Error = "transaction is not active"
		metrics.CommandsSent.WithLabelValues(string(ocpp16.ActionRemoteStopTransaction), "rejected").Inc()
		return result
	}

	conn, err := s.registry.Resolve(ctx, chargePointID)
	if err != nil {
		result.Error = connectionError(err)
		metrics.CommandsSent.WithLabelValues(string(ocpp16.ActionRemoteStopTransaction), "unreachable").Inc()
		return result
	}

	payload, err := s.processor.SendCall(ctx, chargePointID, conn, ocpp16.ActionRemoteStopTransaction,
		&ocpp16.RemoteStopTransactionRequest{TransactionId: transactionID})
	if err != nil {
		result.Error = err.Error()
		metrics.CommandsSent.WithLabelValues(string(ocpp16.ActionRemoteStopTransaction), "failed").Inc()
		return result
	}

	var resp ocpp16.RemoteStopTransactionResponse
	if err := json.Unmarshal(payload, &resp); err != nil {
		result.Error = "invalid response payload: " + err.Error()
		metrics.CommandsSent.WithLabelValues(string(ocpp16.ActionRemoteStopTransaction), "failed").Inc()
		return result
	}

	now := time.Now().UTC()
	result.Success = true
	result.Status = string(resp.Status)
	result.Timestamp = &now
	metrics.CommandsSent.WithLabelValues(string(ocpp16.ActionRemoteStopTransaction), "completed").Inc()

	s.logger.Infof("RemoteStopTransaction to %s for transaction %d: %s", chargePointID, transactionID, resp.Status)
	return result
}

// ChangeAvailability 改变充电桩或连接器的可用性。
// 当前仅支持connectorId为0或1，Scheduled是正常结果而非错误。
func (s *Service) ChangeAvailability(ctx context.Context, chargePointID string, connectorID int, availabilityType ocpp16.AvailabilityType) ChangeAvailabilityResult {
	result := ChangeAvailabilityResult{
		Status:        string(ocpp16.AvailabilityStatusRejected),
		ChargePointID: chargePointID,
		ConnectorID:   connectorID,
		Type:          string(availabilityType),
	}

	if availabilityType != ocpp16.AvailabilityTypeOperative && availabilityType != ocpp16.AvailabilityTypeInoperative {
		result.Error = "type must be Operative or Inoperative"
		metrics.CommandsSent.WithLabelValues(string(ocpp16.ActionChangeAvailability), "rejected").Inc()
		return result
	}
	if connectorID != 0 && connectorID != 1 {
		result.Error = "connector id must be 0 or 1"
		metrics.CommandsSent.WithLabelValues(string(ocpp16.ActionChangeAvailability), "rejected").Inc()
		return result
	}

	cp, err := s.repo.GetChargePoint(ctx, chargePointID)
	if errors.Is(err, storage.ErrNotFound) {
		result.Error = "charge point not found"
		metrics.CommandsSent.WithLabelValues(string(ocpp16.ActionChangeAvailability), "rejected").Inc()
		return result
	}
	if err != nil {
		result.Error = err.Error()
		metrics.CommandsSent.WithLabelValues(string(ocpp16.ActionChangeAvailability), "failed").Inc()
		return result
	}
	if !cp.IsOnline {
		result.Error = "charge point is not online"
		metrics.CommandsSent.WithLabelValues(string(ocpp16.ActionChangeAvailability), "rejected").Inc()
		return result
	}

	conn, err := s.registry.Resolve(ctx, chargePointID)
	if err != nil {
		result.Error = connectionError(err)
		metrics.CommandsSent.WithLabelValues(string(ocpp16.ActionChangeAvailability), "unreachable").Inc()
		return result
	}

	payload, err := s.processor.SendCall(ctx, chargePointID, conn, ocpp16.ActionChangeAvailability,
		&ocpp16.ChangeAvailabilityRequest{ConnectorId: connectorID, Type: availabilityType})
	if err != nil {
		result.Error = err.Error()
		metrics.CommandsSent.WithLabelValues(string(ocpp16.ActionChangeAvailability), "failed").Inc()
		return result
	}

	var resp ocpp16.ChangeAvailabilityResponse
	if err := json.Unmarshal(payload, &resp); err != nil {
		result.Error = "invalid response payload: " + err.Error()
		metrics.CommandsSent.WithLabelValues(string(ocpp16.ActionChangeAvailability), "failed").Inc()
		return result
	}

	now := time.Now().UTC()
	result.Status = string(resp.Status)
	result.Timestamp = &now
	metrics.CommandsSent.WithLabelValues(string(ocpp16.ActionChangeAvailability), "completed").Inc()

	s.logger.Infof("ChangeAvailability to %s connector %d: %s", chargePointID, connectorID, resp.Status)
	return result
}
