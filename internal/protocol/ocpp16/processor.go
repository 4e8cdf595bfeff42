package ocpp16

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/charging-platform/central-system/internal/domain/events"
	"github.com/charging-platform/central-system/internal/domain/ocpp16"
	"github.com/charging-platform/central-system/internal/domain/serialization"
	"github.com/charging-platform/central-system/internal/domain/validation"
	"github.com/charging-platform/central-system/internal/logger"
	"github.com/charging-platform/central-system/internal/message"
	"github.com/charging-platform/central-system/internal/metrics"
	"github.com/charging-platform/central-system/internal/storage"
)

var (
	// ErrCallTimeout 出站Call等待响应超时
	ErrCallTimeout = errors.New("call timed out waiting for response")
	// ErrConnectionClosed 等待响应期间连接关闭
	ErrConnectionClosed = errors.New("connection closed while waiting for response")
)

// CallFailure 充电桩以CallError应答出站Call
type CallFailure struct {
	Code        ocpp16.ErrorCode
	Description string
}

func (e *CallFailure) Error() string {
	return fmt.Sprintf("call rejected by charge point: %s (%s)", e.Code, e.Description)
}

// Sender 向充电桩写入一帧报文的最小接口
type Sender interface {
	Send(data []byte) error
}

// Config 处理器配置
type Config struct {
	// HeartbeatInterval BootNotification响应中下发的心跳间隔
	HeartbeatInterval time.Duration
	// CommandTimeout 出站Call的响应超时
	CommandTimeout time.Duration
	// MaxMessageSize 单帧最大字节数
	MaxMessageSize int
	// CleanupInterval 过期待处理请求的清理周期
	CleanupInterval time.Duration
}

// DefaultConfig 默认处理器配置
func DefaultConfig() Config {
	return Config{
		HeartbeatInterval: 300 * time.Second,
		CommandTimeout:    30 * time.Second,
		MaxMessageSize:    1024 * 1024,
		CleanupInterval:   time.Minute,
	}
}

// callOutcome 出站Call的完成信号
type callOutcome struct {
	payload json.RawMessage
	err     error
}

// pendingRequest 待响应的出站Call
type pendingRequest struct {
	messageID     string
	chargePointID string
	action        ocpp16.Action
	outcomeChan   chan callOutcome
	createdAt     time.Time
	timeout       time.Duration
}

// Processor OCPP 1.6消息处理器。
// 入站Call按动作分发到领域处理器并回写CallResult/CallError，
// CallResult/CallError按UniqueId与出站Call关联。
type Processor struct {
	serializer *serialization.Serializer
	validator  *validation.Validator

	repo     storage.Repository
	producer message.EventProducer

	pendingRequests map[string]*pendingRequest
	requestMutex    sync.RWMutex

	config Config
	logger *logger.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewProcessor 创建消息处理器
func NewProcessor(repo storage.Repository, producer message.EventProducer, config Config, log *logger.Logger) *Processor {
	if config.HeartbeatInterval <= 0 {
		config.HeartbeatInterval = DefaultConfig().HeartbeatInterval
	}
	if config.CommandTimeout <= 0 {
		config.CommandTimeout = DefaultConfig().CommandTimeout
	}
	if config.MaxMessageSize <= 0 {
		config.MaxMessageSize = DefaultConfig().MaxMessageSize
	}
	if config.CleanupInterval <= 0 {
		config.CleanupInterval = DefaultConfig().CleanupInterval
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Processor{
		serializer:      serialization.NewSerializer(),
		validator:       validation.NewValidator(),
		repo:            repo,
		producer:        producer,
		pendingRequests: make(map[string]*pendingRequest),
		config:          config,
		logger:          log,
		ctx:             ctx,
		cancel:          cancel,
	}
}

// Start 启动后台清理协程
func (p *Processor) Start() {
	p.wg.Add(1)
	go p.cleanupRoutine()
}

// Stop 停止处理器并取消所有待处理请求
func (p *Processor) Stop() {
	p.cancel()

	p.requestMutex.Lock()
	for messageID, req := range p.pendingRequests {
		req.outcomeChan <- callOutcome{err: ErrConnectionClosed}
		delete(p.pendingRequests, messageID)
	}
	p.requestMutex.Unlock()

	p.wg.Wait()
}

// HandleMessage 处理一帧入站报文。
// 协议层错误以CallError回写，不关闭连接；返回非nil仅表示写通道故障。
func (p *Processor) HandleMessage(ctx context.Context, chargePointID string, sender Sender, data []byte) error {
	if err := p.validator.ValidateMessageSize(data, p.config.MaxMessageSize); err != nil {
		p.logger.With("charge_point_id", chargePointID).Warnf("Oversized message dropped: %v", err)
		return nil
	}

	frame, err := p.serializer.DeserializeFrame(data)
	if err != nil {
		// 尽力从原始数组中提取UniqueId以便定位CallError
		if messageID, ok := extractMessageID(data); ok {
			return p.sendCallError(sender, chargePointID, messageID, ocpp16.ErrorCodeFormationViolation, err.Error())
		}
		p.logger.With("charge_point_id", chargePointID).Warnf("Unparseable frame dropped: %v", err)
		return nil
	}

	if err := p.validator.ValidateFrame(frame); err != nil {
		return p.sendCallError(sender, chargePointID, frame.MessageID, ocpp16.ErrorCodeFormationViolation, err.Error())
	}

	switch frame.MessageType {
	case ocpp16.Call:
		return p.handleCall(ctx, chargePointID, sender, frame)
	case ocpp16.CallResult:
		p.completeCall(chargePointID, frame.MessageID, callOutcome{payload: frame.Payload})
		return nil
	case ocpp16.CallError:
		p.completeCall(chargePointID, frame.MessageID, callOutcome{err: &CallFailure{
			Code:        frame.ErrorCode,
			Description: frame.ErrorDescription,
		}})
		return nil
	default:
		return p.sendCallError(sender, chargePointID, frame.MessageID, ocpp16.ErrorCodeProtocolError,
			fmt.Sprintf("unsupported message type %d", frame.MessageType))
	}
}

// handleCall 解码、校验并分发一条入站Call
func (p *Processor) handleCall(ctx context.Context, chargePointID string, sender Sender, frame *serialization.Frame) error {
	startTime := time.Now()
	metrics.MessagesReceived.WithLabelValues(string(frame.Action)).Inc()

	if !serialization.IsKnownAction(frame.Action) {
		return p.sendCallError(sender, chargePointID, frame.MessageID, ocpp16.ErrorCodeNotImplemented,
			fmt.Sprintf("action %s is not supported", frame.Action))
	}

	payload := serialization.NewRequestPayload(frame.Action)
	if err := p.serializer.DeserializePayload(frame.Payload, payload); err != nil {
		return p.sendCallError(sender, chargePointID, frame.MessageID, ocpp16.ErrorCodeFormationViolation, err.Error())
	}

	if err := p.validator.ValidateStruct(payload); err != nil {
		return p.sendCallError(sender, chargePointID, frame.MessageID, validation.CallErrorCodeFor(err), err.Error())
	}

	responsePayload, err := p.dispatch(ctx, chargePointID, frame.Action, payload)
	if err != nil {
		return p.sendCallError(sender, chargePointID, frame.MessageID, ocpp16.ErrorCodeInternalError, err.Error())
	}

	data, err := p.serializer.SerializeCallResult(frame.MessageID, responsePayload)
	if err != nil {
		return p.sendCallError(sender, chargePointID, frame.MessageID, ocpp16.ErrorCodeInternalError, err.Error())
	}

	metrics.MessageProcessingDuration.WithLabelValues(string(frame.Action)).Observe(time.Since(startTime).Seconds())
	return sender.Send(data)
}

// dispatch 按动作分发到领域处理器
func (p *Processor) dispatch(ctx context.Context, chargePointID string, action ocpp16.Action, payload interface{}) (interface{}, error) {
	switch action {
	case ocpp16.ActionBootNotification:
		return p.handleBootNotification(ctx, chargePointID, payload.(*ocpp16.BootNotificationRequest))
	case ocpp16.ActionHeartbeat:
		return p.handleHeartbeat(ctx, chargePointID, payload.(*ocpp16.HeartbeatRequest))
	case ocpp16.ActionAuthorize:
		return p.handleAuthorize(ctx, chargePointID, payload.(*ocpp16.AuthorizeRequest))
	case ocpp16.ActionStartTransaction:
		return p.handleStartTransaction(ctx, chargePointID, payload.(*ocpp16.StartTransactionRequest))
	case ocpp16.ActionStopTransaction:
		return p.handleStopTransaction(ctx, chargePointID, payload.(*ocpp16.StopTransactionRequest))
	case ocpp16.ActionMeterValues:
		return p.handleMeterValues(ctx, chargePointID, payload.(*ocpp16.MeterValuesRequest))
	case ocpp16.ActionStatusNotification:
		return p.handleStatusNotification(ctx, chargePointID, payload.(*ocpp16.StatusNotificationRequest))
	case ocpp16.ActionRemoteStartTransaction:
		// 该动作在本系统中仅作为出站指令，入站一律拒绝
		return &ocpp16.RemoteStartTransactionResponse{Status: ocpp16.RemoteStartStopStatusRejected}, nil
	default:
		return nil, fmt.Errorf("no handler registered for action %s", action)
	}
}

// handleBootNotification 登记充电桩并下发心跳间隔。
// 存储故障不中断响应，注册状态始终为Accepted。
func (p *Processor) handleBootNotification(ctx context.Context, chargePointID string, req *ocpp16.BootNotificationRequest) (*ocpp16.BootNotificationResponse, error) {
	p.logger.Infof("BootNotification from %s: %s %s", chargePointID, req.ChargePointVendor, req.ChargePointModel)

	info := storage.BootInfo{
		Vendor:                  req.ChargePointVendor,
		Model:                   req.ChargePointModel,
		ChargePointSerialNumber: req.ChargePointSerialNumber,
		ChargeBoxSerialNumber:   req.ChargeBoxSerialNumber,
		FirmwareVersion:         req.FirmwareVersion,
		Iccid:                   req.Iccid,
		Imsi:                    req.Imsi,
		MeterType:               req.MeterType,
		MeterSerialNumber:       req.MeterSerialNumber,
		BootStatus:              string(ocpp16.RegistrationStatusAccepted),
	}

	if _, err := p.repo.UpsertChargePointBoot(ctx, chargePointID, info, time.Now().UTC()); err != nil {
		p.logger.With("charge_point_id", chargePointID).ErrorWithErr(err, "Failed to persist BootNotification")
	}

	return &ocpp16.BootNotificationResponse{
		Status:      ocpp16.RegistrationStatusAccepted,
		CurrentTime: ocpp16.Now(),
		Interval:    int(p.config.HeartbeatInterval.Seconds()),
	}, nil
}

// handleHeartbeat 刷新last_seen并返回当前时间
func (p *Processor) handleHeartbeat(ctx context.Context, chargePointID string, _ *ocpp16.HeartbeatRequest) (*ocpp16.HeartbeatResponse, error) {
	p.logger.Debugf("Heartbeat from %s", chargePointID)

	if err := p.repo.TouchLastSeen(ctx, chargePointID, time.Now().UTC()); err != nil {
		p.logger.With("charge_point_id", chargePointID).Warnf("Heartbeat from unknown charge point: %v", err)
	}

	return &ocpp16.HeartbeatResponse{CurrentTime: ocpp16.Now()}, nil
}

// ResolveAuthorization 授权判定。
// 顺序是契约的一部分：记录缺失为Invalid，Blocked优先于Expired，
// 过期检查先于存储状态，存储错误降级为Invalid。
// 返回的error仅用于记录非预期的存储故障，状态已降级。
func ResolveAuthorization(ctx context.Context, repo storage.Repository, tag string) (*storage.IdTag, ocpp16.AuthorizationStatus, error) {
	idTag, err := repo.GetIdTag(ctx, tag)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ocpp16.AuthorizationStatusInvalid, nil
	}
	if err != nil {
		return nil, ocpp16.AuthorizationStatusInvalid, err
	}

	if idTag.Status == string(ocpp16.AuthorizationStatusBlocked) {
		return idTag, ocpp16.AuthorizationStatusBlocked, nil
	}
	if idTag.ExpiryDate != nil && idTag.ExpiryDate.Before(time.Now().UTC()) {
		return idTag, ocpp16.AuthorizationStatusExpired, nil
	}
	return idTag, ocpp16.AuthorizationStatus(idTag.Status), nil
}

// resolveIdTag ResolveAuthorization的内部包装，记录存储故障
func (p *Processor) resolveIdTag(ctx context.Context, tag string) (*storage.IdTag, ocpp16.AuthorizationStatus) {
	idTag, status, err := ResolveAuthorization(ctx, p.repo, tag)
	if err != nil {
		p.logger.Warnf("Failed to resolve id tag %s, degrading to Invalid: %v", tag, err)
	}
	return idTag, status
}

// idTagInfoFor 组装IdTagInfo响应片段。
// Blocked只回状态，Expired附带过期时间，其余状态附带过期时间与父标签。
func idTagInfoFor(idTag *storage.IdTag, status ocpp16.AuthorizationStatus) ocpp16.IdTagInfo {
	info := ocpp16.IdTagInfo{Status: status}
	if idTag == nil || status == ocpp16.AuthorizationStatusBlocked {
		return info
	}
	if idTag.ExpiryDate != nil {
		expiry := ocpp16.NewDateTime(*idTag.ExpiryDate)
		info.ExpiryDate = &expiry
	}
	if status != ocpp16.AuthorizationStatusExpired {
		info.ParentIdTag = idTag.ParentIdTag
	}
	return info
}

// handleAuthorize 授权查询
func (p *Processor) handleAuthorize(ctx context.Context, chargePointID string, req *ocpp16.AuthorizeRequest) (*ocpp16.AuthorizeResponse, error) {
	idTag, status := p.resolveIdTag(ctx, req.IdTag)
	p.logger.Infof("Authorize from %s: idTag %s -> %s", chargePointID, req.IdTag, status)

	return &ocpp16.AuthorizeResponse{IdTagInfo: idTagInfoFor(idTag, status)}, nil
}

// handleStartTransaction 授权通过后分配交易ID并创建会话。
// 授权失败或入库失败都以transactionId=0应答，不建会话。
func (p *Processor) handleStartTransaction(ctx context.Context, chargePointID string, req *ocpp16.StartTransactionRequest) (*ocpp16.StartTransactionResponse, error) {
	idTag, status := p.resolveIdTag(ctx, req.IdTag)
	if status != ocpp16.AuthorizationStatusAccepted {
		p.logger.Warnf("StartTransaction from %s rejected: idTag %s is %s", chargePointID, req.IdTag, status)
		return &ocpp16.StartTransactionResponse{
			IdTagInfo:     idTagInfoFor(idTag, status),
			TransactionId: 0,
		}, nil
	}

	session, err := p.repo.CreateSession(ctx, storage.NewSession{
		ChargePointID:  chargePointID,
		IdTagID:        idTag.ID,
		ConnectorID:    req.ConnectorId,
		MeterStart:     req.MeterStart,
		StartTimestamp: req.Timestamp.UTC(),
		ReservationID:  req.ReservationId,
	})
	if err != nil {
		p.logger.With("charge_point_id", chargePointID).ErrorWithErr(err, "Failed to create session")
		return &ocpp16.StartTransactionResponse{
			IdTagInfo:     ocpp16.IdTagInfo{Status: ocpp16.AuthorizationStatusInvalid},
			TransactionId: 0,
		}, nil
	}

	p.logger.Infof("StartTransaction from %s: connector %d, transaction %d", chargePointID, req.ConnectorId, session.TransactionID)

	if err := p.producer.PublishEvent(events.NewTransactionStartedEvent(chargePointID, events.TransactionInfo{
		TransactionID: session.TransactionID,
		ChargePointID: chargePointID,
		ConnectorID:   session.ConnectorID,
		IdTag:         req.IdTag,
		StartTime:     session.StartTimestamp,
		MeterStart:    session.MeterStart,
	})); err != nil {
		p.logger.ErrorWithErr(err, "Failed to publish transaction started event")
	}

	return &ocpp16.StartTransactionResponse{
		IdTagInfo:     idTagInfoFor(idTag, ocpp16.AuthorizationStatusAccepted),
		TransactionId: session.TransactionID,
	}, nil
}

// handleStopTransaction 关闭会话并计算耗电量。
// 会话缺失或已关闭时仍然正常应答，OCPP要求无条件接受停止请求。
func (p *Processor) handleStopTransaction(ctx context.Context, chargePointID string, req *ocpp16.StopTransactionRequest) (*ocpp16.StopTransactionResponse, error) {
	response := &ocpp16.StopTransactionResponse{}
	if req.IdTag != nil {
		idTag, status := p.resolveIdTag(ctx, *req.IdTag)
		info := idTagInfoFor(idTag, status)
		response.IdTagInfo = &info
	}

	session, err := p.repo.GetSessionByTransactionID(ctx, req.TransactionId)
	if errors.Is(err, storage.ErrNotFound) {
		p.logger.Warnf("StopTransaction from %s for unknown transaction %d", chargePointID, req.TransactionId)
		return response, nil
	}
	if err != nil {
		p.logger.With("charge_point_id", chargePointID).ErrorWithErr(err, "Failed to load session for StopTransaction")
		return response, nil
	}
	if session.Status != storage.SessionStatusActive {
		p.logger.Warnf("StopTransaction from %s for already completed transaction %d", chargePointID, req.TransactionId)
		return response, nil
	}

	reason := string(ocpp16.ReasonLocal)
	if req.Reason != nil {
		reason = string(*req.Reason)
	}

	stopped, err := p.repo.StopSession(ctx, req.TransactionId, storage.StopSessionUpdate{
		MeterStop:     req.MeterStop,
		StopTimestamp: req.Timestamp.UTC(),
		Reason:        &reason,
	})
	if err != nil {
		p.logger.With("charge_point_id", chargePointID).ErrorWithErr(err, "Failed to stop session")
		return response, nil
	}

	p.logger.Infof("StopTransaction from %s: transaction %d, %.3f kWh", chargePointID, req.TransactionId, *stopped.EnergyConsumed)

	if len(req.TransactionData) > 0 {
		records := p.meterValueRecords(&stopped.ID, req.TransactionData, string(ocpp16.ReadingContextTransactionEnd))
		if err := p.repo.RecordMeterValues(ctx, records); err != nil {
			p.logger.ErrorWithErr(err, "Failed to record transaction data")
		}
	}

	if err := p.producer.PublishEvent(events.NewTransactionStoppedEvent(chargePointID, events.TransactionInfo{
		TransactionID:  stopped.TransactionID,
		ChargePointID:  chargePointID,
		ConnectorID:    stopped.ConnectorID,
		StartTime:      stopped.StartTimestamp,
		EndTime:        stopped.StopTimestamp,
		MeterStart:     stopped.MeterStart,
		MeterStop:      stopped.MeterStop,
		EnergyConsumed: stopped.EnergyConsumed,
		StopReason:     stopped.StopReason,
	})); err != nil {
		p.logger.ErrorWithErr(err, "Failed to publish transaction stopped event")
	}

	return response, nil
}

// handleMeterValues 批量写入电表读数。
// transactionId未知时读数以孤儿形式保存并告警。
func (p *Processor) handleMeterValues(ctx context.Context, chargePointID string, req *ocpp16.MeterValuesRequest) (*ocpp16.MeterValuesResponse, error) {
	var sessionID *uint
	if req.TransactionId != nil {
		session, err := p.repo.GetSessionByTransactionID(ctx, *req.TransactionId)
		if err != nil {
			p.logger.Warnf("MeterValues from %s references unknown transaction %d, storing orphaned", chargePointID, *req.TransactionId)
		} else {
			sessionID = &session.ID
		}
	}

	records := p.meterValueRecords(sessionID, req.MeterValue, "")
	if err := p.repo.RecordMeterValues(ctx, records); err != nil {
		p.logger.With("charge_point_id", chargePointID).ErrorWithErr(err, "Failed to record meter values")
	}

	p.logger.Debugf("MeterValues from %s: connector %d, %d readings", chargePointID, req.ConnectorId, len(records))
	return &ocpp16.MeterValuesResponse{}, nil
}

// meterValueRecords 展开MeterValue批次为存储行，非数值读数跳过。
// defaultContext非空时覆盖缺省的读数上下文。
func (p *Processor) meterValueRecords(sessionID *uint, meterValues []ocpp16.MeterValue, defaultContext string) []storage.MeterValueRecord {
	if defaultContext == "" {
		defaultContext = string(ocpp16.ReadingContextSamplePeriodic)
	}

	var records []storage.MeterValueRecord
	for _, mv := range meterValues {
		for _, sv := range mv.SampledValue {
			value, err := strconv.ParseFloat(sv.Value, 64)
			if err != nil {
				p.logger.Warnf("Skipping non-numeric sampled value %q", sv.Value)
				continue
			}

			record := storage.MeterValueRecord{
				SessionID: sessionID,
				Timestamp: mv.Timestamp.UTC(),
				Value:     value,
				Unit:      string(ocpp16.UnitOfMeasureWh),
				Measurand: string(ocpp16.MeasurandEnergyActiveImportRegister),
				Location:  string(ocpp16.LocationOutlet),
				Context:   defaultContext,
				Format:    string(ocpp16.ValueFormatRaw),
			}
			if sv.Unit != nil {
				record.Unit = string(*sv.Unit)
			}
			if sv.Measurand != nil {
				record.Measurand = string(*sv.Measurand)
			}
			if sv.Phase != nil {
				phase := string(*sv.Phase)
				record.Phase = &phase
			}
			if sv.Location != nil {
				record.Location = string(*sv.Location)
			}
			if sv.Context != nil {
				record.Context = string(*sv.Context)
			}
			if sv.Format != nil {
				record.Format = string(*sv.Format)
			}
			records = append(records, record)
		}
	}
	return records
}

// handleStatusNotification 追加状态历史。
// connectorId为0时同时镜像到充电桩整体状态。
func (p *Processor) handleStatusNotification(ctx context.Context, chargePointID string, req *ocpp16.StatusNotificationRequest) (*ocpp16.StatusNotificationResponse, error) {
	p.logger.Infof("StatusNotification from %s: connector %d status %s", chargePointID, req.ConnectorId, req.Status)

	now := time.Now().UTC()
	var reportedAt *time.Time
	if req.Timestamp != nil {
		ts := req.Timestamp.UTC()
		reportedAt = &ts
	} else {
		reportedAt = &now
	}

	record := &storage.ConnectorStatusRecord{
		ChargePointID:   chargePointID,
		ConnectorID:     req.ConnectorId,
		Status:          string(req.Status),
		ErrorCode:       string(req.ErrorCode),
		Timestamp:       reportedAt,
		Info:            req.Info,
		VendorID:        req.VendorId,
		VendorErrorCode: req.VendorErrorCode,
		CreatedAt:       now,
	}
	if err := p.repo.RecordConnectorStatus(ctx, record); err != nil {
		p.logger.With("charge_point_id", chargePointID).ErrorWithErr(err, "Failed to record connector status")
	}

	if req.ConnectorId == 0 {
		if err := p.repo.UpdateChargePointStatus(ctx, chargePointID, string(req.Status), now); err != nil {
			p.logger.With("charge_point_id", chargePointID).Warnf("Failed to mirror status to charge point: %v", err)
		}
	}

	if err := p.producer.PublishEvent(events.NewConnectorStatusChangedEvent(chargePointID, events.ConnectorInfo{
		ID:            req.ConnectorId,
		ChargePointID: chargePointID,
		Status:        string(req.Status),
		ErrorCode:     string(req.ErrorCode),
	})); err != nil {
		p.logger.ErrorWithErr(err, "Failed to publish connector status event")
	}

	return &ocpp16.StatusNotificationResponse{}, nil
}

// SendCall 向充电桩发起出站Call并等待响应。
// 超时、连接关闭或CallError都以错误返回，成功返回CallResult的原始负载。
func (p *Processor) SendCall(ctx context.Context, chargePointID string, sender Sender, action ocpp16.Action, payload interface{}) (json.RawMessage, error) {
	messageID := uuid.New().String()

	data, err := p.serializer.SerializeCall(messageID, action, payload)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize %s call: %w", action, err)
	}

	req := &pendingRequest{
		messageID:     messageID,
		chargePointID: chargePointID,
		action:        action,
		outcomeChan:   make(chan callOutcome, 1),
		createdAt:     time.Now(),
		timeout:       p.config.CommandTimeout,
	}

	p.requestMutex.Lock()
	p.pendingRequests[messageID] = req
	p.requestMutex.Unlock()

	if err := sender.Send(data); err != nil {
		p.removePending(messageID)
		return nil, fmt.Errorf("failed to send %s call: %w", action, err)
	}

	p.logger.Debugf("Sent %s call %s to %s", action, messageID, chargePointID)

	timer := time.NewTimer(p.config.CommandTimeout)
	defer timer.Stop()

	select {
	case outcome := <-req.outcomeChan:
		if outcome.err != nil {
			return nil, outcome.err
		}
		return outcome.payload, nil
	case <-timer.C:
		p.removePending(messageID)
		return nil, ErrCallTimeout
	case <-ctx.Done():
		p.removePending(messageID)
		return nil, ctx.Err()
	}
}

// completeCall 将入站CallResult/CallError投递给等待的出站Call。
// 超时后迟到的响应在此被静默丢弃。
func (p *Processor) completeCall(chargePointID, messageID string, outcome callOutcome) {
	p.requestMutex.Lock()
	req, exists := p.pendingRequests[messageID]
	if exists {
		delete(p.pendingRequests, messageID)
	}
	p.requestMutex.Unlock()

	if !exists {
		p.logger.Debugf("Dropping response %s from %s with no pending request", messageID, chargePointID)
		return
	}

	req.outcomeChan <- outcome
}

// CancelPending 取消指定充电桩的全部待处理出站Call，连接关闭时调用
func (p *Processor) CancelPending(chargePointID string) {
	p.requestMutex.Lock()
	var cancelled []*pendingRequest
	for messageID, req := range p.pendingRequests {
		if req.chargePointID == chargePointID {
			cancelled = append(cancelled, req)
			delete(p.pendingRequests, messageID)
		}
	}
	p.requestMutex.Unlock()

	for _, req := range cancelled {
		req.outcomeChan <- callOutcome{err: ErrConnectionClosed}
	}

	if len(cancelled) > 0 {
		p.logger.Warnf("Cancelled %d pending calls for %s", len(cancelled), chargePointID)
	}
}

// PendingCallCount 待处理出站Call数量
func (p *Processor) PendingCallCount() int {
	p.requestMutex.RLock()
	defer p.requestMutex.RUnlock()
	return len(p.pendingRequests)
}

func (p *Processor) removePending(messageID string) {
	p.requestMutex.Lock()
	delete(p.pendingRequests, messageID)
	p.requestMutex.Unlock()
}

// sendCallError 回写CallError并记录指标
func (p *Processor) sendCallError(sender Sender, chargePointID, messageID string, code ocpp16.ErrorCode, description string) error {
	p.logger.Warnf("Sending CallError %s to %s: %s", code, chargePointID, description)
	metrics.CallErrorsSent.WithLabelValues(string(code)).Inc()

	data, err := p.serializer.SerializeCallError(messageID, code, description, nil)
	if err != nil {
		return err
	}
	return sender.Send(data)
}

// extractMessageID 从无法完整解码的帧中尽力提取UniqueId
func extractMessageID(data []byte) (string, bool) {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil || len(raw) < 2 {
		return "", false
	}
	var messageID string
	if err := json.Unmarshal(raw[1], &messageID); err != nil || messageID == "" {
		return "", false
	}
	return messageID, true
}

// cleanupRoutine 周期清理超时未应答的出站Call
func (p *Processor) cleanupRoutine() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			p.cleanupExpiredRequests()
		}
	}
}

func (p *Processor) cleanupExpiredRequests() {
	now := time.Now()

	p.requestMutex.Lock()
	var expired []*pendingRequest
	for messageID, req := range p.pendingRequests {
		if now.Sub(req.createdAt) > req.timeout {
			expired = append(expired, req)
			delete(p.pendingRequests, messageID)
		}
	}
	p.requestMutex.Unlock()

	for _, req := range expired {
		select {
		case req.outcomeChan <- callOutcome{err: ErrCallTimeout}:
		default:
		}
	}

	if len(expired) > 0 {
		p.logger.Warnf("Cleaned up %d expired pending calls", len(expired))
	}
}
