package ocpp16

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/charging-platform/central-system/internal/domain/ocpp16"
	"github.com/charging-platform/central-system/internal/logger"
	"github.com/charging-platform/central-system/internal/message"
	"github.com/charging-platform/central-system/internal/storage"
	"github.com/charging-platform/central-system/internal/storage/memory"
)

// fakeSender 记录发出的帧
type fakeSender struct {
	mu     sync.Mutex
	frames [][]byte
}

func (s *fakeSender) Send(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, data)
	return nil
}

func (s *fakeSender) last(t *testing.T) []json.RawMessage {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	require.NotEmpty(t, s.frames)

	var frame []json.RawMessage
	require.NoError(t, json.Unmarshal(s.frames[len(s.frames)-1], &frame))
	return frame
}

func (s *fakeSender) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.frames)
}

func newTestProcessor(t *testing.T) (*Processor, *memory.Repository) {
	t.Helper()
	log, err := logger.New(nil)
	require.NoError(t, err)

	repo := memory.NewRepository()
	p := NewProcessor(repo, message.NopProducer{}, DefaultConfig(), log)
	return p, repo
}

func decodeString(t *testing.T, raw json.RawMessage) string {
	t.Helper()
	var s string
	require.NoError(t, json.Unmarshal(raw, &s))
	return s
}

func TestProcessor_BootNotification(t *testing.T) {
	p, repo := newTestProcessor(t)
	sender := &fakeSender{}
	ctx := context.Background()

	raw := []byte(`[2,"u1","BootNotification",{"chargePointVendor":"VendorX","chargePointModel":"ModelY"}]`)
	require.NoError(t, p.HandleMessage(ctx, "CP001", sender, raw))

	frame := sender.last(t)
	require.Len(t, frame, 3)
	assert.Equal(t, "3", string(frame[0]))
	assert.Equal(t, "u1", decodeString(t, frame[1]))

	var payload ocpp16.BootNotificationResponse
	require.NoError(t, json.Unmarshal(frame[2], &payload))
	assert.Equal(t, ocpp16.RegistrationStatusAccepted, payload.Status)
	assert.Equal(t, 300, payload.Interval)

	cp, err := repo.GetChargePoint(ctx, "CP001")
	require.NoError(t, err)
	assert.Equal(t, "VendorX", *cp.Vendor)
	assert.Equal(t, "Accepted", *cp.BootStatus)
	assert.True(t, cp.IsOnline)
}

func TestProcessor_Heartbeat(t *testing.T) {
	p, repo := newTestProcessor(t)
	sender := &fakeSender{}
	ctx := context.Background()

	require.NoError(t, repo.SetChargePointOnline(ctx, "CP001", true, time.Now().UTC()))

	raw := []byte(`[2,"hb1","Heartbeat",{}]`)
	require.NoError(t, p.HandleMessage(ctx, "CP001", sender, raw))

	frame := sender.last(t)
	require.Len(t, frame, 3)

	var payload map[string]string
	require.NoError(t, json.Unmarshal(frame[2], &payload))
	// 线上时间戳以Z结尾
	assert.Regexp(t, `^\d{4}-\d{2}-\d{2}T\d{2}:\d{2}:\d{2}\.\d{3}Z$`, payload["currentTime"])
}

func TestProcessor_AuthorizeMatrix(t *testing.T) {
	p, repo := newTestProcessor(t)
	ctx := context.Background()

	yesterday := time.Now().UTC().Add(-24 * time.Hour)
	repo.SeedIdTag(storage.IdTag{Tag: "VALID001", Status: "Accepted"})
	repo.SeedIdTag(storage.IdTag{Tag: "BLOCKED001", Status: "Blocked"})
	repo.SeedIdTag(storage.IdTag{Tag: "EXPIRED001", Status: "Accepted", ExpiryDate: &yesterday})
	// Blocked与Expired同时满足时Blocked优先
	repo.SeedIdTag(storage.IdTag{Tag: "BOTH001", Status: "Blocked", ExpiryDate: &yesterday})

	tests := []struct {
		idTag    string
		expected ocpp16.AuthorizationStatus
	}{
		{"VALID001", ocpp16.AuthorizationStatusAccepted},
		{"BLOCKED001", ocpp16.AuthorizationStatusBlocked},
		{"EXPIRED001", ocpp16.AuthorizationStatusExpired},
		{"BOTH001", ocpp16.AuthorizationStatusBlocked},
		{"UNKNOWN", ocpp16.AuthorizationStatusInvalid},
	}

	for _, tt := range tests {
		t.Run(tt.idTag, func(t *testing.T) {
			sender := &fakeSender{}
			raw := []byte(fmt.Sprintf(`[2,"a1","Authorize",{"idTag":"%s"}]`, tt.idTag))
			require.NoError(t, p.HandleMessage(ctx, "CP001", sender, raw))

			frame := sender.last(t)
			require.Len(t, frame, 3)

			var payload ocpp16.AuthorizeResponse
			require.NoError(t, json.Unmarshal(frame[2], &payload))
			assert.Equal(t, tt.expected, payload.IdTagInfo.Status)
		})
	}
}

func TestProcessor_FullTransaction(t *testing.T) {
	p, repo := newTestProcessor(t)
	sender := &fakeSender{}
	ctx := context.Background()

	repo.SeedIdTag(storage.IdTag{Tag: "VALID001", Status: "Accepted"})

	start := []byte(`[2,"s1","StartTransaction",{"connectorId":1,"idTag":"VALID001","meterStart":1000,"timestamp":"2024-01-01T10:00:00Z"}]`)
	require.NoError(t, p.HandleMessage(ctx, "CP001", sender, start))

	frame := sender.last(t)
	var startResp ocpp16.StartTransactionResponse
	require.NoError(t, json.Unmarshal(frame[2], &startResp))
	assert.Equal(t, ocpp16.AuthorizationStatusAccepted, startResp.IdTagInfo.Status)
	assert.GreaterOrEqual(t, startResp.TransactionId, storage.TxIDMin)
	assert.LessOrEqual(t, startResp.TransactionId, storage.TxIDMax)

	stop := []byte(fmt.Sprintf(`[2,"s2","StopTransaction",{"transactionId":%d,"timestamp":"2024-01-01T11:00:00Z","meterStop":16000,"reason":"Local"}]`, startResp.TransactionId))
	require.NoError(t, p.HandleMessage(ctx, "CP001", sender, stop))

	frame = sender.last(t)
	assert.Equal(t, "3", string(frame[0]))

	session, err := repo.GetSessionByTransactionID(ctx, startResp.TransactionId)
	require.NoError(t, err)
	assert.Equal(t, storage.SessionStatusCompleted, session.Status)
	assert.Equal(t, 16000, *session.MeterStop)
	assert.Equal(t, "Local", *session.StopReason)
	assert.InDelta(t, 15.0, *session.EnergyConsumed, 0.0001)
}

func TestProcessor_StartTransaction_RejectedTag(t *testing.T) {
	p, repo := newTestProcessor(t)
	sender := &fakeSender{}
	ctx := context.Background()

	repo.SeedIdTag(storage.IdTag{Tag: "BLOCKED001", Status: "Blocked"})

	raw := []byte(`[2,"s1","StartTransaction",{"connectorId":1,"idTag":"BLOCKED001","meterStart":0,"timestamp":"2024-01-01T10:00:00Z"}]`)
	require.NoError(t, p.HandleMessage(ctx, "CP001", sender, raw))

	frame := sender.last(t)
	var resp ocpp16.StartTransactionResponse
	require.NoError(t, json.Unmarshal(frame[2], &resp))
	assert.Equal(t, ocpp16.AuthorizationStatusBlocked, resp.IdTagInfo.Status)
	assert.Equal(t, 0, resp.TransactionId)

	// 未创建会话
	_, err := repo.GetActiveSession(ctx, "CP001", 1)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestProcessor_StartTransaction_ConnectorBusy(t *testing.T) {
	p, repo := newTestProcessor(t)
	sender := &fakeSender{}
	ctx := context.Background()

	repo.SeedIdTag(storage.IdTag{Tag: "VALID001", Status: "Accepted"})

	first := []byte(`[2,"s1","StartTransaction",{"connectorId":1,"idTag":"VALID001","meterStart":0,"timestamp":"2024-01-01T10:00:00Z"}]`)
	require.NoError(t, p.HandleMessage(ctx, "CP001", sender, first))

	frame := sender.last(t)
	var firstResp ocpp16.StartTransactionResponse
	require.NoError(t, json.Unmarshal(frame[2], &firstResp))
	assert.Equal(t, ocpp16.AuthorizationStatusAccepted, firstResp.IdTagInfo.Status)
	assert.GreaterOrEqual(t, firstResp.TransactionId, storage.TxIDMin)

	// 同一连接器上的第二笔交易被拒绝，已有会话保持不变
	second := []byte(`[2,"s2","StartTransaction",{"connectorId":1,"idTag":"VALID001","meterStart":50,"timestamp":"2024-01-01T10:05:00Z"}]`)
	require.NoError(t, p.HandleMessage(ctx, "CP001", sender, second))

	frame = sender.last(t)
	var secondResp ocpp16.StartTransactionResponse
	require.NoError(t, json.Unmarshal(frame[2], &secondResp))
	assert.Equal(t, ocpp16.AuthorizationStatusInvalid, secondResp.IdTagInfo.Status)
	assert.Equal(t, 0, secondResp.TransactionId)

	active, err := repo.GetActiveSession(ctx, "CP001", 1)
	require.NoError(t, err)
	assert.Equal(t, firstResp.TransactionId, active.TransactionID)
}

func TestProcessor_Authorize_BlockedOmitsExpiry(t *testing.T) {
	p, repo := newTestProcessor(t)
	sender := &fakeSender{}
	ctx := context.Background()

	yesterday := time.Now().UTC().Add(-24 * time.Hour)
	parent := "PARENT01"
	repo.SeedIdTag(storage.IdTag{Tag: "BOTH001", Status: "Blocked", ExpiryDate: &yesterday, ParentIdTag: &parent})

	raw := []byte(`[2,"a1","Authorize",{"idTag":"BOTH001"}]`)
	require.NoError(t, p.HandleMessage(ctx, "CP001", sender, raw))

	frame := sender.last(t)
	var payload struct {
		IdTagInfo map[string]json.RawMessage `json:"idTagInfo"`
	}
	require.NoError(t, json.Unmarshal(frame[2], &payload))
	assert.JSONEq(t, `"Blocked"`, string(payload.IdTagInfo["status"]))
	assert.NotContains(t, payload.IdTagInfo, "expiryDate")
	assert.NotContains(t, payload.IdTagInfo, "parentIdTag")
}

func TestProcessor_StopTransaction_UnknownSession(t *testing.T) {
	p, _ := newTestProcessor(t)
	sender := &fakeSender{}
	ctx := context.Background()

	// 会话不存在时仍然正常应答
	raw := []byte(`[2,"s1","StopTransaction",{"transactionId":999999,"timestamp":"2024-01-01T11:00:00Z","meterStop":500}]`)
	require.NoError(t, p.HandleMessage(ctx, "CP001", sender, raw))

	frame := sender.last(t)
	require.Len(t, frame, 3)
	assert.Equal(t, "3", string(frame[0]))
	assert.JSONEq(t, `{}`, string(frame[2]))
}

func TestProcessor_MeterValues_OrphanedReading(t *testing.T) {
	p, repo := newTestProcessor(t)
	sender := &fakeSender{}
	ctx := context.Background()

	raw := []byte(`[2,"m1","MeterValues",{"connectorId":1,"transactionId":555555,"meterValue":[{"timestamp":"2024-01-01T10:15:00Z","sampledValue":[{"value":"1234.5"},{"value":"not-a-number"}]}]}]`)
	require.NoError(t, p.HandleMessage(ctx, "CP001", sender, raw))

	frame := sender.last(t)
	assert.Equal(t, "3", string(frame[0]))

	// 数值读数入库为孤儿记录，非数值读数被跳过
	records := repo.MeterValues()
	require.Len(t, records, 1)
	assert.Nil(t, records[0].SessionID)
	assert.Equal(t, 1234.5, records[0].Value)
	assert.Equal(t, "Wh", records[0].Unit)
}

func TestProcessor_StatusNotification_ConnectorZero(t *testing.T) {
	p, repo := newTestProcessor(t)
	sender := &fakeSender{}
	ctx := context.Background()

	require.NoError(t, repo.SetChargePointOnline(ctx, "CP001", true, time.Now().UTC()))

	raw := []byte(`[2,"n1","StatusNotification",{"connectorId":0,"errorCode":"NoError","status":"Unavailable"}]`)
	require.NoError(t, p.HandleMessage(ctx, "CP001", sender, raw))

	// connectorId为0时镜像到充电桩整体状态
	cp, err := repo.GetChargePoint(ctx, "CP001")
	require.NoError(t, err)
	assert.Equal(t, "Unavailable", cp.Status)

	statuses := repo.ConnectorStatuses()
	require.Len(t, statuses, 1)
	assert.Equal(t, 0, statuses[0].ConnectorID)
}

func TestProcessor_UnknownAction(t *testing.T) {
	p, _ := newTestProcessor(t)
	sender := &fakeSender{}

	raw := []byte(`[2,"x1","Reset",{"type":"Hard"}]`)
	require.NoError(t, p.HandleMessage(context.Background(), "CP001", sender, raw))

	frame := sender.last(t)
	require.Len(t, frame, 5)
	assert.Equal(t, "4", string(frame[0]))
	assert.Equal(t, "x1", decodeString(t, frame[1]))
	assert.Equal(t, string(ocpp16.ErrorCodeNotImplemented), decodeString(t, frame[2]))
}

func TestProcessor_MalformedPayload(t *testing.T) {
	p, _ := newTestProcessor(t)
	sender := &fakeSender{}

	// 缺少必填字段chargePointModel
	raw := []byte(`[2,"b1","BootNotification",{"chargePointVendor":"V"}]`)
	require.NoError(t, p.HandleMessage(context.Background(), "CP001", sender, raw))

	frame := sender.last(t)
	require.Len(t, frame, 5)
	assert.Equal(t, "4", string(frame[0]))
	assert.Equal(t, string(ocpp16.ErrorCodeFormationViolation), decodeString(t, frame[2]))
}

func TestProcessor_UnparseableFrame(t *testing.T) {
	p, _ := newTestProcessor(t)
	sender := &fakeSender{}

	// 完全无法解析且提取不到UniqueId，静默丢弃
	require.NoError(t, p.HandleMessage(context.Background(), "CP001", sender, []byte(`not json`)))
	assert.Equal(t, 0, sender.count())
}

func TestProcessor_InboundRemoteStartRejected(t *testing.T) {
	p, _ := newTestProcessor(t)
	sender := &fakeSender{}

	raw := []byte(`[2,"r1","RemoteStartTransaction",{"idTag":"VALID001"}]`)
	require.NoError(t, p.HandleMessage(context.Background(), "CP001", sender, raw))

	frame := sender.last(t)
	require.Len(t, frame, 3)

	var resp ocpp16.RemoteStartTransactionResponse
	require.NoError(t, json.Unmarshal(frame[2], &resp))
	assert.Equal(t, ocpp16.RemoteStartStopStatusRejected, resp.Status)
}

func TestProcessor_SendCall_Success(t *testing.T) {
	p, _ := newTestProcessor(t)
	sender := &fakeSender{}
	ctx := context.Background()

	done := make(chan struct{})
	var payload json.RawMessage
	var callErr error

	go func() {
		defer close(done)
		payload, callErr = p.SendCall(ctx, "CP001", sender, ocpp16.ActionRemoteStartTransaction,
			&ocpp16.RemoteStartTransactionRequest{IdTag: "VALID001"})
	}()

	// 等待Call帧发出，取其UniqueId构造CallResult
	require.Eventually(t, func() bool { return sender.count() > 0 }, time.Second, 10*time.Millisecond)

	frame := sender.last(t)
	require.Len(t, frame, 4)
	assert.Equal(t, "2", string(frame[0]))
	messageID := decodeString(t, frame[1])
	assert.Equal(t, "RemoteStartTransaction", decodeString(t, frame[2]))

	result := []byte(fmt.Sprintf(`[3,"%s",{"status":"Accepted"}]`, messageID))
	require.NoError(t, p.HandleMessage(ctx, "CP001", sender, result))

	<-done
	require.NoError(t, callErr)
	assert.JSONEq(t, `{"status":"Accepted"}`, string(payload))
	assert.Equal(t, 0, p.PendingCallCount())
}

func TestProcessor_SendCall_CallError(t *testing.T) {
	p, _ := newTestProcessor(t)
	sender := &fakeSender{}
	ctx := context.Background()

	done := make(chan struct{})
	var callErr error

	go func() {
		defer close(done)
		_, callErr = p.SendCall(ctx, "CP001", sender, ocpp16.ActionRemoteStopTransaction,
			&ocpp16.RemoteStopTransactionRequest{TransactionId: 123456})
	}()

	require.Eventually(t, func() bool { return sender.count() > 0 }, time.Second, 10*time.Millisecond)

	frame := sender.last(t)
	messageID := decodeString(t, frame[1])
	callError := []byte(fmt.Sprintf(`[4,"%s","InternalError","charge point fault",{}]`, messageID))
	require.NoError(t, p.HandleMessage(ctx, "CP001", sender, callError))

	<-done
	require.Error(t, callErr)

	var failure *CallFailure
	require.ErrorAs(t, callErr, &failure)
	assert.Equal(t, ocpp16.ErrorCodeInternalError, failure.Code)
	assert.Equal(t, "charge point fault", failure.Description)
}

func TestProcessor_SendCall_Timeout(t *testing.T) {
	log, err := logger.New(nil)
	require.NoError(t, err)

	cfg := DefaultConfig()
	cfg.CommandTimeout = 50 * time.Millisecond
	p := NewProcessor(memory.NewRepository(), message.NopProducer{}, cfg, log)
	sender := &fakeSender{}

	_, err = p.SendCall(context.Background(), "CP001", sender, ocpp16.ActionChangeAvailability,
		&ocpp16.ChangeAvailabilityRequest{ConnectorId: 0, Type: ocpp16.AvailabilityTypeOperative})
	assert.ErrorIs(t, err, ErrCallTimeout)
	assert.Equal(t, 0, p.PendingCallCount())
}

func TestProcessor_CancelPending(t *testing.T) {
	p, _ := newTestProcessor(t)
	sender := &fakeSender{}

	done := make(chan struct{})
	var callErr error

	go func() {
		defer close(done)
		_, callErr = p.SendCall(context.Background(), "CP001", sender, ocpp16.ActionRemoteStartTransaction,
			&ocpp16.RemoteStartTransactionRequest{IdTag: "VALID001"})
	}()

	require.Eventually(t, func() bool { return p.PendingCallCount() == 1 }, time.Second, 10*time.Millisecond)

	// 连接关闭时取消该充电桩的全部待处理Call
	p.CancelPending("CP001")

	<-done
	assert.ErrorIs(t, callErr, ErrConnectionClosed)
	assert.Equal(t, 0, p.PendingCallCount())
}

func TestProcessor_LateResponseDropped(t *testing.T) {
	p, _ := newTestProcessor(t)
	sender := &fakeSender{}
	ctx := context.Background()

	// 无对应待处理请求的CallResult被静默丢弃
	require.NoError(t, p.HandleMessage(ctx, "CP001", sender, []byte(`[3,"ghost",{"status":"Accepted"}]`)))
	assert.Equal(t, 0, sender.count())
}
