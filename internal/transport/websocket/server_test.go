package websocket

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/charging-platform/central-system/internal/logger"
	"github.com/charging-platform/central-system/internal/message"
	"github.com/charging-platform/central-system/internal/registry"
	"github.com/charging-platform/central-system/internal/storage/memory"

	protocol "github.com/charging-platform/central-system/internal/protocol/ocpp16"
)

type testServer struct {
	repo     *memory.Repository
	registry *registry.Registry
	server   *Server
	http     *httptest.Server
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	log, err := logger.New(nil)
	require.NoError(t, err)

	repo := memory.NewRepository()
	reg := registry.NewRegistry(repo, message.NopProducer{}, nil, "cs-test-1", log)
	proc := protocol.NewProcessor(repo, message.NopProducer{}, protocol.DefaultConfig(), log)

	srv := NewServer(DefaultConfig(), reg, proc, log)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	return &testServer{repo: repo, registry: reg, server: srv, http: ts}
}

func (ts *testServer) wsURL(chargePointID string) string {
	return "ws" + strings.TrimPrefix(ts.http.URL, "http") + "/" + chargePointID
}

func dialOCPP(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	dialer := websocket.Dialer{Subprotocols: []string{"ocpp1.6"}}
	conn, _, err := dialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestServer_AcceptsRootPath(t *testing.T) {
	ts := newTestServer(t)

	// 充电桩按 ws://host:port/<chargePointId> 直连，无前缀
	conn := dialOCPP(t, ts.wsURL("CP001"))
	assert.Equal(t, "ocpp1.6", conn.Subprotocol())

	assert.Eventually(t, func() bool { return ts.registry.Count() == 1 }, time.Second, 10*time.Millisecond)
	_, ok := ts.registry.Get("CP001")
	assert.True(t, ok)
}

func TestServer_PathPrefixConfigurable(t *testing.T) {
	log, err := logger.New(nil)
	require.NoError(t, err)

	repo := memory.NewRepository()
	reg := registry.NewRegistry(repo, message.NopProducer{}, nil, "cs-test-1", log)
	proc := protocol.NewProcessor(repo, message.NopProducer{}, protocol.DefaultConfig(), log)

	cfg := DefaultConfig()
	cfg.Path = "/ocpp"
	srv := NewServer(cfg, reg, proc, log)
	hs := httptest.NewServer(srv.Handler())
	defer hs.Close()

	url := "ws" + strings.TrimPrefix(hs.URL, "http") + "/ocpp/CP001"
	conn := dialOCPP(t, url)
	defer conn.Close()

	assert.Eventually(t, func() bool { return reg.Count() == 1 }, time.Second, 10*time.Millisecond)
	_, ok := reg.Get("CP001")
	assert.True(t, ok)
}

func TestServer_RejectsMissingSubprotocol(t *testing.T) {
	ts := newTestServer(t)

	// 不携带子协议的握手会升级成功，但服务端立即以1002关闭
	conn, _, err := websocket.DefaultDialer.Dial(ts.wsURL("CP001"), nil)
	require.NoError(t, err)
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseProtocolError),
		"expected close 1002, got %v", err)

	assert.Eventually(t, func() bool { return ts.registry.Count() == 0 }, time.Second, 10*time.Millisecond)
}

func TestServer_RejectsInvalidChargePointID(t *testing.T) {
	ts := newTestServer(t)

	dialer := websocket.Dialer{Subprotocols: []string{"ocpp1.6"}}
	_, resp, err := dialer.Dial(ts.wsURL(""), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, 400, resp.StatusCode)
}

func TestServer_BootNotificationRoundTrip(t *testing.T) {
	ts := newTestServer(t)

	conn := dialOCPP(t, ts.wsURL("CP001"))
	assert.Equal(t, "ocpp1.6", conn.Subprotocol())

	boot := `[2,"boot-1","BootNotification",{"chargePointVendor":"VendorX","chargePointModel":"ModelY"}]`
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(boot)))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var frame []json.RawMessage
	require.NoError(t, json.Unmarshal(data, &frame))
	require.Len(t, frame, 3)
	assert.Equal(t, "3", string(frame[0]))
	assert.Equal(t, `"boot-1"`, string(frame[1]))

	var payload struct {
		Status   string `json:"status"`
		Interval int    `json:"interval"`
	}
	require.NoError(t, json.Unmarshal(frame[2], &payload))
	assert.Equal(t, "Accepted", payload.Status)
	assert.Equal(t, 300, payload.Interval)

	assert.Eventually(t, func() bool { return ts.registry.Count() == 1 }, time.Second, 10*time.Millisecond)

	cp, err := ts.repo.GetChargePoint(context.Background(), "CP001")
	require.NoError(t, err)
	require.NotNil(t, cp.Vendor)
	assert.Equal(t, "VendorX", *cp.Vendor)
	assert.True(t, cp.IsOnline)
}

func TestServer_DisconnectUnregisters(t *testing.T) {
	ts := newTestServer(t)

	conn := dialOCPP(t, ts.wsURL("CP001"))
	assert.Eventually(t, func() bool { return ts.registry.Count() == 1 }, time.Second, 10*time.Millisecond)

	require.NoError(t, conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))
	conn.Close()

	assert.Eventually(t, func() bool { return ts.registry.Count() == 0 }, time.Second, 10*time.Millisecond)

	cp, err := ts.repo.GetChargePoint(context.Background(), "CP001")
	require.NoError(t, err)
	assert.False(t, cp.IsOnline)
}

func TestServer_DuplicateConnectionReplaced(t *testing.T) {
	ts := newTestServer(t)

	first := dialOCPP(t, ts.wsURL("CP001"))
	assert.Eventually(t, func() bool { return ts.registry.Count() == 1 }, time.Second, 10*time.Millisecond)

	second := dialOCPP(t, ts.wsURL("CP001"))

	// 新连接胜出，旧连接被服务端关闭
	first.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := first.ReadMessage()
	assert.Error(t, err)

	assert.Eventually(t, func() bool { return ts.registry.Count() == 1 }, time.Second, 10*time.Millisecond)

	// 新连接仍然可用
	heartbeat := `[2,"hb-1","Heartbeat",{}]`
	require.NoError(t, second.WriteMessage(websocket.TextMessage, []byte(heartbeat)))
	second.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := second.ReadMessage()
	require.NoError(t, err)
	assert.Contains(t, string(data), `"currentTime"`)
}
