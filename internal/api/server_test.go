package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/charging-platform/central-system/internal/command"
	"github.com/charging-platform/central-system/internal/logger"
	"github.com/charging-platform/central-system/internal/message"
	"github.com/charging-platform/central-system/internal/registry"
	"github.com/charging-platform/central-system/internal/storage"
	"github.com/charging-platform/central-system/internal/storage/memory"

	protocol "github.com/charging-platform/central-system/internal/protocol/ocpp16"
)

type testAPI struct {
	repo     *memory.Repository
	registry *registry.Registry
	server   *Server
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	log, err := logger.New(nil)
	require.NoError(t, err)

	repo := memory.NewRepository()
	reg := registry.NewRegistry(repo, message.NopProducer{}, nil, "cs-test-1", log)
	proc := protocol.NewProcessor(repo, message.NopProducer{}, protocol.DefaultConfig(), log)
	svc := command.NewService(reg, proc, repo, log)

	return &testAPI{
		repo:     repo,
		registry: reg,
		server:   NewServer(":0", svc, repo, reg, log),
	}
}

func (a *testAPI) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	rec := httptest.NewRecorder()
	a.server.Router().ServeHTTP(rec, req)
	return rec
}

func seedChargePoint(t *testing.T, repo *memory.Repository, id string) {
	t.Helper()
	_, err := repo.UpsertChargePointBoot(context.Background(), id, storage.BootInfo{
		Vendor:     "VendorX",
		Model:      "ModelY",
		BootStatus: "Accepted",
	}, time.Now().UTC())
	require.NoError(t, err)
}

func TestAPI_Health(t *testing.T) {
	api := newTestAPI(t)

	rec := api.do(t, http.MethodGet, "/health", "")

	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, float64(0), body["connections"])
}

func TestAPI_ListChargePoints(t *testing.T) {
	api := newTestAPI(t)
	seedChargePoint(t, api.repo, "CP001")
	seedChargePoint(t, api.repo, "CP002")

	rec := api.do(t, http.MethodGet, "/api/v1/charge-points", "")

	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		ChargePoints []struct {
			ID        string `json:"id"`
			Connected bool   `json:"connected"`
		} `json:"chargePoints"`
		Total int `json:"total"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, 2, body.Total)
	for _, cp := range body.ChargePoints {
		assert.False(t, cp.Connected)
	}
}

func TestAPI_GetChargePoint(t *testing.T) {
	api := newTestAPI(t)
	seedChargePoint(t, api.repo, "CP001")

	rec := api.do(t, http.MethodGet, "/api/v1/charge-points/CP001", "")

	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		ID        string `json:"id"`
		Vendor    string `json:"vendor"`
		Connected bool   `json:"connected"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "CP001", body.ID)
	assert.Equal(t, "VendorX", body.Vendor)
	assert.False(t, body.Connected)
}

func TestAPI_GetChargePoint_NotFound(t *testing.T) {
	api := newTestAPI(t)

	rec := api.do(t, http.MethodGet, "/api/v1/charge-points/CP404", "")

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAPI_RemoteStart_MissingIdTag(t *testing.T) {
	api := newTestAPI(t)

	rec := api.do(t, http.MethodPost, "/api/v1/charge-points/CP001/remote-start", `{}`)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "idTag is required")
}

func TestAPI_RemoteStart_InvalidConnector(t *testing.T) {
	api := newTestAPI(t)

	rec := api.do(t, http.MethodPost, "/api/v1/charge-points/CP001/remote-start",
		`{"idTag":"VALID001","connectorId":0}`)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAPI_RemoteStart_NotConnected(t *testing.T) {
	api := newTestAPI(t)
	api.repo.SeedIdTag(storage.IdTag{Tag: "VALID001", Status: "Accepted"})

	rec := api.do(t, http.MethodPost, "/api/v1/charge-points/CP001/remote-start",
		`{"idTag":"VALID001"}`)

	// 指令失败以结构化结果返回，HTTP层面仍是200
	require.Equal(t, http.StatusOK, rec.Code)
	var result command.RemoteStartResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "not connected")
}

func TestAPI_RemoteStart_ChargingProfileAccepted(t *testing.T) {
	api := newTestAPI(t)
	api.repo.SeedIdTag(storage.IdTag{Tag: "VALID001", Status: "Accepted"})

	rec := api.do(t, http.MethodPost, "/api/v1/charge-points/CP001/remote-start",
		`{"idTag":"VALID001","chargingProfile":{"chargingProfileId":7,"stackLevel":0}}`)

	// 充电桩未连接，但chargingProfile是合法字段，不能被当作未知字段拒绝
	require.Equal(t, http.StatusOK, rec.Code)
	var result command.RemoteStartResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "not connected")
}

func TestAPI_RemoteStop_MissingTransactionID(t *testing.T) {
	api := newTestAPI(t)

	rec := api.do(t, http.MethodPost, "/api/v1/charge-points/CP001/remote-stop", `{}`)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "transactionId is required")
}

func TestAPI_RemoteStop_UnknownTransaction(t *testing.T) {
	api := newTestAPI(t)

	rec := api.do(t, http.MethodPost, "/api/v1/charge-points/CP001/remote-stop",
		`{"transactionId":123456}`)

	require.Equal(t, http.StatusOK, rec.Code)
	var result command.RemoteStopResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "not found")
}

func TestAPI_ChangeAvailability_MissingType(t *testing.T) {
	api := newTestAPI(t)

	rec := api.do(t, http.MethodPost, "/api/v1/charge-points/CP001/change-availability",
		`{"connectorId":0}`)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "type is required")
}

func TestAPI_ChangeAvailability_UnknownChargePoint(t *testing.T) {
	api := newTestAPI(t)

	rec := api.do(t, http.MethodPost, "/api/v1/charge-points/CP404/change-availability",
		`{"connectorId":0,"type":"Operative"}`)

	require.Equal(t, http.StatusOK, rec.Code)
	var result command.ChangeAvailabilityResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.Equal(t, "Rejected", result.Status)
	assert.Contains(t, result.Error, "not found")
}

func TestAPI_UnknownFieldRejected(t *testing.T) {
	api := newTestAPI(t)

	rec := api.do(t, http.MethodPost, "/api/v1/charge-points/CP001/remote-start",
		`{"idTag":"VALID001","bogus":true}`)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
