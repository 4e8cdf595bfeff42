package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/charging-platform/central-system/internal/command"
	"github.com/charging-platform/central-system/internal/domain/ocpp16"
	"github.com/charging-platform/central-system/internal/logger"
	"github.com/charging-platform/central-system/internal/registry"
	"github.com/charging-platform/central-system/internal/storage"
)

// Server 运营侧REST接口。
// 指令下发与充电桩查询，供运营平台调用，不面向充电桩。
type Server struct {
	addr     string
	commands *command.Service
	repo     storage.Repository
	registry *registry.Registry
	logger   *logger.Logger

	router     *mux.Router
	httpServer *http.Server
	startTime  time.Time
}

// NewServer 创建REST服务器
func NewServer(addr string, commands *command.Service, repo storage.Repository, reg *registry.Registry, log *logger.Logger) *Server {
	s := &Server{
		addr:      addr,
		commands:  commands,
		repo:      repo,
		registry:  reg,
		logger:    log,
		startTime: time.Now(),
	}
	s.router = s.buildRouter()
	return s
}

// buildRouter 注册路由
func (s *Server) buildRouter() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)

	v1 := r.PathPrefix("/api/v1").Subrouter()
	v1.HandleFunc("/charge-points", s.handleListChargePoints).Methods(http.MethodGet)
	v1.HandleFunc("/charge-points/{id}", s.handleGetChargePoint).Methods(http.MethodGet)
	v1.HandleFunc("/charge-points/{id}/remote-start", s.handleRemoteStart).Methods(http.MethodPost)
	v1.HandleFunc("/charge-points/{id}/remote-stop", s.handleRemoteStop).Methods(http.MethodPost)
	v1.HandleFunc("/charge-points/{id}/change-availability", s.handleChangeAvailability).Methods(http.MethodPost)
	return r
}

// Router 返回HTTP处理器
func (s *Server) Router() http.Handler {
	return s.router
}

// Start 启动HTTP监听，阻塞直到服务器关闭
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:         s.addr,
		Handler:      s.router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 60 * time.Second,
	}

	s.logger.Infof("REST API server listening on %s", s.addr)

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("api server failed: %w", err)
	}
	return nil
}

// Shutdown 优雅关闭
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// writeJSON 输出JSON响应
func (s *Server) writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Errorf("Failed to encode response: %v", err)
	}
}

// writeError 输出错误响应
func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

// decodeBody 解析请求体
func (s *Server) decodeBody(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}

// handleHealth 健康检查
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":      "healthy",
		"timestamp":   time.Now().UTC().Format(time.RFC3339),
		"connections": s.registry.Count(),
		"uptime":      time.Since(s.startTime).String(),
	})
}

// chargePointView 充电桩视图，connected为本实例是否持有连接
type chargePointView struct {
	storage.ChargePoint
	Connected bool `json:"connected"`
}

// handleListChargePoints 列出所有充电桩
func (s *Server) handleListChargePoints(w http.ResponseWriter, r *http.Request) {
	chargePoints, err := s.repo.ListChargePoints(r.Context())
	if err != nil {
		s.logger.ErrorWithErr(err, "Failed to list charge points")
		s.writeError(w, http.StatusInternalServerError, "failed to list charge points")
		return
	}

	views := make([]chargePointView, 0, len(chargePoints))
	for _, cp := range chargePoints {
		_, connected := s.registry.Get(cp.ID)
		views = append(views, chargePointView{ChargePoint: cp, Connected: connected})
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"chargePoints": views,
		"total":        len(views),
	})
}

// handleGetChargePoint 查询单个充电桩
func (s *Server) handleGetChargePoint(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	cp, err := s.repo.GetChargePoint(r.Context(), id)
	if errors.Is(err, storage.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "charge point not found")
		return
	}
	if err != nil {
		s.logger.ErrorWithErr(err, "Failed to get charge point")
		s.writeError(w, http.StatusInternalServerError, "failed to get charge point")
		return
	}

	_, connected := s.registry.Get(id)
	s.writeJSON(w, http.StatusOK, chargePointView{ChargePoint: *cp, Connected: connected})
}

// remoteStartRequest RemoteStartTransaction请求体。
// chargingProfile是不透明对象，原样下发给充电桩。
type remoteStartRequest struct {
	IdTag           string          `json:"idTag"`
	ConnectorID     *int            `json:"connectorId,omitempty"`
	ChargingProfile json.RawMessage `json:"chargingProfile,omitempty"`
}

// handleRemoteStart 远程启动充电
func (s *Server) handleRemoteStart(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var req remoteStartRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	if req.IdTag == "" {
		s.writeError(w, http.StatusBadRequest, "idTag is required")
		return
	}
	if req.ConnectorID != nil && *req.ConnectorID < 1 {
		s.writeError(w, http.StatusBadRequest, "connectorId must be a positive integer")
		return
	}

	result := s.commands.RemoteStart(r.Context(), id, req.IdTag, req.ConnectorID, req.ChargingProfile)
	s.writeJSON(w, http.StatusOK, result)
}

// remoteStopRequest RemoteStopTransaction请求体
type remoteStopRequest struct {
	TransactionID int `json:"transactionId"`
}

// handleRemoteStop 远程停止充电
func (s *Server) handleRemoteStop(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var req remoteStopRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	if req.TransactionID <= 0 {
		s.writeError(w, http.StatusBadRequest, "transactionId is required")
		return
	}

	result := s.commands.RemoteStop(r.Context(), id, req.TransactionID)
	s.writeJSON(w, http.StatusOK, result)
}

// changeAvailabilityRequest ChangeAvailability请求体
type changeAvailabilityRequest struct {
	ConnectorID int    `json:"connectorId"`
	Type        string `json:"type"`
}

// handleChangeAvailability 改变充电桩或连接器可用性
func (s *Server) handleChangeAvailability(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var req changeAvailabilityRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	if req.Type == "" {
		s.writeError(w, http.StatusBadRequest, "type is required")
		return
	}

	result := s.commands.ChangeAvailability(r.Context(), id, req.ConnectorID, ocpp16.AvailabilityType(req.Type))
	s.writeJSON(w, http.StatusOK, result)
}
