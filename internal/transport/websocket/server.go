package websocket

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/charging-platform/central-system/internal/domain/ocpp16"
	"github.com/charging-platform/central-system/internal/domain/validation"
	"github.com/charging-platform/central-system/internal/logger"
	"github.com/charging-platform/central-system/internal/registry"

	protocol "github.com/charging-platform/central-system/internal/protocol/ocpp16"
)

// Config WebSocket服务器配置
type Config struct {
	// 服务器配置
	Host string `json:"host"`
	Port int    `json:"port"`
	Path string `json:"path"`

	// WebSocket配置
	ReadBufferSize   int           `json:"read_buffer_size"`
	WriteBufferSize  int           `json:"write_buffer_size"`
	HandshakeTimeout time.Duration `json:"handshake_timeout"`
	ReadTimeout      time.Duration `json:"read_timeout"`
	WriteTimeout     time.Duration `json:"write_timeout"`
	PingInterval     time.Duration `json:"ping_interval"`
	MaxMessageSize   int64         `json:"max_message_size"`

	// 连接管理
	MaxConnections int `json:"max_connections"`
	SendQueueSize  int `json:"send_queue_size"`
}

// DefaultConfig 默认配置
func DefaultConfig() *Config {
	return &Config{
		Host: "0.0.0.0",
		Port: 9000,
		// 充电桩直接拨 ws://host:port/<chargePointId>，Path为可选的挂载前缀
		Path: "",

		ReadBufferSize:   4096,
		WriteBufferSize:  4096,
		HandshakeTimeout: 10 * time.Second,
		ReadTimeout:      90 * time.Second,
		WriteTimeout:     10 * time.Second,
		PingInterval:     30 * time.Second,
		MaxMessageSize:   65536,

		MaxConnections: 20000,
		SendQueueSize:  64,
	}
}

// Server OCPP WebSocket接入服务器。
// 负责握手协商、连接登记与报文进出，协议语义全部交给Processor处理。
type Server struct {
	config    *Config
	upgrader  *websocket.Upgrader
	registry  *registry.Registry
	processor *protocol.Processor
	validator *validation.Validator
	logger    *logger.Logger

	httpServer *http.Server

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewServer 创建WebSocket服务器
func NewServer(config *Config, reg *registry.Registry, proc *protocol.Processor, log *logger.Logger) *Server {
	if config == nil {
		config = DefaultConfig()
	}

	ctx, cancel := context.WithCancel(context.Background())

	upgrader := &websocket.Upgrader{
		ReadBufferSize:   config.ReadBufferSize,
		WriteBufferSize:  config.WriteBufferSize,
		HandshakeTimeout: config.HandshakeTimeout,
		Subprotocols:     []string{ocpp16.Subprotocol},
		CheckOrigin: func(r *http.Request) bool {
			// 充电桩不是浏览器，Origin校验无意义
			return true
		},
	}

	return &Server{
		config:    config,
		upgrader:  upgrader,
		registry:  reg,
		processor: proc,
		validator: validation.NewValidator(),
		logger:    log,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Handler 返回挂载了OCPP路径的HTTP处理器
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(s.config.Path+"/", s.ServeWS)
	return mux
}

// Start 启动HTTP监听，阻塞直到服务器关闭
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: s.Handler(),
	}

	s.logger.Infof("OCPP WebSocket server listening on %s%s", addr, s.config.Path)

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("websocket server failed: %w", err)
	}
	return nil
}

// Shutdown 优雅关闭：停止接受新连接，关闭现有连接并等待会话协程退出
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down WebSocket server...")

	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.logger.Warnf("HTTP server shutdown: %v", err)
		}
	}

	s.cancel()
	s.registry.CloseAll()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("WebSocket server shutdown completed")
		return nil
	case <-ctx.Done():
		s.logger.Warn("WebSocket server shutdown timeout")
		return ctx.Err()
	}
}

// ServeWS 处理WebSocket升级请求。
// 路径格式为 /<chargePointId>（前缀可配置），子协议必须协商为ocpp1.6。
func (s *Server) ServeWS(w http.ResponseWriter, r *http.Request) {
	chargePointID := s.extractChargePointID(r.URL.Path)
	if err := s.validator.ValidateChargePointID(chargePointID); err != nil {
		s.logger.Warnf("Rejected connection with invalid charge point id %q: %v", chargePointID, err)
		http.Error(w, "Invalid charge point ID", http.StatusBadRequest)
		return
	}

	if s.registry.Count() >= s.config.MaxConnections {
		http.Error(w, "Too many connections", http.StatusTooManyRequests)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Errorf("Failed to upgrade connection for %s: %v", chargePointID, err)
		return
	}

	// 未协商到ocpp1.6时按协议错误关闭，充电桩必须在握手时提供子协议
	if conn.Subprotocol() != ocpp16.Subprotocol {
		s.logger.Warnf("Rejecting %s: no ocpp1.6 subprotocol offered", chargePointID)
		deadline := time.Now().Add(s.config.WriteTimeout)
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseProtocolError, "subprotocol ocpp1.6 required"), deadline)
		_ = conn.Close()
		return
	}

	sess := s.newSession(conn, chargePointID)

	if err := s.registry.Register(r.Context(), sess); err != nil {
		s.logger.Errorf("Failed to register connection for %s: %v", chargePointID, err)
		_ = sess.Close()
		return
	}

	s.logger.Infof("WebSocket connection established for %s from %s", chargePointID, r.RemoteAddr)

	s.wg.Add(1)
	go s.serveSession(sess)
}

// extractChargePointID 从URL路径中提取充电桩ID
func (s *Server) extractChargePointID(path string) string {
	return ocpp16.NormalizeChargePointID(strings.TrimPrefix(path, s.config.Path))
}

// serveSession 驱动一条会话直到连接断开
func (s *Server) serveSession(sess *session) {
	defer s.wg.Done()

	go sess.writePump()
	reason := sess.readLoop(s.ctx, s.processor)

	_ = sess.Close()

	// 先取消挂起的出站请求，再注销连接
	s.processor.CancelPending(sess.chargePointID)
	s.registry.Unregister(context.Background(), sess, reason)
}

// session 一条充电桩WebSocket会话，实现registry.Connection。
// 所有写入都经过sendChan由writePump串行执行。
type session struct {
	conn          *websocket.Conn
	chargePointID string
	sendChan      chan []byte

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once

	config *Config
	logger *logger.Logger
}

// newSession 创建会话并设置读取参数
func (s *Server) newSession(conn *websocket.Conn, chargePointID string) *session {
	ctx, cancel := context.WithCancel(s.ctx)

	conn.SetReadLimit(s.config.MaxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
	})

	return &session{
		conn:          conn,
		chargePointID: chargePointID,
		sendChan:      make(chan []byte, s.config.SendQueueSize),
		ctx:           ctx,
		cancel:        cancel,
		config:        s.config,
		logger:        s.logger.With("charge_point_id", chargePointID),
	}
}

// ChargePointID 会话所属的充电桩ID
func (sess *session) ChargePointID() string {
	return sess.chargePointID
}

// Send 将一帧报文排入发送队列
func (sess *session) Send(data []byte) error {
	select {
	case sess.sendChan <- data:
		return nil
	case <-sess.ctx.Done():
		return fmt.Errorf("connection closed")
	default:
		return fmt.Errorf("send queue full for %s", sess.chargePointID)
	}
}

// Close 关闭会话，可安全重复调用
func (sess *session) Close() error {
	sess.closeOnce.Do(func() {
		sess.cancel()
		_ = sess.conn.Close()
	})
	return nil
}

// writePump 串行写协程，同时负责周期性ping
func (sess *session) writePump() {
	ticker := time.NewTicker(sess.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-sess.ctx.Done():
			return
		case data := <-sess.sendChan:
			_ = sess.conn.SetWriteDeadline(time.Now().Add(sess.config.WriteTimeout))
			if err := sess.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				sess.logger.Warnf("Failed to write message: %v", err)
				_ = sess.Close()
				return
			}
		case <-ticker.C:
			_ = sess.conn.SetWriteDeadline(time.Now().Add(sess.config.WriteTimeout))
			if err := sess.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				sess.logger.Warnf("Failed to write ping: %v", err)
				_ = sess.Close()
				return
			}
		}
	}
}

// readLoop 读取循环，每帧交给Processor处理，返回断开原因
func (sess *session) readLoop(ctx context.Context, proc *protocol.Processor) string {
	for {
		messageType, data, err := sess.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return "normal closure"
			}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				sess.logger.Errorf("WebSocket read error: %v", err)
			}
			return err.Error()
		}

		_ = sess.conn.SetReadDeadline(time.Now().Add(sess.config.ReadTimeout))

		if messageType != websocket.TextMessage {
			continue
		}

		if err := proc.HandleMessage(ctx, sess.chargePointID, sess, data); err != nil {
			sess.logger.Errorf("Failed to process message: %v", err)
		}
	}
}
