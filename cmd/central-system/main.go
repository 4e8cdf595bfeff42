package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/charging-platform/central-system/internal/api"
	"github.com/charging-platform/central-system/internal/command"
	"github.com/charging-platform/central-system/internal/config"
	"github.com/charging-platform/central-system/internal/logger"
	"github.com/charging-platform/central-system/internal/message"
	"github.com/charging-platform/central-system/internal/presence"
	"github.com/charging-platform/central-system/internal/registry"
	"github.com/charging-platform/central-system/internal/storage"
	"github.com/charging-platform/central-system/internal/transport/websocket"

	protocol "github.com/charging-platform/central-system/internal/protocol/ocpp16"
)

func main() {
	configFile := flag.String("config", "", "path to config file (optional, env vars take precedence)")
	flag.Parse()

	// 1. 加载配置
	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Printf("Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. 初始化日志
	log, err := logger.New(&logger.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Output: cfg.Log.Output,
		Async:  cfg.Log.Async,
	})
	if err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	log.Info("Logger initialized")

	instanceID := cfg.InstanceID
	if instanceID == "" {
		hostname, err := os.Hostname()
		if err != nil {
			hostname = "central-system"
		}
		instanceID = hostname
	}
	log.Infof("Instance ID: %s", instanceID)

	// 3. 初始化数据库
	repo, err := storage.NewGormRepository(cfg.Database, log)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}
	log.Info("Database initialized")

	// 4. 初始化Redis在线状态镜像（可选）
	var mirror *presence.Mirror
	if cfg.PresenceEnabled() {
		mirror, err = presence.NewMirror(cfg.Redis)
		if err != nil {
			log.Fatalf("Failed to initialize presence mirror: %v", err)
		}
		log.Infof("Presence mirror initialized at %s", cfg.Redis.Addr)
	} else {
		log.Info("Presence mirror disabled")
	}

	// 5. 初始化Kafka事件生产者（可选）
	var producer message.EventProducer
	if cfg.EventsEnabled() {
		producer, err = message.NewKafkaProducer(cfg.Kafka)
		if err != nil {
			log.Fatalf("Failed to initialize Kafka producer: %v", err)
		}
		log.Infof("Kafka producer initialized with brokers: %v", cfg.Kafka.Brokers)
	} else {
		producer = message.NopProducer{}
		log.Info("Kafka event publishing disabled")
	}

	// 6. 初始化连接注册表
	reg := registry.NewRegistry(repo, producer, mirror, instanceID, log)
	log.Info("Connection registry initialized")

	// 7. 初始化OCPP消息处理器
	processor := protocol.NewProcessor(repo, producer, protocol.Config{
		HeartbeatInterval: cfg.OCPP.HeartbeatInterval,
		CommandTimeout:    cfg.OCPP.CommandTimeout,
		MaxMessageSize:    cfg.Server.MaxMessageSize,
	}, log)
	processor.Start()
	log.Info("OCPP message processor started")

	// 8. 初始化指令服务
	commands := command.NewService(reg, processor, repo, log)
	log.Info("Command service initialized")

	// 9. 启动监控服务器
	go startMetricsServer(cfg.GetMetricsAddr(), log)

	// 10. 启动运营REST接口
	apiServer := api.NewServer(cfg.GetAPIAddr(), commands, repo, reg, log)
	go func() {
		if err := apiServer.Start(); err != nil {
			log.Fatalf("API server failed: %v", err)
		}
	}()

	// 11. 启动OCPP WebSocket服务器
	wsConfig := websocket.DefaultConfig()
	wsConfig.Host = cfg.Server.Host
	wsConfig.Port = cfg.Server.Port
	wsConfig.ReadTimeout = cfg.Server.ReadTimeout
	wsConfig.WriteTimeout = cfg.Server.WriteTimeout
	wsConfig.MaxMessageSize = int64(cfg.Server.MaxMessageSize)

	wsServer := websocket.NewServer(wsConfig, reg, processor, log)
	go func() {
		if err := wsServer.Start(); err != nil {
			log.Fatalf("WebSocket server failed: %v", err)
		}
	}()

	log.Info("Central System started successfully")

	// 12. 监听并处理优雅停机
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// 1. 关闭WebSocket服务器，断开所有充电桩连接
	if err := wsServer.Shutdown(ctx); err != nil {
		log.Errorf("Error shutting down WebSocket server: %v", err)
	}
	log.Info("WebSocket server shut down")

	// 2. 关闭REST接口
	if err := apiServer.Shutdown(ctx); err != nil {
		log.Errorf("Error shutting down API server: %v", err)
	}
	log.Info("API server shut down")

	// 3. 停止消息处理器，挂起的出站请求以连接关闭失败
	processor.Stop()
	log.Info("Message processor stopped")

	// 4. 关闭Kafka生产者
	if err := producer.Close(); err != nil {
		log.Errorf("Error closing Kafka producer: %v", err)
	}
	log.Info("Kafka producer closed")

	// 5. 关闭Redis镜像
	if mirror != nil {
		if err := mirror.Close(); err != nil {
			log.Errorf("Error closing presence mirror: %v", err)
		}
		log.Info("Presence mirror closed")
	}

	// 6. 关闭数据库连接
	if err := repo.Close(); err != nil {
		log.Errorf("Error closing database: %v", err)
	}
	log.Info("Database closed")

	log.Info("Server gracefully stopped.")
}

// startMetricsServer 启动监控服务器
func startMetricsServer(addr string, log *logger.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	log.Infof("Metrics server listening on %s", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Fatalf("Metrics server failed: %v", err)
	}
}
