package registry

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/charging-platform/central-system/internal/domain/events"
	"github.com/charging-platform/central-system/internal/logger"
	"github.com/charging-platform/central-system/internal/message"
	"github.com/charging-platform/central-system/internal/metrics"
	"github.com/charging-platform/central-system/internal/presence"
	"github.com/charging-platform/central-system/internal/storage"
)

var (
	// ErrNotConnected 充电桩未连接到任何实例
	ErrNotConnected = errors.New("charge point is not connected")
	// ErrOnlineElsewhere 充电桩在线但连接由其他实例持有
	ErrOnlineElsewhere = errors.New("charge point is connected to another instance")
)

// Connection 一条活跃的充电桩连接。
// 实现方负责底层WebSocket的写入与关闭。
type Connection interface {
	// ChargePointID 连接所属的充电桩ID
	ChargePointID() string
	// Send 向充电桩发送一帧原始报文
	Send(data []byte) error
	// Close 关闭底层连接
	Close() error
}

// Registry 本实例持有的充电桩连接注册表。
// 连接真实性以本注册表为准，数据库的is_online与Redis镜像只是
// 写透的可见性数据。
type Registry struct {
	mu          sync.RWMutex
	connections map[string]Connection

	repo       storage.Repository
	producer   message.EventProducer
	mirror     *presence.Mirror
	instanceID string
	log        *logger.Logger
}

// NewRegistry 创建连接注册表，mirror可为nil表示不启用Redis镜像
func NewRegistry(repo storage.Repository, producer message.EventProducer, mirror *presence.Mirror, instanceID string, log *logger.Logger) *Registry {
	return &Registry{
		connections: make(map[string]Connection),
		repo:        repo,
		producer:    producer,
		mirror:      mirror,
		instanceID:  instanceID,
		log:         log,
	}
}

// Register 登记一条新连接。同一充电桩重复连接时，旧连接被关闭并替换，
// 新连接始终胜出。
func (r *Registry) Register(ctx context.Context, conn Connection) error {
	chargePointID := conn.ChargePointID()

	r.mu.Lock()
	old, existed := r.connections[chargePointID]
	r.connections[chargePointID] = conn
	count := len(r.connections)
	r.mu.Unlock()

	if existed && old != conn {
		r.log.Warnf("Replacing existing connection for charge point %s", chargePointID)
		_ = old.Close()
	}

	metrics.ActiveConnections.Set(float64(count))

	now := time.Now().UTC()
	if err := r.repo.SetChargePointOnline(ctx, chargePointID, true, now); err != nil {
		r.log.With("charge_point_id", chargePointID).ErrorWithErr(err, "Failed to mark charge point online in database")
	}

	if r.mirror != nil {
		if err := r.mirror.MarkOnline(ctx, chargePointID, r.instanceID); err != nil {
			r.log.With("charge_point_id", chargePointID).Warnf("Failed to write presence mirror: %v", err)
		}
	}

	if err := r.producer.PublishEvent(events.NewChargePointConnectedEvent(chargePointID, r.instanceID)); err != nil {
		r.log.With("charge_point_id", chargePointID).ErrorWithErr(err, "Failed to publish connected event")
	}

	r.log.With("charge_point_id", chargePointID).Infof("Charge point connected, %d active connections", count)
	return nil
}

// Unregister 注销一条连接。仅当注册表中登记的仍是同一条连接时才移除，
// 避免重连竞态中旧连接的关闭把新连接标记为离线。
func (r *Registry) Unregister(ctx context.Context, conn Connection, reason string) {
	chargePointID := conn.ChargePointID()

	r.mu.Lock()
	current, ok := r.connections[chargePointID]
	if !ok || current != conn {
		r.mu.Unlock()
		return
	}
	delete(r.connections, chargePointID)
	count := len(r.connections)
	r.mu.Unlock()

	metrics.ActiveConnections.Set(float64(count))

	now := time.Now().UTC()
	if err := r.repo.SetChargePointOnline(ctx, chargePointID, false, now); err != nil {
		r.log.With("charge_point_id", chargePointID).ErrorWithErr(err, "Failed to mark charge point offline in database")
	}

	if r.mirror != nil {
		if err := r.mirror.MarkOffline(ctx, chargePointID); err != nil {
			r.log.With("charge_point_id", chargePointID).Warnf("Failed to clear presence mirror: %v", err)
		}
	}

	if err := r.producer.PublishEvent(events.NewChargePointDisconnectedEvent(chargePointID, r.instanceID, reason)); err != nil {
		r.log.With("charge_point_id", chargePointID).ErrorWithErr(err, "Failed to publish disconnected event")
	}

	r.log.With("charge_point_id", chargePointID).Infof("Charge point disconnected, %d active connections", count)
}

// Get 查询本实例持有的连接
func (r *Registry) Get(chargePointID string) (Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conn, ok := r.connections[chargePointID]
	return conn, ok
}

// Resolve 解析可用于下发指令的连接。本实例未持有连接时，
// 区分充电桩连到了其他实例还是完全离线。
func (r *Registry) Resolve(ctx context.Context, chargePointID string) (Connection, error) {
	if conn, ok := r.Get(chargePointID); ok {
		return conn, nil
	}

	cp, err := r.repo.GetChargePoint(ctx, chargePointID)
	if err == nil && cp.IsOnline {
		return nil, ErrOnlineElsewhere
	}
	return nil, ErrNotConnected
}

// Count 当前连接数
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.connections)
}

// IDs 当前连接的充电桩ID列表
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.connections))
	for id := range r.connections {
		ids = append(ids, id)
	}
	return ids
}

// CloseAll 关闭所有连接，优雅停机时调用
func (r *Registry) CloseAll() {
	r.mu.Lock()
	conns := make([]Connection, 0, len(r.connections))
	for _, conn := range r.connections {
		conns = append(conns, conn)
	}
	r.mu.Unlock()

	for _, conn := range conns {
		_ = conn.Close()
	}
}
