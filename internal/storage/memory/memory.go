package memory

import (
	"context"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/charging-platform/central-system/internal/storage"
)

// Repository 内存仓库实现，用于测试与本地开发。
// 语义与GormRepository保持一致。
type Repository struct {
	mu sync.RWMutex

	chargePoints map[string]*storage.ChargePoint
	idTags       map[string]*storage.IdTag
	sessions     map[int]*storage.Session
	meterValues  []storage.MeterValueRecord
	statuses     []storage.ConnectorStatusRecord

	nextIdTagID   uint
	nextSessionID uint
	rng           *rand.Rand
}

// NewRepository 创建内存仓库
func NewRepository() *Repository {
	return &Repository{
		chargePoints:  make(map[string]*storage.ChargePoint),
		idTags:        make(map[string]*storage.IdTag),
		sessions:      make(map[int]*storage.Session),
		nextIdTagID:   1,
		nextSessionID: 1,
		rng:           rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// SeedIdTag 预置授权标签，返回分配的ID
func (r *Repository) SeedIdTag(tag storage.IdTag) uint {
	r.mu.Lock()
	defer r.mu.Unlock()

	tag.ID = r.nextIdTagID
	r.nextIdTagID++
	r.idTags[tag.Tag] = &tag
	return tag.ID
}

// UpsertChargePointBoot 按BootNotification创建或更新充电桩记录
func (r *Repository) UpsertChargePointBoot(_ context.Context, chargePointID string, info storage.BootInfo, now time.Time) (*storage.ChargePoint, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cp, ok := r.chargePoints[chargePointID]
	if !ok {
		cp = &storage.ChargePoint{
			ID:        chargePointID,
			Status:    "Available",
			CreatedAt: now,
		}
		r.chargePoints[chargePointID] = cp
	}

	cp.Vendor = &info.Vendor
	cp.Model = &info.Model
	cp.ChargePointSerialNumber = info.ChargePointSerialNumber
	cp.ChargeBoxSerialNumber = info.ChargeBoxSerialNumber
	cp.FirmwareVersion = info.FirmwareVersion
	cp.Iccid = info.Iccid
	cp.Imsi = info.Imsi
	cp.MeterType = info.MeterType
	cp.MeterSerialNumber = info.MeterSerialNumber
	cp.BootStatus = &info.BootStatus
	cp.LastSeen = &now
	cp.IsOnline = true
	cp.UpdatedAt = &now

	copied := *cp
	return &copied, nil
}

// GetChargePoint 查询充电桩
func (r *Repository) GetChargePoint(_ context.Context, chargePointID string) (*storage.ChargePoint, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	cp, ok := r.chargePoints[chargePointID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	copied := *cp
	return &copied, nil
}

// ListChargePoints 列出所有充电桩
func (r *Repository) ListChargePoints(_ context.Context) ([]storage.ChargePoint, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	cps := make([]storage.ChargePoint, 0, len(r.chargePoints))
	for _, cp := range r.chargePoints {
		cps = append(cps, *cp)
	}
	sort.Slice(cps, func(i, j int) bool { return cps[i].ID < cps[j].ID })
	return cps, nil
}

// SetChargePointOnline 更新在线标志与last_seen，记录不存在时创建占位记录
func (r *Repository) SetChargePointOnline(_ context.Context, chargePointID string, online bool, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	cp, ok := r.chargePoints[chargePointID]
	if !ok {
		cp = &storage.ChargePoint{
			ID:        chargePointID,
			Status:    "Available",
			CreatedAt: now,
		}
		r.chargePoints[chargePointID] = cp
	}

	cp.IsOnline = online
	cp.LastSeen = &now
	cp.UpdatedAt = &now
	return nil
}

// UpdateChargePointStatus 更新充电桩整体状态
func (r *Repository) UpdateChargePointStatus(_ context.Context, chargePointID string, status string, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	cp, ok := r.chargePoints[chargePointID]
	if !ok {
		return storage.ErrNotFound
	}
	cp.Status = status
	cp.UpdatedAt = &now
	return nil
}

// TouchLastSeen 刷新last_seen并保持在线标志
func (r *Repository) TouchLastSeen(_ context.Context, chargePointID string, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	cp, ok := r.chargePoints[chargePointID]
	if !ok {
		return storage.ErrNotFound
	}
	cp.LastSeen = &now
	cp.IsOnline = true
	cp.UpdatedAt = &now
	return nil
}

// GetIdTag 按标签值查询授权标签
func (r *Repository) GetIdTag(_ context.Context, tag string) (*storage.IdTag, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	idTag, ok := r.idTags[tag]
	if !ok {
		return nil, storage.ErrNotFound
	}
	copied := *idTag
	return &copied, nil
}

// CreateSession 分配唯一交易ID并插入会话。
// 同一连接器上已有Active会话时拒绝插入。
func (r *Repository) CreateSession(_ context.Context, s storage.NewSession) (*storage.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, session := range r.sessions {
		if session.ChargePointID == s.ChargePointID && session.ConnectorID == s.ConnectorID && session.Status == storage.SessionStatusActive {
			return nil, storage.ErrActiveSessionExists
		}
	}

	for attempt := 0; attempt < storage.MaxTxIDAttempts; attempt++ {
		candidate := storage.TxIDMin + r.rng.Intn(storage.TxIDMax-storage.TxIDMin+1)
		if _, exists := r.sessions[candidate]; exists {
			continue
		}

		session := &storage.Session{
			ID:             r.nextSessionID,
			TransactionID:  candidate,
			ChargePointID:  s.ChargePointID,
			IdTagID:        s.IdTagID,
			ConnectorID:    s.ConnectorID,
			MeterStart:     s.MeterStart,
			StartTimestamp: s.StartTimestamp,
			Status:         storage.SessionStatusActive,
			ReservationID:  s.ReservationID,
			CreatedAt:      s.StartTimestamp,
		}
		r.nextSessionID++
		r.sessions[candidate] = session

		copied := *session
		return &copied, nil
	}
	return nil, storage.ErrTxIDExhausted
}

// GetSessionByTransactionID 按交易ID查询会话
func (r *Repository) GetSessionByTransactionID(_ context.Context, transactionID int) (*storage.Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	session, ok := r.sessions[transactionID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	copied := *session
	return &copied, nil
}

// GetActiveSession 查询指定连接器上的活跃会话
func (r *Repository) GetActiveSession(_ context.Context, chargePointID string, connectorID int) (*storage.Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, session := range r.sessions {
		if session.ChargePointID == chargePointID && session.ConnectorID == connectorID && session.Status == storage.SessionStatusActive {
			copied := *session
			return &copied, nil
		}
	}
	return nil, storage.ErrNotFound
}

// StopSession 关闭会话并计算耗电量
func (r *Repository) StopSession(_ context.Context, transactionID int, update storage.StopSessionUpdate) (*storage.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	session, ok := r.sessions[transactionID]
	if !ok {
		return nil, storage.ErrNotFound
	}

	energy := storage.EnergyConsumedKWh(session.MeterStart, update.MeterStop)
	// updated_at记录服务端时间，StopTimestamp是充电桩侧的时钟
	now := time.Now().UTC()

	session.MeterStop = &update.MeterStop
	session.StopTimestamp = &update.StopTimestamp
	session.Status = storage.SessionStatusCompleted
	session.StopReason = update.Reason
	session.EnergyConsumed = &energy
	session.UpdatedAt = &now

	copied := *session
	return &copied, nil
}

// RecordMeterValues 批量写入电表读数
func (r *Repository) RecordMeterValues(_ context.Context, records []storage.MeterValueRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.meterValues = append(r.meterValues, records...)
	return nil
}

// RecordConnectorStatus 追加连接器状态历史记录
func (r *Repository) RecordConnectorStatus(_ context.Context, record *storage.ConnectorStatusRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.statuses = append(r.statuses, *record)
	return nil
}

// MeterValues 返回已记录的电表读数副本，测试用
func (r *Repository) MeterValues() []storage.MeterValueRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]storage.MeterValueRecord, len(r.meterValues))
	copy(out, r.meterValues)
	return out
}

// ConnectorStatuses 返回已记录的状态历史副本，测试用
func (r *Repository) ConnectorStatuses() []storage.ConnectorStatusRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]storage.ConnectorStatusRecord, len(r.statuses))
	copy(out, r.statuses)
	return out
}

// Close 关闭底层连接（内存实现为空操作）
func (r *Repository) Close() error {
	return nil
}
