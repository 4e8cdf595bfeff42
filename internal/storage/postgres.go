package storage

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/charging-platform/central-system/internal/config"
	"github.com/charging-platform/central-system/internal/logger"
)

// GormRepository 基于GORM/Postgres的仓库实现
type GormRepository struct {
	db     *gorm.DB
	logger *logger.Logger
}

// NewGormRepository 建立数据库连接并按配置初始化连接池。
// auto_migrate开启时同步表结构。
func NewGormRepository(cfg config.DatabaseConfig, log *logger.Logger) (*GormRepository, error) {
	gormCfg := &gorm.Config{
		TranslateError: true,
	}
	if !cfg.LogQueries {
		gormCfg.Logger = gormlogger.Default.LogMode(gormlogger.Silent)
	}

	var db *gorm.DB
	var err error
	attempts := cfg.ConnectAttempts
	if attempts < 1 {
		attempts = 1
	}
	for i := 0; i < attempts; i++ {
		db, err = gorm.Open(postgres.Open(cfg.URL), gormCfg)
		if err == nil {
			break
		}
		log.Warnf("Database connection attempt %d/%d failed: %v", i+1, attempts, err)
		time.Sleep(time.Second)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to access underlying sql.DB: %w", err)
	}
	sqlDB.SetMaxOpenConns(cfg.PoolSize + cfg.MaxOverflow)
	sqlDB.SetMaxIdleConns(cfg.PoolSize)
	sqlDB.SetConnMaxLifetime(cfg.PoolRecycle)
	// database/sql没有独立的取连接超时，PoolTimeout由各操作的ctx截止时间兜底

	if cfg.AutoMigrate {
		if err := db.AutoMigrate(
			&ChargePoint{},
			&IdTag{},
			&Session{},
			&MeterValueRecord{},
			&ConnectorStatusRecord{},
		); err != nil {
			return nil, fmt.Errorf("failed to migrate database schema: %w", err)
		}
	}

	return &GormRepository{db: db, logger: log}, nil
}

// UpsertChargePointBoot 按BootNotification创建或更新充电桩记录
func (r *GormRepository) UpsertChargePointBoot(ctx context.Context, chargePointID string, info BootInfo, now time.Time) (*ChargePoint, error) {
	var cp ChargePoint

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.First(&cp, "id = ?", chargePointID).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			cp = ChargePoint{
				ID:        chargePointID,
				Status:    "Available",
				CreatedAt: now,
			}
		} else if err != nil {
			return err
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

		return tx.Save(&cp).Error
	})
	if err != nil {
		return nil, fmt.Errorf("failed to upsert charge point %s: %w", chargePointID, err)
	}
	return &cp, nil
}

// GetChargePoint 查询充电桩
func (r *GormRepository) GetChargePoint(ctx context.Context, chargePointID string) (*ChargePoint, error) {
	var cp ChargePoint
	err := r.db.WithContext(ctx).First(&cp, "id = ?", chargePointID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get charge point %s: %w", chargePointID, err)
	}
	return &cp, nil
}

// ListChargePoints 列出所有充电桩
func (r *GormRepository) ListChargePoints(ctx context.Context) ([]ChargePoint, error) {
	var cps []ChargePoint
	if err := r.db.WithContext(ctx).Order("id").Find(&cps).Error; err != nil {
		return nil, fmt.Errorf("failed to list charge points: %w", err)
	}
	return cps, nil
}

// SetChargePointOnline 更新在线标志与last_seen，记录不存在时创建占位记录
func (r *GormRepository) SetChargePointOnline(ctx context.Context, chargePointID string, online bool, now time.Time) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var cp ChargePoint
		err := tx.First(&cp, "id = ?", chargePointID).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			cp = ChargePoint{
				ID:        chargePointID,
				Status:    "Available",
				CreatedAt: now,
			}
		} else if err != nil {
			return err
		}

		cp.IsOnline = online
		cp.LastSeen = &now
		cp.UpdatedAt = &now
		return tx.Save(&cp).Error
	})
	if err != nil {
		return fmt.Errorf("failed to set online flag for %s: %w", chargePointID, err)
	}
	return nil
}

// UpdateChargePointStatus 更新充电桩整体状态
func (r *GormRepository) UpdateChargePointStatus(ctx context.Context, chargePointID string, status string, now time.Time) error {
	result := r.db.WithContext(ctx).Model(&ChargePoint{}).
		Where("id = ?", chargePointID).
		Updates(map[string]interface{}{
			"status":     status,
			"updated_at": now,
		})
	if result.Error != nil {
		return fmt.Errorf("failed to update status for %s: %w", chargePointID, result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// TouchLastSeen 刷新last_seen并保持在线标志
func (r *GormRepository) TouchLastSeen(ctx context.Context, chargePointID string, now time.Time) error {
	result := r.db.WithContext(ctx).Model(&ChargePoint{}).
		Where("id = ?", chargePointID).
		Updates(map[string]interface{}{
			"last_seen":  now,
			"is_online":  true,
			"updated_at": now,
		})
	if result.Error != nil {
		return fmt.Errorf("failed to touch last_seen for %s: %w", chargePointID, result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// GetIdTag 按标签值查询授权标签
func (r *GormRepository) GetIdTag(ctx context.Context, tag string) (*IdTag, error) {
	var idTag IdTag
	err := r.db.WithContext(ctx).First(&idTag, "tag = ?", tag).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get id tag: %w", err)
	}
	return &idTag, nil
}

// CreateSession 分配唯一交易ID并插入会话，同一事务内完成。
// 同一连接器上已有Active会话时拒绝插入。
func (r *GormRepository) CreateSession(ctx context.Context, s NewSession) (*Session, error) {
	var session *Session

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing Session
		err := tx.Where("charge_point_id = ? AND connector_id = ? AND status = ?",
			s.ChargePointID, s.ConnectorID, SessionStatusActive).
			First(&existing).Error
		if err == nil {
			return ErrActiveSessionExists
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}

		for attempt := 0; attempt < MaxTxIDAttempts; attempt++ {
			candidate := TxIDMin + rand.Intn(TxIDMax-TxIDMin+1)

			// 候选ID已被占用时直接换下一个
			var taken int64
			if err := tx.Model(&Session{}).Where("transaction_id = ?", candidate).Count(&taken).Error; err != nil {
				return err
			}
			if taken > 0 {
				continue
			}

			session = &Session{
				TransactionID:  candidate,
				ChargePointID:  s.ChargePointID,
				IdTagID:        s.IdTagID,
				ConnectorID:    s.ConnectorID,
				MeterStart:     s.MeterStart,
				StartTimestamp: s.StartTimestamp,
				Status:         SessionStatusActive,
				ReservationID:  s.ReservationID,
				CreatedAt:      s.StartTimestamp,
			}

			// 并发分配仍可能撞上唯一索引，Postgres的约束冲突会中止
			// 整个事务，单次插入用savepoint隔离后才能继续重试
			sp := fmt.Sprintf("txid_attempt_%d", attempt)
			if err := tx.SavePoint(sp).Error; err != nil {
				return err
			}
			err := tx.Create(session).Error
			if err == nil {
				return nil
			}
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				if err := tx.RollbackTo(sp).Error; err != nil {
					return err
				}
				continue
			}
			return err
		}
		return ErrTxIDExhausted
	})
	if errors.Is(err, ErrActiveSessionExists) {
		return nil, ErrActiveSessionExists
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	return session, nil
}

// GetSessionByTransactionID 按交易ID查询会话
func (r *GormRepository) GetSessionByTransactionID(ctx context.Context, transactionID int) (*Session, error) {
	var session Session
	err := r.db.WithContext(ctx).First(&session, "transaction_id = ?", transactionID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session %d: %w", transactionID, err)
	}
	return &session, nil
}

// GetActiveSession 查询指定连接器上的活跃会话
func (r *GormRepository) GetActiveSession(ctx context.Context, chargePointID string, connectorID int) (*Session, error) {
	var session Session
	err := r.db.WithContext(ctx).
		Where("charge_point_id = ? AND connector_id = ? AND status = ?", chargePointID, connectorID, SessionStatusActive).
		First(&session).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get active session for %s connector %d: %w", chargePointID, connectorID, err)
	}
	return &session, nil
}

// StopSession 关闭会话并计算耗电量
func (r *GormRepository) StopSession(ctx context.Context, transactionID int, update StopSessionUpdate) (*Session, error) {
	var session Session

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.First(&session, "transaction_id = ?", transactionID).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}

		energy := EnergyConsumedKWh(session.MeterStart, update.MeterStop)
		// updated_at记录服务端时间，StopTimestamp是充电桩侧的时钟
		now := time.Now().UTC()

		session.MeterStop = &update.MeterStop
		session.StopTimestamp = &update.StopTimestamp
		session.Status = SessionStatusCompleted
		session.StopReason = update.Reason
		session.EnergyConsumed = &energy
		session.UpdatedAt = &now

		return tx.Save(&session).Error
	})
	if errors.Is(err, ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to stop session %d: %w", transactionID, err)
	}
	return &session, nil
}

// RecordMeterValues 批量写入电表读数
func (r *GormRepository) RecordMeterValues(ctx context.Context, records []MeterValueRecord) error {
	if len(records) == 0 {
		return nil
	}
	if err := r.db.WithContext(ctx).Create(&records).Error; err != nil {
		return fmt.Errorf("failed to record meter values: %w", err)
	}
	return nil
}

// RecordConnectorStatus 追加连接器状态历史记录
func (r *GormRepository) RecordConnectorStatus(ctx context.Context, record *ConnectorStatusRecord) error {
	if err := r.db.WithContext(ctx).Create(record).Error; err != nil {
		return fmt.Errorf("failed to record connector status: %w", err)
	}
	return nil
}

// Close 关闭底层连接
func (r *GormRepository) Close() error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
