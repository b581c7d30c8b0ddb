// 文件: pkg/futures/sql_store.go
// 引擎状态 SQL 存储 (MySQL / Postgres 通用)
//
// 【设计】
// - 使用 GORM 作为 ORM，方言由调用方打开 *gorm.DB 时决定
// - Apply 在一个数据库事务里写完整个 Changeset，要么全写要么全不写
// - upsert 用 ON CONFLICT (gorm clause)，MySQL 会翻译成 ON DUPLICATE KEY UPDATE
// - 所有操作带 context 支持超时控制

package futures

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// 确保实现了接口
var (
	_ Store             = (*SQLStore)(nil)
	_ StoreReader       = (*SQLStore)(nil)
	_ FundingRepository = (*SQLStore)(nil)
)

// StoreReader 按需读取持久化数据 (其它进程/缓存层用)
type StoreReader interface {
	GetPosition(ctx context.Context, id PositionID) (*Position, error)
	ListPositionsByOwner(ctx context.Context, owner string) ([]*Position, error)
	GetVault(ctx context.Context) (*Vault, error)
}

// EventLog 事件流水 (审计 / 对账)
type EventLog struct {
	ID      string `gorm:"column:id;primaryKey;type:varchar(36)"`
	Type    string `gorm:"column:type;type:varchar(32);index"`
	Key     string `gorm:"column:event_key;type:varchar(64);index"`
	Time    int64  `gorm:"column:time;index"`
	Payload string `gorm:"column:payload;type:text"`
}

// TableName GORM 表名
func (EventLog) TableName() string {
	return "perp_events"
}

// SQLStore GORM 实现
type SQLStore struct {
	db *gorm.DB
}

// NewSQLStore 创建 SQL 存储
func NewSQLStore(db *gorm.DB) *SQLStore {
	return &SQLStore{db: db}
}

// AutoMigrate 建表
func (s *SQLStore) AutoMigrate(ctx context.Context) error {
	return s.db.WithContext(ctx).AutoMigrate(
		&Product{},
		&Position{},
		&Vault{},
		&Stake{},
		&RewardPools{},
		&FundingState{},
		&FundingRateHistory{},
		&EventLog{},
	)
}

// =============================================================================
// Store 接口实现
// =============================================================================

// Load 加载全部状态
func (s *SQLStore) Load(ctx context.Context) (*State, error) {
	db := s.db.WithContext(ctx)
	st := NewState()

	if err := db.First(&st.Vault, 1).Error; err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("load vault: %w", err)
	}
	st.Vault.ID = 1
	if err := db.First(&st.Rewards, 1).Error; err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("load rewards: %w", err)
	}
	st.Rewards.ID = 1

	var products []*Product
	if err := db.Find(&products).Error; err != nil {
		return nil, fmt.Errorf("load products: %w", err)
	}
	for _, p := range products {
		st.Products[p.ID] = p
	}

	var positions []*Position
	if err := db.Find(&positions).Error; err != nil {
		return nil, fmt.Errorf("load positions: %w", err)
	}
	for _, p := range positions {
		st.Positions[p.ID] = p
	}

	var stakes []*Stake
	if err := db.Find(&stakes).Error; err != nil {
		return nil, fmt.Errorf("load stakes: %w", err)
	}
	for _, sk := range stakes {
		st.Stakes[sk.Owner] = sk
	}
	return st, nil
}

// Apply 在一个事务里写入变更集
func (s *SQLStore) Apply(ctx context.Context, cs *Changeset) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		upsert := func(v any) error {
			return tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(v).Error
		}

		vault := cs.Vault
		vault.ID = 1
		if err := upsert(&vault); err != nil {
			return fmt.Errorf("save vault: %w", err)
		}
		rewards := cs.Rewards
		rewards.ID = 1
		if err := upsert(&rewards); err != nil {
			return fmt.Errorf("save rewards: %w", err)
		}

		if len(cs.Products) > 0 {
			if err := upsert(&cs.Products); err != nil {
				return fmt.Errorf("save products: %w", err)
			}
		}
		if len(cs.Positions) > 0 {
			if err := upsert(&cs.Positions); err != nil {
				return fmt.Errorf("save positions: %w", err)
			}
		}
		if len(cs.DeletedPositions) > 0 {
			if err := tx.Where("id IN ?", cs.DeletedPositions).Delete(&Position{}).Error; err != nil {
				return fmt.Errorf("delete positions: %w", err)
			}
		}
		if len(cs.Stakes) > 0 {
			if err := upsert(&cs.Stakes); err != nil {
				return fmt.Errorf("save stakes: %w", err)
			}
		}
		if len(cs.DeletedStakes) > 0 {
			if err := tx.Where("owner IN ?", cs.DeletedStakes).Delete(&Stake{}).Error; err != nil {
				return fmt.Errorf("delete stakes: %w", err)
			}
		}

		if len(cs.Events) > 0 {
			logs := make([]EventLog, 0, len(cs.Events))
			for _, ev := range cs.Events {
				payload, err := json.Marshal(ev.Payload)
				if err != nil {
					return fmt.Errorf("marshal event %s: %w", ev.Type, err)
				}
				logs = append(logs, EventLog{
					ID:      ev.ID,
					Type:    string(ev.Type),
					Key:     ev.Key,
					Time:    ev.Time,
					Payload: string(payload),
				})
			}
			if err := tx.Create(&logs).Error; err != nil {
				return fmt.Errorf("save events: %w", err)
			}
		}
		return nil
	})
}

// =============================================================================
// StoreReader 接口实现
// =============================================================================

// GetPosition 按 ID 查持仓
func (s *SQLStore) GetPosition(ctx context.Context, id PositionID) (*Position, error) {
	var pos Position
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&pos).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrPositionNotFound
		}
		return nil, err
	}
	return &pos, nil
}

// ListPositionsByOwner 某账户的全部持仓
func (s *SQLStore) ListPositionsByOwner(ctx context.Context, owner string) ([]*Position, error) {
	var positions []*Position
	err := s.db.WithContext(ctx).
		Where("owner = ?", owner).
		Order("product_id").
		Find(&positions).Error
	return positions, err
}

// GetVault 金库
func (s *SQLStore) GetVault(ctx context.Context) (*Vault, error) {
	var v Vault
	err := s.db.WithContext(ctx).First(&v, 1).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return &Vault{ID: 1}, nil
		}
		return nil, err
	}
	return &v, nil
}

// =============================================================================
// FundingRepository 接口实现
// =============================================================================

// LoadFunding 加载所有产品的资金费累计值
func (s *SQLStore) LoadFunding(ctx context.Context) ([]FundingState, error) {
	var states []FundingState
	err := s.db.WithContext(ctx).Find(&states).Error
	return states, err
}

// SaveFunding 写入累计值，history 不为空时追加一条历史
func (s *SQLStore) SaveFunding(ctx context.Context, st FundingState, history *FundingRateHistory) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(&st).Error; err != nil {
			return err
		}
		if history != nil {
			return tx.Create(history).Error
		}
		return nil
	})
}

// ListFundingHistory 某产品最近的资金费率历史
func (s *SQLStore) ListFundingHistory(ctx context.Context, productID uint64, limit int) ([]FundingRateHistory, error) {
	var rows []FundingRateHistory
	err := s.db.WithContext(ctx).
		Where("product_id = ?", productID).
		Order("time DESC").
		Limit(limit).
		Find(&rows).Error
	return rows, err
}
