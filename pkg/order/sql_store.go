// 文件: pkg/order/sql_store.go
// 挂单簿 SQL 存储 (MySQL / Postgres 通用)
//
// - Apply 一个事务写完整个 Changeset
// - 事件和引擎共用 perp_events 审计表

package order

import (
	"context"
	"encoding/json"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"perpx.com/pkg/futures"
)

var (
	_ Store         = (*SQLStore)(nil)
	_ HistoryReader = (*SQLStore)(nil)
)

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
		&OpenOrder{},
		&CloseOrder{},
		&OrderCounter{},
		&UnpaidFee{},
		&OrderHistory{},
		&futures.EventLog{},
	)
}

// Load 加载全部挂单
func (s *SQLStore) Load(ctx context.Context) (*Snapshot, error) {
	db := s.db.WithContext(ctx)
	snap := &Snapshot{}

	if err := db.Find(&snap.OpenOrders).Error; err != nil {
		return nil, fmt.Errorf("load open orders: %w", err)
	}
	if err := db.Find(&snap.CloseOrders).Error; err != nil {
		return nil, fmt.Errorf("load close orders: %w", err)
	}
	if err := db.Find(&snap.Counters).Error; err != nil {
		return nil, fmt.Errorf("load counters: %w", err)
	}
	if err := db.Where("amount > 0").Find(&snap.UnpaidFees).Error; err != nil {
		return nil, fmt.Errorf("load unpaid fees: %w", err)
	}
	return snap, nil
}

// Apply 在一个事务里写入变更集
func (s *SQLStore) Apply(ctx context.Context, cs *Changeset) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		upsert := func(v any) error {
			return tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(v).Error
		}

		if len(cs.OpenOrders) > 0 {
			if err := upsert(&cs.OpenOrders); err != nil {
				return fmt.Errorf("save open orders: %w", err)
			}
		}
		for _, ref := range cs.DeletedOpen {
			if err := tx.Where("account = ? AND order_index = ?", ref.Account, ref.Index).
				Delete(&OpenOrder{}).Error; err != nil {
				return fmt.Errorf("delete open order: %w", err)
			}
		}
		if len(cs.CloseOrders) > 0 {
			if err := upsert(&cs.CloseOrders); err != nil {
				return fmt.Errorf("save close orders: %w", err)
			}
		}
		for _, ref := range cs.DeletedClose {
			if err := tx.Where("account = ? AND order_index = ?", ref.Account, ref.Index).
				Delete(&CloseOrder{}).Error; err != nil {
				return fmt.Errorf("delete close order: %w", err)
			}
		}
		if len(cs.Counters) > 0 {
			if err := upsert(&cs.Counters); err != nil {
				return fmt.Errorf("save counters: %w", err)
			}
		}
		for _, f := range cs.UnpaidFees {
			if f.Amount == 0 {
				if err := tx.Where("receiver = ?", f.Receiver).Delete(&UnpaidFee{}).Error; err != nil {
					return fmt.Errorf("delete unpaid fee: %w", err)
				}
				continue
			}
			f := f
			if err := upsert(&f); err != nil {
				return fmt.Errorf("save unpaid fee: %w", err)
			}
		}
		if len(cs.History) > 0 {
			if err := upsert(&cs.History); err != nil {
				return fmt.Errorf("save history: %w", err)
			}
		}

		if len(cs.Events) > 0 {
			logs := make([]futures.EventLog, 0, len(cs.Events))
			for _, ev := range cs.Events {
				payload, err := json.Marshal(ev.Payload)
				if err != nil {
					return fmt.Errorf("marshal event %s: %w", ev.Type, err)
				}
				logs = append(logs, futures.EventLog{
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

// ListHistory 账户已结束的单 (最近的在前)
func (s *SQLStore) ListHistory(ctx context.Context, account string, limit int) ([]*OrderHistory, error) {
	if limit <= 0 {
		limit = 100
	}
	var out []*OrderHistory
	err := s.db.WithContext(ctx).
		Where("account = ?", account).
		Order("updated_at DESC").
		Limit(limit).
		Find(&out).Error
	return out, err
}
