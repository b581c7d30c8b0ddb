// 文件: pkg/fund/balance_repo.go
// 资金账本 - GORM 实现
//
// 两个用途:
// 1. BalanceLedger 直接作为 Ledger (余额在数据库里，划转走数据库事务)
// 2. DBWriter 的冷存储镜像 (BatchInsertJournals / UpsertBalance 幂等写入)
//
// 扣款用条件更新 "available >= amount"，不需要先读再写

package fund

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var _ Ledger = (*BalanceLedger)(nil)

// BalanceLedger GORM 账本
type BalanceLedger struct {
	db  *gorm.DB
	seq *atomic.Uint64
}

// NewBalanceLedger 创建 GORM 账本
func NewBalanceLedger(db *gorm.DB) *BalanceLedger {
	return &BalanceLedger{db: db, seq: new(atomic.Uint64)}
}

// AutoMigrate 建表
func (r *BalanceLedger) AutoMigrate(ctx context.Context) error {
	return r.db.WithContext(ctx).AutoMigrate(&BalanceRecord{}, &JournalRecord{})
}

// =============================================================================
// 余额操作
// =============================================================================

// GetBalance 获取余额记录，不存在返回 nil
func (r *BalanceLedger) GetBalance(ctx context.Context, account, symbol string) (*BalanceRecord, error) {
	var record BalanceRecord
	err := r.db.WithContext(ctx).
		Where("account = ? AND symbol = ?", account, symbol).
		First(&record).Error

	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &record, nil
}

// BalanceOf 余额
func (r *BalanceLedger) BalanceOf(ctx context.Context, token, account string) (int64, error) {
	record, err := r.GetBalance(ctx, account, Symbol(token))
	if err != nil || record == nil {
		return 0, err
	}
	return record.Available, nil
}

// Deposit 充值
func (r *BalanceLedger) Deposit(ctx context.Context, token, account string, amount int64) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	sym := Symbol(token)
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		after, err := credit(tx, account, sym, amount)
		if err != nil {
			return err
		}
		return insertJournals(tx, r.event(ChangeTypeDeposit, sym, account, "", amount, after-amount))
	})
}

// Withdraw 提现
func (r *BalanceLedger) Withdraw(ctx context.Context, token, account string, amount int64) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	sym := Symbol(token)
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		after, err := debit(tx, account, sym, amount)
		if err != nil {
			return err
		}
		return insertJournals(tx, r.event(ChangeTypeWithdraw, sym, account, "", amount, after+amount))
	})
}

// Transfer 划转: 扣款 + 入账 + 两条流水，一个数据库事务
func (r *BalanceLedger) Transfer(ctx context.Context, token, from, to string, amount int64) error {
	if amount < 0 {
		return ErrInvalidAmount
	}
	if amount == 0 || from == to {
		return nil
	}
	sym := Symbol(token)
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		fromAfter, err := debit(tx, from, sym, amount)
		if err != nil {
			return err
		}
		toAfter, err := credit(tx, to, sym, amount)
		if err != nil {
			return err
		}
		return insertJournals(tx,
			r.event(ChangeTypeDebit, sym, from, to, amount, fromAfter+amount),
			r.event(ChangeTypeCredit, sym, to, from, amount, toAfter-amount),
		)
	})
}

// debit available -= amount，余额不足返回 ErrInsufficientBalance
func debit(tx *gorm.DB, account, symbol string, amount int64) (int64, error) {
	result := tx.Model(&BalanceRecord{}).
		Where("account = ? AND symbol = ? AND available >= ?", account, symbol, amount).
		Updates(map[string]interface{}{
			"available":  gorm.Expr("available - ?", amount),
			"version":    gorm.Expr("version + 1"),
			"updated_at": time.Now(),
		})
	if result.Error != nil {
		return 0, result.Error
	}
	if result.RowsAffected == 0 {
		return 0, fmt.Errorf("%w: account=%s want=%d", ErrInsufficientBalance, account, amount)
	}
	return readAvailable(tx, account, symbol)
}

// credit available += amount，记录不存在则创建
func credit(tx *gorm.DB, account, symbol string, amount int64) (int64, error) {
	record := &BalanceRecord{
		Account:   account,
		Symbol:    symbol,
		Available: amount,
		UpdatedAt: time.Now(),
	}
	err := tx.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "account"}, {Name: "symbol"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"available":  gorm.Expr("perp_balances.available + ?", amount),
			"version":    gorm.Expr("perp_balances.version + 1"),
			"updated_at": time.Now(),
		}),
	}).Create(record).Error
	if err != nil {
		return 0, err
	}
	return readAvailable(tx, account, symbol)
}

func readAvailable(tx *gorm.DB, account, symbol string) (int64, error) {
	var record BalanceRecord
	if err := tx.Where("account = ? AND symbol = ?", account, symbol).First(&record).Error; err != nil {
		return 0, err
	}
	return record.Available, nil
}

func (r *BalanceLedger) event(t ChangeType, sym, account, counterparty string, amount, before int64) *JournalEvent {
	after := before + amount
	if t == ChangeTypeWithdraw || t == ChangeTypeDebit {
		after = before - amount
	}
	seq := r.seq.Add(1)
	return &JournalEvent{
		EventID:       fmt.Sprintf("%s_%d_%d_%s", t.String(), time.Now().UnixNano(), seq, account),
		Seq:           seq,
		Account:       account,
		Symbol:        sym,
		ChangeType:    t,
		Amount:        amount,
		Counterparty:  counterparty,
		BalanceBefore: before,
		BalanceAfter:  after,
		CreatedAt:     time.Now(),
	}
}

// =============================================================================
// 冷存储镜像 (DBWriter 用)
// =============================================================================

// ListBalances 全部非零余额 (MemoryLedger.Restore 用)
func (r *BalanceLedger) ListBalances(ctx context.Context) ([]BalanceSnapshot, error) {
	var records []BalanceRecord
	if err := r.db.WithContext(ctx).Where("available <> 0").Order("symbol, account").Find(&records).Error; err != nil {
		return nil, err
	}
	out := make([]BalanceSnapshot, 0, len(records))
	for _, rec := range records {
		out = append(out, BalanceSnapshot{
			Account:   rec.Account,
			Symbol:    rec.Symbol,
			Available: rec.Available,
			UpdatedAt: rec.UpdatedAt,
		})
	}
	return out, nil
}

// UpsertBalance 按快照覆盖余额
func (r *BalanceLedger) UpsertBalance(ctx context.Context, snapshot *BalanceSnapshot) error {
	record := &BalanceRecord{
		Account:   snapshot.Account,
		Symbol:    snapshot.Symbol,
		Available: snapshot.Available,
		UpdatedAt: snapshot.UpdatedAt,
	}
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "account"}, {Name: "symbol"}},
			DoUpdates: clause.Assignments(map[string]interface{}{
				"available":  snapshot.Available,
				"version":    gorm.Expr("perp_balances.version + 1"),
				"updated_at": snapshot.UpdatedAt,
			}),
		}).
		Create(record).Error
}

// BatchInsertJournals 批量插入流水 (event_id 冲突忽略，幂等)
func (r *BalanceLedger) BatchInsertJournals(ctx context.Context, events []*JournalEvent) error {
	if len(events) == 0 {
		return nil
	}
	records := make([]*JournalRecord, 0, len(events))
	for _, e := range events {
		records = append(records, journalRecord(e))
	}
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "event_id"}}, DoNothing: true}).
		CreateInBatches(records, 100). // 每批 100 条
		Error
}

func insertJournals(tx *gorm.DB, events ...*JournalEvent) error {
	records := make([]*JournalRecord, 0, len(events))
	for _, e := range events {
		records = append(records, journalRecord(e))
	}
	return tx.Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "event_id"}}, DoNothing: true}).
		Create(records).Error
}

// GetJournalByEventID 根据 EventID 查询流水
func (r *BalanceLedger) GetJournalByEventID(ctx context.Context, eventID string) (*JournalRecord, error) {
	var record JournalRecord
	err := r.db.WithContext(ctx).
		Where("event_id = ?", eventID).
		First(&record).Error

	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &record, nil
}

// ListJournals 查询账户流水 (时间倒序)
func (r *BalanceLedger) ListJournals(ctx context.Context, account, symbol string, limit, offset int) ([]*JournalRecord, error) {
	query := r.db.WithContext(ctx).
		Where("account = ?", account).
		Order("created_at DESC").
		Limit(limit).
		Offset(offset)

	if symbol != "" {
		query = query.Where("symbol = ?", symbol)
	}

	var records []*JournalRecord
	err := query.Find(&records).Error
	return records, err
}
