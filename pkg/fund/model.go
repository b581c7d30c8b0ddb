// 文件: pkg/fund/model.go
// 资金账本 - 流水事件与数据库模型
//
// 账本每次划转产生两条流水 (转出方一条，转入方一条)，
// 通过 Kafka / NATS 传给 DBWriter 写入冷存储

package fund

import (
	"encoding/json"
	"errors"
	"time"
)

// =============================================================================
// 常量定义
// =============================================================================

// TopicJournalEvents 流水 Kafka topic，也是 NATS subject 前缀
const TopicJournalEvents = "perp_journal_events"

const (
	// NativeToken 零地址哨兵: 原生资产 (与 futures.NativeToken 相同)
	NativeToken = "0x0000000000000000000000000000000000000000"

	// NativeSymbol 原生资产在账本里的记账符号
	NativeSymbol = "NATIVE"
)

var (
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrInvalidAmount       = errors.New("invalid amount")
)

// Symbol 代币地址 → 记账符号 (零地址/空串视为原生资产)
func Symbol(token string) string {
	if token == NativeToken || token == "" {
		return NativeSymbol
	}
	return token
}

// ChangeType 变更类型
type ChangeType uint8

const (
	ChangeTypeDeposit  ChangeType = 1 // 充值
	ChangeTypeWithdraw ChangeType = 2 // 提现
	ChangeTypeDebit    ChangeType = 3 // 划转转出
	ChangeTypeCredit   ChangeType = 4 // 划转转入
)

func (t ChangeType) String() string {
	switch t {
	case ChangeTypeDeposit:
		return "DEPOSIT"
	case ChangeTypeWithdraw:
		return "WITHDRAW"
	case ChangeTypeDebit:
		return "DEBIT"
	case ChangeTypeCredit:
		return "CREDIT"
	default:
		return "UNKNOWN"
	}
}

// =============================================================================
// 流水事件
// =============================================================================

// JournalEvent 流水事件，每次余额变动一条
type JournalEvent struct {
	// ===== 唯一标识 =====
	EventID string `json:"event_id"` // 幂等键 (格式: {type}_{seq}_{account})
	Seq     uint64 `json:"seq"`

	// ===== 账户信息 =====
	Account string `json:"account"`
	Symbol  string `json:"symbol"`

	// ===== 变更信息 =====
	ChangeType   ChangeType `json:"change_type"`
	Amount       int64      `json:"amount"` // 正数
	Counterparty string     `json:"counterparty,omitempty"`

	// ===== 变更前后余额 =====
	BalanceBefore int64 `json:"balance_before"`
	BalanceAfter  int64 `json:"balance_after"`

	CreatedAt time.Time `json:"created_at"`
}

// ToJSON 序列化
func (e *JournalEvent) ToJSON() ([]byte, error) {
	return json.Marshal(e)
}

// FromJSON 反序列化
func (e *JournalEvent) FromJSON(data []byte) error {
	return json.Unmarshal(data, e)
}

// Snapshot 变更后的余额快照
func (e *JournalEvent) Snapshot() *BalanceSnapshot {
	return &BalanceSnapshot{
		EventID:   e.EventID,
		Account:   e.Account,
		Symbol:    e.Symbol,
		Available: e.BalanceAfter,
		UpdatedAt: e.CreatedAt,
	}
}

// BalanceSnapshot 余额快照
type BalanceSnapshot struct {
	EventID   string    `json:"event_id"`
	Account   string    `json:"account"`
	Symbol    string    `json:"symbol"`
	Available int64     `json:"available"`
	UpdatedAt time.Time `json:"updated_at"`
}

// =============================================================================
// 数据库模型
// =============================================================================

// BalanceRecord 余额表
type BalanceRecord struct {
	ID        int64     `gorm:"column:id;primaryKey;autoIncrement"`
	Account   string    `gorm:"column:account;type:varchar(64);uniqueIndex:uk_account_symbol"`
	Symbol    string    `gorm:"column:symbol;type:varchar(64);uniqueIndex:uk_account_symbol"`
	Available int64     `gorm:"column:available"`
	Version   int       `gorm:"column:version"` // 乐观锁
	UpdatedAt time.Time `gorm:"column:updated_at"`
}

// TableName GORM 表名
func (BalanceRecord) TableName() string {
	return "perp_balances"
}

// JournalRecord 流水表
type JournalRecord struct {
	ID            int64      `gorm:"column:id;primaryKey;autoIncrement"`
	EventID       string     `gorm:"column:event_id;type:varchar(128);uniqueIndex"`
	Account       string     `gorm:"column:account;type:varchar(64);index:idx_account_created"`
	Symbol        string     `gorm:"column:symbol;type:varchar(64)"`
	ChangeType    ChangeType `gorm:"column:change_type"`
	Amount        int64      `gorm:"column:amount"`
	Counterparty  string     `gorm:"column:counterparty;type:varchar(64)"`
	BalanceBefore int64      `gorm:"column:balance_before"`
	BalanceAfter  int64      `gorm:"column:balance_after"`
	CreatedAt     time.Time  `gorm:"column:created_at;index:idx_account_created"`
}

// TableName GORM 表名
func (JournalRecord) TableName() string {
	return "perp_journals"
}

func journalRecord(e *JournalEvent) *JournalRecord {
	return &JournalRecord{
		EventID:       e.EventID,
		Account:       e.Account,
		Symbol:        e.Symbol,
		ChangeType:    e.ChangeType,
		Amount:        e.Amount,
		Counterparty:  e.Counterparty,
		BalanceBefore: e.BalanceBefore,
		BalanceAfter:  e.BalanceAfter,
		CreatedAt:     e.CreatedAt,
	}
}
