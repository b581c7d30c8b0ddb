// 文件: pkg/fund/ledger.go
// 资金账本 - 内存实现 + 托管账户适配
//
// 【模型】
// 每个地址在每个代币上一个余额。引擎、挂单簿各自是账本里的一个地址
// (托管账户)，"转入引擎" = 从用户地址划到引擎地址
//
// 【Custody】
// 把 (账本, 托管地址) 适配成引擎需要的 TransferIn / TransferOut 接口。
// 挂单簿调用引擎开仓时，引擎的 TransferIn 从挂单簿地址扣款，
// 两边共享一个账本，资金流向一目了然

package fund

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Ledger 账本接口 (内存 / GORM)
type Ledger interface {
	Transfer(ctx context.Context, token, from, to string, amount int64) error
	BalanceOf(ctx context.Context, token, account string) (int64, error)
}

// JournalPublisher 流水发布 (Kafka / NATS)
type JournalPublisher interface {
	PublishJournal(event *JournalEvent) error
}

// =============================================================================
// MemoryLedger
// =============================================================================

// MemoryLedger 内存账本
type MemoryLedger struct {
	mu       sync.Mutex
	balances map[string]map[string]int64 // symbol → account → balance
	seq      atomic.Uint64

	publisher JournalPublisher
	clock     func() time.Time
}

// NewMemoryLedger 创建内存账本
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		balances: make(map[string]map[string]int64),
		clock:    time.Now,
	}
}

// SetPublisher 设置流水发布器 (可选)
func (l *MemoryLedger) SetPublisher(p JournalPublisher) {
	l.publisher = p
}

// Deposit 充值
func (l *MemoryLedger) Deposit(ctx context.Context, token, account string, amount int64) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	sym := Symbol(token)
	l.mu.Lock()
	before := l.balances[sym][account]
	l.set(sym, account, before+amount)
	ev := l.journal(ChangeTypeDeposit, sym, account, "", amount, before)
	l.mu.Unlock()

	l.publish(ev)
	return nil
}

// Withdraw 提现
func (l *MemoryLedger) Withdraw(ctx context.Context, token, account string, amount int64) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	sym := Symbol(token)
	l.mu.Lock()
	before := l.balances[sym][account]
	if before < amount {
		l.mu.Unlock()
		return fmt.Errorf("%w: account=%s have=%d want=%d", ErrInsufficientBalance, account, before, amount)
	}
	l.set(sym, account, before-amount)
	ev := l.journal(ChangeTypeWithdraw, sym, account, "", amount, before)
	l.mu.Unlock()

	l.publish(ev)
	return nil
}

// Transfer 划转，amount 为 0 或 from == to 时什么都不做
func (l *MemoryLedger) Transfer(ctx context.Context, token, from, to string, amount int64) error {
	if amount < 0 {
		return ErrInvalidAmount
	}
	if amount == 0 || from == to {
		return nil
	}
	sym := Symbol(token)

	l.mu.Lock()
	fromBefore := l.balances[sym][from]
	if fromBefore < amount {
		l.mu.Unlock()
		return fmt.Errorf("%w: account=%s have=%d want=%d", ErrInsufficientBalance, from, fromBefore, amount)
	}
	toBefore := l.balances[sym][to]
	l.set(sym, from, fromBefore-amount)
	l.set(sym, to, toBefore+amount)
	debit := l.journal(ChangeTypeDebit, sym, from, to, amount, fromBefore)
	credit := l.journal(ChangeTypeCredit, sym, to, from, amount, toBefore)
	l.mu.Unlock()

	l.publish(debit)
	l.publish(credit)
	return nil
}

// BalanceOf 余额
func (l *MemoryLedger) BalanceOf(ctx context.Context, token, account string) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balances[Symbol(token)][account], nil
}

// Balances 某代币全部非零余额 (按地址排序)
func (l *MemoryLedger) Balances(token string) []BalanceSnapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	sym := Symbol(token)
	out := make([]BalanceSnapshot, 0, len(l.balances[sym]))
	for account, amount := range l.balances[sym] {
		out = append(out, BalanceSnapshot{Account: account, Symbol: sym, Available: amount})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Account < out[j].Account })
	return out
}

// Restore 用冷存储里的余额快照重建账本 (启动时调用，覆盖已有余额)
//
// 流水号从当前纳秒时间开始，避开上次运行已经写入的 event_id
func (l *MemoryLedger) Restore(snapshots []BalanceSnapshot) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.balances = make(map[string]map[string]int64)
	for _, s := range snapshots {
		l.set(s.Symbol, s.Account, s.Available)
	}
	l.seq.Store(uint64(l.clock().UnixNano()))
}

// TotalSupply 某代币总量 (对账用: 划转不改变总量)
func (l *MemoryLedger) TotalSupply(token string) int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	var total int64
	for _, v := range l.balances[Symbol(token)] {
		total += v
	}
	return total
}

// set 调用方持锁，余额为 0 时删除
func (l *MemoryLedger) set(sym, account string, amount int64) {
	m := l.balances[sym]
	if m == nil {
		m = make(map[string]int64)
		l.balances[sym] = m
	}
	if amount == 0 {
		delete(m, account)
		return
	}
	m[account] = amount
}

// journal 调用方持锁
func (l *MemoryLedger) journal(t ChangeType, sym, account, counterparty string, amount, before int64) *JournalEvent {
	after := before + amount
	if t == ChangeTypeWithdraw || t == ChangeTypeDebit {
		after = before - amount
	}
	seq := l.seq.Add(1)
	return &JournalEvent{
		EventID:       fmt.Sprintf("%s_%d_%s", t.String(), seq, account),
		Seq:           seq,
		Account:       account,
		Symbol:        sym,
		ChangeType:    t,
		Amount:        amount,
		Counterparty:  counterparty,
		BalanceBefore: before,
		BalanceAfter:  after,
		CreatedAt:     l.clock(),
	}
}

// publish 锁外调用，失败只记录 (内存账本是权威数据)
func (l *MemoryLedger) publish(ev *JournalEvent) {
	if l.publisher == nil {
		return
	}
	if err := l.publisher.PublishJournal(ev); err != nil {
		log.Printf("[Fund] publish journal %s failed: %v", ev.EventID, err)
	}
}

// =============================================================================
// Custody - 托管账户
// =============================================================================

// Custody 某个托管地址在账本上的视图，实现 futures.Transferer
type Custody struct {
	ledger  Ledger
	account string
}

// NewCustody 创建托管视图
func NewCustody(ledger Ledger, account string) *Custody {
	return &Custody{ledger: ledger, account: account}
}

// Account 托管地址
func (c *Custody) Account() string {
	return c.account
}

// TransferIn from → 托管地址
func (c *Custody) TransferIn(ctx context.Context, token, from string, amount int64) error {
	return c.ledger.Transfer(ctx, token, from, c.account, amount)
}

// TransferOut 托管地址 → to
func (c *Custody) TransferOut(ctx context.Context, token, to string, amount int64) error {
	return c.ledger.Transfer(ctx, token, c.account, to, amount)
}

// Balance 托管余额
func (c *Custody) Balance(ctx context.Context, token string) (int64, error) {
	return c.ledger.BalanceOf(ctx, token, c.account)
}
