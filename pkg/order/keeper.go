// 文件: pkg/order/keeper.go
// 条件单 keeper
//
// 两条触发路径:
// 1. 定时扫描: 每个价格源查一次触发价索引
// 2. 行情触发: PriceFeed 推价回调，只标记该价格源待检查，由后台 goroutine 处理
//
// 命中的单合成一批交给 ExecuteOrders，单条失败不影响其它单。
// 执行失败的单按指数退避延后重试，成功、撤销或改单后清掉退避状态

package order

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"perpx.com/pkg/futures"
	"perpx.com/pkg/metrics"
)

// KeeperConfig 条件单 keeper 参数
type KeeperConfig struct {
	// Address 提交执行的地址 (要在挂单簿里登记为 keeper)
	Address     string        `yaml:"address"`
	FeeReceiver string        `yaml:"fee_receiver"` // 为空时执行费付给 Address
	Interval    time.Duration `yaml:"interval"`
	BatchSize   int           `yaml:"batch_size"`
	ExecTimeout time.Duration `yaml:"exec_timeout"`
	// RetryBackoff 单张单第一次失败后的等待时间，之后每次翻倍，不超过 MaxRetryBackoff
	RetryBackoff    time.Duration `yaml:"retry_backoff"`
	MaxRetryBackoff time.Duration `yaml:"max_retry_backoff"`
}

// DefaultKeeperConfig 默认参数
func DefaultKeeperConfig() KeeperConfig {
	return KeeperConfig{
		Address:     "order-keeper",
		Interval:    time.Second,
		BatchSize:       50,
		ExecTimeout:     10 * time.Second,
		RetryBackoff:    5 * time.Second,
		MaxRetryBackoff: 10 * time.Minute,
	}
}

var ErrInvalidKeeperConfig = errors.New("invalid order keeper config")

// Validate 参数校验
func (c KeeperConfig) Validate() error {
	if c.Address == "" || c.Interval <= 0 || c.BatchSize <= 0 || c.ExecTimeout <= 0 {
		return ErrInvalidKeeperConfig
	}
	if c.RetryBackoff <= 0 || c.MaxRetryBackoff < c.RetryBackoff {
		return ErrInvalidKeeperConfig
	}
	return nil
}

// BatchExecutor 批量执行 (*OrderBook 实现)
type BatchExecutor interface {
	ExecuteOrders(ctx context.Context, sender string, open, closing []OrderRef, feeReceiver string) (BatchReport, error)
}

// ProductLister 列出产品，用来确定要检查哪些价格源
type ProductLister interface {
	ListProducts() []futures.Product
}

var _ BatchExecutor = (*OrderBook)(nil)

// Keeper 条件单 keeper
type Keeper struct {
	cfg      KeeperConfig
	index    TriggerIndex
	oracle   futures.Oracle
	products ProductLister
	executor BatchExecutor
	clock    func() time.Time

	pending chan string // 待检查的价格源

	statsMu sync.Mutex
	stats   KeeperStats

	retryMu sync.Mutex
	retries map[retryKey]*retryState

	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
}

// KeeperStats keeper 统计
type KeeperStats struct {
	Batches       int
	FailedBatches int
	Executed      int
	Failed        int
	Deferred      int // 退避中跳过的次数
}

type retryKey struct {
	kind Kind
	ref  OrderRef
}

// retryState 单张单的退避状态，entry 变了 (改单) 就作废
type retryState struct {
	entry    TriggerEntry
	failures int
	next     time.Time
}

// NewKeeper 创建条件单 keeper
func NewKeeper(cfg KeeperConfig, index TriggerIndex, oracle futures.Oracle, products ProductLister, executor BatchExecutor, clock func() time.Time) (*Keeper, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if clock == nil {
		clock = time.Now
	}
	return &Keeper{
		cfg:      cfg,
		index:    index,
		oracle:   oracle,
		products: products,
		executor: executor,
		clock:    clock,
		pending:  make(chan string, 64),
		stopCh:   make(chan struct{}),
		retries:  make(map[retryKey]*retryState),
	}, nil
}

// Start 启动后台循环
func (k *Keeper) Start() {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.running {
		return
	}
	k.running = true
	k.stopCh = make(chan struct{})

	k.wg.Add(1)
	go k.loop()
	log.Printf("[OrderKeeper] Started: address=%s, interval=%v", k.cfg.Address, k.cfg.Interval)
}

// Stop 停止并等待当前批次结束
func (k *Keeper) Stop() {
	k.mu.Lock()
	defer k.mu.Unlock()
	if !k.running {
		return
	}
	close(k.stopCh)
	k.wg.Wait()
	k.running = false
	log.Println("[OrderKeeper] Stopped")
}

func (k *Keeper) loop() {
	defer k.wg.Done()
	ticker := time.NewTicker(k.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-k.stopCh:
			return
		case <-ticker.C:
			k.RunOnce(context.Background())
		case token := <-k.pending:
			k.CheckToken(context.Background(), token)
		}
	}
}

// OnPriceChange 接 futures.PriceFeed.OnPriceUpdate，非阻塞投递
func (k *Keeper) OnPriceChange(token string, price int64) {
	select {
	case k.pending <- token:
	default:
		// 队列满，下一轮定时扫描会覆盖
	}
}

// RunOnce 检查全部价格源，返回提交的单数
func (k *Keeper) RunOnce(ctx context.Context) int {
	seen := make(map[string]bool)
	total := 0
	for _, p := range k.products.ListProducts() {
		if seen[p.Token] {
			continue
		}
		seen[p.Token] = true
		total += k.CheckToken(ctx, p.Token)
	}
	return total
}

// CheckToken 检查一个价格源，命中的单按 BatchSize 分批提交
func (k *Keeper) CheckToken(ctx context.Context, token string) int {
	price, err := k.oracle.GetPrice(token)
	if err != nil {
		return 0
	}
	entries, err := k.index.Triggered(ctx, token, price)
	if err != nil {
		log.Printf("[OrderKeeper] query trigger index %s failed: %v", token, err)
		return 0
	}

	now := k.clock()
	k.pruneRetries(token, entries)
	var open, closing []OrderRef
	byKey := make(map[retryKey]TriggerEntry, len(entries))
	deferred := 0
	for _, e := range entries {
		if e.ExecutableAt > now.Unix() {
			continue
		}
		if k.backingOff(e, now) {
			deferred++
			continue
		}
		byKey[retryKey{e.Kind, e.Ref()}] = e
		if e.Kind == KindOpen {
			open = append(open, e.Ref())
		} else {
			closing = append(closing, e.Ref())
		}
	}

	submitted := 0
	for len(open)+len(closing) > 0 {
		n := min(len(open), k.cfg.BatchSize)
		batchOpen := open[:n]
		open = open[n:]
		m := min(len(closing), k.cfg.BatchSize-n)
		batchClose := closing[:m]
		closing = closing[m:]

		k.submit(batchOpen, batchClose, byKey)
		submitted += n + m
	}
	if deferred > 0 {
		k.addStats(func(s *KeeperStats) { s.Deferred += deferred })
	}
	return submitted
}

func (k *Keeper) submit(open, closing []OrderRef, entries map[retryKey]TriggerEntry) {
	ctx, cancel := context.WithTimeout(context.Background(), k.cfg.ExecTimeout)
	defer cancel()

	report, err := k.executor.ExecuteOrders(ctx, k.cfg.Address, open, closing, k.cfg.FeeReceiver)
	if err != nil {
		metrics.KeeperBatches.WithLabelValues("order", "error").Inc()
		log.Printf("[OrderKeeper] batch failed: open=%d close=%d error=%v", len(open), len(closing), err)
		k.addStats(func(s *KeeperStats) { s.FailedBatches++ })
		return
	}
	metrics.KeeperBatches.WithLabelValues("order", "success").Inc()
	k.recordResults(report, entries)
	k.addStats(func(s *KeeperStats) {
		s.Batches++
		s.Executed += report.Succeeded()
		s.Failed += report.Failed()
	})
}

// =============================================================================
// 失败退避
// =============================================================================

// backingOff 该单是否还在退避窗口内
func (k *Keeper) backingOff(e TriggerEntry, now time.Time) bool {
	k.retryMu.Lock()
	defer k.retryMu.Unlock()
	st, ok := k.retries[retryKey{e.Kind, e.Ref()}]
	if !ok {
		return false
	}
	if st.entry != e {
		// 改过单，重新开始
		delete(k.retries, retryKey{e.Kind, e.Ref()})
		return false
	}
	return now.Before(st.next)
}

// pruneRetries 丢掉该价格源下已不在触发列表里的单 (已执行/撤销/改价)
func (k *Keeper) pruneRetries(token string, entries []TriggerEntry) {
	live := make(map[retryKey]bool, len(entries))
	for _, e := range entries {
		live[retryKey{e.Kind, e.Ref()}] = true
	}
	k.retryMu.Lock()
	defer k.retryMu.Unlock()
	for key, st := range k.retries {
		if st.entry.Token == token && !live[key] {
			delete(k.retries, key)
		}
	}
}

// recordResults 失败的单退避翻倍，成功的清掉
func (k *Keeper) recordResults(report BatchReport, entries map[retryKey]TriggerEntry) {
	now := k.clock()
	k.retryMu.Lock()
	defer k.retryMu.Unlock()
	for _, res := range report.Results {
		key := retryKey{res.Kind, OrderRef{Account: res.Account, Index: res.Index}}
		if res.OK() {
			delete(k.retries, key)
			continue
		}
		e, ok := entries[key]
		if !ok {
			continue
		}
		st, ok := k.retries[key]
		if !ok {
			st = &retryState{entry: e}
			k.retries[key] = st
		}
		st.failures++
		st.next = now.Add(k.retryDelay(st.failures))
	}
}

func (k *Keeper) retryDelay(failures int) time.Duration {
	d := k.cfg.RetryBackoff
	for i := 1; i < failures && d < k.cfg.MaxRetryBackoff; i++ {
		d *= 2
	}
	return min(d, k.cfg.MaxRetryBackoff)
}

func (k *Keeper) addStats(fn func(*KeeperStats)) {
	k.statsMu.Lock()
	fn(&k.stats)
	k.statsMu.Unlock()
}

// GetStats 统计快照
func (k *Keeper) GetStats() KeeperStats {
	k.statsMu.Lock()
	defer k.statsMu.Unlock()
	return k.stats
}
