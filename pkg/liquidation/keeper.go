// 文件: pkg/liquidation/keeper.go
// 强平 keeper

package liquidation

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"perpx.com/pkg/futures"
)

// =============================================================================
// 配置
// =============================================================================

// KeeperConfig keeper 参数
type KeeperConfig struct {
	// Address 提交强平的地址 (要在引擎里登记为 liquidator)
	Address string `yaml:"address"`

	ScanInterval          time.Duration `yaml:"scan_interval"`
	CheckIntervalWarning  time.Duration `yaml:"check_interval_warning"`
	CheckIntervalDanger   time.Duration `yaml:"check_interval_danger"`
	CheckIntervalCritical time.Duration `yaml:"check_interval_critical"`

	NumShards   int           `yaml:"num_shards"`
	Workers     int           `yaml:"workers"`
	QueueSize   int           `yaml:"queue_size"`
	BatchSize   int           `yaml:"batch_size"` // 单批最多多少条持仓
	ExecTimeout time.Duration `yaml:"exec_timeout"`
}

// DefaultKeeperConfig 默认参数
func DefaultKeeperConfig() KeeperConfig {
	return KeeperConfig{
		Address:               "liquidation-keeper",
		ScanInterval:          DefaultScanInterval,
		CheckIntervalWarning:  5 * time.Second,
		CheckIntervalDanger:   2 * time.Second,
		CheckIntervalCritical: 500 * time.Millisecond,
		NumShards:             DefaultNumShards,
		Workers:               4,
		QueueSize:             100,
		BatchSize:             50,
		ExecTimeout:           30 * time.Second,
	}
}

var ErrInvalidKeeperConfig = errors.New("invalid keeper config")

// Validate 参数校验
func (c KeeperConfig) Validate() error {
	if c.Address == "" || c.Workers <= 0 || c.QueueSize <= 0 || c.BatchSize <= 0 || c.NumShards <= 0 {
		return ErrInvalidKeeperConfig
	}
	if c.ScanInterval <= 0 || c.CheckIntervalWarning <= 0 || c.CheckIntervalDanger <= 0 || c.CheckIntervalCritical <= 0 {
		return ErrInvalidKeeperConfig
	}
	return nil
}

// =============================================================================
// Executor
// =============================================================================

// Executor 强平执行器
//
// keeper 只负责发现和调度，真正的强平交给 Executor (EngineExecutor 调引擎)
type Executor interface {
	Execute(ctx context.Context, task LiquidationTask) LiquidationResult
}

// =============================================================================
// Keeper
// =============================================================================

// Keeper 强平 keeper
//
//	┌──────────────────────────────────────────────┐
//	│                    Keeper                    │
//	│  ┌─────────┐  ┌──────────┐  ┌─────────────┐  │
//	│  │ Scanner │  │ Checkers │  │ PriceTrigger│  │
//	│  └────┬────┘  └────┬─────┘  └──────┬──────┘  │
//	│       └────────────┼───────────────┘         │
//	│              RiskLevelIndex                  │
//	│                    │ 强平区                   │
//	│               task queue → workers → Executor│
//	└──────────────────────────────────────────────┘
type Keeper struct {
	cfg      KeeperConfig
	index    *RiskLevelIndex
	scanner  *Scanner
	source   PositionSource
	executor Executor

	queueMu sync.RWMutex
	queue   chan LiquidationTask // Stop 之后为 nil

	// inflight: 已入队还没执行完的持仓，避免扫描和价格触发重复提交
	inflightMu sync.Mutex
	inflight   map[futures.PositionID]struct{}

	statsMu sync.Mutex
	stats   KeeperStats

	running  bool
	stopCh   chan struct{}
	checkers sync.WaitGroup
	workers  sync.WaitGroup
	mu       sync.Mutex
}

// NewKeeper 创建 keeper
func NewKeeper(cfg KeeperConfig, source PositionSource, executor Executor) (*Keeper, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	index := NewRiskLevelIndex()
	scanner := NewScanner(index, source)
	scanner.SetNumShards(cfg.NumShards)
	scanner.SetScanInterval(cfg.ScanInterval)

	k := &Keeper{
		cfg:      cfg,
		index:    index,
		scanner:  scanner,
		source:   source,
		executor: executor,
		queue:    make(chan LiquidationTask, cfg.QueueSize),
		inflight: make(map[futures.PositionID]struct{}),
		stopCh:   make(chan struct{}),
	}
	scanner.OnReport(k.handleScanReport)
	return k, nil
}

// Index 风险索引 (只读用途)
func (k *Keeper) Index() *RiskLevelIndex {
	return k.index
}

// =============================================================================
// 生命周期
// =============================================================================

// Start 启动扫描器、三级检查器和 worker pool
func (k *Keeper) Start() {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.running {
		return
	}
	k.running = true
	k.stopCh = make(chan struct{})
	k.queueMu.Lock()
	if k.queue == nil {
		k.queue = make(chan LiquidationTask, k.cfg.QueueSize)
	}
	k.queueMu.Unlock()

	k.startWorkers()
	k.startChecker(RiskLevelWarning, k.cfg.CheckIntervalWarning)
	k.startChecker(RiskLevelDanger, k.cfg.CheckIntervalDanger)
	k.startChecker(RiskLevelCritical, k.cfg.CheckIntervalCritical)
	k.scanner.Start()

	log.Printf("[Keeper] Started: workers=%d, batch=%d", k.cfg.Workers, k.cfg.BatchSize)
}

// Stop 停止 keeper，等待队列里的任务执行完
func (k *Keeper) Stop() {
	k.mu.Lock()
	defer k.mu.Unlock()
	if !k.running {
		return
	}
	k.scanner.Stop()
	close(k.stopCh)
	k.checkers.Wait()

	// 价格回调可能还在投递，关队列要和 enqueue 互斥
	k.queueMu.Lock()
	close(k.queue)
	k.queue = nil
	k.queueMu.Unlock()

	k.workers.Wait()
	k.running = false
	log.Println("[Keeper] Stopped")
}

// =============================================================================
// 检查器
// =============================================================================

func (k *Keeper) startChecker(level RiskLevel, interval time.Duration) {
	k.checkers.Add(1)
	go func() {
		defer k.checkers.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-k.stopCh:
				return
			case <-ticker.C:
				k.CheckLevel(level)
			}
		}
	}()
}

// CheckLevel 重新评估某个等级的全部持仓
func (k *Keeper) CheckLevel(level RiskLevel) {
	positions := k.index.GetByLevel(level)
	if len(positions) == 0 {
		return
	}
	k.recheck(positions, SourceChecker)
}

// recheck 重新计算风险，处理升降级，强平区的合批入队
func (k *Keeper) recheck(items []PositionRiskData, source TaskSource) {
	now := time.Now().UnixNano()
	var liquidate []PositionRiskData
	for _, old := range items {
		pos, err := k.source.GetPositionByID(old.PositionID)
		if errors.Is(err, futures.ErrPositionNotFound) {
			k.index.Remove(old.PositionID)
			continue
		}
		if err != nil {
			log.Printf("[Keeper] load position %s failed: %v", old.PositionID, err)
			continue
		}
		data, err := evaluate(k.source, pos, old.Token, now)
		if err != nil {
			log.Printf("[Keeper] evaluate position %s failed: %v", old.PositionID, err)
			continue
		}
		if data.Level != old.Level {
			log.Printf("[Keeper] position %s level changed: %s -> %s (riskRatio=%.4f)",
				data.PositionID, old.Level, data.Level, data.RiskRatio)
		}
		k.index.Update(data)
		if data.Level == RiskLevelLiquidate {
			liquidate = append(liquidate, data)
		}
	}
	k.enqueue(liquidate, source)
}

// =============================================================================
// 行情触发 (Level 3)
// =============================================================================

// OnPriceChange 价格更新回调，只检查挂在该价格源上的 Critical 持仓
//
// 接 futures.PriceFeed.OnPriceUpdate，回调在推价 goroutine 里执行
func (k *Keeper) OnPriceChange(token string, price int64) {
	ids := k.index.GetByToken(token)
	if len(ids) == 0 {
		return
	}
	var critical []PositionRiskData
	for _, id := range ids {
		data, ok := k.index.Get(id)
		if ok && data.Level == RiskLevelCritical {
			critical = append(critical, data)
		}
	}
	if len(critical) == 0 {
		return
	}
	k.recheck(critical, SourcePrice)
}

// =============================================================================
// 入队 / 执行
// =============================================================================

func (k *Keeper) handleScanReport(report ScanReport) {
	k.enqueue(report.Liquidate, SourceScan)
}

// enqueue 去重后按 BatchSize 切批，非阻塞投递
func (k *Keeper) enqueue(items []PositionRiskData, source TaskSource) {
	if len(items) == 0 {
		return
	}

	k.inflightMu.Lock()
	var ids []futures.PositionID
	maxRatio := 0.0
	for _, d := range items {
		if _, ok := k.inflight[d.PositionID]; ok {
			continue
		}
		k.inflight[d.PositionID] = struct{}{}
		ids = append(ids, d.PositionID)
		if d.RiskRatio > maxRatio {
			maxRatio = d.RiskRatio
		}
	}
	k.inflightMu.Unlock()

	k.queueMu.RLock()
	defer k.queueMu.RUnlock()
	if k.queue == nil {
		k.release(ids)
		return
	}
	for start := 0; start < len(ids); start += k.cfg.BatchSize {
		end := min(start+k.cfg.BatchSize, len(ids))
		task := LiquidationTask{
			PositionIDs:  ids[start:end],
			Source:       source,
			MaxRiskRatio: maxRatio,
			CreatedAt:    time.Now(),
		}
		select {
		case k.queue <- task:
			log.Printf("[Keeper] Liquidation task queued: source=%s, positions=%d", source, len(task.PositionIDs))
		default:
			// 队列满，释放 inflight，下一轮扫描会再发现它们
			log.Printf("[Keeper] WARNING: liquidation queue full, task dropped: positions=%d", len(task.PositionIDs))
			k.release(task.PositionIDs)
			k.addStats(func(s *KeeperStats) { s.Dropped += len(task.PositionIDs) })
		}
	}
}

func (k *Keeper) release(ids []futures.PositionID) {
	k.inflightMu.Lock()
	for _, id := range ids {
		delete(k.inflight, id)
	}
	k.inflightMu.Unlock()
}

func (k *Keeper) startWorkers() {
	for i := 0; i < k.cfg.Workers; i++ {
		k.workers.Add(1)
		go func(workerID int, queue <-chan LiquidationTask) {
			defer k.workers.Done()
			for task := range queue {
				k.execute(workerID, task)
			}
		}(i, k.queue)
	}
}

func (k *Keeper) execute(workerID int, task LiquidationTask) {
	ctx, cancel := context.WithTimeout(context.Background(), k.cfg.ExecTimeout)
	defer cancel()

	result := k.executor.Execute(ctx, task)
	k.release(task.PositionIDs)

	if !result.Success() {
		log.Printf("[Worker-%d] Liquidation batch failed: positions=%d, error=%v",
			workerID, len(task.PositionIDs), result.Error)
		k.addStats(func(s *KeeperStats) { s.FailedBatches++ })
		return
	}
	for _, id := range task.PositionIDs {
		k.index.Remove(id)
	}
	log.Printf("[Worker-%d] Liquidation batch done: submitted=%d, liquidated=%d, skipped=%d, failed=%d, reward=%d",
		workerID, result.Submitted, result.Liquidated, result.Skipped, result.Failed, result.Reward)
	k.addStats(func(s *KeeperStats) {
		s.Batches++
		s.Liquidated += result.Liquidated
		s.Reward += result.Reward
	})
}

// =============================================================================
// 监控接口
// =============================================================================

// KeeperStats keeper 统计
type KeeperStats struct {
	WarningPositions  int
	DangerPositions   int
	CriticalPositions int
	QueuedTasks       int

	Batches       int
	FailedBatches int
	Liquidated    int
	Dropped       int
	Reward        int64
}

func (k *Keeper) addStats(fn func(*KeeperStats)) {
	k.statsMu.Lock()
	fn(&k.stats)
	k.statsMu.Unlock()
}

// GetStats 统计快照
func (k *Keeper) GetStats() KeeperStats {
	k.statsMu.Lock()
	s := k.stats
	k.statsMu.Unlock()

	s.WarningPositions = len(k.index.GetByLevel(RiskLevelWarning))
	s.DangerPositions = len(k.index.GetByLevel(RiskLevelDanger))
	s.CriticalPositions = len(k.index.GetByLevel(RiskLevelCritical))
	k.queueMu.RLock()
	s.QueuedTasks = len(k.queue)
	k.queueMu.RUnlock()
	return s
}
