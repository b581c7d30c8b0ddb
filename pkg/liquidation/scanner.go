// 文件: pkg/liquidation/scanner.go
// 全量风险扫描
//
// 索引和引擎状态靠它兜底对齐: 每轮把所有持仓重新算一遍，按档位重建索引，
// 已经可以强平的交给 keeper 入队

package liquidation

import (
	"context"
	"hash/fnv"
	"log"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"perpx.com/pkg/futures"
	"perpx.com/pkg/risk/perp"
)

const (
	DefaultScanInterval = 5 * time.Second
	DefaultNumShards    = 4
)

// PositionSource 持仓来源 (*futures.Engine 实现)
type PositionSource interface {
	ListPositions(f futures.PositionFilter) []futures.Position
	GetPositionByID(id futures.PositionID) (futures.Position, error)
	GetProduct(id uint64) (futures.Product, error)
	PositionMetrics(id futures.PositionID) (perp.Metrics, error)
}

// classify 引擎只按价格判断强平。风险率含资金费，可能先过 1，
// 这时留在 Critical 等价格触发
func classify(m perp.Metrics) RiskLevel {
	if m.Liquidatable {
		return RiskLevelLiquidate
	}
	if level := CalculateRiskLevel(m.RiskRatio); level < RiskLevelLiquidate {
		return level
	}
	return RiskLevelCritical
}

func evaluate(src PositionSource, pos futures.Position, token string, now int64) (PositionRiskData, error) {
	m, err := src.PositionMetrics(pos.ID)
	if err != nil {
		return PositionRiskData{}, err
	}
	return PositionRiskData{
		PositionID:       pos.ID,
		Owner:            pos.Owner,
		ProductID:        pos.ProductID,
		Token:            token,
		RiskRatio:        m.RiskRatio,
		UnrealizedPnL:    m.UnrealizedPnL - m.FundingOwed,
		LiquidationPrice: m.LiquidationPrice,
		Level:            classify(m),
		UpdatedAt:        now,
	}, nil
}

// ScanReport 一轮扫描的统计
type ScanReport struct {
	Scanned   int
	Warning   int
	Danger    int
	Critical  int
	Liquidate []PositionRiskData
	Elapsed   time.Duration
}

// Scanner 定时全量扫描
type Scanner struct {
	index    *RiskLevelIndex
	source   PositionSource
	shards   int
	interval time.Duration
	onReport func(ScanReport)

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func NewScanner(index *RiskLevelIndex, source PositionSource) *Scanner {
	return &Scanner{
		index:    index,
		source:   source,
		shards:   DefaultNumShards,
		interval: DefaultScanInterval,
	}
}

// SetNumShards 并行分片数，<= 0 忽略
func (s *Scanner) SetNumShards(n int) {
	if n > 0 {
		s.shards = n
	}
}

func (s *Scanner) SetScanInterval(d time.Duration) {
	if d > 0 {
		s.interval = d
	}
}

// OnReport 每轮扫描结束后回调，Start 之前设置
func (s *Scanner) OnReport(fn func(ScanReport)) {
	s.onReport = fn
}

// Start 立即扫一轮，之后按间隔扫。重复调用无效
func (s *Scanner) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.run(ctx, s.done)
	log.Printf("[Scanner] Running every %v over %d shards", s.interval, s.shards)
}

// Stop 等当前这一轮退出
func (s *Scanner) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	s.cancel, s.done = nil, nil
	log.Println("[Scanner] Stopped")
}

func (s *Scanner) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		report := s.Scan(ctx)
		if ctx.Err() != nil {
			return
		}
		if s.onReport != nil {
			s.onReport(report)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Scan 扫一轮并重建索引。ctx 取消时返回已算完的部分，索引不动
func (s *Scanner) Scan(ctx context.Context) ScanReport {
	start := time.Now()
	positions := s.source.ListPositions(futures.PositionFilter{})
	tokens := s.productTokens(positions)

	shards := s.split(positions)
	results := make([][]PositionRiskData, len(shards))
	g, gctx := errgroup.WithContext(ctx)
	for i, shard := range shards {
		g.Go(func() error {
			results[i] = s.evaluateShard(gctx, shard, tokens, start.UnixNano())
			return gctx.Err()
		})
	}
	if err := g.Wait(); err != nil {
		return ScanReport{Scanned: len(positions), Elapsed: time.Since(start)}
	}

	var byLevel [RiskLevelLiquidate + 1][]PositionRiskData
	for _, shard := range results {
		for _, d := range shard {
			byLevel[d.Level] = append(byLevel[d.Level], d)
		}
	}
	s.index.Rebuild(byLevel[RiskLevelWarning], byLevel[RiskLevelDanger], byLevel[RiskLevelCritical])

	report := ScanReport{
		Scanned:   len(positions),
		Warning:   len(byLevel[RiskLevelWarning]),
		Danger:    len(byLevel[RiskLevelDanger]),
		Critical:  len(byLevel[RiskLevelCritical]),
		Liquidate: byLevel[RiskLevelLiquidate],
		Elapsed:   time.Since(start),
	}
	if report.Scanned > 0 {
		log.Printf("[Scanner] %d positions in %v: warning=%d danger=%d critical=%d liquidate=%d",
			report.Scanned, report.Elapsed, report.Warning, report.Danger, report.Critical, len(report.Liquidate))
	}
	return report
}

// productTokens 产品 → 价格源，查不到的产品留空
func (s *Scanner) productTokens(positions []futures.Position) map[uint64]string {
	tokens := make(map[uint64]string)
	for _, pos := range positions {
		if _, seen := tokens[pos.ProductID]; seen {
			continue
		}
		tokens[pos.ProductID] = ""
		if p, err := s.source.GetProduct(pos.ProductID); err == nil {
			tokens[pos.ProductID] = p.Token
		}
	}
	return tokens
}

// split 按持仓 ID 哈希分片
func (s *Scanner) split(positions []futures.Position) [][]futures.Position {
	shards := make([][]futures.Position, s.shards)
	for _, pos := range positions {
		i := shardOf(pos.ID, s.shards)
		shards[i] = append(shards[i], pos)
	}
	return shards
}

func shardOf(id futures.PositionID, n int) int {
	h := fnv.New32a()
	h.Write([]byte(id))
	return int(h.Sum32() % uint32(n))
}

// evaluateShard 只返回非 Safe 的持仓
func (s *Scanner) evaluateShard(ctx context.Context, positions []futures.Position, tokens map[uint64]string, now int64) []PositionRiskData {
	var out []PositionRiskData
	for _, pos := range positions {
		if ctx.Err() != nil {
			return out
		}
		d, err := evaluate(s.source, pos, tokens[pos.ProductID], now)
		if err != nil {
			log.Printf("[Scanner] skip %s: %v", pos.ID, err)
			continue
		}
		if d.Level != RiskLevelSafe {
			out = append(out, d)
		}
	}
	return out
}
