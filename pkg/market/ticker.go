// 文件: pkg/market/ticker.go
// 模拟行情: 几何布朗运动 (GBM)
//
// 每个 tick 把新价格作为一个价格源推给指数聚合器，
// 聚合器写 PriceFeed，再由 PriceFeed 通知 keeper
//
//	S_new = S * exp(-0.5*σ²*dt + σ*sqrt(dt)*Z)，μ=0，Z ~ N(0,1)
//
// GBM 价格恒为正，符合对数正态分布

package market

import (
	"context"
	"errors"
	"log"
	"math"
	"math/rand"
	"sync"
	"time"

	"perpx.com/pkg/futures"
)

var ErrInvalidTickerConfig = errors.New("invalid ticker config")

// SourcePriceSink 接收单源价格 (*futures.IndexPriceAggregator 实现)
type SourcePriceSink interface {
	UpdateSourcePrice(token, source string, price int64) (int64, error)
}

// TickerConfig 行情参数
type TickerConfig struct {
	Token      string        `yaml:"token"`
	Source     string        `yaml:"source"`
	StartPrice float64       `yaml:"start_price"` // 浮点价格，如 30000.5
	Volatility float64       `yaml:"volatility"`  // 年化波动率，0.5 = 50%
	Interval   time.Duration `yaml:"interval"`
	// TimeScale 模拟时间加速倍数，1 = 真实时间
	TimeScale float64 `yaml:"time_scale"`
	Seed      int64   `yaml:"seed"`
}

// DefaultTickerConfig 默认: 50% 年化波动，100ms 一跳
func DefaultTickerConfig(token string, startPrice float64) TickerConfig {
	return TickerConfig{
		Token:      token,
		Source:     "simulator",
		StartPrice: startPrice,
		Volatility: 0.5,
		Interval:   100 * time.Millisecond,
		TimeScale:  1,
		Seed:       time.Now().UnixNano(),
	}
}

// Validate 校验
func (c TickerConfig) Validate() error {
	if c.Token == "" || c.StartPrice <= 0 || c.Volatility < 0 || c.Interval <= 0 || c.TimeScale <= 0 {
		return ErrInvalidTickerConfig
	}
	return nil
}

// Ticker GBM 行情生成器
type Ticker struct {
	cfg  TickerConfig
	sink SourcePriceSink

	mu    sync.Mutex
	price float64
	rng   *rand.Rand
	ticks int64

	cancel context.CancelFunc
	done   chan struct{}
}

// NewTicker 创建行情生成器
func NewTicker(cfg TickerConfig, sink SourcePriceSink) (*Ticker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Ticker{
		cfg:   cfg,
		sink:  sink,
		price: cfg.StartPrice,
		// 独立随机源，不和全局 rand 抢锁
		rng: rand.New(rand.NewSource(cfg.Seed)),
	}, nil
}

// Step 推进 elapsed 时间并推送新价格，返回 Base 精度价格
func (t *Ticker) Step(elapsed time.Duration) (int64, error) {
	t.mu.Lock()
	dt := elapsed.Hours() * t.cfg.TimeScale / 24 / 365
	if dt <= 0 {
		dt = 1e-9
	}
	sigma := t.cfg.Volatility
	z := t.rng.NormFloat64()
	t.price *= math.Exp(-0.5*sigma*sigma*dt + sigma*math.Sqrt(dt)*z)
	t.ticks++
	price := toBase(t.price)
	t.mu.Unlock()

	if t.sink == nil {
		return price, nil
	}
	if _, err := t.sink.UpdateSourcePrice(t.cfg.Token, t.cfg.Source, price); err != nil {
		return price, err
	}
	return price, nil
}

// Price 当前价格 (Base 精度)
func (t *Ticker) Price() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return toBase(t.price)
}

// Ticks 已生成的 tick 数
func (t *Ticker) Ticks() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ticks
}

// Start 后台循环
func (t *Ticker) Start(ctx context.Context) {
	ctx, t.cancel = context.WithCancel(ctx)
	t.done = make(chan struct{})
	go t.loop(ctx)
}

// Stop 停止并等待循环退出
func (t *Ticker) Stop() {
	if t.cancel == nil {
		return
	}
	t.cancel()
	<-t.done
}

func (t *Ticker) loop(ctx context.Context) {
	defer close(t.done)
	ticker := time.NewTicker(t.cfg.Interval)
	defer ticker.Stop()

	last := time.Now()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if _, err := t.Step(now.Sub(last)); err != nil {
				log.Printf("[Ticker] %s push failed: %v", t.cfg.Token, err)
			}
			last = now
		}
	}
}

// toBase 浮点价格转 Base 精度，至少为 1
func toBase(price float64) int64 {
	v := int64(math.Round(price * futures.Base))
	if v < 1 {
		return 1
	}
	return v
}
