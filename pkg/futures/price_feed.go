// 文件: pkg/futures/price_feed.go
// 预言机价格源 (实现 Oracle)
//
// 【职责】
// 1. 接收外部推送的价格 (NATS 订阅 / 模拟行情)
// 2. 提供 GetPrice / GetPriceMinMax 给引擎
// 3. 价格过期拒绝报价
// 4. 价格更新回调 (强平 keeper、条件单 keeper、WS 推送)

package futures

import (
	"errors"
	"sync"
	"time"

	"perpx.com/pkg/risk/perp"
)

var (
	ErrPriceNotFound = errors.New("price not found")
	ErrPriceStale    = errors.New("price stale")
)

// PriceInfo 一个代币的价格
type PriceInfo struct {
	Token     string `json:"token"`
	Price     int64  `json:"price"`      // Base 精度
	SpreadBps int64  `json:"spread_bps"` // 买卖价差 (万分比)
	UpdatedAt int64  `json:"updated_at"` // Unix 毫秒
}

// PriceFeed 内存价格源
type PriceFeed struct {
	mu     sync.RWMutex
	prices map[string]*PriceInfo

	maxAge time.Duration // 0 表示不检查过期
	clock  func() time.Time

	listeners []func(PriceInfo)
}

// NewPriceFeed 创建价格源
func NewPriceFeed(maxAge time.Duration, clock func() time.Time) *PriceFeed {
	if clock == nil {
		clock = time.Now
	}
	return &PriceFeed{
		prices: make(map[string]*PriceInfo),
		maxAge: maxAge,
		clock:  clock,
	}
}

// SetPrice 更新价格 (沿用已有价差)
func (f *PriceFeed) SetPrice(token string, price int64) {
	f.mu.RLock()
	spread := int64(0)
	if info, ok := f.prices[token]; ok {
		spread = info.SpreadBps
	}
	f.mu.RUnlock()
	f.Update(PriceInfo{Token: token, Price: price, SpreadBps: spread})
}

// Update 更新完整价格信息
func (f *PriceFeed) Update(info PriceInfo) {
	if info.Price <= 0 {
		return
	}
	info.UpdatedAt = f.clock().UnixMilli()

	f.mu.Lock()
	f.prices[info.Token] = &info
	listeners := f.listeners
	f.mu.Unlock()

	for _, fn := range listeners {
		fn(info)
	}
}

// OnPriceUpdate 注册价格更新回调
//
// 回调在 Update 的调用方 goroutine 里同步执行，不要做重活
func (f *PriceFeed) OnPriceUpdate(fn func(PriceInfo)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listeners = append(f.listeners, fn)
}

func (f *PriceFeed) get(token string) (PriceInfo, error) {
	f.mu.RLock()
	info, ok := f.prices[token]
	var out PriceInfo
	if ok {
		out = *info
	}
	f.mu.RUnlock()

	if !ok {
		return PriceInfo{}, ErrPriceNotFound
	}
	if f.maxAge > 0 && f.clock().UnixMilli()-out.UpdatedAt > f.maxAge.Milliseconds() {
		return PriceInfo{}, ErrPriceStale
	}
	return out, nil
}

// GetPrice 中间价
func (f *PriceFeed) GetPrice(token string) (int64, error) {
	info, err := f.get(token)
	if err != nil {
		return 0, err
	}
	return info.Price, nil
}

// GetPriceMinMax 带价差的价格: isMax 返回 price × (1 + spread)，否则 price × (1 − spread)
func (f *PriceFeed) GetPriceMinMax(token string, isMax bool) (int64, error) {
	info, err := f.get(token)
	if err != nil {
		return 0, err
	}
	if info.SpreadBps == 0 {
		return info.Price, nil
	}
	if isMax {
		return perp.MulDiv(info.Price, FeeBase+info.SpreadBps, FeeBase)
	}
	return perp.MulDiv(info.Price, FeeBase-info.SpreadBps, FeeBase)
}

// GetAllPrices 所有价格快照
func (f *PriceFeed) GetAllPrices() map[string]PriceInfo {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make(map[string]PriceInfo, len(f.prices))
	for k, v := range f.prices {
		out[k] = *v
	}
	return out
}
