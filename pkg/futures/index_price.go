// 文件: pkg/futures/index_price.go
// 指数价格聚合器 - 多个价格源合成一个预言机价格
//
// 多个交易所/喂价方各推一路价格，聚合后写入 PriceFeed，引擎只看到聚合结果
//
// 【两种聚合方式】
// - 加权平均: 按源的权重，未配置权重的源给一个小权重
// - 中位数: 抗单点操控，源数量 >= 3 时更稳
//
// 超时的源不参与聚合；全部超时时不更新 PriceFeed (PriceFeed 自己会报过期)

package futures

import (
	"errors"
	"sort"
	"sync"
	"time"
)

var ErrNoIndexSources = errors.New("no fresh index price sources")

// IndexMethod 聚合方式
type IndexMethod string

const (
	IndexWeighted IndexMethod = "weighted"
	IndexMedian   IndexMethod = "median"
)

// unknownSourceWeight 未配置权重的源
const unknownSourceWeight = 0.1

// SourcePrice 某个源推来的价格
type SourcePrice struct {
	Source    string `json:"source"`
	Price     int64  `json:"price"`
	UpdatedAt int64  `json:"updated_at"` // Unix 毫秒
}

// IndexConfig 聚合参数
type IndexConfig struct {
	Method       IndexMethod        `yaml:"method"`
	PriceTimeout time.Duration      `yaml:"price_timeout"`
	Weights      map[string]float64 `yaml:"weights"`
}

// DefaultIndexConfig 默认: 中位数，30 秒超时
func DefaultIndexConfig() IndexConfig {
	return IndexConfig{
		Method:       IndexMedian,
		PriceTimeout: 30 * time.Second,
	}
}

// IndexPriceAggregator 多源指数价格
type IndexPriceAggregator struct {
	mu      sync.RWMutex
	cfg     IndexConfig
	sources map[string]map[string]SourcePrice // token → source → price
	feed    *PriceFeed
	clock   func() time.Time
}

// NewIndexPriceAggregator 创建聚合器，结果写入 feed
func NewIndexPriceAggregator(cfg IndexConfig, feed *PriceFeed, clock func() time.Time) *IndexPriceAggregator {
	if cfg.Method == "" {
		cfg.Method = IndexMedian
	}
	if clock == nil {
		clock = time.Now
	}
	weights := make(map[string]float64, len(cfg.Weights))
	for k, v := range cfg.Weights {
		weights[k] = v
	}
	cfg.Weights = weights
	return &IndexPriceAggregator{
		cfg:     cfg,
		sources: make(map[string]map[string]SourcePrice),
		feed:    feed,
		clock:   clock,
	}
}

// UpdateSourcePrice 记录某个源的价格，重新聚合并写入 PriceFeed
//
// 返回聚合后的指数价格
func (a *IndexPriceAggregator) UpdateSourcePrice(token, source string, price int64) (int64, error) {
	if price <= 0 {
		return 0, ErrInvalidAmount
	}
	now := a.clock().UnixMilli()

	a.mu.Lock()
	bySource := a.sources[token]
	if bySource == nil {
		bySource = make(map[string]SourcePrice)
		a.sources[token] = bySource
	}
	bySource[source] = SourcePrice{Source: source, Price: price, UpdatedAt: now}
	index, err := a.indexPrice(token, now)
	a.mu.Unlock()

	if err != nil {
		return 0, err
	}
	if a.feed != nil {
		a.feed.SetPrice(token, index)
	}
	return index, nil
}

// GetIndexPrice 当前指数价格
func (a *IndexPriceAggregator) GetIndexPrice(token string) (int64, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.indexPrice(token, a.clock().UnixMilli())
}

// Sources 某代币各源的最新价格 (按源名排序)
func (a *IndexPriceAggregator) Sources(token string) []SourcePrice {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]SourcePrice, 0, len(a.sources[token]))
	for _, sp := range a.sources[token] {
		out = append(out, sp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Source < out[j].Source })
	return out
}

// SetSourceWeight 设置源权重
func (a *IndexPriceAggregator) SetSourceWeight(source string, weight float64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.cfg.Weights[source] = weight
}

// indexPrice 调用方持锁
func (a *IndexPriceAggregator) indexPrice(token string, now int64) (int64, error) {
	fresh := a.freshPrices(token, now)
	if len(fresh) == 0 {
		return 0, ErrNoIndexSources
	}
	if a.cfg.Method == IndexWeighted {
		return a.weighted(fresh), nil
	}
	return median(fresh), nil
}

func (a *IndexPriceAggregator) freshPrices(token string, now int64) []SourcePrice {
	timeout := a.cfg.PriceTimeout.Milliseconds()
	var out []SourcePrice
	for _, sp := range a.sources[token] {
		if timeout > 0 && now-sp.UpdatedAt > timeout {
			continue
		}
		out = append(out, sp)
	}
	return out
}

// weighted 加权平均
func (a *IndexPriceAggregator) weighted(prices []SourcePrice) int64 {
	totalWeight := 0.0
	weights := make([]float64, len(prices))
	for i, sp := range prices {
		w := a.cfg.Weights[sp.Source]
		if w <= 0 {
			w = unknownSourceWeight
		}
		weights[i] = w
		totalWeight += w
	}
	var sum float64
	for i, sp := range prices {
		sum += float64(sp.Price) * weights[i] / totalWeight
	}
	return int64(sum)
}

// median 中位数，偶数个取中间两个的均值
func median(prices []SourcePrice) int64 {
	vals := make([]int64, len(prices))
	for i, sp := range prices {
		vals[i] = sp.Price
	}
	sort.Slice(vals, func(i, j int) bool { return vals[i] < vals[j] })
	mid := len(vals) / 2
	if len(vals)%2 == 0 {
		return (vals[mid-1] + vals[mid]) / 2
	}
	return vals[mid]
}
