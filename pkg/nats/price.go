// 文件: pkg/nats/price.go
// 外部喂价订阅 → 指数价格聚合器 → PriceFeed
//
// 消息: subject = {prefix}.{token}，body = {"source": "...", "price": 12345, "token": "..."}
// body 里没有 token 时取 subject 最后一段

package nats

import (
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
)

// DefaultPricePrefix 默认喂价 subject 前缀
const DefaultPricePrefix = "perpx.prices"

// PriceUpdate 喂价消息
type PriceUpdate struct {
	Token  string `json:"token"`
	Source string `json:"source"`
	Price  int64  `json:"price"` // Base 精度
}

// SourcePriceSink 接收单源价格 (*futures.IndexPriceAggregator 实现)
type SourcePriceSink interface {
	UpdateSourcePrice(token, source string, price int64) (int64, error)
}

var errInvalidPrice = errors.New("invalid price update")

// PriceSubscriber 喂价订阅者
type PriceSubscriber struct {
	sink   SourcePriceSink
	prefix string
	sub    *Subscriber

	received atomic.Int64
	rejected atomic.Int64
}

// NewPriceSubscriber 创建喂价处理器，Start 之前不连 NATS
func NewPriceSubscriber(sink SourcePriceSink, prefix string) *PriceSubscriber {
	if prefix == "" {
		prefix = DefaultPricePrefix
	}
	return &PriceSubscriber{sink: sink, prefix: prefix}
}

// Start 连接并订阅 {prefix}.>
func (p *PriceSubscriber) Start(url string) error {
	sub, err := NewSubscriber(url, "perpx-prices")
	if err != nil {
		return err
	}
	if err := sub.Subscribe(p.prefix+".>", p.HandleMessage); err != nil {
		sub.Close()
		return err
	}
	p.sub = sub
	return nil
}

// Stop 关闭订阅
func (p *PriceSubscriber) Stop() {
	if p.sub != nil {
		p.sub.Close()
	}
}

// HandleMessage 处理一条喂价
func (p *PriceSubscriber) HandleMessage(subject string, data []byte) error {
	update, err := DecodeJSON[PriceUpdate](data)
	if err != nil {
		p.rejected.Add(1)
		return err
	}
	if update.Token == "" {
		update.Token = subject[strings.LastIndexByte(subject, '.')+1:]
	}
	if update.Source == "" {
		update.Source = "nats"
	}
	if update.Price <= 0 || update.Token == "" {
		p.rejected.Add(1)
		return fmt.Errorf("%w: subject=%s price=%d", errInvalidPrice, subject, update.Price)
	}
	if _, err := p.sink.UpdateSourcePrice(update.Token, update.Source, update.Price); err != nil {
		p.rejected.Add(1)
		return err
	}
	p.received.Add(1)
	return nil
}

// Stats 已接收 / 被拒绝的消息数
func (p *PriceSubscriber) Stats() (received, rejected int64) {
	return p.received.Load(), p.rejected.Load()
}
