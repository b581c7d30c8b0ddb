// 文件: cmd/simulation/trader.go
// 随机交易员

package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"sync/atomic"
	"time"

	"perpx.com/pkg/fund"
	"perpx.com/pkg/futures"
	"perpx.com/pkg/order"
)

type deskStats struct {
	ok     int64
	failed int64
}

// tradingDesk 一组交易员，run 在单个 goroutine 里跑，rng 不加锁
type tradingDesk struct {
	engine  *futures.Engine
	book    *order.OrderBook
	manager string // 挂单簿地址
	oracle  futures.Oracle
	rng     *rand.Rand
	traders []string
	execFee int64

	ok     atomic.Int64
	failed atomic.Int64
}

func newTradingDesk(engine *futures.Engine, book *order.OrderBook, cfg order.OrderBookConfig, oracle futures.Oracle, rng *rand.Rand) *tradingDesk {
	return &tradingDesk{
		engine:  engine,
		book:    book,
		manager: cfg.Address,
		oracle:  oracle,
		rng:     rng,
		execFee: cfg.MinExecutionFee,
	}
}

// addTrader 充值并授权挂单簿代为开平仓
func (d *tradingDesk) addTrader(ctx context.Context, ledger *fund.MemoryLedger, amount int64) error {
	trader := fmt.Sprintf("trader-%03d", len(d.traders))
	if err := ledger.Deposit(ctx, futures.NativeToken, trader, amount); err != nil {
		return err
	}
	if err := d.engine.SetAccountManager(ctx, trader, d.manager, true); err != nil {
		return err
	}
	d.traders = append(d.traders, trader)
	return nil
}

func (d *tradingDesk) run(ctx context.Context, interval time.Duration) {
	if len(d.traders) == 0 {
		return
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			trader := d.traders[d.rng.Intn(len(d.traders))]
			if err := d.act(ctx, trader); err != nil {
				d.failed.Add(1)
				if !expected(err) {
					log.Printf("[Trader] %s: %v", trader, err)
				}
				continue
			}
			d.ok.Add(1)
		}
	}
}

// act 随机选一个动作: 市价开仓 40%，条件开仓单 30%，止损单 20%，市价平仓 10%
func (d *tradingDesk) act(ctx context.Context, trader string) error {
	price, err := d.oracle.GetPrice(token)
	if err != nil {
		return err
	}
	isLong := d.rng.Intn(3) > 0 // 偏多，砸盘时才有东西可清算
	margin := (50 + d.rng.Int63n(150)) * futures.Base
	leverage := (2 + d.rng.Int63n(14)) * futures.Base

	switch roll := d.rng.Intn(10); {
	case roll < 4:
		_, err = d.engine.OpenPosition(ctx, trader, trader, productID, margin, leverage, isLong)
		return err

	case roll < 7:
		// 多单挂在下方回调买入，空单挂在上方
		offset := price * (10 + d.rng.Int63n(90)) / futures.FeeBase
		trigger := price - offset
		if !isLong {
			trigger = price + offset
		}
		_, err = d.book.CreateOpenOrder(ctx, trader, order.OpenOrderRequest{
			Account:               trader,
			ProductID:             productID,
			Margin:                margin,
			Leverage:              leverage,
			IsLong:                isLong,
			TriggerPrice:          trigger,
			TriggerAboveThreshold: !isLong,
			ExecutionFee:          d.execFee,
		})
		return err
	}

	pos, ok := d.pickPosition(trader)
	if !ok {
		return errNoPosition
	}
	if roll := d.rng.Intn(3); roll < 2 {
		// 止损: 多单跌 2% 触发，空单涨 2% 触发
		stop := price * 9800 / futures.FeeBase
		if !pos.IsLong {
			stop = price * 10200 / futures.FeeBase
		}
		_, err = d.book.CreateCloseOrder(ctx, trader, order.CloseOrderRequest{
			Account:               trader,
			ProductID:             productID,
			Size:                  pos.Margin,
			IsLong:                pos.IsLong,
			TriggerPrice:          stop,
			TriggerAboveThreshold: !pos.IsLong,
			ExecutionFee:          d.execFee,
		})
		return err
	}
	return d.engine.ClosePositionWithID(ctx, trader, pos.ID, pos.Margin)
}

func (d *tradingDesk) pickPosition(trader string) (futures.Position, bool) {
	positions := d.engine.ListPositions(futures.PositionFilter{Owner: trader})
	if len(positions) == 0 {
		return futures.Position{}, false
	}
	return positions[d.rng.Intn(len(positions))], true
}

func (d *tradingDesk) stats() deskStats {
	return deskStats{ok: d.ok.Load(), failed: d.failed.Load()}
}

var errNoPosition = errors.New("no position")

// expected 随机交易里的常规拒绝，不打日志
func expected(err error) bool {
	return errors.Is(err, errNoPosition) ||
		errors.Is(err, fund.ErrInsufficientBalance) ||
		errors.Is(err, futures.ErrExposureExceeded) ||
		errors.Is(err, futures.ErrPositionNotFound)
}
