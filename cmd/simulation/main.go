// 文件: cmd/simulation/main.go
// 全链路内存模拟
//
// GBM 行情 → 指数价 → PriceFeed → 强平 / 条件单 keeper
// 随机交易员直接开平仓、挂条件单；-crash 之后行情整体下砸，触发多头强平
//
//	go run ./cmd/simulation -traders 20 -crash 10s -duration 30s

package main

import (
	"context"
	"flag"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"perpx.com/pkg/event"
	"perpx.com/pkg/fund"
	"perpx.com/pkg/futures"
	"perpx.com/pkg/liquidation"
	"perpx.com/pkg/market"
	"perpx.com/pkg/order"
)

const (
	owner     = "owner"
	lp        = "lp"
	token     = "BTC"
	productID = 1
)

// =============================================================================
// 行情
// =============================================================================

// crashSink 在价格进入指数之前乘一个系数，模拟插针
type crashSink struct {
	next   market.SourcePriceSink
	factor atomic.Int64 // 万分比
}

func newCrashSink(next market.SourcePriceSink) *crashSink {
	s := &crashSink{next: next}
	s.factor.Store(futures.FeeBase)
	return s
}

func (s *crashSink) UpdateSourcePrice(token, source string, price int64) (int64, error) {
	return s.next.UpdateSourcePrice(token, source, price*s.factor.Load()/futures.FeeBase)
}

// =============================================================================
// 事件
// =============================================================================

// logSink 只打关键事件
type logSink struct{}

func (logSink) Emit(e event.Event) {
	switch e.Type {
	case event.TypePositionLiquidated:
		log.Printf("[Event] ⚡️ LIQUIDATED %s", e.Key)
	case event.TypeOpenOrderExecuted, event.TypeCloseOrderExecuted:
		log.Printf("[Event] 🎯 %s %s", e.Type, e.Key)
	case event.TypeExecuteOrderError:
		log.Printf("[Event] ❌ %s %s", e.Type, e.Key)
	}
}

// =============================================================================
// 主程序
// =============================================================================

func main() {
	log.SetFlags(log.Ltime | log.Lmicroseconds)
	numTraders := flag.Int("traders", 20, "number of random traders")
	startPrice := flag.Float64("price", 30000, "start price")
	volatility := flag.Float64("volatility", 0.8, "annualized volatility")
	crashAfter := flag.Duration("crash", 10*time.Second, "time before the forced crash, 0 disables")
	crashBps := flag.Int64("crash-bps", 1500, "crash size in basis points")
	duration := flag.Duration("duration", 0, "stop after this long, 0 waits for a signal")
	seed := flag.Int64("seed", time.Now().UnixNano(), "random seed")
	flag.Parse()

	log.Println("🚀 Starting perp simulation...")
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if *duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, *duration)
		defer cancel()
	}

	// 1. 账本 + 价格
	// -------------------------------------------------------------------------
	ledger := fund.NewMemoryLedger()
	feed := futures.NewPriceFeed(time.Minute, nil)
	index := futures.NewIndexPriceAggregator(futures.DefaultIndexConfig(), feed, nil)
	crash := newCrashSink(index)

	tickerCfg := market.DefaultTickerConfig(token, *startPrice)
	tickerCfg.Volatility = *volatility
	tickerCfg.Seed = *seed
	// 一个 tick 当一小时走，几十秒内看得到明显波动
	tickerCfg.TimeScale = 3600
	ticker, err := market.NewTicker(tickerCfg, crash)
	if err != nil {
		log.Fatalf("Failed to create ticker: %v", err)
	}
	if _, err := ticker.Step(0); err != nil {
		log.Fatalf("Failed to seed price: %v", err)
	}

	// 2. 引擎
	// -------------------------------------------------------------------------
	sink := event.Multi{logSink{}}
	funding, err := futures.NewFundingService(futures.DefaultFundingConfig(), nil, nil)
	if err != nil {
		log.Fatalf("Failed to create funding: %v", err)
	}
	engineCfg := futures.DefaultEngineConfig()
	engineCfg.StakingPeriod = 0
	engine, err := futures.NewEngine(owner, engineCfg, futures.Deps{
		Oracle:   feed,
		Funding:  funding,
		Fees:     futures.NewTieredFeeCalculator(0),
		Transfer: fund.NewCustody(ledger, "engine"),
		Sink:     sink,
	})
	if err != nil {
		log.Fatalf("Failed to create engine: %v", err)
	}
	must(engine.AddProduct(ctx, owner, productID, futures.ProductParams{
		Token:          token,
		MaxLeverage:    20 * futures.Base,
		Fee:            10,
		IsActive:       true,
		MinPriceChange: 100,
		Weight:         1,
		Reserve:        10_000_000 * futures.Base,
	}))
	log.Println("✅ Engine started")

	// 3. 挂单簿
	// -------------------------------------------------------------------------
	bookCfg := order.DefaultOrderBookConfig()
	bookCfg.MinTimeExecuteDelay = time.Second
	bookCfg.MinTimeCancelDelay = 5 * time.Second
	book, err := order.NewOrderBook(owner, bookCfg, order.Deps{
		Engine:   engine,
		Oracle:   feed,
		Transfer: fund.NewCustody(ledger, bookCfg.Address),
		Sink:     sink,
	})
	if err != nil {
		log.Fatalf("Failed to create orderbook: %v", err)
	}
	must(engine.SetManager(ctx, owner, bookCfg.Address, true))
	log.Println("✅ OrderBook started")

	// 4. keeper
	// -------------------------------------------------------------------------
	liqCfg := liquidation.DefaultKeeperConfig()
	liqCfg.ScanInterval = time.Second
	must(engine.SetLiquidator(ctx, owner, liqCfg.Address, true))
	liqKeeper, err := liquidation.NewKeeper(liqCfg, engine, liquidation.NewEngineExecutor(engine, liqCfg.Address))
	if err != nil {
		log.Fatalf("Failed to create liquidation keeper: %v", err)
	}

	okCfg := order.DefaultKeeperConfig()
	must(book.SetKeeper(ctx, owner, okCfg.Address, true))
	orderKeeper, err := order.NewKeeper(okCfg, book.TriggerIndex(), feed, engine, book, nil)
	if err != nil {
		log.Fatalf("Failed to create order keeper: %v", err)
	}

	feed.OnPriceUpdate(func(p futures.PriceInfo) {
		liqKeeper.OnPriceChange(p.Token, p.Price)
		orderKeeper.OnPriceChange(p.Token, p.Price)
	})
	liqKeeper.Start()
	defer liqKeeper.Stop()
	orderKeeper.Start()
	defer orderKeeper.Stop()
	log.Println("✅ Keepers started")

	// 5. 资金
	// -------------------------------------------------------------------------
	must(ledger.Deposit(ctx, futures.NativeToken, lp, 1_000_000*futures.Base))
	must(engine.Stake(ctx, lp, lp, 500_000*futures.Base))
	desk := newTradingDesk(engine, book, bookCfg, feed, rand.New(rand.NewSource(*seed)))
	for i := 0; i < *numTraders; i++ {
		must(desk.addTrader(ctx, ledger, 10_000*futures.Base))
	}
	supply := ledger.TotalSupply(futures.NativeToken)

	// 6. 运行
	// -------------------------------------------------------------------------
	ticker.Start(ctx)
	defer ticker.Stop()
	go desk.run(ctx, 50*time.Millisecond)

	if *crashAfter > 0 {
		time.AfterFunc(*crashAfter, func() {
			crash.factor.Store(futures.FeeBase - *crashBps)
			log.Printf("[Market] 📉 FORCED CRASH! -%d bps (sustained)", *crashBps)
		})
	}

	sim := &simulation{feed: feed, engine: engine, book: book, ledger: ledger,
		liqKeeper: liqKeeper, orderKeeper: orderKeeper, desk: desk, supply: supply}
	report := time.NewTicker(2 * time.Second)
	defer report.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Println("🛑 Shutting down...")
			sim.summarize()
			return
		case <-report.C:
			sim.summarize()
		}
	}
}

// simulation 汇总用
type simulation struct {
	feed        *futures.PriceFeed
	engine      *futures.Engine
	book        *order.OrderBook
	ledger      *fund.MemoryLedger
	liqKeeper   *liquidation.Keeper
	orderKeeper *order.Keeper
	desk        *tradingDesk
	supply      int64
}

func (s *simulation) summarize() {
	price, _ := s.feed.GetPrice(token)
	vault := s.engine.GetVault()
	custody, _ := s.ledger.BalanceOf(context.Background(), futures.NativeToken, "engine")
	ls, ks := s.liqKeeper.GetStats(), s.orderKeeper.GetStats()
	ds := s.desk.stats()

	log.Printf("[Stats] price=%.2f positions=%d vault=%.2f custody=%.2f escrow=%.2f",
		toFloat(price), len(s.engine.ListPositions(futures.PositionFilter{})),
		toFloat(vault.Balance), toFloat(custody), toFloat(s.book.TotalEscrow()))
	log.Printf("[Stats] trades ok=%d failed=%d | liquidated=%d critical=%d | orders executed=%d failed=%d",
		ds.ok, ds.failed, ls.Liquidated, ls.CriticalPositions, ks.Executed, ks.Failed)

	// 所有资金只在账户间划转，总量不变
	if now := s.ledger.TotalSupply(futures.NativeToken); now != s.supply {
		log.Printf("[Stats] ❌ supply drift: start=%d now=%d", s.supply, now)
	}
}

func toFloat(v int64) float64 {
	return float64(v) / futures.Base
}

func must(err error) {
	if err != nil {
		log.Fatalf("setup: %v", err)
	}
}
