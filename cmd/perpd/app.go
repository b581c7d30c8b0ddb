// 文件: cmd/perpd/app.go
// 组件装配
//
// 依赖方向:
//
//	价格源 (NATS / 配置 / GBM) → IndexPriceAggregator → PriceFeed ─┬→ 强平 keeper
//	                                                              └→ 条件单 keeper
//	Engine / OrderBook → event.Multi → Kafka / NATS / WebSocket
//	Engine / OrderBook → 托管地址 → fund 账本 (内存 + 冷存储镜像，或直接数据库)

package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"perpx.com/pkg/api"
	"perpx.com/pkg/config"
	"perpx.com/pkg/event"
	"perpx.com/pkg/fund"
	"perpx.com/pkg/futures"
	"perpx.com/pkg/kafka"
	"perpx.com/pkg/liquidation"
	"perpx.com/pkg/market"
	"perpx.com/pkg/nats"
	"perpx.com/pkg/order"
)

// 引擎托管地址
const engineCustody = "engine"

type app struct {
	cfg *config.Config

	db       *gorm.DB
	rds      *redis.Client
	producer *kafka.Producer
	natsPub  *nats.Publisher

	ledger fund.Ledger
	feed   *futures.PriceFeed
	index  *futures.IndexPriceAggregator
	engine *futures.Engine
	book   *order.OrderBook

	broadcaster *market.Broadcaster
	hub         *market.WSHub
	liqKeeper   *liquidation.Keeper
	orderKeeper *order.Keeper
	prices      *nats.PriceSubscriber
	tickers     []*market.Ticker
	server      *http.Server

	// 逆序执行
	closers []func()
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	a := &app{cfg: cfg}
	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"database", a.initDatabase},
		{"redis", a.initRedis},
		{"transport", a.initTransport},
		{"ledger", a.initLedger},
		{"prices", a.initPrices},
		{"engine", a.initEngine},
		{"orderbook", a.initOrderBook},
		{"keepers", a.initKeepers},
		{"http", a.initHTTP},
	}
	for _, step := range steps {
		if err := step.fn(ctx); err != nil {
			a.close()
			return nil, fmt.Errorf("%s: %w", step.name, err)
		}
	}
	return a, nil
}

func (a *app) onClose(fn func()) {
	a.closers = append(a.closers, fn)
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

// =============================================================================
// 基础设施
// =============================================================================

func (a *app) initDatabase(ctx context.Context) error {
	dbCfg := a.cfg.Database
	var dialector gorm.Dialector
	switch dbCfg.Driver {
	case config.DriverMySQL:
		dialector = mysql.Open(dbCfg.DSN)
	case config.DriverPostgres:
		dialector = postgres.Open(dbCfg.DSN)
	default:
		log.Println("[Main] database: memory only, state is lost on restart")
		return nil
	}

	db, err := gorm.Open(dialector, &gorm.Config{Logger: logger.Default.LogMode(logger.Warn)})
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	sqlDB.SetMaxOpenConns(20)
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetConnMaxLifetime(time.Hour)
	a.onClose(func() { sqlDB.Close() })
	a.db = db
	log.Printf("[Main] database connected: %s", dbCfg.Driver)
	return nil
}

func (a *app) initRedis(ctx context.Context) error {
	rc := a.cfg.Redis
	if rc.Addr == "" {
		return nil
	}
	rds := redis.NewClient(&redis.Options{Addr: rc.Addr, Password: rc.Password, DB: rc.DB})
	if err := rds.Ping(ctx).Err(); err != nil {
		rds.Close()
		return err
	}
	a.onClose(func() { rds.Close() })
	a.rds = rds
	log.Printf("[Main] redis connected: %s", rc.Addr)
	return nil
}

// initTransport Kafka / NATS 连接 + 事件扇出
func (a *app) initTransport(ctx context.Context) error {
	a.broadcaster = market.NewBroadcaster()
	a.onClose(a.broadcaster.Close)

	if brokers := a.cfg.Kafka.Brokers; len(brokers) > 0 {
		producer, err := kafka.NewProducer(kafka.DefaultProducerConfig(brokers))
		if err != nil {
			return err
		}
		a.onClose(func() { producer.Close() })
		a.producer = producer
	}
	if url := a.cfg.NATS.URL; url != "" {
		pub, err := nats.NewPublisher(url)
		if err != nil {
			return err
		}
		a.onClose(pub.Close)
		a.natsPub = pub
	}
	return nil
}

func (a *app) sink() event.Sink {
	sinks := event.Multi{a.broadcaster}
	if a.producer != nil {
		sinks = append(sinks, kafka.NewEventSink(a.producer, a.cfg.Kafka.Topic))
	}
	if a.natsPub != nil {
		sinks = append(sinks, nats.NewEventSink(a.natsPub, a.cfg.NATS.EventPrefix))
	}
	return sinks
}

// =============================================================================
// 账本
// =============================================================================

// initLedger
//
//	db:     BalanceLedger 直接做账本
//	memory: MemoryLedger 是权威数据；有数据库时从冷存储恢复，
//	        流水经 Kafka (优先) 或 NATS 异步镜像回冷存储
func (a *app) initLedger(ctx context.Context) error {
	var cold *fund.BalanceLedger
	if a.db != nil {
		cold = fund.NewBalanceLedger(a.db)
		if a.cfg.Database.AutoMigrate {
			if err := cold.AutoMigrate(ctx); err != nil {
				return err
			}
		}
	}

	if a.cfg.Fund.Ledger == config.LedgerDB {
		a.ledger = cold
		return a.genesis(ctx, cold)
	}

	mem := fund.NewMemoryLedger()
	a.ledger = mem
	if cold != nil {
		snapshots, err := cold.ListBalances(ctx)
		if err != nil {
			return err
		}
		mem.Restore(snapshots)
		log.Printf("[Fund] restored %d balances from cold storage", len(snapshots))
	}

	switch {
	case a.producer != nil:
		mem.SetPublisher(fund.NewKafkaPublisher(a.producer))
		if cold != nil {
			wcfg := fund.DefaultDBWriterConfig(a.cfg.Kafka.Brokers)
			wcfg.FlushInterval = a.cfg.Fund.FlushInterval
			writer, err := fund.NewDBWriter(wcfg, cold)
			if err != nil {
				return err
			}
			writer.Start()
			a.onClose(func() { writer.Stop() })
		}
	case a.natsPub != nil:
		mem.SetPublisher(fund.NewNatsPublisher(a.natsPub))
		if cold != nil {
			writer, err := fund.NewNatsDBWriter(cold, a.cfg.NATS.URL)
			if err != nil {
				return err
			}
			if err := writer.Start(); err != nil {
				writer.Stop()
				return err
			}
			a.onClose(func() { writer.Stop() })
		}
	case cold != nil:
		log.Println("[Fund] no journal transport configured, memory ledger is not mirrored")
	}
	return a.genesis(ctx, mem)
}

// depositor 支持充值的账本
type depositor interface {
	fund.Ledger
	Deposit(ctx context.Context, token, account string, amount int64) error
}

func (a *app) genesis(ctx context.Context, l depositor) error {
	token := a.cfg.Engine.Token
	for account, amount := range a.cfg.Fund.Genesis {
		balance, err := l.BalanceOf(ctx, token, account)
		if err != nil {
			return err
		}
		if balance != 0 {
			continue
		}
		if err := l.Deposit(ctx, token, account, config.ToBase(amount)); err != nil {
			return fmt.Errorf("genesis %s: %w", account, err)
		}
	}
	return nil
}

// =============================================================================
// 价格
// =============================================================================

func (a *app) initPrices(ctx context.Context) error {
	a.feed = futures.NewPriceFeed(a.cfg.PriceMaxAge, nil)
	a.index = futures.NewIndexPriceAggregator(a.cfg.Index, a.feed, nil)

	for token := range a.cfg.Prices {
		price, _ := a.cfg.PriceBase(token)
		if _, err := a.index.UpdateSourcePrice(token, "config", price); err != nil {
			return fmt.Errorf("seed price %s: %w", token, err)
		}
	}

	if a.cfg.NATS.URL != "" {
		a.prices = nats.NewPriceSubscriber(a.index, a.cfg.NATS.PricePrefix)
	}

	if sim := a.cfg.Simulation; sim.Enabled {
		for token, start := range a.cfg.Prices {
			tc := market.DefaultTickerConfig(token, start)
			tc.Volatility = sim.Volatility
			tc.Interval = sim.Interval
			t, err := market.NewTicker(tc, a.index)
			if err != nil {
				return err
			}
			a.tickers = append(a.tickers, t)
		}
	}
	return nil
}

// =============================================================================
// 引擎 / 挂单簿
// =============================================================================

func (a *app) initEngine(ctx context.Context) error {
	var store futures.Store
	var fundingRepo futures.FundingRepository
	if a.db != nil {
		sqlStore := futures.NewSQLStore(a.db)
		if a.cfg.Database.AutoMigrate {
			if err := sqlStore.AutoMigrate(ctx); err != nil {
				return err
			}
		}
		store, fundingRepo = sqlStore, sqlStore
		if a.rds != nil {
			store = futures.NewCachedStore(sqlStore, a.rds)
		}
	}

	funding, err := futures.NewFundingService(a.cfg.Funding, fundingRepo, nil)
	if err != nil {
		return err
	}
	engine, err := futures.NewEngine(a.cfg.Owner, a.cfg.Engine, futures.Deps{
		Oracle:   a.feed,
		Funding:  funding,
		Fees:     futures.NewTieredFeeCalculator(a.cfg.MinFee),
		Transfer: fund.NewCustody(a.ledger, engineCustody),
		Store:    store,
		Sink:     a.sink(),
	})
	if err != nil {
		return err
	}
	if store != nil {
		if err := engine.Restore(ctx); err != nil {
			return fmt.Errorf("restore engine: %w", err)
		}
	}
	a.engine = engine
	return a.syncProducts(ctx)
}

// syncProducts 配置里的产品: 不存在则新增，存在则按配置更新
func (a *app) syncProducts(ctx context.Context) error {
	owner := a.cfg.Owner
	for _, p := range a.cfg.Products {
		_, err := a.engine.GetProduct(p.ID)
		switch {
		case errors.Is(err, futures.ErrProductNotFound):
			err = a.engine.AddProduct(ctx, owner, p.ID, p.ProductParams)
		case err == nil:
			err = a.engine.UpdateProduct(ctx, owner, p.ID, p.ProductParams)
		}
		if err != nil {
			return fmt.Errorf("product %d: %w", p.ID, err)
		}
	}
	return nil
}

func (a *app) initOrderBook(ctx context.Context) error {
	deps := order.Deps{
		Engine:   a.engine,
		Oracle:   a.feed,
		Transfer: fund.NewCustody(a.ledger, a.cfg.OrderBook.Address),
		Sink:     a.sink(),
	}
	var sqlStore *order.SQLStore
	if a.db != nil {
		sqlStore = order.NewSQLStore(a.db)
		if a.cfg.Database.AutoMigrate {
			if err := sqlStore.AutoMigrate(ctx); err != nil {
				return err
			}
		}
		deps.Store = sqlStore
	}
	if a.rds != nil {
		deps.Index = order.NewRedisTriggerIndex(a.rds, a.cfg.Redis.IndexPrefix)
	}

	book, err := order.NewOrderBook(a.cfg.Owner, a.cfg.OrderBook, deps)
	if err != nil {
		return err
	}
	if sqlStore != nil {
		if err := book.Restore(ctx); err != nil {
			return fmt.Errorf("restore orderbook: %w", err)
		}
	}
	a.book = book

	// 挂单簿要能代账户开平仓: 全局 manager (账户各自授权)
	return a.engine.SetManager(ctx, a.cfg.Owner, a.cfg.OrderBook.Address, true)
}

// =============================================================================
// keeper
// =============================================================================

func (a *app) initKeepers(ctx context.Context) error {
	owner := a.cfg.Owner

	liqCfg := a.cfg.Keeper
	if err := a.engine.SetLiquidator(ctx, owner, liqCfg.Address, true); err != nil {
		return err
	}
	liqKeeper, err := liquidation.NewKeeper(liqCfg, a.engine, liquidation.NewEngineExecutor(a.engine, liqCfg.Address))
	if err != nil {
		return err
	}
	a.liqKeeper = liqKeeper

	okCfg := a.cfg.OrderKeeper
	if err := a.book.SetKeeper(ctx, owner, okCfg.Address, true); err != nil {
		return err
	}
	orderKeeper, err := order.NewKeeper(okCfg, a.book.TriggerIndex(), a.feed, a.engine, a.book, nil)
	if err != nil {
		return err
	}
	a.orderKeeper = orderKeeper

	// 价格变动直接推给两个 keeper (回调同步执行，keeper 内部只做非阻塞投递)
	a.feed.OnPriceUpdate(func(p futures.PriceInfo) {
		a.liqKeeper.OnPriceChange(p.Token, p.Price)
		a.orderKeeper.OnPriceChange(p.Token, p.Price)
	})
	return nil
}

// =============================================================================
// HTTP
// =============================================================================

func (a *app) initHTTP(ctx context.Context) error {
	a.hub = market.NewWSHub()
	opts := []api.Option{api.WithWebSocket(a.hub.HandleWS)}
	if a.db != nil {
		opts = append(opts,
			api.WithHistory(order.NewSQLStore(a.db)),
			api.WithJournals(fund.NewBalanceLedger(a.db)),
		)
	}
	srv := api.NewServer(a.engine, a.book, opts...)
	a.server = &http.Server{
		Addr:         a.cfg.HTTP.Addr,
		Handler:      srv.Routes(),
		ReadTimeout:  a.cfg.HTTP.ReadTimeout,
		WriteTimeout: a.cfg.HTTP.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}
	return nil
}

// =============================================================================
// 启停
// =============================================================================

func (a *app) start(ctx context.Context) {
	go a.hub.Run(ctx, a.broadcaster.Subscribe(0))

	a.liqKeeper.Start()
	a.orderKeeper.Start()

	if a.prices != nil {
		if err := a.prices.Start(a.cfg.NATS.URL); err != nil {
			log.Printf("[Main] price subscriber disabled: %v", err)
			a.prices = nil
		}
	}
	for _, t := range a.tickers {
		t.Start(ctx)
	}

	go func() {
		log.Printf("[HTTP] listening on %s", a.server.Addr)
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("[HTTP] server error: %v", err)
		}
	}()
}

// shutdown 先停入口 (HTTP / 价格)，再停 keeper，最后关连接
func (a *app) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.HTTP.ShutdownTimeout)
	defer cancel()
	if err := a.server.Shutdown(ctx); err != nil {
		log.Printf("[HTTP] shutdown: %v", err)
	}

	if a.prices != nil {
		a.prices.Stop()
	}
	for _, t := range a.tickers {
		t.Stop()
	}
	a.orderKeeper.Stop()
	a.liqKeeper.Stop()
	a.close()
}
