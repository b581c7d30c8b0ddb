// 文件: pkg/config/config.go
// 服务配置
//
// YAML 文件先做 ${ENV} 展开，再覆盖到默认值上，最后整体校验。
// 文件里没写的字段保持各组件 DefaultXConfig() 的值。
//
// 示例:
//
//	owner: ${PERPX_OWNER}
//	engine:
//	  min_margin: 5000000000
//	  staking_period: 1h
//	products:
//	  - id: 1
//	    token: BTC
//	    max_leverage: 5000000000
//	    fee: 10
//	    is_active: true
//	    weight: 1
//	    reserve: 300000000000000
//	prices:
//	  BTC: 30000
//	database:
//	  driver: mysql
//	  dsn: ${PERPX_DSN}

package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"perpx.com/pkg/futures"
	"perpx.com/pkg/liquidation"
	"perpx.com/pkg/order"
)

var ErrInvalidConfig = errors.New("invalid config")

// 数据库驱动
const (
	DriverMemory   = "memory"
	DriverMySQL    = "mysql"
	DriverPostgres = "postgres"
)

// ProductConfig 启动时登记的产品
type ProductConfig struct {
	ID                    uint64 `yaml:"id"`
	futures.ProductParams `yaml:",inline"`
}

// DatabaseConfig 持久化
type DatabaseConfig struct {
	Driver      string `yaml:"driver"` // memory / mysql / postgres
	DSN         string `yaml:"dsn"`
	AutoMigrate bool   `yaml:"auto_migrate"`
}

// RedisConfig 缓存 + 触发价索引，Addr 为空时不启用
type RedisConfig struct {
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	CacheTTL time.Duration `yaml:"cache_ttl"`
	// IndexPrefix 触发价索引 key 前缀
	IndexPrefix string `yaml:"index_prefix"`
}

// NATSConfig URL 为空时不启用
type NATSConfig struct {
	URL         string `yaml:"url"`
	EventPrefix string `yaml:"event_prefix"`
	PricePrefix string `yaml:"price_prefix"`
}

// KafkaConfig Brokers 为空时不启用
type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

// HTTPConfig API 服务
type HTTPConfig struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// SimulationConfig 内置 GBM 行情，Enabled 时按 Prices 起价推送
type SimulationConfig struct {
	Enabled    bool          `yaml:"enabled"`
	Volatility float64       `yaml:"volatility"`
	Interval   time.Duration `yaml:"interval"`
}

// 账本模式
const (
	LedgerMemory = "memory" // 内存账本，配置了数据库时异步镜像到冷存储
	LedgerDB     = "db"     // 直接用数据库账本
)

// FundConfig 代币账本
type FundConfig struct {
	Ledger string `yaml:"ledger"`
	// Genesis 启动时给余额为 0 的账户充值 (结算代币，浮点)，开发环境用
	Genesis map[string]float64 `yaml:"genesis"`
	// FlushInterval 冷存储批量写入间隔
	FlushInterval time.Duration `yaml:"flush_interval"`
}

// Config 服务配置
type Config struct {
	Owner string `yaml:"owner"`

	Engine      futures.EngineConfig     `yaml:"engine"`
	Funding     futures.FundingConfig    `yaml:"funding"`
	Index       futures.IndexConfig      `yaml:"index"`
	PriceMaxAge time.Duration            `yaml:"price_max_age"`
	OrderBook   order.OrderBookConfig    `yaml:"orderbook"`
	Keeper      liquidation.KeeperConfig `yaml:"keeper"`
	OrderKeeper order.KeeperConfig       `yaml:"order_keeper"`
	MinFee      int64                    `yaml:"min_fee"` // 阶梯手续费下限 (万分比)

	Products []ProductConfig   `yaml:"products"`
	Prices   map[string]float64 `yaml:"prices"` // 初始价格 (浮点)

	Fund       FundConfig       `yaml:"fund"`
	Database   DatabaseConfig   `yaml:"database"`
	Redis      RedisConfig      `yaml:"redis"`
	NATS       NATSConfig       `yaml:"nats"`
	Kafka      KafkaConfig      `yaml:"kafka"`
	HTTP       HTTPConfig       `yaml:"http"`
	Simulation SimulationConfig `yaml:"simulation"`
}

// Default 默认配置: 纯内存，不连任何外部依赖
func Default() *Config {
	return &Config{
		Owner:       "owner",
		Engine:      futures.DefaultEngineConfig(),
		Funding:     futures.DefaultFundingConfig(),
		Index:       futures.DefaultIndexConfig(),
		PriceMaxAge: time.Minute,
		OrderBook:   order.DefaultOrderBookConfig(),
		Keeper:      liquidation.DefaultKeeperConfig(),
		OrderKeeper: order.DefaultKeeperConfig(),
		Prices:      map[string]float64{},
		Fund:        FundConfig{Ledger: LedgerMemory, FlushInterval: 500 * time.Millisecond},
		Database:    DatabaseConfig{Driver: DriverMemory, AutoMigrate: true},
		Redis:       RedisConfig{CacheTTL: 30 * time.Second, IndexPrefix: "perpx:orders"},
		Kafka:       KafkaConfig{Topic: "perp_engine_events"},
		HTTP: HTTPConfig{
			Addr:            ":8080",
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    10 * time.Second,
			ShutdownTimeout: 5 * time.Second,
		},
		Simulation: SimulationConfig{Volatility: 0.5, Interval: time.Second},
	}
}

// Load 读取并解析配置文件
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return Parse(data)
}

// Parse 解析 YAML (先展开环境变量)
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	expanded := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate 校验全部配置
func (c *Config) Validate() error {
	if c.Owner == "" {
		return fmt.Errorf("%w: owner is required", ErrInvalidConfig)
	}
	if c.PriceMaxAge <= 0 {
		return fmt.Errorf("%w: price_max_age must be positive", ErrInvalidConfig)
	}
	if c.MinFee < 0 {
		return fmt.Errorf("%w: min_fee must not be negative", ErrInvalidConfig)
	}
	sections := []struct {
		name     string
		validate func() error
	}{
		{"engine", c.Engine.Validate},
		{"funding", c.Funding.Validate},
		{"orderbook", c.OrderBook.Validate},
		{"keeper", c.Keeper.Validate},
		{"order_keeper", c.OrderKeeper.Validate},
	}
	for _, s := range sections {
		if err := s.validate(); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrInvalidConfig, s.name, err)
		}
	}

	seen := make(map[uint64]bool, len(c.Products))
	for _, p := range c.Products {
		if p.ID == 0 || seen[p.ID] {
			return fmt.Errorf("%w: product id %d is zero or duplicated", ErrInvalidConfig, p.ID)
		}
		seen[p.ID] = true
		if err := futures.ValidateProductParams(p.ProductParams); err != nil {
			return fmt.Errorf("%w: product %d: %v", ErrInvalidConfig, p.ID, err)
		}
	}
	for token, price := range c.Prices {
		if price <= 0 {
			return fmt.Errorf("%w: price of %s must be positive", ErrInvalidConfig, token)
		}
	}

	switch c.Database.Driver {
	case DriverMemory:
	case DriverMySQL, DriverPostgres:
		if c.Database.DSN == "" {
			return fmt.Errorf("%w: database dsn is required for %s", ErrInvalidConfig, c.Database.Driver)
		}
	default:
		return fmt.Errorf("%w: unknown database driver %q", ErrInvalidConfig, c.Database.Driver)
	}
	switch c.Fund.Ledger {
	case LedgerMemory:
	case LedgerDB:
		if c.Database.Driver == DriverMemory {
			return fmt.Errorf("%w: db ledger needs a database", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: unknown ledger %q", ErrInvalidConfig, c.Fund.Ledger)
	}
	for account, amount := range c.Fund.Genesis {
		if amount <= 0 {
			return fmt.Errorf("%w: genesis of %s must be positive", ErrInvalidConfig, account)
		}
	}
	if c.HTTP.Addr == "" {
		return fmt.Errorf("%w: http addr is required", ErrInvalidConfig)
	}
	if c.Simulation.Enabled && (c.Simulation.Volatility < 0 || c.Simulation.Interval <= 0) {
		return fmt.Errorf("%w: simulation volatility/interval", ErrInvalidConfig)
	}
	return nil
}

// ToBase 浮点数量转 Base 精度
func ToBase(v float64) int64 {
	return int64(math.Round(v * futures.Base))
}

// PriceBase 初始价格转 Base 精度
func (c *Config) PriceBase(token string) (int64, bool) {
	p, ok := c.Prices[token]
	if !ok {
		return 0, false
	}
	return ToBase(p), true
}
