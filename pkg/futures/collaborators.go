// 文件: pkg/futures/collaborators.go
// 引擎依赖的外部协作方
//
// 【设计模式】依赖注入 + 策略模式
// 预言机、资金费、手续费、转账、持久化都是接口，构造引擎时注入。
// 测试时换成 mock，生产时换成真实实现

package futures

import "context"

// Oracle 价格预言机
type Oracle interface {
	// GetPrice 当前价格 (Base 精度)
	GetPrice(token string) (int64, error)

	// GetPriceMinMax 带买卖价差的价格
	// isMax=true 返回偏高价 (买入用)，false 返回偏低价 (卖出用)
	GetPriceMinMax(token string, isMax bool) (int64, error)
}

// MarketSnapshot 资金费计算需要的产品快照
type MarketSnapshot struct {
	OpenInterestLong  int64
	OpenInterestShort int64
	MaxExposure       int64
}

// FundingManager 资金费累计器
//
// 引擎在任何持仓量变化之前调用 UpdateFunding (按变化前的多空失衡计息)，
// 开/平/强平时读 GetFunding
type FundingManager interface {
	UpdateFunding(ctx context.Context, productID uint64, snap MarketSnapshot) error
	GetFunding(productID uint64) int64
}

// FeeCalculator 手续费策略
type FeeCalculator interface {
	// GetFee 返回实际费率 (万分比)
	// baseFee: 产品基础费率; account: 仓位归属; sender: 实际调用方
	GetFee(token string, baseFee int64, account, sender string) int64
}

// Transferer 资金划转
//
// TransferIn: 从 from 转入引擎托管账户
// TransferOut: 从引擎托管账户转给 to
// token 为 NativeToken 时表示原生资产
type Transferer interface {
	TransferIn(ctx context.Context, token, from string, amount int64) error
	TransferOut(ctx context.Context, token, to string, amount int64) error
}

// Store 状态持久化
//
// 引擎内存状态是权威数据，Store 是镜像:
// 每次提交后调用 Apply，启动时调用 Load 恢复
type Store interface {
	Load(ctx context.Context) (*State, error)
	Apply(ctx context.Context, cs *Changeset) error
}
