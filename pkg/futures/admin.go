// 文件: pkg/futures/admin.go
// 运营接口: 产品管理 / 金库参数 / 引擎参数 / 角色 / 奖励发放
//
// 除 SetAccountManager (账户自己授权) 外，全部只允许 owner 调用

package futures

import (
	"context"
	"fmt"
	"log"

	"perpx.com/pkg/event"
)

// =============================================================================
// 产品管理
// =============================================================================

// AddProduct 新增产品
func (e *Engine) AddProduct(ctx context.Context, sender string, id uint64, params ProductParams) error {
	ctx, release, err := e.guard.Enter(ctx)
	if err != nil {
		return err
	}
	defer release()

	if !e.isOwner(sender) {
		return ErrNotOwner
	}
	if err := ValidateProductParams(params); err != nil {
		return err
	}

	t := e.st.begin()
	if _, exists := t.product(id); exists {
		return ErrProductExists
	}
	p := &Product{ID: id, UpdatedAt: e.now()}
	p.apply(params)
	t.putProduct(p)
	t.totalWeight += p.Weight

	t.emit(e.newEvent(event.TypeProductAdded, "", ProductEvent{ProductID: id, Product: *p}))
	e.commit(ctx, t)

	log.Printf("[Engine] product added: id=%d token=%s max_leverage=%d fee=%d weight=%d",
		id, p.Token, p.MaxLeverage, p.Fee, p.Weight)
	return nil
}

// UpdateProduct 更新产品参数 (持仓量保留)
func (e *Engine) UpdateProduct(ctx context.Context, sender string, id uint64, params ProductParams) error {
	ctx, release, err := e.guard.Enter(ctx)
	if err != nil {
		return err
	}
	defer release()

	if !e.isOwner(sender) {
		return ErrNotOwner
	}
	if err := ValidateProductParams(params); err != nil {
		return err
	}

	t := e.st.begin()
	p, ok := t.product(id)
	if !ok {
		return ErrProductNotFound
	}
	t.totalWeight = t.totalWeight - p.Weight + params.Weight
	p.apply(params)
	p.UpdatedAt = e.now()

	t.emit(e.newEvent(event.TypeProductUpdated, "", ProductEvent{ProductID: id, Product: *p}))
	e.commit(ctx, t)

	log.Printf("[Engine] product updated: id=%d active=%v weight=%d", id, p.IsActive, p.Weight)
	return nil
}

// =============================================================================
// 金库 / 引擎参数
// =============================================================================

// UpdateVault 调整金库上限和锁定期 (秒)
func (e *Engine) UpdateVault(ctx context.Context, sender string, vaultCap, stakingPeriod int64) error {
	ctx, release, err := e.guard.Enter(ctx)
	if err != nil {
		return err
	}
	defer release()

	if !e.isOwner(sender) {
		return ErrNotOwner
	}
	if vaultCap < 0 || stakingPeriod < 0 {
		return fmt.Errorf("%w: negative cap or staking period", ErrInvalidParameters)
	}

	t := e.st.begin()
	t.vault.Cap = vaultCap
	t.vault.StakingPeriod = stakingPeriod
	t.vault.UpdatedAt = e.now()
	e.commit(ctx, t)

	log.Printf("[Engine] vault updated: cap=%d staking_period=%ds", vaultCap, stakingPeriod)
	return nil
}

// SetParameters 替换引擎参数
//
// 结算代币和金库初始参数不可通过这里修改
func (e *Engine) SetParameters(ctx context.Context, sender string, cfg EngineConfig) error {
	_, release, err := e.guard.Enter(ctx)
	if err != nil {
		return err
	}
	defer release()

	if !e.isOwner(sender) {
		return ErrNotOwner
	}
	cfg.Token = e.cfg.Token
	cfg.VaultCap = e.cfg.VaultCap
	cfg.StakingPeriod = e.cfg.StakingPeriod
	if err := cfg.Validate(); err != nil {
		return err
	}

	e.stateMu.Lock()
	e.cfg = cfg
	e.stateMu.Unlock()

	log.Printf("[Engine] parameters updated: min_margin=%d threshold=%d bounty=%d trade_enabled=%v",
		cfg.MinMargin, cfg.LiquidationThreshold, cfg.LiquidationBounty, cfg.IsTradeEnabled)
	return nil
}

// =============================================================================
// 角色
// =============================================================================

// SetOwner 转移 owner
func (e *Engine) SetOwner(ctx context.Context, sender, newOwner string) error {
	return e.setRole(ctx, sender, func() {
		e.owner = newOwner
		log.Printf("[Engine] owner changed: %s", newOwner)
	})
}

// SetManager 全局 manager 白名单
func (e *Engine) SetManager(ctx context.Context, sender, manager string, active bool) error {
	return e.setRole(ctx, sender, func() {
		setFlag(e.managers, manager, active)
		log.Printf("[Engine] manager %s active=%v", manager, active)
	})
}

// SetLiquidator 强平人白名单
func (e *Engine) SetLiquidator(ctx context.Context, sender, liquidator string, active bool) error {
	return e.setRole(ctx, sender, func() {
		setFlag(e.liquidators, liquidator, active)
		log.Printf("[Engine] liquidator %s active=%v", liquidator, active)
	})
}

// SetNextPriceManager next-price 执行者白名单
func (e *Engine) SetNextPriceManager(ctx context.Context, sender, manager string, active bool) error {
	return e.setRole(ctx, sender, func() {
		setFlag(e.nextPriceManagers, manager, active)
		log.Printf("[Engine] next price manager %s active=%v", manager, active)
	})
}

// SetAccountManager 账户 (sender) 授权/撤销某个 manager 代为操作
//
// manager 必须同时在全局白名单里才生效
func (e *Engine) SetAccountManager(ctx context.Context, sender, manager string, active bool) error {
	_, release, err := e.guard.Enter(ctx)
	if err != nil {
		return err
	}
	defer release()

	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	approved := e.accountManagers[sender]
	if approved == nil {
		approved = make(map[string]bool)
		e.accountManagers[sender] = approved
	}
	setFlag(approved, manager, active)
	return nil
}

// IsManager 全局 manager
func (e *Engine) IsManager(addr string) bool {
	e.stateMu.RLock()
	defer e.stateMu.RUnlock()
	return e.managers[addr]
}

// IsAccountManager manager 能否代 account 操作 (全局白名单 + 账户授权)
func (e *Engine) IsAccountManager(account, manager string) bool {
	e.stateMu.RLock()
	defer e.stateMu.RUnlock()
	return e.validateManager(account, manager)
}

// Owner 当前 owner
func (e *Engine) Owner() string {
	e.stateMu.RLock()
	defer e.stateMu.RUnlock()
	return e.owner
}

func (e *Engine) setRole(ctx context.Context, sender string, apply func()) error {
	_, release, err := e.guard.Enter(ctx)
	if err != nil {
		return err
	}
	defer release()

	if !e.isOwner(sender) {
		return ErrNotOwner
	}
	e.stateMu.Lock()
	apply()
	e.stateMu.Unlock()
	return nil
}

func setFlag(m map[string]bool, key string, active bool) {
	if active {
		m[key] = true
		return
	}
	delete(m, key)
}

// =============================================================================
// 奖励发放
// =============================================================================

// RewardReceivers 三个奖励池的收款方，空地址的池子本次不发放
type RewardReceivers struct {
	Protocol string `json:"protocol"`
	Token    string `json:"token"`
	Vault    string `json:"vault"`
}

// DistributeRewards 把待分配奖励打给收款方并清零
// 转账失败时返回已发放部分和错误
func (e *Engine) DistributeRewards(ctx context.Context, sender string, to RewardReceivers) (RewardPools, error) {
	ctx, release, err := e.guard.Enter(ctx)
	if err != nil {
		return RewardPools{}, err
	}
	defer release()

	if !e.isOwner(sender) {
		return RewardPools{}, ErrNotOwner
	}

	// 逐池转账，转成功的池子才清零。中途失败时已付的部分照常提交，
	// 未付的池子保持原值，重试不会重复发放
	cfg := e.cfg
	t := e.st.begin()
	paid := RewardPools{}
	var payErr error
	for _, out := range []struct {
		to   string
		pool *int64
		paid *int64
	}{
		{to.Protocol, &t.rewards.Protocol, &paid.Protocol},
		{to.Token, &t.rewards.Token, &paid.Token},
		{to.Vault, &t.rewards.Vault, &paid.Vault},
	} {
		if out.to == "" || *out.pool <= 0 {
			continue
		}
		if err := e.transfer.TransferOut(ctx, cfg.Token, out.to, *out.pool); err != nil {
			payErr = fmt.Errorf("transfer out to %s: %w", out.to, err)
			break
		}
		*out.paid, *out.pool = *out.pool, 0
	}

	if payErr == nil || paid.Total() > 0 {
		t.emit(e.newEvent(event.TypeRewardsDistributed, "", RewardsDistributedEvent{
			Protocol:         paid.Protocol,
			Token:            paid.Token,
			Vault:            paid.Vault,
			ProtocolReceiver: to.Protocol,
			TokenReceiver:    to.Token,
			VaultReceiver:    to.Vault,
		}))
		e.commit(ctx, t)
	}
	if payErr != nil {
		log.Printf("[Engine] rewards partially distributed: protocol=%d token=%d vault=%d err=%v",
			paid.Protocol, paid.Token, paid.Vault, payErr)
		return paid, payErr
	}

	log.Printf("[Engine] rewards distributed: protocol=%d token=%d vault=%d", paid.Protocol, paid.Token, paid.Vault)
	return paid, nil
}
