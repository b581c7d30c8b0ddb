// 文件: pkg/futures/trading.go
// 持仓状态机: 开仓 / 加仓 / 追加保证金 / 平仓 / 强平
//
// 状态流转: Empty → Open → {Increased}* → {Closed | Liquidated}
//
// 【资金守恒】
// 托管账户余额 = Σ持仓保证金 + 金库余额 + 待分配奖励
// 每个操作都保持这个等式，测试里逐步校验

package futures

import (
	"context"
	"fmt"
	"log"
	"time"

	"perpx.com/pkg/event"
	"perpx.com/pkg/metrics"
	"perpx.com/pkg/risk/perp"
)

// =============================================================================
// 开仓 / 加仓
// =============================================================================

// OpenPosition 为 account 开仓，同方向已有持仓则合并
//
// sender 支付 margin + 手续费。
// 成交价用变化前的持仓量计算，敞口检查用变化后的持仓量
func (e *Engine) OpenPosition(ctx context.Context, sender, account string, productID uint64, margin, leverage int64, isLong bool) (PositionID, error) {
	defer metrics.ObserveOp("open", time.Now())

	ctx, release, err := e.guard.Enter(ctx)
	if err != nil {
		return "", err
	}
	defer release()

	cfg := e.cfg
	if !e.validateManager(account, sender) && (cfg.IsManagerOnlyForOpen || account != sender) {
		return "", ErrNotAllowed
	}
	if !cfg.IsTradeEnabled {
		return "", ErrTradeDisabled
	}
	if margin < cfg.MinMargin {
		return "", ErrMarginTooLow
	}

	t := e.st.begin()
	p, ok := t.product(productID)
	if !ok {
		return "", ErrProductNotFound
	}
	if !p.IsActive {
		return "", ErrProductInactive
	}
	if leverage < Base || leverage > p.MaxLeverage {
		return "", ErrInvalidLeverage
	}

	feeBps := e.fees.GetFee(p.Token, p.Fee, account, sender)
	fee, err := perp.TradeFee(margin, leverage, feeBps)
	if err != nil {
		return "", err
	}
	total, err := perp.AddChecked(margin, fee)
	if err != nil {
		return "", err
	}
	amount, err := perp.Notional(margin, leverage)
	if err != nil {
		return "", err
	}

	price, err := e.executionPrice(t, p, isLong, amount)
	if err != nil {
		return "", err
	}
	snap, err := e.accrueFunding(ctx, t, p)
	if err != nil {
		return "", err
	}
	if err := e.increaseOpenInterest(t, p, snap, amount, isLong); err != nil {
		return "", err
	}
	funding := e.funding.GetFunding(productID)
	oraclePrice, err := e.oracle.GetPrice(p.Token)
	if err != nil {
		return "", fmt.Errorf("oracle price: %w", err)
	}

	isNextPrice := e.nextPriceManagers[sender]
	id := GetPositionID(account, productID, isLong)
	pos, exists := t.position(id)
	if exists {
		merged, err := perp.Merge(
			perp.Leg{Margin: pos.Margin, Leverage: pos.Leverage, Price: pos.Price, Funding: pos.Funding},
			perp.Leg{Margin: margin, Leverage: leverage, Price: price, Funding: funding},
		)
		if err != nil {
			return "", err
		}
		if err := e.trimOpenInterest(t, p, pos, merged.Margin, merged.Leverage, amount); err != nil {
			return "", err
		}
		pos.Margin, pos.Leverage, pos.Price, pos.Funding = merged.Margin, merged.Leverage, merged.Price, merged.Funding
		pos.IsNextPrice = pos.IsNextPrice && isNextPrice
	} else {
		pos = &Position{
			ID:          id,
			Owner:       account,
			ProductID:   productID,
			Margin:      margin,
			Leverage:    leverage,
			Price:       price,
			Funding:     funding,
			IsLong:      isLong,
			IsNextPrice: isNextPrice,
		}
	}
	pos.OraclePrice = oraclePrice
	pos.Timestamp = e.now()
	t.putPosition(pos)
	t.rewards.split(fee, cfg.ProtocolRewardRatio, cfg.TokenRewardRatio)

	t.emit(e.newEvent(event.TypeNewPosition, account, NewPositionEvent{
		PositionID:  id,
		User:        account,
		ProductID:   productID,
		IsLong:      isLong,
		Price:       price,
		OraclePrice: oraclePrice,
		Margin:      margin,
		Leverage:    leverage,
		Fee:         fee,
		IsNextPrice: pos.IsNextPrice,
	}))

	if err := e.transfer.TransferIn(ctx, cfg.Token, sender, total); err != nil {
		return "", fmt.Errorf("transfer in: %w", err)
	}
	e.commit(ctx, t)

	metrics.PositionsOpened.WithLabelValues(sideLabel(isLong)).Inc()
	log.Printf("[Engine] open %s: account=%s product=%d margin=%d leverage=%d price=%d fee=%d",
		sideLabel(isLong), account, productID, margin, leverage, price, fee)
	return id, nil
}

// =============================================================================
// 追加保证金
// =============================================================================

// AddMargin 追加保证金，名义价值不变，杠杆下降
//
//	newLeverage = leverage × oldMargin / newMargin
func (e *Engine) AddMargin(ctx context.Context, sender string, id PositionID, margin int64) error {
	defer metrics.ObserveOp("add_margin", time.Now())

	ctx, release, err := e.guard.Enter(ctx)
	if err != nil {
		return err
	}
	defer release()

	cfg := e.cfg
	t := e.st.begin()
	pos, ok := t.position(id)
	if !ok {
		return ErrPositionNotFound
	}
	if sender != pos.Owner && !e.validateManager(pos.Owner, sender) {
		return ErrNotAllowed
	}
	if margin < cfg.MinMargin {
		return ErrMarginTooLow
	}

	newMargin, err := perp.AddChecked(pos.Margin, margin)
	if err != nil {
		return err
	}
	newLeverage, err := perp.MulDiv(pos.Leverage, pos.Margin, newMargin)
	if err != nil {
		return err
	}
	if newLeverage < Base {
		return ErrInvalidLeverage
	}
	if p, ok := t.product(pos.ProductID); ok {
		if err := e.trimOpenInterest(t, p, pos, newMargin, newLeverage, 0); err != nil {
			return err
		}
	}
	pos.Margin = newMargin
	pos.Leverage = newLeverage
	t.putPosition(pos)

	t.emit(e.newEvent(event.TypeAddMargin, pos.Owner, AddMarginEvent{
		PositionID:  id,
		Sender:      sender,
		User:        pos.Owner,
		Margin:      margin,
		NewMargin:   newMargin,
		NewLeverage: newLeverage,
	}))

	if err := e.transfer.TransferIn(ctx, cfg.Token, sender, margin); err != nil {
		return fmt.Errorf("transfer in: %w", err)
	}
	e.commit(ctx, t)

	log.Printf("[Engine] add margin: position=%s margin=%d new_leverage=%d", id, margin, newLeverage)
	return nil
}

// =============================================================================
// 平仓
// =============================================================================

// ClosePosition 按账户/产品/方向平仓
func (e *Engine) ClosePosition(ctx context.Context, sender, account string, productID uint64, margin int64, isLong bool) error {
	return e.ClosePositionWithID(ctx, sender, GetPositionID(account, productID, isLong), margin)
}

// ClosePositionWithID 平掉 margin 对应的部分，margin >= 持仓保证金时全平
//
// 【结算顺序】
// 1. 反方向曲线价格算 pnl
// 2. 亏损达到 margin × threshold → 升级为强平: 全部保证金归金库
// 3. 浮盈没通过防抢跑检查 → pnl 归零
// 4. pnlAfterFees = pnl − fee − funding，按正负结算给交易者/金库
// 5. 手续费进奖励池，从金库余额里扣出
func (e *Engine) ClosePositionWithID(ctx context.Context, sender string, id PositionID, margin int64) error {
	defer metrics.ObserveOp("close", time.Now())

	ctx, release, err := e.guard.Enter(ctx)
	if err != nil {
		return err
	}
	defer release()

	cfg := e.cfg
	if margin <= 0 {
		return ErrInvalidAmount
	}
	t := e.st.begin()
	pos, ok := t.position(id)
	if !ok {
		return ErrPositionNotFound
	}
	owner := pos.Owner
	if !e.validateManager(owner, sender) && (cfg.IsManagerOnlyForClose || sender != owner) {
		return ErrNotAllowed
	}
	p, ok := t.product(pos.ProductID)
	if !ok {
		return ErrProductNotFound
	}

	if margin > pos.Margin {
		margin = pos.Margin
	}
	isFullClose := margin == pos.Margin

	amount, err := perp.Notional(margin, pos.Leverage)
	if err != nil {
		return err
	}
	price, err := e.executionPrice(t, p, !pos.IsLong, amount)
	if err != nil {
		return err
	}
	pnl, err := perp.PnL(pos.IsLong, pos.Price, pos.Leverage, margin, price)
	if err != nil {
		return err
	}

	lossLine, err := perp.MulDiv(margin, cfg.LiquidationThreshold, FeeBase)
	if err != nil {
		return err
	}
	wasLiquidated := false
	if pnl < 0 && -pnl >= lossLine {
		margin = pos.Margin
		pnl = -margin
		isFullClose = true
		wasLiquidated = true
		if amount, err = perp.Notional(margin, pos.Leverage); err != nil {
			return err
		}
	} else if pnl > 0 {
		oraclePrice, err := e.oracle.GetPrice(p.Token)
		if err != nil {
			return fmt.Errorf("oracle price: %w", err)
		}
		minProfitTime := int64(cfg.MinProfitTime / time.Second)
		canRealize := perp.CanRealizeProfit(pos.IsLong, pos.Timestamp, pos.OraclePrice, oraclePrice, p.MinPriceChange, minProfitTime, e.now())
		if !canRealize && !(pos.IsNextPrice && e.nextPriceManagers[sender]) {
			pnl = 0
		}
	}

	// 部分平仓按前后名义价值之差减持仓量，多次部分平仓的取整误差不累积
	oiAmount := amount
	if !isFullClose {
		full, err := perp.Notional(pos.Margin, pos.Leverage)
		if err != nil {
			return err
		}
		rest, err := perp.Notional(pos.Margin-margin, pos.Leverage)
		if err != nil {
			return err
		}
		oiAmount = full - rest
	}

	if _, err := e.accrueFunding(ctx, t, p); err != nil {
		return err
	}
	fundingPayment, err := perp.FundingPayment(pos.IsLong, e.funding.GetFunding(p.ID), pos.Funding, margin, pos.Leverage)
	if err != nil {
		return err
	}
	fee, err := perp.TradeFee(margin, pos.Leverage, e.fees.GetFee(p.Token, p.Fee, owner, sender))
	if err != nil {
		return err
	}
	pnlAfterFees, err := perp.SubChecked(pnl, fee)
	if err != nil {
		return err
	}
	if pnlAfterFees, err = perp.SubChecked(pnlAfterFees, fundingPayment); err != nil {
		return err
	}

	// 先在副本上算，全部成功才写回 txn
	payout := int64(0)
	vault := t.vault
	switch {
	case pnlAfterFees < 0 && pnlAfterFees > -margin:
		payout = margin + pnlAfterFees
		if err := vault.Absorb(pnlAfterFees); err != nil {
			return err
		}
	case pnlAfterFees < 0:
		if err := vault.Absorb(-margin); err != nil {
			return err
		}
	default:
		need, err := perp.AddChecked(pnlAfterFees, fee)
		if err != nil {
			return err
		}
		if vault.Balance < need {
			return ErrInsufficientVaultBalance
		}
		if payout, err = perp.AddChecked(margin, pnlAfterFees); err != nil {
			return err
		}
		if err := vault.Absorb(pnlAfterFees); err != nil {
			return err
		}
	}
	if vault.Balance, err = perp.SubChecked(vault.Balance, fee); err != nil {
		return err
	}
	if vault.Balance < 0 {
		return ErrVaultNegative
	}
	t.vault = vault
	t.rewards.split(fee, cfg.ProtocolRewardRatio, cfg.TokenRewardRatio)
	t.vault.UpdatedAt = e.now()

	e.decreaseOpenInterest(t, p, oiAmount, pos.IsLong)
	entryPrice, leverage := pos.Price, pos.Leverage
	if isFullClose {
		t.deletePosition(id)
	} else {
		pos.Margin -= margin
		t.putPosition(pos)
	}

	t.emit(e.newEvent(event.TypeClosePosition, owner, ClosePositionEvent{
		PositionID:     id,
		User:           owner,
		ProductID:      p.ID,
		Price:          price,
		EntryPrice:     entryPrice,
		Margin:         margin,
		Leverage:       leverage,
		Fee:            fee,
		PnL:            pnl,
		FundingPayment: fundingPayment,
		WasLiquidated:  wasLiquidated,
	}))

	if payout > 0 {
		if err := e.transfer.TransferOut(ctx, cfg.Token, owner, payout); err != nil {
			return fmt.Errorf("transfer out: %w", err)
		}
	}
	e.commit(ctx, t)

	reason := "close"
	if wasLiquidated {
		reason = "liquidation"
	}
	metrics.PositionsClosed.WithLabelValues(sideLabel(pos.IsLong), reason).Inc()
	log.Printf("[Engine] close %s: position=%s margin=%d price=%d pnl=%d fee=%d funding=%d payout=%d liquidated=%v",
		sideLabel(pos.IsLong), id, margin, price, pnl, fee, fundingPayment, payout, wasLiquidated)
	return nil
}

// =============================================================================
// 强平
// =============================================================================

// LiquidationResult 单个持仓的强平结果
type LiquidationResult struct {
	PositionID PositionID
	Liquidated bool
	Reward     int64
	Err        error
}

// LiquidationReport 批量强平结果
type LiquidationReport struct {
	Results     []LiquidationResult
	TotalReward int64
}

// Liquidated 实际被强平的数量
func (r LiquidationReport) Liquidated() int {
	n := 0
	for _, res := range r.Results {
		if res.Liquidated {
			n++
		}
	}
	return n
}

// LiquidatePositions 批量强平
//
// 已经被平掉或者价格已回落的持仓跳过 (奖励 0)，单条出错不影响其余持仓。
// 判断用预言机实时价格，不用曲线价格
func (e *Engine) LiquidatePositions(ctx context.Context, sender string, ids []PositionID) (LiquidationReport, error) {
	defer metrics.ObserveOp("liquidate", time.Now())

	ctx, release, err := e.guard.Enter(ctx)
	if err != nil {
		return LiquidationReport{}, err
	}
	defer release()

	cfg := e.cfg
	if !e.liquidators[sender] && !cfg.AllowPublicLiquidator {
		return LiquidationReport{}, ErrNotAllowed
	}

	t := e.st.begin()
	report := LiquidationReport{Results: make([]LiquidationResult, 0, len(ids))}
	for _, id := range ids {
		res := LiquidationResult{PositionID: id}
		reward, liquidated, err := e.liquidateOne(ctx, t, sender, id)
		if err != nil {
			log.Printf("[Engine] liquidate %s skipped: %v", id, err)
			res.Err = err
		}
		res.Liquidated = liquidated
		res.Reward = reward
		report.TotalReward += reward
		report.Results = append(report.Results, res)
	}

	if report.TotalReward > 0 {
		if err := e.transfer.TransferOut(ctx, cfg.Token, sender, report.TotalReward); err != nil {
			return LiquidationReport{}, fmt.Errorf("transfer out: %w", err)
		}
	}
	e.commit(ctx, t)

	if n := report.Liquidated(); n > 0 {
		metrics.Liquidations.Add(float64(n))
		log.Printf("[Engine] liquidated %d/%d positions, reward=%d", n, len(ids), report.TotalReward)
	}
	return report, nil
}

// liquidateOne 强平单个持仓
// 所有可能失败的计算都在修改 txn 之前完成，失败时 txn 不受影响
func (e *Engine) liquidateOne(ctx context.Context, t *txn, sender string, id PositionID) (int64, bool, error) {
	cfg := e.cfg
	pos, ok := t.position(id)
	if !ok {
		return 0, false, nil
	}
	p, ok := t.product(pos.ProductID)
	if !ok {
		return 0, false, ErrProductNotFound
	}

	price, err := e.oracle.GetPrice(p.Token)
	if err != nil {
		return 0, false, fmt.Errorf("oracle price: %w", err)
	}
	triggered, err := perp.LiquidationTriggered(pos.IsLong, pos.Price, pos.Leverage, price, cfg.LiquidationThreshold)
	if err != nil {
		return 0, false, err
	}
	if !triggered {
		return 0, false, nil
	}

	amount, err := perp.Notional(pos.Margin, pos.Leverage)
	if err != nil {
		return 0, false, err
	}
	pnl, err := perp.PnL(pos.IsLong, pos.Price, pos.Leverage, pos.Margin, price)
	if err != nil {
		return 0, false, err
	}
	if _, err := e.accrueFunding(ctx, t, p); err != nil {
		return 0, false, err
	}
	fundingPayment, err := perp.FundingPayment(pos.IsLong, e.funding.GetFunding(p.ID), pos.Funding, pos.Margin, pos.Leverage)
	if err != nil {
		return 0, false, err
	}
	if pnl, err = perp.SubChecked(pnl, fundingPayment); err != nil {
		return 0, false, err
	}

	var reward, remaining, balance int64
	if pnl < 0 && pnl > -pos.Margin {
		left := pos.Margin + pnl
		if reward, err = perp.MulDiv(left, cfg.LiquidationBounty, FeeBase); err != nil {
			return 0, false, err
		}
		remaining = left - reward
		if balance, err = perp.SubChecked(t.vault.Balance, pnl); err != nil {
			return 0, false, err
		}
		t.rewards.split(remaining, cfg.ProtocolRewardRatio, cfg.TokenRewardRatio)
	} else if balance, err = perp.AddChecked(t.vault.Balance, pos.Margin); err != nil {
		return 0, false, err
	}
	t.vault.Balance = balance
	t.vault.UpdatedAt = e.now()

	e.decreaseOpenInterest(t, p, amount, pos.IsLong)
	t.deletePosition(id)
	t.emit(e.newEvent(event.TypePositionLiquidated, pos.Owner, PositionLiquidatedEvent{
		PositionID:       id,
		User:             pos.Owner,
		Liquidator:       sender,
		Price:            price,
		Margin:           pos.Margin,
		LiquidatorReward: reward,
		RemainingReward:  remaining,
	}))
	return reward, true, nil
}
