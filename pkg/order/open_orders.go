// 文件: pkg/order/open_orders.go
// 条件开仓单: 创建 / 修改 / 撤销 / 执行

package order

import (
	"context"
	"fmt"
	"log"
	"time"

	"perpx.com/pkg/event"
	"perpx.com/pkg/futures"
	"perpx.com/pkg/metrics"
	"perpx.com/pkg/risk/perp"
)

// CreateOpenOrder 创建开仓单
//
// sender 一次性付 margin + tradeFee + executionFee 进挂单簿托管。
// tradeFee 按执行时的 sender (挂单簿) 报价
func (b *OrderBook) CreateOpenOrder(ctx context.Context, sender string, req OpenOrderRequest) (OpenOrder, error) {
	defer metrics.ObserveOp("create_open_order", time.Now())

	ctx, release, err := b.guard.Enter(ctx)
	if err != nil {
		return OpenOrder{}, err
	}
	defer release()

	if !b.canActFor(req.Account, sender) {
		return OpenOrder{}, futures.ErrNotAllowed
	}
	if req.ExecutionFee < b.cfg.MinExecutionFee {
		return OpenOrder{}, ErrExecutionFeeTooLow
	}
	if req.Margin <= 0 || req.TriggerPrice <= 0 {
		return OpenOrder{}, fmt.Errorf("%w: margin and trigger price must be positive", ErrInvalidOrder)
	}
	p, err := b.engine.GetProduct(req.ProductID)
	if err != nil {
		return OpenOrder{}, err
	}
	if req.Leverage < futures.Base || req.Leverage > p.MaxLeverage {
		return OpenOrder{}, futures.ErrInvalidLeverage
	}

	tradeFee, err := b.quoteTradeFee(req.ProductID, req.Account, req.Margin, req.Leverage)
	if err != nil {
		return OpenOrder{}, err
	}
	escrow, err := perp.AddChecked(req.Margin, tradeFee)
	if err != nil {
		return OpenOrder{}, err
	}
	if escrow, err = perp.AddChecked(escrow, req.ExecutionFee); err != nil {
		return OpenOrder{}, err
	}
	if err := b.transfer.TransferIn(ctx, b.cfg.Token, sender, escrow); err != nil {
		return OpenOrder{}, fmt.Errorf("escrow open order: %w", err)
	}

	b.mu.Lock()
	index := b.openNext[req.Account]
	b.openNext[req.Account] = index + 1
	o := &OpenOrder{
		ID:                    b.ids.NextID(),
		Account:               req.Account,
		Index:                 index,
		ProductID:             req.ProductID,
		Margin:                req.Margin,
		Leverage:              req.Leverage,
		TradeFee:              tradeFee,
		IsLong:                req.IsLong,
		TriggerPrice:          req.TriggerPrice,
		TriggerAboveThreshold: req.TriggerAboveThreshold,
		ExecutionFee:          req.ExecutionFee,
		OrderTimestamp:        b.now(),
	}
	b.openOrders[o.Ref()] = o
	b.mu.Unlock()

	cs := &Changeset{
		OpenOrders: []OpenOrder{*o},
		Counters:   []OrderCounter{{Account: req.Account, Kind: KindOpen, Next: index + 1}},
		Events:     []event.Event{b.newEvent(event.TypeOpenOrderCreated, o.Account, OpenOrderEvent{Order: *o})},
	}
	if e, err := b.openTrigger(o); err == nil {
		cs.Triggers = append(cs.Triggers, e)
	}
	b.commit(ctx, cs)

	log.Printf("[OrderBook] open order created: %s/%d product=%d margin=%d lev=%d trigger=%d above=%v",
		o.Account, o.Index, o.ProductID, o.Margin, o.Leverage, o.TriggerPrice, o.TriggerAboveThreshold)
	return *o, nil
}

// UpdateOpenOrder 修改杠杆和触发价
//
// 托管的 margin + tradeFee 总额不变，按新杠杆重新拆分。
// 下单时间重置，执行延迟重新计算
func (b *OrderBook) UpdateOpenOrder(ctx context.Context, sender, account string, index uint64, leverage, triggerPrice int64, triggerAbove bool) (OpenOrder, error) {
	defer metrics.ObserveOp("update_open_order", time.Now())

	ctx, release, err := b.guard.Enter(ctx)
	if err != nil {
		return OpenOrder{}, err
	}
	defer release()

	if !b.canActFor(account, sender) {
		return OpenOrder{}, futures.ErrNotAllowed
	}
	ref := OrderRef{account, index}
	b.mu.RLock()
	cur, ok := b.openOrders[ref]
	b.mu.RUnlock()
	if !ok {
		return OpenOrder{}, ErrOrderNotFound
	}
	if triggerPrice <= 0 {
		return OpenOrder{}, fmt.Errorf("%w: trigger price must be positive", ErrInvalidOrder)
	}
	p, err := b.engine.GetProduct(cur.ProductID)
	if err != nil {
		return OpenOrder{}, err
	}
	if leverage < futures.Base || leverage > p.MaxLeverage {
		return OpenOrder{}, futures.ErrInvalidLeverage
	}

	feeBps, err := b.engine.QuoteFeeRate(cur.ProductID, account, b.cfg.Address)
	if err != nil {
		return OpenOrder{}, err
	}
	margin, tradeFee, err := perp.SplitMarginAndFee(cur.Margin+cur.TradeFee, leverage, feeBps)
	if err != nil {
		return OpenOrder{}, err
	}

	o := *cur
	o.Margin = margin
	o.TradeFee = tradeFee
	o.Leverage = leverage
	o.TriggerPrice = triggerPrice
	o.TriggerAboveThreshold = triggerAbove
	o.OrderTimestamp = b.now()

	b.mu.Lock()
	b.openOrders[ref] = &o
	b.mu.Unlock()

	cs := &Changeset{
		OpenOrders: []OpenOrder{o},
		Events:     []event.Event{b.newEvent(event.TypeOpenOrderUpdated, o.Account, OpenOrderEvent{Order: o})},
	}
	if e, err := b.openTrigger(&o); err == nil {
		cs.Triggers = append(cs.Triggers, e)
	}
	b.commit(ctx, cs)
	return o, nil
}

// CancelOpenOrder 撤销开仓单，全额退回托管
func (b *OrderBook) CancelOpenOrder(ctx context.Context, sender, account string, index uint64) error {
	defer metrics.ObserveOp("cancel_open_order", time.Now())

	ctx, release, err := b.guard.Enter(ctx)
	if err != nil {
		return err
	}
	defer release()

	if !b.canActFor(account, sender) {
		return futures.ErrNotAllowed
	}
	return b.cancelOpen(ctx, OrderRef{account, index})
}

func (b *OrderBook) cancelOpen(ctx context.Context, ref OrderRef) error {
	b.mu.RLock()
	o, ok := b.openOrders[ref]
	b.mu.RUnlock()
	if !ok {
		return ErrOrderNotFound
	}
	if !b.cancellable(o.OrderTimestamp) {
		return ErrCancelTooEarly
	}
	// 退款失败则单子保留
	if err := b.transfer.TransferOut(ctx, b.cfg.Token, o.Account, o.Escrow()); err != nil {
		return fmt.Errorf("refund open order: %w", err)
	}

	b.mu.Lock()
	delete(b.openOrders, ref)
	b.mu.Unlock()

	b.commit(ctx, &Changeset{
		DeletedOpen: []OrderRef{ref},
		History:     []OrderHistory{openHistory(o, StatusCancelled, 0, b.now())},
		Events:      []event.Event{b.newEvent(event.TypeOpenOrderCancelled, o.Account, OpenOrderEvent{Order: *o})},
	})
	log.Printf("[OrderBook] open order cancelled: %s/%d refund=%d", o.Account, o.Index, o.Escrow())
	return nil
}

// ExecuteOpenOrder keeper 执行单张开仓单
func (b *OrderBook) ExecuteOpenOrder(ctx context.Context, sender, account string, index uint64, feeReceiver string) error {
	defer metrics.ObserveOp("execute_open_order", time.Now())

	ctx, release, err := b.guard.Enter(ctx)
	if err != nil {
		return err
	}
	defer release()

	if !b.isKeeper(sender) {
		return ErrNotKeeper
	}
	if feeReceiver == "" {
		feeReceiver = sender
	}
	err = b.executeOpen(ctx, sender, OrderRef{account, index}, feeReceiver)
	b.recordExecution(ctx, KindOpen, OrderRef{account, index}, err)
	return err
}

// executeOpen 校验 → 引擎开仓 → 退多收的手续费 → 付执行费
func (b *OrderBook) executeOpen(ctx context.Context, keeper string, ref OrderRef, feeReceiver string) error {
	b.mu.RLock()
	o, ok := b.openOrders[ref]
	b.mu.RUnlock()
	if !ok {
		return ErrOrderNotFound
	}
	if !b.executable(o.OrderTimestamp) {
		return ErrExecuteTooEarly
	}
	price, err := b.checkTrigger(o.ProductID, o.TriggerAboveThreshold, o.TriggerPrice)
	if err != nil {
		return err
	}

	// 费率只能降不能涨，涨了说明托管不够
	tradeFee, err := b.quoteTradeFee(o.ProductID, o.Account, o.Margin, o.Leverage)
	if err != nil {
		return err
	}
	if tradeFee > o.TradeFee {
		return ErrTradeFeeChanged
	}

	if _, err := b.engine.OpenPosition(ctx, b.cfg.Address, o.Account, o.ProductID, o.Margin, o.Leverage, o.IsLong); err != nil {
		return err
	}

	b.mu.Lock()
	delete(b.openOrders, ref)
	b.mu.Unlock()

	refund := o.TradeFee - tradeFee
	cs := &Changeset{
		DeletedOpen: []OrderRef{ref},
		History:     []OrderHistory{openHistory(o, StatusExecuted, price, b.now())},
	}
	b.payout(ctx, cs, o.Account, refund)
	b.payout(ctx, cs, feeReceiver, o.ExecutionFee)
	cs.Events = append(cs.Events, b.newEvent(event.TypeOpenOrderExecuted, o.Account, OpenOrderEvent{
		Order:          *o,
		ExecutionPrice: price,
		FeeRefund:      refund,
		Keeper:         keeper,
	}))
	b.commit(ctx, cs)

	log.Printf("[OrderBook] open order executed: %s/%d price=%d keeper=%s", o.Account, o.Index, price, keeper)
	return nil
}

func openHistory(o *OpenOrder, status Status, price, ts int64) OrderHistory {
	return OrderHistory{
		ID:           o.ID,
		Kind:         KindOpen,
		Account:      o.Account,
		Index:        o.Index,
		ProductID:    o.ProductID,
		IsLong:       o.IsLong,
		Amount:       o.Margin,
		Leverage:     o.Leverage,
		TriggerPrice: o.TriggerPrice,
		Status:       status,
		Price:        price,
		UpdatedAt:    ts,
	}
}
