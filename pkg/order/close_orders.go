// 文件: pkg/order/close_orders.go
// 条件平仓单: 创建 / 修改 / 撤销 / 执行

package order

import (
	"context"
	"fmt"
	"log"
	"time"

	"perpx.com/pkg/event"
	"perpx.com/pkg/futures"
	"perpx.com/pkg/metrics"
)

// CreateCloseOrder 创建平仓单，只托管 executionFee
//
// 不要求下单时已有持仓，执行时由引擎校验 (Size 超过持仓保证金按全平处理)
func (b *OrderBook) CreateCloseOrder(ctx context.Context, sender string, req CloseOrderRequest) (CloseOrder, error) {
	defer metrics.ObserveOp("create_close_order", time.Now())

	ctx, release, err := b.guard.Enter(ctx)
	if err != nil {
		return CloseOrder{}, err
	}
	defer release()

	if !b.canActFor(req.Account, sender) {
		return CloseOrder{}, futures.ErrNotAllowed
	}
	if req.ExecutionFee < b.cfg.MinExecutionFee {
		return CloseOrder{}, ErrExecutionFeeTooLow
	}
	if req.Size <= 0 || req.TriggerPrice <= 0 {
		return CloseOrder{}, fmt.Errorf("%w: size and trigger price must be positive", ErrInvalidOrder)
	}
	if _, err := b.engine.GetProduct(req.ProductID); err != nil {
		return CloseOrder{}, err
	}
	if err := b.transfer.TransferIn(ctx, b.cfg.Token, sender, req.ExecutionFee); err != nil {
		return CloseOrder{}, fmt.Errorf("escrow close order: %w", err)
	}

	b.mu.Lock()
	index := b.closeNext[req.Account]
	b.closeNext[req.Account] = index + 1
	o := &CloseOrder{
		ID:                    b.ids.NextID(),
		Account:               req.Account,
		Index:                 index,
		ProductID:             req.ProductID,
		Size:                  req.Size,
		IsLong:                req.IsLong,
		TriggerPrice:          req.TriggerPrice,
		TriggerAboveThreshold: req.TriggerAboveThreshold,
		ExecutionFee:          req.ExecutionFee,
		OrderTimestamp:        b.now(),
	}
	b.closeOrders[o.Ref()] = o
	b.mu.Unlock()

	cs := &Changeset{
		CloseOrders: []CloseOrder{*o},
		Counters:    []OrderCounter{{Account: req.Account, Kind: KindClose, Next: index + 1}},
		Events:      []event.Event{b.newEvent(event.TypeCloseOrderCreated, o.Account, CloseOrderEvent{Order: *o})},
	}
	if e, err := b.closeTrigger(o); err == nil {
		cs.Triggers = append(cs.Triggers, e)
	}
	b.commit(ctx, cs)

	log.Printf("[OrderBook] close order created: %s/%d product=%d size=%d trigger=%d above=%v",
		o.Account, o.Index, o.ProductID, o.Size, o.TriggerPrice, o.TriggerAboveThreshold)
	return *o, nil
}

// UpdateCloseOrder 修改平仓数量和触发价，下单时间重置
func (b *OrderBook) UpdateCloseOrder(ctx context.Context, sender, account string, index uint64, size, triggerPrice int64, triggerAbove bool) (CloseOrder, error) {
	defer metrics.ObserveOp("update_close_order", time.Now())

	ctx, release, err := b.guard.Enter(ctx)
	if err != nil {
		return CloseOrder{}, err
	}
	defer release()

	if !b.canActFor(account, sender) {
		return CloseOrder{}, futures.ErrNotAllowed
	}
	ref := OrderRef{account, index}
	b.mu.RLock()
	cur, ok := b.closeOrders[ref]
	b.mu.RUnlock()
	if !ok {
		return CloseOrder{}, ErrOrderNotFound
	}
	if size <= 0 || triggerPrice <= 0 {
		return CloseOrder{}, fmt.Errorf("%w: size and trigger price must be positive", ErrInvalidOrder)
	}

	o := *cur
	o.Size = size
	o.TriggerPrice = triggerPrice
	o.TriggerAboveThreshold = triggerAbove
	o.OrderTimestamp = b.now()

	b.mu.Lock()
	b.closeOrders[ref] = &o
	b.mu.Unlock()

	cs := &Changeset{
		CloseOrders: []CloseOrder{o},
		Events:      []event.Event{b.newEvent(event.TypeCloseOrderUpdated, o.Account, CloseOrderEvent{Order: o})},
	}
	if e, err := b.closeTrigger(&o); err == nil {
		cs.Triggers = append(cs.Triggers, e)
	}
	b.commit(ctx, cs)
	return o, nil
}

// CancelCloseOrder 撤销平仓单，退回 executionFee
func (b *OrderBook) CancelCloseOrder(ctx context.Context, sender, account string, index uint64) error {
	defer metrics.ObserveOp("cancel_close_order", time.Now())

	ctx, release, err := b.guard.Enter(ctx)
	if err != nil {
		return err
	}
	defer release()

	if !b.canActFor(account, sender) {
		return futures.ErrNotAllowed
	}
	return b.cancelClose(ctx, OrderRef{account, index})
}

func (b *OrderBook) cancelClose(ctx context.Context, ref OrderRef) error {
	b.mu.RLock()
	o, ok := b.closeOrders[ref]
	b.mu.RUnlock()
	if !ok {
		return ErrOrderNotFound
	}
	if !b.cancellable(o.OrderTimestamp) {
		return ErrCancelTooEarly
	}
	if err := b.transfer.TransferOut(ctx, b.cfg.Token, o.Account, o.ExecutionFee); err != nil {
		return fmt.Errorf("refund close order: %w", err)
	}

	b.mu.Lock()
	delete(b.closeOrders, ref)
	b.mu.Unlock()

	b.commit(ctx, &Changeset{
		DeletedClose: []OrderRef{ref},
		History:      []OrderHistory{closeHistory(o, StatusCancelled, 0, b.now())},
		Events:       []event.Event{b.newEvent(event.TypeCloseOrderCancelled, o.Account, CloseOrderEvent{Order: *o})},
	})
	log.Printf("[OrderBook] close order cancelled: %s/%d refund=%d", o.Account, o.Index, o.ExecutionFee)
	return nil
}

// ExecuteCloseOrder keeper 执行单张平仓单
func (b *OrderBook) ExecuteCloseOrder(ctx context.Context, sender, account string, index uint64, feeReceiver string) error {
	defer metrics.ObserveOp("execute_close_order", time.Now())

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
	err = b.executeClose(ctx, sender, OrderRef{account, index}, feeReceiver)
	b.recordExecution(ctx, KindClose, OrderRef{account, index}, err)
	return err
}

// executeClose 校验 → 引擎平仓 (盈亏直接结算给账户) → 付执行费
func (b *OrderBook) executeClose(ctx context.Context, keeper string, ref OrderRef, feeReceiver string) error {
	b.mu.RLock()
	o, ok := b.closeOrders[ref]
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

	if err := b.engine.ClosePosition(ctx, b.cfg.Address, o.Account, o.ProductID, o.Size, o.IsLong); err != nil {
		return err
	}

	b.mu.Lock()
	delete(b.closeOrders, ref)
	b.mu.Unlock()

	cs := &Changeset{
		DeletedClose: []OrderRef{ref},
		History:      []OrderHistory{closeHistory(o, StatusExecuted, price, b.now())},
	}
	b.payout(ctx, cs, feeReceiver, o.ExecutionFee)
	cs.Events = append(cs.Events, b.newEvent(event.TypeCloseOrderExecuted, o.Account, CloseOrderEvent{
		Order:          *o,
		ExecutionPrice: price,
		Keeper:         keeper,
	}))
	b.commit(ctx, cs)

	log.Printf("[OrderBook] close order executed: %s/%d price=%d keeper=%s", o.Account, o.Index, price, keeper)
	return nil
}

func closeHistory(o *CloseOrder, status Status, price, ts int64) OrderHistory {
	return OrderHistory{
		ID:           o.ID,
		Kind:         KindClose,
		Account:      o.Account,
		Index:        o.Index,
		ProductID:    o.ProductID,
		IsLong:       o.IsLong,
		Amount:       o.Size,
		TriggerPrice: o.TriggerPrice,
		Status:       status,
		Price:        price,
		UpdatedAt:    ts,
	}
}
