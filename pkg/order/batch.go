// 文件: pkg/order/batch.go
// 批量执行 / 批量撤销 / 领取欠付执行费
//
// 【批量语义】每张单独立成败，一张失败不影响其它单。
// 失败原因写进 Result 并发 ExecuteOrderError 事件，批次本身不报错

package order

import (
	"context"
	"errors"
	"log"
	"time"

	"perpx.com/pkg/event"
	"perpx.com/pkg/futures"
	"perpx.com/pkg/metrics"
)

// Result 单张单的处理结果
type Result struct {
	Kind    Kind   `json:"kind"`
	Account string `json:"account"`
	Index   uint64 `json:"index"`
	Err     error  `json:"-"`
	Reason  string `json:"reason,omitempty"`
}

// OK 是否成功
func (r Result) OK() bool {
	return r.Err == nil
}

func newResult(kind Kind, ref OrderRef, err error) Result {
	r := Result{Kind: kind, Account: ref.Account, Index: ref.Index, Err: err}
	if err != nil {
		r.Reason = err.Error()
	}
	return r
}

// BatchReport 批次结果
type BatchReport struct {
	Results []Result `json:"results"`
}

// Succeeded 成功笔数
func (r BatchReport) Succeeded() int {
	n := 0
	for _, res := range r.Results {
		if res.OK() {
			n++
		}
	}
	return n
}

// Failed 失败笔数
func (r BatchReport) Failed() int {
	return len(r.Results) - r.Succeeded()
}

// ExecuteOrders keeper 批量执行，先开仓单后平仓单
func (b *OrderBook) ExecuteOrders(ctx context.Context, sender string, open, closing []OrderRef, feeReceiver string) (BatchReport, error) {
	defer metrics.ObserveOp("execute_orders", time.Now())

	ctx, release, err := b.guard.Enter(ctx)
	if err != nil {
		return BatchReport{}, err
	}
	defer release()

	if !b.isKeeper(sender) {
		return BatchReport{}, ErrNotKeeper
	}
	if feeReceiver == "" {
		feeReceiver = sender
	}

	report := BatchReport{Results: make([]Result, 0, len(open)+len(closing))}
	for _, ref := range open {
		err := b.executeOpen(ctx, sender, ref, feeReceiver)
		b.recordExecution(ctx, KindOpen, ref, err)
		report.Results = append(report.Results, newResult(KindOpen, ref, err))
	}
	for _, ref := range closing {
		err := b.executeClose(ctx, sender, ref, feeReceiver)
		b.recordExecution(ctx, KindClose, ref, err)
		report.Results = append(report.Results, newResult(KindClose, ref, err))
	}

	if len(report.Results) > 0 {
		log.Printf("[OrderBook] batch executed by %s: ok=%d failed=%d", sender, report.Succeeded(), report.Failed())
	}
	return report, nil
}

// recordExecution 指标 + 失败事件
func (b *OrderBook) recordExecution(ctx context.Context, kind Kind, ref OrderRef, err error) {
	if err == nil {
		metrics.OrdersExecuted.WithLabelValues(string(kind), "success").Inc()
		return
	}
	metrics.OrdersExecuted.WithLabelValues(string(kind), "error").Inc()
	b.commit(ctx, &Changeset{
		Events: []event.Event{b.newEvent(event.TypeExecuteOrderError, ref.Account, ExecuteOrderErrorEvent{
			Kind:    kind,
			Account: ref.Account,
			Index:   ref.Index,
			Reason:  err.Error(),
		})},
	})
	// 没到时间/没触发是常态，不打日志
	if !errors.Is(err, ErrExecuteTooEarly) && !errors.Is(err, ErrTriggerNotMet) {
		log.Printf("[OrderBook] execute %s order %s/%d failed: %v", kind, ref.Account, ref.Index, err)
	}
}

// CancelMultiple 批量撤销同一账户的单，每张独立成败
func (b *OrderBook) CancelMultiple(ctx context.Context, sender, account string, openIndexes, closeIndexes []uint64) (BatchReport, error) {
	defer metrics.ObserveOp("cancel_multiple", time.Now())

	ctx, release, err := b.guard.Enter(ctx)
	if err != nil {
		return BatchReport{}, err
	}
	defer release()

	if !b.canActFor(account, sender) {
		return BatchReport{}, futures.ErrNotAllowed
	}

	report := BatchReport{Results: make([]Result, 0, len(openIndexes)+len(closeIndexes))}
	for _, idx := range openIndexes {
		ref := OrderRef{account, idx}
		report.Results = append(report.Results, newResult(KindOpen, ref, b.cancelOpen(ctx, ref)))
	}
	for _, idx := range closeIndexes {
		ref := OrderRef{account, idx}
		report.Results = append(report.Results, newResult(KindClose, ref, b.cancelClose(ctx, ref)))
	}
	return report, nil
}

// ClaimExecutionFees 领取之前没打出去的执行费 / 退款
func (b *OrderBook) ClaimExecutionFees(ctx context.Context, sender string) (int64, error) {
	ctx, release, err := b.guard.Enter(ctx)
	if err != nil {
		return 0, err
	}
	defer release()

	b.mu.RLock()
	amount := b.unpaid[sender]
	b.mu.RUnlock()
	if amount <= 0 {
		return 0, ErrNothingToClaim
	}
	if err := b.transfer.TransferOut(ctx, b.cfg.Token, sender, amount); err != nil {
		return 0, err
	}

	b.mu.Lock()
	delete(b.unpaid, sender)
	b.mu.Unlock()

	b.commit(ctx, &Changeset{
		UnpaidFees: []UnpaidFee{{Receiver: sender, Amount: 0}},
		Events: []event.Event{b.newEvent(event.TypeExecutionFeesClaimed, sender, ExecutionFeesClaimedEvent{
			Receiver: sender,
			Amount:   amount,
		})},
	})
	log.Printf("[OrderBook] execution fees claimed: %s amount=%d", sender, amount)
	return amount, nil
}
