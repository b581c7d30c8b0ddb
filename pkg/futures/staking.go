// 文件: pkg/futures/staking.go
// LP 质押 / 赎回
//
// 【份额模型】
// 质押: shares = amount × totalShares / balance (首个质押者 1:1)
// 赎回: 拿回 shares × balance / totalShares
// 金库赚钱 → 每份额更值钱；金库亏钱 → 每份额缩水

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

// Stake 为 user 质押 amount，sender 付款
//
// 每次质押都会重置锁定期
func (e *Engine) Stake(ctx context.Context, sender, user string, amount int64) error {
	defer metrics.ObserveOp("stake", time.Now())

	ctx, release, err := e.guard.Enter(ctx)
	if err != nil {
		return err
	}
	defer release()

	cfg := e.cfg
	if !(cfg.CanUserStake || e.isOwner(sender)) || !(sender == user || e.validateManager(user, sender)) {
		return ErrNotAllowed
	}
	if amount < cfg.MinMargin {
		return ErrStakeTooLow
	}

	t := e.st.begin()
	staked, err := perp.AddChecked(t.vault.Staked, amount)
	if err != nil {
		return err
	}
	if staked > t.vault.Cap {
		return ErrVaultCapExceeded
	}
	shares, err := t.vault.SharesFor(amount)
	if err != nil {
		return err
	}
	if shares <= 0 {
		return ErrInvalidShares
	}

	now := e.now()
	t.vault.Staked = staked
	t.vault.Balance += amount
	t.vault.Shares += shares
	t.vault.UpdatedAt = now

	st, ok := t.stake(user)
	if !ok {
		st = &Stake{Owner: user}
	}
	st.Amount += amount
	st.Shares += shares
	st.Timestamp = now
	t.putStake(st)

	t.emit(e.newEvent(event.TypeStaked, user, StakedEvent{User: user, Amount: amount, Shares: shares}))

	if err := e.transfer.TransferIn(ctx, cfg.Token, sender, amount); err != nil {
		return fmt.Errorf("transfer in: %w", err)
	}
	e.commit(ctx, t)

	log.Printf("[Engine] stake: user=%s amount=%d shares=%d", user, amount, shares)
	return nil
}

// Redeem 赎回 user 的 shares 份额，付给 receiver (为空时付给 user)
//
// 赎回后必须满足 totalOpenInterest <= balance × utilizationMultiplier，
// 否则在外持仓会失去背书资本
func (e *Engine) Redeem(ctx context.Context, sender, user string, shares int64, receiver string) error {
	defer metrics.ObserveOp("redeem", time.Now())

	ctx, release, err := e.guard.Enter(ctx)
	if err != nil {
		return err
	}
	defer release()

	cfg := e.cfg
	if sender != user && !e.validateManager(user, sender) {
		return ErrNotAllowed
	}
	if receiver == "" {
		receiver = user
	}

	t := e.st.begin()
	st, ok := t.stake(user)
	if !ok {
		return ErrStakeNotFound
	}
	if shares <= 0 || shares > st.Shares {
		return ErrInvalidShares
	}
	now := e.now()
	if now <= st.Timestamp+t.vault.StakingPeriod {
		return ErrStakingPeriod
	}

	isFullRedeem := shares == st.Shares
	shareBalance, err := t.vault.ValueOf(shares)
	if err != nil {
		return err
	}
	principal, err := perp.MulDiv(shares, st.Amount, st.Shares)
	if err != nil {
		return err
	}

	t.vault.Shares -= shares
	t.vault.Balance -= shareBalance
	t.vault.Staked = saturatingSub(t.vault.Staked, principal)
	t.vault.UpdatedAt = now

	limit, err := t.vault.UtilizationLimit(cfg.UtilizationMultiplier)
	if err != nil {
		return err
	}
	if t.totalOI > limit {
		return ErrUtilizationExceeded
	}

	if isFullRedeem {
		t.deleteStake(user)
	} else {
		st.Shares -= shares
		st.Amount -= principal
		t.putStake(st)
	}

	t.emit(e.newEvent(event.TypeRedeemed, user, RedeemedEvent{
		User:         user,
		Receiver:     receiver,
		Amount:       principal,
		Shares:       shares,
		ShareBalance: shareBalance,
		IsFullRedeem: isFullRedeem,
	}))

	if shareBalance > 0 {
		if err := e.transfer.TransferOut(ctx, cfg.Token, receiver, shareBalance); err != nil {
			return fmt.Errorf("transfer out: %w", err)
		}
	}
	e.commit(ctx, t)

	log.Printf("[Engine] redeem: user=%s shares=%d value=%d full=%v", user, shares, shareBalance, isFullRedeem)
	return nil
}
