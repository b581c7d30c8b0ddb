// 文件: pkg/futures/guard.go
// 重入保护
//
// 【问题】
// 转账回调 (比如代币合约/外部账本) 可能反过来再调用引擎，
// 在状态还没提交时读到一半的数据。
//
// 【方案】
// Guard = 信号量 + context 标记:
// - Enter 时检查 ctx 里是否已有本 Guard 的标记，有就是重入，直接拒绝
// - 否则占住信号量，并返回带标记的新 ctx；所有下游调用 (包括转账) 都拿这个 ctx
// - release 在 defer 里调用，任何返回路径都会释放
//
// 回调如果丢了 ctx (换成 context.Background())，标记检查不到。
// 这种情况下等锁最多 WaitTimeout，超时返回 ErrGuardTimeout (也算 ErrReentrant)，
// 不会死锁。并发的正常调用同样受这个上限约束，WaitTimeout 要远大于单次写操作耗时
//
// 不同 Guard 互不影响: 挂单簿持有自己的 Guard 调引擎是合法的

package futures

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

var (
	ErrReentrant    = errors.New("reentrant call")
	ErrGuardTimeout = fmt.Errorf("%w: guard wait timed out", ErrReentrant)
)

// DefaultGuardWaitTimeout 默认等锁上限
const DefaultGuardWaitTimeout = 5 * time.Second

// Guard 重入保护 + 串行化
type Guard struct {
	sem  chan struct{}
	held atomic.Bool

	// WaitTimeout 等锁上限，<=0 表示只受 ctx 约束
	WaitTimeout time.Duration
}

// NewGuard 创建 Guard
func NewGuard() *Guard {
	return &Guard{
		sem:         make(chan struct{}, 1),
		WaitTimeout: DefaultGuardWaitTimeout,
	}
}

// Enter 进入受保护区
//
// 用法:
//
//	ctx, release, err := g.Enter(ctx)
//	if err != nil {
//		return err
//	}
//	defer release()
//
// 受保护区内发起的外部调用必须把返回的 ctx 传下去
func (g *Guard) Enter(ctx context.Context) (context.Context, func(), error) {
	if ctx.Value(g) != nil {
		return ctx, func() {}, ErrReentrant
	}
	if err := g.acquire(ctx); err != nil {
		return ctx, func() {}, err
	}
	g.held.Store(true)

	var once sync.Once
	release := func() {
		once.Do(func() {
			g.held.Store(false)
			<-g.sem
		})
	}
	return context.WithValue(ctx, g, struct{}{}), release, nil
}

func (g *Guard) acquire(ctx context.Context) error {
	select {
	case g.sem <- struct{}{}:
		return nil
	default:
	}

	var timeout <-chan time.Time
	if g.WaitTimeout > 0 {
		timer := time.NewTimer(g.WaitTimeout)
		defer timer.Stop()
		timeout = timer.C
	}
	select {
	case g.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-timeout:
		return ErrGuardTimeout
	}
}

// Entered ctx 是否处于本 Guard 保护区内
func (g *Guard) Entered(ctx context.Context) bool {
	return ctx.Value(g) != nil
}

// Held 当前是否有人在保护区内
func (g *Guard) Held() bool {
	return g.held.Load()
}
