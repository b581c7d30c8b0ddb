package liquidation

import (
	"context"
	"sort"
	"sync"
	"time"

	"perpx.com/pkg/futures"
	"perpx.com/pkg/risk/perp"
)

// =============================================================================
// Mock PositionSource
// =============================================================================

// mockSource 内存持仓 + 预设风险指标
type mockSource struct {
	mu        sync.Mutex
	positions map[futures.PositionID]futures.Position
	metrics   map[futures.PositionID]perp.Metrics
	products  map[uint64]futures.Product
}

func newMockSource() *mockSource {
	return &mockSource{
		positions: make(map[futures.PositionID]futures.Position),
		metrics:   make(map[futures.PositionID]perp.Metrics),
		products: map[uint64]futures.Product{
			1: {ID: 1, Token: "BTC"},
			2: {ID: 2, Token: "ETH"},
		},
	}
}

// add 添加一条持仓，ratio 决定风险等级，liquidatable 模拟价格已越过强平价
func (m *mockSource) add(owner string, productID uint64, ratio float64, liquidatable bool) futures.PositionID {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := futures.GetPositionID(owner, productID, true)
	m.positions[id] = futures.Position{ID: id, Owner: owner, ProductID: productID, IsLong: true, Margin: 100 * futures.Base}
	m.metrics[id] = perp.Metrics{RiskRatio: ratio, Liquidatable: liquidatable}
	return id
}

func (m *mockSource) setRisk(id futures.PositionID, ratio float64, liquidatable bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.metrics[id] = perp.Metrics{RiskRatio: ratio, Liquidatable: liquidatable}
}

func (m *mockSource) remove(id futures.PositionID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.positions, id)
	delete(m.metrics, id)
}

func (m *mockSource) ListPositions(f futures.PositionFilter) []futures.Position {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]futures.Position, 0, len(m.positions))
	for _, p := range m.positions {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (m *mockSource) GetPositionByID(id futures.PositionID) (futures.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.positions[id]
	if !ok {
		return futures.Position{}, futures.ErrPositionNotFound
	}
	return p, nil
}

func (m *mockSource) GetProduct(id uint64) (futures.Product, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.products[id]
	if !ok {
		return futures.Product{}, futures.ErrProductNotFound
	}
	return p, nil
}

func (m *mockSource) PositionMetrics(id futures.PositionID) (perp.Metrics, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mt, ok := m.metrics[id]
	if !ok {
		return perp.Metrics{}, futures.ErrPositionNotFound
	}
	return mt, nil
}

// =============================================================================
// Mock Executor
// =============================================================================

// mockExecutor 记录收到的批次，按 source 删除被强平的持仓
type mockExecutor struct {
	mu     sync.Mutex
	tasks  []LiquidationTask
	source *mockSource
	delay  time.Duration
	err    error
}

func (m *mockExecutor) Execute(ctx context.Context, task LiquidationTask) LiquidationResult {
	if m.delay > 0 {
		time.Sleep(m.delay)
	}
	m.mu.Lock()
	m.tasks = append(m.tasks, task)
	m.mu.Unlock()

	if m.err != nil {
		return LiquidationResult{Submitted: len(task.PositionIDs), Error: m.err}
	}
	if m.source != nil {
		for _, id := range task.PositionIDs {
			m.source.remove(id)
		}
	}
	return LiquidationResult{
		Submitted:  len(task.PositionIDs),
		Liquidated: len(task.PositionIDs),
		ExecutedAt: time.Now(),
	}
}

func (m *mockExecutor) executed() []futures.PositionID {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []futures.PositionID
	for _, t := range m.tasks {
		ids = append(ids, t.PositionIDs...)
	}
	return ids
}

func (m *mockExecutor) batches() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tasks)
}
