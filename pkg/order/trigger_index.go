// 文件: pkg/order/trigger_index.go
// 触发价索引 - 让 keeper 不用遍历全部挂单
//
// 【索引结构】
// 按 (token, 方向) 分桶，桶内按触发价排序:
// - above 桶: 价格涨到 >= 触发价时触发 → 查 score <= 当前价
// - below 桶: 价格跌到 <= 触发价时触发 → 查 score >= 当前价
//
// 索引只是候选集，执行时挂单簿还会用最新预言机价格再校验一次

package order

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"sync"
)

// TriggerEntry 索引条目
type TriggerEntry struct {
	Kind         Kind   `json:"kind"`
	Account      string `json:"account"`
	Index        uint64 `json:"index"`
	Token        string `json:"token"`
	TriggerPrice int64  `json:"trigger_price"`
	Above        bool   `json:"above"`
	ExecutableAt int64  `json:"executable_at"` // Unix 秒，早于此时间执行会失败
}

// Ref 定位
func (e TriggerEntry) Ref() OrderRef {
	return OrderRef{Account: e.Account, Index: e.Index}
}

// member 索引成员: kind:index:executableAt:account (account 放最后，里面有冒号也能解析)
func (e TriggerEntry) member() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	b.WriteByte(':')
	b.WriteString(strconv.FormatUint(e.Index, 10))
	b.WriteByte(':')
	b.WriteString(strconv.FormatInt(e.ExecutableAt, 10))
	b.WriteByte(':')
	b.WriteString(e.Account)
	return b.String()
}

// parseMember 解析 member()
func parseMember(member string) (TriggerEntry, bool) {
	kind, rest, ok := strings.Cut(member, ":")
	if !ok {
		return TriggerEntry{}, false
	}
	indexStr, rest, ok := strings.Cut(rest, ":")
	if !ok {
		return TriggerEntry{}, false
	}
	atStr, account, ok := strings.Cut(rest, ":")
	if !ok {
		return TriggerEntry{}, false
	}
	index, err := strconv.ParseUint(indexStr, 10, 64)
	if err != nil {
		return TriggerEntry{}, false
	}
	at, err := strconv.ParseInt(atStr, 10, 64)
	if err != nil {
		return TriggerEntry{}, false
	}
	return TriggerEntry{Kind: Kind(kind), Account: account, Index: index, ExecutableAt: at}, true
}

// TriggerIndex 触发价索引
type TriggerIndex interface {
	// Add 新增或覆盖
	Add(ctx context.Context, e TriggerEntry) error
	// Remove 删除，不存在不报错
	Remove(ctx context.Context, kind Kind, ref OrderRef) error
	// Triggered 当前价格下满足触发条件的条目 (不删除)
	Triggered(ctx context.Context, token string, price int64) ([]TriggerEntry, error)
}

// =============================================================================
// MemoryTriggerIndex
// =============================================================================

type triggerKey struct {
	kind Kind
	ref  OrderRef
}

// MemoryTriggerIndex 内存索引 (单进程部署 / 测试)
type MemoryTriggerIndex struct {
	mu      sync.RWMutex
	entries map[triggerKey]TriggerEntry
}

// NewMemoryTriggerIndex 创建内存索引
func NewMemoryTriggerIndex() *MemoryTriggerIndex {
	return &MemoryTriggerIndex{entries: make(map[triggerKey]TriggerEntry)}
}

func (m *MemoryTriggerIndex) Add(ctx context.Context, e TriggerEntry) error {
	m.mu.Lock()
	m.entries[triggerKey{e.Kind, e.Ref()}] = e
	m.mu.Unlock()
	return nil
}

func (m *MemoryTriggerIndex) Remove(ctx context.Context, kind Kind, ref OrderRef) error {
	m.mu.Lock()
	delete(m.entries, triggerKey{kind, ref})
	m.mu.Unlock()
	return nil
}

// Triggered 按触发价排序返回 (above 桶价低的先，below 桶价高的先)
func (m *MemoryTriggerIndex) Triggered(ctx context.Context, token string, price int64) ([]TriggerEntry, error) {
	m.mu.RLock()
	var out []TriggerEntry
	for _, e := range m.entries {
		if e.Token == token && triggerMet(e.Above, e.TriggerPrice, price) {
			out = append(out, e)
		}
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Above != b.Above {
			return a.Above
		}
		if a.TriggerPrice != b.TriggerPrice {
			if a.Above {
				return a.TriggerPrice < b.TriggerPrice
			}
			return a.TriggerPrice > b.TriggerPrice
		}
		return a.member() < b.member()
	})
	return out, nil
}

// Len 条目数
func (m *MemoryTriggerIndex) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}
