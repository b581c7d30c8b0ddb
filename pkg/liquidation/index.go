// 文件: pkg/liquidation/index.go
// 高风险持仓索引
//
// 只收 Warning / Danger / Critical 三档。整个索引是一个不可变快照，
// 写入时复制一份改完再原子换指针: 检查器和价格回调读得多，扫描和复查写得少

package liquidation

import (
	"sync"
	"sync/atomic"

	"perpx.com/pkg/futures"
)

// tracked 是否进索引
func tracked(level RiskLevel) bool {
	return level >= RiskLevelWarning && level <= RiskLevelCritical
}

// riskSnapshot 索引的一个版本，发布后只读
type riskSnapshot struct {
	entries map[futures.PositionID]PositionRiskData
	byToken map[string]map[futures.PositionID]struct{}
}

func emptySnapshot() *riskSnapshot {
	return &riskSnapshot{
		entries: make(map[futures.PositionID]PositionRiskData),
		byToken: make(map[string]map[futures.PositionID]struct{}),
	}
}

// clone 外层 map 全部复制，byToken 的内层集合按需在 put/drop 里复制
func (s *riskSnapshot) clone() *riskSnapshot {
	c := &riskSnapshot{
		entries: make(map[futures.PositionID]PositionRiskData, len(s.entries)+1),
		byToken: make(map[string]map[futures.PositionID]struct{}, len(s.byToken)),
	}
	for id, d := range s.entries {
		c.entries[id] = d
	}
	for token, ids := range s.byToken {
		c.byToken[token] = ids
	}
	return c
}

func (s *riskSnapshot) drop(id futures.PositionID) {
	old, ok := s.entries[id]
	if !ok {
		return
	}
	delete(s.entries, id)
	ids := s.byToken[old.Token]
	if len(ids) <= 1 {
		delete(s.byToken, old.Token)
		return
	}
	next := make(map[futures.PositionID]struct{}, len(ids)-1)
	for k := range ids {
		if k != id {
			next[k] = struct{}{}
		}
	}
	s.byToken[old.Token] = next
}

func (s *riskSnapshot) put(d PositionRiskData) {
	s.drop(d.PositionID)
	s.entries[d.PositionID] = d
	ids := s.byToken[d.Token]
	next := make(map[futures.PositionID]struct{}, len(ids)+1)
	for k := range ids {
		next[k] = struct{}{}
	}
	next[d.PositionID] = struct{}{}
	s.byToken[d.Token] = next
}

// RiskLevelIndex 高风险持仓索引，读路径无锁
type RiskLevelIndex struct {
	snap    atomic.Pointer[riskSnapshot]
	writeMu sync.Mutex
}

func NewRiskLevelIndex() *RiskLevelIndex {
	idx := &RiskLevelIndex{}
	idx.snap.Store(emptySnapshot())
	return idx
}

// GetByLevel 某一档的全部持仓。Safe 和 Liquidate 不在索引里，返回 nil
func (idx *RiskLevelIndex) GetByLevel(level RiskLevel) []PositionRiskData {
	if !tracked(level) {
		return nil
	}
	var out []PositionRiskData
	for _, d := range idx.snap.Load().entries {
		if d.Level == level {
			out = append(out, d)
		}
	}
	return out
}

func (idx *RiskLevelIndex) Get(id futures.PositionID) (PositionRiskData, bool) {
	d, ok := idx.snap.Load().entries[id]
	return d, ok
}

// GetByToken 挂在某个价格源上的持仓
func (idx *RiskLevelIndex) GetByToken(token string) []futures.PositionID {
	ids := idx.snap.Load().byToken[token]
	if len(ids) == 0 {
		return nil
	}
	out := make([]futures.PositionID, 0, len(ids))
	for id := range ids {
		out = append(out, id)
	}
	return out
}

// TotalCount 三档合计
func (idx *RiskLevelIndex) TotalCount() int {
	return len(idx.snap.Load().entries)
}

// Update 按 data.Level 放进对应档位，不属于三档的从索引里拿掉
func (idx *RiskLevelIndex) Update(data PositionRiskData) {
	idx.writeMu.Lock()
	defer idx.writeMu.Unlock()

	cur := idx.snap.Load()
	if _, ok := cur.entries[data.PositionID]; !ok && !tracked(data.Level) {
		return
	}
	next := cur.clone()
	if tracked(data.Level) {
		next.put(data)
	} else {
		next.drop(data.PositionID)
	}
	idx.snap.Store(next)
}

func (idx *RiskLevelIndex) Remove(id futures.PositionID) {
	idx.Update(PositionRiskData{PositionID: id, Level: RiskLevelSafe})
}

// Rebuild 用一轮全量扫描的结果替换整个索引，新结果里没有的持仓一并消失
func (idx *RiskLevelIndex) Rebuild(warning, danger, critical []PositionRiskData) {
	next := emptySnapshot()
	for _, group := range [][]PositionRiskData{warning, danger, critical} {
		for _, d := range group {
			next.entries[d.PositionID] = d
			ids := next.byToken[d.Token]
			if ids == nil {
				ids = make(map[futures.PositionID]struct{})
				next.byToken[d.Token] = ids
			}
			ids[d.PositionID] = struct{}{}
		}
	}
	idx.writeMu.Lock()
	idx.snap.Store(next)
	idx.writeMu.Unlock()
}
