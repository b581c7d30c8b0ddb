// 文件: pkg/futures/state.go
// 引擎状态 + 事务覆盖层
//
// 【设计】
// 所有可变状态集中在 State 一个结构体里，由引擎实例独占。
// 每个操作先 begin() 一个 txn，读写都走覆盖层 (copy-on-read)，
// 校验/转账全部成功后才 commit() 写回；中途失败直接丢弃 txn，状态不变。
// commit() 同时产出本次变更集 (Changeset)，持久化和发事件都用它

package futures

import (
	"perpx.com/pkg/event"
)

// =============================================================================
// State - 引擎全部状态
// =============================================================================

// State 引擎状态
type State struct {
	Vault             Vault
	Rewards           RewardPools
	TotalWeight       int64
	TotalOpenInterest int64
	Products          map[uint64]*Product
	Positions         map[PositionID]*Position
	Stakes            map[string]*Stake
}

// NewState 创建空状态
func NewState() *State {
	return &State{
		Vault:     Vault{ID: 1},
		Rewards:   RewardPools{ID: 1},
		Products:  make(map[uint64]*Product),
		Positions: make(map[PositionID]*Position),
		Stakes:    make(map[string]*Stake),
	}
}

// recompute 从产品表重建聚合值 (加载持久化状态后调用)
func (s *State) recompute() {
	s.TotalWeight = 0
	s.TotalOpenInterest = 0
	for _, p := range s.Products {
		s.TotalWeight += p.Weight
		s.TotalOpenInterest += p.TotalOpenInterest()
	}
}

// =============================================================================
// Changeset - 一次提交的变更集
// =============================================================================

// Changeset 一次提交产生的全部变更
type Changeset struct {
	Vault            Vault
	Rewards          RewardPools
	Products         []Product
	Positions        []Position
	DeletedPositions []PositionID
	Stakes           []Stake
	DeletedStakes    []string
	Events           []event.Event
}

// =============================================================================
// txn - 事务覆盖层
// =============================================================================

type txn struct {
	st *State

	vault       Vault
	rewards     RewardPools
	totalWeight int64
	totalOI     int64

	// 覆盖层: 值为 nil 表示已删除
	products  map[uint64]*Product
	positions map[PositionID]*Position
	stakes    map[string]*Stake

	events []event.Event
}

func (s *State) begin() *txn {
	return &txn{
		st:          s,
		vault:       s.Vault,
		rewards:     s.Rewards,
		totalWeight: s.TotalWeight,
		totalOI:     s.TotalOpenInterest,
		products:    make(map[uint64]*Product),
		positions:   make(map[PositionID]*Position),
		stakes:      make(map[string]*Stake),
	}
}

func (t *txn) product(id uint64) (*Product, bool) {
	if p, ok := t.products[id]; ok {
		return p, p != nil
	}
	p, ok := t.st.Products[id]
	if !ok {
		return nil, false
	}
	cp := *p
	t.products[id] = &cp
	return &cp, true
}

func (t *txn) putProduct(p *Product) {
	t.products[p.ID] = p
}

func (t *txn) position(id PositionID) (*Position, bool) {
	if p, ok := t.positions[id]; ok {
		return p, p != nil
	}
	p, ok := t.st.Positions[id]
	if !ok {
		return nil, false
	}
	cp := *p
	t.positions[id] = &cp
	return &cp, true
}

func (t *txn) putPosition(p *Position) {
	t.positions[p.ID] = p
}

func (t *txn) deletePosition(id PositionID) {
	t.positions[id] = nil
}

func (t *txn) stake(owner string) (*Stake, bool) {
	if s, ok := t.stakes[owner]; ok {
		return s, s != nil
	}
	s, ok := t.st.Stakes[owner]
	if !ok {
		return nil, false
	}
	cp := *s
	t.stakes[owner] = &cp
	return &cp, true
}

func (t *txn) putStake(s *Stake) {
	t.stakes[s.Owner] = s
}

func (t *txn) deleteStake(owner string) {
	t.stakes[owner] = nil
}

func (t *txn) emit(e event.Event) {
	t.events = append(t.events, e)
}

// commit 把覆盖层写回 State，返回变更集
// 调用方必须持有状态写锁
func (t *txn) commit() *Changeset {
	s := t.st
	cs := &Changeset{
		Vault:   t.vault,
		Rewards: t.rewards,
		Events:  t.events,
	}

	s.Vault = t.vault
	s.Rewards = t.rewards
	s.TotalWeight = t.totalWeight
	s.TotalOpenInterest = t.totalOI

	for id, p := range t.products {
		if p == nil {
			continue
		}
		s.Products[id] = p
		cs.Products = append(cs.Products, *p)
	}
	for id, p := range t.positions {
		if p == nil {
			if _, existed := s.Positions[id]; existed {
				delete(s.Positions, id)
				cs.DeletedPositions = append(cs.DeletedPositions, id)
			}
			continue
		}
		s.Positions[id] = p
		cs.Positions = append(cs.Positions, *p)
	}
	for owner, st := range t.stakes {
		if st == nil {
			if _, existed := s.Stakes[owner]; existed {
				delete(s.Stakes, owner)
				cs.DeletedStakes = append(cs.DeletedStakes, owner)
			}
			continue
		}
		s.Stakes[owner] = st
		cs.Stakes = append(cs.Stakes, *st)
	}
	return cs
}
