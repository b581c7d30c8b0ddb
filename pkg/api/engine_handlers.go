// 文件: pkg/api/engine_handlers.go
// 金库 / 产品 / 持仓

package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"perpx.com/pkg/futures"
)

// =============================================================================
// 查询
// =============================================================================

// VaultResponse 金库概况
type VaultResponse struct {
	Vault             futures.Vault       `json:"vault"`
	Rewards           futures.RewardPools `json:"rewards"`
	TotalOpenInterest int64               `json:"total_open_interest"`
}

func (s *Server) getVault(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, VaultResponse{
		Vault:             s.engine.GetVault(),
		Rewards:           s.engine.GetRewards(),
		TotalOpenInterest: s.engine.GetTotalOpenInterest(),
	})
}

func (s *Server) listProducts(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.ListProducts())
}

func (s *Server) getProduct(w http.ResponseWriter, r *http.Request) {
	id, ok := uintParam(w, r, "id")
	if !ok {
		return
	}
	p, err := s.engine.GetProduct(id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// ExposureResponse 产品敞口
type ExposureResponse struct {
	ProductID         uint64 `json:"product_id"`
	MaxExposure       int64  `json:"max_exposure"`
	OpenInterestLong  int64  `json:"open_interest_long"`
	OpenInterestShort int64  `json:"open_interest_short"`
	NetExposure       int64  `json:"net_exposure"` // 多 − 空
}

func (s *Server) getExposure(w http.ResponseWriter, r *http.Request) {
	id, ok := uintParam(w, r, "productID")
	if !ok {
		return
	}
	p, err := s.engine.GetProduct(id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	maxExposure, err := s.engine.GetMaxExposure(p.Weight)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ExposureResponse{
		ProductID:         id,
		MaxExposure:       maxExposure,
		OpenInterestLong:  p.OpenInterestLong,
		OpenInterestShort: p.OpenInterestShort,
		NetExposure:       p.OpenInterestLong - p.OpenInterestShort,
	})
}

func (s *Server) listPositions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := futures.PositionFilter{Owner: q.Get("account")}
	if v := q.Get("product"); v != "" {
		id, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			writeError(w, "invalid product", http.StatusBadRequest)
			return
		}
		f.ProductID = id
	}
	if v := q.Get("long"); v != "" {
		isLong, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, "invalid long", http.StatusBadRequest)
			return
		}
		f.IsLong = &isLong
	}
	risks := s.engine.ListPositionRisks(f)
	if risks == nil {
		risks = []futures.PositionRisk{}
	}
	writeJSON(w, http.StatusOK, risks)
}

func (s *Server) getPosition(w http.ResponseWriter, r *http.Request) {
	risk, err := s.engine.PositionRisk(futures.PositionID(chi.URLParam(r, "id")))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, risk)
}

func (s *Server) getStake(w http.ResponseWriter, r *http.Request) {
	stake, err := s.engine.GetStake(chi.URLParam(r, "account"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stake)
}

// =============================================================================
// 金库
// =============================================================================

// StakeRequest 质押，User 为空时给自己质押
type StakeRequest struct {
	User   string `json:"user"`
	Amount int64  `json:"amount"`
}

func (s *Server) stake(w http.ResponseWriter, r *http.Request) {
	var req StakeRequest
	if !decode(w, r, &req) {
		return
	}
	if req.User == "" {
		req.User = sender(r)
	}
	if err := s.engine.Stake(r.Context(), sender(r), req.User, req.Amount); err != nil {
		writeDomainError(w, err)
		return
	}
	stake, err := s.engine.GetStake(req.User)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stake)
}

// RedeemRequest 赎回
type RedeemRequest struct {
	User     string `json:"user"`
	Shares   int64  `json:"shares"`
	Receiver string `json:"receiver"`
}

func (s *Server) redeem(w http.ResponseWriter, r *http.Request) {
	var req RedeemRequest
	if !decode(w, r, &req) {
		return
	}
	if req.User == "" {
		req.User = sender(r)
	}
	if req.Receiver == "" {
		req.Receiver = req.User
	}
	if err := s.engine.Redeem(r.Context(), sender(r), req.User, req.Shares, req.Receiver); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "redeemed"})
}

// =============================================================================
// 持仓
// =============================================================================

// OpenPositionRequest 开仓/加仓，Account 为空时给自己开
type OpenPositionRequest struct {
	Account   string `json:"account"`
	ProductID uint64 `json:"product_id"`
	Margin    int64  `json:"margin"`
	Leverage  int64  `json:"leverage"`
	IsLong    bool   `json:"is_long"`
}

func (s *Server) openPosition(w http.ResponseWriter, r *http.Request) {
	var req OpenPositionRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Account == "" {
		req.Account = sender(r)
	}
	id, err := s.engine.OpenPosition(r.Context(), sender(r), req.Account, req.ProductID, req.Margin, req.Leverage, req.IsLong)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]futures.PositionID{"id": id})
}

// MarginRequest 加保证金 / 平仓数量
type MarginRequest struct {
	Margin int64 `json:"margin"`
}

func (s *Server) addMargin(w http.ResponseWriter, r *http.Request) {
	var req MarginRequest
	if !decode(w, r, &req) {
		return
	}
	id := futures.PositionID(chi.URLParam(r, "id"))
	if err := s.engine.AddMargin(r.Context(), sender(r), id, req.Margin); err != nil {
		writeDomainError(w, err)
		return
	}
	s.getPosition(w, r)
}

func (s *Server) closePosition(w http.ResponseWriter, r *http.Request) {
	var req MarginRequest
	if !decode(w, r, &req) {
		return
	}
	id := futures.PositionID(chi.URLParam(r, "id"))
	if err := s.engine.ClosePositionWithID(r.Context(), sender(r), id, req.Margin); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "closed"})
}

// LiquidateRequest 批量强平
type LiquidateRequest struct {
	IDs []futures.PositionID `json:"ids"`
}

// LiquidationItem 单条强平结果
type LiquidationItem struct {
	ID         futures.PositionID `json:"id"`
	Liquidated bool               `json:"liquidated"`
	Reward     int64              `json:"reward"`
	Error      string             `json:"error,omitempty"`
}

// LiquidateResponse 批量强平结果
type LiquidateResponse struct {
	Results     []LiquidationItem `json:"results"`
	TotalReward int64             `json:"total_reward"`
}

func (s *Server) liquidate(w http.ResponseWriter, r *http.Request) {
	var req LiquidateRequest
	if !decode(w, r, &req) {
		return
	}
	report, err := s.engine.LiquidatePositions(r.Context(), sender(r), req.IDs)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	resp := LiquidateResponse{TotalReward: report.TotalReward, Results: make([]LiquidationItem, 0, len(report.Results))}
	for _, res := range report.Results {
		item := LiquidationItem{ID: res.PositionID, Liquidated: res.Liquidated, Reward: res.Reward}
		if res.Err != nil {
			item.Error = res.Err.Error()
		}
		resp.Results = append(resp.Results, item)
	}
	writeJSON(w, http.StatusOK, resp)
}

func uintParam(w http.ResponseWriter, r *http.Request, name string) (uint64, bool) {
	v, err := strconv.ParseUint(chi.URLParam(r, name), 10, 64)
	if err != nil {
		writeError(w, "invalid "+name, http.StatusBadRequest)
		return 0, false
	}
	return v, true
}
