// 文件: pkg/api/order_handlers.go
// 条件单

package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"perpx.com/pkg/order"
)

// OrdersResponse 账户挂单
type OrdersResponse struct {
	Open       []order.OpenOrder  `json:"open"`
	Close      []order.CloseOrder `json:"close"`
	UnpaidFees int64              `json:"unpaid_fees"`
}

func (s *Server) listOrders(w http.ResponseWriter, r *http.Request) {
	account := chi.URLParam(r, "account")
	writeJSON(w, http.StatusOK, OrdersResponse{
		Open:       s.book.ListOpenOrders(account),
		Close:      s.book.ListCloseOrders(account),
		UnpaidFees: s.book.UnpaidFees(account),
	})
}

func (s *Server) listHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeError(w, "order history not enabled", http.StatusNotImplemented)
		return
	}
	limit, ok := queryInt(r, "limit", 50, 1, 500)
	if !ok {
		writeError(w, "invalid limit", http.StatusBadRequest)
		return
	}
	history, err := s.history.ListHistory(r.Context(), chi.URLParam(r, "account"), limit)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, history)
}

func (s *Server) createOpenOrder(w http.ResponseWriter, r *http.Request) {
	var req order.OpenOrderRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Account == "" {
		req.Account = sender(r)
	}
	o, err := s.book.CreateOpenOrder(r.Context(), sender(r), req)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, o)
}

// UpdateOrderRequest 修改挂单；开仓单用 Leverage，平仓单用 Size
type UpdateOrderRequest struct {
	Account               string `json:"account"`
	Leverage              int64  `json:"leverage"`
	Size                  int64  `json:"size"`
	TriggerPrice          int64  `json:"trigger_price"`
	TriggerAboveThreshold bool   `json:"trigger_above_threshold"`
}

func (s *Server) updateOpenOrder(w http.ResponseWriter, r *http.Request) {
	index, ok := uintParam(w, r, "index")
	if !ok {
		return
	}
	var req UpdateOrderRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Account == "" {
		req.Account = sender(r)
	}
	o, err := s.book.UpdateOpenOrder(r.Context(), sender(r), req.Account, index, req.Leverage, req.TriggerPrice, req.TriggerAboveThreshold)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

func (s *Server) cancelOpenOrder(w http.ResponseWriter, r *http.Request) {
	index, ok := uintParam(w, r, "index")
	if !ok {
		return
	}
	if err := s.book.CancelOpenOrder(r.Context(), sender(r), accountQuery(r), index); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) createCloseOrder(w http.ResponseWriter, r *http.Request) {
	var req order.CloseOrderRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Account == "" {
		req.Account = sender(r)
	}
	o, err := s.book.CreateCloseOrder(r.Context(), sender(r), req)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, o)
}

func (s *Server) updateCloseOrder(w http.ResponseWriter, r *http.Request) {
	index, ok := uintParam(w, r, "index")
	if !ok {
		return
	}
	var req UpdateOrderRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Account == "" {
		req.Account = sender(r)
	}
	o, err := s.book.UpdateCloseOrder(r.Context(), sender(r), req.Account, index, req.Size, req.TriggerPrice, req.TriggerAboveThreshold)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

func (s *Server) cancelCloseOrder(w http.ResponseWriter, r *http.Request) {
	index, ok := uintParam(w, r, "index")
	if !ok {
		return
	}
	if err := s.book.CancelCloseOrder(r.Context(), sender(r), accountQuery(r), index); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ExecuteOrdersRequest keeper 批量执行
type ExecuteOrdersRequest struct {
	Open        []order.OrderRef `json:"open"`
	Close       []order.OrderRef `json:"close"`
	FeeReceiver string           `json:"fee_receiver"`
}

// BatchResponse 批量结果
type BatchResponse struct {
	Results   []order.Result `json:"results"`
	Succeeded int            `json:"succeeded"`
	Failed    int            `json:"failed"`
}

func batchResponse(report order.BatchReport) BatchResponse {
	results := report.Results
	if results == nil {
		results = []order.Result{}
	}
	return BatchResponse{Results: results, Succeeded: report.Succeeded(), Failed: report.Failed()}
}

func (s *Server) executeOrders(w http.ResponseWriter, r *http.Request) {
	var req ExecuteOrdersRequest
	if !decode(w, r, &req) {
		return
	}
	report, err := s.book.ExecuteOrders(r.Context(), sender(r), req.Open, req.Close, req.FeeReceiver)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, batchResponse(report))
}

// CancelOrdersRequest 批量撤单
type CancelOrdersRequest struct {
	Account string   `json:"account"`
	Open    []uint64 `json:"open"`
	Close   []uint64 `json:"close"`
}

func (s *Server) cancelOrders(w http.ResponseWriter, r *http.Request) {
	var req CancelOrdersRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Account == "" {
		req.Account = sender(r)
	}
	report, err := s.book.CancelMultiple(r.Context(), sender(r), req.Account, req.Open, req.Close)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, batchResponse(report))
}

func (s *Server) claimFees(w http.ResponseWriter, r *http.Request) {
	amount, err := s.book.ClaimExecutionFees(r.Context(), sender(r))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"claimed": amount})
}

// accountQuery ?account= 为空时取 X-Account
func accountQuery(r *http.Request) string {
	if account := r.URL.Query().Get("account"); account != "" {
		return account
	}
	return sender(r)
}
