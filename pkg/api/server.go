// 文件: pkg/api/server.go
// HTTP 接口 (chi)
//
// 操作地址取自 X-Account 头，部署时前面挂鉴权网关
//
// ==================== 路由 ====================
//
//	GET  /health
//	GET  /metrics
//	GET  /api/v1/vault
//	GET  /api/v1/products                   GET /api/v1/products/{id}
//	GET  /api/v1/exposure/{productID}
//	GET  /api/v1/positions?account=&product=&long=
//	GET  /api/v1/positions/{id}
//	GET  /api/v1/stakes/{account}
//	GET  /api/v1/orders/{account}           GET /api/v1/orders/{account}/history
//	GET  /api/v1/journals/{account}?symbol=&limit=&offset=
//	GET  /api/v1/journal-events/{eventID}
//	GET  /api/v1/ws
//	POST /api/v1/stake | /redeem | /positions | /positions/{id}/margin | /positions/{id}/close | /liquidate
//	POST /api/v1/orders/open | /orders/close | /orders/execute | /orders/cancel | /orders/claim
//	PUT/DELETE /api/v1/orders/open/{index}  /api/v1/orders/close/{index}

package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"perpx.com/pkg/fund"
	"perpx.com/pkg/futures"
	"perpx.com/pkg/metrics"
	"perpx.com/pkg/order"
	"perpx.com/pkg/risk/perp"
)

// HeaderAccount 操作地址
const HeaderAccount = "X-Account"

// Engine 交易引擎 (*futures.Engine 实现)
type Engine interface {
	Stake(ctx context.Context, sender, user string, amount int64) error
	Redeem(ctx context.Context, sender, user string, shares int64, receiver string) error
	OpenPosition(ctx context.Context, sender, account string, productID uint64, margin, leverage int64, isLong bool) (futures.PositionID, error)
	AddMargin(ctx context.Context, sender string, id futures.PositionID, margin int64) error
	ClosePositionWithID(ctx context.Context, sender string, id futures.PositionID, margin int64) error
	LiquidatePositions(ctx context.Context, sender string, ids []futures.PositionID) (futures.LiquidationReport, error)

	GetVault() futures.Vault
	GetRewards() futures.RewardPools
	GetTotalOpenInterest() int64
	GetProduct(id uint64) (futures.Product, error)
	ListProducts() []futures.Product
	GetMaxExposure(weight int64) (int64, error)
	GetStake(owner string) (futures.Stake, error)
	PositionRisk(id futures.PositionID) (futures.PositionRisk, error)
	ListPositionRisks(f futures.PositionFilter) []futures.PositionRisk
}

// OrderBook 条件单簿 (*order.OrderBook 实现)
type OrderBook interface {
	CreateOpenOrder(ctx context.Context, sender string, req order.OpenOrderRequest) (order.OpenOrder, error)
	UpdateOpenOrder(ctx context.Context, sender, account string, index uint64, leverage, triggerPrice int64, triggerAbove bool) (order.OpenOrder, error)
	CancelOpenOrder(ctx context.Context, sender, account string, index uint64) error
	CreateCloseOrder(ctx context.Context, sender string, req order.CloseOrderRequest) (order.CloseOrder, error)
	UpdateCloseOrder(ctx context.Context, sender, account string, index uint64, size, triggerPrice int64, triggerAbove bool) (order.CloseOrder, error)
	CancelCloseOrder(ctx context.Context, sender, account string, index uint64) error
	ExecuteOrders(ctx context.Context, sender string, open, closing []order.OrderRef, feeReceiver string) (order.BatchReport, error)
	CancelMultiple(ctx context.Context, sender, account string, openIndexes, closeIndexes []uint64) (order.BatchReport, error)
	ClaimExecutionFees(ctx context.Context, sender string) (int64, error)

	ListOpenOrders(account string) []order.OpenOrder
	ListCloseOrders(account string) []order.CloseOrder
	UnpaidFees(receiver string) int64
}

var (
	_ Engine    = (*futures.Engine)(nil)
	_ OrderBook = (*order.OrderBook)(nil)
)

// Server HTTP 服务
type Server struct {
	engine  Engine
	book    OrderBook
	history  order.HistoryReader // 可选
	journals JournalReader       // 可选
	ws       http.HandlerFunc    // 可选
}

// Option 可选组件
type Option func(*Server)

// WithHistory 挂单历史查询
func WithHistory(h order.HistoryReader) Option {
	return func(s *Server) { s.history = h }
}

// WithWebSocket 事件推送
func WithWebSocket(h http.HandlerFunc) Option {
	return func(s *Server) { s.ws = h }
}

// NewServer 创建服务
func NewServer(engine Engine, book OrderBook, opts ...Option) *Server {
	s := &Server{engine: engine, book: book}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Routes 构建路由
func (s *Server) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": "perpd"})
	})
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		if s.ws != nil {
			r.Get("/ws", s.ws)
		}

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(30 * time.Second))

			r.Get("/vault", s.getVault)
			r.Get("/products", s.listProducts)
			r.Get("/products/{id}", s.getProduct)
			r.Get("/exposure/{productID}", s.getExposure)
			r.Get("/positions", s.listPositions)
			r.Get("/positions/{id}", s.getPosition)
			r.Get("/stakes/{account}", s.getStake)
			r.Get("/orders/{account}", s.listOrders)
			r.Get("/orders/{account}/history", s.listHistory)
			r.Get("/journals/{account}", s.listJournals)
			r.Get("/journal-events/{eventID}", s.getJournal)

			r.Group(func(r chi.Router) {
				r.Use(requireAccount)

				r.Post("/stake", s.stake)
				r.Post("/redeem", s.redeem)
				r.Post("/positions", s.openPosition)
				r.Post("/positions/{id}/margin", s.addMargin)
				r.Post("/positions/{id}/close", s.closePosition)
				r.Post("/liquidate", s.liquidate)

				r.Post("/orders/open", s.createOpenOrder)
				r.Put("/orders/open/{index}", s.updateOpenOrder)
				r.Delete("/orders/open/{index}", s.cancelOpenOrder)
				r.Post("/orders/close", s.createCloseOrder)
				r.Put("/orders/close/{index}", s.updateCloseOrder)
				r.Delete("/orders/close/{index}", s.cancelCloseOrder)
				r.Post("/orders/execute", s.executeOrders)
				r.Post("/orders/cancel", s.cancelOrders)
				r.Post("/orders/claim", s.claimFees)
			})
		})
	})
	return r
}

// =============================================================================
// 公共
// =============================================================================

type accountKey struct{}

// requireAccount 要求 X-Account
func requireAccount(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		account := r.Header.Get(HeaderAccount)
		if account == "" {
			writeError(w, "missing "+HeaderAccount+" header", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), accountKey{}, account)))
	})
}

func sender(r *http.Request) string {
	account, _ := r.Context().Value(accountKey{}).(string)
	return account
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}

// writeDomainError 领域错误 → HTTP 状态码
func writeDomainError(w http.ResponseWriter, err error) {
	writeError(w, err.Error(), statusOf(err))
}

func statusOf(err error) int {
	switch {
	case anyIs(err, futures.ErrProductNotFound, futures.ErrPositionNotFound, futures.ErrStakeNotFound, order.ErrOrderNotFound):
		return http.StatusNotFound
	case anyIs(err, futures.ErrNotAllowed, futures.ErrNotOwner, order.ErrNotKeeper):
		return http.StatusForbidden
	case anyIs(err, futures.ErrReentrant, futures.ErrStakingPeriod, order.ErrExecuteTooEarly, order.ErrCancelTooEarly,
		order.ErrTriggerNotMet, order.ErrTradeFeeChanged, futures.ErrProductExists):
		return http.StatusConflict
	case anyIs(err, futures.ErrPriceNotFound, futures.ErrPriceStale):
		return http.StatusServiceUnavailable
	case anyIs(err,
		futures.ErrTradeDisabled, futures.ErrMarginTooLow, futures.ErrInvalidLeverage, futures.ErrExposureExceeded,
		futures.ErrInvalidParameters, futures.ErrInvalidAmount, futures.ErrProductInactive, futures.ErrInvalidProduct,
		futures.ErrVaultCapExceeded, futures.ErrInsufficientVaultBalance, futures.ErrStakeTooLow, futures.ErrInvalidShares,
		futures.ErrUtilizationExceeded, perp.ErrCurveSingularity, perp.ErrOverflow,
		order.ErrInvalidOrder, order.ErrExecutionFeeTooLow, order.ErrNothingToClaim, fund.ErrInsufficientBalance):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func anyIs(err error, targets ...error) bool {
	for _, t := range targets {
		if errors.Is(err, t) {
			return true
		}
	}
	return false
}
