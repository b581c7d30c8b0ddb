// 文件: pkg/metrics/metrics.go
// Prometheus 指标
//
// 全部用 promauto 注册到默认 registry，/metrics 直接暴露

package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// PositionsOpened 开仓/加仓次数
	PositionsOpened = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "perpx_positions_opened_total",
		Help: "Total number of position opens and increases",
	}, []string{"side"})

	// PositionsClosed 平仓次数 (reason: close / liquidation)
	PositionsClosed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "perpx_positions_closed_total",
		Help: "Total number of position closes",
	}, []string{"side", "reason"})

	// Liquidations 强平成功笔数
	Liquidations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "perpx_liquidations_total",
		Help: "Total number of liquidated positions",
	})

	// VaultBalance 金库余额 (Base 精度换算成浮点)
	VaultBalance = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "perpx_vault_balance",
		Help: "Current vault backing capital",
	})

	// OpenInterest 每个产品的多空持仓量
	OpenInterest = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "perpx_open_interest",
		Help: "Open interest per product and side",
	}, []string{"product", "side"})

	// OrdersExecuted 条件单执行结果
	OrdersExecuted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "perpx_orders_executed_total",
		Help: "Conditional orders executed, by kind and result",
	}, []string{"kind", "result"})

	// KeeperBatches keeper 提交批次 (keeper: liquidation / order)
	KeeperBatches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "perpx_keeper_batches_total",
		Help: "Keeper batches submitted to the engine, by keeper and result",
	}, []string{"keeper", "result"})

	// OpLatency 引擎操作耗时
	OpLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "perpx_op_latency_seconds",
		Help:    "Engine operation latency in seconds",
		Buckets: []float64{0.00005, 0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1},
	}, []string{"op"})

	// WebSocketClients WS 连接数
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "perpx_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal HTTP 请求数
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "perpx_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration HTTP 请求耗时
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "perpx_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

// ObserveOp 记录一次操作耗时
//
//	defer metrics.ObserveOp("open", time.Now())
func ObserveOp(op string, start time.Time) {
	OpLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

// Handler /metrics
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware 记录 HTTP 请求指标
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapped, r)

		// 用路由模板做 label，避免 /positions/{id} 把基数打爆
		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				path = pattern
			}
		}
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
