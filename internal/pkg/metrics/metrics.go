package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// 全量更新
var (
	UpdateRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fiyattakibi_update_runs_total",
		Help: "Full update runs by outcome (completed, stopped, failed, rejected).",
	}, []string{"outcome"})

	UpdatePhase = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fiyattakibi_update_phase",
		Help: "Current update phase (0 idle, 1 retailer A, 2 retailer B, 3 competitor site, 4 error).",
	})

	UpdateDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "fiyattakibi_update_duration_seconds",
		Help:    "Duration of completed full update runs.",
		Buckets: []float64{30, 60, 120, 300, 600, 1200, 2400, 3600},
	})

	ProductRefreshTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fiyattakibi_product_refresh_total",
		Help: "Per-product retailer refresh results.",
	}, []string{"platform", "status"})

	ProductRefreshDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "fiyattakibi_product_refresh_duration_seconds",
		Help:    "Per-product retailer refresh latency.",
		Buckets: prometheus.DefBuckets,
	}, []string{"platform"})

	ActiveRefreshes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fiyattakibi_active_refreshes",
		Help: "Retailer refreshes currently in flight.",
	})

	DiscountedProducts = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fiyattakibi_discounted_products",
		Help: "Products whose last refresh ended Down or Restocked.",
	})
)

// 抓取会话与竞品队列
var (
	ScrapeSessionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fiyattakibi_scrape_sessions_total",
		Help: "Scrape sessions by kind and result.",
	}, []string{"kind", "result"})

	ScrapeSessionDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "fiyattakibi_scrape_session_duration_seconds",
		Help:    "Scrape session lifetime from open to close.",
		Buckets: []float64{1, 2, 5, 10, 20, 30, 45, 60},
	}, []string{"kind"})

	AntiBotSurfacedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fiyattakibi_antibot_surfaced_total",
		Help: "Sessions that hit an anti-bot interstitial and were surfaced.",
	}, []string{"kind"})

	CompetitorQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fiyattakibi_competitor_queue_depth",
		Help: "Pending competitor scrape requests.",
	})

	CompetitorStrategyTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fiyattakibi_competitor_strategy_total",
		Help: "Competitor history extraction strategy that produced the result.",
	}, []string{"strategy"})

	ErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fiyattakibi_errors_total",
		Help: "Errors by component and type.",
	}, []string{"component", "type"})
)

// 限流与通知
var (
	RateLimitWaitDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "fiyattakibi_rate_limit_wait_seconds",
		Help:    "Time spent waiting for a retailer rate limit token.",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10},
	})

	RateLimitTimeoutTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fiyattakibi_rate_limit_timeout_total",
		Help: "Rate limit waits abandoned because the context ended.",
	})

	NotificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fiyattakibi_notifications_total",
		Help: "Change notifications by kind and result.",
	}, []string{"kind", "result"})

	OutboxJobsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fiyattakibi_outbox_jobs_total",
		Help: "Asynchronous deliveries (notifications, price reports) by result.",
	}, []string{"name", "result"})
)
