package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTP 请求指标
	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "requests_total",
			Help: "Total number of requests",
		},
		[]string{"service", "method", "status"},
	)

	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "request_duration_seconds",
			Help:    "Request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"service", "method"},
	)

	// 上传流水线各阶段结果
	UploadStagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "material_upload_stages_total",
			Help: "Upload pipeline stage outcomes",
		},
		[]string{"stage", "result"},
	)

	UploadDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "material_upload_duration_seconds",
			Help:    "End-to-end upload pipeline duration",
			Buckets: []float64{0.5, 1, 2, 5, 10, 20, 30, 60},
		},
		[]string{"outcome"},
	)

	UploadCleanupsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "material_upload_cleanups_total",
			Help: "Compensating deletes issued for abandoned uploads",
		},
		[]string{"result"},
	)

	ListingCacheLookups = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "material_listing_cache_lookups_total",
			Help: "Listing cache lookups by result (hit, miss, stale)",
		},
		[]string{"result"},
	)

	ListingCacheEvictions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "material_listing_cache_evictions_total",
			Help: "Listing cache evictions by reason",
		},
		[]string{"reason"},
	)

	AssignmentsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "material_assignments_total",
			Help: "Assignment requests by result",
		},
		[]string{"result"},
	)

	NotificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "student_notifications_total",
			Help: "Student notifications by result",
		},
		[]string{"result"},
	)
)

func init() {
	// 注册所有指标
	prometheus.MustRegister(
		RequestsTotal,
		RequestDuration,
		UploadStagesTotal,
		UploadDuration,
		UploadCleanupsTotal,
		ListingCacheLookups,
		ListingCacheEvictions,
		AssignmentsTotal,
		NotificationsTotal,
	)
}

// StartMetricsServer 启动独立的 metrics HTTP 服务器
func StartMetricsServer(port string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: ":" + port, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			panic("failed to start metrics server: " + err.Error())
		}
	}()
	return srv
}

// RecordRequest 记录请求指标的助手函数
func RecordRequest(service, method, status string, duration time.Duration) {
	RequestsTotal.WithLabelValues(service, method, status).Inc()
	RequestDuration.WithLabelValues(service, method).Observe(duration.Seconds())
}
