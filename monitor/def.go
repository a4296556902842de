package monitor

import (
	"HumanCountServer/logger"
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shirou/gopsutil/v4/process"
	"go.uber.org/zap"
)

// Outcome labels.
const (
	OutcomeOK       = "ok"
	OutcomeBusy     = "busy"
	OutcomeError    = "error"
	OutcomeNotFound = "not_found"
)

// Stage labels.
const (
	StageIngest = "ingest"
	StageDetect = "detect"
	StageRender = "render"
)

// Monitor owns the service metrics. A nil *Monitor is valid and records
// nothing, which is what tests and library callers get by default.
type Monitor struct {
	registry *prometheus.Registry
	proc     *process.Process

	predictTotal  *prometheus.CounterVec
	retrieveTotal *prometheus.CounterVec
	stageSeconds  *prometheus.HistogramVec
	peopleTotal   prometheus.Counter
	memUsage      prometheus.Gauge
	cpuUsage      prometheus.Gauge
}

func New() *Monitor {
	m := &Monitor{
		registry: prometheus.NewRegistry(),
		predictTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "predict_requests_total",
			Help: "Prediction requests by outcome",
		}, []string{"outcome"}),
		retrieveTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "artifact_retrievals_total",
			Help: "Artifact retrievals by outcome",
		}, []string{"outcome"}),
		stageSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "pipeline_stage_seconds",
			Help:    "Time spent in each pipeline stage",
			Buckets: prometheus.DefBuckets,
		}, []string{"stage"}),
		peopleTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "people_detected_total",
			Help: "People reported across all predictions",
		}),
		memUsage: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "memory_usage_megabytes",
			Help: "Memory usage in Megabytes",
		}),
		cpuUsage: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "cpu_usage_percent",
			Help: "CPU usage in percent",
		}),
	}
	m.registry.MustRegister(m.predictTotal, m.retrieveTotal, m.stageSeconds, m.peopleTotal, m.memUsage, m.cpuUsage)
	if p, err := process.NewProcess(int32(os.Getpid())); err == nil {
		m.proc = p
	} else {
		logger.Log().Warn("process metrics unavailable", zap.Error(err))
	}
	return m
}

func (m *Monitor) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Monitor) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Monitor) PredictDone(outcome string, people int) {
	if m == nil {
		return
	}
	m.predictTotal.WithLabelValues(outcome).Inc()
	if outcome == OutcomeOK {
		m.peopleTotal.Add(float64(people))
	}
}

func (m *Monitor) RetrievalDone(outcome string) {
	if m == nil {
		return
	}
	m.retrieveTotal.WithLabelValues(outcome).Inc()
}

// ObserveStage records the time since start against stage.
func (m *Monitor) ObserveStage(stage string, start time.Time) {
	if m == nil {
		return
	}
	m.stageSeconds.WithLabelValues(stage).Observe(time.Since(start).Seconds())
}

func (m *Monitor) CheckProcessInfo() {
	if m == nil || m.proc == nil {
		return
	}
	if memInfo, err := m.proc.MemoryInfo(); err == nil {
		m.memUsage.Set(float64(memInfo.RSS / 1024 / 1024))
	}
	if cpuPercent, err := m.proc.CPUPercent(); err == nil {
		m.cpuUsage.Set(math.Round(cpuPercent*100) / 100)
	}
}

// Run serves /metrics on port and samples the process every interval until
// ctx ends.
func (m *Monitor) Run(ctx context.Context, port int, interval time.Duration) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Log().Info("metrics server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
checkPcs:
	for {
		select {
		case <-ctx.Done():
			break checkPcs
		case err, ok := <-errCh:
			if ok {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		case <-ticker.C:
			m.CheckProcessInfo()
		}
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Log().Warn("metrics server shutdown error", zap.Error(err))
	}
	return nil
}
