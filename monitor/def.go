package monitor

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"os"
	"time"

	"YoloDataAug/logger"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shirou/gopsutil/v4/process"
	"go.uber.org/zap"
)

// Collectors live for the whole process so the pipeline can count before,
// or without, StartMon.
var (
	Registry = prometheus.NewRegistry()

	Runs = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dataset_runs_total",
		Help: "Dataset jobs finished, by kind and outcome",
	}, []string{"kind", "outcome"})

	AugmentImages = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "augment_images_total",
		Help: "Source images handled by the augmentation pipeline, by outcome",
	}, []string{"outcome"})

	DerivedPairs = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "augment_derived_pairs_total",
		Help: "Augmented image/label pairs written",
	})

	ValImages = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "partition_val_images_total",
		Help: "Images moved into validation splits",
	})

	RequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "control_requests_total",
		Help: "Requests received by the HTTP and gRPC control surfaces",
	}, []string{"surface"})

	memUsage = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "memory_usage_Megabytes",
		Help: "Memory usage in Megabytes",
	})

	cpuUsage = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "cpu_usage_percent",
		Help: "CPU usage in percent",
	})
)

func init() {
	Registry.MustRegister(Runs, AugmentImages, DerivedPairs, ValImages, RequestsTotal, memUsage, cpuUsage)
}

// Handler serves the registry in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{Registry: Registry})
}

func CheckProcessInfo(p *process.Process) {
	if memInfo, err := p.MemoryInfo(); err == nil {
		memUsage.Set(float64(memInfo.RSS / 1024 / 1024))
	}
	if cpuPercent, err := p.CPUPercent(); err == nil {
		cpuUsage.Set(math.Round(cpuPercent*100) / 100)
	}
}

// StartMon serves /metrics on port and samples process usage until ctx ends.
func StartMon(port int, ctx context.Context) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: mux,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Log().Error("metrics server stopped", zap.Int("port", port), zap.Error(err))
		}
	}()

	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		logger.Log().Warn("process sampling disabled", zap.Error(err))
	}
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
checkPcs:
	for {
		select {
		case <-ctx.Done():
			break checkPcs
		case <-ticker.C:
			if proc != nil {
				CheckProcessInfo(proc)
			}
		}
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Log().Error("metrics server shutdown", zap.Error(err))
	}
}
