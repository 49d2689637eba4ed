package worker

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/push"
	"go.uber.org/zap"
)

const jobName = "novel_wash_worker"

var (
	// Registry - реестр метрик задач. Отдаётся через /metrics вместе с DefaultGatherer
	// и, если настроен Pushgateway, периодически пушится туда.
	Registry = prometheus.NewRegistry()

	tasksReceived = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "wash_tasks_received_total",
			Help: "Total number of tasks received by the worker, per queue.",
		},
		[]string{"queue"},
	)
	tasksFailed = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "wash_tasks_failed_total",
			Help: "Total number of task attempts that failed, partitioned by queue and reason.",
		},
		[]string{"queue", "reason"},
	)
	tasksSucceeded = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "wash_tasks_succeeded_total",
			Help: "Total number of tasks successfully processed.",
		},
		[]string{"queue"},
	)
	taskDuration = promauto.With(Registry).NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "wash_task_processing_duration_seconds",
			Help:    "Duration of task processing, including all model calls.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200, 1800},
		},
		[]string{"queue", "status"},
	)

	pusher *push.Pusher
)

// InitMetricsPusher настраивает отправку Registry в Pushgateway.
func InitMetricsPusher(pushgatewayURL string, logger *zap.Logger) error {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	instanceID := fmt.Sprintf("%s-%d", hostname, os.Getpid())
	pusher = push.New(pushgatewayURL, jobName).Gatherer(Registry).Grouping("instance", instanceID)

	if err := pusher.Push(); err != nil {
		return fmt.Errorf("could not push initial metrics to Pushgateway: %w", err)
	}
	logger.Info("Pushgateway pusher initialized", zap.String("url", pushgatewayURL), zap.String("instance", instanceID))
	return nil
}

// RunMetricsPusher пушит метрики с интервалом до закрытия stop.
func RunMetricsPusher(interval time.Duration, stop <-chan struct{}, logger *zap.Logger) {
	if pusher == nil {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := pushMetrics(); err != nil {
				logger.Warn("Error pushing metrics to Pushgateway", zap.Error(err))
			}
		}
	}
}

func pushMetrics() error {
	if pusher == nil {
		return errors.New("pusher not initialized")
	}
	return pusher.Push()
}

// CleanupMetrics удаляет метрики инстанса из Pushgateway. Вызывается через defer в main.
func CleanupMetrics(logger *zap.Logger) {
	if pusher == nil {
		return
	}
	if err := pusher.Delete(); err != nil {
		logger.Warn("Error deleting metrics from Pushgateway", zap.Error(err))
	}
}

func metricsTaskReceived(queue string) {
	tasksReceived.WithLabelValues(queue).Inc()
}

func metricsTaskFailed(queue, reason string) {
	tasksFailed.WithLabelValues(queue, reason).Inc()
}

func metricsTaskSucceeded(queue string) {
	tasksSucceeded.WithLabelValues(queue).Inc()
}

func metricsTaskDuration(queue, status string, d time.Duration) {
	taskDuration.WithLabelValues(queue, status).Observe(d.Seconds())
}
