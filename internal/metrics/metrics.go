// ============================================================================
// Falcon-Queue Metrics - Prometheus 監控指標
// ============================================================================
//
// Package: internal/metrics
// 文件: metrics.go
// 功能: 收集和暴露調度引擎運行指標，支持 Prometheus 監控
//
// 指標分類:
//
//   1. 任務計數器 (Counter) - 累計值，只增不減：
//      - tasks_submitted_total: 提交任務總數
//      - tasks_claimed_total: 被 worker 認領的任務總數
//      - tasks_completed_total: 成功完成任務總數
//      - tasks_retried_total: 重試排程總數
//      - tasks_dead_letter_total: 進入死信的任務總數
//      - tasks_cancelled_total: 被取消的任務總數
//      - tasks_timeout_total: 執行逾時被回收的任務總數
//
//   2. 性能指標 (Histogram) - 分佈統計：
//      - task_exec_seconds: handler 執行耗時分佈
//
//   3. 狀態指標 (Gauge) - 瞬時值，由聚合器定期覆寫：
//      - tasks_pending / tasks_running / tasks_retrying: 各狀態任務數
//      - workers_registered: 已註冊 worker 數
//      - task_success_rate: completed / (completed + failed + dead_letter)
//      - task_throughput_per_hour: 滾動 24 小時窗口的每小時完成數
//
// 監控告警參考:
//   - tasks_pending 持續增長 → worker 容量不足
//   - rate(tasks_dead_letter_total[5m]) 突增 → 檢查 handler 邏輯
//   - task_success_rate 下滑 → 錯誤率告警
//
// Prometheus 查詢示例:
//
//   # 每分鐘完成任務數
//   rate(tasks_completed_total[1m])
//
//   # 95 分位執行耗時
//   histogram_quantile(0.95, task_exec_seconds_bucket)
//
// HTTP 端點:
//   通過 /metrics 端點暴露，由 Prometheus 定期抓取
//   格式: OpenMetrics / Prometheus 文本格式
//
// ============================================================================

package metrics

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector Prometheus 指標收集器
type Collector struct {
	// 任務相關指標
	tasksSubmitted  prometheus.Counter
	tasksClaimed    prometheus.Counter
	tasksCompleted  prometheus.Counter
	tasksRetried    prometheus.Counter
	tasksDeadLetter prometheus.Counter
	tasksCancelled  prometheus.Counter
	tasksTimeout    prometheus.Counter

	// 效能指標
	taskExecSeconds prometheus.Histogram

	// 狀態指標
	tasksPending      prometheus.Gauge
	tasksRunning      prometheus.Gauge
	tasksRetrying     prometheus.Gauge
	workersRegistered prometheus.Gauge
	successRate       prometheus.Gauge
	throughputPerHour prometheus.Gauge
}

// NewCollector 創建新的指標收集器
func NewCollector() *Collector {
	c := &Collector{
		tasksSubmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "falconq_tasks_submitted_total",
			Help: "Total number of tasks submitted",
		}),
		tasksClaimed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "falconq_tasks_claimed_total",
			Help: "Total number of tasks claimed by workers",
		}),
		tasksCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "falconq_tasks_completed_total",
			Help: "Total number of tasks completed successfully",
		}),
		tasksRetried: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "falconq_tasks_retried_total",
			Help: "Total number of retry attempts scheduled",
		}),
		tasksDeadLetter: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "falconq_tasks_dead_letter_total",
			Help: "Total number of tasks moved to the dead letter state",
		}),
		tasksCancelled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "falconq_tasks_cancelled_total",
			Help: "Total number of tasks cancelled",
		}),
		tasksTimeout: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "falconq_tasks_timeout_total",
			Help: "Total number of running tasks reclaimed after timeout",
		}),
		taskExecSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "falconq_task_exec_seconds",
			Help:    "Task handler execution time in seconds",
			Buckets: prometheus.DefBuckets,
		}),
		tasksPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "falconq_tasks_pending",
			Help: "Current number of pending tasks",
		}),
		tasksRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "falconq_tasks_running",
			Help: "Current number of running tasks",
		}),
		tasksRetrying: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "falconq_tasks_retrying",
			Help: "Current number of tasks waiting out a retry backoff",
		}),
		workersRegistered: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "falconq_workers_registered",
			Help: "Current number of registered workers",
		}),
		successRate: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "falconq_task_success_rate",
			Help: "Completed over all terminally failed or completed tasks",
		}),
		throughputPerHour: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "falconq_task_throughput_per_hour",
			Help: "Tasks completed per hour over a rolling 24h window",
		}),
	}

	// 註冊所有指標
	prometheus.MustRegister(c.tasksSubmitted)
	prometheus.MustRegister(c.tasksClaimed)
	prometheus.MustRegister(c.tasksCompleted)
	prometheus.MustRegister(c.tasksRetried)
	prometheus.MustRegister(c.tasksDeadLetter)
	prometheus.MustRegister(c.tasksCancelled)
	prometheus.MustRegister(c.tasksTimeout)
	prometheus.MustRegister(c.taskExecSeconds)
	prometheus.MustRegister(c.tasksPending)
	prometheus.MustRegister(c.tasksRunning)
	prometheus.MustRegister(c.tasksRetrying)
	prometheus.MustRegister(c.workersRegistered)
	prometheus.MustRegister(c.successRate)
	prometheus.MustRegister(c.throughputPerHour)

	return c
}

// RecordSubmitted 記錄任務提交
func (c *Collector) RecordSubmitted() {
	c.tasksSubmitted.Inc()
}

// RecordClaimed 記錄任務被認領
func (c *Collector) RecordClaimed() {
	c.tasksClaimed.Inc()
}

// RecordCompleted 記錄任務完成及其執行耗時
func (c *Collector) RecordCompleted(execSeconds float64) {
	c.tasksCompleted.Inc()
	c.taskExecSeconds.Observe(execSeconds)
}

// RecordRetried 記錄一次重試排程
func (c *Collector) RecordRetried() {
	c.tasksRetried.Inc()
}

// RecordDeadLetter 記錄任務進入死信
func (c *Collector) RecordDeadLetter() {
	c.tasksDeadLetter.Inc()
}

// RecordCancelled 記錄任務取消
func (c *Collector) RecordCancelled() {
	c.tasksCancelled.Inc()
}

// RecordTimeout 記錄執行逾時回收
func (c *Collector) RecordTimeout() {
	c.tasksTimeout.Inc()
}

// UpdateQueueGauges 覆寫佇列狀態瞬時值，由聚合器定期呼叫
func (c *Collector) UpdateQueueGauges(pending, running, retrying int64) {
	c.tasksPending.Set(float64(pending))
	c.tasksRunning.Set(float64(running))
	c.tasksRetrying.Set(float64(retrying))
}

// UpdateWorkerGauge 覆寫已註冊 worker 數
func (c *Collector) UpdateWorkerGauge(n int) {
	c.workersRegistered.Set(float64(n))
}

// UpdateDerived 覆寫成功率與吞吐量
func (c *Collector) UpdateDerived(successRate, throughputPerHour float64) {
	c.successRate.Set(successRate)
	c.throughputPerHour.Set(throughputPerHour)
}

// StartServer 啟動 Prometheus metrics HTTP 伺服器
//
// 參數：
//   - port: HTTP 伺服器端口
//
// 返回值：
//   - error: 啟動失敗的錯誤
func StartServer(port int) error {
	http.Handle("/metrics", promhttp.Handler())
	addr := fmt.Sprintf(":%d", port)
	return http.ListenAndServe(addr, nil)
}
