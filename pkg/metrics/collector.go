package metrics

import (
	"context"

	"github.com/28Pollux28/kiln/pkg/models"
	"github.com/prometheus/client_golang/prometheus"
	"gorm.io/gorm"
)

// ---------------------------------------------------------------------------
// InstanceCollector
// ---------------------------------------------------------------------------

// InstanceCollector queries the database on each scrape and reports instance
// counts by status and challenge, so values survive restarts.
type InstanceCollector struct {
	db   *gorm.DB
	desc *prometheus.Desc
}

// NewInstanceCollector creates a Collector backed by db.
// Call prometheus.MustRegister(collector) after creation.
func NewInstanceCollector(db *gorm.DB) *InstanceCollector {
	return &InstanceCollector{
		db: db,
		desc: prometheus.NewDesc(
			"kiln_instances",
			"Current number of instances grouped by status and challenge.",
			[]string{"status", "challenge_id"},
			nil,
		),
	}
}

func (c *InstanceCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.desc
}

// Collect only reports non-terminal statuses; stopped and failed rows grow forever.
func (c *InstanceCollector) Collect(ch chan<- prometheus.Metric) {
	type row struct {
		Status      string
		ChallengeID string
		Count       int64
	}

	var rows []row
	err := c.db.Model(&models.Instance{}).
		Select("status, challenge_id, COUNT(*) as count").
		Where("status IN ?", []string{models.StatusProvisioning, models.StatusRunning, models.StatusStopping}).
		Group("status, challenge_id").
		Scan(&rows).Error
	if err != nil {
		ch <- prometheus.NewInvalidMetric(c.desc, err)
		return
	}

	for _, r := range rows {
		ch <- prometheus.MustNewConstMetric(
			c.desc,
			prometheus.GaugeValue,
			float64(r.Count),
			r.Status, r.ChallengeID,
		)
	}
}

// ---------------------------------------------------------------------------
// QueueCollector
// ---------------------------------------------------------------------------

// QueueLengther is the minimal interface needed to observe Redis queue depth.
// It is satisfied by *worker.Queue without importing that package.
type QueueLengther interface {
	QueueLength(ctx context.Context) (int64, error)
}

// QueueCollector reports the current number of jobs waiting in the Redis queue.
type QueueCollector struct {
	queue QueueLengther
	desc  *prometheus.Desc
}

// NewQueueCollector creates a collector that reads queue depth from q on each scrape.
// Register it only when Redis is configured.
func NewQueueCollector(queue QueueLengther) *QueueCollector {
	return &QueueCollector{
		queue: queue,
		desc: prometheus.NewDesc(
			"kiln_queue_depth",
			"Number of jobs currently waiting in the Redis job queue",
			nil, nil,
		),
	}
}

func (c *QueueCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.desc
}

func (c *QueueCollector) Collect(ch chan<- prometheus.Metric) {
	n, err := c.queue.QueueLength(context.Background())
	if err != nil {
		ch <- prometheus.NewInvalidMetric(c.desc, err)
		return
	}
	ch <- prometheus.MustNewConstMetric(c.desc, prometheus.GaugeValue, float64(n))
}
