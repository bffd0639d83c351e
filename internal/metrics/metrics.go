// Package metrics exposes the engine's status as Prometheus metrics. Values
// are read from the manager at scrape time, so nothing is double-counted.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"offline-sync-engine/internal/network"
	"offline-sync-engine/internal/scheduler"
	"offline-sync-engine/internal/sync"
)

const namespace = "sync"

// Source is the part of the manager the collector reads.
type Source interface {
	GetStatus() sync.Status
	Schedules() []scheduler.Schedule
}

type Collector struct {
	src Source

	queueItems       *prometheus.Desc
	queueWaiting     *prometheus.Desc
	queueInFlight    *prometheus.Desc
	queueDead        *prometheus.Desc
	queueEvents      *prometheus.Desc
	cycles           *prometheus.Desc
	operations       *prometheus.Desc
	bytes            *prometheus.Desc
	conflictsFound   *prometheus.Desc
	conflictsSettled *prometheus.Desc
	pendingConflicts *prometheus.Desc
	interval         *prometheus.Desc
	lastSync         *prometheus.Desc
	networkQuality   *prometheus.Desc
	breaker          *prometheus.Desc
	droppedEvents    *prometheus.Desc
}

func NewCollector(src Source) *Collector {
	desc := func(name, help string, labels ...string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "", name), help, labels, nil)
	}
	return &Collector{
		src:              src,
		queueItems:       desc("queue_items", "Queued items by priority.", "priority"),
		queueWaiting:     desc("queue_waiting_items", "Queued items still backing off."),
		queueInFlight:    desc("queue_in_flight_items", "Items taken by a running cycle."),
		queueDead:        desc("queue_dead_letter_items", "Items in the dead-letter list."),
		queueEvents:      desc("queue_events_total", "Queue item transitions.", "event"),
		cycles:           desc("cycles_total", "Sync cycles that processed at least one item."),
		operations:       desc("operations_total", "Queue items settled by sync cycles.", "result"),
		bytes:            desc("payload_bytes_total", "Payload bytes before and after delta reduction and compression.", "stage"),
		conflictsFound:   desc("conflicts_detected_total", "Conflicts detected.", "type"),
		conflictsSettled: desc("conflicts_resolutions_total", "Conflict resolution attempts.", "result"),
		pendingConflicts: desc("conflicts_pending", "Conflicts waiting for manual resolution."),
		interval:         desc("schedule_interval_seconds", "Current sync interval.", "entity", "priority", "strategy"),
		lastSync:         desc("schedule_last_sync_timestamp_seconds", "Time of the last completed cycle.", "entity"),
		networkQuality:   desc("network_quality", "Network quality, 0 offline to 4 excellent."),
		breaker:          desc("circuit_breaker_state", "Backend circuit breaker state.", "state"),
		droppedEvents:    desc("dropped_events_total", "Events dropped because a subscriber was full."),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		c.queueItems, c.queueWaiting, c.queueInFlight, c.queueDead, c.queueEvents,
		c.cycles, c.operations, c.bytes, c.conflictsFound, c.conflictsSettled,
		c.pendingConflicts, c.interval, c.lastSync, c.networkQuality, c.breaker, c.droppedEvents,
	} {
		ch <- d
	}
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	st := c.src.GetStatus()
	gauge := func(d *prometheus.Desc, v float64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, v, labels...)
	}
	counter := func(d *prometheus.Desc, v float64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, v, labels...)
	}

	for lvl, n := range st.Queue.Queued {
		gauge(c.queueItems, float64(n), lvl.String())
	}
	gauge(c.queueWaiting, float64(st.Queue.Waiting))
	gauge(c.queueInFlight, float64(st.Queue.InFlight))
	gauge(c.queueDead, float64(st.Queue.DeadLettered))

	qs := st.Queue.Stats
	for event, v := range map[string]int64{
		"enqueued":      qs.Enqueued,
		"dequeued":      qs.Dequeued,
		"completed":     qs.Completed,
		"failed":        qs.Failed,
		"retried":       qs.Retried,
		"released":      qs.Released,
		"dead_lettered": qs.DeadLettered,
	} {
		counter(c.queueEvents, float64(v), event)
	}

	counter(c.cycles, float64(st.Stats.Cycles))
	for result, v := range map[string]int64{
		"succeeded": st.Stats.Succeeded,
		"failed":    st.Stats.Failed,
		"skipped":   st.Stats.Skipped,
		"conflict":  st.Stats.Conflicts,
	} {
		counter(c.operations, float64(v), result)
	}
	counter(c.bytes, float64(st.Stats.BytesOriginal), "original")
	counter(c.bytes, float64(st.Stats.BytesSent), "sent")

	for t, n := range st.Conflicts.Detected {
		counter(c.conflictsFound, float64(n), string(t))
	}
	counter(c.conflictsSettled, float64(st.Conflicts.Resolved), "resolved")
	counter(c.conflictsSettled, float64(st.Conflicts.Failed), "failed")
	gauge(c.pendingConflicts, float64(st.PendingConflicts))

	for _, sc := range c.src.Schedules() {
		gauge(c.interval, sc.Interval.Seconds(), sc.Entity, sc.Priority.String(), string(sc.Strategy.Type))
		if !sc.LastSync.IsZero() {
			gauge(c.lastSync, float64(sc.LastSync.Unix()), sc.Entity)
		}
	}

	if q, err := network.Parse(st.Network); err == nil {
		gauge(c.networkQuality, float64(q))
	}
	gauge(c.breaker, 1, st.Breaker)
	counter(c.droppedEvents, float64(st.DroppedEvents))
}

// Handler serves the collector, plus the Go runtime collectors, on a
// private registry.
func Handler(src Source) (http.Handler, error) {
	reg := prometheus.NewRegistry()
	if err := reg.Register(NewCollector(src)); err != nil {
		return nil, err
	}
	if err := reg.Register(collectors.NewGoCollector()); err != nil {
		return nil, err
	}
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{}), nil
}
