package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/aravinth/rkv/internal/pool"
	"github.com/aravinth/rkv/internal/replication"
	"github.com/aravinth/rkv/internal/store"
	"github.com/aravinth/rkv/internal/stream"
)

const namespace = "rkv"

// ServerStats abstracts the server metrics we need. I use an interface
// here so the metrics package doesn't import the server package.
type ServerStats interface {
	ActiveConnections() int
	TotalConnections() uint64
	ProtocolErrors() uint64
	BufferPoolStats() pool.Stats
}

// Sources lists what the collector scrapes. Any field may be nil when the
// component is not running in this role.
type Sources struct {
	Store     *store.ShardedMap
	Streams   *stream.Registry
	Server    ServerStats
	ReplState *replication.ReplState
	Master    *replication.MasterState
	Slave     *replication.SlaveState
	StartTime time.Time
}

// Collector implements prometheus.Collector by pulling current values on
// each scrape. The counters already live in the subsystems as atomics; I
// just expose them in Prometheus format.
type Collector struct {
	src Sources

	uptime         *prometheus.Desc
	connsTotal     *prometheus.Desc
	connsActive    *prometheus.Desc
	protocolErrors *prometheus.Desc
	bufferPool     *prometheus.Desc
	keysTotal      *prometheus.Desc
	storeOps       *prometheus.Desc
	cacheHits      *prometheus.Desc
	cacheMisses    *prometheus.Desc
	cacheHitRatio  *prometheus.Desc
	keysExpired    *prometheus.Desc
	streamsTotal   *prometheus.Desc
	replRole       *prometheus.Desc
	replOffset     *prometheus.Desc
	replReplicas   *prometheus.Desc
	replApplied    *prometheus.Desc
	replLinkUp     *prometheus.Desc
}

// CommandCount and CommandDuration are registered directly (not via
// the custom Collector) because they're incremented in the hot path
// by Handler.Execute().
var (
	CommandCount = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_total",
			Help:      "Total number of commands processed, partitioned by command name.",
		},
		[]string{"cmd"},
	)

	CommandDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "command_duration_seconds",
			Help:      "Command execution latency in seconds, partitioned by command name.",
			Buckets:   []float64{.000001, .000005, .00001, .00005, .0001, .0005, .001, .005, .01, .05, .1, 1, 10},
		},
		[]string{"cmd"},
	)
)

// NewCollector creates a Collector over the given sources.
func NewCollector(src Sources) *Collector {
	desc := func(name, help string, labels ...string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "", name), help, labels, nil)
	}
	return &Collector{
		src: src,

		uptime:         desc("uptime_seconds", "Seconds since server start."),
		connsTotal:     desc("connections_total", "Total connections accepted since startup."),
		connsActive:    desc("connections_active", "Currently connected clients."),
		protocolErrors: desc("protocol_errors_total", "Connections closed because of malformed requests."),
		bufferPool:     desc("buffer_pool_gets_total", "Connection buffer acquisitions by outcome.", "result"),
		keysTotal:      desc("keys_total", "Number of string keys in the store."),
		storeOps:       desc("store_ops_total", "Total store-level operations.", "op"),
		cacheHits:      desc("cache_hits_total", "Reads that found a live key."),
		cacheMisses:    desc("cache_misses_total", "Reads that found nothing."),
		cacheHitRatio:  desc("cache_hit_ratio", "Cache hit ratio (0.0 to 1.0)."),
		keysExpired:    desc("keys_expired_total", "Total keys removed by lazy expiration."),
		streamsTotal:   desc("streams_total", "Number of stream keys."),
		replRole:       desc("replication_role", "Current replication role (1 = active).", "role"),
		replOffset:     desc("replication_offset", "Current replication stream offset in bytes."),
		replReplicas:   desc("replication_replicas_connected", "Number of replicas attached to this primary."),
		replApplied:    desc("replication_commands_total", "Commands received from the primary by outcome.", "result"),
		replLinkUp:     desc("replication_link_up", "Whether the link to the primary is up (1 or 0)."),
	}
}

// Describe sends all descriptor definitions to the channel.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		c.uptime, c.connsTotal, c.connsActive, c.protocolErrors, c.bufferPool,
		c.keysTotal, c.storeOps, c.cacheHits, c.cacheMisses, c.cacheHitRatio, c.keysExpired,
		c.streamsTotal, c.replRole, c.replOffset, c.replReplicas, c.replApplied, c.replLinkUp,
	} {
		ch <- d
	}
}

// Collect runs on every scrape, not on the command path.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	gauge := func(d *prometheus.Desc, v float64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, v, labels...)
	}
	counter := func(d *prometheus.Desc, v float64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, v, labels...)
	}

	gauge(c.uptime, time.Since(c.src.StartTime).Seconds())

	if srv := c.src.Server; srv != nil {
		counter(c.connsTotal, float64(srv.TotalConnections()))
		gauge(c.connsActive, float64(srv.ActiveConnections()))
		counter(c.protocolErrors, float64(srv.ProtocolErrors()))
		ps := srv.BufferPoolStats()
		counter(c.bufferPool, float64(ps.Allocs), "alloc")
		counter(c.bufferPool, float64(ps.Reuses), "reuse")
	}

	// Store metrics aggregate across all 256 shards
	if st := c.src.Store; st != nil {
		m := st.GetMetrics()
		gauge(c.keysTotal, float64(m["keys"]))
		counter(c.storeOps, float64(m["gets"]), "get")
		counter(c.storeOps, float64(m["sets"]), "set")
		counter(c.storeOps, float64(m["deletes"]), "delete")
		counter(c.cacheHits, float64(m["hits"]))
		counter(c.cacheMisses, float64(m["misses"]))
		gauge(c.cacheHitRatio, st.HitRatio())
		counter(c.keysExpired, float64(m["expired_count"]))
	}

	if c.src.Streams != nil {
		gauge(c.streamsTotal, float64(c.src.Streams.Len()))
	}

	if rs := c.src.ReplState; rs != nil {
		masterVal, slaveVal := 1.0, 0.0
		if rs.IsReplica() {
			masterVal, slaveVal = 0.0, 1.0
		}
		gauge(c.replRole, masterVal, "master")
		gauge(c.replRole, slaveVal, "slave")
		gauge(c.replOffset, float64(rs.Offset()))
	}

	if c.src.Master != nil {
		gauge(c.replReplicas, float64(c.src.Master.Count()))
	}

	if sl := c.src.Slave; sl != nil {
		applied, skipped := sl.Stats()
		counter(c.replApplied, float64(applied), "applied")
		counter(c.replApplied, float64(skipped), "skipped")
		up := 0.0
		if sl.IsConnected() {
			up = 1.0
		}
		gauge(c.replLinkUp, up)
	}
}

// Register registers the collector and the command-level metrics with reg.
func Register(reg prometheus.Registerer, c *Collector) {
	reg.MustRegister(c)
	reg.MustRegister(CommandCount)
	reg.MustRegister(CommandDuration)
}
