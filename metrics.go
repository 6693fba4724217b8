package quic

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// metricsCollector exposes per-endpoint counters as Prometheus metrics.
// Collect walks the connection table under lock, the same pattern the
// pack's TCPInfoCollector uses to snapshot live sockets without racing
// the goroutine mutating them.
type metricsCollector struct {
	endpoint *endpoint

	connsDesc     *prometheus.Desc
	streamsDesc   *prometheus.Desc
	bytesRecvDesc *prometheus.Desc
	bytesSentDesc *prometheus.Desc
	acceptedDesc  *prometheus.Desc
	droppedDesc   *prometheus.Desc
}

func newMetricsCollector(e *endpoint, namespace string) *metricsCollector {
	return &metricsCollector{
		endpoint: e,
		connsDesc: prometheus.NewDesc(
			namespace+"_connections_active", "Number of connections currently tracked.", nil, nil),
		streamsDesc: prometheus.NewDesc(
			namespace+"_streams_active", "Number of open streams across tracked connections.", nil, nil),
		bytesRecvDesc: prometheus.NewDesc(
			namespace+"_bytes_received_total", "UDP bytes received by this endpoint.", nil, nil),
		bytesSentDesc: prometheus.NewDesc(
			namespace+"_bytes_sent_total", "UDP bytes sent by this endpoint.", nil, nil),
		acceptedDesc: prometheus.NewDesc(
			namespace+"_connections_accepted_total", "Connections accepted since startup.", nil, nil),
		droppedDesc: prometheus.NewDesc(
			namespace+"_packets_dropped_total", "Datagrams dropped before reaching a connection.", nil, nil),
	}
}

func (c *metricsCollector) Describe(descs chan<- *prometheus.Desc) {
	descs <- c.connsDesc
	descs <- c.streamsDesc
	descs <- c.bytesRecvDesc
	descs <- c.bytesSentDesc
	descs <- c.acceptedDesc
	descs <- c.droppedDesc
}

func (c *metricsCollector) Collect(metrics chan<- prometheus.Metric) {
	e := c.endpoint
	e.mu.Lock()
	numConns := len(e.conns)
	var numStreams int
	for _, rc := range e.conns {
		numStreams += rc.conn.OpenStreamCount()
	}
	e.mu.Unlock()

	metrics <- prometheus.MustNewConstMetric(c.connsDesc, prometheus.GaugeValue, float64(numConns))
	metrics <- prometheus.MustNewConstMetric(c.streamsDesc, prometheus.GaugeValue, float64(numStreams))
	metrics <- prometheus.MustNewConstMetric(c.bytesRecvDesc, prometheus.CounterValue, float64(e.stats.bytesReceived()))
	metrics <- prometheus.MustNewConstMetric(c.bytesSentDesc, prometheus.CounterValue, float64(e.stats.bytesSent()))
	metrics <- prometheus.MustNewConstMetric(c.acceptedDesc, prometheus.CounterValue, float64(e.stats.accepted()))
	metrics <- prometheus.MustNewConstMetric(c.droppedDesc, prometheus.CounterValue, float64(e.stats.dropped()))
}

// endpointStats accumulates counters the dispatch goroutine updates and
// the collector goroutine reads concurrently.
type endpointStats struct {
	mu       sync.Mutex
	recvB    uint64
	sentB    uint64
	acceptedN uint64
	droppedN uint64
}

func (s *endpointStats) addRecv(n int)  { s.mu.Lock(); s.recvB += uint64(n); s.mu.Unlock() }
func (s *endpointStats) addSent(n int)  { s.mu.Lock(); s.sentB += uint64(n); s.mu.Unlock() }
func (s *endpointStats) addAccepted()   { s.mu.Lock(); s.acceptedN++; s.mu.Unlock() }
func (s *endpointStats) addDropped()    { s.mu.Lock(); s.droppedN++; s.mu.Unlock() }

func (s *endpointStats) bytesReceived() uint64 { s.mu.Lock(); defer s.mu.Unlock(); return s.recvB }
func (s *endpointStats) bytesSent() uint64     { s.mu.Lock(); defer s.mu.Unlock(); return s.sentB }
func (s *endpointStats) accepted() uint64      { s.mu.Lock(); defer s.mu.Unlock(); return s.acceptedN }
func (s *endpointStats) dropped() uint64       { s.mu.Lock(); defer s.mu.Unlock(); return s.droppedN }
