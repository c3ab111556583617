package server

import (
	"fmt"
	"runtime"
	"strings"
	"time"

	"github.com/VictoriaMetrics/metrics"
)

// Version of the triekv server, reported by INFO.
const Version = "0.1.0"

// serverStats aggregates the monotonic counters the server maintains.
// Counters are process-global (the metrics package keeps one registry),
// which matches the single-server-per-process deployment model.
type serverStats struct {
	connections *metrics.Counter // connections accepted since start
	requests    *metrics.Counter // requests serviced
	bytesRecv   *metrics.Counter
	bytesSent   *metrics.Counter
	expired     *metrics.Counter // entries evicted by the sweeper

	start time.Time
}

func newServerStats() *serverStats {
	return &serverStats{
		connections: metrics.GetOrCreateCounter("triekv_connections_total"),
		requests:    metrics.GetOrCreateCounter("triekv_requests_total"),
		bytesRecv:   metrics.GetOrCreateCounter("triekv_bytes_recv_total"),
		bytesSent:   metrics.GetOrCreateCounter("triekv_bytes_sent_total"),
		expired:     metrics.GetOrCreateCounter("triekv_expired_keys_total"),
		start:       time.Now(),
	}
}

// uptime returns whole seconds since server start.
func (st *serverStats) uptime() int64 {
	return int64(time.Since(st.start) / time.Second)
}

// buildInfo renders the INFO payload.
func (s *Server) buildInfo() []byte {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	nodes := 0
	if s.cluster != nil {
		nodes = len(s.cluster.Members())
	}

	var sb strings.Builder
	addField := func(name string, value interface{}) {
		sb.WriteString(fmt.Sprintf("%s:%v\r\n", name, value))
	}

	addField("version", Version)
	addField("uptime_seconds", s.stats.uptime())
	addField("connected_clients", s.sessions.Size())
	addField("total_connections", s.stats.connections.Get())
	addField("total_requests", s.stats.requests.Get())
	addField("bytes_recv", s.stats.bytesRecv.Get())
	addField("bytes_sent", s.stats.bytesSent.Get())
	addField("expired_keys", s.stats.expired.Get())
	addField("keys", s.store.TotalKeys())
	addField("databases", s.store.DBCount())
	addField("cluster_nodes", nodes)
	addField("memory_used_bytes", mem.HeapAlloc)
	addField("memory_sys_bytes", mem.Sys)

	return []byte(sb.String())
}

// logStats emits the periodic one-line statistics summary.
func (s *Server) logStats() {
	logger.Infof("stats: clients=%d requests=%d keys=%d recv=%d sent=%d expired=%d",
		s.sessions.Size(), s.stats.requests.Get(), s.store.TotalKeys(),
		s.stats.bytesRecv.Get(), s.stats.bytesSent.Get(), s.stats.expired.Get())
}
