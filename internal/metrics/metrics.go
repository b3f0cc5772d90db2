// Package metrics implements the optional /metrics Prometheus endpoint:
// pool occupancy, reactor fd count, bytes relayed per direction,
// handshake failures, process fd count, and per-connection TCP_INFO for
// active relay pairs.
//
// Adapted from the teacher's pkg/exporter/exporter.go TCPInfoCollector
// (same Describe/Collect/Add/Remove shape, generalized from one
// connection-stats collector into the full set of gauges and counters
// this project's core needs) and from cmd/exporter_example1/main.go's
// promhttp.Handler wiring.
package metrics

import (
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fakio/fakio/internal/tcpinfo"
	"github.com/fakio/fakio/pkg/pool"
	"github.com/fakio/fakio/pkg/reactor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/procfs"
)

// Collector is the process-wide metrics registry for a single
// fakio-local or fakio-server binary instance.
//
// Pool occupancy and reactor fd counts are read by an HTTP handler
// goroutine, but pkg/pool and pkg/reactor are owned exclusively by the
// reactor goroutine per spec.md §5 ("no resource may be mutated from
// outside the reactor thread") and carry no synchronization of their
// own. The poolUsed/poolFree/reactorFD gauges therefore read the
// poolUsedVal/poolFreeVal/reactorFDVal atomics, refreshed
// only from inside the reactor goroutine by StartSampling's timer —
// the HTTP handler goroutine only ever loads them, never touching the
// pool or reactor directly.
type Collector struct {
	mu    sync.Mutex
	conns map[string]int // xid string -> raw fd, for TCP_INFO sampling

	poolUsedVal  atomic.Int64
	poolFreeVal  atomic.Int64
	reactorFDVal atomic.Int64

	poolUsed  prometheus.GaugeFunc
	poolFree  prometheus.GaugeFunc
	reactorFD prometheus.GaugeFunc
	procFD    prometheus.GaugeFunc

	bytesRelayed      *prometheus.CounterVec
	handshakeFailures prometheus.Counter

	tcpInfoDesc *prometheus.Desc
}

// New builds a Collector, registering it (and the standard process/go
// collectors) with a fresh registry. Call StartSampling once the
// reactor and pool it should observe are available to begin refreshing
// the pool/reactor gauges.
func New() (*Collector, *prometheus.Registry) {
	c := &Collector{
		conns: make(map[string]int),
	}
	c.poolUsed = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "fakio_pool_used",
		Help: "Connection-context pool slots currently in use.",
	}, func() float64 { return float64(c.poolUsedVal.Load()) })
	c.poolFree = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "fakio_pool_free",
		Help: "Connection-context pool slots currently free.",
	}, func() float64 { return float64(c.poolFreeVal.Load()) })
	c.reactorFD = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "fakio_reactor_fds",
		Help: "File descriptors currently registered with the reactor.",
	}, func() float64 { return float64(c.reactorFDVal.Load()) })
	c.procFD = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "fakio_process_open_fds",
		Help: "Open file descriptor count for this process, per procfs.",
	}, func() float64 {
		n, err := processFDCount()
		if err != nil {
			return -1
		}
		return float64(n)
	})
	c.bytesRelayed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fakio_bytes_relayed_total",
		Help: "Application bytes relayed, by direction.",
	}, []string{"direction"})
	c.handshakeFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "fakio_handshake_failures_total",
		Help: "Handshakes that failed (short read, unknown user, target connect failure).",
	})
	c.tcpInfoDesc = prometheus.NewDesc(
		"fakio_conn_rtt_microseconds",
		"Smoothed round-trip time for an active relay connection.",
		[]string{"conn_id"}, nil,
	)

	reg := prometheus.NewRegistry()
	reg.MustRegister(c.poolUsed, c.poolFree, c.reactorFD, c.procFD, c.bytesRelayed, c.handshakeFailures, c)
	return c, reg
}

// StartSampling arms a recurring timer on loop that refreshes the pool
// and reactor gauges every interval. The timer callback runs on loop's
// own goroutine (the only goroutine ever allowed to touch pl or loop),
// so the values it stores into the Collector's atomics are always a
// consistent snapshot, never a torn read racing Acquire/Release or
// Register/Deregister.
func (c *Collector) StartSampling(loop *reactor.Loop, pl *pool.Pool, interval time.Duration) reactor.Timer {
	var tick func() (time.Duration, bool)
	tick = func() (time.Duration, bool) {
		c.poolUsedVal.Store(int64(pl.Used()))
		c.poolFreeVal.Store(int64(pl.Free()))
		c.reactorFDVal.Store(int64(loop.Registered()))
		return interval, true
	}
	return loop.ScheduleTimer(interval, tick)
}

// AddConn registers a relay connection's raw fd under id (an xid string)
// so Collect can sample its TCP_INFO, matching exporter.go's Add.
func (c *Collector) AddConn(id string, fd int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conns[id] = fd
}

// RemoveConn stops sampling id, matching exporter.go's Remove. Called
// once a context's halves are both released back to the pool, so a
// reused fd number is never attributed to a stale conn_id label.
func (c *Collector) RemoveConn(id string) {
	if id == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.conns, id)
}

// RecordRelayed increments the bytes-relayed counter for one direction
// ("client_to_remote" or "remote_to_client").
func (c *Collector) RecordRelayed(direction string, n int) {
	c.bytesRelayed.WithLabelValues(direction).Add(float64(n))
}

// RecordHandshakeFailure increments the handshake-failure counter.
func (c *Collector) RecordHandshakeFailure() {
	c.handshakeFailures.Inc()
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(descs chan<- *prometheus.Desc) {
	descs <- c.tcpInfoDesc
}

// Collect implements prometheus.Collector, sampling TCP_INFO for every
// currently tracked connection, matching exporter.go's Collect loop —
// generalized from a single metric supplier table to one fixed RTT
// gauge, since this project's metric set is small enough not to need
// the teacher's struct-tag-driven code generator
// (cmd/prom-metrics-gen/main.go).
func (c *Collector) Collect(out chan<- prometheus.Metric) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for id, fd := range c.conns {
		info, err := tcpinfo.Get(fd)
		if err != nil {
			continue
		}
		out <- prometheus.MustNewConstMetric(c.tcpInfoDesc, prometheus.GaugeValue, float64(info.RTTMicros), id)
	}
}

// Handler returns an http.Handler serving reg in the standard Prometheus
// text exposition format, matching cmd/exporter_example1/main.go's
// promhttp.Handler() wiring.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}

func processFDCount() (int, error) {
	proc, err := procfs.Self()
	if err != nil {
		return 0, fmt.Errorf("metrics: procfs.Self: %w", err)
	}
	n, err := proc.FileDescriptorsLen()
	if err != nil {
		return 0, fmt.Errorf("metrics: FileDescriptorsLen: %w", err)
	}
	return n, nil
}
