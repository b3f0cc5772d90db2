// Command fakio-local runs the client half of the Fakio tunnel: it
// speaks plain SOCKS5 to local applications (a browser, a GUI config
// tool, or any SOCKS5-aware client) and tunnels each CONNECT request to
// a fakio-server instance over an AES-CFB ciphered link.
package main

import (
	"net/http"
	"os"
	"time"

	"github.com/fakio/fakio/internal/flocal"
	"github.com/fakio/fakio/internal/metrics"
	"github.com/fakio/fakio/pkg/config"
	"github.com/sirupsen/logrus"
)

const defaultConnections = 64

// metricsSampleInterval is how often the pool/reactor occupancy gauges
// refresh, via a timer armed on the reactor's own goroutine.
const metricsSampleInterval = time.Second

func main() {
	if len(os.Args) != 2 {
		logrus.Fatalf("usage: %s <config-file>", os.Args[0])
	}

	cfg, err := config.LoadClientConfig(os.Args[1])
	if err != nil {
		logrus.Fatalf("fakio-local: %v", err)
	}

	local, err := flocal.New(cfg.LocalHost, cfg.LocalPort, cfg.ServerHost, cfg.ServerPort,
		cfg.Username, cfg.Password, defaultConnections, nil)
	if err != nil {
		logrus.Fatalf("fakio-local: %v", err)
	}
	defer local.Close()

	collector, reg := metrics.New()
	local.SetMetrics(collector)
	collector.StartSampling(local.Loop(), local.Pool(), metricsSampleInterval)

	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler(reg))
		go func() {
			logrus.WithField("addr", cfg.MetricsAddr).Info("fakio-local: metrics endpoint listening")
			if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
				logrus.WithError(err).Warn("fakio-local: metrics endpoint stopped")
			}
		}()
	}

	logrus.WithFields(logrus.Fields{
		"local_host":  cfg.LocalHost,
		"local_port":  cfg.LocalPort,
		"server_host": cfg.ServerHost,
		"server_port": cfg.ServerPort,
		"user":        cfg.Username,
	}).Info("fakio-local: starting")

	if err := local.Run(); err != nil {
		logrus.Fatalf("fakio-local: %v", err)
	}
}
