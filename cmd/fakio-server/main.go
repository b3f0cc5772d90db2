// Command fakio-server runs the server half of the Fakio tunnel: it
// accepts SOCKS5-over-AES-CFB connections from fakio-local instances,
// authenticates them against the configured user directory, and relays
// decrypted traffic to each connection's requested target.
package main

import (
	"net/http"
	"os"
	"time"

	"github.com/fakio/fakio/internal/fserver"
	"github.com/fakio/fakio/internal/metrics"
	"github.com/fakio/fakio/pkg/config"
	"github.com/sirupsen/logrus"
)

// metricsSampleInterval is how often the pool/reactor occupancy gauges
// refresh, via a timer armed on the reactor's own goroutine.
const metricsSampleInterval = time.Second

func main() {
	if len(os.Args) != 2 {
		logrus.Fatalf("usage: %s <config-file>", os.Args[0])
	}

	cfg, err := config.LoadServerConfig(os.Args[1])
	if err != nil {
		logrus.Fatalf("fakio-server: %v", err)
	}

	srv, err := fserver.New(cfg.Host, cfg.Port, cfg.Connections, cfg.Users, nil)
	if err != nil {
		logrus.Fatalf("fakio-server: %v", err)
	}
	defer srv.Close()

	collector, reg := metrics.New()
	srv.SetMetrics(collector)
	collector.StartSampling(srv.Loop(), srv.Pool(), metricsSampleInterval)

	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler(reg))
		go func() {
			logrus.WithField("addr", cfg.MetricsAddr).Info("fakio-server: metrics endpoint listening")
			if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
				logrus.WithError(err).Warn("fakio-server: metrics endpoint stopped")
			}
		}()
	}

	logrus.WithFields(logrus.Fields{
		"host":        cfg.Host,
		"port":        cfg.Port,
		"connections": cfg.Connections,
		"users":       cfg.Users.Len(),
	}).Info("fakio-server: starting")

	if err := srv.Run(); err != nil {
		logrus.Fatalf("fakio-server: %v", err)
	}
}
