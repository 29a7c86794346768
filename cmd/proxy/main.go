// Command proxy is a traffic-shaping intercepting forward proxy.
//
// It terminates HTTPS connections behind a locally-minted CA, rewrites
// request headers (custom headers, UA rotation, domain fronting), shapes
// outbound traffic (fragmentation, jitter, TTL, padding), and can
// short-circuit matched requests with a canned response instead of
// contacting any upstream.
//
// Usage:
//
//	# Direct run with defaults
//	./proxy
//
//	# Custom ports, traffic shaping enabled
//	PROXY_PORT=3128 FRAGMENT_SIZE=512 MIN_DELAY_MS=10 MAX_DELAY_MS=50 ./proxy
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"ai-anonymizing-proxy/internal/config"
	"ai-anonymizing-proxy/internal/logfanout"
	"ai-anonymizing-proxy/internal/logger"
	"ai-anonymizing-proxy/internal/management"
	"ai-anonymizing-proxy/internal/metrics"
	"ai-anonymizing-proxy/internal/mitm"
	"ai-anonymizing-proxy/internal/mock"
	"ai-anonymizing-proxy/internal/proxy"
	"ai-anonymizing-proxy/internal/resolver"
	"ai-anonymizing-proxy/internal/rewrite"
	"ai-anonymizing-proxy/internal/shaping"
)

func main() {
	cfg := config.Load()

	fanout := logfanout.New(0)
	log := logger.New("PROXY", cfg.LogLevel).WithSink(fanout)

	printBanner(cfg)

	m := metrics.New()

	ca, err := mitm.EnsureCA(
		filepath.Join(cfg.CertDir, cfg.CACertFile),
		filepath.Join(cfg.CertDir, cfg.CAKeyFile),
		cfg.CertDir,
		cfg.CertCache,
	)
	if err != nil {
		log.Fatalf("startup", "CA init failed: %v", err)
	}
	defer ca.Close() //nolint:errcheck

	mockEngine := mock.Load(cfg.MockRulesFile)
	rslv := resolver.New(cfg.DoHProvider)

	handler := proxy.NewHandler(
		ca,
		rslv,
		mockEngine,
		rewrite.Profile(cfg.RewriteProfile()),
		shaping.Profile(cfg.ShapingProfile()),
		m,
		logger.New("HANDLER", cfg.LogLevel).WithSink(fanout),
		cfg.UseDoH,
		cfg.PrivacyMode,
	)
	listener := proxy.NewListener(handler, logger.New("LISTENER", cfg.LogLevel).WithSink(fanout))

	mgmt := management.New(cfg, ca, m)
	go func() {
		if err := mgmt.ListenAndServe(); err != nil {
			log.Fatalf("management", "fatal: %v", err)
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-quit
		log.Info("shutdown", "signal received, stopping listener")
		cancel()
	}()

	if err := listener.Start(ctx, cfg.BindAddress, cfg.ProxyPort); err != nil {
		log.Fatalf("listen", "fatal: %v", err)
	}
}

func printBanner(cfg *config.Config) {
	fmt.Printf(`
╔══════════════════════════════════════════════════════╗
║          Traffic-Shaping Proxy  (Go)                  ║
╚══════════════════════════════════════════════════════╝
  Proxy port       : %d
  Management port  : %d
  CA / cert dir    : %s
  DoH              : %v (%s)
  Privacy mode     : %v
  Fragment size    : %d
  Delay range (ms) : %d-%d
  Front domain     : %s

  Install the CA certificate:
    curl http://localhost:%d/ca.crt -o proxy-ca.crt

  Point clients here:
    export HTTP_PROXY=http://localhost:%d
    export HTTPS_PROXY=http://localhost:%d

  Check status:
    curl http://localhost:%d/status
`, cfg.ProxyPort, cfg.ManagementPort,
		cfg.CertDir,
		cfg.UseDoH, cfg.DoHProvider,
		cfg.PrivacyMode,
		cfg.FragmentSize,
		cfg.MinDelayMs, cfg.MaxDelayMs,
		frontDomainOrNone(cfg.FrontDomain),
		cfg.ManagementPort,
		cfg.ProxyPort, cfg.ProxyPort,
		cfg.ManagementPort)
}

func frontDomainOrNone(d string) string {
	if d == "" {
		return "(disabled)"
	}
	return d
}
