// Command sms-gateway runs C4: it dispatches queued SMS commands through
// the selected modem, matches inbound replies, and sweeps stale state
// (spec.md §4.4).
package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/r3e-network/fleet-telemetry/infrastructure/config"
	"github.com/r3e-network/fleet-telemetry/infrastructure/database"
	"github.com/r3e-network/fleet-telemetry/infrastructure/httpstatus"
	"github.com/r3e-network/fleet-telemetry/infrastructure/logging"
	"github.com/r3e-network/fleet-telemetry/infrastructure/metrics"
	"github.com/r3e-network/fleet-telemetry/infrastructure/secrets"
	"github.com/r3e-network/fleet-telemetry/infrastructure/shutdown"
	"github.com/r3e-network/fleet-telemetry/internal/smsgateway"
)

const serviceName = "sms-gateway"

func main() {
	addr := flag.String("addr", "", "HTTP listen address for /health, /ready, /metrics (defaults to :8084 or HTTP_ADDR)")
	flag.Parse()

	log0 := logging.NewFromEnv(serviceName)
	met := metrics.New(serviceName)
	startTime := time.Now()

	dsn := config.GetEnv("DATABASE_URL", "")
	if dsn == "" {
		log.Fatal("sms-gateway: DATABASE_URL is required")
	}
	outboxTimeout := config.GetEnvDuration("SMS_OUTBOX_TIMEOUT", smsgateway.DefaultOutboxTimeout)
	replyTimeout := config.GetEnvDuration("SMS_REPLY_TIMEOUT", smsgateway.DefaultReplyTimeout)

	rootCtx, stop := context.WithCancel(context.Background())
	defer stop()

	pool, err := database.Open(rootCtx, dsn, log0)
	if err != nil {
		log0.Fatal(rootCtx, "connect to postgres", err)
	}
	defer pool.Close()
	db := pool.DB()

	secretsMgr, err := secrets.NewManagerFromEnv()
	if err != nil {
		log0.Fatal(rootCtx, "init secrets manager", err)
	}

	client := smsgateway.NewHTTPModemClient()
	gateway := smsgateway.NewGateway(db, client, secretsMgr, log0, met).WithTimeouts(outboxTimeout, replyTimeout)

	done := make(chan struct{})
	go func() {
		defer close(done)
		gateway.Run(rootCtx)
	}()

	ready := true
	checker := httpstatus.NewHealthChecker(config.GetEnv("SERVICE_VERSION", "dev"))
	checker.RegisterCheck("database", func() error { return db.PingContext(rootCtx) })

	mux := http.NewServeMux()
	mux.Handle("/health", checker.Handler())
	mux.Handle("/live", httpstatus.LivenessHandler())
	mux.Handle("/ready", httpstatus.ReadinessHandler(&ready))
	mux.Handle("/metrics", promhttp.Handler())

	server := &http.Server{Addr: listenAddr(*addr), Handler: mux}
	gs := shutdown.NewGracefulShutdown(server, 15*time.Second)
	gs.OnShutdown(func() {
		ready = false
		stop()
		<-done
	})
	gs.ListenForSignals()

	go reportUptime(rootCtx, met, startTime)

	log0.Info(rootCtx, "sms-gateway listening", map[string]interface{}{"addr": server.Addr})
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log0.Fatal(rootCtx, "http server failed", err)
	}
	gs.Wait()
}

func reportUptime(ctx context.Context, met *metrics.Metrics, start time.Time) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			met.UpdateUptime(start)
		}
	}
}

func listenAddr(flagAddr string) string {
	if flagAddr != "" {
		return flagAddr
	}
	if v := config.GetEnv("HTTP_ADDR", ""); v != "" {
		return v
	}
	return ":8084"
}
