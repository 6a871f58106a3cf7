// Command softphone-demo is a runnable server/client exercising the module
// end to end: configuration, SIP transport/transaction/dialog, the media
// session, the memory pool, and metrics/health reporting. Grounded on
// arzzra-soft_phone's cmd/test_sip/main.go (flag-driven server/client mode
// switch, auto-accept-then-hangup demo flow).
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/arzzra/corevoip/pkg/config"
	"github.com/arzzra/corevoip/pkg/dialog"
	"github.com/arzzra/corevoip/pkg/message"
	"github.com/arzzra/corevoip/pkg/metrics"
	"github.com/arzzra/corevoip/pkg/pool"
	"github.com/arzzra/corevoip/pkg/rtp"
	"github.com/arzzra/corevoip/pkg/session"
	"github.com/arzzra/corevoip/pkg/transaction"
	"github.com/arzzra/corevoip/pkg/transport"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

func main() {
	var (
		configPath  = flag.String("config", "", "path to a config file (optional; env COREVOIP_* and defaults otherwise)")
		mode        = flag.String("mode", "server", "server or client")
		listenAddr  = flag.String("listen", "", "override local_bind_addr from config")
		user        = flag.String("user", "alice", "username for From/To URIs")
		domain      = flag.String("domain", "example.com", "SIP domain for From/To URIs")
		target      = flag.String("target", "sip:bob@127.0.0.1:5061", "call target (client mode)")
		metricsAddr = flag.String("metrics-addr", "127.0.0.1:9090", "Prometheus /metrics listen address")
		debug       = flag.Bool("debug", false, "verbose logging")
	)
	flag.Parse()

	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.Kitchen}).With().Timestamp().Logger()
	if *debug {
		log = log.Level(zerolog.DebugLevel)
	} else {
		log = log.Level(zerolog.InfoLevel)
	}

	cfg, err := config.Load(*configPath, *mode == "server")
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}
	if *listenAddr != "" {
		cfg.LocalBindAddr = *listenAddr
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid config")
	}

	metricsReg := metrics.New(metrics.DefaultConfig(), prometheus.DefaultRegisterer)
	bufPool := pool.New(pool.DefaultConfig())
	health := metrics.NewHealthMonitor()
	health.Register("buffer pool", func() (string, bool) {
		inUse := bufPool.InUse()
		metricsReg.PoolBytesInUse(inUse)
		return fmt.Sprintf("%d bytes in use", inUse), true
	})

	udpTransport, err := transport.NewUDPTransport(cfg.LocalBindAddr, transport.DefaultConfig())
	if err != nil {
		log.Fatal().Err(err).Msg("bind SIP UDP transport")
	}
	defer udpTransport.Close()

	timers := transaction.DefaultTimers()
	if cfg.TransactionTimers.T1 > 0 {
		timers.T1 = cfg.TransactionTimers.T1
	}
	if cfg.TransactionTimers.T2 > 0 {
		timers.T2 = cfg.TransactionTimers.T2
	}
	if cfg.TransactionTimers.T4 > 0 {
		timers.T4 = cfg.TransactionTimers.T4
	}
	txManager := transaction.NewManager(timers)
	txManager.SetMetrics(metricsReg)
	dm := dialog.NewManager(txManager)
	dm.SetMetrics(metricsReg)
	health.Register("dialog table", func() (string, bool) {
		return fmt.Sprintf("%d active", len(dm.Dialogs())), true
	})

	registry := rtp.NewRegistry()
	registry.Register(rtp.NewFixedRateFormat(0, "PCMU", 8000, 20))
	registry.Register(rtp.NewTelephoneEventFormat(101, 8000))

	minJ, maxJ, baseJ, tolJ := cfg.JitterBuffer.ToDurations()
	sessionCfg := session.Config{
		Registry:      registry,
		MediaBindAddr: hostOf(cfg.LocalBindAddr) + ":0",
		JitterBuffer: rtp.JitterBufferConfig{
			MinDelay:  minJ,
			MaxDelay:  maxJ,
			Base:      baseJ,
			K:         cfg.JitterBuffer.KFactor,
			Tolerance: tolJ,
		},
		Metrics: metricsReg,
	}

	parser := message.NewParser()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	server := &demoServer{
		log: log, txManager: txManager, dm: dm, sender: udpTransport,
		sessionCfg: sessionCfg, ctx: ctx,
		inviteSources: make(map[string]string),
	}
	txManager.OnNewServerTransaction(server.handleNewServerTransaction)

	udpTransport.OnMessage(func(msg transport.IncomingMessage) {
		parsed, err := parser.ParseMessage(msg.Data)
		if err != nil {
			log.Debug().Err(err).Str("remote", msg.RemoteAddr).Msg("discarding malformed SIP datagram")
			return
		}
		if parsed.IsRequest() {
			server.handleRequest(parsed.(*message.Request), msg.RemoteAddr)
		} else {
			server.handleResponse(parsed.(*message.Response))
		}
	})
	go func() {
		if err := udpTransport.Listen(); err != nil {
			log.Error().Err(err).Msg("SIP UDP transport stopped")
		}
	}()

	go serveMetrics(*metricsAddr, health, log)

	log.Info().Str("bind", cfg.LocalBindAddr).Str("mode", *mode).Msg("softphone-demo started")

	switch *mode {
	case "server":
		waitForSignal(log)
	case "client":
		runClient(ctx, dm, txManager, udpTransport, sessionCfg, *user, *domain, *target, log)
		waitForSignal(log)
	default:
		log.Fatal().Str("mode", *mode).Msg("mode must be server or client")
	}
}

func hostOf(bindAddr string) string {
	host, _, err := splitHostPortLoose(bindAddr)
	if err != nil || host == "0.0.0.0" {
		return "127.0.0.1"
	}
	return host
}

func splitHostPortLoose(addr string) (string, string, error) {
	for i := len(addr) - 1; i >= 0; i-- {
		if addr[i] == ':' {
			return addr[:i], addr[i+1:], nil
		}
	}
	return "", "", fmt.Errorf("softphone-demo: %q has no port", addr)
}

func waitForSignal(log zerolog.Logger) {
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c
	log.Info().Msg("shutting down")
}

func serveMetrics(addr string, health *metrics.HealthMonitor, log zerolog.Logger) {
	go health.Run(context.Background(), 15*time.Second)
	log.Info().Str("addr", addr).Msg("serving /metrics")
	if err := http.ListenAndServe(addr, promhttp.Handler()); err != nil {
		log.Error().Err(err).Msg("metrics server stopped")
	}
}
