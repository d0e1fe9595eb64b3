package main

import (
	"context"
	"flag"
	"net"
	nethttp "net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/haxii/log/v2"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/haxii/fastduplex/config"
	"github.com/haxii/fastduplex/http"
	"github.com/haxii/fastduplex/metrics"
	"github.com/haxii/fastduplex/server"
)

func main() {
	configPath := flag.String("config", "", "TOML config file, defaults are used if empty")
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		var err error
		if cfg, err = config.Load(*configPath); err != nil {
			log.Errorf(err, "fail to load config")
			os.Exit(1)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ln, err := net.Listen("tcp", cfg.Server.Listen)
	if err != nil {
		log.Errorf(err, "fail to listen on %s", cfg.Server.Listen)
		os.Exit(1)
	}
	srv := cfg.Server.NewServer(ln, echo)
	log.Debugf("%s listening on %s", srv.ServiceName, ln.Addr())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Serve(gctx) })
	if cfg.Metrics.Listen != "" {
		metrics.RegisterMetrics()
		mux := nethttp.NewServeMux()
		mux.Handle(cfg.Metrics.Path, promhttp.Handler())
		ms := &nethttp.Server{Addr: cfg.Metrics.Listen, Handler: mux}
		g.Go(func() error {
			if err := ms.ListenAndServe(); err != nil && err != nethttp.ErrServerClosed {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			return ms.Close()
		})
	}
	if err := g.Wait(); err != nil {
		log.Errorf(err, "echo server stopped")
		os.Exit(1)
	}
}

// echo answers every request with its own body
func echo(t *server.Trade) {
	head, body, err := t.Inbound().ReadAll(context.Background())
	if err != nil {
		log.Errorf(err, "fail to read request from %s", t.Conn().Addr())
		return
	}
	resp := http.NewResponseHead(200, "OK")
	resp.Header.Set("Content-Length", strconv.Itoa(len(body)))
	if ct := head.Header.Get("Content-Type"); ct != "" {
		resp.Header.Set("Content-Type", ct)
	}
	t.Outbound(http.Just(resp, http.NewLastContent(nil, body)))
}
