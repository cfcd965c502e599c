package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"
	"github.com/yly97/coapdtls/pkg/config"
	"github.com/yly97/coapdtls/pkg/connector"
	"github.com/yly97/coapdtls/pkg/credentials"
	"github.com/yly97/coapdtls/pkg/metrics"
	"github.com/yly97/coapdtls/pkg/mode"
	"github.com/yly97/coapdtls/pkg/resource"
	"github.com/yly97/coapdtls/pkg/server"
	"github.com/yly97/coapdtls/pkg/signals"
	"github.com/yly97/coapdtls/pkg/trace"
	"golang.org/x/sync/errgroup"
)

var (
	verbose int
	envFile string
)

func usage() {
	fmt.Fprintf(flag.CommandLine.Output(), "Usage: %s [flags] [MODE...]\n\n", os.Args[0])
	fmt.Fprintf(flag.CommandLine.Output(), "MODE is one of %s, default %s\n\n", mode.All(), mode.Default())
	flag.PrintDefaults()
}

func main() {
	flag.IntVar(&verbose, "verbose", 2, "Set log level(0:trace, 1:debug, 2:info)")
	flag.StringVar(&envFile, "env", "", "Path to .env file, default .env in working directory")
	flag.Usage = usage
	flag.Parse()

	switch verbose {
	case 0:
		log.SetLevel(log.TraceLevel)
	case 1:
		log.SetLevel(log.DebugLevel)
	}

	var files []string
	if envFile != "" {
		files = append(files, envFile)
	}
	cfg, err := config.Load(config.DefaultPrefix, files...)
	if err != nil {
		log.Fatalf("load config error: %v", err)
	}
	// 环境变量中的日志级别优先于-verbose
	if level, ok, err := cfg.Level(); err != nil {
		log.Fatalf("parse log level error: %v", err)
	} else if ok {
		log.SetLevel(level)
	}

	// 命令行的认证方式优先于COAP_MODES
	requested, err := mode.ParseAll(flag.Args())
	if err != nil {
		fmt.Fprintln(flag.CommandLine.Output(), err)
		flag.Usage()
		os.Exit(2)
	}
	if len(requested) == 0 {
		if requested, err = cfg.RequestedModes(); err != nil {
			log.Fatalf("parse COAP_MODES error: %v", err)
		}
	}
	modes, err := mode.Resolve(requested, mode.All())
	if err != nil {
		log.Fatalf("resolve modes error: %v", err)
	}
	log.Infof("Authentication modes: %s", modes)

	// 加载凭据
	var creds *credentials.Credentials
	if modes.Secure() {
		if creds, err = credentials.Load(modes, credentials.Server, cfg.Source()); err != nil {
			log.Fatalf("load credentials error: %v", err)
		}
	}

	// 资源树
	tree := resource.NewTree()
	storage := resource.NewStorage(cfg.StorageRoot, resource.WithMaxEntries(cfg.StorageEntries))
	if err := tree.HandlePrefix(storage.Root(), storage); err != nil {
		log.Fatal(err)
	}
	if err := tree.Handle(resource.WellKnownCore, resource.NewDiscovery(tree)); err != nil {
		log.Fatal(err)
	}

	observers := []trace.Observer{trace.NewLogger(log.WithField("component", "trace"))}
	var metricsServer *http.Server
	if cfg.MetricsAddress != "" {
		reg := prometheus.NewRegistry()
		observers = append(observers, metrics.New(reg, ""))
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler(reg))
		metricsServer = &http.Server{Addr: cfg.MetricsAddress, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	}
	observer := trace.Multi(observers...)
	// Server创建之后才能接收Connector的会话事件
	sessions := &trace.Forward{}

	connCfg := cfg.Connector(modes, creds)
	connCfg.Observer = trace.Multi(observer, sessions)
	conn, err := connector.Listen(connCfg)
	if err != nil {
		log.Fatalf("listen error: %v", err)
	}
	log.Infof("Connector is listening on %s", conn.Addr())

	srvCfg := cfg.Server(tree)
	srvCfg.Observer = observer
	srv, err := server.New(conn, srvCfg)
	if err != nil {
		log.Fatal(err)
	}
	sessions.Set(srv)

	stopCh := signals.RegisterSignalHandlers()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return srv.Serve(ctx)
	})
	if metricsServer != nil {
		g.Go(func() error {
			log.Infof("Metrics are served on %s/metrics", cfg.MetricsAddress)
			if err := metricsServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}
	g.Go(func() error {
		select {
		case <-stopCh:
			cancel()
		case <-ctx.Done():
		}
		if metricsServer != nil {
			shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
			defer done()
			_ = metricsServer.Shutdown(shutdownCtx)
		}
		return conn.Close()
	})

	if err := g.Wait(); err != nil {
		log.Errorf("Server terminated with error: %v", err)
		os.Exit(1)
	}
	log.Info("Server stopped!")
}
