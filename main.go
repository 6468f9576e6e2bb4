package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"runtime"
	"strconv"
	"strings"
	"syscall"
	"time"

	"crypto/tls"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"

	"github.com/sto/imaproxy/config"
	"github.com/sto/imaproxy/crypto"
	"github.com/sto/imaproxy/plugin"
	"github.com/sto/imaproxy/proxy"
	"github.com/sto/imaproxy/worker"
)

// Variables

// shutdownGrace is how long in-flight sessions may drain after a
// termination signal before the process exits anyway.
const shutdownGrace = 10 * time.Second

// Functions

// initLogger initializes a JSON gokit-logger set to the according log
// level supplied via cli flag.
func initLogger(loglevel string, useColors bool, workerID string) log.Logger {

	var out io.Writer = os.Stdout
	if useColors {
		out = &colorWriter{out: os.Stdout, color: workerColor(workerID)}
	}

	logger := log.NewJSONLogger(log.NewSyncWriter(out))
	logger = log.With(logger,
		"ts", log.DefaultTimestampUTC,
		"caller", log.DefaultCaller,
	)

	if workerID != "" {
		logger = log.With(logger, "worker", workerID)
	}

	switch strings.ToLower(loglevel) {
	case "info":
		logger = level.NewFilter(logger, level.AllowInfo())
	case "warn":
		logger = level.NewFilter(logger, level.AllowWarn())
	case "error":
		logger = level.NewFilter(logger, level.AllowError())
	default:
		logger = level.NewFilter(logger, level.AllowDebug())
	}

	return logger
}

func main() {

	// Set CPUs usable by imaproxy to all available.
	runtime.GOMAXPROCS(runtime.NumCPU())

	configFlag := flag.String("config", "config.toml", "Provide path to configuration file in TOML syntax.")
	loglevelFlag := flag.String("loglevel", "debug", "This flag sets the default logging level.")
	flag.Parse()

	workerID := worker.ID()

	conf, err := config.LoadConfig(*configFlag)
	if err != nil {
		level.Error(initLogger(*loglevelFlag, false, workerID)).Log(
			"msg", "failed to load the config", "err", err,
		)
		os.Exit(1)
	}
	config.ApplyEnv(conf)

	logger := initLogger(*loglevelFlag, conf.UseColors, workerID)

	// Termination signals trigger a graceful shutdown everywhere.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// The parent of a pre-fork pool only supervises; each worker
	// comes back through main with its id in the environment.
	if conf.Workers > 0 && workerID == "" {

		if err := worker.Supervise(ctx, logger, conf.Workers, conf.CrashBudget); err != nil {
			level.Error(logger).Log("msg", "worker pool failed", "err", err)
			os.Exit(2)
		}
		return
	}

	listener, err := worker.Listen(conf.BindPort, conf.Workers > 0)
	if err != nil {
		level.Error(logger).Log("msg", "failed to bind", "err", err)
		os.Exit(3)
	}

	if conf.SSL {

		tlsConfig, err := crypto.NewListenerTLSConfig(conf.SSLCert, conf.SSLKey, conf.SSLCA)
		if err != nil {
			level.Error(logger).Log("msg", "failed to load TLS listener material", "err", err)
			os.Exit(4)
		}

		listener = tls.NewListener(listener, tlsConfig)
	}

	// Bind happened, root is no longer needed.
	if err := worker.DropPrivileges(conf.UserUID, conf.UserGID); err != nil {
		level.Error(logger).Log("msg", "failed to drop privileges", "err", err)
		os.Exit(5)
	}

	metrics := NewProxyMetrics(conf.PrometheusAddr)
	go runPromHTTP(logger, conf.PrometheusAddr)

	p, err := proxy.New(logger, conf, metrics, listener, workerID)
	if err != nil {
		level.Error(logger).Log("msg", "failed to initialize proxy", "err", err)
		os.Exit(6)
	}

	p.Use(plugin.NewCapability())
	p.Use(plugin.NewFolderFilter(logger, conf.DebugLog, metrics.FilteredListings))

	if conf.PluginDir != "" {
		for _, lp := range plugin.LoadLuaDir(conf.PluginDir, logger) {
			p.Use(lp)
		}
	}

	drained := make(chan struct{})
	go func() {
		<-ctx.Done()
		level.Info(logger).Log("msg", "shutting down", "grace", shutdownGrace.String())
		p.Shutdown(shutdownGrace)
		close(drained)
	}()

	level.Info(logger).Log(
		"msg", "proxying IMAP connections",
		"bind_port", conf.BindPort,
		"upstream", conf.IMAPServer,
	)

	if err := p.Run(); err != nil {
		level.Error(logger).Log("msg", "proxy terminated", "err", err)
		os.Exit(7)
	}

	// Run returned because the listener closed; let in-flight
	// sessions finish draining before the process goes away.
	select {
	case <-drained:
	case <-time.After(shutdownGrace + time.Second):
	}
}

// colorWriter prefixes every log line with an ANSI color code so the
// output of pool workers can be told apart on one terminal.
type colorWriter struct {
	out   io.Writer
	color int
}

func (w *colorWriter) Write(p []byte) (int, error) {

	if _, err := fmt.Fprintf(w.out, "\x1b[%dm", w.color); err != nil {
		return 0, err
	}

	n, err := w.out.Write(p)
	if err != nil {
		return n, err
	}

	_, err = w.out.Write([]byte("\x1b[0m"))
	return n, err
}

func workerColor(workerID string) int {

	id, err := strconv.Atoi(workerID)
	if err != nil {
		return 36
	}

	return 31 + id%6
}
