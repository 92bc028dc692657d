package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"sort"
	"syscall"

	"github.com/chr1sbest/jobtrail/internal/api"
	"github.com/chr1sbest/jobtrail/internal/banner"
	"github.com/chr1sbest/jobtrail/internal/config"
	"github.com/chr1sbest/jobtrail/internal/engine"
	"github.com/chr1sbest/jobtrail/internal/logger"
	"github.com/chr1sbest/jobtrail/internal/task"
	"github.com/chr1sbest/jobtrail/internal/tasks"
)

func serveCmd(args []string) int {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configFile := fs.String("config", "", "Path to a JSON or YAML config file")
	addr := fs.String("addr", "", "Listen address (overrides config)")
	dataDir := fs.String("data", "", "Data directory (overrides config)")
	watch := fs.Bool("watch", true, "Reload the config file when it changes")
	quiet := fs.Bool("quiet", false, "Skip the startup banner")
	fs.Parse(args)

	loader := config.NewLoader(".env")
	cfg, err := loader.LoadAndValidate(*configFile, knownTaskNames())
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	if *addr != "" {
		cfg.ListenAddr = *addr
	}
	if *dataDir != "" {
		cfg.DataDir = *dataDir
	}

	log, closeLog, err := buildLogger(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer closeLog()
	for _, name := range loader.Missing() {
		log.Warn("config references an unset variable", logger.F("var", name))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	e, err := engine.New(cfg, log, engine.Options{})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open engine: %v\n", err)
		return 1
	}
	defer e.Close()

	if err := e.Start(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to start worker: %v\n", err)
		return 1
	}
	if *watch && *configFile != "" {
		if err := e.WatchConfig(ctx, loader, *configFile); err != nil {
			log.Warn("config watch disabled", logger.F("error", err))
		}
	}

	srv := api.NewServer(e, log, version)
	ready := func(a net.Addr) {
		log.Info("listening", logger.F("addr", a.String()))
		if *quiet {
			return
		}
		stats, _ := e.Stats(ctx)
		banner.New().Print(bannerInfo(e.ListTasks(true), a.String(), cfg.DataDir, stats.WorkerID))
	}

	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.ListenAndServe(ctx, cfg.ListenAddr, ready) }()

	select {
	case err := <-serveErr:
		if err != nil && !errors.Is(err, context.Canceled) {
			log.Error("http server stopped", logger.F("error", err))
			return 1
		}
	case <-e.Done():
		// signal or a worker that lost its lock
		stop()
		<-serveErr
	}
	log.Info("shutting down")
	return 0
}

func knownTaskNames() []string {
	defs := tasks.Definitions(tasks.Deps{})
	names := make([]string, 0, len(defs))
	for _, d := range defs {
		names = append(names, string(d.Name))
	}
	return names
}

func buildLogger(cfg *config.Config) (*logger.SinkLogger, func(), error) {
	level, err := logger.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, nil, err
	}
	sinks := []logger.Sink{logger.NewWriterSink(os.Stderr)}
	closeFn := func() {}
	if cfg.LogFile != "" {
		fileSink, err := logger.NewFileSink(cfg.LogFile)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open log file: %w", err)
		}
		sinks = append(sinks, fileSink)
		closeFn = func() { fileSink.Close() }
	}
	return logger.New(level, sinks...), closeFn, nil
}

func bannerInfo(list []task.Metadata, addr, dataDir, workerID string) banner.Info {
	info := banner.Info{Version: version, Addr: addr, DataDir: dataDir, WorkerID: workerID}
	for _, m := range list {
		if m.Visibility == task.VisibilityHidden {
			info.Hidden++
			continue
		}
		info.Tasks = append(info.Tasks, string(m.Name))
	}
	sort.Strings(info.Tasks)
	return info
}
