// Copyright 2024 FrameFarm Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// See the License for the specific language governing permissions and
// limitations under the License.

// farm-master runs the render farm scheduling core: it owns the metastore,
// expands submitted jobs into tasks, aggregates task state and wakes the
// dispatcher when work becomes assignable.
package main

import (
	"context"
	"database/sql"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/framefarm/framefarm/dispatcher"
	"github.com/framefarm/framefarm/metrics"
	"github.com/framefarm/framefarm/pkg/config"
	"github.com/framefarm/framefarm/queue"
	"github.com/framefarm/framefarm/statistics"
	_ "github.com/go-sql-driver/mysql"
	"github.com/pingcap/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

const reapInterval = time.Minute

// options defines flags for the farm-master command.
type options struct {
	configFilePath string
	dsn            string
	metricsAddr    string
	logLevel       string
	logFile        string

	cfg *config.Config
}

func newOptions() *options {
	return &options{}
}

func (o *options) addFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&o.configFilePath, "config", "", "Path to the farm-master TOML configuration file")
	cmd.Flags().StringVar(&o.dsn, "dsn", "", "MySQL DSN of the metastore, overrides the configured one")
	cmd.Flags().StringVar(&o.metricsAddr, "metrics-addr", "127.0.0.1:10800", "Listening address of the prometheus endpoint")
	cmd.Flags().StringVar(&o.logLevel, "log-level", "info", "log level (etc: debug|info|warn|error)")
	cmd.Flags().StringVar(&o.logFile, "log-file", "", "log file path")
}

// complete adapts from the command line args to the configuration.
func (o *options) complete() error {
	if o.configFilePath != "" {
		cfg, err := config.FromFile(o.configFilePath)
		if err != nil {
			return err
		}
		o.cfg = cfg
	} else {
		o.cfg = config.GetDefaultConfig()
	}
	if o.dsn != "" {
		o.cfg.Store.DSN = o.dsn
	}
	return o.cfg.Validate()
}

func (o *options) run(cmd *cobra.Command) error {
	logger, props, err := log.InitLogger(&log.Config{
		Level: o.logLevel,
		File:  log.FileLogConfig{Filename: o.logFile},
	})
	if err != nil {
		return err
	}
	log.ReplaceGlobals(logger, props)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sqlDB, err := sql.Open("mysql", o.cfg.Store.DSN)
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	cli, err := queue.NewClient(sqlDB, time.Duration(o.cfg.Store.SlowThreshold))
	if err != nil {
		return err
	}
	defer cli.Close()
	if err := cli.InitAllTables(ctx); err != nil {
		return err
	}

	registry := prometheus.NewRegistry()
	metrics.InitMetrics(registry)

	recorder := statistics.NewRecorder(cli)
	// Discard stands in until an assignment subsystem attaches; agents can
	// still pull work through the transport layer.
	trigger := dispatcher.NewTrigger(dispatcher.Discard)
	defer trigger.Close()

	sched := queue.NewScheduler(cli, o.cfg,
		queue.WithAssignmentNotifier(trigger),
		queue.WithTransitionRecorder(recorder),
	)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := trigger.Run(ctx); err != nil && ctx.Err() == nil {
			log.Error("assignment trigger exited", zap.Error(err))
		}
	}()
	if o.cfg.EnableStatistics {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = recorder.Run(ctx)
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		runReaper(ctx, sched)
	}()

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	server := &http.Server{Addr: o.metricsAddr, Handler: mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	log.Info("farm-master started",
		zap.String("metrics-addr", o.metricsAddr),
		zap.Bool("statistics", o.cfg.EnableStatistics))
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	wg.Wait()
	return nil
}

// runReaper flags expired finished jobs and removes flagged jobs whose
// tasks have stopped.
func runReaper(ctx context.Context, sched *queue.Scheduler) {
	ticker := time.NewTicker(reapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := sched.AutodeleteFinishedJobs(ctx); err != nil {
				log.Warn("autodelete pass failed", zap.Error(err))
				continue
			}
			if _, err := sched.ReapDeletedJobs(ctx); err != nil {
				log.Warn("reaper pass failed", zap.Error(err))
			}
		}
	}
}

func newCmd() *cobra.Command {
	o := newOptions()
	cmd := &cobra.Command{
		Use:   "farm-master",
		Short: "farm-master runs the render farm scheduling master",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := o.complete(); err != nil {
				return err
			}
			return o.run(cmd)
		},
		SilenceUsage: true,
	}
	o.addFlags(cmd)
	return cmd
}

func main() {
	if err := newCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
