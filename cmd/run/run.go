// Package run contains the command to run the purge worker daemon.
package run

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/hannigan/hannigan/cmd/util"
	"github.com/hannigan/hannigan/pkg/logger"
	"github.com/hannigan/hannigan/pkg/purge"
	"github.com/hannigan/hannigan/pkg/queue"
	"github.com/hannigan/hannigan/pkg/storage"
	"github.com/hannigan/hannigan/pkg/storage/memory"
	"github.com/hannigan/hannigan/pkg/storage/sqlcommon"
	"github.com/hannigan/hannigan/pkg/storage/sqlite"
)

const (
	datastoreEngineFlag  = "datastore-engine"
	datastoreURIFlag     = "datastore-uri"
	datastoreMetricsFlag = "datastore-metrics-enabled"
	maxOpenConnsFlag     = "datastore-max-open-conns"
	logFormatFlag        = "log-format"
	logLevelFlag         = "log-level"
	workersFlag          = "workers"
	queueCapacityFlag    = "queue-capacity"
	maxDeliveriesFlag    = "queue-max-deliveries"
	metricsEnabledFlag   = "metrics-enabled"
	metricsAddrFlag      = "metrics-addr"
)

// RelationshipConfig is one declared parent-child relationship, read from
// the `relationships` section of the config file.
type RelationshipConfig struct {
	Parent    string `mapstructure:"parent"`
	Child     string `mapstructure:"child"`
	Field     string `mapstructure:"field"`
	BatchSize int    `mapstructure:"batchSize"`
}

func NewRunCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the purge worker daemon",
		Long:  "Run the purge workers, resuming any orphan batches interrupted by a previous shutdown.",
		RunE:  run,
		Args:  cobra.NoArgs,
		PreRun: func(cmd *cobra.Command, args []string) {
			flags := cmd.Flags()
			for _, name := range []string{
				datastoreEngineFlag, datastoreURIFlag, datastoreMetricsFlag, maxOpenConnsFlag,
				logFormatFlag, logLevelFlag, workersFlag, queueCapacityFlag, maxDeliveriesFlag,
				metricsEnabledFlag, metricsAddrFlag,
			} {
				util.MustBindPFlag(name, flags.Lookup(name))
			}
		},
	}

	flags := cmd.Flags()

	flags.String(datastoreEngineFlag, "memory", "the datastore engine that will be used for persistence")
	flags.String(datastoreURIFlag, "", "the connection uri to use to connect to the datastore (for any engine other than 'memory')")
	flags.Bool(datastoreMetricsFlag, false, "enable datastore connection-pool metrics")
	flags.Int(maxOpenConnsFlag, 30, "the maximum number of open connections to the datastore")
	flags.String(logFormatFlag, "text", "the log format to output logs in ('text' or 'json')")
	flags.String(logLevelFlag, "info", "the log level to use ('none', 'debug', 'info', 'warn', 'error', 'fatal')")
	flags.Int(workersFlag, queue.DefaultWorkers, "the number of purge workers")
	flags.Int(queueCapacityFlag, queue.DefaultCapacity, "the capacity of the in-process task queue")
	flags.Int(maxDeliveriesFlag, queue.DefaultMaxDeliveries, "the delivery limit per purge task")
	flags.Bool(metricsEnabledFlag, false, "enable the prometheus metrics endpoint")
	flags.String(metricsAddrFlag, "0.0.0.0:2112", "the host:port address to serve the prometheus metrics endpoint on")

	// NOTE: if you add a new flag here, add the binding in PreRun

	return cmd
}

func run(_ *cobra.Command, _ []string) error {
	log := logger.MustNewLogger(viper.GetString(logFormatFlag), viper.GetString(logLevelFlag))

	var relationships []RelationshipConfig
	if err := viper.UnmarshalKey("relationships", &relationships); err != nil {
		return fmt.Errorf("parse relationships config: %w", err)
	}

	decls := make([]purge.Declaration, 0, len(relationships))
	for _, rc := range relationships {
		decls = append(decls, purge.Declaration{
			ParentType: rc.Parent,
			ChildType:  rc.Child,
			Field:      rc.Field,
			BatchSize:  rc.BatchSize,
		})
	}

	registry, err := purge.NewRegistry(decls...)
	if err != nil {
		return err
	}

	ds, err := openDatastore(log)
	if err != nil {
		return err
	}
	defer ds.Close()

	q := queue.NewMemory(queue.MemoryConfig{
		Workers:       viper.GetInt(workersFlag),
		Capacity:      viper.GetInt(queueCapacityFlag),
		MaxDeliveries: viper.GetInt(maxDeliveriesFlag),
		Logger:        log,
	})

	purger := purge.New(ds, q, registry, purge.WithLogger(log))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	q.Start(ctx, purger.Destroyer().Handle)

	if err := purger.Scheduler().ResumePending(ctx); err != nil {
		return fmt.Errorf("resume pending batches: %w", err)
	}

	var metricsServer *http.Server
	if viper.GetBool(metricsEnabledFlag) {
		addr := viper.GetString(metricsAddrFlag)
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsServer = &http.Server{Addr: addr, Handler: mux}

		go func() {
			log.Info("starting metrics endpoint", zap.String("addr", addr))
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error("metrics endpoint failed", zap.Error(err))
			}
		}()
	}

	log.Info("purge workers running",
		zap.Int("workers", viper.GetInt(workersFlag)),
		zap.Int("relationships", len(decls)),
	)

	<-ctx.Done()
	log.Info("shutting down")

	q.Stop()

	if metricsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = metricsServer.Shutdown(shutdownCtx)
	}

	return nil
}

func openDatastore(log logger.Logger) (storage.Datastore, error) {
	engine := viper.GetString(datastoreEngineFlag)
	uri := viper.GetString(datastoreURIFlag)

	switch engine {
	case "memory":
		return memory.New(), nil
	case "sqlite":
		opts := []sqlcommon.DatastoreOption{
			sqlcommon.WithLogger(log),
			sqlcommon.WithMaxOpenConns(viper.GetInt(maxOpenConnsFlag)),
		}
		if viper.GetBool(datastoreMetricsFlag) {
			opts = append(opts, sqlcommon.WithMetrics())
		}
		return sqlite.New(uri, sqlcommon.NewConfig(opts...))
	default:
		return nil, fmt.Errorf("storage engine '%s' is unsupported", engine)
	}
}
