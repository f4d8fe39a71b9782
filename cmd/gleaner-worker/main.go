package main

import (
	"fmt"
	"net/http"
	"os"

	"github.com/gleaner-app/gleaner/internal/application/worker"
	"github.com/gleaner-app/gleaner/internal/extract"
	"github.com/gleaner-app/gleaner/internal/fetch"
	"github.com/gleaner-app/gleaner/internal/logger/zaplogger"
	"github.com/gleaner-app/gleaner/internal/messaging"
	"github.com/gleaner-app/gleaner/internal/messaging/redisbus"
	"github.com/gleaner-app/gleaner/internal/metrics"
	"github.com/gleaner-app/gleaner/internal/pipeline"
	"github.com/gleaner-app/gleaner/internal/repository/postgresql"
	"github.com/gleaner-app/gleaner/internal/tracing"
	"github.com/gleaner-app/gleaner/internal/version"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func main() {
	var cfgFile string

	// rootCmd represents the base command when called without any subcommands
	rootCmd := &cobra.Command{
		Use:   "gleaner-worker",
		Short: "Gleaner background worker to fetch and store feeds",
		Long:  `Command line worker scheduling and performing feed fetches, parsing and storing new items`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return startWorker(cfgFile)
		},
	}
	// Version command, attached to root
	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print the version number of application",
		Long:  `Software version`,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("Gleaner worker version:", version.Version, ", build on:", version.BuildTime)
		},
	}

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./config.yaml)")
	rootCmd.AddCommand(versionCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

// We read config file and use dependency injection to create worker
func startWorker(cfgFile string) error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.AddConfigPath(".")      // optionally look for config in the working directory
		viper.SetConfigName("config") // name of config file (without extension)
	}
	// If the config file is found, read it in.
	if err := viper.ReadInConfig(); err != nil {
		return fmt.Errorf("error in config file %s: %w", viper.ConfigFileUsed(), err)
	}
	fmt.Println("Using config file:", viper.ConfigFileUsed())
	// Init logging
	logCfg := &zaplogger.Config{}
	if err := viper.UnmarshalKey("logging", logCfg); err != nil {
		return fmt.Errorf("couldn't read 'logging' configuration: %w", err)
	}
	zapLogger, err := zaplogger.New(logCfg)
	if err != nil {
		return err
	}
	logger := zapLogger.Sugar()
	defer logger.Sync()

	// Init tracing
	tracingCfg := tracing.Config{}
	if err := viper.UnmarshalKey("tracing", &tracingCfg); err != nil {
		return fmt.Errorf("couldn't read 'tracing' configuration: %w", err)
	}
	tracer, tracerCloser, err := tracing.New(tracingCfg, tracing.NewZapLogger(logger))
	if err != nil {
		return fmt.Errorf("couldn't init tracing: %w", err)
	}
	defer tracerCloser.Close()

	// Create db configuration
	databaseViperConfig := viper.Sub("database")
	if databaseViperConfig == nil {
		return fmt.Errorf("missing 'database' configuration section")
	}
	dbCfg := &postgresql.Config{}
	if err := databaseViperConfig.UnmarshalExact(dbCfg); err != nil {
		return fmt.Errorf("couldn't read 'database' configuration: %w", err)
	}
	// Open db
	db, err := postgresql.New(dbCfg, postgresql.NewZapLogger(logger.Desugar()), tracer)
	if err != nil {
		return fmt.Errorf("couldn't create database connection: %w", err)
	}
	defer db.Close()

	// Connect to the message bus
	busViperConfig := viper.Sub("bus")
	if busViperConfig == nil {
		return fmt.Errorf("missing 'bus' configuration section")
	}
	busCfg := &redisbus.Config{}
	if err := busViperConfig.UnmarshalExact(busCfg); err != nil {
		return fmt.Errorf("couldn't read 'bus' configuration: %w", err)
	}
	bus, err := redisbus.New(busCfg)
	if err != nil {
		return fmt.Errorf("couldn't connect to the message bus: %w", err)
	}
	defer bus.Close()

	pipelineCfg := &pipeline.Config{}
	if err := viper.UnmarshalKey("pipeline", pipelineCfg); err != nil {
		return fmt.Errorf("couldn't read 'pipeline' configuration: %w", err)
	}
	pipelineCfg.ApplyDefaults()
	if err := pipelineCfg.Validate(); err != nil {
		return err
	}

	// Prometheus metrics and liveness for the worker process
	metricsCfg := struct {
		Address string `mapstructure:"address"`
	}{Address: ":9090"}
	if metricsViperConfig := viper.Sub("metrics"); metricsViperConfig != nil {
		if err := metricsViperConfig.UnmarshalExact(&metricsCfg); err != nil {
			return fmt.Errorf("couldn't read 'metrics' configuration: %w", err)
		}
	}
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
			w.Write([]byte("."))
		})
		logger.Info("Metrics listener is ready to serve on ", metricsCfg.Address)
		if err := http.ListenAndServe(metricsCfg.Address, mux); err != nil && err != http.ErrServerClosed {
			logger.Error("Metrics listener failed: ", err)
		}
	}()
	collector := metrics.NewCollector(prometheus.DefaultRegisterer)

	// Assemble the pipeline
	fetcher := fetch.New(pipelineCfg.UserAgent, pipelineCfg.Timeout(), pipelineCfg.FetchConcurrency, pipelineCfg.PerHostConcurrency, logger)
	engine, err := extract.New(pipelineCfg.ExtractionEngine)
	if err != nil {
		return err
	}
	eventPublisher := messaging.NewEventPublisher(bus, logger, tracer)
	jobProducer := messaging.NewJobProducer(bus, tracer)
	feedsProcessor := pipeline.NewProcessor(db, fetcher, eventPublisher, engine, collector, logger, tracer)
	scheduler := pipeline.NewScheduler(db, jobProducer, collector, logger, tracer, pipelineCfg.Tick(), pipelineCfg.SchedulerBatchSize)
	pool := pipeline.NewConsumerPool(bus, feedsProcessor, collector, logger, pipelineCfg.FetchConcurrency)

	workerCfg := worker.Config{}
	if workerViperConfig := viper.Sub("worker"); workerViperConfig != nil {
		if err := workerViperConfig.UnmarshalExact(&workerCfg); err != nil {
			return fmt.Errorf("couldn't read 'worker' configuration: %w", err)
		}
	}
	wrkr := worker.New(scheduler, pool, eventPublisher, logger, workerCfg)
	return wrkr.Run()
}
