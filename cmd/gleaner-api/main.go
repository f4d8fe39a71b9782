package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gleaner-app/gleaner/internal/application/server"
	"github.com/gleaner-app/gleaner/internal/logger/zaplogger"
	"github.com/gleaner-app/gleaner/internal/messaging"
	"github.com/gleaner-app/gleaner/internal/messaging/redisbus"
	"github.com/gleaner-app/gleaner/internal/pipeline"
	"github.com/gleaner-app/gleaner/internal/repository/postgresql"
	"github.com/gleaner-app/gleaner/internal/tracing"
	"github.com/gleaner-app/gleaner/internal/version"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func main() {
	var cfgFile string

	// rootCmd represents the base command when called without any subcommands
	rootCmd := &cobra.Command{
		Use:   "gleaner-api",
		Short: "Gleaner feeds control plane",
		Long:  `HTTP control plane of the Gleaner feed aggregator: feed management, refresh triggers, OPML import/export and maintenance`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return startServer(cfgFile)
		},
	}
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./config.yaml)")
	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print the version number of application",
		Long:  `Software version`,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("Gleaner API version:", version.Version, ", build on:", version.BuildTime)
		},
	}
	migrateCmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply database schema migrations",
		Long:  `Creates or upgrades the database schema to the latest version`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return migrateDatabase(cfgFile)
		},
	}
	rootCmd.AddCommand(versionCmd, migrateCmd)
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func readConfig(cfgFile string) error {
	if cfgFile != "" {
		// Use config file from the flag.
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
	return nil
}

func databaseConfig() (*postgresql.Config, error) {
	databaseViperConfig := viper.Sub("database")
	if databaseViperConfig == nil {
		return nil, fmt.Errorf("missing 'database' configuration section")
	}
	dbCfg := &postgresql.Config{}
	if err := databaseViperConfig.UnmarshalExact(dbCfg); err != nil {
		return nil, fmt.Errorf("couldn't read 'database' configuration: %w", err)
	}
	return dbCfg, nil
}

func migrateDatabase(cfgFile string) error {
	if err := readConfig(cfgFile); err != nil {
		return err
	}
	dbCfg, err := databaseConfig()
	if err != nil {
		return err
	}
	if err := postgresql.MigrateUp(dbCfg); err != nil {
		return err
	}
	fmt.Println("Database schema is up to date")
	return nil
}

func startServer(cfgFile string) error {
	if err := readConfig(cfgFile); err != nil {
		return err
	}
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

	dbCfg, err := databaseConfig()
	if err != nil {
		return err
	}
	db, err := postgresql.New(dbCfg, postgresql.NewZapLogger(logger.Desugar()), tracer)
	if err != nil {
		return fmt.Errorf("couldn't create database connection: %w", err)
	}
	defer db.Close()

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
	jobProducer := messaging.NewJobProducer(bus, tracer)

	pipelineCfg := &pipeline.Config{}
	if err := viper.UnmarshalKey("pipeline", pipelineCfg); err != nil {
		return fmt.Errorf("couldn't read 'pipeline' configuration: %w", err)
	}
	pipelineCfg.ApplyDefaults()
	if err := pipelineCfg.Validate(); err != nil {
		return err
	}

	// Create web server
	serverCfg := server.Config{}
	serverViperConfig := viper.Sub("server")
	if serverViperConfig == nil {
		return fmt.Errorf("missing 'server' configuration section")
	}
	if err := serverViperConfig.UnmarshalExact(&serverCfg); err != nil {
		return fmt.Errorf("couldn't read 'server' configuration: %w", err)
	}
	handler := server.NewHandler(logger, tracer, db, jobProducer, pipelineCfg.FetchDefaultInterval)
	httpServer := server.New(serverCfg, logger, handler)

	// Serve until SIGINT/SIGTERM, then drain in-flight requests.
	errChan := make(chan error, 1)
	go func() {
		errChan <- httpServer.StartAndServe()
	}()
	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-errChan:
		return err
	case received := <-signalChan:
		logger.Info("Received ", received, ", shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	}
}
