// Command secure-chanel runs the private chat server: HTTP login and
// history endpoints, the websocket channel, and an optional internal
// metrics listener.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/AyhanMehrzad/Secure-Chanel/pkg/logger"
	"github.com/AyhanMehrzad/Secure-Chanel/pkg/server"
)

var Version = "dev"

func main() {
	configPath := flag.String("config", defaultConfigPath(), "Path to the TOML config file (created with defaults if missing)")
	host := flag.String("host", "", "Bind address (overrides config)")
	port := flag.Int("port", 0, "Listen port (overrides config)")
	metricsPort := flag.Int("metrics-port", 0, "Internal metrics port (overrides config, -1 disables)")
	logLevel := flag.String("log-level", "info", "Log level: trace, debug, info, warn, error")
	debug := flag.Bool("debug", false, "Shorthand for -log-level debug")
	pretty := flag.Bool("pretty", false, "Human-readable console output instead of JSON")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("secure-chanel %s\n", Version)
		return
	}

	if *debug {
		*logLevel = "debug"
	}
	logger.Init(logger.Config{
		Level:       *logLevel,
		Pretty:      *pretty,
		ServiceName: "secure-chanel",
	})
	log := logger.L()

	tomlConfig, err := server.LoadConfig(*configPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", *configPath).Msg("failed to load config")
	}

	config := tomlConfig.ToServerConfig()
	if *host != "" {
		config.Host = *host
	}
	if *port != 0 {
		config.Port = *port
	}
	if *metricsPort != 0 {
		config.MetricsPort = *metricsPort
	}

	dataDir, err := tomlConfig.GetDataDir()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to prepare data directory")
	}
	dbPath := filepath.Join(dataDir, "secure-chanel.db")

	srv, err := server.NewServer(dbPath, config)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialise server")
	}
	if err := srv.Start(); err != nil {
		log.Fatal().Err(err).Msg("failed to start server")
	}

	log.Info().
		Str("version", Version).
		Str("addr", srv.Addr()).
		Str("config", *configPath).
		Str("db", dbPath).
		Msg("secure-chanel is up")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	log.Info().Str("signal", sig.String()).Msg("shutting down")

	if err := srv.Stop(); err != nil {
		log.Error().Err(err).Msg("shutdown finished with errors")
		os.Exit(1)
	}
}

// defaultConfigPath follows the platform config dir convention, with a
// working-directory fallback when none is resolvable.
func defaultConfigPath() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "secure-chanel", "config.toml")
	}
	return "config.toml"
}
