// Command slimerjs runs a JavaScript automation script against a
// headless browser, exposing the phantom-style webpage API to it.
//
// Usage:
//
//	slimerjs script.js
//
// Configuration comes from the environment (optionally a .env file):
//
//	SLIMER_HEADLESS        run the engine headless (default true)
//	SLIMER_CONTROL_URL     attach to an already-running engine
//	SLIMER_LIBRARY_PATH    base directory for injectJs
//	SLIMER_IDLE_TIMEOUT    post-script event loop idle timeout
//	SLIMER_LOG_LEVEL       debug, info, warn or error
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"go.uber.org/zap"

	"github.com/vmeurisse/slimerjs/browser"
	"github.com/vmeurisse/slimerjs/internal/logging"
	"github.com/vmeurisse/slimerjs/scripthost"
)

type config struct {
	Headless    bool          `envconfig:"HEADLESS" default:"true"`
	ControlURL  string        `envconfig:"CONTROL_URL"`
	LibraryPath string        `envconfig:"LIBRARY_PATH"`
	IdleTimeout time.Duration `envconfig:"IDLE_TIMEOUT" default:"5s"`
	LogLevel    string        `envconfig:"LOG_LEVEL" default:"info"`
	LogDev      bool          `envconfig:"LOG_DEV"`
}

func main() {
	os.Exit(run())
}

func run() int {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: slimerjs script.js")
		return 2
	}
	script := os.Args[1]

	_ = godotenv.Load()

	var cfg config
	if err := envconfig.Process("SLIMER", &cfg); err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		return 2
	}

	log, err := logging.New(logging.Config{Level: cfg.LogLevel, Development: cfg.LogDev})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		return 2
	}
	defer log.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	engine, err := browser.Connect(browser.Options{
		Headless:   cfg.Headless,
		ControlURL: cfg.ControlURL,
		Logger:     log.Named("browser"),
	})
	if err != nil {
		log.Error("failed to start browser engine", zap.Error(err))
		return 1
	}
	defer engine.Close()

	libraryPath := cfg.LibraryPath
	if libraryPath == "" {
		libraryPath = filepath.Dir(script)
	}

	host, err := scripthost.New(scripthost.Options{
		Engine:      engine,
		Logger:      log.Named("script"),
		LibraryPath: libraryPath,
		IdleTimeout: cfg.IdleTimeout,
	})
	if err != nil {
		log.Error("failed to create script host", zap.Error(err))
		return 1
	}

	code, err := host.Run(ctx, script)
	if err != nil {
		log.Error("script run failed", zap.Error(err))
	}
	return code
}
