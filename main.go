// main.go
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/localserve/bookingcall/internal/app"
	"github.com/localserve/bookingcall/internal/config"
)

const configFile = "bookingcall.json"

var (
	showHelp = flag.Bool("h", false, "Show help")
	version  = flag.Bool("version", false, "Show version")
)

// appVersion is set at build time via -ldflags "-X main.appVersion=x.y.z"
var appVersion = "dev"

func init() {
	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.TimeOnly})
}

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("bookingcall v%s\n", appVersion)
		return
	}

	if *showHelp {
		showUsage()
		return
	}

	args := flag.Args()
	if len(args) == 0 {
		showUsage()
		os.Exit(1)
	}

	command := args[0]

	switch command {
	case "client":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "Error: client command requires directory path")
			fmt.Fprintln(os.Stderr, "Usage: bookingcall client <client-directory>")
			os.Exit(1)
		}
		runCLIClient(args[1])

	case "relay":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "Error: relay command requires directory path")
			fmt.Fprintln(os.Stderr, "Usage: bookingcall relay <relay-directory>")
			os.Exit(1)
		}
		runCLIRelay(args[1])

	default:
		fmt.Fprintf(os.Stderr, "Error: unknown command '%s'\n", command)
		fmt.Fprintln(os.Stderr)
		showUsage()
		os.Exit(1)
	}
}

func resolveDir(dirArg string) string {
	absDir, err := filepath.Abs(dirArg)
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid directory")
	}
	if stat, err := os.Stat(absDir); err != nil || !stat.IsDir() {
		log.Fatal().Str("dir", absDir).Msg("Directory does not exist")
	}
	return absDir
}

// signalContext is cancelled on SIGINT/SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigCh
		log.Info().Msg("Shutting down gracefully...")
		cancel()
	}()
	return ctx, cancel
}

func runCLIClient(dirArg string) {
	absDir := resolveDir(dirArg)

	cfgPath := filepath.Join(absDir, configFile)
	cfg, created, err := config.Ensure(cfgPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load config")
	}

	in := bufio.NewReader(os.Stdin)
	if created || cfg.Identity.UserID == "" {
		cfg, err = app.PromptIdentity(in, os.Stdout, absDir, cfgPath, cfg)
		if err != nil {
			log.Fatal().Err(err).Msg("Setup failed")
		}
		if err := config.Save(cfgPath, cfg); err != nil {
			log.Fatal().Err(err).Msg("Failed to save config")
		}
	}
	if err := cfg.ValidateClient(); err != nil {
		log.Fatal().Err(err).Msg("Invalid config")
	}

	printClientBanner(absDir, cfgPath, cfg)

	ctx, cancel := signalContext()
	defer cancel()

	if err := app.RunClient(ctx, app.Options{
		Dir:     absDir,
		CfgPath: cfgPath,
		Cfg:     cfg,
		In:      in,
		Out:     os.Stdout,
	}); err != nil {
		if errors.Is(err, app.ErrSignalingLost) {
			log.Fatal().Msg("Signaling connection lost")
		}
		log.Fatal().Err(err).Msg("Client failed")
	}
}

func runCLIRelay(dirArg string) {
	absDir := resolveDir(dirArg)

	cfgPath := filepath.Join(absDir, configFile)
	cfg, _, err := config.Ensure(cfgPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load config")
	}

	printRelayBanner(absDir, cfgPath, cfg)

	ctx, cancel := signalContext()
	defer cancel()

	if err := app.RunRelay(ctx, app.Options{
		Dir:     absDir,
		CfgPath: cfgPath,
		Cfg:     cfg,
	}); err != nil {
		log.Fatal().Err(err).Msg("Relay failed")
	}
}

func showUsage() {
	fmt.Println("bookingcall - booking chat and video calls")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  bookingcall client <directory>   Run a headless chat/call client")
	fmt.Println("  bookingcall relay <directory>    Run the development relay server")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  client <directory>")
	fmt.Println("        Run a client from the specified directory. The directory holds")
	fmt.Println("        " + configFile + " and the local state database; a missing config is")
	fmt.Println("        created and the identity asked for interactively")
	fmt.Println()
	fmt.Println("  relay <directory>")
	fmt.Println("        Run the signaling relay with message history and uploads")
	fmt.Println()
	fmt.Println("Options:")
	fmt.Println("  -h        Show this help message")
	fmt.Println("  -version  Show version information")
	fmt.Println()
	fmt.Println("Environment:")
	fmt.Println("  " + config.EnvPrefix + "_<SECTION>_<KEY> overrides a config value,")
	fmt.Println("  e.g. " + config.EnvPrefix + "_SIGNALING_URL=ws://10.0.0.2:8790/ws")
	fmt.Println()
	fmt.Println("Examples:")
	fmt.Println("  # Start a relay")
	fmt.Println("  bookingcall relay ./relay")
	fmt.Println()
	fmt.Println("  # Two clients talking through it")
	fmt.Println("  bookingcall client ./clients/alice")
	fmt.Println("  bookingcall client ./clients/bob")
}

func printClientBanner(dir, cfgPath string, cfg config.Config) {
	fmt.Println("╔════════════════════════════════════════════════════════╗")
	fmt.Println("║                  bookingcall client                    ║")
	fmt.Println("╚════════════════════════════════════════════════════════╝")
	fmt.Println()
	fmt.Printf("Client Directory: %s\n", dir)
	fmt.Printf("Config File:      %s\n", cfgPath)
	fmt.Printf("User:             %s\n", cfg.Identity.UserID)
	if cfg.Identity.UserName != "" {
		fmt.Printf("Display Name:     %s\n", cfg.Identity.UserName)
	}
	fmt.Printf("Signaling:        %s\n", cfg.Signaling.URL)
	fmt.Printf("Media:            %s\n", cfg.Media.Source)
	if cfg.Media.RecordDir != "" {
		fmt.Printf("Recording to:     %s\n", cfg.Media.RecordDir)
	}
	fmt.Println()
	fmt.Println("Starting client... (Press Ctrl+C to stop)")
	fmt.Println("────────────────────────────────────────────────────────")
	fmt.Println()
}

func printRelayBanner(dir, cfgPath string, cfg config.Config) {
	httpBase, wsURL := app.RelayURLs(cfg.Relay.ListenAddr)

	fmt.Println("╔════════════════════════════════════════════════════════╗")
	fmt.Println("║                   bookingcall relay                    ║")
	fmt.Println("╚════════════════════════════════════════════════════════╝")
	fmt.Println()
	fmt.Printf("Relay Directory: %s\n", dir)
	fmt.Printf("Config File:     %s\n", cfgPath)
	fmt.Println()
	fmt.Println("┌─────────────────────────────────────────────────────┐")
	fmt.Printf("│ signaling.url : %-36s│\n", wsURL)
	fmt.Printf("│ api.base_url  : %-36s│\n", httpBase)
	fmt.Println("└─────────────────────────────────────────────────────┘")
	fmt.Println()
	fmt.Println("Starting relay... (Press Ctrl+C to stop)")
	fmt.Println("────────────────────────────────────────────────────────")
	fmt.Println()
}
