// Package main is the avatls command line tool: a TLS echo server, a client
// probe, certificate verification and key generation built on the avatls
// TLS façade.
package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/vyrodovalexey/avatls/internal/config"
	"github.com/vyrodovalexey/avatls/internal/observability"
)

// Version information (set at build time).
var (
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

// command runs one subcommand with its own arguments.
type command struct {
	summary string
	run     func(args []string, stdout, stderr io.Writer) error
}

var commands = map[string]command{
	"serve":   {"run the TLS echo server", runServe},
	"connect": {"handshake with a server and report the result", runConnect},
	"verify":  {"verify a certificate chain against trust anchors", runVerify},
	"genkey":  {"generate a private key and optionally a certificate", runGenKey},
	"version": {"print version information", runVersion},
}

// errUsage marks errors that were already reported with usage text.
var errUsage = errors.New("usage")

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 || args[0] == "-h" || args[0] == "--help" || args[0] == "help" {
		usage(stderr)
		if len(args) == 0 {
			return 2
		}
		return 0
	}

	cmd, ok := commands[args[0]]
	if !ok {
		fmt.Fprintf(stderr, "unknown command %q\n\n", args[0])
		usage(stderr)
		return 2
	}

	if err := cmd.run(args[1:], stdout, stderr); err != nil {
		if errors.Is(err, errUsage) || errors.Is(err, flag.ErrHelp) {
			return 2
		}
		fmt.Fprintf(stderr, "avatls %s: %v\n", args[0], err)
		return 1
	}
	return 0
}

func usage(w io.Writer) {
	fmt.Fprintln(w, "usage: avatls <command> [flags]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "commands:")
	names := make([]string, 0, len(commands))
	for name := range commands {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(w, "  %-8s %s\n", name, commands[name].summary)
	}
}

func runVersion(_ []string, stdout, _ io.Writer) error {
	fmt.Fprintf(stdout, "avatls version %s\n", version)
	fmt.Fprintf(stdout, "  Build time: %s\n", buildTime)
	fmt.Fprintf(stdout, "  Git commit: %s\n", gitCommit)
	return nil
}

// commonFlags are shared by the commands that read the configuration file.
type commonFlags struct {
	configPath string
	logLevel   string
	logFormat  string
}

func (c *commonFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&c.configPath, "config", getEnvOrDefault("AVATLS_CONFIG_PATH", ""),
		"Path to configuration file")
	fs.StringVar(&c.logLevel, "log-level", getEnvOrDefault("AVATLS_LOG_LEVEL", ""),
		"Log level (debug, info, warn, error); overrides the configuration")
	fs.StringVar(&c.logFormat, "log-format", getEnvOrDefault("AVATLS_LOG_FORMAT", ""),
		"Log format (json, console); overrides the configuration")
}

// loadConfig loads the configuration file, or returns defaults when no path
// was given. Flag overrides are applied to the logging section.
func (c *commonFlags) loadConfig() (*config.Config, error) {
	var cfg *config.Config
	if c.configPath == "" {
		cfg = config.DefaultConfig()
	} else {
		path, err := config.ResolveConfigPath(c.configPath)
		if err != nil {
			return nil, err
		}
		c.configPath = path
		if cfg, err = config.LoadConfig(path); err != nil {
			return nil, err
		}
	}
	if c.logLevel != "" {
		cfg.Logging.Level = c.logLevel
	}
	if c.logFormat != "" {
		cfg.Logging.Format = c.logFormat
	}
	return cfg, nil
}

// newLogger creates the process logger and installs it globally.
func newLogger(cfg observability.LogConfig) (observability.Logger, error) {
	logger, err := observability.NewLogger(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	observability.SetGlobalLogger(logger)
	return logger, nil
}

func newFlagSet(name string, stderr io.Writer) *flag.FlagSet {
	fs := flag.NewFlagSet("avatls "+name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	return fs
}
