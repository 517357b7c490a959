// carp is the command-line client for the Carp agent registry: search, pull and publish
// agents, and manage the API keys used to authenticate.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/carp-registry/carp/internal/apperrors"
	"github.com/carp-registry/carp/internal/buildinfo"
	"github.com/carp-registry/carp/internal/client"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdin, os.Stdout, os.Stderr, os.Getenv)
	stop()
	os.Exit(code)
}

// app carries the process-wide inputs every command needs.
type app struct {
	ctx        context.Context
	stdin      io.Reader
	out        io.Writer
	errOut     io.Writer
	getenv     func(string) string
	configPath string
	logger     *slog.Logger
}

func run(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer, getenv func(string) string) int {
	a := &app{ctx: ctx, stdin: stdin, out: stdout, errOut: stderr, getenv: getenv}

	global := pflag.NewFlagSet("carp", pflag.ContinueOnError)
	global.SetInterspersed(false)
	global.SetOutput(io.Discard)
	verbose := global.BoolP("verbose", "v", false, "log debug output to stderr")
	global.StringVar(&a.configPath, "config", client.DefaultConfigPath(), "path to the CLI config file")
	showVersion := global.Bool("version", false, "print the version and exit")

	if err := global.Parse(args); err != nil && !errors.Is(err, pflag.ErrHelp) {
		fmt.Fprintf(stderr, "error: %v\n", err)
		return 2
	}
	if *showVersion {
		fmt.Fprintf(stdout, "carp %s\n", buildinfo.Version)
		return 0
	}

	level := slog.LevelWarn
	if *verbose {
		level = slog.LevelDebug
	}
	a.logger = slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: level}))

	root := a.rootCommand()
	root.help = stderr
	if err := root.Execute(global.Args()); err != nil {
		return a.report(err)
	}
	return 0
}

// report prints err and returns the exit code for it.
func (a *app) report(err error) int {
	switch {
	case errors.Is(err, errUsage):
		fmt.Fprintf(a.errOut, "error: %v\n", errors.Unwrap(err))
		return 2
	case errors.Is(err, context.Canceled):
		fmt.Fprintln(a.errOut, "error: interrupted")
		return 130
	}

	var ae *apperrors.Error
	if errors.As(err, &ae) {
		a.logger.Debug("command failed", "kind", ae.Kind, "error", err)
		fmt.Fprintf(a.errOut, "error: %s\n", ae.Message)
		if ae.Kind == apperrors.KindAuthInvalid {
			fmt.Fprintln(a.errOut, "hint: check your API key with 'carp login' or the CARP_API_KEY environment variable")
		}
		return 1
	}
	fmt.Fprintf(a.errOut, "error: %v\n", err)
	return 1
}

func (a *app) rootCommand() *Command {
	return &Command{
		Name:    "carp",
		Summary: "Carp agent registry client.",
		Usage:   "carp [--verbose] [--config path] <command> [flags]",
		Subcommands: []*Command{
			a.searchCommand(),
			a.listingCommand("latest", "List recently published agents", (*client.Client).Latest),
			a.listingCommand("trending", "List the most downloaded agents of the past week", (*client.Client).Trending),
			a.versionsCommand(),
			a.pullCommand(),
			a.publishCommand(),
			a.healthCommand(),
			a.loginCommand(),
			a.logoutCommand(),
			a.statusCommand(),
			a.keysCommand(),
		},
	}
}

func (a *app) settings() (*client.Settings, error) {
	return client.LoadSettings(a.configPath)
}

// resolve loads the config file and applies environment overrides.
func (a *app) resolve() (*client.Config, error) {
	s, err := a.settings()
	if err != nil {
		return nil, err
	}
	cfg, err := client.Resolve(s, a.getenv)
	if err != nil {
		return nil, fmt.Errorf("invalid configuration in %s: %w", a.configPath, err)
	}
	a.logger.Debug("configuration resolved", "registry", cfg.BaseURL, "api_key_set", cfg.APIKey != "", "timeout", cfg.Timeout)
	return cfg, nil
}

func (a *app) client() (*client.Client, *client.Config, error) {
	cfg, err := a.resolve()
	if err != nil {
		return nil, nil, err
	}
	return client.New(cfg), cfg, nil
}
