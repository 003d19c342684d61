package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/danmuck/edgectl/internal/config"
	"github.com/danmuck/edgectl/internal/ghost"
	"github.com/danmuck/edgectl/internal/logging"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
	"golang.org/x/term"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "ghostctl: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	var configPath string
	var attempts int
	var queueDepth int

	flagSet := pflag.NewFlagSet("ghostctl", pflag.ContinueOnError)
	flagSet.StringVarP(&configPath, "config", "c", "", "path to ghost config.toml")
	flagSet.IntVar(&attempts, "max-connect-attempts", 0, "dial attempts before giving up (0 keeps config value, <0 retries forever)")
	flagSet.IntVar(&queueDepth, "queue-depth", -1, "commands allowed to wait behind the running one (-1 keeps config value)")
	flagSet.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: ghostctl [flags] [server-url]\n\n")
		flagSet.PrintDefaults()
	}
	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	rest := flagSet.Args()
	if len(rest) > 1 {
		return fmt.Errorf("unexpected argument: %s", rest[1])
	}

	logging.ConfigureRuntime()

	cfg, err := config.LoadGhostConfig(configPath)
	if err != nil {
		return err
	}
	if attempts != 0 {
		cfg.MaxConnectAttempts = attempts
	}
	if queueDepth >= 0 {
		cfg.Runtime.QueueDepth = queueDepth
	}

	var arg string
	if len(rest) == 1 {
		arg = rest[0]
	}
	inputs := ghost.AddressInputs{
		Arg:        arg,
		Getenv:     os.Getenv,
		Configured: cfg.ServerURL,
	}
	if term.IsTerminal(int(os.Stdin.Fd())) {
		inputs.Prompt = promptServerURL(os.Stdin, os.Stdout)
	}
	url, source, err := ghost.ResolveServerURL(inputs)
	if err != nil {
		return err
	}
	cfg.ServerURL = url
	log.Info().Str("url", url).Str("source", string(source)).Msg("ghostctl resolved mirage address")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	svc, err := ghost.NewServiceWithConfig(cfg, os.Stdout)
	if err != nil {
		return err
	}
	return svc.Run(ctx)
}

func promptServerURL(in io.Reader, out io.Writer) func() (string, error) {
	return func() (string, error) {
		fmt.Fprintf(out, "Enter mirage URL (default: %s): ", ghost.DefaultServerURL)
		line, err := bufio.NewReader(in).ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return "", err
		}
		return strings.TrimSpace(line), nil
	}
}
