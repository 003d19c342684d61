package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/danmuck/edgectl/internal/config"
	"github.com/danmuck/edgectl/internal/logging"
	"github.com/danmuck/edgectl/internal/mirage"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
	"golang.org/x/term"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "miragectl: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	var configPath string
	var addr string
	var noConsole bool

	flagSet := pflag.NewFlagSet("miragectl", pflag.ContinueOnError)
	flagSet.StringVarP(&configPath, "config", "c", "", "path to mirage config.toml")
	flagSet.StringVar(&addr, "addr", "", "listen address (overrides config addr)")
	flagSet.BoolVar(&noConsole, "no-console", false, "serve without the interactive operator console")
	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if rest := flagSet.Args(); len(rest) > 0 {
		return fmt.Errorf("unexpected argument: %s", rest[0])
	}

	logging.ConfigureRuntime()
	gin.SetMode(gin.ReleaseMode)

	cfg, err := config.LoadMirageConfig(configPath)
	if err != nil {
		return err
	}
	if v := strings.TrimSpace(addr); v != "" {
		cfg.ListenAddr = v
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	out := mirage.NewSyncWriter(os.Stdout)
	svc := mirage.NewServiceWithConfig(cfg, out)
	var console *mirage.Console
	if !noConsole {
		console = svc.NewConsole(os.Stdin, out, term.IsTerminal(int(os.Stdin.Fd())))
	}
	log.Info().Str("addr", cfg.ListenAddr).Bool("console", console != nil).Msg("miragectl starting")
	return svc.Run(ctx, console)
}
