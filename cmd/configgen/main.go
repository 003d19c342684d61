package main

import (
	"fmt"
	"os"

	"github.com/danmuck/edgectl/internal/config"
	"github.com/danmuck/edgectl/internal/logging"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
)

func main() {
	kind := pflag.String("kind", "mirage", "config kind: mirage|ghost")
	output := pflag.String("output", "", "output path for config template")
	validate := pflag.Bool("validate", false, "validate an existing config file")
	input := pflag.String("input", "", "config path for validation (defaults to per-kind cmd path)")
	force := pflag.Bool("force", false, "overwrite existing config file")
	pflag.Parse()

	logging.ConfigureRuntime()

	path, err := defaultPath(*kind)
	if err != nil {
		log.Fatal().Err(err).Msg("configgen")
	}

	if *validate {
		if *input != "" {
			path = *input
		}
		if err := config.Validate(*kind, path); err != nil {
			log.Fatal().Err(err).Str("path", path).Msg("configgen validate")
		}
		log.Info().Str("kind", *kind).Str("path", path).Msg("configgen validated config")
		return
	}

	if *output != "" {
		path = *output
	}
	if err := config.WriteTemplate(path, *kind, *force); err != nil {
		log.Fatal().Err(err).Str("path", path).Msg("configgen write")
	}
	log.Info().Str("kind", *kind).Str("path", path).Msg("configgen wrote config template")
}

func defaultPath(kind string) (string, error) {
	switch kind {
	case "mirage":
		return "cmd/miragectl/config.toml", nil
	case "ghost":
		return "cmd/ghostctl/config.toml", nil
	default:
		fmt.Fprintf(os.Stderr, "usage: configgen --kind mirage|ghost [--output path] [--validate [--input path]]\n")
		return "", fmt.Errorf("unknown kind: %s", kind)
	}
}
