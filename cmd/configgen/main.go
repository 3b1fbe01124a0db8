package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/rs/zerolog/log"

	"github.com/danmuck/idvlink/internal/config"
	"github.com/danmuck/idvlink/internal/logging"
)

const defaultPath = "idvlink.toml"

func main() {
	logging.ConfigureRuntime()

	output := flag.String("output", defaultPath, "output path for config template")
	validate := flag.Bool("validate", false, "validate an existing config file")
	input := flag.String("input", defaultPath, "config path for validation")
	env := flag.Bool("env", false, "apply IDVLINK_* overrides before validating")
	force := flag.Bool("force", false, "overwrite existing config file")
	flag.Parse()

	if *validate {
		if err := validateFile(*input, *env); err != nil {
			log.Fatal().Err(err).Str("path", *input).Msg("config invalid")
		}
		log.Info().Str("path", *input).Msg("config valid")
		return
	}

	if err := config.WriteTemplate(*output, *force); err != nil {
		log.Fatal().Err(err).Msg("write template failed")
	}
	log.Info().Str("path", *output).Msg("wrote config template")
}

func validateFile(path string, applyEnv bool) error {
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("stat config: %w", err)
	}
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	if !applyEnv {
		return nil
	}
	cfg, err = cfg.ApplyEnv()
	if err != nil {
		return err
	}
	return cfg.Validate()
}
