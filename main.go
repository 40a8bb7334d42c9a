package main

import (
	"fmt"
	"os"

	"github.com/spf13/afero"
	flag "github.com/spf13/pflag"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"deckbridge/internal/config"
	"deckbridge/internal/role"
)

func main() {
	overrides := config.Flags(flag.CommandLine)
	flag.Parse()

	cfg, err := config.Load(afero.NewOsFs(), overrides.Path())
	if err == nil {
		err = overrides.Apply(cfg)
	}
	if err == nil {
		err = cfg.Validate()
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "deckbridge:", err)
		os.Exit(2)
	}

	logger, err := role.NewLogger(cfg.Log)
	if err != nil {
		fmt.Fprintln(os.Stderr, "deckbridge:", err)
		os.Exit(2)
	}
	defer logger.Sync()

	opts, err := role.Options(cfg, afero.NewOsFs(), logger)
	if err != nil {
		logger.Fatal("cannot assemble", zap.Error(err))
	}

	logger.Info("starting", zap.String("role", cfg.Role))
	fx.New(opts).Run()
}
