package main

import (
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/Brownie44l1/fp-stamp/internal/config"
	"github.com/Brownie44l1/fp-stamp/internal/logging"
	"github.com/Brownie44l1/fp-stamp/internal/model"
	"github.com/Brownie44l1/fp-stamp/internal/stamp"
)

type pairLoader func(model.Options) (*model.Pair, error)

type commandContext struct {
	configFlag  string
	envFileFlag string
	jsonFlag    bool
	verboseFlag bool

	loader pairLoader

	configOnce sync.Once
	config     *config.Config
	configErr  error

	serviceOnce sync.Once
	pair        *model.Pair
	service     *stamp.Service
	logger      *zap.Logger
	serviceErr  error
}

func newCommandContext(loader pairLoader) *commandContext {
	return &commandContext{loader: loader}
}

func (c *commandContext) ensureConfig() (*config.Config, error) {
	c.configOnce.Do(func() {
		if err := config.LoadDotEnv(strings.TrimSpace(c.envFileFlag)); err != nil {
			c.configErr = err
			return
		}
		c.config, c.configErr = config.Load(strings.TrimSpace(c.configFlag))
	})
	return c.config, c.configErr
}

// ensureService loads the models once per invocation.
func (c *commandContext) ensureService() (*stamp.Service, error) {
	c.serviceOnce.Do(func() {
		cfg, err := c.ensureConfig()
		if err != nil {
			c.serviceErr = err
			return
		}

		level := logging.Warning
		if c.verboseFlag {
			level = logging.Debug
		}
		c.logger, err = logging.New(logging.Config{Level: level, Format: "console", Service: "fpstamp"})
		if err != nil {
			c.serviceErr = err
			return
		}

		c.pair, err = c.loader(cfg.ModelOptions())
		if err != nil {
			c.serviceErr = fmt.Errorf("load models: %w", err)
			return
		}

		c.service = stamp.New(c.pair,
			stamp.WithLogger(c.logger),
			stamp.WithBatchSize(cfg.Inference.BatchSize),
			stamp.WithTempDir(cfg.Inference.TempDir),
		)
	})
	return c.service, c.serviceErr
}

func (c *commandContext) close() error {
	if c.logger != nil {
		_ = c.logger.Sync()
	}
	if c.pair != nil {
		err := c.pair.Close()
		c.pair = nil
		return err
	}
	return nil
}
