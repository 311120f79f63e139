package main

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/MixyLabs/statusd/pkg/statusd"
)

const defaultTimeout = 5 * time.Second

type commandContext struct {
	verboseFlag *bool
	configFlag  *string

	loggerOnce sync.Once
	logger     *zap.SugaredLogger
	loggerErr  error

	configOnce sync.Once
	config     statusd.Config
	configErr  error
}

func newCommandContext(verboseFlag *bool, configFlag *string) *commandContext {
	return &commandContext{
		verboseFlag: verboseFlag,
		configFlag:  configFlag,
	}
}

func (c *commandContext) verbose() bool {
	return c.verboseFlag != nil && *c.verboseFlag
}

func (c *commandContext) configPath() string {
	if c.configFlag == nil {
		return ""
	}

	return strings.TrimSpace(*c.configFlag)
}

func (c *commandContext) daemonLogger() (*zap.SugaredLogger, error) {
	c.loggerOnce.Do(func() {
		logger, err := statusd.NewLogger(buildType)
		if err != nil {
			c.loggerErr = fmt.Errorf("create logger: %w", err)
			return
		}
		c.logger = logger
	})

	return c.logger, c.loggerErr
}

// commandLogger keeps one-shot commands quiet unless asked otherwise.
func (c *commandContext) commandLogger() (*zap.SugaredLogger, error) {
	logger, err := c.daemonLogger()
	if err != nil {
		return nil, err
	}

	if c.verbose() {
		return logger, nil
	}

	return logger.Desugar().WithOptions(zap.IncreaseLevel(zap.WarnLevel)).Sugar(), nil
}

func (c *commandContext) ensureConfig() (statusd.Config, error) {
	c.configOnce.Do(func() {
		logger, err := c.commandLogger()
		if err != nil {
			c.configErr = err
			return
		}

		cc, err := statusd.NewConfig(logger, statusd.NopNotifier{}, c.configPath())
		if err != nil {
			c.configErr = err
			return
		}

		if err := cc.Load(); err != nil {
			c.configErr = err
			return
		}
		c.config = cc.Current()
	})

	return c.config, c.configErr
}

// withTimeout bounds how long a command waits for the first mirrored values.
func withTimeout(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	timeout := defaultTimeout
	if d, err := cmd.Flags().GetDuration("timeout"); err == nil && d > 0 {
		timeout = d
	}

	parent := cmd.Context()
	if parent == nil {
		parent = context.Background()
	}

	return context.WithTimeout(parent, timeout)
}
