package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/thoas/go-funk"

	"github.com/MixyLabs/statusd/pkg/statusd/mako"
)

func newDndCommand(ctx *commandContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:       "dnd [on|off|toggle]",
		Short:     "Switch the mako do-not-disturb mode",
		Args:      cobra.MaximumNArgs(1),
		ValidArgs: []string{"on", "off", "toggle"},
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}

			logger, err := ctx.commandLogger()
			if err != nil {
				return err
			}

			callCtx, cancel := withTimeout(cmd)
			defer cancel()

			m, err := mako.Connect(callCtx, logger)
			if err != nil {
				return err
			}
			defer m.Close()

			modes, err := m.Modes(callCtx)
			if err != nil {
				return err
			}

			var arg string
			if len(args) > 0 {
				arg = args[0]
			}

			mode := cfg.Mako.DndMode
			enable, err := parseSwitch(arg, funk.ContainsString(modes, mode))
			if err != nil {
				return err
			}

			if enable {
				err = m.EnableMode(callCtx, mode)
			} else {
				err = m.DisableMode(callCtx, mode)
			}
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "%s: %t\n", mode, enable)
			return nil
		},
	}
	cmd.Flags().Duration("timeout", defaultTimeout, "How long to wait for mako")

	return cmd
}
