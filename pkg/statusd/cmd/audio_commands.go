package main

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/MixyLabs/statusd/pkg/statusd"
	"github.com/MixyLabs/statusd/pkg/statusd/audio"
)

var errStreamEnded = errors.New("stream ended")

type audioState struct {
	sinks    []audio.NodeState
	sources  []audio.NodeState
	defaults audio.DefaultState
}

// target resolves the node a command acts on. An empty name means the
// effective default.
func (s audioState) target(source bool, name string) (audio.NodeState, error) {
	nodes, kind, fallback := s.sinks, "sink", s.defaults.Sink
	if source {
		nodes, kind, fallback = s.sources, "source", s.defaults.Source
	}
	if name == "" {
		name = fallback
	}

	node, ok := audio.FindNode(nodes, name)
	if !ok {
		return audio.NodeState{}, fmt.Errorf("no %s named %q", kind, name)
	}

	return node, nil
}

func waitErr(ctx context.Context, what string) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("wait for %s: %w", what, err)
	}

	return fmt.Errorf("wait for %s: %w", what, errStreamEnded)
}

func readAudio(ctx context.Context, backend audio.Backend) (audioState, error) {
	sinks := backend.ListenSinks()
	defer sinks.Close()
	sources := backend.ListenSources()
	defer sources.Close()
	defaults := backend.ListenDefaults()
	defer defaults.Close()

	var state audioState
	var ok bool

	if state.sinks, ok = sinks.Next(ctx); !ok {
		return state, waitErr(ctx, "sinks")
	}
	if state.sources, ok = sources.Next(ctx); !ok {
		return state, waitErr(ctx, "sources")
	}
	if state.defaults, ok = defaults.Next(ctx); !ok {
		return state, waitErr(ctx, "default devices")
	}

	return state, nil
}

// withAudio connects the configured backend for the length of one command.
func (c *commandContext) withAudio(cmd *cobra.Command, fn func(backend audio.Backend, state audioState) error) error {
	cfg, err := c.ensureConfig()
	if err != nil {
		return err
	}

	logger, err := c.commandLogger()
	if err != nil {
		return err
	}

	ctx, cancel := withTimeout(cmd)
	defer cancel()

	backend, err := statusd.StartAudio(ctx, logger, cfg.Audio)
	if err != nil {
		return err
	}
	defer backend.Close()

	state, err := readAudio(ctx, backend)
	if err != nil {
		return err
	}

	return fn(backend, state)
}

// parseVolume accepts "40", "40%" and signed relative steps like "+5".
func parseVolume(s string) (float32, bool, error) {
	s = strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(s), "%"))
	relative := strings.HasPrefix(s, "+") || strings.HasPrefix(s, "-")

	percent, err := strconv.ParseFloat(s, 32)
	if err != nil {
		return 0, false, fmt.Errorf("parse volume %q: %w", s, err)
	}

	if !relative && (percent < 0 || percent > 100) {
		return 0, false, fmt.Errorf("volume %v%% out of range", percent)
	}

	return float32(percent / 100), relative, nil
}

func applyVolume(current []float32, v float32, relative bool) []float32 {
	if !relative {
		return audio.UniformVolume(v, len(current))
	}

	next := make([]float32, len(current))
	for i, c := range current {
		next[i] = min(max(c+v, 0), 1)
	}

	return next
}

// parseSwitch maps on, off and toggle to the next state.
func parseSwitch(s string, current bool) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "toggle":
		return !current, nil
	case "on", "yes", "true":
		return true, nil
	case "off", "no", "false":
		return false, nil
	default:
		return false, fmt.Errorf("expected on, off or toggle, got %q", s)
	}
}

func addTargetFlags(cmd *cobra.Command, source *bool, node *string) {
	cmd.Flags().BoolVarP(source, "source", "s", false, "Act on a source instead of a sink")
	cmd.Flags().StringVarP(node, "node", "n", "", "Node name, defaults to the current default device")
	cmd.Flags().Duration("timeout", defaultTimeout, "How long to wait for the audio server")
}

func newVolumeCommand(ctx *commandContext) *cobra.Command {
	var source bool
	var node string

	cmd := &cobra.Command{
		Use:   "volume [PERCENT]",
		Short: "Show or set the volume of the default device",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withAudio(cmd, func(backend audio.Backend, state audioState) error {
				target, err := state.target(source, node)
				if err != nil {
					return err
				}

				if len(args) == 0 {
					fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", target.Name, formatVolume(target))
					return nil
				}

				v, relative, err := parseVolume(args[0])
				if err != nil {
					return err
				}

				if err := backend.SetVolume(target.Name, applyVolume(target.Volume, v, relative)); err != nil {
					return fmt.Errorf("set volume of %s: %w", target.Name, err)
				}

				return nil
			})
		},
	}
	addTargetFlags(cmd, &source, &node)

	return cmd
}

func newMuteCommand(ctx *commandContext) *cobra.Command {
	var source bool
	var node string

	cmd := &cobra.Command{
		Use:       "mute [on|off|toggle]",
		Short:     "Mute or unmute the default device",
		Args:      cobra.MaximumNArgs(1),
		ValidArgs: []string{"on", "off", "toggle"},
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withAudio(cmd, func(backend audio.Backend, state audioState) error {
				target, err := state.target(source, node)
				if err != nil {
					return err
				}

				var arg string
				if len(args) > 0 {
					arg = args[0]
				}

				mute, err := parseSwitch(arg, target.Mute)
				if err != nil {
					return err
				}

				if err := backend.SetMute(target.Name, mute); err != nil {
					return fmt.Errorf("set mute of %s: %w", target.Name, err)
				}

				fmt.Fprintf(cmd.OutOrStdout(), "%s muted: %t\n", target.Name, mute)
				return nil
			})
		},
	}
	addTargetFlags(cmd, &source, &node)

	return cmd
}

func newDefaultSinkCommand(ctx *commandContext) *cobra.Command {
	return newDefaultDeviceCommand(ctx, false)
}

func newDefaultSourceCommand(ctx *commandContext) *cobra.Command {
	return newDefaultDeviceCommand(ctx, true)
}

func newDefaultDeviceCommand(ctx *commandContext, source bool) *cobra.Command {
	kind := "sink"
	if source {
		kind = "source"
	}

	cmd := &cobra.Command{
		Use:   fmt.Sprintf("default-%s [NAME]", kind),
		Short: fmt.Sprintf("Show or change the default %s", kind),
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withAudio(cmd, func(backend audio.Backend, state audioState) error {
				if len(args) == 0 {
					current := state.defaults.Sink
					if source {
						current = state.defaults.Source
					}
					fmt.Fprintln(cmd.OutOrStdout(), current)
					return nil
				}

				target, err := state.target(source, args[0])
				if err != nil {
					return err
				}

				set := backend.SetDefaultSink
				if source {
					set = backend.SetDefaultSource
				}
				if err := set(target.Name); err != nil {
					return fmt.Errorf("set default %s: %w", kind, err)
				}

				return nil
			})
		},
	}
	cmd.Flags().Duration("timeout", defaultTimeout, "How long to wait for the audio server")

	return cmd
}

func formatVolume(n audio.NodeState) string {
	if n.Mute {
		return "muted"
	}

	return fmt.Sprintf("%.0f%%", n.AverageVolume()*100)
}
