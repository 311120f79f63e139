package main

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/godbus/dbus/v5"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/MixyLabs/statusd/pkg/statusd"
	"github.com/MixyLabs/statusd/pkg/statusd/audio"
	"github.com/MixyLabs/statusd/pkg/statusd/fanout"
	"github.com/MixyLabs/statusd/pkg/statusd/mako"
	"github.com/MixyLabs/statusd/pkg/statusd/network"
	"github.com/MixyLabs/statusd/pkg/statusd/sysfs"
)

var errNothingMirrored = errors.New("no state could be read")

type snapshotSection struct {
	name   string
	render func(ctx context.Context, logger *zap.SugaredLogger, cfg statusd.Config) (string, error)
}

func newSnapshotCommand(ctx *commandContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Print the current audio, network and power state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}

			logger, err := ctx.commandLogger()
			if err != nil {
				return err
			}

			sections := []snapshotSection{
				{name: statusd.ModuleAudio, render: renderAudioSection},
				{name: statusd.ModuleNetwork, render: renderNetworkSection},
				{name: statusd.ModulePower, render: renderPowerSection},
				{name: statusd.ModuleBacklight, render: renderBacklightSection},
				{name: statusd.ModuleMako, render: renderMakoSection},
			}

			failed := 0
			for _, section := range sections {
				sectionCtx, cancel := withTimeout(cmd)
				out, err := section.render(sectionCtx, logger, cfg)
				cancel()

				if err != nil {
					fmt.Fprintf(cmd.ErrOrStderr(), "%s: %v\n", section.name, err)
					failed++
					continue
				}

				fmt.Fprintln(cmd.OutOrStdout(), out)
			}

			if failed == len(sections) {
				return errNothingMirrored
			}

			return nil
		},
	}
	cmd.Flags().Duration("timeout", defaultTimeout, "How long to wait for each provider")

	return cmd
}

func renderAudioSection(ctx context.Context, logger *zap.SugaredLogger, cfg statusd.Config) (string, error) {
	backend, err := statusd.StartAudio(ctx, logger, cfg.Audio)
	if err != nil {
		return "", err
	}
	defer backend.Close()

	state, err := readAudio(ctx, backend)
	if err != nil {
		return "", err
	}

	return renderAudio(state), nil
}

func renderAudio(state audioState) string {
	var rows [][]string

	add := func(kind string, nodes []audio.NodeState, def string) {
		for _, n := range nodes {
			marker := ""
			if n.Name == def {
				marker = "*"
			}
			rows = append(rows, []string{marker, kind, n.Name, n.Description, formatVolume(n)})
		}
	}
	add("sink", state.sinks, state.defaults.Sink)
	add("source", state.sources, state.defaults.Source)

	return renderTable("Audio",
		[]string{"", "Kind", "Name", "Description", "Volume"},
		rows,
		[]columnAlignment{alignLeft, alignLeft, alignLeft, alignLeft, alignRight})
}

func renderNetworkSection(ctx context.Context, logger *zap.SugaredLogger, cfg statusd.Config) (string, error) {
	nm, err := network.Connect(ctx, logger)
	if err != nil {
		return "", err
	}
	defer nm.Close()

	primarySub := nm.ListenPrimaryConnection()
	defer primarySub.Close()
	activeSub := nm.ListenActiveConnections()
	defer activeSub.Close()

	primary, ok := primarySub.Next(ctx)
	if !ok {
		return "", waitErr(ctx, "primary connection")
	}
	active, ok := activeSub.Next(ctx)
	if !ok {
		return "", waitErr(ctx, "active connections")
	}

	strengths := make(map[int]float64)
	for i, c := range active {
		if v, ok := readStrength(ctx, nm, c, cfg.Network); ok {
			strengths[i] = v
		}
	}

	return renderNetwork(primary, active, strengths), nil
}

// readStrength waits for one strength value of the connection's device.
// Connections without a radio report nothing.
func readStrength(ctx context.Context, nm *network.NetworkManager, c network.ActiveConnection, cfg statusd.NetworkConfig) (float64, bool) {
	if c.Device == "" {
		return 0, false
	}

	var sub *fanout.Subscription[float64]

	switch {
	case c.Kind == network.KindWireless && cfg.WirelessStrength:
		sub = nm.ListenWirelessStrength(c.Device)
	case c.Kind == network.KindCellular && cfg.CellularStrength:
		sub = nm.ListenCellularStrength(c.Device)
	default:
		return 0, false
	}
	defer sub.Close()

	v, ok := sub.Next(ctx)
	if !ok || v < 0 {
		return 0, false
	}

	return v, true
}

func renderNetwork(primary dbus.ObjectPath, active []network.ActiveConnection, strengths map[int]float64) string {
	rows := make([][]string, 0, len(active))
	for i, c := range active {
		marker := ""
		if c.Path == primary {
			marker = "*"
		}

		strength := ""
		if v, ok := strengths[i]; ok {
			strength = fmt.Sprintf("%.0f%%", v*100)
		}

		rows = append(rows, []string{marker, c.Name, c.KindName(), c.State.String(), network.DescribePath(c.Device), strength})
	}

	return renderTable("Network",
		[]string{"", "Name", "Kind", "State", "Device", "Strength"},
		rows,
		[]columnAlignment{alignLeft, alignLeft, alignLeft, alignLeft, alignLeft, alignRight})
}

func renderPowerSection(_ context.Context, _ *zap.SugaredLogger, cfg statusd.Config) (string, error) {
	return renderPower(sysfs.DefaultRoot, cfg.Power)
}

func renderPower(root string, cfg statusd.PowerConfig) (string, error) {
	devices, err := sysfs.ReadPowerDevices(root)
	if err != nil {
		return "", err
	}

	mains, batteries, err := sysfs.SelectPower(devices, cfg.AC, cfg.Batteries)
	if err != nil {
		return "", err
	}
	if mains == nil && len(batteries) == 0 {
		return "", errors.New("no adapter or battery found")
	}

	var rows [][]string

	if mains != nil {
		state := "unreadable"
		if online, err := mains.ReadOnline(); err == nil {
			state = "offline"
			if online {
				state = "online"
			}
		}
		rows = append(rows, []string{mains.Name, sysfs.PowerMains.String(), state, ""})
	}

	levels := make([]sysfs.BatteryLevel, 0, len(batteries))
	for _, b := range batteries {
		charge, chargeErr := b.ReadCharge()
		capacity, capacityErr := b.ReadCapacity()

		row := []string{b.Name, sysfs.PowerBattery.String(), "unreadable", ""}
		if chargeErr == nil {
			row[2] = fmt.Sprintf("%.0f%%", charge*100)
		}
		if capacityErr == nil {
			row[3] = fmt.Sprintf("%.1f Wh", capacity)
		}
		rows = append(rows, row)

		if chargeErr == nil && capacityErr == nil {
			levels = append(levels, sysfs.BatteryLevel{Capacity: capacity, Charge: charge})
		}
	}

	if len(batteries) > 1 {
		if combined := sysfs.CombinedCharge(levels); combined >= 0 {
			rows = append(rows, []string{"combined", "", fmt.Sprintf("%.0f%%", combined*100), ""})
		}
	}

	return renderTable("Power",
		[]string{"Device", "Kind", "State", "Capacity"},
		rows,
		[]columnAlignment{alignLeft, alignLeft, alignRight, alignRight}), nil
}

func renderBacklightSection(_ context.Context, _ *zap.SugaredLogger, cfg statusd.Config) (string, error) {
	backlights, err := sysfs.ReadBacklights(sysfs.DefaultRoot)
	if err != nil {
		return "", err
	}

	backlight, err := sysfs.SelectBacklight(backlights, cfg.Backlight.Device)
	if err != nil {
		return "", err
	}

	brightness, err := backlight.ReadBrightness()
	if err != nil {
		return "", err
	}

	return renderTable("Backlight",
		[]string{"Device", "Brightness"},
		[][]string{{backlight.Name, fmt.Sprintf("%.0f%%", brightness*100)}},
		[]columnAlignment{alignLeft, alignRight}), nil
}

func renderMakoSection(ctx context.Context, logger *zap.SugaredLogger, _ statusd.Config) (string, error) {
	m, err := mako.Connect(ctx, logger)
	if err != nil {
		return "", err
	}
	defer m.Close()

	modes, err := m.Modes(ctx)
	if err != nil {
		return "", err
	}

	return "Notification modes: " + strings.Join(modes, ", "), nil
}
