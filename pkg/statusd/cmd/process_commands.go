package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/sys/unix"

	"github.com/MixyLabs/statusd/pkg/statusd/process"
)

func newProcessesCommand(ctx *commandContext) *cobra.Command {
	var match string

	cmd := &cobra.Command{
		Use:   "processes",
		Short: "List running processes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := ctx.commandLogger()
			if err != nil {
				return err
			}

			infos, err := process.NewLister(logger).ReadRunning()
			if err != nil {
				return err
			}

			fmt.Fprintln(cmd.OutOrStdout(), renderProcesses(infos, match))
			return nil
		},
	}
	cmd.Flags().StringVarP(&match, "match", "m", "", "Only show processes whose command line starts with this")

	return cmd
}

func renderProcesses(infos []process.Info, match string) string {
	rows := make([][]string, 0, len(infos))
	for _, info := range infos {
		if match != "" && !strings.HasPrefix(info.Cmdline, match) {
			continue
		}
		rows = append(rows, []string{strconv.Itoa(info.PID), info.Name, info.Cmdline})
	}

	return renderTable("",
		[]string{"PID", "Name", "Command"},
		rows,
		[]columnAlignment{alignRight, alignLeft, alignLeft})
}

func newSignalCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "signal PID|CMDLINE SIGNAL",
		Short: "Send a signal to a process by pid or command line prefix",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			sig, err := process.ParseSignal(args[1])
			if err != nil {
				return err
			}

			pid, err := strconv.Atoi(args[0])
			if err != nil {
				logger, err := ctx.commandLogger()
				if err != nil {
					return err
				}

				infos, err := process.NewLister(logger).ReadRunning()
				if err != nil {
					return err
				}

				info, ok := process.FindByCmdline(infos, args[0])
				if !ok {
					return fmt.Errorf("no process with command line starting with %q", args[0])
				}
				pid = info.PID
			}

			if err := process.SendSignal(pid, sig); err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "sent %s to %d\n", unix.SignalName(sig), pid)
			return nil
		},
	}
}
