package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/MixyLabs/statusd/pkg/statusd"
)

func newRootCommand() *cobra.Command {
	var verboseFlag bool
	var configFlag string

	ctx := newCommandContext(&verboseFlag, &configFlag)

	rootCmd := &cobra.Command{
		Use:           "statusd",
		Short:         "Mirror audio, network and power state into a tray icon",
		Version:       versionString(),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(ctx)
		},
	}

	rootCmd.PersistentFlags().BoolVarP(&verboseFlag, "verbose", "v", false, "Show verbose logs")
	rootCmd.PersistentFlags().StringVarP(&configFlag, "config", "c", "", "Configuration file path")

	rootCmd.AddCommand(newSnapshotCommand(ctx))
	rootCmd.AddCommand(newVolumeCommand(ctx))
	rootCmd.AddCommand(newMuteCommand(ctx))
	rootCmd.AddCommand(newDefaultSinkCommand(ctx))
	rootCmd.AddCommand(newDefaultSourceCommand(ctx))
	rootCmd.AddCommand(newDndCommand(ctx))
	rootCmd.AddCommand(newProcessesCommand(ctx))
	rootCmd.AddCommand(newSignalCommand(ctx))

	return rootCmd
}

func runDaemon(ctx *commandContext) error {
	logger, err := ctx.daemonLogger()
	if err != nil {
		return err
	}

	named := logger.Named("main")
	named.Debug("Created logger")

	named.Infow("Version info",
		"gitCommit", gitCommit,
		"versionTag", versionTag,
		"buildType", buildType)

	if ctx.verbose() {
		named.Debug("Verbose flag provided, all log messages will be shown")
	}

	d, err := statusd.NewStatusd(logger, ctx.verbose(), ctx.configPath())
	if err != nil {
		named.Errorw("Failed to create statusd object", "error", err)
		return err
	}

	if v := versionString(); v != "" {
		d.SetVersion(fmt.Sprintf("Version %s", v))
	}

	if err := d.Initialize(); err != nil {
		named.Errorw("Failed to initialize statusd", "error", err)
		return err
	}

	return nil
}

// versionString is empty for builds without version information.
func versionString() string {
	if buildType == "" || (versionTag == "" && gitCommit == "") {
		return ""
	}

	identifier := gitCommit
	if versionTag != "" {
		identifier = versionTag
	}

	return fmt.Sprintf("%s-%s", buildType, identifier)
}
