package statusd

import (
	"fyne.io/systray"

	"github.com/MixyLabs/statusd/pkg/statusd/assets"
	"github.com/MixyLabs/statusd/pkg/statusd/util"
)

func (d *Statusd) initializeTray(onDone func()) {
	logger := d.logger.Named("tray")

	onReady := func() {
		logger.Debug("Tray instance ready")

		systray.SetTemplateIcon(assets.IconData, assets.IconData)
		systray.SetTitle("statusd")
		systray.SetTooltip("statusd")

		volume := systray.AddMenuItem("Volume: unavailable", "Default output")
		volume.Disable()
		mute := systray.AddMenuItemCheckbox("Mute output", "Mute the default output", false)

		systray.AddSeparator()
		connection := systray.AddMenuItem("Network: offline", "Primary connection")
		connection.Disable()
		power := systray.AddMenuItem("Power: unavailable", "Adapter and batteries")
		power.Disable()
		dnd := systray.AddMenuItemCheckbox("Do not disturb", "Toggle the mako do-not-disturb mode", false)

		systray.AddSeparator()
		editConfig := systray.AddMenuItem("Edit configuration", "Open config file in an editor")
		refreshAudio := systray.AddMenuItem("Re-publish audio state", "Manually refresh audio state if something's stuck")

		if d.version != "" {
			systray.AddSeparator()
			versionInfo := systray.AddMenuItem(d.version, "")
			versionInfo.Disable()
		}

		systray.AddSeparator()
		quit := systray.AddMenuItem("Quit", "Stop statusd and quit")

		render := func() {
			s := d.board.snapshot()

			volume.SetTitle(s.VolumeLabel())
			connection.SetTitle(s.NetworkLabel())
			power.SetTitle(s.PowerLabel())
			systray.SetTooltip(s.VolumeLabel() + "\n" + s.NetworkLabel())

			if sink, ok := s.DefaultSink(); ok && sink.Mute {
				mute.Check()
			} else {
				mute.Uncheck()
			}

			if s.DoNotDisturb {
				dnd.Check()
			} else {
				dnd.Uncheck()
			}
		}
		render()

		go func() {
			for {
				select {
				case <-d.ctx.Done():
					return

				case <-d.board.changed:
					render()

				case <-quit.ClickedCh:
					logger.Info("Quit menu item clicked, stopping")

					d.signalStop()

				case <-mute.ClickedCh:
					d.toggleMute()

				case <-dnd.ClickedCh:
					d.toggleDoNotDisturb()

				case <-editConfig.ClickedCh:
					logger.Info("Edit config menu item clicked, opening config for editing")

					if err := util.OpenExternal(logger, util.Editor(), d.configMan.Path()); err != nil {
						logger.Warnw("Failed to open config file for editing", "error", err)
					}

				case <-refreshAudio.ClickedCh:
					logger.Info("Refresh audio menu item clicked, triggering audio republish")

					if backend := d.audioBackend(); backend != nil {
						if err := backend.TriggerUpdate(); err != nil {
							logger.Warnw("Failed to trigger audio update", "error", err)
						}
					}
				}
			}
		}()

		onDone()
	}

	onExit := func() {
		logger.Debug("Tray exited")
	}

	logger.Debug("Running in tray")
	systray.Run(onReady, onExit)
}

func (d *Statusd) toggleMute() {
	backend := d.audioBackend()
	if backend == nil {
		d.logger.Debug("No audio backend, ignoring mute toggle")
		return
	}

	sink, ok := d.board.snapshot().DefaultSink()
	if !ok {
		d.logger.Debug("No default sink, ignoring mute toggle")
		return
	}

	if err := backend.SetMute(sink.Name, !sink.Mute); err != nil {
		d.logger.Warnw("Failed to toggle mute", "sink", sink.Name, "error", err)
	}
}

func (d *Statusd) toggleDoNotDisturb() {
	m := d.makoClient()
	if m == nil {
		d.logger.Debug("Mako module not running, ignoring do-not-disturb toggle")
		return
	}

	enabled, err := m.ToggleMode(d.ctx, d.currConf().Mako.DndMode)
	if err != nil {
		d.logger.Warnw("Failed to toggle do-not-disturb", "error", err)
		return
	}

	d.logger.Infow("Toggled do-not-disturb", "enabled", enabled)
}

func (d *Statusd) stopTray() {
	d.logger.Debug("Quitting tray")
	systray.Quit()
}
