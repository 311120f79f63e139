// Package statusd keeps a live mirror of desktop system state (audio, network,
// power, backlight, notification modes and running processes) and hands it
// to consumers such as the tray and the command line.
package statusd

import (
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	"github.com/gofrs/flock"
	"go.uber.org/zap"

	"github.com/MixyLabs/statusd/pkg/statusd/audio"
	"github.com/MixyLabs/statusd/pkg/statusd/mako"
	"github.com/MixyLabs/statusd/pkg/statusd/sysfs"
	"github.com/MixyLabs/statusd/pkg/statusd/uevent"
	"github.com/MixyLabs/statusd/pkg/statusd/util"
)

const lockName = "statusd"

// Statusd is the main entity managing all subcomponents
type Statusd struct {
	logger    *zap.SugaredLogger
	notifier  Notifier
	configMan *ConfigManager
	board     *statusBoard
	lock      *flock.Flock

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	modules []*module
	uevents *uevent.Monitor
	audio   audio.Backend
	mako    *mako.Mako

	lowBatteryNotified atomic.Bool

	runningWithTray bool
	stopChannel     chan bool
	stopOnce        sync.Once
	version         string
	verbose         bool
}

func NewStatusd(logger *zap.SugaredLogger, verbose bool, configPath string) (*Statusd, error) {
	logger = logger.Named("statusd")

	notifier, err := NewToastNotifier(logger)
	if err != nil {
		logger.Errorw("Failed to create ToastNotifier", "error", err)
		return nil, fmt.Errorf("create new ToastNotifier: %w", err)
	}

	config, err := NewConfig(logger, notifier, configPath)
	if err != nil {
		logger.Errorw("Failed to create Config", "error", err)
		return nil, fmt.Errorf("create new Config: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	d := &Statusd{
		logger:      logger,
		notifier:    notifier,
		configMan:   config,
		board:       newStatusBoard(),
		ctx:         ctx,
		cancel:      cancel,
		stopChannel: make(chan bool, 1),
		verbose:     verbose,
	}

	logger.Debug("Created statusd instance")

	return d, nil
}

func (d *Statusd) currConf() Config {
	return d.configMan.Current()
}

// Initialize sets up components and starts to run in the background
func (d *Statusd) Initialize() error {
	d.logger.Debug("Initializing")

	lock, err := util.AcquireLock(util.LockPath(lockName))
	if err != nil {
		d.logger.Errorw("Failed to acquire single instance lock", "error", err)
		return fmt.Errorf("acquire instance lock: %w", err)
	}
	d.lock = lock

	// load the config for the first time
	if err := d.configMan.Load(); err != nil {
		d.logger.Errorw("Failed to load config during initialization", "error", err)
		d.releaseLock()
		return fmt.Errorf("load config during init: %w", err)
	}

	d.setNotifications(d.currConf().Notifications)

	d.setupInterruptHandler()

	if d.currConf().DisableTray {
		d.logger.Debugw("Running without tray icon", "reason", "disabled in config")

		// run in main thread while waiting on ctrl+C
		d.run()
	} else {
		d.runningWithTray = true
		d.initializeTray(func() { go d.run() })
	}

	return nil
}

// SetVersion causes statusd to add a version string to its tray menu if called before Initialize
func (d *Statusd) SetVersion(version string) {
	d.version = version
}

// Verbose returns a boolean indicating whether statusd is running in verbose mode
func (d *Statusd) Verbose() bool {
	return d.verbose
}

// Status returns the current combined state.
func (d *Statusd) Status() Status {
	return d.board.snapshot()
}

func (d *Statusd) setupInterruptHandler() {
	interruptChannel := util.SetupCloseHandler()

	go func() {
		signal := <-interruptChannel
		d.logger.Debugw("Interrupted", "signal", signal)
		d.signalStop()
	}()
}

func (d *Statusd) run() {
	defer d.recoverFromPanic()

	d.logger.Info("Run loop starting")

	go d.configMan.WatchConfigFileChanges()
	go d.followConfigReloads(d.configMan.SubscribeToChanges())

	d.startModules()

	// wait until gracefully stopped
	<-d.stopChannel
	d.logger.Debug("Stop channel signaled, terminating")

	if err := d.stop(); err != nil {
		d.logger.Warnw("Failed to stop statusd", "error", err)
		os.Exit(1)
	} else {
		os.Exit(0)
	}
}

func (d *Statusd) followConfigReloads(reloads chan bool) {
	for {
		select {
		case <-d.ctx.Done():
			return
		case <-reloads:
			cfg := d.currConf()
			d.setNotifications(cfg.Notifications)
			d.checkLowBattery()

			d.logger.Infow("Applied reloaded config", "notifications", cfg.Notifications)
		}
	}
}

func (d *Statusd) setNotifications(enabled bool) {
	if toast, ok := d.notifier.(*ToastNotifier); ok {
		toast.SetEnabled(enabled)
	}
}

func (d *Statusd) signalStop() {
	d.stopOnce.Do(func() {
		d.logger.Debug("Signalling stop channel")
		d.stopChannel <- true
	})
}

func (d *Statusd) stop() error {
	d.logger.Info("Stopping")

	d.configMan.StopWatchingConfigFile()

	d.mu.Lock()
	modules := d.modules
	d.modules = nil
	monitor := d.uevents
	d.mu.Unlock()

	// release in reverse start order
	for i := len(modules) - 1; i >= 0; i-- {
		d.logger.Debugw("Releasing module", "module", modules[i].name)
		modules[i].close()
	}

	if monitor != nil {
		monitor.Stop()
	}

	d.cancel()
	d.wg.Wait()

	if d.runningWithTray {
		d.stopTray()
	}

	d.releaseLock()

	// attempt to sync on exit - this won't necessarily work but can't harm
	_ = d.logger.Sync()

	return nil
}

func (d *Statusd) releaseLock() {
	if d.lock == nil {
		return
	}

	if err := d.lock.Unlock(); err != nil {
		d.logger.Warnw("Failed to release instance lock", "error", err)
	}
}

// ueventMonitor starts the shared udev monitor on first use.
func (d *Statusd) ueventMonitor() *uevent.Monitor {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.uevents == nil {
		d.uevents = uevent.NewMonitor(d.logger, sysfs.PowerSubsystem, sysfs.BacklightSubsystem)
		if err := d.uevents.Start(d.ctx); err != nil {
			d.logger.Warnw("Failed to start udev monitor", "error", err)
		}
	}

	return d.uevents
}

func (d *Statusd) audioBackend() audio.Backend {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.audio
}

func (d *Statusd) makoClient() *mako.Mako {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.mako
}
