package statusd

import (
	"sync/atomic"

	"github.com/gen2brain/beeep"
	"go.uber.org/zap"
)

// Notifier shows desktop notifications.
type Notifier interface {
	Notify(title string, message string)
}

// ToastNotifier sends notifications through the desktop notification daemon.
type ToastNotifier struct {
	logger  *zap.SugaredLogger
	enabled atomic.Bool
}

func NewToastNotifier(logger *zap.SugaredLogger) (*ToastNotifier, error) {
	logger = logger.Named("notifier")
	beeep.AppName = "statusd"

	tn := &ToastNotifier{logger: logger}
	tn.enabled.Store(true)

	logger.Debug("Created toast notifier instance")

	return tn, nil
}

// SetEnabled mutes or unmutes the notifier.
func (tn *ToastNotifier) SetEnabled(enabled bool) {
	tn.enabled.Store(enabled)
}

func (tn *ToastNotifier) Notify(title string, message string) {
	if !tn.enabled.Load() {
		tn.logger.Debugw("Notifications disabled, dropping", "title", title)
		return
	}

	tn.logger.Infow("Sending toast notification", "title", title, "message", message)

	if err := beeep.Notify(title, message, ""); err != nil {
		tn.logger.Errorw("Failed to send toast notification", "error", err)
	}
}

// NopNotifier drops every notification. One-shot commands use it.
type NopNotifier struct{}

func (NopNotifier) Notify(string, string) {}
