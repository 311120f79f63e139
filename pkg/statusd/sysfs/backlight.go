package sysfs

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/MixyLabs/statusd/pkg/statusd/tracker"
	"github.com/MixyLabs/statusd/pkg/statusd/uevent"
)

const (
	// BacklightSubsystem is the udev subsystem of backlights.
	BacklightSubsystem = "backlight"

	backlightClass  = "backlight"
	streamBacklight = "backlight brightness"
)

// Backlight is a display backlight with a known maximum.
type Backlight struct {
	Device
	Max int64
}

// ReadBacklights lists backlights. Devices without a usable max_brightness
// are skipped.
func ReadBacklights(root string) ([]Backlight, error) {
	devices, err := ReadDevices(root, backlightClass)
	if err != nil {
		return nil, err
	}

	var backlights []Backlight
	for _, device := range devices {
		limit, err := device.ReadInt("max_brightness")
		if err != nil || limit <= 0 {
			continue
		}

		backlights = append(backlights, Backlight{Device: device, Max: limit})
	}

	return backlights, nil
}

// SelectBacklight returns the named backlight, or the first one when name
// is empty.
func SelectBacklight(backlights []Backlight, name string) (Backlight, error) {
	for _, b := range backlights {
		if name == "" || b.Name == name {
			return b, nil
		}
	}

	if name == "" {
		name = "any"
	}

	return Backlight{}, fmt.Errorf("select backlight %s: %w", name, ErrNoDevice)
}

// ReadBrightness returns the brightness between 0 and 1.
func (b Backlight) ReadBrightness() (float64, error) {
	brightness, err := b.ReadInt("brightness")
	if err != nil {
		return 0, err
	}

	return float64(brightness) / float64(b.Max), nil
}

// ListenBrightness emits the current brightness, then re-reads it on every
// udev event of the backlight. The stream takes ownership of events.
func (b Backlight) ListenBrightness(ctx context.Context, logger *zap.SugaredLogger, events tracker.Source[uevent.Event]) tracker.Source[float64] {
	read := func() (float64, bool) {
		brightness, err := b.ReadBrightness()
		if err != nil {
			logger.Warnw("Failed to read brightness", "stream", streamBacklight, "device", b.Name, "error", err)
			return 0, false
		}

		return brightness, true
	}

	return tracker.Produce(ctx, func(ctx context.Context, emit tracker.Emit[float64]) {
		defer events.Close()

		if brightness, ok := read(); ok && !emit(brightness) {
			return
		}

		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-events.Updates():
				if !ok {
					return
				}
				if ev.Sysname != b.Name {
					continue
				}

				if brightness, ok := read(); ok && !emit(brightness) {
					return
				}
			}
		}
	})
}
