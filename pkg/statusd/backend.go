package statusd

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/MixyLabs/statusd/pkg/statusd/audio"
	"github.com/MixyLabs/statusd/pkg/statusd/pipewire"
	"github.com/MixyLabs/statusd/pkg/statusd/pulse"
)

// StartAudio connects the configured audio backend. auto prefers the native
// PipeWire client and falls back to the PulseAudio protocol.
func StartAudio(ctx context.Context, logger *zap.SugaredLogger, cfg AudioConfig) (audio.Backend, error) {
	switch cfg.Backend {
	case AudioBackendPipeWire, "":
		return startPipeWire(ctx, logger, cfg.Remote)

	case AudioBackendPulse:
		return startPulse(ctx, logger)

	case AudioBackendAuto:
		backend, err := startPipeWire(ctx, logger, cfg.Remote)
		if err == nil {
			return backend, nil
		}

		logger.Infow("PipeWire unavailable, falling back to PulseAudio", "error", err)

		return startPulse(ctx, logger)

	default:
		return nil, fmt.Errorf("start audio backend: unknown backend %q", cfg.Backend)
	}
}

func startPipeWire(ctx context.Context, logger *zap.SugaredLogger, remote string) (audio.Backend, error) {
	inst, err := pipewire.Start(ctx, logger, remote)
	if err != nil {
		return nil, fmt.Errorf("start PipeWire backend: %w", err)
	}

	return inst, nil
}

func startPulse(ctx context.Context, logger *zap.SugaredLogger) (audio.Backend, error) {
	backend, err := pulse.Connect(ctx, logger, "")
	if err != nil {
		return nil, fmt.Errorf("start PulseAudio backend: %w", err)
	}

	return backend, nil
}
