package backend

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-assist/internal/config"
	"github.com/loqalabs/loqa-assist/internal/speech"
)

// FromConfig builds the enabled adapters and the permission gate.
func FromConfig(cfg config.RecognitionConfig, logger *slog.Logger) ([]speech.Adapter, speech.Permission, error) {
	var adapters []speech.Adapter

	if cfg.Primary.Enabled {
		primary, err := NewPrimary(PrimaryConfig{
			ID:            "primary",
			Priority:      cfg.Primary.Priority,
			Command:       cfg.Primary.Command,
			CompanionPath: cfg.Primary.CompanionPath,
			Defaults: speech.Options{
				MinLengthMS:               cfg.Primary.MinLengthMS,
				CompleteSilenceMS:         cfg.Primary.CompleteSilenceMS,
				PossiblyCompleteSilenceMS: cfg.Primary.PossiblyCompleteSilenceMS,
				MaxAlternatives:           cfg.Primary.MaxAlternatives,
				PartialResults:            true,
				PreferOffline:             cfg.Primary.PreferOffline,
			},
		}, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("primary backend: %w", err)
		}
		adapters = append(adapters, primary)
	}

	if cfg.Bridge.Enabled {
		bridge, err := NewBridge(BridgeConfig{
			ID:          "bridge",
			Priority:    cfg.Bridge.Priority,
			URL:         cfg.Bridge.URL,
			DialTimeout: time.Duration(cfg.Bridge.DialTimeoutMS) * time.Millisecond,
		}, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("bridge backend: %w", err)
		}
		adapters = append(adapters, bridge)
	}

	if cfg.Offline.Enabled {
		var mic Microphone
		if cfg.MicrophoneCommand != "" {
			execMic, err := NewExecMicrophone(cfg.MicrophoneCommand)
			if err != nil {
				return nil, nil, fmt.Errorf("offline backend: %w", err)
			}
			mic = execMic
		}
		offline, err := NewOffline(OfflineConfig{
			ID:           "offline",
			Priority:     cfg.Offline.Priority,
			Command:      cfg.Offline.Command,
			ModelPath:    cfg.Offline.ModelPath,
			PartialEvery: time.Duration(cfg.Offline.PartialEveryMS) * time.Millisecond,
			SampleRate:   cfg.Offline.SampleRate,
			Channels:     cfg.Offline.Channels,
		}, mic, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("offline backend: %w", err)
		}
		adapters = append(adapters, offline)
	}

	var permission speech.Permission
	switch cfg.Permission {
	case "", "granted":
		permission = speech.StaticPermission(true)
	case "denied":
		permission = speech.StaticPermission(false)
	case "command":
		p, err := CommandPermission(cfg.PermissionCommand)
		if err != nil {
			return nil, nil, err
		}
		permission = p
	default:
		return nil, nil, fmt.Errorf("unknown permission mode %q", cfg.Permission)
	}
	return adapters, permission, nil
}

// ControllerConfig converts the recognition settings for speech.NewController.
func ControllerConfig(cfg config.RecognitionConfig) speech.Config {
	out := speech.DefaultConfig()
	if cfg.Locale != "" {
		out.Locale = cfg.Locale
	}
	if cfg.MaxAttempts > 0 {
		out.MaxAttempts = cfg.MaxAttempts
	}
	if cfg.BackoffMS != nil {
		out.Backoff = make([]time.Duration, 0, len(cfg.BackoffMS))
		for _, ms := range cfg.BackoffMS {
			out.Backoff = append(out.Backoff, time.Duration(ms)*time.Millisecond)
		}
	}
	out.SettleDelay = time.Duration(cfg.SettleDelayMS) * time.Millisecond
	out.ProbeRetryDelay = time.Duration(cfg.ProbeRetryDelayMS) * time.Millisecond
	return out
}
