//go:build no_automation

package main

import (
	"log/slog"

	"hass-sync/internal/hub"
	"hass-sync/internal/web"
)

type autoStopper struct{}

func (a *autoStopper) Stop() {}

func initAutomation(_ *hub.Hub, _ *Config, _ *slog.Logger) (*autoStopper, []web.ServerOption) {
	return &autoStopper{}, nil
}
