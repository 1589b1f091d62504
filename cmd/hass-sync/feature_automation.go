//go:build !no_automation

package main

import (
	"log/slog"

	"hass-sync/internal/automation"
	"hass-sync/internal/hub"
	"hass-sync/internal/web"
)

type autoStopper struct {
	engine *automation.Engine
}

func (a *autoStopper) Stop() {
	if a.engine != nil {
		a.engine.Stop()
	}
}

func initAutomation(h *hub.Hub, cfg *Config, logger *slog.Logger) (*autoStopper, []web.ServerOption) {
	scriptMgr, err := automation.NewManager(cfg.ScriptsDir, logger)
	if err != nil {
		logger.Error("create script manager", "err", err)
		return &autoStopper{}, nil
	}

	engine := automation.NewEngine(h, scriptMgr, logger)
	engine.Start()
	return &autoStopper{engine: engine}, []web.ServerOption{web.WithAutomation(engine, scriptMgr)}
}
