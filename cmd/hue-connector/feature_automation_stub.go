//go:build no_automation

package main

import (
	"log/slog"

	"hue-connector/internal/automation"
	"hue-connector/internal/config"
	"hue-connector/internal/events"
	"hue-connector/internal/web"
)

type autoStopper struct{}

func (a *autoStopper) Stop() {}

func initAutomation(_ *events.Bus, _ automation.Devices, _ automation.Commander, _ *config.Config, _ *slog.Logger) (*autoStopper, []web.ServerOption) {
	return &autoStopper{}, nil
}
