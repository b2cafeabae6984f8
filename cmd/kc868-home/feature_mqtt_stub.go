//go:build no_mqtt

package main

import (
	"log/slog"

	"kc868-go-home/internal/controller"
)

type mqttStopper struct{}

func (m *mqttStopper) Stop() {}

func initMQTT(_ *controller.Controller, _ *Config, logger *slog.Logger) *mqttStopper {
	logger.Info("built without MQTT support")
	return &mqttStopper{}
}
