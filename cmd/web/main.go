// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package main

import (
	"flag"

	log "github.com/sirupsen/logrus"

	"github.com/relabs-tech/rtk_bridge/internal/app"
	"github.com/relabs-tech/rtk_bridge/internal/config"
)

func main() {
	configFilePath := ""
	flag.StringVar(&configFilePath, "c", "rtk_bridge.yaml", "path to the configuration file")
	flag.Parse()

	cfg, err := config.New(configFilePath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	log.SetLevel(cfg.GetLogLevel())

	log.Info("starting rtk-bridge web server (MQTT subscriber)")
	if err := app.RunWeb(cfg); err != nil {
		log.Fatalf("fatal: %v", err)
	}
}
