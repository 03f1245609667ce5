// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/rifflock/lfshook"
	log "github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/relabs-tech/rtk_bridge/internal/app"
	"github.com/relabs-tech/rtk_bridge/internal/config"
	"github.com/relabs-tech/rtk_bridge/internal/sink"
)

func main() {
	configFilePath := ""
	flag.StringVar(&configFilePath, "c", "rtk_bridge.yaml", "path to the configuration file")
	flag.Parse()

	cfg, err := config.New(configFilePath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	configureLogging(cfg)

	sinks, err := buildSinks(cfg)
	if err != nil {
		log.Fatalf("failed to set up sinks: %v", err)
	}
	defer sinks.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	bridge := app.New(cfg, sinks)
	log.Infof("starting rtk-bridge on %s", cfg.Device.Port)
	if err := bridge.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("fatal: %v", err)
	}
	log.Info("rtk-bridge stopped")
}

func buildSinks(cfg config.Settings) (sink.Multi, error) {
	var sinks sink.Multi
	if cfg.Mqtt.Enabled {
		m, err := sink.NewMQTT(cfg.Mqtt.Broker, cfg.Mqtt.ClientID)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, m)
	}
	if cfg.HomeAssistant.Enabled {
		sinks = append(sinks, sink.NewHomeAssistant(
			cfg.HomeAssistant.BaseURL, cfg.HomeAssistant.Token))
	}
	if len(sinks) == 0 {
		log.Warn("no sinks enabled, running with log output only")
	}
	return sinks, nil
}

func configureLogging(cfg config.Settings) {
	log.SetLevel(cfg.GetLogLevel())

	consoleFmt := &log.TextFormatter{ForceColors: true, FullTimestamp: false}
	log.SetFormatter(consoleFmt)
	log.SetOutput(os.Stdout)

	if cfg.LogFilePath != "" {
		logDir := filepath.Dir(cfg.LogFilePath)
		if _, err := os.Stat(logDir); os.IsNotExist(err) {
			if err := os.MkdirAll(logDir, os.ModePerm); err != nil {
				log.Fatalf("failed to create log directory: %v", err)
			}
		}

		lumberjackLogger := &lumberjack.Logger{
			Filename:   cfg.LogFilePath,
			MaxSize:    100,
			MaxBackups: 366,
			MaxAge:     cfg.LogMaxAgeDays,
			Compress:   true,
		}

		fileFmt := &log.TextFormatter{DisableColors: true, FullTimestamp: true}
		hook := lfshook.NewHook(lfshook.WriterMap{
			log.PanicLevel: lumberjackLogger,
			log.FatalLevel: lumberjackLogger,
			log.ErrorLevel: lumberjackLogger,
			log.WarnLevel:  lumberjackLogger,
			log.InfoLevel:  lumberjackLogger,
			log.DebugLevel: lumberjackLogger,
		}, fileFmt)
		log.AddHook(hook)
	}
}
