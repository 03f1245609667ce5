// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package config

import (
	"fmt"
	"os"
	"time"

	log "github.com/sirupsen/logrus"

	"gopkg.in/yaml.v2"

	"github.com/relabs-tech/rtk_bridge/internal/ubx"
)

// Settings is the full bridge configuration, loaded once at startup.
// The packages downstream receive the loaded struct and never touch
// the file themselves.
type Settings struct {
	Device struct {
		Port                string   `yaml:"port"`
		BaudRate            uint     `yaml:"baud_rate"`
		UpdateRateHz        int      `yaml:"update_rate_hz"`
		DynamicModel        string   `yaml:"dynamic_model"`
		Constellations      []string `yaml:"constellations"`
		EnableDeadReckoning bool     `yaml:"enable_dead_reckoning"`
		PreferDeadReckoning bool     `yaml:"prefer_dead_reckoning"`
		MinSatellites       int      `yaml:"min_satellites"`
		AckTimeoutSec       int      `yaml:"ack_timeout_sec"`
	} `yaml:"device"`

	Ntrip struct {
		Enabled       bool     `yaml:"enabled"`
		Host          string   `yaml:"host"`
		Port          int      `yaml:"port"`
		Mountpoint    string   `yaml:"mountpoint"`
		Username      string   `yaml:"username"`
		Password      string   `yaml:"password"`
		SilenceSec    int      `yaml:"silence_sec"`
		MessageFilter []uint16 `yaml:"message_filter"`
	} `yaml:"ntrip"`

	Mqtt struct {
		Enabled  bool   `yaml:"enabled"`
		Broker   string `yaml:"broker"`
		ClientID string `yaml:"client_id"`
	} `yaml:"mqtt"`

	HomeAssistant struct {
		Enabled bool   `yaml:"enabled"`
		BaseURL string `yaml:"base_url"`
		Token   string `yaml:"token"`
	} `yaml:"home_assistant"`

	Web struct {
		Listen string `yaml:"listen"`
	} `yaml:"web"`

	LogLevel      string `yaml:"log_level"`
	LogFilePath   string `yaml:"log_file_path"`
	LogMaxAgeDays int    `yaml:"log_max_age_days"`
}

// GetLogLevel maps the configured level onto logrus.
func (s *Settings) GetLogLevel() log.Level {
	var lvl log.Level

	switch s.LogLevel {
	case "DEBUG":
		lvl = log.DebugLevel
	case "INFO":
		lvl = log.InfoLevel
	case "WARN":
		lvl = log.WarnLevel
	case "ERROR":
		lvl = log.ErrorLevel
	default:
		lvl = log.InfoLevel
	}
	return lvl
}

// GetAckTimeout returns the per-command acknowledgment wait.
func (s *Settings) GetAckTimeout() time.Duration {
	return time.Duration(s.Device.AckTimeoutSec) * time.Second
}

// GetSilenceTimeout returns the correction-stream silence bound.
func (s *Settings) GetSilenceTimeout() time.Duration {
	return time.Duration(s.Ntrip.SilenceSec) * time.Second
}

// GetDynamicModel maps the configured platform name onto the receiver
// code. Unknown names fall back to the portable model.
func (s *Settings) GetDynamicModel() byte {
	switch s.Device.DynamicModel {
	case "stationary":
		return ubx.DynModelStationary
	case "pedestrian":
		return ubx.DynModelPedestrian
	case "automotive":
		return ubx.DynModelAutomotive
	case "sea":
		return ubx.DynModelSea
	case "airborne":
		return ubx.DynModelAirborne1G
	case "", "portable":
		return ubx.DynModelPortable
	default:
		log.Warnf("unknown dynamic_model %q, using portable", s.Device.DynamicModel)
		return ubx.DynModelPortable
	}
}

// GetConstellations maps the configured constellation names onto
// CFG-GNSS blocks. The receiver wants a block per constellation it
// knows, so unnamed ones are disabled explicitly. An empty list means
// no CFG-GNSS is sent and the receiver defaults stay in effect.
func (s *Settings) GetConstellations() []ubx.GnssBlock {
	if len(s.Device.Constellations) == 0 {
		return nil
	}
	wanted := map[string]bool{}
	for _, name := range s.Device.Constellations {
		wanted[name] = true
	}
	names := []string{"gps", "sbas", "galileo", "beidou", "qzss", "glonass"}
	blocks := []ubx.GnssBlock{
		{ID: ubx.GnssGPS, MinTrk: 8, MaxTrk: 16, SigMask: 0x01},
		{ID: ubx.GnssSBAS, MinTrk: 1, MaxTrk: 3, SigMask: 0x01},
		{ID: ubx.GnssGalileo, MinTrk: 4, MaxTrk: 8, SigMask: 0x01},
		{ID: ubx.GnssBeiDou, MinTrk: 4, MaxTrk: 8, SigMask: 0x01},
		{ID: ubx.GnssQZSS, MinTrk: 0, MaxTrk: 3, SigMask: 0x01},
		{ID: ubx.GnssGLONASS, MinTrk: 4, MaxTrk: 8, SigMask: 0x01},
	}
	for i, name := range names {
		blocks[i].Enable = wanted[name]
		delete(wanted, name)
	}
	for name := range wanted {
		log.Warnf("unknown constellation %q ignored", name)
	}
	return blocks
}

// New loads settings from the given YAML file and applies defaults.
func New(confPath string) (Settings, error) {
	c := Settings{}
	data, err := os.ReadFile(confPath)
	if err != nil {
		return c, err
	}
	if err := yaml.Unmarshal(data, &c); err != nil {
		return c, err
	}

	if c.Device.Port == "" {
		c.Device.Port = "/dev/ttyACM0"
	}
	if c.Device.BaudRate == 0 {
		c.Device.BaudRate = 38400
	}
	if c.Device.UpdateRateHz == 0 {
		c.Device.UpdateRateHz = 1
	}
	if c.Device.UpdateRateHz < 1 || c.Device.UpdateRateHz > 10 {
		return c, fmt.Errorf("update_rate_hz %d out of range 1..10", c.Device.UpdateRateHz)
	}
	if c.Device.MinSatellites == 0 {
		c.Device.MinSatellites = 4
	}
	if c.Device.AckTimeoutSec == 0 {
		c.Device.AckTimeoutSec = 2
	}
	if c.Ntrip.Port == 0 {
		c.Ntrip.Port = 2101
	}
	if c.Ntrip.SilenceSec == 0 {
		c.Ntrip.SilenceSec = 30
	}
	if c.Ntrip.Enabled && (c.Ntrip.Host == "" || c.Ntrip.Mountpoint == "") {
		return c, fmt.Errorf("ntrip enabled but host or mountpoint missing")
	}
	if c.Mqtt.Broker == "" {
		c.Mqtt.Broker = "tcp://localhost:1883"
	}
	if c.Mqtt.ClientID == "" {
		c.Mqtt.ClientID = "rtk-bridge"
	}
	if c.Web.Listen == "" {
		c.Web.Listen = ":8080"
	}

	return c, nil
}
