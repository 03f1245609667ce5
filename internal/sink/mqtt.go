package sink

import (
	"encoding/json"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	log "github.com/sirupsen/logrus"

	"github.com/relabs-tech/rtk_bridge/internal/gps"
)

// Topics published by the MQTT sink.
const (
	TopicSolution         = "rtk/solution"
	TopicDeviceStatus     = "rtk/status/device"
	TopicCorrectionStatus = "rtk/status/corrections"
)

const publishTimeout = 2 * time.Second

// MQTT publishes retained JSON snapshots so late subscribers get the
// current state immediately.
type MQTT struct {
	client mqtt.Client
}

// NewMQTT connects to the broker. The returned sink owns the client.
func NewMQTT(broker, clientID string) (*MQTT, error) {
	opts := mqtt.NewClientOptions().
		AddBroker(broker).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectTimeout(5 * time.Second)

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("mqtt: connect %s: %w", broker, token.Error())
	}
	log.Infof("mqtt sink connected to %s", broker)
	return &MQTT{client: client}, nil
}

func (m *MQTT) publish(topic string, v interface{}) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("mqtt: marshal %s: %w", topic, err)
	}
	token := m.client.Publish(topic, 0, true, payload)
	// WaitTimeout keeps the publish path bounded when the broker is
	// unreachable; the orchestrator must not stall behind a sink.
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("mqtt: publish %s timed out", topic)
	}
	return token.Error()
}

func (m *MQTT) PublishSolution(sol gps.Solution) error {
	return m.publish(TopicSolution, sol)
}

func (m *MQTT) PublishDeviceStatus(st DeviceStatus) error {
	return m.publish(TopicDeviceStatus, st)
}

func (m *MQTT) PublishCorrectionStatus(st CorrectionStatus) error {
	return m.publish(TopicCorrectionStatus, st)
}

func (m *MQTT) Close() error {
	m.client.Disconnect(250)
	return nil
}
