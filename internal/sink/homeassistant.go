// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package sink

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/relabs-tech/rtk_bridge/internal/gps"
)

// HomeAssistant pushes entity states to a Home Assistant instance via
// its REST API. Each publish is a POST to /api/states/<entity>.
type HomeAssistant struct {
	baseURL string
	token   string
	client  *http.Client
}

// NewHomeAssistant builds the sink. baseURL is the instance root,
// e.g. "http://homeassistant.local:8123".
func NewHomeAssistant(baseURL, token string) *HomeAssistant {
	return &HomeAssistant{
		baseURL: baseURL,
		token:   token,
		client:  &http.Client{Timeout: 5 * time.Second},
	}
}

type entityState struct {
	State      string      `json:"state"`
	Attributes interface{} `json:"attributes,omitempty"`
}

func (h *HomeAssistant) post(entity string, st entityState) error {
	body, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("homeassistant: marshal %s: %w", entity, err)
	}
	req, err := http.NewRequest(http.MethodPost,
		h.baseURL+"/api/states/"+entity, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("homeassistant: request %s: %w", entity, err)
	}
	req.Header.Set("Authorization", "Bearer "+h.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("homeassistant: post %s: %w", entity, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("homeassistant: post %s: status %s", entity, resp.Status)
	}
	return nil
}

func (h *HomeAssistant) PublishSolution(sol gps.Solution) error {
	return h.post("sensor.rtk_position", entityState{
		State:      fmt.Sprintf("%.7f,%.7f", sol.Latitude, sol.Longitude),
		Attributes: sol,
	})
}

func (h *HomeAssistant) PublishDeviceStatus(st DeviceStatus) error {
	return h.post("sensor.rtk_device", entityState{
		State:      st.FixState,
		Attributes: st,
	})
}

func (h *HomeAssistant) PublishCorrectionStatus(st CorrectionStatus) error {
	return h.post("sensor.rtk_corrections", entityState{
		State:      st.State,
		Attributes: st,
	})
}

func (h *HomeAssistant) Close() error { return nil }
