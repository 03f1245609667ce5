package app

import (
	"encoding/json"
	"net/http"
	"sync"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"github.com/relabs-tech/rtk_bridge/internal/config"
	"github.com/relabs-tech/rtk_bridge/internal/gps"
	"github.com/relabs-tech/rtk_bridge/internal/sink"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins for local development
	},
}

// statusSnapshot is what /api/status serves: the latest of each topic.
type statusSnapshot struct {
	Solution    *gps.Solution          `json:"solution,omitempty"`
	Device      *sink.DeviceStatus     `json:"device,omitempty"`
	Corrections *sink.CorrectionStatus `json:"corrections,omitempty"`
}

// RunWeb subscribes to the bridge topics and serves the latest state
// over HTTP plus a websocket live feed of solutions.
func RunWeb(cfg config.Settings) error {
	var (
		mu       sync.RWMutex
		snapshot statusSnapshot

		feedMu sync.Mutex
		feeds  = map[*websocket.Conn]struct{}{}
	)

	opts := mqtt.NewClientOptions().
		AddBroker(cfg.Mqtt.Broker).
		SetClientID(cfg.Mqtt.ClientID + "-web")

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return token.Error()
	}
	log.Infof("web: connected to MQTT broker at %s", cfg.Mqtt.Broker)

	broadcast := func(payload []byte) {
		feedMu.Lock()
		defer feedMu.Unlock()
		for conn := range feeds {
			if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				conn.Close()
				delete(feeds, conn)
			}
		}
	}

	token := client.Subscribe(sink.TopicSolution, 0, func(_ mqtt.Client, msg mqtt.Message) {
		var sol gps.Solution
		if err := json.Unmarshal(msg.Payload(), &sol); err != nil {
			log.Warnf("web: solution payload: %v", err)
			return
		}
		mu.Lock()
		snapshot.Solution = &sol
		mu.Unlock()
		broadcast(msg.Payload())
	})
	token.Wait()
	if token.Error() != nil {
		return token.Error()
	}

	token = client.Subscribe(sink.TopicDeviceStatus, 0, func(_ mqtt.Client, msg mqtt.Message) {
		var st sink.DeviceStatus
		if err := json.Unmarshal(msg.Payload(), &st); err != nil {
			return
		}
		mu.Lock()
		snapshot.Device = &st
		mu.Unlock()
	})
	token.Wait()
	if token.Error() != nil {
		return token.Error()
	}

	token = client.Subscribe(sink.TopicCorrectionStatus, 0, func(_ mqtt.Client, msg mqtt.Message) {
		var st sink.CorrectionStatus
		if err := json.Unmarshal(msg.Payload(), &st); err != nil {
			return
		}
		mu.Lock()
		snapshot.Corrections = &st
		mu.Unlock()
	})
	token.Wait()
	if token.Error() != nil {
		return token.Error()
	}

	http.HandleFunc("/api/status", func(w http.ResponseWriter, r *http.Request) {
		mu.RLock()
		defer mu.RUnlock()

		if snapshot.Solution == nil && snapshot.Device == nil {
			http.Error(w, "no data yet", http.StatusServiceUnavailable)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(snapshot); err != nil {
			log.Warnf("web: json encode: %v", err)
		}
	})

	http.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Warnf("web: websocket upgrade: %v", err)
			return
		}
		feedMu.Lock()
		feeds[conn] = struct{}{}
		feedMu.Unlock()

		// Reads are only drained to detect the peer going away.
		go func() {
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					feedMu.Lock()
					delete(feeds, conn)
					feedMu.Unlock()
					conn.Close()
					return
				}
			}
		}()
	})

	fs := http.FileServer(http.Dir("web"))
	http.Handle("/", fs)

	log.Infof("web server listening on %s", cfg.Web.Listen)
	return http.ListenAndServe(cfg.Web.Listen, nil)
}
