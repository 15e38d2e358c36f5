package mqtt

import (
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/DavidDeeds/vsn300-pvoutput/internal/inverter"
	"github.com/DavidDeeds/vsn300-pvoutput/internal/tracker"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

const deviceName = "VSN300"

// Publisher mirrors each poll's snapshot to MQTT for home automation.
// Optional; a disabled publisher is a no-op.
type Publisher struct {
	client      mqtt.Client
	topicPrefix string
	enabled     bool
}

type PublisherConfig struct {
	Broker      string
	ClientID    string
	Username    string
	Password    string
	TopicPrefix string
	Enabled     bool
}

func NewPublisher(cfg PublisherConfig) (*Publisher, error) {
	if !cfg.Enabled {
		return &Publisher{enabled: false}, nil
	}

	opts := mqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetConnectionLostHandler(func(c mqtt.Client, err error) {
			log.Printf("MQTT connection lost: %v", err)
		}).
		SetOnConnectHandler(func(c mqtt.Client) {
			log.Println("MQTT connected")
		})

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if token.Wait() && token.Error() != nil {
		// Return a disabled publisher alongside the error so callers
		// can keep running without MQTT instead of carrying a nil.
		return &Publisher{enabled: false}, fmt.Errorf("failed to connect to MQTT broker: %w", token.Error())
	}

	return &Publisher{
		client:      client,
		topicPrefix: cfg.TopicPrefix,
		enabled:     true,
	}, nil
}

func (p *Publisher) Publish(r *inverter.Reading, state tracker.DailyState) error {
	if p == nil || !p.enabled {
		return nil
	}

	// Publish individual values
	topics := map[string]interface{}{
		"power":          r.PowerW,
		"energy_today":   state.DailyEnergyWh,
		"energy_total":   r.LifetimeEnergyWh,
		"voltage":        r.VoltageV,
		"grid_frequency": r.GridFrequencyHz,
		"temperature":    r.TemperatureC,
		"status":         r.StatusText,
		"night":          r.Night,
		"peak_power":     state.PeakPowerW,
		"uptime_minutes": state.UptimeMinutesToday,
	}

	for name, value := range topics {
		topic := fmt.Sprintf("%s/%s/%s", p.topicPrefix, deviceName, name)
		payload := fmt.Sprintf("%v", value)
		token := p.client.Publish(topic, 0, false, payload)
		token.Wait()
		if token.Error() != nil {
			log.Printf("Failed to publish to %s: %v", topic, token.Error())
		}
	}

	// Publish full reading as retained JSON
	statusJSON, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("failed to marshal status: %w", err)
	}

	statusTopic := fmt.Sprintf("%s/%s/status_json", p.topicPrefix, deviceName)
	token := p.client.Publish(statusTopic, 0, true, statusJSON)
	token.Wait()
	if token.Error() != nil {
		return fmt.Errorf("failed to publish status: %w", token.Error())
	}

	return nil
}

func (p *Publisher) PublishHomeAssistantDiscovery() error {
	if !p.enabled {
		return nil
	}

	sensors := []struct {
		Name        string
		ID          string
		Unit        string
		DeviceClass string
	}{
		{"Power", "power", "W", "power"},
		{"Energy Today", "energy_today", "Wh", "energy"},
		{"Lifetime Energy", "energy_total", "Wh", "energy"},
		{"AC Voltage", "voltage", "V", "voltage"},
		{"Grid Frequency", "grid_frequency", "Hz", "frequency"},
		{"Temperature", "temperature", "°C", "temperature"},
		{"Status", "status", "", ""},
		{"Peak Power", "peak_power", "W", "power"},
	}

	for _, sensor := range sensors {
		discoveryTopic := fmt.Sprintf("homeassistant/sensor/vsn300/%s/config", sensor.ID)

		config := map[string]interface{}{
			"name":                fmt.Sprintf("VSN300 %s", sensor.Name),
			"unique_id":           fmt.Sprintf("vsn300_%s", sensor.ID),
			"state_topic":         fmt.Sprintf("%s/%s/%s", p.topicPrefix, deviceName, sensor.ID),
			"unit_of_measurement": sensor.Unit,
			"device": map[string]interface{}{
				"identifiers":  []string{"vsn300_logger"},
				"name":         "ABB VSN300",
				"manufacturer": "ABB / Power-One",
				"model":        "VSN300 WiFi Logger Card",
			},
		}

		if sensor.DeviceClass != "" {
			config["device_class"] = sensor.DeviceClass
		}

		payload, _ := json.Marshal(config)
		token := p.client.Publish(discoveryTopic, 0, true, payload)
		token.Wait()
	}

	return nil
}

func (p *Publisher) IsConnected() bool {
	if !p.enabled {
		return false
	}
	return p.client.IsConnected()
}

func (p *Publisher) Close() {
	if p.enabled && p.client != nil {
		p.client.Disconnect(1000)
	}
}
