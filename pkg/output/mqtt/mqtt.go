package mqtt

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	log "github.com/sirupsen/logrus"

	"github.com/ericogr/thermal-interlock/pkg/analog"
	"github.com/ericogr/thermal-interlock/pkg/config"
	"github.com/ericogr/thermal-interlock/pkg/interlock"
	"github.com/ericogr/thermal-interlock/pkg/output"
	"github.com/ericogr/thermal-interlock/pkg/poller"
)

const (
	// defaults
	DefaultServer      = "tcp://localhost:1883"
	DefaultClientID    = "thermal-interlock"
	DefaultFrameTopic  = "thermal/camera/%d"
	DefaultAnalogTopic = "thermal/analog/%d"
	DefaultAlertTopic  = "thermal/interlock/alert"
	// discovery payload keys/values
	keyName                = "name"
	keyStateTopic          = "state_topic"
	keyUnitOfMeasurement   = "unit_of_measurement"
	keyDeviceClass         = "device_class"
	keyStateClass          = "state_class"
	keyValueTemplate       = "value_template"
	keyJSONAttributesTopic = "json_attributes_topic"
	keyUniqueID            = "unique_id"
	unitCelsius            = "°C"
	deviceClassTemperature = "temperature"
	stateClassMeasurement  = "measurement"
	valueTemplateMax       = "{{ value_json.max }}"

	publishTimeout = 2 * time.Second
)

type MQTTOutput struct {
	client      mqtt.Client
	frameTopic  string
	analogTopic string
	alertTopic  string
}

// FramePayload is the JSON published per frame.
type FramePayload struct {
	Camera    int       `json:"camera"`
	Triggered bool      `json:"triggered"`
	Min       float64   `json:"min"`
	Max       float64   `json:"max"`
	Mean      float64   `json:"mean"`
	Reference float64   `json:"reference"`
	Timestamp time.Time `json:"timestamp"` // capture time
}

// Connect opens a client from cfg. It is shared with the control subscriber.
func Connect(cfg config.MQTTConfig) (mqtt.Client, error) {
	server := cfg.Server
	if server == "" {
		server = DefaultServer
	}
	clientID := cfg.ClientID
	if clientID == "" {
		clientID = DefaultClientID
	}
	opts := mqtt.NewClientOptions().AddBroker(server).SetClientID(clientID).SetAutoReconnect(true)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
	}
	if cfg.Password != "" {
		opts.SetPassword(cfg.Password)
	}
	client := mqtt.NewClient(opts)
	token := client.Connect()
	if token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("mqtt connect: %w", token.Error())
	}
	return client, nil
}

func NewMQTT(cfg config.MQTTConfig, cameras []int) (output.Output, error) {
	client, err := Connect(cfg)
	if err != nil {
		return nil, err
	}
	return newWithClient(client, cfg, cameras), nil
}

func newWithClient(client mqtt.Client, cfg config.MQTTConfig, cameras []int) *MQTTOutput {
	m := &MQTTOutput{
		client:      client,
		frameTopic:  orDefault(cfg.FrameTopic, DefaultFrameTopic),
		analogTopic: orDefault(cfg.AnalogTopic, DefaultAnalogTopic),
		alertTopic:  orDefault(cfg.AlertTopic, DefaultAlertTopic),
	}

	// Home Assistant discovery, per camera when the topic has a formatter
	if cfg.DiscoveryTopic != "" {
		if strings.Contains(cfg.DiscoveryTopic, "%d") {
			for _, cam := range cameras {
				cam := cam
				payload := baseDiscoveryPayload(discoveryName(cfg, &cam), formatTopic(m.frameTopic, cam), discoveryUniqueID(cfg, &cam))
				if err := publishJSON(client, fmt.Sprintf(cfg.DiscoveryTopic, cam), true, payload); err != nil {
					log.WithError(err).WithField("camera", cam).Warn("mqtt discovery publish failed")
				}
			}
		} else {
			payload := baseDiscoveryPayload(discoveryName(cfg, nil), formatTopic(m.frameTopic, 0), discoveryUniqueID(cfg, nil))
			if err := publishJSON(client, cfg.DiscoveryTopic, true, payload); err != nil {
				log.WithError(err).Warn("mqtt discovery publish failed")
			}
		}
	}
	return m
}

func (m *MQTTOutput) PublishFrame(ev poller.Event) error {
	if ev.Frame == nil {
		return nil
	}
	s := ev.Frame.Summary()
	return publishJSON(m.client, formatTopic(m.frameTopic, ev.Camera), false, FramePayload{
		Camera:    ev.Camera,
		Triggered: ev.Triggered,
		Min:       s.Min,
		Max:       s.Max,
		Mean:      s.Mean,
		Reference: s.Reference,
		Timestamp: ev.Frame.CapturedAt(),
	})
}

func (m *MQTTOutput) PublishAnalog(rs []analog.Reading) error {
	for _, r := range rs {
		if err := publishJSON(m.client, formatTopic(m.analogTopic, r.Channel), false, r); err != nil {
			return err
		}
	}
	return nil
}

// PublishTrip publishes the trip status retained, so late subscribers see it.
func (m *MQTTOutput) PublishTrip(st interlock.Status) error {
	return publishJSON(m.client, m.alertTopic, true, st)
}

func (m *MQTTOutput) Close() error {
	if m.client != nil {
		m.client.Disconnect(250)
	}
	return nil
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

// helper: format a topic for a camera or channel using an optional formatter
func formatTopic(base string, n int) string {
	if strings.Contains(base, "%d") {
		return fmt.Sprintf(base, n)
	}
	return base
}

// helper: build a human-friendly discovery name; if cam != nil append camera
func discoveryName(cfg config.MQTTConfig, cam *int) string {
	name := cfg.DiscoveryName
	if name == "" {
		name = fmt.Sprintf("Thermal %s", orDefault(cfg.ClientID, DefaultClientID))
	}
	if cam != nil {
		name = fmt.Sprintf("%s cam%d", name, *cam)
	}
	return name
}

// helper: build a unique id for discovery; if cam != nil append camera
func discoveryUniqueID(cfg config.MQTTConfig, cam *int) string {
	uid := cfg.DiscoveryUniqueID
	if uid == "" {
		uid = cfg.ClientID
	}
	if uid != "" && cam != nil {
		uid = fmt.Sprintf("%s_%d", uid, *cam)
	}
	return uid
}

// helper: base discovery payload map common to all entries
func baseDiscoveryPayload(name, stateTopic, uniqueID string) map[string]interface{} {
	payload := map[string]interface{}{
		keyName:                name,
		keyStateTopic:          stateTopic,
		keyUnitOfMeasurement:   unitCelsius,
		keyDeviceClass:         deviceClassTemperature,
		keyStateClass:          stateClassMeasurement,
		keyValueTemplate:       valueTemplateMax,
		keyJSONAttributesTopic: stateTopic,
	}
	if uniqueID != "" {
		payload[keyUniqueID] = uniqueID
	}
	return payload
}

// helper: marshal and publish a JSON payload
func publishJSON(client mqtt.Client, topic string, retained bool, payload interface{}) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	token := client.Publish(topic, 0, retained, b)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("mqtt publish %s: timeout", topic)
	}
	return token.Error()
}
