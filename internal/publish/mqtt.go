package publish

import (
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/sirupsen/logrus"
)

// MQTTPublisher publishes readings as a single comma-separated payload
// to one MQTT topic, tagging every message with the device GUID so a
// shared broker/topic can carry more than one meter.
type MQTTPublisher struct {
	client mqtt.Client
	topic  string
	guid   string
	log    *logrus.Entry
}

// NewMQTTPublisher connects to broker and returns a ready-to-use
// Publisher. broker is any URL paho.mqtt.golang accepts (tcp://, ssl://,
// ws://). guid is tagged onto every published message.
func NewMQTTPublisher(broker, topic, guid string, log *logrus.Entry) (*MQTTPublisher, error) {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	opts := mqtt.NewClientOptions().
		AddBroker(broker).
		SetClientID("pe32me162irpy-pub-" + guid).
		SetAutoReconnect(true).
		SetConnectRetry(true)

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if token.WaitTimeout(10*time.Second) && token.Error() != nil {
		return nil, fmt.Errorf("publish: connecting to %s: %w", broker, token.Error())
	}
	return &MQTTPublisher{client: client, topic: topic, guid: guid, log: log}, nil
}

// Publish implements Publisher. The payload is a comma-separated
// key=value list rather than the original's x-www-form-urlencoded body
// (which also carries uptime/version debug fields); §6 only contracts
// the three decimals-with-unit, so the wire format itself is latitude,
// noted in DESIGN.md.
func (m *MQTTPublisher) Publish(positiveWh, negativeWh, instantaneousW Quantity) error {
	payload := fmt.Sprintf(
		"guid=%s,pos_active_energy_wh=%s,neg_active_energy_wh=%s,instantaneous_w=%s",
		m.guid, positiveWh.Value.String(), negativeWh.Value.String(), instantaneousW.Value.String(),
	)
	token := m.client.Publish(m.topic, 0, false, payload)
	if token.WaitTimeout(5*time.Second) && token.Error() != nil {
		return fmt.Errorf("publish: publishing to %s: %w", m.topic, token.Error())
	}
	m.log.WithFields(logrus.Fields{
		"topic": m.topic, "positive": positiveWh, "negative": negativeWh, "instantaneous": instantaneousW,
	}).Debug("publish: sent")
	return nil
}

// Close disconnects from the broker, waiting up to 250ms for in-flight
// publishes to drain.
func (m *MQTTPublisher) Close() {
	m.client.Disconnect(250)
}
