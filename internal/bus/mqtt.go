package bus

import (
	"fmt"
	"log"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// MQTTBus wraps the paho client. Subscriptions are tracked locally and
// replayed on every (re)connect so a broker restart loses no filters.
type MQTTBus struct {
	client mqtt.Client
	logger *log.Logger

	mu   sync.Mutex
	subs map[string]Handler
}

// NewMQTTBus connects to the broker and blocks until the first connection
// succeeds or times out.
func NewMQTTBus(broker string, port int, clientID string) (*MQTTBus, error) {
	b := &MQTTBus{
		logger: log.New(log.Writer(), "[BUS] ", log.LstdFlags),
		subs:   make(map[string]Handler),
	}

	opts := mqtt.NewClientOptions().
		AddBroker(fmt.Sprintf("tcp://%s:%d", broker, port)).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetMaxReconnectInterval(30 * time.Second).
		SetConnectTimeout(10 * time.Second).
		SetOnConnectHandler(b.onConnect).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			b.logger.Printf("⚠️ Connection lost: %v (auto-reconnect enabled)", err)
		})

	b.client = mqtt.NewClient(opts)

	token := b.client.Connect()
	if !token.WaitTimeout(15 * time.Second) {
		return nil, fmt.Errorf("mqtt connect timeout (%s:%d)", broker, port)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect failed: %w", err)
	}

	b.logger.Printf("Connected to MQTT broker %s:%d as %s", broker, port, clientID)
	return b, nil
}

// onConnect re-subscribes every tracked filter. Called by paho on the
// initial connection and after every reconnect.
func (b *MQTTBus) onConnect(client mqtt.Client) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for filter, h := range b.subs {
		handler := h
		client.Subscribe(filter, 0, func(_ mqtt.Client, m mqtt.Message) {
			handler(Message{Topic: m.Topic(), Payload: m.Payload()})
		})
	}
}

func (b *MQTTBus) Publish(topic string, payload []byte) error {
	token := b.client.Publish(topic, 0, false, payload)
	if !token.WaitTimeout(10 * time.Second) {
		return fmt.Errorf("mqtt publish timeout: %s", topic)
	}
	return token.Error()
}

func (b *MQTTBus) Subscribe(filter string, h Handler) error {
	b.mu.Lock()
	b.subs[filter] = h
	b.mu.Unlock()

	token := b.client.Subscribe(filter, 0, func(_ mqtt.Client, m mqtt.Message) {
		h(Message{Topic: m.Topic(), Payload: m.Payload()})
	})
	if !token.WaitTimeout(10 * time.Second) {
		return fmt.Errorf("mqtt subscribe timeout: %s", filter)
	}
	return token.Error()
}

func (b *MQTTBus) Close() error {
	b.client.Disconnect(250)
	return nil
}
