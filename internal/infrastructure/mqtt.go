package infrastructure

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/sirupsen/logrus"

	"github.com/nextTPCloud/Omerix-sub006/config"
)

// HeartbeatHandler processes a terminal heartbeat received over MQTT. Topic
// layout: tpv/{tenant}/{device_uid}/heartbeat.
type HeartbeatHandler func(ctx context.Context, tenant, deviceUID string, payload []byte) error

// MQTTSubscriber ingests terminal heartbeats published over MQTT, as an
// alternative to the HTTP heartbeat endpoint for terminals that already hold
// a broker connection.
type MQTTSubscriber struct {
	cfg       config.MQTTConfig
	client    mqtt.Client
	logger    *logrus.Logger
	handler   HeartbeatHandler
	mu        sync.RWMutex
	connected bool
	wg        sync.WaitGroup
}

// NewMQTTSubscriber creates a new MQTT subscriber.
func NewMQTTSubscriber(cfg config.MQTTConfig, handler HeartbeatHandler, logger *logrus.Logger) (*MQTTSubscriber, error) {
	if cfg.BrokerURL == "" {
		return nil, fmt.Errorf("MQTT broker URL is required")
	}
	if cfg.ClientID == "" {
		cfg.ClientID = fmt.Sprintf("pos-service-%d", time.Now().UnixNano())
	}
	if len(cfg.Topics) == 0 {
		cfg.Topics = []string{"tpv/+/+/heartbeat"}
	}

	return &MQTTSubscriber{
		cfg:     cfg,
		logger:  logger,
		handler: handler,
	}, nil
}

// Start connects to the broker and subscribes to the heartbeat topics.
func (s *MQTTSubscriber) Start() error {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(s.cfg.BrokerURL)
	opts.SetClientID(s.cfg.ClientID)

	if s.cfg.Username != "" {
		opts.SetUsername(s.cfg.Username)
	}
	if s.cfg.Password != "" {
		opts.SetPassword(s.cfg.Password)
	}

	opts.SetKeepAlive(s.cfg.KeepAlive)
	opts.SetConnectTimeout(s.cfg.ConnectTimeout)
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(s.cfg.MaxReconnectDelay)

	opts.SetOnConnectHandler(s.onConnect)
	opts.SetConnectionLostHandler(s.onConnectionLost)
	opts.SetDefaultPublishHandler(s.messageHandler)

	s.client = mqtt.NewClient(opts)

	if token := s.client.Connect(); token.Wait() && token.Error() != nil {
		return fmt.Errorf("failed to connect to MQTT broker: %w", token.Error())
	}

	s.logger.Info("MQTT heartbeat subscriber started")
	return nil
}

// Stop gracefully shuts down the subscriber.
func (s *MQTTSubscriber) Stop() {
	if s.client != nil && s.client.IsConnected() {
		for _, topic := range s.cfg.Topics {
			if token := s.client.Unsubscribe(topic); token.Wait() && token.Error() != nil {
				s.logger.WithError(token.Error()).WithField("topic", topic).
					Error("Failed to unsubscribe from topic")
			}
		}
		s.client.Disconnect(250)
	}
	s.wg.Wait()
	s.logger.Info("MQTT heartbeat subscriber stopped")
}

// IsConnected returns the connection status.
func (s *MQTTSubscriber) IsConnected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.connected
}

func (s *MQTTSubscriber) onConnect(client mqtt.Client) {
	s.mu.Lock()
	s.connected = true
	s.mu.Unlock()

	s.logger.Info("Connected to MQTT broker")

	for _, topic := range s.cfg.Topics {
		if token := client.Subscribe(topic, s.cfg.QoS, nil); token.Wait() && token.Error() != nil {
			s.logger.WithError(token.Error()).WithField("topic", topic).
				Error("Failed to subscribe to topic")
		} else {
			s.logger.WithField("topic", topic).Info("Subscribed to topic")
		}
	}
}

func (s *MQTTSubscriber) onConnectionLost(client mqtt.Client, err error) {
	s.mu.Lock()
	s.connected = false
	s.mu.Unlock()

	s.logger.WithError(err).Warn("Lost connection to MQTT broker")
}

func (s *MQTTSubscriber) messageHandler(client mqtt.Client, msg mqtt.Message) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.processMessage(msg)
	}()
}

func (s *MQTTSubscriber) processMessage(msg mqtt.Message) {
	tenant, deviceUID, ok := parseHeartbeatTopic(msg.Topic())
	if !ok {
		s.logger.WithField("topic", msg.Topic()).Warn("Unrecognized MQTT topic")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.handler(ctx, tenant, deviceUID, msg.Payload()); err != nil {
		s.logger.WithError(err).WithFields(logrus.Fields{
			"topic":      msg.Topic(),
			"tenant":     tenant,
			"device_uid": deviceUID,
		}).Error("Failed to process MQTT heartbeat")
	}
}

func parseHeartbeatTopic(topic string) (tenant, deviceUID string, ok bool) {
	parts := strings.Split(topic, "/")
	if len(parts) != 4 || parts[0] != "tpv" || parts[3] != "heartbeat" {
		return "", "", false
	}
	return parts[1], parts[2], true
}
