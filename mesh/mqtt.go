package mesh

import (
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/sirupsen/logrus"

	"github.com/kwv/driftmesh/pointcloud"
)

// CloudHandler is called for every cloud message on a job topic. On decode
// failure cloud is nil and err is set.
type CloudHandler func(jobID string, role Role, cloud *pointcloud.Cloud, err error)

// MQTTClient manages the MQTT connection and the job topic subscriptions.
type MQTTClient struct {
	client      mqtt.Client
	config      *Config
	handler     CloudHandler
	log         logrus.FieldLogger
	isConnected bool
	mu          sync.RWMutex
}

// InitMQTT creates the MQTT client and starts connecting in the background.
// If no broker is configured (config or MQTT_BROKER), MQTT is disabled and
// InitMQTT returns nil, nil.
func InitMQTT(config *Config, handler CloudHandler, log logrus.FieldLogger) (*MQTTClient, error) {
	if log == nil {
		log = DiscardLogger()
	}
	settings := ResolveMQTT(config)
	if settings.Broker == "" {
		log.Info("MQTT disabled: no broker configured")
		return nil, nil
	}
	if config == nil || len(config.Jobs) == 0 {
		return nil, fmt.Errorf("MQTT enabled but no jobs configured")
	}

	client := &MQTTClient{
		config:  config,
		handler: handler,
		log:     log.WithField("broker", settings.Broker),
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(settings.Broker)
	opts.SetClientID(settings.ClientID)
	if settings.Username != "" {
		opts.SetUsername(settings.Username)
		opts.SetPassword(settings.Password)
	}

	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetMaxReconnectInterval(60 * time.Second)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetCleanSession(false) // keep subscriptions across reconnects
	opts.SetOrderMatters(false)

	opts.SetOnConnectHandler(client.onConnect)
	opts.SetConnectionLostHandler(client.onConnectionLost)
	opts.SetReconnectingHandler(client.onReconnecting)

	client.client = mqtt.NewClient(opts)

	go client.connectWithRetry()

	return client, nil
}

// connectWithRetry attempts to connect to the MQTT broker with exponential backoff
func (c *MQTTClient) connectWithRetry() {
	retryDelay := 1 * time.Second
	maxRetryDelay := 60 * time.Second

	for {
		c.log.Info("connecting to MQTT broker")

		token := c.client.Connect()
		if token.WaitTimeout(10 * time.Second) {
			if token.Error() == nil {
				c.log.Info("connected to MQTT broker")
				c.setConnected(true)
				return
			}
			c.log.WithError(token.Error()).Warn("MQTT connection failed")
		} else {
			c.log.Warn("MQTT connection timeout")
		}

		c.log.WithField("retryIn", retryDelay).Info("retrying MQTT connection")
		time.Sleep(retryDelay)
		retryDelay *= 2
		if retryDelay > maxRetryDelay {
			retryDelay = maxRetryDelay
		}
	}
}

// onConnect subscribes to the source and target topic of every job.
func (c *MQTTClient) onConnect(client mqtt.Client) {
	c.setConnected(true)

	for _, job := range c.config.Jobs {
		for _, sub := range []struct {
			topic string
			role  Role
		}{
			{job.SourceTopic, RoleSource},
			{job.TargetTopic, RoleTarget},
		} {
			if sub.topic == "" {
				continue
			}
			log := c.log.WithFields(logrus.Fields{"job": job.ID, "topic": sub.topic, "role": sub.role})
			token := client.Subscribe(sub.topic, 0, c.createMessageHandler(job.ID, sub.role))
			if token.WaitTimeout(5*time.Second) && token.Error() != nil {
				log.WithError(token.Error()).Error("subscribe failed")
				continue
			}
			log.Info("subscribed")
		}
	}
}

// onConnectionLost is called when the MQTT connection is lost; auto-reconnect
// takes over from here.
func (c *MQTTClient) onConnectionLost(_ mqtt.Client, err error) {
	c.log.WithError(err).Warn("MQTT connection interrupted, auto-reconnect will retry")
	c.setConnected(false)
}

func (c *MQTTClient) onReconnecting(mqtt.Client, *mqtt.ClientOptions) {
	c.log.Info("MQTT reconnecting")
}

// createMessageHandler decodes cloud payloads for one side of a job.
func (c *MQTTClient) createMessageHandler(jobID string, role Role) mqtt.MessageHandler {
	return func(_ mqtt.Client, msg mqtt.Message) {
		payload := msg.Payload()
		log := c.log.WithFields(logrus.Fields{
			"job":   jobID,
			"role":  role,
			"topic": msg.Topic(),
			"bytes": len(payload),
		})

		cloud, err := pointcloud.Decode(payload)
		if err != nil {
			log.WithError(err).Warn("failed to decode cloud")
			if c.handler != nil {
				c.handler(jobID, role, nil, err)
			}
			return
		}

		log.WithField("points", cloud.Len()).Debug("received cloud")
		if c.handler != nil {
			c.handler(jobID, role, cloud, nil)
		}
	}
}

// IsConnected returns true if the MQTT client is connected
func (c *MQTTClient) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.isConnected
}

func (c *MQTTClient) setConnected(connected bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.isConnected = connected
}

// Disconnect gracefully closes the MQTT connection
func (c *MQTTClient) Disconnect() {
	if c.client != nil && c.client.IsConnected() {
		c.log.Info("disconnecting from MQTT broker")
		c.client.Disconnect(250)
		c.setConnected(false)
	}
}

// GetClient returns the underlying MQTT client for publishing
func (c *MQTTClient) GetClient() mqtt.Client {
	return c.client
}

// newMQTTClientWithMock creates an MQTTClient around a provided mqtt.Client.
func newMQTTClientWithMock(client mqtt.Client, config *Config, handler CloudHandler) *MQTTClient {
	return &MQTTClient{
		client:  client,
		config:  config,
		handler: handler,
		log:     DiscardLogger(),
	}
}
