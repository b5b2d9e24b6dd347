package api

import (
	"encoding/json"
	"fmt"
	"os"
	"runtime/debug"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"
	"golang.org/x/net/context"

	"github.com/parvit/closecheck/logger"
	"github.com/parvit/closecheck/shared"
	"github.com/parvit/closecheck/version"
)

const (
	MQTT_QUEUE_BUFFER_SIZE = 256
)

// newBrokerClient creates the mqtt client of the publisher
var newBrokerClient = mqtt.NewClient

// analyticsClient publishes the verdict events to an mqtt broker
type analyticsClient struct {
	// TopicName string name of the topic to send the data to
	TopicName string
	// BrokerAddress address of the broker to contact
	BrokerAddress string
	// BrokerPort port of the broker to contact
	BrokerPort int
	// BrokerProtocol protocol with which to communicate with broker (valid: tcp)
	BrokerProtocol string

	// infoChannel channel on which the client waits for events
	infoChannel chan VerdictEvent
	// brokerClient is the client for connection to the mqtt-based broker service
	brokerClient mqtt.Client
	// ctx context with which to check for stop of the client
	ctx context.Context
	// cancel function to stop the client
	cancel context.CancelFunc
	// wg tracks the broker loop
	wg sync.WaitGroup
}

func (c *analyticsClient) Start() {
	logger.Info("launching verdict publisher")
	mqtt.DEBUG = &analyticsLogger{level: zerolog.DebugLevel}
	mqtt.ERROR = &analyticsLogger{level: zerolog.ErrorLevel}
	mqtt.WARN = &analyticsLogger{level: zerolog.WarnLevel}
	mqtt.CRITICAL = &analyticsLogger{level: zerolog.ErrorLevel}

	c.infoChannel = make(chan VerdictEvent, MQTT_QUEUE_BUFFER_SIZE)
	c.ctx, c.cancel = context.WithCancel(context.Background())

	options := mqtt.NewClientOptions()
	host, _ := os.Hostname()
	options.ClientID = "closecheck-" + version.Version() + "-" + host + "-" + time.Now().Format(time.RFC3339)
	options.ProtocolVersion = 4 // 3.1.1
	options.AutoReconnect = true
	options.Order = true
	options.KeepAlive = 60
	options.PingTimeout = 1 * time.Second
	options.ConnectTimeout = 2 * time.Second

	options.SetDefaultPublishHandler(outMsgHandler)
	options.Store = mqtt.NewMemoryStore()
	options.AddBroker(fmt.Sprintf("%s://%s:%d", c.BrokerProtocol, c.BrokerAddress, c.BrokerPort))

	c.brokerClient = newBrokerClient(options)

	c.wg.Add(1)
	go c.handleBroker()
}

func (c *analyticsClient) handleBroker() {
	defer func() {
		if err := recover(); err != nil {
			logger.Error("verdict publisher error: %v", err)
			debug.PrintStack()
		}
		c.wg.Done()
	}()

	client := c.brokerClient
	if client == nil {
		return
	}

	token := client.Connect()
	if !token.WaitTimeout(10*time.Second) || token.Error() != nil {
		logger.Error("Could not connect broker: %v", token.Error())
		return
	}

	var eventsBuffer = make([]VerdictEvent, 0, MQTT_QUEUE_BUFFER_SIZE)

	var t = time.NewTicker(1 * time.Second)
	defer t.Stop()

	for {
		flush := false

		select {
		case <-c.ctx.Done():
			eventsBuffer = c.drainEvents(eventsBuffer)
			if len(eventsBuffer) > 0 && client.IsConnected() {
				c.publishEventsBuffer(client, eventsBuffer)
			}
			return
		case value := <-c.infoChannel:
			eventsBuffer = append(eventsBuffer, value)
		case <-t.C:
			flush = true
		}
		if len(eventsBuffer) >= MQTT_QUEUE_BUFFER_SIZE*2 {
			eventsBuffer = eventsBuffer[MQTT_QUEUE_BUFFER_SIZE:]
			logger.Error("Slow or unconnected broker, extra events buffer discarded")
		}
		if (flush && len(eventsBuffer) > 0) || len(eventsBuffer) >= MQTT_QUEUE_BUFFER_SIZE {
			if !client.IsConnected() {
				continue
			}
			c.publishEventsBuffer(client, eventsBuffer)
			eventsBuffer = make([]VerdictEvent, 0, MQTT_QUEUE_BUFFER_SIZE)
		}
	}
}

// drainEvents appends the events still queued without waiting
func (c *analyticsClient) drainEvents(eventsBuffer []VerdictEvent) []VerdictEvent {
	for {
		select {
		case value := <-c.infoChannel:
			eventsBuffer = append(eventsBuffer, value)
		default:
			return eventsBuffer
		}
	}
}

func (c *analyticsClient) Stop() {
	if c == nil || c.cancel == nil {
		return
	}
	c.cancel()
	c.wg.Wait()

	client := c.brokerClient
	if client != nil && client.IsConnected() {
		client.Disconnect(250)
	}
	c.brokerClient = nil
}

func (c *analyticsClient) SendEvent(event VerdictEvent) {
	if c == nil || c.infoChannel == nil {
		logger.Debug("Event ignored, publisher disabled: %v - %v", event.Scenario, event.Passed)
		return
	}
	select {
	case c.infoChannel <- event:
	default:
		logger.Error("Verdict publisher queue full, event for %s discarded", event.Scenario)
	}
}

func (c *analyticsClient) publishEventsBuffer(client mqtt.Client, events []VerdictEvent) {
	logger.Debug("Sending %d events to topic %s", len(events), c.TopicName)
	for i := 0; i < len(events); i++ {
		var data, err = json.Marshal(events[i])
		if err != nil {
			logger.Error("%v", err)
			continue
		}

		token := client.Publish(c.TopicName, 1, false, data)
		if !token.WaitTimeout(5*time.Second) || token.Error() != nil {
			logger.Error("Could not publish event: %v", token.Error())
		}
	}
}

// launchAnalyticsBrokerClient starts the verdict publisher
func (s *statistics) launchAnalyticsBrokerClient(brokerConfig *shared.AnalyticsDefinition) {
	if brokerConfig == nil || !brokerConfig.Enabled {
		logger.Info("Verdict publisher disabled")
		return
	}
	if s.brokerClient != nil {
		return
	}

	s.brokerClient = &analyticsClient{
		TopicName:      brokerConfig.BrokerTopic,
		BrokerAddress:  brokerConfig.BrokerAddress,
		BrokerPort:     brokerConfig.BrokerPort,
		BrokerProtocol: brokerConfig.BrokerProtocol,
	}
	s.brokerClient.Start()
}

// stopAnalyticsBrokerClient stops the verdict publisher
func (s *statistics) stopAnalyticsBrokerClient() {
	if s.brokerClient != nil {
		s.brokerClient.Stop()
		s.brokerClient = nil
	}
}

var outMsgHandler mqtt.MessageHandler = func(client mqtt.Client, msg mqtt.Message) {
	mqtt.DEBUG.Printf("TOPIC: %s", msg.Topic())
	mqtt.DEBUG.Printf("MSG: %s", msg.Payload())
}

// analyticsLogger logger bridge from mqtt to closecheck
type analyticsLogger struct {
	level zerolog.Level
}

func (m *analyticsLogger) Println(v ...interface{}) {
	m.Printf("%v", v)
}

func (m *analyticsLogger) Printf(format string, v ...interface{}) {
	switch m.level {
	case zerolog.DebugLevel:
		logger.Debug(format, v...)
	case zerolog.WarnLevel:
		logger.Warning(format, v...)
	case zerolog.ErrorLevel:
		logger.Error(format, v...)
	default:
		logger.Info(format, v...)
	}
}

var _ mqtt.Logger = &analyticsLogger{}
