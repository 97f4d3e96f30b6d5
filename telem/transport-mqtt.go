package telem

import (
	"fmt"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/juju/errors"
	"github.com/tubnet/tubnet/log2"
)

// Wire is the pre-existing broker client, consumed as a black box.
// Connect only kicks off the handshake; completion and loss arrive
// through the handlers, possibly from another goroutine.
type Wire interface {
	Connect() error
	Disconnect()
	// Publish blocks briefly for the delivery acknowledgment (qos 1).
	Publish(topic, payload string) error
	Ping() error
	SetHandlers(onConnect func(), onLost func(error))
}

const wirePublishTimeout = 5 * time.Second

type mqttWire struct {
	log  *log2.Log
	m    mqtt.Client
	mopt *mqtt.ClientOptions

	onConnect atomic.Value // func()
	onLost    atomic.Value // func(error)
}

var _ Wire = (*mqttWire)(nil)

func NewMqttWire(cfg Config, log *log2.Log) Wire {
	self := &mqttWire{log: log}
	mqtt.ERROR = log
	mqtt.CRITICAL = log
	mqtt.WARN = log
	if cfg.MqttLogDebug {
		mqtt.DEBUG = log
	}

	clientId := fmt.Sprintf("%s-%s", cfg.Namespace, cfg.Username)
	credFun := func() (string, string) {
		return cfg.Username, cfg.Password
	}

	self.mopt = mqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(clientId).
		SetCredentialsProvider(credFun).
		SetCleanSession(true).
		SetOrderMatters(false).
		SetKeepAlive(60 * time.Second).
		SetPingTimeout(10 * time.Second).
		// the publisher state machine owns retry policy
		SetAutoReconnect(false).
		SetConnectRetry(false).
		SetOnConnectHandler(self.onConnectHandler).
		SetConnectionLostHandler(self.connectLostHandler)
	self.m = mqtt.NewClient(self.mopt)
	return self
}

func (self *mqttWire) SetHandlers(onConnect func(), onLost func(error)) {
	self.onConnect.Store(onConnect)
	self.onLost.Store(onLost)
}

func (self *mqttWire) Connect() error {
	t := self.m.Connect()
	// async: the connect handler flips the publisher's flag, the
	// publisher's own timeout covers a token that never completes
	go func() {
		if t.Wait() && t.Error() != nil {
			self.log.Errorf("telem: mqtt connect err=%v", t.Error())
		}
	}()
	return nil
}

func (self *mqttWire) Disconnect() {
	self.m.Disconnect(250)
}

func (self *mqttWire) Publish(topic, payload string) error {
	t := self.m.Publish(topic, 1, false, payload)
	if !t.WaitTimeout(wirePublishTimeout) {
		return errors.Errorf("publish %s timeout", topic)
	}
	return errors.Annotatef(t.Error(), "publish %s", topic)
}

func (self *mqttWire) Ping() error {
	// paho pings internally on keepalive; this is a liveness check
	if !self.m.IsConnectionOpen() {
		return errors.Errorf("connection not open")
	}
	return nil
}

func (self *mqttWire) onConnectHandler(_ mqtt.Client) {
	self.log.Debugf("telem: mqtt connected")
	if f, ok := self.onConnect.Load().(func()); ok && f != nil {
		f()
	}
}

func (self *mqttWire) connectLostHandler(_ mqtt.Client, err error) {
	self.log.Infof("telem: mqtt connection lost err=%v", err)
	if f, ok := self.onLost.Load().(func(error)); ok && f != nil {
		f(err)
	}
}
