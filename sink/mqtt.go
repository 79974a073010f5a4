package sink

import (
	"context"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/juju/errors"
	"github.com/temoto/alive/v2"
	"github.com/temoto/radiogate/fault"
	"github.com/temoto/radiogate/helpers"
	"github.com/temoto/radiogate/log2"
)

const (
	DefaultTopic          = "radiogate/readings"
	defaultNetworkTimeout = 30 * time.Second
)

type MQTTConfig struct {
	Broker         string
	ClientID       string
	Username       string
	Password       string
	Topic          string
	NetworkTimeout time.Duration
	KeepAlive      time.Duration
	LogDebug       bool
}

// MQTT publishes encoded readings with QoS 1.
// Connection is established in background, Publish fails with fault.Unavailable until then.
type MQTT struct {
	alive   *alive.Alive
	log     *log2.Log
	m       mqtt.Client
	mopt    *mqtt.ClientOptions
	topic   string
	timeout time.Duration
}

func NewMQTT(cfg MQTTConfig, log *log2.Log) (*MQTT, error) {
	if cfg.Broker == "" {
		return nil, errors.NotValidf("sink mqtt broker=empty")
	}
	if cfg.ClientID == "" {
		return nil, errors.NotValidf("sink mqtt client_id=empty")
	}
	self := &MQTT{
		alive:   alive.NewAlive(),
		log:     log,
		topic:   cfg.Topic,
		timeout: cfg.NetworkTimeout,
	}
	if self.topic == "" {
		self.topic = DefaultTopic
	}
	if self.timeout <= 0 {
		self.timeout = defaultNetworkTimeout
	}
	if self.timeout < 1*time.Second {
		self.timeout = 1 * time.Second
	}
	connectTimeout := self.timeout * 3
	keepalive := cfg.KeepAlive
	if keepalive <= 0 {
		keepalive = self.timeout / 2
	}

	mqttLog := log.Clone(log2.LDebug)
	mqtt.CRITICAL = mqttLog
	mqtt.ERROR = mqttLog
	mqtt.WARN = mqttLog
	if cfg.LogDebug {
		mqtt.DEBUG = mqttLog
	}

	defaultHandler := func(_ mqtt.Client, msg mqtt.Message) {
		self.log.Errorf("sink unexpected mqtt message topic=%s", msg.Topic())
	}
	self.mopt = mqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetAutoReconnect(true).
		SetCleanSession(false).
		SetClientID(cfg.ClientID).
		SetConnectTimeout(connectTimeout).
		SetDefaultPublishHandler(defaultHandler).
		SetKeepAlive(keepalive).
		SetMaxReconnectInterval(connectTimeout).
		SetOrderMatters(false).
		SetPingTimeout(self.timeout).
		SetWriteTimeout(self.timeout)
	if cfg.Username != "" {
		self.mopt.SetUsername(cfg.Username).SetPassword(cfg.Password)
	}
	self.m = mqtt.NewClient(self.mopt)

	self.alive.Add(1)
	go self.online()
	return self, nil
}

func (self *MQTT) Topic() string     { return self.topic }
func (self *MQTT) IsConnected() bool { return self.m.IsConnected() }

func (self *MQTT) Publish(ctx context.Context, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !self.m.IsConnected() {
		return fault.New(fault.Unavailable, "mqtt publish", mqtt.ErrNotConnected)
	}
	t := self.m.Publish(self.topic, 1, false, payload)
	return self.tokenWait(ctx, t, "publish:"+self.topic)
}

func (self *MQTT) Close() error {
	self.alive.Stop()
	self.alive.Wait()
	if self.m.IsConnected() {
		self.m.Disconnect(uint(self.timeout / time.Millisecond))
	}
	return nil
}

func (self *MQTT) online() {
	defer self.alive.Done()
	backoff := helpers.Backoff{Min: 1 * time.Second, Max: self.timeout, K: 2}
	for attempt := 1; self.alive.IsRunning(); attempt++ {
		self.log.Debugf("sink mqtt connect attempt=%d", attempt)
		t := self.m.Connect()
		err := self.tokenWait(context.Background(), t, "connect")
		if err == nil {
			self.log.Infof("sink mqtt connected broker=%v", self.mopt.Servers)
			return // success path
		}
		select {
		case <-time.After(backoff.DelayAfter(false)):
		case <-self.alive.StopChan():
			return
		}
	}
}

func (self *MQTT) tokenWait(ctx context.Context, t mqtt.Token, tag string) error {
	deadline := time.Now().Add(self.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if !t.WaitTimeout(time.Until(deadline)) {
		if err := ctx.Err(); err != nil {
			return errors.Annotate(err, tag)
		}
		err := fault.Errorf(fault.Timeout, "mqtt", "%s timeout=%v", tag, self.timeout)
		self.log.Errorf("sink: MQTT %s", err.Error())
		return err
	}
	if err := t.Error(); err != nil {
		kind := fault.Transient
		if err == mqtt.ErrNotConnected {
			kind = fault.Unavailable
		}
		self.log.Errorf("sink: MQTT %s err=%v", tag, err)
		return fault.New(kind, "mqtt "+tag, err)
	}
	return nil
}
