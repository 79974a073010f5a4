// Package config reads hcl configuration with include support.
package config

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/hashicorp/hcl"
	"github.com/juju/errors"
	"github.com/temoto/radiogate/breaker"
	"github.com/temoto/radiogate/deadletter"
	"github.com/temoto/radiogate/fault"
	"github.com/temoto/radiogate/helpers"
	"github.com/temoto/radiogate/log2"
	"github.com/temoto/radiogate/pipeline"
	"github.com/temoto/radiogate/processor"
	"github.com/temoto/radiogate/profile"
	"github.com/temoto/radiogate/registry"
	"github.com/temoto/radiogate/retry"
	"github.com/temoto/radiogate/sink"
	"github.com/temoto/radiogate/telegram"
)

const (
	RegistryFile  = "file"
	RegistryRedis = "redis"
)

type Config struct {
	// includeSeen contains absolute paths to prevent include loops
	includeSeen map[string]struct{}
	// only used for Unmarshal, do not access
	XXX_Include []Source `hcl:"include"`

	Log struct {
		Level      string `hcl:"level"`
		File       string `hcl:"file"`
		MaxSizeMB  int    `hcl:"max_size_mb"`
		MaxBackups int    `hcl:"max_backups"`
		MaxAgeDays int    `hcl:"max_age_days"`
	}
	Input struct {
		UartDevice      string `hcl:"uart_device"`
		UartBaud        int    `hcl:"uart_baud"`
		TcpAddr         string `hcl:"tcp_addr"`
		MaxLength       int    `hcl:"max_length"`
		SkipHeaderCheck bool   `hcl:"skip_header_check"`
		ReadBuffer      int    `hcl:"read_buffer"`
		// no telegram within silence_sec is logged as error, 0 disables
		SilenceSec      int    `hcl:"silence_sec"`
	}
	Radio struct {
		ResetPinChip string `hcl:"reset_pin_chip"`
		ResetPin     string `hcl:"reset_pin"`
		ResetMs      int    `hcl:"reset_ms"`
	}
	Persist struct {
		Root string `hcl:"root"`
	}
	Registry struct {
		Backend          string         `hcl:"backend"`
		Learn            bool           `hcl:"learn"`
		LearnIntervalSec int            `hcl:"learn_interval_sec"`
		Devices          []DeviceConfig `hcl:"device"`
		Redis            struct {
			Addr      string `hcl:"addr"`
			Password  string `hcl:"password"`
			DB        int    `hcl:"db"`
			Key       string `hcl:"key"`
			TimeoutMs int    `hcl:"timeout_ms"`
		}
	}
	Resilience struct {
		Retry struct {
			MaxAttempts int      `hcl:"max_attempts"`
			BaseDelayMs int      `hcl:"base_delay_ms"`
			MaxDelayMs  int      `hcl:"max_delay_ms"`
			Multiplier  float64  `hcl:"multiplier"`
			Jitter      float64  `hcl:"jitter"`
			Retryable   []string `hcl:"retryable"`
		}
		Breaker struct {
			FailureThreshold int      `hcl:"failure_threshold"`
			SuccessThreshold int      `hcl:"success_threshold"`
			TimeoutSec       int      `hcl:"timeout_sec"`
			Expected         []string `hcl:"expected"`
		}
		DeadLetter struct {
			Capacity            int `hcl:"capacity"`
			RedriveMinSec       int `hcl:"redrive_min_sec"`
			RedriveMaxSec       int `hcl:"redrive_max_sec"`
			PollSec             int `hcl:"poll_sec"`
			MaxRetriesOpen      int `hcl:"max_retries_open"`
			MaxRetriesExhausted int `hcl:"max_retries_exhausted"`
			MaxRetriesOther     int `hcl:"max_retries_other"`
		} `hcl:"dead_letter"`
	}
	Sink struct {
		Enable            bool   `hcl:"enable"`
		MqttBroker        string `hcl:"mqtt_broker"`
		MqttClientID      string `hcl:"mqtt_client_id"`
		MqttUsername      string `hcl:"mqtt_username"`
		MqttPassword      string `hcl:"mqtt_password"`
		MqttLogDebug      bool   `hcl:"mqtt_log_debug"`
		Topic             string `hcl:"topic"`
		NetworkTimeoutSec int    `hcl:"network_timeout_sec"`
		KeepaliveSec      int    `hcl:"keepalive_sec"`
		RetryMinSec       int    `hcl:"retry_min_sec"`
		RetryMaxSec       int    `hcl:"retry_max_sec"`
	}
	Metrics struct {
		Expvar     string `hcl:"expvar"`
		Prometheus struct {
			Enable    bool   `hcl:"enable"`
			Listen    string `hcl:"listen"`
			Namespace string `hcl:"namespace"`
		}
	}

	_copy_guard sync.Mutex //nolint:unused
}

type Source struct {
	Name     string `hcl:"name,key"`
	Optional bool   `hcl:"optional"`
}

type DeviceConfig struct {
	Name        string `hcl:"name,key"`
	ID          string `hcl:"id"`
	Profile     string `hcl:"profile"`
	IntervalSec int    `hcl:"interval_sec"`
}

func (c *Config) read(log *log2.Log, fs FullReader, source Source, errs *[]error) {
	norm := fs.Normalize(source.Name)
	if _, ok := c.includeSeen[norm]; ok {
		*errs = append(*errs, errors.AlreadyExistsf("config duplicate source=%s", source.Name))
		return
	}
	log.Debugf("config reading source='%s' path=%s", source.Name, norm)
	c.includeSeen[source.Name] = struct{}{}
	c.includeSeen[norm] = struct{}{}

	bs, err := fs.ReadAll(norm)
	if bs == nil && err == nil {
		if !source.Optional {
			err = errors.NotFoundf("config required name=%s path=%s", source.Name, norm)
			*errs = append(*errs, err)
		}
		return
	}
	if err != nil {
		*errs = append(*errs, errors.Annotatef(err, "config source=%s", source.Name))
		return
	}

	err = hcl.Unmarshal(bs, c)
	if err != nil {
		err = errors.Annotatef(err, "config unmarshal source=%s content='%s'", source.Name, string(bs))
		*errs = append(*errs, err)
		return
	}

	var includes []Source
	includes, c.XXX_Include = c.XXX_Include, nil
	for _, include := range includes {
		includeNorm := fs.Normalize(include.Name)
		if _, ok := c.includeSeen[includeNorm]; ok {
			err = errors.Errorf("config include loop: from=%s include=%s", source.Name, include.Name)
			*errs = append(*errs, err)
			continue
		}
		c.read(log, fs, include, errs)
	}
}

// Read parses names in order, later sources overwrite earlier values.
// With OsFullReader, includes are relative to directory of first name.
func Read(log *log2.Log, fs FullReader, names ...string) (*Config, error) {
	if len(names) == 0 {
		log.Fatal("code error [Must]Read() without names")
	}

	if osfs, ok := fs.(*OsFullReader); ok {
		dir, name := filepath.Split(names[0])
		osfs.SetBase(dir)
		names[0] = name
	}
	c := &Config{
		includeSeen: make(map[string]struct{}),
	}
	errs := make([]error, 0, 8)
	for _, name := range names {
		c.read(log, fs, Source{Name: name}, &errs)
	}
	if len(errs) == 0 {
		errs = append(errs, c.Validate())
	}
	return c, helpers.FoldErrors(errs)
}

func MustRead(log *log2.Log, fs FullReader, names ...string) *Config {
	c, err := Read(log, fs, names...)
	if err != nil {
		log.Fatal(errors.ErrorStack(err))
	}
	return c
}

// Validate checks values that are not parsed elsewhere.
func (c *Config) Validate() error {
	errs := make([]error, 0, 8)
	if _, err := log2.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, errors.NotValidf("log.level=%s", c.Log.Level))
	}
	if c.Input.UartDevice != "" && c.Input.TcpAddr != "" {
		errs = append(errs, errors.NotValidf("input uart_device and tcp_addr are mutually exclusive"))
	}
	switch c.Registry.Backend {
	case "", RegistryFile:
	case RegistryRedis:
		if c.Registry.Redis.Addr == "" {
			errs = append(errs, errors.NotValidf("registry.redis.addr=empty"))
		}
	default:
		errs = append(errs, errors.NotValidf("registry.backend=%s", c.Registry.Backend))
	}
	if _, err := c.Devices(); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.PipelineConfig(); err != nil {
		errs = append(errs, err)
	}
	if c.Sink.Enable && c.Sink.MqttBroker == "" {
		errs = append(errs, errors.NotValidf("sink.mqtt_broker=empty"))
	}
	return helpers.FoldErrors(errs)
}

func (c *Config) LogLevel() log2.Level {
	l, _ := log2.ParseLevel(c.Log.Level)
	return l
}

// Devices from static configuration.
func (c *Config) Devices() ([]registry.Device, error) {
	ds := make([]registry.Device, 0, len(c.Registry.Devices))
	errs := make([]error, 0)
	for _, dc := range c.Registry.Devices {
		id, err := telegram.ParseDeviceID(dc.ID)
		if err != nil {
			errs = append(errs, errors.Annotatef(err, "config device=%s", dc.Name))
			continue
		}
		var eep profile.ID
		if dc.Profile != "" {
			if eep, err = profile.Parse(dc.Profile); err != nil {
				errs = append(errs, errors.Annotatef(err, "config device=%s", dc.Name))
				continue
			}
		}
		ds = append(ds, registry.Device{
			Name:     dc.Name,
			ID:       id,
			Profile:  eep,
			Interval: helpers.IntSecondDefault(dc.IntervalSec, 0),
		})
	}
	return ds, helpers.FoldErrors(errs)
}

func (c *Config) ProcessorConfig() processor.Config {
	return processor.Config{
		MaxLength:       c.Input.MaxLength,
		SkipHeaderCheck: c.Input.SkipHeaderCheck,
		Learn:           c.Registry.Learn,
		LearnInterval:   helpers.IntSecondDefault(c.Registry.LearnIntervalSec, 0),
		ReadBuffer:      c.Input.ReadBuffer,
	}
}

// PipelineConfig applies configured values over package defaults.
func (c *Config) PipelineConfig() (pipeline.Config, error) {
	pc := pipeline.DefaultConfig()
	rc := c.Resilience.Retry
	if rc.MaxAttempts != 0 {
		pc.Retry.MaxAttempts = rc.MaxAttempts
	}
	pc.Retry.BaseDelay = helpers.IntMillisecondDefault(rc.BaseDelayMs, pc.Retry.BaseDelay)
	pc.Retry.MaxDelay = helpers.IntMillisecondDefault(rc.MaxDelayMs, pc.Retry.MaxDelay)
	if rc.Multiplier != 0 {
		pc.Retry.Multiplier = rc.Multiplier
	}
	if rc.Jitter != 0 {
		pc.Retry.Jitter = rc.Jitter
	}
	if len(rc.Retryable) != 0 {
		set, err := fault.ParseSet(rc.Retryable)
		if err != nil {
			return pc, errors.Annotate(err, "config resilience.retry.retryable")
		}
		pc.Retry.Retryable = set
	}
	if pc.Retry.MaxAttempts < 1 {
		return pc, errors.NotValidf("resilience.retry.max_attempts=%d", pc.Retry.MaxAttempts)
	}
	if pc.Retry.MaxDelay < pc.Retry.BaseDelay {
		return pc, errors.NotValidf("resilience.retry max_delay < base_delay")
	}

	bc := c.Resilience.Breaker
	if bc.FailureThreshold != 0 {
		pc.Breaker.FailureThreshold = bc.FailureThreshold
	}
	if bc.SuccessThreshold != 0 {
		pc.Breaker.SuccessThreshold = bc.SuccessThreshold
	}
	pc.Breaker.Timeout = helpers.IntSecondDefault(bc.TimeoutSec, pc.Breaker.Timeout)
	if len(bc.Expected) != 0 {
		set, err := fault.ParseSet(bc.Expected)
		if err != nil {
			return pc, errors.Annotate(err, "config resilience.breaker.expected")
		}
		pc.Breaker.Expected = set
	}
	if pc.Breaker.FailureThreshold < 1 || pc.Breaker.SuccessThreshold < 1 {
		return pc, errors.NotValidf("resilience.breaker thresholds must be positive")
	}

	dc := c.Resilience.DeadLetter
	if dc.MaxRetriesOpen != 0 {
		pc.Tiers.Open = dc.MaxRetriesOpen
	}
	if dc.MaxRetriesExhausted != 0 {
		pc.Tiers.Exhausted = dc.MaxRetriesExhausted
	}
	if dc.MaxRetriesOther != 0 {
		pc.Tiers.Other = dc.MaxRetriesOther
	}
	return pc, nil
}

func (c *Config) BreakerConfig(name string) breaker.Config {
	pc, _ := c.PipelineConfig()
	bc := pc.Breaker
	bc.Name = name
	return bc
}

func (c *Config) RetryPolicy() retry.Policy {
	pc, _ := c.PipelineConfig()
	return pc.Retry
}

func (c *Config) DeadLetterConfig() deadletter.Config {
	dc := deadletter.DefaultConfig()
	cc := c.Resilience.DeadLetter
	if cc.Capacity != 0 {
		dc.Capacity = cc.Capacity
	}
	dc.RedriveMin = helpers.IntSecondDefault(cc.RedriveMinSec, dc.RedriveMin)
	dc.RedriveMax = helpers.IntSecondDefault(cc.RedriveMaxSec, dc.RedriveMax)
	dc.Poll = helpers.IntSecondDefault(cc.PollSec, dc.Poll)
	return dc
}

func (c *Config) MQTTConfig() sink.MQTTConfig {
	return sink.MQTTConfig{
		Broker:         c.Sink.MqttBroker,
		ClientID:       c.Sink.MqttClientID,
		Username:       c.Sink.MqttUsername,
		Password:       c.Sink.MqttPassword,
		Topic:          c.Sink.Topic,
		NetworkTimeout: helpers.IntSecondDefault(c.Sink.NetworkTimeoutSec, 0),
		KeepAlive:      helpers.IntSecondDefault(c.Sink.KeepaliveSec, 0),
		LogDebug:       c.Sink.MqttLogDebug,
	}
}

// OutboxConfig places spq directory under persist root.
func (c *Config) OutboxConfig() sink.OutboxConfig {
	oc := sink.OutboxConfig{
		RetryMin: helpers.IntSecondDefault(c.Sink.RetryMinSec, 0),
		RetryMax: helpers.IntSecondDefault(c.Sink.RetryMaxSec, 0),
	}
	if c.Persist.Root != "" {
		oc.Path = filepath.Join(c.Persist.Root, "outbox")
	}
	return oc
}

func (c *Config) RedisTimeout() time.Duration {
	return helpers.IntMillisecondDefault(c.Registry.Redis.TimeoutMs, 3*time.Second)
}
