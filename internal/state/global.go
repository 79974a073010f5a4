// Package state binds configured components into running gateway.
package state

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/juju/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/temoto/alive/v2"
	"github.com/temoto/radiogate/config"
	"github.com/temoto/radiogate/deadletter"
	"github.com/temoto/radiogate/helpers"
	"github.com/temoto/radiogate/log2"
	"github.com/temoto/radiogate/metric"
	"github.com/temoto/radiogate/pipeline"
	"github.com/temoto/radiogate/processor"
	"github.com/temoto/radiogate/profile"
	"github.com/temoto/radiogate/registry"
	"github.com/temoto/radiogate/retry"
	"github.com/temoto/radiogate/sink"
)

const (
	CountLogError     = "log_error"
	CountInputBytes   = "input_bytes"
	CountOutputBytes  = "output_bytes"
	CountInputSilence = "input_silence"
)

type Global struct {
	Alive        *alive.Alive
	BuildVersion string
	Config       *config.Config
	Hardware     hardware // hardware.go
	Log          *log2.Log

	Stat         *metric.Stat
	PromRegistry *prometheus.Registry
	Recorder     metric.Recorder

	Table         *profile.Table
	Registry      *registry.Registry
	RegistryStore registry.Store
	DeadLetter    *deadletter.Store
	Pipeline      *pipeline.Pipeline
	Processor     *processor.Processor
	// nil when sink is disabled
	Outbox *sink.Outbox
	// test code sets SinkTransport, production path uses MQTT
	SinkTransport sink.Transport

	stopOnce sync.Once

	_copy_guard sync.Mutex //nolint:unused
}

const ContextKey = "run/state-global"

func NewContext(log *log2.Log) (context.Context, *Global) {
	if log == nil {
		panic("code error NewContext() log=nil")
	}

	g := &Global{
		Alive:        alive.NewAlive(),
		BuildVersion: "unknown",
		Log:          log,
		Stat:         metric.NewStat(),
	}
	ctx := context.Background()
	ctx = context.WithValue(ctx, log2.ContextKey, log)
	ctx = context.WithValue(ctx, ContextKey, g)

	return ctx, g
}

func GetGlobal(ctx context.Context) *Global {
	v := ctx.Value(ContextKey)
	if v == nil {
		panic(fmt.Sprintf("context['%s'] is nil", ContextKey))
	}
	if g, ok := v.(*Global); ok {
		return g
	}
	panic(fmt.Sprintf("context['%s'] expected type *Global actual=%#v", ContextKey, v))
}

// If `Init` fails, consider `Global` is in broken state.
func (g *Global) Init(ctx context.Context, cfg *config.Config) error {
	g.Config = cfg
	g.Log.Infof("build version=%s", g.BuildVersion)
	if g.Config.Persist.Root == "" {
		g.Log.Errorf("config: persist.root=empty registry, dead letters and outbox are not durable")
	}
	g.Log.Debugf("config: persist.root=%s", g.Config.Persist.Root)

	g.initMetrics()
	g.Log.SetErrorFunc(func(error) { g.Stat.Inc(CountLogError) })

	pcfg, err := cfg.PipelineConfig()
	if err != nil {
		return errors.Annotate(err, "config")
	}

	errs := make([]error, 0, 4)
	if err := g.initRegistry(); err != nil {
		errs = append(errs, err)
	}

	var dlp deadletter.Persister
	if cfg.Persist.Root != "" {
		if dlp, err = deadletter.NewFileSnapshot(cfg.Persist.Root, g.Log); err != nil {
			return errors.Trace(err)
		}
	}
	if g.DeadLetter, err = deadletter.New(cfg.DeadLetterConfig(), dlp, g.Log); err != nil {
		errs = append(errs, errors.Annotate(err, "deadletter init"))
	}
	if g.DeadLetter == nil {
		return helpers.FoldErrors(errs)
	}

	g.Pipeline = pipeline.New(pcfg, retry.NewExecutor(g.Log), g.DeadLetter, g.Log)
	if err := g.initSink(); err != nil {
		errs = append(errs, err)
	}
	processor.RegisterHandlers(g.Pipeline, g.Registry, g.RegistryStore)

	g.Table = profile.NewTable()
	g.Processor = processor.New(cfg.ProcessorConfig(), g.Table, g.Registry, g.Pipeline, g.Recorder, g.Log)

	return helpers.FoldErrors(errs)
}

func (g *Global) MustInit(ctx context.Context, cfg *config.Config) {
	err := g.Init(ctx, cfg)
	if err != nil {
		g.Log.Fatal(errors.ErrorStack(err))
	}
}

func (g *Global) Error(err error, args ...interface{}) {
	if err != nil {
		if len(args) != 0 {
			msg := args[0].(string)
			args = args[1:]
			err = errors.Annotatef(err, msg, args...)
		}
		g.Log.Error(err)
	}
}

// Start background workers: dead letter redrive and sink outbox.
func (g *Global) Start(ctx context.Context) error {
	if err := g.DeadLetter.Start(ctx, g.Pipeline.Redrive); err != nil {
		return errors.Annotate(err, "deadletter start")
	}
	if g.Outbox != nil {
		if err := g.Outbox.Start(ctx); err != nil {
			return errors.Annotate(err, "sink start")
		}
	}
	return nil
}

// Run resets radio module, then processes input until ctx is done or input ends.
func (g *Global) Run(ctx context.Context) error {
	if !g.Alive.Add(1) {
		return errors.Errorf("state stopped")
	}
	defer g.Alive.Done()

	if r, err := g.Radio(); err != nil {
		return errors.Annotate(err, "radio")
	} else if r != nil {
		if err = r.Reset(ctx); err != nil {
			return err
		}
	}
	input, err := g.Input()
	if err != nil {
		return errors.Annotate(err, "input")
	}
	// Read is not interrupted by ctx
	stopch := make(chan struct{})
	defer close(stopch)
	go func() {
		select {
		case <-ctx.Done():
		case <-g.Alive.StopChan():
		case <-stopch:
			return
		}
		g.Hardware.closeInput()
	}()
	if g.Config.Input.SilenceSec > 0 {
		go g.watchSilence(ctx, stopch, time.Duration(g.Config.Input.SilenceSec)*time.Second)
	}

	err = g.Processor.Run(ctx, helpers.NewStatReader(input, g.Recorder, CountInputBytes))
	if !g.Alive.IsRunning() || ctx.Err() != nil {
		return nil
	}
	return err
}

// watchSilence reports once per silent period when no telegram arrives within d.
func (g *Global) watchSilence(ctx context.Context, stopch <-chan struct{}, d time.Duration) {
	start := time.Now()
	tick := time.NewTicker(d / 2)
	defer tick.Stop()
	alerted := false
	for {
		select {
		case <-ctx.Done():
			return
		case <-g.Alive.StopChan():
			return
		case <-stopch:
			return
		case <-tick.C:
		}
		last := g.Processor.LastTelegram()
		if last.Before(start) {
			last = start
		}
		silent := time.Since(last)
		if silent < d {
			alerted = false
			continue
		}
		if !alerted {
			g.Recorder.Inc(CountInputSilence)
			g.Log.Errorf("input silence=%v since=%s", silent.Truncate(time.Millisecond), last.Format(time.RFC3339))
			alerted = true
		}
	}
}

// Send writes raw bytes to input device, e.g. command to radio module.
func (g *Global) Send(b []byte) error {
	input, err := g.Input()
	if err != nil {
		return errors.Annotate(err, "input")
	}
	return errors.Annotate(helpers.WriteAll(helpers.NewStatWriter(input, g.Recorder, CountOutputBytes), b), "input write")
}

// Stop workers, close hardware, save registry. Safe to call many times.
func (g *Global) Stop() {
	g.stopOnce.Do(func() {
		g.Alive.Stop()
		g.Hardware.closeInput()
		if g.DeadLetter != nil {
			g.DeadLetter.Stop()
		}
		if g.Outbox != nil {
			g.Error(g.Outbox.Stop(), "sink stop")
		}
		if g.Registry != nil && g.RegistryStore != nil {
			g.Error(g.Registry.Save(g.RegistryStore))
		}
		g.Hardware.closeRadio()
		g.Alive.Wait()
	})
}

func (g *Global) StopWait(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		g.Stop()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}

func (g *Global) initMetrics() {
	g.Recorder = g.Stat
	pc := g.Config.Metrics.Prometheus
	if !pc.Enable {
		return
	}
	namespace := pc.Namespace
	if namespace == "" {
		namespace = "radiogate"
	}
	g.PromRegistry = prometheus.NewRegistry()
	prom, err := metric.NewProm(namespace, g.PromRegistry)
	if err != nil {
		g.Error(err, "metrics prometheus")
		g.PromRegistry = nil
		return
	}
	g.Recorder = metric.Multi{g.Stat, prom}
}

// Static devices from config first, then persisted devices. Conflicts are logged.
func (g *Global) initRegistry() error {
	cfg := g.Config
	g.Registry = registry.New()
	ds, err := cfg.Devices()
	if err != nil {
		return errors.Annotate(err, "config registry")
	}
	for _, d := range ds {
		if err := g.Registry.Add(d); err != nil {
			return errors.Annotate(err, "config registry")
		}
	}

	switch cfg.Registry.Backend {
	case config.RegistryRedis:
		rc := cfg.Registry.Redis
		client := redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:    []string{rc.Addr},
			Password: rc.Password,
			DB:       rc.DB,
		})
		g.RegistryStore = registry.NewRedisStore(client, rc.Key, cfg.RedisTimeout())
	default:
		if cfg.Persist.Root == "" {
			return nil
		}
		fs, err := registry.NewFileStore(cfg.Persist.Root, g.Log)
		if err != nil {
			return err
		}
		g.RegistryStore = fs
	}
	if err := g.Registry.Load(g.RegistryStore); err != nil {
		g.Error(err)
	}
	g.Log.Infof("registry devices=%d backend=%s", g.Registry.Len(), cfg.Registry.Backend)
	return nil
}

func (g *Global) initSink() error {
	if !g.Config.Sink.Enable {
		g.Pipeline.Handle(processor.OpStoreReading, g.logReading)
		return nil
	}
	oc := g.Config.OutboxConfig()
	if oc.Path == "" {
		return errors.NotValidf("config: sink requires persist.root")
	}
	if g.SinkTransport == nil { // production path
		m, err := sink.NewMQTT(g.Config.MQTTConfig(), g.Log)
		if err != nil {
			return errors.Annotate(err, "sink mqtt")
		}
		g.SinkTransport = m
	}
	var err error
	g.Outbox, err = sink.NewOutbox(oc, g.SinkTransport, g.Recorder, g.Log)
	if err != nil {
		return errors.Annotate(err, "sink outbox")
	}
	g.Pipeline.Handle(processor.OpStoreReading, g.Outbox.Handler())
	return nil
}

func (g *Global) logReading(ctx context.Context, args []byte) error {
	var r profile.Reading
	if err := r.UnmarshalBinary(args); err != nil {
		return errors.NewNotValid(err, "store_reading args")
	}
	g.Log.Info(r.String())
	return nil
}
