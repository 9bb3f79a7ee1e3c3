package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/jwoglom/wearlink/pkg/api"
	"github.com/jwoglom/wearlink/pkg/bluetooth"
	"github.com/jwoglom/wearlink/pkg/config"
	"github.com/jwoglom/wearlink/pkg/device"
	"github.com/jwoglom/wearlink/pkg/event"
	"github.com/jwoglom/wearlink/pkg/metrics"
	"github.com/jwoglom/wearlink/pkg/netproxy"
	"github.com/jwoglom/wearlink/pkg/profile"
	"github.com/jwoglom/wearlink/pkg/queue"
	"github.com/jwoglom/wearlink/pkg/settings"
)

const (
	connectTimeout = 30 * time.Second
	minBackoff     = 2 * time.Second
	maxBackoff     = time.Minute
	eventBuffer    = 64
)

func main() {
	var configPath = flag.String("config", "", "path to the YAML config file")
	var listen = flag.String("listen", "", "API listen address, overrides api.listen")
	// if both verbose and quiet are chosen, e.g., -v -q, the verbose dominates
	var traceLevel = flag.Bool("v", false, "verbose off by default, TraceLevel")
	var infoLevel = flag.Bool("q", false, "quiet off by default, InfoLevel")

	flag.Parse()

	log.SetFormatter(&logrus.TextFormatter{
		DisableQuote: true,
		ForceColors:  true,
	})

	cfg := config.Default()
	if *configPath != "" {
		var err error
		if cfg, err = config.Load(*configPath); err != nil {
			log.Fatalf("Could not load config: %s", err)
		}
	}
	if *listen != "" {
		cfg.API.Listen = *listen
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid config: %s", err)
	}

	if *traceLevel {
		log.SetLevel(log.TraceLevel)
	} else if *infoLevel {
		log.SetLevel(log.InfoLevel)
	} else if level, err := log.ParseLevel(cfg.LogLevel); err == nil {
		log.SetLevel(level)
	}

	log.Info("Starting wearlink")
	log.Info("Vendor service: ", cfg.Vendor.ServiceUUID)
	log.Info("  Tx: ", cfg.Vendor.TxUUID)
	log.Info("  Rx: ", cfg.Vendor.RxUUID)
	for _, d := range cfg.Devices {
		log.Infof("Device %s (%s): %v", d.Address, d.Name, d.Profiles)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	central, err := bluetooth.New(cfg.Adapter.DeviceID)
	if err != nil {
		log.Fatalf("Could not start BLE: %s", err)
	}

	d := &daemon{
		cfg:      cfg,
		central:  central,
		table:    device.NewTable(),
		settings: settings.NewManager(),
		metrics:  metrics.New(nil),
		links:    make(map[string]chan struct{}),
	}
	d.proxy = netproxy.New(netproxy.NewStaticPolicy(cfg.Permissions), netproxy.Options{
		Timeout: cfg.HTTPProxy.Timeout,
		MaxBody: cfg.HTTPProxy.MaxBody,
		Rate:    rate.Limit(cfg.HTTPProxy.Rate),
		Burst:   cfg.HTTPProxy.Burst,
		Sink:    d.deviceSink,
	})
	d.server = api.New(d.table, d.settings, nil)

	central.SetConnectionHandler(d.onConnection)

	if cfg.API.Listen != "" {
		go func() {
			if err := d.server.Start(cfg.API.Listen); err != nil {
				log.Errorf("API server stopped: %s", err)
			}
		}()
	}

	var wg sync.WaitGroup
	for _, dc := range cfg.Devices {
		wg.Add(1)
		go func(dc config.DeviceConfig) {
			defer wg.Done()
			d.supervise(ctx, dc)
		}(dc)
	}

	log.Info("Bluetooth central initialized, connecting to devices...")
	<-ctx.Done()
	log.Info("Shutting down")

	wg.Wait()
	d.table.Close()
	d.proxy.Close()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.server.Shutdown(shutdownCtx); err != nil {
		log.Warnf("API shutdown: %s", err)
	}
	if err := central.Close(); err != nil {
		log.Warnf("Closing BLE: %s", err)
	}
}

type daemon struct {
	cfg      *config.Config
	central  *bluetooth.Central
	table    *device.Table
	settings *settings.Manager
	metrics  *metrics.Metrics
	proxy    *netproxy.Proxy
	server   *api.Server

	mtx   sync.Mutex
	links map[string]chan struct{} // closed when the link drops
}

func (d *daemon) deviceSink(address string) event.Sink {
	if c, ok := d.table.Get(address); ok {
		return c.Events()
	}
	return nil
}

func (d *daemon) onConnection(address string, connected bool) {
	if connected {
		return
	}
	if c, ok := d.table.Get(address); ok {
		c.Disconnect()
	}

	d.mtx.Lock()
	down, ok := d.links[address]
	delete(d.links, address)
	d.mtx.Unlock()
	if ok {
		close(down)
	}
}

func (d *daemon) factories(kinds []profile.Kind) []profile.Factory {
	var fs []profile.Factory
	for _, k := range kinds {
		switch k {
		case profile.KindDeviceInfo:
			fs = append(fs, profile.NewDeviceInfo)
		case profile.KindBattery:
			fs = append(fs, profile.NewBattery)
		case profile.KindHeartRate:
			fs = append(fs, profile.NewHeartRate)
		case profile.KindBloodPressure:
			fs = append(fs, profile.NewBloodPressure)
		case profile.KindAppConfig:
			opts := d.cfg.Vendor.AppConfigOptions()
			opts.HTTP = d.proxy
			fs = append(fs, profile.AppConfigFactory(opts))
		}
	}
	return fs
}

// supervise keeps one device connected until ctx ends
func (d *daemon) supervise(ctx context.Context, dc config.DeviceConfig) {
	backoff := minBackoff
	for ctx.Err() == nil {
		start := time.Now()
		if err := d.session(ctx, dc); err != nil {
			log.Warnf("Device %s: %s", dc.Address, err)
		}
		if time.Since(start) > maxBackoff {
			backoff = minBackoff
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		if backoff *= 2; backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

// session runs one connection from connect to dispose
func (d *daemon) session(ctx context.Context, dc config.DeviceConfig) error {
	down := make(chan struct{})
	d.mtx.Lock()
	d.links[dc.Address] = down
	d.mtx.Unlock()

	connectCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	link, err := d.central.Connect(connectCtx, dc.Address, nil)
	cancel()
	if err != nil {
		d.mtx.Lock()
		delete(d.links, dc.Address)
		d.mtx.Unlock()
		return err
	}

	kinds, _ := dc.Kinds()
	observer := d.metrics.Device(dc.Address)
	conn, err := device.New(dc.Address, link, device.Options{
		Queue: queue.Options{
			OperationTimeout: d.cfg.Queue.OperationTimeout,
			WriteRate:        rate.Limit(d.cfg.Queue.WriteRate),
			WriteBurst:       d.cfg.Queue.WriteBurst,
			Observer:         observer,
		},
		EventObserver: observer,
	}, d.factories(kinds)...)
	if err != nil {
		_ = link.Close()
		return err
	}
	defer func() {
		d.table.Remove(dc.Address)
		conn.Dispose()
		d.metrics.Forget(dc.Address)
	}()

	if err := d.table.Add(conn); err != nil {
		return err
	}

	// the subscription ends when Dispose closes the bus, after the final event
	events, _ := conn.Events().Subscribe(eventBuffer)
	sink := event.Multi(d.settings, d.server)
	go func() {
		for e := range events {
			sink.Emit(e)
		}
	}()

	link.OnNotification(func(char uuid.UUID, payload []byte) {
		if !conn.HandleNotification(char, payload) {
			log.Debugf("Device %s: unhandled notification on %s", dc.Address, char)
		}
	})

	// a failed initialization is reported on the bus; the link stays up
	if err := conn.Initialize().Wait(ctx); err != nil {
		log.Warnf("Device %s: initialization failed: %s", dc.Address, err)
	} else {
		log.Infof("Device %s: initialized", dc.Address)
	}

	select {
	case <-ctx.Done():
	case <-down:
		log.Infof("Device %s: link lost", dc.Address)
	}
	return nil
}
