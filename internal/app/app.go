// v0
// internal/app/app.go
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"nrgchamp/floorctl/internal/analytics"
	"nrgchamp/floorctl/internal/api"
	"nrgchamp/floorctl/internal/broadcast"
	"nrgchamp/floorctl/internal/circuitbreaker"
	"nrgchamp/floorctl/internal/commands"
	"nrgchamp/floorctl/internal/config"
	"nrgchamp/floorctl/internal/decision"
	"nrgchamp/floorctl/internal/device"
	"nrgchamp/floorctl/internal/eventlog"
	"nrgchamp/floorctl/internal/ledger"
	"nrgchamp/floorctl/internal/logging"
	"nrgchamp/floorctl/internal/metrics"
	"nrgchamp/floorctl/internal/notify"
	"nrgchamp/floorctl/internal/policy"
	"nrgchamp/floorctl/internal/registry"
	"nrgchamp/floorctl/internal/session"
	"nrgchamp/floorctl/internal/settings"
	"nrgchamp/floorctl/internal/telemetry"
)

// EventManualControl is logged when a control request is queued.
const EventManualControl = "MANUAL_CONTROL"

const forecastTimeout = 3 * time.Second

// Application owns every long-running component of the floor controller.
type Application struct {
	cfg     config.Config
	logger  *slog.Logger
	logFile *os.File

	health   *api.HealthState
	http     *api.Server
	sessions *session.Server
	hub      *broadcast.Hub
	loop     *analytics.Loop
	events   *eventlog.Log

	eventStore  *eventlog.SQLiteStore
	eventsOut   *broadcast.KafkaPublisher
	ingest      *commands.KafkaIngest
	sensorStore *telemetry.InfluxStore
	gridStore   *telemetry.InfluxStore
	writer      *telemetry.Writer
	mqtt        *notify.MQTT
	policies    []*policy.Store
}

// New wires the application from cfg. Optional integrations (Kafka,
// InfluxDB, MQTT, webhook, forecast) are skipped when unconfigured.
func New(cfg config.Config) (*Application, error) {
	if strings.TrimSpace(cfg.ListenAddress) == "" {
		return nil, errors.New("listen address cannot be empty")
	}
	if strings.TrimSpace(cfg.DeviceListenAddress) == "" {
		return nil, errors.New("device listen address cannot be empty")
	}
	level, err := logging.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	lf, err := logging.OpenFile(cfg.LogFilePath)
	if err != nil {
		return nil, err
	}
	logger := logging.New(os.Stdout, lf, level)
	a := &Application{cfg: cfg, logger: logger, logFile: lf, health: api.NewHealthState()}
	if err := a.wire(); err != nil {
		_ = a.Close()
		return nil, err
	}
	return a, nil
}

func (a *Application) wire() error {
	cfg := a.cfg
	logger := a.logger
	m := metrics.New()

	a.hub = broadcast.NewHub(logger, m)
	if len(cfg.KafkaBrokers) > 0 {
		out, err := broadcast.NewKafkaPublisher(cfg.KafkaBrokers, cfg.EventTopic, logger)
		if err != nil {
			return fmt.Errorf("event producer init: %w", err)
		}
		a.eventsOut = out
		a.hub.AddSink(out)
	}

	var store eventlog.Store
	if strings.TrimSpace(cfg.EventDBPath) != "" {
		s, err := eventlog.OpenSQLite(cfg.EventDBPath, 4, logger)
		if err != nil {
			return fmt.Errorf("event store init: %w", err)
		}
		a.eventStore = s
		store = s
	}
	a.events = eventlog.New(store, a.hub, broadcast.EventSystemLog, logger)

	values, err := settings.Load(cfg.SettingsPath, logger)
	if err != nil {
		return fmt.Errorf("settings init: %w", err)
	}

	lubrication := policy.NewStore(cfg.LubricationPolicyPath, policy.LubricationAxes, logger)
	tension := policy.NewStore(cfg.TensionPolicyPath, policy.TensionAxes, logger)
	a.policies = []*policy.Store{lubrication, tension}

	queue := commands.NewQueue()
	ingress := commands.NewIngress(queue, cfg.ControlPassword, logger)
	ingress.OnAccepted(func(req commands.Request, cmd device.Command) {
		a.events.Add(req.IP, req.Type, EventManualControl, cmd.Message, map[string]any{
			"action":     cmd.Action,
			"command_id": cmd.ID,
		})
	})
	if len(cfg.KafkaBrokers) > 0 {
		in, err := commands.NewKafkaIngest(commands.KafkaIngestConfig{
			Brokers: cfg.KafkaBrokers,
			Topic:   cfg.CommandTopic,
			GroupID: cfg.CommandGroupID,
		}, ingress, logger)
		if err != nil {
			return fmt.Errorf("command ingest init: %w", err)
		}
		a.ingest = in
	}

	reg := registry.NewSharded()
	book := ledger.New()

	var sink session.TelemetrySink
	if strings.TrimSpace(cfg.InfluxURL) != "" {
		a.sensorStore = telemetry.NewInfluxStore(telemetry.InfluxConfig{
			URL:       cfg.InfluxURL,
			Token:     cfg.InfluxToken,
			Org:       cfg.InfluxOrg,
			Bucket:    cfg.InfluxBucket,
			Reconnect: cfg.InfluxReconnect,
		}, logger)
		a.writer = telemetry.NewWriter(a.sensorStore, cfg.TelemetryQueueLen, logger, m)
		sink = a.writer
	}

	var source telemetry.WindowSource
	var gateways api.GatewayLister
	if strings.TrimSpace(cfg.MonitorURL) != "" {
		a.gridStore = telemetry.NewInfluxStore(telemetry.InfluxConfig{
			URL:       cfg.MonitorURL,
			Token:     cfg.MonitorToken,
			Org:       cfg.MonitorOrg,
			Bucket:    cfg.MonitorBucket,
			Reconnect: cfg.InfluxReconnect,
		}, logger)
		source = a.gridStore
		gateways = a.gridStore
	}

	var notifiers notify.Multi
	if wh := notify.NewWebhook(cfg.WebhookURL); wh != nil {
		notifiers = append(notifiers, wh)
	}
	if strings.TrimSpace(cfg.MQTTBroker) != "" {
		mq, err := notify.DialMQTT(cfg.MQTTBroker, cfg.MQTTTopic, "floorctl-alerts", logger)
		if err != nil {
			logger.Warn("mqtt_notifier_disabled", slog.Any("err", err))
		} else {
			a.mqtt = mq
			notifiers = append(notifiers, mq)
		}
	}

	var forecaster analytics.Forecaster
	if strings.TrimSpace(cfg.ForecastURL) != "" {
		cbCfg, err := circuitbreaker.LoadConfigFromProperties(cfg.PropertiesPath)
		if err != nil {
			return fmt.Errorf("forecast breaker config: %w", err)
		}
		cbCfg.Logger = logger
		f := analytics.NewHTTPForecaster(cfg.ForecastURL, cbCfg, forecastTimeout)
		f.Breaker().OnStateChange(func(name string, _, to circuitbreaker.State) {
			m.SetCircuitBreakerState(name, float64(to))
		})
		forecaster = f
	}

	var notifier analytics.Notifier
	if len(notifiers) > 0 {
		notifier = notifiers
	}
	a.loop = analytics.NewLoop(analytics.Config{
		Gateway:         cfg.DefaultGateway,
		Window:          cfg.AnalyticsWindow,
		SustainTicks:    cfg.AlertSustainTicks,
		ClearTicks:      cfg.AlertClearTicks,
		IdleThresholdKW: cfg.IdleThresholdKW,
	}, source, forecaster, notifier, a.hub, m, logger)

	sessDeps := session.Deps{
		Registry:    reg,
		Queue:       queue,
		Ledger:      book,
		Policies:    decision.Policies{Lubrication: lubrication, Tension: tension},
		Settings:    values,
		Publisher:   a.hub,
		Telemetry:   sink,
		Events:      a.events,
		Metrics:     m,
		Logger:      logger,
		ReadTimeout: cfg.DeviceReadTimeout,
	}
	a.sessions, err = session.NewServer(sessDeps)
	if err != nil {
		return err
	}

	router := api.NewRouter(api.Deps{
		Registry:  reg,
		Queue:     queue,
		Ingress:   ingress,
		Ledger:    book,
		Settings:  values,
		Monitor:   a.loop,
		Gateways:  gateways,
		Events:    a.events,
		Publisher: a.hub,
		WebSocket: http.HandlerFunc(a.hub.ServeWS),
		Metrics:   m,
		Health:    a.health,
		Logger:    logger,
	})
	a.http = api.NewServer(api.ServerConfig{
		Addr:         cfg.ListenAddress,
		ReadTimeout:  cfg.HTTPReadTimeout,
		WriteTimeout: cfg.HTTPWriteTimeout,
		AccessLog:    os.Stdout,
	}, router, logger)

	logger.Info("app_wired",
		slog.Bool("kafka", len(cfg.KafkaBrokers) > 0),
		slog.Bool("telemetry", a.writer != nil),
		slog.Bool("grid_monitor", source != nil),
		slog.Bool("forecast", forecaster != nil),
		slog.Int("notifiers", len(notifiers)),
		slog.Bool("event_store", a.eventStore != nil),
	)
	return nil
}

// Logger exposes the configured logger.
func (a *Application) Logger() *slog.Logger {
	return a.logger
}

// Run serves until ctx is cancelled or a listener fails, then shuts every
// component down.
func (a *Application) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var bg sync.WaitGroup
	goRun := func(fn func(context.Context)) {
		bg.Add(1)
		go func() {
			defer bg.Done()
			fn(ctx)
		}()
	}

	goRun(a.hub.Run)
	goRun(a.events.Run)
	if a.eventsOut != nil {
		goRun(a.eventsOut.Run)
	}
	if a.writer != nil {
		goRun(a.writer.Run)
	}
	for _, p := range a.policies {
		p := p
		goRun(func(ctx context.Context) {
			if err := p.Watch(ctx, a.cfg.PolicyWatchInterval); err != nil {
				a.logger.Error("policy_watch_error", slog.Any("err", err))
			}
		})
	}
	if a.ingest != nil {
		goRun(func(ctx context.Context) {
			if err := a.ingest.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				a.logger.Error("command_ingest_error", slog.Any("err", err))
			}
		})
	}
	if a.gridStore != nil {
		goRun(func(ctx context.Context) {
			if err := a.loop.Run(ctx, a.cfg.AnalyticsInterval); err != nil {
				a.logger.Error("analytics_loop_error", slog.Any("err", err))
			}
		})
	}

	sessCh := make(chan error, 1)
	go func() {
		a.logger.Info("device_server_listen", slog.String("address", a.cfg.DeviceListenAddress))
		sessCh <- a.sessions.ListenAndServe(a.cfg.DeviceListenAddress)
	}()
	httpCh := make(chan error, 1)
	go func() {
		httpCh <- a.http.Start()
	}()

	a.health.SetReady(true)
	a.events.Add("", "", "SYSTEM_START", "Floor controller started", nil)

	var runErr error
	select {
	case err := <-httpCh:
		httpCh = nil
		if err != nil {
			a.logger.Error("http_server_error", slog.Any("err", err))
			runErr = err
		}
	case err := <-sessCh:
		sessCh = nil
		if err != nil {
			a.logger.Error("device_server_error", slog.Any("err", err))
			runErr = err
		}
	case <-ctx.Done():
		a.logger.Info("shutdown_signal")
	}

	a.health.SetReady(false)
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout)
	defer shutdownCancel()
	if err := a.http.Stop(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
		a.logger.Error("server_shutdown_failed", slog.Any("err", err))
		if runErr == nil {
			runErr = fmt.Errorf("shutdown: %w", err)
		}
	}
	if err := a.sessions.Close(); err != nil {
		a.logger.Warn("device_server_close_failed", slog.Any("err", err))
	}
	if httpCh != nil {
		if err := <-httpCh; err != nil && runErr == nil {
			runErr = err
		}
	}
	if sessCh != nil {
		<-sessCh
	}
	cancel()
	bg.Wait()

	if runErr != nil {
		return runErr
	}
	a.logger.Info("shutdown_complete")
	return nil
}

// Close releases resources owned by the application.
func (a *Application) Close() error {
	var errs []error
	if a.ingest != nil {
		errs = append(errs, a.ingest.Close())
		a.ingest = nil
	}
	if a.eventsOut != nil {
		errs = append(errs, a.eventsOut.Close())
		a.eventsOut = nil
	}
	if a.mqtt != nil {
		a.mqtt.Close()
		a.mqtt = nil
	}
	if a.sensorStore != nil {
		a.sensorStore.Close()
		a.sensorStore = nil
	}
	if a.gridStore != nil {
		a.gridStore.Close()
		a.gridStore = nil
	}
	if a.eventStore != nil {
		errs = append(errs, a.eventStore.Close())
		a.eventStore = nil
	}
	if a.logFile != nil {
		errs = append(errs, a.logFile.Close())
		a.logFile = nil
	}
	return errors.Join(errs...)
}
