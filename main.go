package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"elm327-diag/common"
	"elm327-diag/config"
	"elm327-diag/dtc"
	"elm327-diag/elm"
	"elm327-diag/events"
	"elm327-diag/feed"
	"elm327-diag/logging"
	"elm327-diag/mqtt"
	"elm327-diag/session"
	"elm327-diag/simulation"
	"elm327-diag/sink"
	"elm327-diag/transport"
)

// initialRetryDelay задаёт первую паузу между попытками подключения, дальше она удваивается
const initialRetryDelay = time.Second

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("Diagnostic service failed", zap.Error(err))
	}
}

// run собирает сервис и работает до отмены ctx
func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	kb := dtc.New(logger)
	if cfg.DTC.File != "" {
		n, err := kb.LoadFile(cfg.DTC.File)
		if err != nil {
			return fmt.Errorf("load DTC database: %w", err)
		}
		logger.Info("DTC database loaded", zap.String("file", cfg.DTC.File), zap.Int("codes", n), zap.Int("total", kb.Len()))
	}

	sim := simulation.NewSimulator(kb)
	tr, err := newTransport(cfg, sim, logger)
	if err != nil {
		return err
	}

	bus := events.NewBus(logger)
	sess := session.New(tr, kb, sim, bus, sessionConfig(cfg), logger)

	sess.OnConnectionChange(func(ev common.ConnectionEvent) {
		logger.Info("Connection state changed",
			zap.String("state", string(ev.State)),
			zap.String("device", ev.Device),
			zap.String("error", ev.Error))
	})

	producer, err := sink.New(cfg.Sink, logger)
	if err != nil {
		return fmt.Errorf("create event sink: %w", err)
	}
	defer producer.Close()

	dispatcher := sink.NewDispatcher(producer, cfg.Sink, logger)
	dispatcher.Start()
	defer dispatcher.Stop()
	bus.Subscribe(dispatcher.HandleEvent)

	var mqttClient *mqtt.Client
	if cfg.MQTT.Enabled {
		mqttClient = mqtt.NewClient(cfg.MQTT, sess, logger)
		if err := mqttClient.Start(); err != nil {
			return err
		}
		defer mqttClient.Stop()
		bus.Subscribe(mqttClient.HandleEvent, events.KindLiveData, events.KindConnection, events.KindDTC)
	}

	if cfg.Feed.Enabled {
		srv := feed.New(cfg.Feed, sess, logger)
		bus.Subscribe(srv.HandleEvent)
		go func() {
			if err := srv.Run(ctx); err != nil {
				logger.Error("Feed server exited", zap.Error(err))
			}
		}()
	}

	onReady := func(ctx context.Context) {
		if vin, err := sess.ReadVIN(ctx); err != nil {
			logger.Warn("VIN unavailable", zap.Error(err))
		} else if mqttClient != nil && vin.Source == common.SourceReal {
			mqttClient.SetVIN(vin.VIN)
		}
		if cfg.Monitor.Enabled {
			sess.StartMonitoring(cfg.Monitor.Interval)
		}
	}

	logger.Info("ELM327 diagnostic service started", zap.String("adapter", cfg.Adapter.Type))
	supervise(ctx, sess, onReady, cfg.Adapter.ReconnectMax, logger)

	logger.Info("Shutting down")
	return sess.Disconnect(context.Background())
}

// newTransport выбирает транспорт по типу адаптера
func newTransport(cfg *config.Config, sim *simulation.Simulator, logger *zap.Logger) (transport.Transport, error) {
	stream := transport.DefaultStreamConfig()
	stream.DevicePath = cfg.Adapter.DevicePath
	if cfg.Adapter.BaudRate > 0 {
		stream.BaudRate = cfg.Adapter.BaudRate
	}

	switch cfg.Adapter.Type {
	case config.AdapterBLE:
		return transport.NewBLE(logger), nil
	case config.AdapterRFCOMM:
		return transport.NewRFCOMM(stream, logger), nil
	case config.AdapterSerial:
		return transport.NewSerial(stream, logger), nil
	case config.AdapterEmulator:
		return simulation.NewEmulator(sim, logger), nil
	}
	return nil, fmt.Errorf("unknown adapter type %q", cfg.Adapter.Type)
}

// sessionConfig переносит настройки адаптера в конфигурацию сессии
func sessionConfig(cfg *config.Config) session.Config {
	sc := session.DefaultConfig()

	if len(cfg.Adapter.NamePrefixes) > 0 {
		sc.Filter.NamePrefixes = cfg.Adapter.NamePrefixes
	}
	if cfg.Adapter.ScanTimeout > 0 {
		sc.Filter.Timeout = cfg.Adapter.ScanTimeout
	}

	sc.Engine = elm.Config{
		CommandTimeout: cfg.Adapter.CommandTimeout,
		PromptGrace:    cfg.Adapter.PromptGrace,
		ResyncTimeout:  cfg.Adapter.ResyncTimeout,
	}

	if len(cfg.Adapter.InitCommands) > 0 {
		sc.Init.Commands = cfg.Adapter.InitCommands
	}
	if cfg.Adapter.ResetTimeout > 0 {
		sc.Init.ResetTimeout = cfg.Adapter.ResetTimeout
	}
	sc.Init.CommandTimeout = cfg.Adapter.CommandTimeout
	sc.Init.Pause = cfg.Adapter.InitPause

	sc.HandshakeRetries = cfg.Adapter.HandshakeRetries
	if cfg.Adapter.VINTimeout > 0 {
		sc.VINTimeout = cfg.Adapter.VINTimeout
	}
	if len(cfg.Monitor.PIDs) > 0 {
		sc.LivePIDs = cfg.Monitor.PIDs
	}
	return sc
}

// connector умеет подключаться к адаптеру (сессия)
type connector interface {
	Connect(ctx context.Context) error
}

// connectWithRetry подключается с экспоненциальной паузой от initial до maxDelay.
// ErrUnsupportedPlatform не повторяется.
func connectWithRetry(ctx context.Context, c connector, initial, maxDelay time.Duration, logger *zap.Logger) error {
	delay := initial
	if maxDelay < initial {
		maxDelay = initial
	}

	for attempt := 1; ; attempt++ {
		err := c.Connect(ctx)
		if err == nil {
			logger.Info("Adapter connected", zap.Int("attempt", attempt))
			return nil
		}
		if errors.Is(err, common.ErrUnsupportedPlatform) {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		logger.Warn("Connect attempt failed", zap.Int("attempt", attempt), zap.Duration("retry_in", delay), zap.Error(err))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}

		delay *= 2
		if delay > maxDelay {
			delay = maxDelay
		}
	}
}

// supervise держит сессию подключённой: после потери связи переподключается
// и снова вызывает onReady
func supervise(ctx context.Context, sess *session.Session, onReady func(context.Context), maxDelay time.Duration, logger *zap.Logger) {
	lost := make(chan struct{}, 1)
	unsubscribe := sess.OnConnectionChange(func(ev common.ConnectionEvent) {
		if ev.State == common.StateError {
			select {
			case lost <- struct{}{}:
			default:
			}
		}
	})
	defer unsubscribe()

	for {
		if err := connectWithRetry(ctx, sess, initialRetryDelay, maxDelay, logger); err != nil {
			if !errors.Is(err, context.Canceled) {
				logger.Error("Giving up on adapter, serving simulated data", zap.Error(err))
				<-ctx.Done()
			}
			return
		}
		onReady(ctx)

		// Ошибки неудачных попыток уже не актуальны
		select {
		case <-lost:
		default:
		}
		if !sess.IsReady() {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-lost:
			logger.Warn("Adapter link lost, reconnecting")
		}
	}
}
