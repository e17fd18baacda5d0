package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"sipkit-server/pkg/codec"
	"sipkit-server/pkg/config"
	"sipkit-server/pkg/engine"
	"sipkit-server/pkg/engine/sipgoengine"
	"sipkit-server/pkg/events"
	httpserver "sipkit-server/pkg/http"
	"sipkit-server/pkg/messaging"
	"sipkit-server/pkg/metrics"
	"sipkit-server/pkg/registration"
	"sipkit-server/pkg/service"
	"sipkit-server/pkg/session"
	"sipkit-server/pkg/version"
)

func main() {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetLevel(logrus.InfoLevel)

	cfg, err := config.Load(logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to load configuration")
	}

	applyLoggingConfig(logger, cfg.Logging)
	logger.WithField("version", version.Version).Info("Starting sipkit server")

	metrics.Init(logger)

	eng := sipgoengine.New(logger)
	registry := session.NewRegistry(logger)
	controller := registration.NewController(logger, eng)
	dispatcher := events.NewDispatcher(logger, registry, controller)
	eng.SetCallbackHandler(dispatcher)

	audioCodecs := codec.NewAudioCatalog(logger, eng)
	videoCodecs := codec.NewVideoCatalog(logger, eng)
	svc := service.NewService(logger, eng, registry, dispatcher, controller, audioCodecs, videoCodecs)

	if err := initialiseEngine(logger, cfg, controller); err != nil {
		logger.WithError(err).Fatal("Engine initialisation failed")
	}
	defer controller.Deinitialize()

	if err := applyCodecConfig(cfg.Codecs, audioCodecs, videoCodecs); err != nil {
		logger.WithError(err).Fatal("Codec configuration failed")
	}
	applyDTMFConfig(logger, cfg.DTMF, svc)

	if cfg.Account.AutoRegister {
		if err := register(cfg.Account, controller); err != nil {
			logger.WithError(err).Fatal("Registration failed to start")
		}
	} else {
		logger.Info("Auto-register disabled, running unregistered")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Messaging.AMQPUrl != "" {
		amqpClient := messaging.NewAMQPClient(logger, messaging.AMQPConfig{
			URL:            cfg.Messaging.AMQPUrl,
			QueueName:      cfg.Messaging.AMQPQueueName,
			ConnectTimeout: cfg.Messaging.ConnectTimeout,
			ReconnectDelay: cfg.Messaging.ReconnectDelay,
		})
		if err := amqpClient.Connect(); err != nil {
			logger.WithError(err).Warn("AMQP connection failed, events will not be published")
		} else {
			amqpEvents, cancelAMQP := dispatcher.Subscribe(256)
			defer cancelAMQP()
			go amqpClient.Run(ctx, amqpEvents)
			defer amqpClient.Disconnect()
		}
	}

	var httpSrv *httpserver.Server
	if cfg.HTTP.Enabled {
		hub := httpserver.NewEventHub(logger)
		go hub.Run(ctx)

		hubEvents, cancelHub := dispatcher.Subscribe(256)
		defer cancelHub()
		go hub.Pump(ctx, hubEvents)

		httpSrv = httpserver.NewServer(logger, &httpserver.Config{
			Port:           cfg.HTTP.Port,
			ReadTimeout:    cfg.HTTP.ReadTimeout,
			WriteTimeout:   cfg.HTTP.WriteTimeout,
			EnableMetrics:  cfg.HTTP.EnableMetrics,
			EnableEventsWS: cfg.HTTP.EnableEventsWS,
		}, svc, controller, hub)
		httpSrv.Start()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.WithField("signal", sig.String()).Info("Shutting down")

	if controller.IsRegistered() {
		if err := controller.Unregister(); err != nil {
			logger.WithError(err).Warn("Unregister failed during shutdown")
		}
	}

	if httpSrv != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			logger.WithError(err).Warn("HTTP shutdown incomplete")
		}
	}

	logger.Info("Shutdown complete")
}

func applyLoggingConfig(logger *logrus.Logger, cfg config.LoggingConfig) {
	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		logger.WithField("level", cfg.Level).Warn("Unknown log level, keeping info")
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	if cfg.Format == "text" {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	if cfg.OutputFile != "" {
		file, err := os.OpenFile(cfg.OutputFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			logger.WithError(err).Warn("Failed to open log file, logging to stderr")
			return
		}
		logger.SetOutput(file)
	}
}

func initialiseEngine(logger *logrus.Logger, cfg *config.Config, controller *registration.Controller) error {
	transport, err := cfg.Engine.ParseTransport()
	if err != nil {
		return err
	}
	srtpPolicy, err := cfg.Engine.ParseSRTPPolicy()
	if err != nil {
		return err
	}

	return controller.Initialize(registration.Config{
		Transport:       transport,
		LocalAddr:       cfg.Engine.LocalAddr,
		LocalPort:       cfg.Engine.LocalPort,
		LogLevel:        engine.LogLevel(cfg.Engine.LogLevel),
		LogPath:         cfg.Engine.LogPath,
		MaxLogFileLines: cfg.Engine.MaxLogFileLines,
		AgentString:     cfg.Engine.AgentString,
		LicenseKey:      cfg.Engine.LicenseKey,
		SRTPPolicy:      srtpPolicy,
	})
}

func applyCodecConfig(cfg config.CodecConfig, audio *codec.AudioCatalog, video *codec.VideoCatalog) error {
	if err := audio.Clear(); err != nil {
		return err
	}
	for _, c := range cfg.Audio {
		if err := audio.Add(c); err != nil {
			return err
		}
	}

	if len(cfg.Video) > 0 {
		if err := video.Clear(); err != nil {
			return err
		}
		for _, c := range cfg.Video {
			if err := video.Add(c); err != nil {
				return err
			}
		}
	}
	return nil
}

func applyDTMFConfig(logger *logrus.Logger, cfg config.DTMFConfig, svc *service.Service) {
	method, err := cfg.ParseMethod()
	if err != nil {
		logger.WithError(err).Warn("Unknown DTMF method, keeping defaults")
		return
	}
	svc.SetDTMFOptions(service.DTMFOptions{
		Method:      method,
		DurationMS:  cfg.DurationMS,
		PlayLocally: cfg.PlayLocally,
	})
}

func register(account config.AccountConfig, controller *registration.Controller) error {
	if err := controller.Authenticate(registration.Account{
		UserName:     account.UserName,
		DisplayName:  account.DisplayName,
		AuthName:     account.AuthName,
		Password:     account.Password,
		UserDomain:   account.UserDomain,
		ServerAddr:   account.ServerAddr,
		ServerPort:   account.ServerPort,
		STUNAddr:     account.STUNAddr,
		STUNPort:     account.STUNPort,
		OutboundAddr: account.OutboundAddr,
		OutboundPort: account.OutboundPort,
	}); err != nil {
		return err
	}

	return controller.Register(account.RegisterExpires, account.RegisterRetries)
}
