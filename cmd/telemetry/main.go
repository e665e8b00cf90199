package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"cirrus-device/internal/device"
	"cirrus-device/internal/iothub"
)

// Config represents the telemetry sample configuration.
type Config struct {
	ConnectionString string        `yaml:"connection_string"`
	CACertFile       string        `yaml:"ca_cert_file"`
	MessageCount     int           `yaml:"message_count"`
	Interval         time.Duration `yaml:"interval"`
	LogLevel         string        `yaml:"log_level"`
	EnableC2D        bool          `yaml:"enable_c2d"`
}

func main() {
	var (
		configFile = flag.String("config", "", "Path to configuration file")
		connString = flag.String("connection-string", os.Getenv("IOTHUB_DEVICE_CONNECTION_STRING"), "Device connection string")
		count      = flag.Int("count", 5, "Number of telemetry messages to send")
		logLevel   = flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	)
	flag.Parse()

	config := &Config{
		MessageCount: *count,
		Interval:     time.Second,
		LogLevel:     *logLevel,
	}
	if *configFile != "" {
		loaded, err := loadConfig(*configFile)
		if err != nil {
			panic("Failed to load configuration: " + err.Error())
		}
		config = loaded
	}
	if *connString != "" {
		config.ConnectionString = *connString
	}
	if config.ConnectionString == "" {
		fmt.Fprintln(os.Stderr, "no connection string: set -connection-string or IOTHUB_DEVICE_CONNECTION_STRING")
		os.Exit(1)
	}

	logger := setupLogger(config.LogLevel)
	defer logger.Sync()

	opts := device.Options{Logger: logger, AutoReconnect: true}
	if config.CACertFile != "" {
		pem, err := os.ReadFile(config.CACertFile)
		if err != nil {
			logger.Fatal("reading CA certificate", zap.Error(err))
		}
		opts.CACert = string(pem)
	}

	client, err := device.NewDeviceClientFromConnectionString(config.ConnectionString, opts)
	if err != nil {
		logger.Fatal("creating client", zap.Error(err))
	}
	defer client.Close()

	if err := client.Connect(); err != nil {
		logger.Fatal("connecting", zap.Error(err))
	}
	logger.Info("connected")

	if config.EnableC2D {
		err := client.EnableC2DMessages(func(msg *iothub.Message) {
			logger.Info("c2d message received",
				zap.String("message_id", msg.MessageID),
				zap.ByteString("body", msg.Body))
		})
		if err != nil {
			logger.Fatal("enabling c2d messages", zap.Error(err))
		}
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	for i := 0; i < config.MessageCount; i++ {
		msg := iothub.NewMessage([]byte(fmt.Sprintf(`{"sequence":%d,"sent":%q}`, i, time.Now().UTC().Format(time.RFC3339))))
		msg.ContentType = "application/json"
		if err := client.SendTelemetry(msg); err != nil {
			logger.Error("sending telemetry", zap.Int("sequence", i), zap.Error(err))
			continue
		}
		logger.Info("telemetry sent", zap.Int("sequence", i), zap.String("message_id", msg.MessageID))

		select {
		case <-sigChan:
			logger.Info("interrupted")
			i = config.MessageCount
		case <-time.After(config.Interval):
		}
	}

	if err := client.Disconnect(); err != nil {
		logger.Error("disconnecting", zap.Error(err))
	}
	logger.Info("done")
}

func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	config := &Config{MessageCount: 5, Interval: time.Second, LogLevel: "info"}
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, err
	}
	return config, nil
}

func setupLogger(level string) *zap.Logger {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(zapLevel)
	logger, err := cfg.Build()
	if err != nil {
		panic("Failed to create logger: " + err.Error())
	}
	return logger
}
