package main

import (
	"context"
	"flag"
	"os"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"cirrus-device/internal/device"
)

func main() {
	var (
		host           = flag.String("host", "global.azure-devices-provisioning.net", "Provisioning service hostname")
		idScope        = flag.String("id-scope", os.Getenv("PROVISIONING_IDSCOPE"), "ID scope")
		registrationID = flag.String("registration-id", os.Getenv("PROVISIONING_REGISTRATION_ID"), "Registration id")
		symmetricKey   = flag.String("key", os.Getenv("PROVISIONING_SYMMETRIC_KEY"), "Symmetric enrollment key (base64)")
		timeout        = flag.Duration("timeout", 2*time.Minute, "Overall registration timeout")
		logLevel       = flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	)
	flag.Parse()

	logger := setupLogger(*logLevel)
	defer logger.Sync()

	if *idScope == "" || *registrationID == "" {
		logger.Fatal("id scope and registration id are required")
	}

	client, err := device.NewProvisioningClient(*host, *idScope, *registrationID, *symmetricKey,
		device.Options{Logger: logger})
	if err != nil {
		logger.Fatal("creating provisioning client", zap.Error(err))
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	result, err := client.Register(ctx)
	if err != nil {
		logger.Fatal("registration failed", zap.Error(err))
	}

	logger.Info("registration complete",
		zap.String("status", result.Status),
		zap.String("assigned_hub", result.RegistrationState.AssignedHub),
		zap.String("device_id", result.RegistrationState.DeviceID))
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
