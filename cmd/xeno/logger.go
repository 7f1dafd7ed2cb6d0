package main

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// newLogger builds a JSON production logger, or a console debug logger with
// dev. A non-empty file routes output through a rotating writer.
func newLogger(dev bool, file string) (*zap.Logger, error) {
	if file == "" {
		if dev {
			return zap.NewDevelopment()
		}
		return zap.NewProduction()
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encoder := zapcore.NewJSONEncoder(encCfg)
	level := zap.InfoLevel
	if dev {
		encoder = zapcore.NewConsoleEncoder(zap.NewDevelopmentEncoderConfig())
		level = zap.DebugLevel
	}
	sink := zapcore.AddSync(&lumberjack.Logger{
		Filename:   file,
		MaxSize:    100, // megabytes
		MaxBackups: 5,
		MaxAge:     28, // days
		Compress:   true,
	})
	return zap.New(zapcore.NewCore(encoder, sink, level), zap.AddCaller()), nil
}
