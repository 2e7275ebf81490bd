package log

import (
	"os"

	logging "github.com/ipfs/go-log/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Logger returns a named logger; every package declares one at init.
func Logger(name string) *zap.SugaredLogger {
	return logging.Logger(name).SugaredLogger.Named("")
}

// SetLevel adjusts one subsystem's level at runtime.
func SetLevel(subsystem, level string) error {
	return logging.SetLogLevel(subsystem, level)
}

// SetLevelAll adjusts every subsystem at once.
func SetLevelAll(level string) {
	lvl, err := logging.LevelFromString(level)
	if err != nil {
		return
	}
	logging.SetAllLoggers(lvl)
}

// SetupFileOutput routes logs to a rotated file under the repo dir in
// addition to stderr. Called once by the daemon on startup.
func SetupFileOutput(path string) {
	rotated := zapcore.AddSync(&lumberjack.Logger{
		Filename:   path,
		MaxSize:    100, // megabytes
		MaxBackups: 10,
		MaxAge:     30, // days
	})

	enc := zapcore.NewConsoleEncoder(zap.NewProductionEncoderConfig())
	core := zapcore.NewTee(
		zapcore.NewCore(enc, zapcore.AddSync(os.Stderr), zapcore.WarnLevel),
		zapcore.NewCore(enc, rotated, zapcore.DebugLevel),
	)
	logging.SetPrimaryCore(core)
}
