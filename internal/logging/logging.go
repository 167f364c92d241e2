package logging

import (
	"io"
	"os"
	"sync"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	logger *logrus.Logger
	once   sync.Once
)

// Init configures the shared logger. File may be empty for stderr-only output.
func Init(file, level string) *logrus.Logger {
	once.Do(func() {
		logger = logrus.New()
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
		lvl, err := logrus.ParseLevel(level)
		if err != nil {
			lvl = logrus.InfoLevel
		}
		logger.SetLevel(lvl)
		if file != "" {
			rotated := &lumberjack.Logger{
				Filename:   file,
				MaxSize:    10, // megabytes
				MaxBackups: 3,
				MaxAge:     28, // days
				Compress:   true,
			}
			logger.SetOutput(io.MultiWriter(os.Stderr, rotated))
		}
	})
	return logger
}

// L returns the shared logger, initialising a stderr logger if needed.
func L() *logrus.Logger {
	if logger == nil {
		return Init("", "info")
	}
	return logger
}
