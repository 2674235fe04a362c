package logger

import (
	"os"

	"github.com/sirupsen/logrus"
)

type LogLevel int

const (
	DEBUG LogLevel = iota
	INFO
	WARNING
	ERROR
	FATAL
)

var log = newDefaultLogger()

func newDefaultLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	l.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05.000",
	})
	l.SetLevel(logrus.InfoLevel)
	return l
}

// GetLogger exposes the underlying logrus instance for components that need
// to attach their own fields.
func GetLogger() *logrus.Logger {
	return log
}

func SetLevel(level LogLevel) {
	switch level {
	case DEBUG:
		log.SetLevel(logrus.DebugLevel)
	case INFO:
		log.SetLevel(logrus.InfoLevel)
	case WARNING:
		log.SetLevel(logrus.WarnLevel)
	case ERROR:
		log.SetLevel(logrus.ErrorLevel)
	case FATAL:
		log.SetLevel(logrus.FatalLevel)
	}
}

func Debug(args ...interface{})                 { log.Debug(args...) }
func Debugf(format string, args ...interface{}) { log.Debugf(format, args...) }
func Info(args ...interface{})                  { log.Info(args...) }
func Infof(format string, args ...interface{})  { log.Infof(format, args...) }
func Warning(args ...interface{})               { log.Warn(args...) }
func Warningf(format string, args ...interface{}) {
	log.Warnf(format, args...)
}
func Error(args ...interface{})                 { log.Error(args...) }
func Errorf(format string, args ...interface{}) { log.Errorf(format, args...) }
func Fatal(args ...interface{})                 { log.Fatal(args...) }
func Fatalf(format string, args ...interface{}) { log.Fatalf(format, args...) }

// LogBlockEvent records a block lifecycle event with structured fields so the
// chain history can be reconstructed from logs alone.
func LogBlockEvent(index uint64, hash string, txCount int, source string) {
	log.WithFields(logrus.Fields{
		"block":  index,
		"hash":   hash,
		"txs":    txCount,
		"source": source,
	}).Info("block accepted")
}

// LogConsensusEvent records consensus state transitions (difficulty changes,
// algorithm swaps) with the algorithm that produced them.
func LogConsensusEvent(algorithm string, event string, difficulty uint64) {
	log.WithFields(logrus.Fields{
		"algorithm":  algorithm,
		"event":      event,
		"difficulty": difficulty,
	}).Info("consensus event")
}
