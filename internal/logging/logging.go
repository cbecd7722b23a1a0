// Package logging builds the daemon's zap logger and bridges logrus, which
// crowdsec and go-cs-bouncer log through at the package level, into it.
// Grounded on internal/bouncer/logging.go's overrideLogrusLogger.
package logging

import (
	"errors"
	"io"
	"unicode"
	"unicode/utf8"

	"github.com/sirupsen/logrus"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds a zap production or development logger depending on debug, and
// named for the instance so every log line from this process is
// distinguishable in aggregated output.
func New(debug bool, instanceID string) (*zap.Logger, error) {
	var cfg zap.Config
	if debug {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
	}

	logger, err := cfg.Build()
	if err != nil {
		return nil, err
	}

	return logger.Named("edge-ban-sync").With(zap.String("instance_id", instanceID)), nil
}

// OverrideLogrusLogger silences the standard logrus logger (used internally
// by go-cs-bouncer and crowdsec's apiclient) and redirects its output
// through logger instead, so every log line in the process goes through the
// same structured sink.
func OverrideLogrusLogger(logger *zap.Logger, instanceID, address string, shouldFailHard bool) {
	std := logrus.StandardLogger()
	std.SetOutput(io.Discard)

	hooks := logrus.LevelHooks{}
	hooks.Add(&zapAdapterHook{
		logger:         logger,
		shouldFailHard: shouldFailHard,
		address:        address,
		instanceID:     instanceID,
	})
	std.ReplaceHooks(hooks)
}

type zapAdapterHook struct {
	logger         *zap.Logger
	shouldFailHard bool
	address        string
	instanceID     string
}

func (zh *zapAdapterHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (zh *zapAdapterHook) Fire(entry *logrus.Entry) error {
	if zh == nil || zh.logger == nil || entry == nil {
		return nil
	}

	msg := entry.Message
	fields := []zapcore.Field{zap.String("instance_id", zh.instanceID), zap.String("address", zh.address)}

	switch {
	case entry.Level <= logrus.ErrorLevel:
		fields = append(fields, zap.Error(errors.New(msg)))
		if zh.shouldFailHard {
			zh.logger.Fatal(firstToLower(msg), fields...)
		} else {
			zh.logger.Error(firstToLower(msg), fields...)
		}
	default:
		level := zapcore.DebugLevel
		if l, ok := levelAdapter[entry.Level]; ok {
			level = l
		}
		zh.logger.Log(level, firstToLower(msg), fields...)
	}

	return nil
}

func firstToLower(s string) string {
	r, size := utf8.DecodeRuneInString(s)
	if r == utf8.RuneError && size <= 1 {
		return s
	}
	lc := unicode.ToLower(r)
	if r == lc {
		return s
	}
	return string(lc) + s[size:]
}

var levelAdapter = map[logrus.Level]zapcore.Level{
	logrus.TraceLevel: zapcore.DebugLevel,
	logrus.DebugLevel: zapcore.DebugLevel,
	logrus.InfoLevel:  zapcore.InfoLevel,
	logrus.WarnLevel:  zapcore.WarnLevel,
	logrus.ErrorLevel: zapcore.ErrorLevel,
	logrus.FatalLevel: zapcore.FatalLevel,
	logrus.PanicLevel: zapcore.PanicLevel,
}

var _ logrus.Hook = (*zapAdapterHook)(nil)
