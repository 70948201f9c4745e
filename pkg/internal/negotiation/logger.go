package negotiation

import (
	"github.com/pion/logging"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// zerologFactory routes pion's internal logs into the global zerolog logger.
type zerologFactory struct{}

func (zerologFactory) NewLogger(scope string) logging.LeveledLogger {
	return zerologLogger{l: log.With().Str("pion", scope).Logger()}
}

type zerologLogger struct {
	l zerolog.Logger
}

func (v zerologLogger) Trace(msg string) { v.l.Trace().Msg(msg) }
func (v zerologLogger) Tracef(format string, args ...interface{}) {
	v.l.Trace().Msgf(format, args...)
}
func (v zerologLogger) Debug(msg string) { v.l.Debug().Msg(msg) }
func (v zerologLogger) Debugf(format string, args ...interface{}) {
	v.l.Debug().Msgf(format, args...)
}
func (v zerologLogger) Info(msg string) { v.l.Info().Msg(msg) }
func (v zerologLogger) Infof(format string, args ...interface{}) {
	v.l.Info().Msgf(format, args...)
}
func (v zerologLogger) Warn(msg string) { v.l.Warn().Msg(msg) }
func (v zerologLogger) Warnf(format string, args ...interface{}) {
	v.l.Warn().Msgf(format, args...)
}
func (v zerologLogger) Error(msg string) { v.l.Error().Msg(msg) }
func (v zerologLogger) Errorf(format string, args ...interface{}) {
	v.l.Error().Msgf(format, args...)
}
