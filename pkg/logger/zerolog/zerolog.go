// Package zerolog adapts a zerolog.Logger to the logger.Logger interface.
package zerolog

import (
	"fmt"
	"io"

	"github.com/rs/zerolog"
)

type ZerologLogger struct {
	logger zerolog.Logger
}

// New creates a Logger writing structured JSON to w.
func New(w io.Writer) *ZerologLogger {
	return &ZerologLogger{
		logger: zerolog.New(w).With().Timestamp().Logger(),
	}
}

// Wrap adapts an existing zerolog.Logger.
func Wrap(l zerolog.Logger) *ZerologLogger {
	return &ZerologLogger{logger: l}
}

func (l *ZerologLogger) Error(msg string, args ...any) {
	withFields(l.logger.Error(), args).Msg(msg)
}

func (l *ZerologLogger) Warn(msg string, args ...any) {
	withFields(l.logger.Warn(), args).Msg(msg)
}

func (l *ZerologLogger) Info(msg string, args ...any) {
	withFields(l.logger.Info(), args).Msg(msg)
}

func (l *ZerologLogger) Debug(msg string, args ...any) {
	withFields(l.logger.Debug(), args).Msg(msg)
}

// withFields applies alternating key/value args to the event. A trailing key
// without a value is logged under the "!BADKEY" field, matching slog.
func withFields(e *zerolog.Event, args []any) *zerolog.Event {
	for i := 0; i+1 < len(args); i += 2 {
		key, ok := args[i].(string)
		if !ok {
			key = fmt.Sprint(args[i])
		}
		e = e.Interface(key, args[i+1])
	}
	if len(args)%2 != 0 {
		e = e.Interface("!BADKEY", args[len(args)-1])
	}
	return e
}
