package util

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var globalLog = zerolog.New(os.Stdout).With().Timestamp().Logger()

func InitLog(level string, dev bool) {
	var out io.Writer = os.Stdout
	if dev {
		out = zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}
	}
	zerolog.SetGlobalLevel(ParseLevel(level))
	globalLog = zerolog.New(out).
		With().
		Timestamp().
		Caller().
		Str("service", "slugbin").
		Logger().
		Hook(redactHook{})
	log.Logger = globalLog
}

func ParseLevel(level string) zerolog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return zerolog.DebugLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "disabled", "off":
		return zerolog.Disabled
	}
	return zerolog.InfoLevel
}

func Debug() *zerolog.Event { return globalLog.Debug() }
func Info() *zerolog.Event  { return globalLog.Info() }
func Warn() *zerolog.Event  { return globalLog.Warn() }
func Error() *zerolog.Event { return globalLog.Error() }
func Fatal() *zerolog.Event { return globalLog.Fatal() }
func GetLogger() zerolog.Logger {
	return globalLog
}

// redactHook scrubs secrets that slipped into a log message.
type redactHook struct{}

func (h redactHook) Run(e *zerolog.Event, level zerolog.Level, msg string) {
	if redacted := RedactLogLine(msg); redacted != msg {
		e.Bool("redacted", true)
	}
}
