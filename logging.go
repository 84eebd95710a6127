package sipua

import (
	"log/slog"
	"os"
	"time"

	"github.com/rs/zerolog"
	slogzerolog "github.com/samber/slog-zerolog/v2"

	"github.com/sipwire/sipua/sip"
)

// NewZerologLogger builds a slog.Logger backed by zerolog's console writer,
// the pairing used in the teacher repo's example/proxysip. It can be
// installed as the package-wide default with sip.SetDefaultLogger and
// slog.SetDefault.
func NewZerologLogger(lvl slog.Level) *slog.Logger {
	zlog := zerolog.New(zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.StampMicro,
	}).With().Timestamp().Logger()

	return slog.New(slogzerolog.Option{Level: lvl, Logger: &zlog}.NewZerologHandler())
}

// UseZerologLogging installs NewZerologLogger as both the process-wide slog
// default and the sip package's default logger.
func UseZerologLogging(lvl slog.Level) {
	l := NewZerologLogger(lvl)
	slog.SetDefault(l)
	sip.SetDefaultLogger(l)
}
