package log

import (
	"io"
	"os"
	"time"

	"github.com/go-logr/logr"
	"github.com/go-logr/zerologr"
	"github.com/rs/zerolog"
)

// NewZerolog returns a zerolog logger writing to w, or to a console writer on
// stdout when w is nil. Inside Kubernetes it writes JSON to stderr.
func NewZerolog(w io.Writer, level zerolog.Level) *zerolog.Logger {
	output := w
	if output == nil {
		if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
			output = os.Stderr
		} else {
			output = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: "2006-01-02T15:04:05.999Z07:00"}
		}
	}

	zerolog.TimeFieldFormat = time.RFC3339Nano

	logger := zerolog.New(output).Level(level).With().Timestamp().Logger()
	return &logger
}

// NewLogr wraps NewZerolog for kstorm.WithLogr.
func NewLogr(w io.Writer, level zerolog.Level) logr.Logger {
	zerologr.NameFieldName = "logger"
	zerologr.NameSeparator = "/"
	return zerologr.New(NewZerolog(w, level))
}
