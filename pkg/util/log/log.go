package log

import (
	"os"

	kitlog "github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

var (
	// Logger is the global logger. InitLogger replaces it with one honoring
	// the configured level.
	Logger = kitlog.NewNopLogger()
)

// InitLogger sets up the global logger at the given level. Unknown levels
// fall back to info.
func InitLogger(logLevel string) {
	l := kitlog.NewLogfmtLogger(kitlog.NewSyncWriter(os.Stderr))

	var opt level.Option
	switch logLevel {
	case "debug":
		opt = level.AllowDebug()
	case "warn":
		opt = level.AllowWarn()
	case "error":
		opt = level.AllowError()
	default:
		opt = level.AllowInfo()
	}

	l = level.NewFilter(l, opt)
	Logger = kitlog.With(l, "ts", kitlog.DefaultTimestampUTC, "caller", kitlog.DefaultCaller)
}
