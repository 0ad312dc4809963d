package log

import (
	"time"

	kitlog "github.com/go-kit/log"
	"golang.org/x/time/rate"
)

type RateLimitedLogger struct {
	limiter *rate.Limiter
	logger  kitlog.Logger
}

// NewRateLimitedLogger returns a logger.Logger that is limited to the given
// number of logs per second.
func NewRateLimitedLogger(logsPerSecond int, logger kitlog.Logger) *RateLimitedLogger {
	return &RateLimitedLogger{
		limiter: rate.NewLimiter(rate.Limit(logsPerSecond), 1),
		logger:  logger,
	}
}

func (l *RateLimitedLogger) Log(keyvals ...interface{}) error {
	if !l.limiter.AllowN(time.Now(), 1) {
		return nil
	}

	return l.logger.Log(keyvals...)
}
