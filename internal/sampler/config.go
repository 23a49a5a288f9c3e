package sampler

import "time"

const (
	DefaultInterval      = 100 * time.Millisecond
	DefaultRetryDelay    = 500 * time.Millisecond
	DefaultHistorySize   = 1000
	DefaultHistoryWindow = 10 * time.Second
)

type Config struct {
	Interval   time.Duration
	RetryDelay time.Duration
	// MaxConsecutiveFailures ends the loop after that many failed ticks
	// in a row. Zero retries forever.
	MaxConsecutiveFailures int
	HistorySize            int
	HistoryWindow          time.Duration
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = DefaultRetryDelay
	}
	if c.HistorySize <= 0 {
		c.HistorySize = DefaultHistorySize
	}
	if c.HistoryWindow < 0 {
		c.HistoryWindow = 0
	}
	return c
}
