package infra

import (
	"time"
)

const (
	// Reconnect schedule constants
	reconnectBase   = 5 * time.Second
	reconnectFactor = 1.5

	// MaxReconnectAttempts is the number of consecutive failures after
	// which the stream gives up until a manual reconnect.
	MaxReconnectAttempts = 10
)

// ReconnectDelay returns the delay before reconnect attempt n (1-based).
// Logic: reconnectBase * 1.5^(n-1), uncapped. Growth is bounded in
// practice by MaxReconnectAttempts.
// If attempt is below 1, it returns reconnectBase.
func ReconnectDelay(attempt int) time.Duration {
	if attempt < 1 {
		return reconnectBase
	}

	d := float64(reconnectBase)
	for i := 1; i < attempt; i++ {
		d *= reconnectFactor
	}
	return time.Duration(d)
}
