package utils

import (
	"fmt"
	"strconv"
	"time"
)

// ParseTimeInterval parses a duration the way k8s clientcmd helpers do.
// A duration string value must be a positive integer, optionally followed by a corresponding time unit (s|m|h).
// An empty string is no timeout.
func ParseTimeInterval(duration string) (time.Duration, error) {
	if duration == "" {
		return 0, nil
	}
	if i, err := strconv.ParseInt(duration, 10, 64); err == nil && i >= 0 {
		return time.Duration(i) * time.Second, nil
	}
	if d, err := time.ParseDuration(duration); err == nil && d >= 0 {
		return d, nil
	}
	return 0, fmt.Errorf("invalid timeout value %q, timeout must be a single integer in seconds, or an integer followed by a corresponding time unit (e.g. 1s | 2m | 3h)", duration)
}
