package livesync

import (
	"fmt"

	"github.com/golang/glog"
)

// Logging convention in the `livesync` package:
// Info:
//     essential events for abnormal behavior. This level should be silent on normal operation,
//     with the exception of one time (infrequent) initialization data that is useful for monitoring
//     this includes:
//     - connection loss, heartbeat misses, reconnect scheduling
//     - circuit breaker opens and forced sign-outs
// Error:
//     unrecoverable crash details
//     this includes:
//     - unexpected panics even if handled and suppressed for partial operation
// V(1)/V(2):
//     key events for trace debugging and statistics
//     this includes:
//     - per-subscription join/replay events with keys that can be used to filter
//     - frequent events - e.g. cache hit, revalidate, event fan out -
//       should be summarized as statistics rather than logging each data point
//
// Each subsystem logs with a short bracketed tag:
// [conn] connection, [rt] realtime, [cache] cache, [sess] session,
// [rec] recovery, [cb] circuit breaker, [t] transport, [task] tasks,
// [vis] visibility

type LogFunction func(string, ...any)

func LogFn(tag string) LogFunction {
	return func(format string, a ...any) {
		m := fmt.Sprintf(format, a...)
		glog.Infof("[%s]%s\n", tag, m)
	}
}

func SubLogFn(log LogFunction, tag string) LogFunction {
	return func(format string, a ...any) {
		m := fmt.Sprintf(format, a...)
		log("[%s]%s", tag, m)
	}
}
