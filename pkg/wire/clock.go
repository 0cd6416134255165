package wire

import "time"

var epoch = time.Now()

// NowMS returns the local monotonic clock in milliseconds, truncated to 32
// bits. It never goes backwards within a process, except where the 32-bit
// value wraps to zero (every 2^32 ms, about 49.7 days).
func NowMS() uint32 {
	return uint32(time.Since(epoch).Milliseconds())
}

// Latency returns (arrival − sent) modulo 2^32. Both stamps are treated as
// unsigned 32-bit values, so the result stays correct across timestamp wrap.
// The two clocks are not assumed synchronized; the value is a transit-time
// estimate, useful for jitter, not an absolute one-way latency.
func Latency(sentMS, arrivalMS uint32) uint32 {
	return arrivalMS - sentMS
}
