// Package goid identifies the calling goroutine. Dispatcher threads are
// goroutines locked to their OS thread, so the goroutine id doubles as the
// thread identity used for affinity checks.
package goid

import "runtime"

// ID returns the current goroutine's id.
func ID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	var id uint64
	for i := len("goroutine "); i < n; i++ {
		if buf[i] >= '0' && buf[i] <= '9' {
			id = id*10 + uint64(buf[i]-'0')
		} else {
			break
		}
	}
	return id
}
