// internal/oracle/orchestrator/clock.go
package orchestrator

import "time"

// Clock abstracts time so escalation can be driven deterministically.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer is a cancellable deferred callback.
type Timer interface {
	Stop() bool
}

type realClock struct{}

// RealClock uses the time package.
func RealClock() Clock { return realClock{} }

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}
