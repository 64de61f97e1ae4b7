package client

import "time"

// Clock is the only source of time and scheduling in the Manager.
type Clock interface {
	Now() time.Time
	// AfterFunc runs f once after d unless the returned Timer is stopped first.
	AfterFunc(d time.Duration, f func()) Timer
}

type Timer interface {
	Stop() bool
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }

// SystemClock is backed by the time package.
func SystemClock() Clock { return realClock{} }
