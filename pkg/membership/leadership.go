package membership

import "sync/atomic"

// Leadership reports whether the local unit currently holds leadership.
// The answer may change between two calls.
type Leadership interface {
	IsLeader() bool
}

// StaticLeadership is a leadership answer fixed for one dispatch
type StaticLeadership bool

// IsLeader implements Leadership
func (s StaticLeadership) IsLeader() bool {
	return bool(s)
}

// LeaderFlag is a leadership answer updated by the host runtime
type LeaderFlag struct {
	v atomic.Bool
}

// NewLeaderFlag creates a flag with the initial leadership value
func NewLeaderFlag(leader bool) *LeaderFlag {
	f := &LeaderFlag{}
	f.v.Store(leader)
	return f
}

// Set updates leadership and returns the previous value
func (f *LeaderFlag) Set(leader bool) bool {
	return f.v.Swap(leader)
}

// IsLeader implements Leadership
func (f *LeaderFlag) IsLeader() bool {
	return f.v.Load()
}
