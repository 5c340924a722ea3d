package refresh

import "github.com/malbeclabs/accel/accelerator/pkg/table"

// AccelerationMode selects the wake source passed to Refresher.Start.
// It is one of Disabled, Full, Append or Changes.
type AccelerationMode interface {
	accelerationMode()
}

// Disabled starts nothing.
type Disabled struct{}

// Full runs full cycles on the timer and on every Trigger receive. A nil Trigger
// leaves the timer as the only wake source.
type Full struct {
	Trigger <-chan struct{}
}

// Append runs windowed append cycles when both Trigger and a time column are
// present; otherwise it streams appends continuously.
type Append struct {
	Trigger <-chan struct{}
}

// Changes applies a change stream continuously.
type Changes struct {
	Stream table.ChangeStream
}

func (Disabled) accelerationMode() {}
func (Full) accelerationMode()     {}
func (Append) accelerationMode()   {}
func (Changes) accelerationMode()  {}
