package stream

import (
	"math"
	"time"
)

// TOBEpoch is the zero point of frame header timestamps.
var TOBEpoch = time.Date(1990, time.January, 1, 0, 0, 0, 0, time.UTC)

// TOBTime converts a frame header timestamp (seconds since TOBEpoch) to a time.
func TOBTime(seconds uint32) time.Time {
	return TOBEpoch.Add(time.Duration(seconds) * time.Second)
}

// Stamp is a row timestamp split the way TOB rows report it.
type Stamp struct {
	Year      int
	DayOfYear int
	HourMin   int     // hour*100 + minute
	Seconds   float64 // seconds within the minute including the fraction
}

// SubClock tracks the time of successive rows within a frame. Each row adds
// the sample interval to an accumulated fraction; whole seconds are carried
// into the base time.
type SubClock struct {
	interval float64
	base     time.Time
	frac     float64
}

// NewSubClock creates a clock advancing by interval seconds per row.
func NewSubClock(interval float64) *SubClock {
	return &SubClock{interval: interval, base: TOBEpoch}
}

// Reset sets a new whole-second base time, as read from a frame header.
func (c *SubClock) Reset(base time.Time) {
	c.base = base
	c.frac = 0
}

// Advance moves the clock forward by one sample interval.
func (c *SubClock) Advance() {
	c.frac += c.interval
	whole := math.Floor(c.frac)
	c.frac -= whole
	c.base = c.base.Add(time.Duration(whole) * time.Second)
	// accumulated rounding error would otherwise drift the fraction
	if c.frac < 0.001*c.interval {
		c.frac = 0
	}
}

// fraction returns the sub-second part of the current time.
func (c *SubClock) fraction() float64 {
	return c.frac
}

// Time returns the current time including the fraction.
func (c *SubClock) Time() time.Time {
	return c.base.Add(time.Duration(c.frac * float64(time.Second)))
}

// Stamp returns the current time split into TOB row components.
func (c *SubClock) Stamp() Stamp {
	t := c.base
	return Stamp{
		Year:      t.Year(),
		DayOfYear: t.YearDay(),
		HourMin:   t.Hour()*100 + t.Minute(),
		Seconds:   float64(t.Second()) + c.fraction(),
	}
}
