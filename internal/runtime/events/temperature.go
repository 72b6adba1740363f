package events

import (
	"fmt"
	"time"
)

// ReadingSource records where a sensor reading was produced.
type ReadingSource int

const (
	SourceNone ReadingSource = iota
	SourceDevice
	SourceCloud
)

func (s ReadingSource) String() string {
	switch s {
	case SourceNone:
		return "none"
	case SourceDevice:
		return "device"
	case SourceCloud:
		return "cloud"
	default:
		return fmt.Sprintf("source(%d)", int(s))
	}
}

// Thresholds are the alert limits in degrees Celsius.
type Thresholds struct {
	Critical float64 `json:"critical" toml:"critical"`
	Upper    float64 `json:"upper" toml:"upper"`
	Lower    float64 `json:"lower" toml:"lower"`
}

// DefaultThresholds returns the factory alert limits.
func DefaultThresholds() Thresholds {
	return Thresholds{Critical: 32, Upper: 28, Lower: 24}
}

// SensorReading is a single temperature sample with its evaluated alert state.
type SensorReading struct {
	TimestampUTC          time.Time     `json:"timestampUtc"`
	Source                ReadingSource `json:"source"`
	Temperature           float64       `json:"temperature"`
	IsCritical            bool          `json:"isCritical"`
	IsAboveUpperThreshold bool          `json:"isAboveUpperThreshold"`
	IsBelowLowerThreshold bool          `json:"isBelowLowerThreshold"`
	CriticalThreshold     float64       `json:"criticalThreshold"`
	UpperThreshold        float64       `json:"upperThreshold"`
	LowerThreshold        float64       `json:"lowerThreshold"`
}

// NewSensorReading builds a reading and evaluates it against th.
func NewSensorReading(temperature float64, source ReadingSource, at time.Time, th Thresholds) SensorReading {
	r := SensorReading{
		TimestampUTC: at.UTC(),
		Source:       source,
		Temperature:  temperature,
	}
	r.Evaluate(th)
	return r
}

// Evaluate records th on the reading and recomputes the alert flags.
func (r *SensorReading) Evaluate(th Thresholds) {
	r.CriticalThreshold = th.Critical
	r.UpperThreshold = th.Upper
	r.LowerThreshold = th.Lower
	r.IsCritical = r.Temperature >= th.Critical
	r.IsAboveUpperThreshold = r.Temperature > th.Upper
	r.IsBelowLowerThreshold = r.Temperature < th.Lower
}

// ChangedFrom reports whether r differs from prev in any published field.
// A nil prev always counts as a change.
func (r SensorReading) ChangedFrom(prev *SensorReading) bool {
	if prev == nil {
		return true
	}
	return r.Temperature != prev.Temperature ||
		r.IsCritical != prev.IsCritical ||
		r.IsAboveUpperThreshold != prev.IsAboveUpperThreshold ||
		r.IsBelowLowerThreshold != prev.IsBelowLowerThreshold ||
		r.CriticalThreshold != prev.CriticalThreshold ||
		r.UpperThreshold != prev.UpperThreshold ||
		r.LowerThreshold != prev.LowerThreshold
}

// AlertActive reports whether any alert condition holds.
func (r SensorReading) AlertActive() bool {
	return r.IsCritical || r.IsAboveUpperThreshold || r.IsBelowLowerThreshold
}

// TemperatureChangedEvent announces a new sensor reading.
type TemperatureChangedEvent struct {
	Header
	SensorReading SensorReading `json:"sensorReading"`
}

// NewTemperatureChangedEvent wraps reading in a locally originated event.
func NewTemperatureChangedEvent(reading SensorReading) *TemperatureChangedEvent {
	return &TemperatureChangedEvent{Header: newHeader(), SensorReading: reading}
}

func (*TemperatureChangedEvent) Kind() Kind { return KindTemperatureChanged }

func (*TemperatureChangedEvent) sealed() {}
