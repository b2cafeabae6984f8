package automation

import (
	"math"
	"time"

	"kc868-go-home/internal/hal"
	"kc868-go-home/internal/sensors"
)

// Equal-condition tolerances.
const (
	temperatureTolerance = 0.5
	humidityTolerance    = 2.0
	analogTolerance      = 50
)

// windowSeconds is how long after the start of a minute a time schedule may fire.
const windowSeconds = 5

// Snapshot is the system state one evaluation pass looks at.
type Snapshot struct {
	Inputs      uint32 // hal.InputMask layout
	Time        time.Time
	SensorTypes [hal.NumDirectInputs]sensors.Type
	Temperature [hal.NumDirectInputs]float64
	Humidity    [hal.NumDirectInputs]float64
	Analog      [hal.NumAnalog]int
}

// matchDayTime reports whether t falls on one of days at hour:minute.
func matchDayTime(days, hour, minute uint8, t time.Time) bool {
	if days&(1<<uint(t.Weekday())) == 0 {
		return false
	}
	return t.Hour() == int(hour) && t.Minute() == int(minute)
}

// inTimeWindow reports whether t is within the firing window of its minute.
func inTimeWindow(t time.Time) bool {
	return t.Second() < windowSeconds
}

// evalInputs compares the masked bits of current against desired. high and
// low collect the masked bits that are currently set and clear.
func evalInputs(mask, desired, current uint32, logic Logic) (match bool, high, low uint32) {
	mask &= 1<<hal.InputBits - 1
	high = mask & current
	low = mask &^ current
	agree := ^(desired ^ current) & mask
	if logic == LogicOr {
		return agree != 0, high, low
	}
	return mask != 0 && agree == mask, high, low
}

// evalSensor evaluates a sensor schedule. ok is false when the schedule
// cannot be evaluated against this sensor.
func evalSensor(s *Schedule, snap *Snapshot) (match, ok bool) {
	idx := int(s.SensorIndex)
	if idx >= hal.NumDirectInputs {
		return false, false
	}
	typ := snap.SensorTypes[idx]
	if typ == sensors.Digital {
		return false, false
	}
	switch s.SensorTrigger {
	case SensorTemperature:
		return compareFloat(snap.Temperature[idx], s.SensorThreshold, s.SensorCondition, temperatureTolerance), true
	case SensorHumidity:
		if !typ.HasHumidity() {
			return false, false
		}
		return compareFloat(snap.Humidity[idx], s.SensorThreshold, s.SensorCondition, humidityTolerance), true
	}
	return false, false
}

// evalAnalog evaluates an analog trigger against the snapshot.
func evalAnalog(a *AnalogTrigger, snap *Snapshot) bool {
	if int(a.AnalogInput) >= hal.NumAnalog {
		return false
	}
	v := snap.Analog[a.AnalogInput]
	t := int(a.Threshold)
	switch a.Condition {
	case CondAbove:
		return v > t
	case CondBelow:
		return v < t
	case CondEqual:
		d := v - t
		if d < 0 {
			d = -d
		}
		return d < analogTolerance
	}
	return false
}

func compareFloat(v, threshold float64, c Condition, tolerance float64) bool {
	switch c {
	case CondAbove:
		return v > threshold
	case CondBelow:
		return v < threshold
	case CondEqual:
		return math.Abs(v-threshold) < tolerance
	}
	return false
}
