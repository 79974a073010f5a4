package helpers

import "time"

// IntSecondDefault converts config seconds, 0 means def.
func IntSecondDefault(x int, def time.Duration) time.Duration {
	return intUnitDefault(x, time.Second, def)
}

// IntMillisecondDefault converts config milliseconds, 0 means def.
func IntMillisecondDefault(x int, def time.Duration) time.Duration {
	return intUnitDefault(x, time.Millisecond, def)
}

func intUnitDefault(x int, unit, def time.Duration) time.Duration {
	if x == 0 {
		return def
	}
	return time.Duration(x) * unit
}
