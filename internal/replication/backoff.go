package replication

import "time"

const backoffJitter = 0.2

// backoffDelay doubles from min per failed attempt up to max, then spreads
// the result by +/-20% using sample in [0,1].
func backoffDelay(attempt int, min, max time.Duration, sample float64) time.Duration {
	if min <= 0 {
		min = time.Second
	}
	if max < min {
		max = min
	}
	delay := min
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= max {
			delay = max
			break
		}
	}
	return jitter(delay, sample)
}

func jitter(base time.Duration, sample float64) time.Duration {
	if sample < 0 {
		sample = 0
	} else if sample > 1 {
		sample = 1
	}
	factor := 1 + ((sample*2)-1)*backoffJitter
	delay := time.Duration(float64(base) * factor)
	if delay < time.Millisecond {
		return time.Millisecond
	}
	return delay
}
