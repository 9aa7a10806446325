package tools

import "time"

// FrameSamples is the number of interleaved samples that covers duration.
func FrameSamples(duration time.Duration, rate, channels int) int {
	if duration <= 0 || rate <= 0 || channels <= 0 {
		return 0
	}
	return int(duration * time.Duration(rate*channels) / time.Second)
}

// SamplesDuration is the playback length of n interleaved samples.
func SamplesDuration(n, rate, channels int) time.Duration {
	if rate <= 0 || channels <= 0 {
		return 0
	}
	return time.Duration(float64(n) / float64(rate*channels) * float64(time.Second))
}
