package main

import (
	"math"
	"time"
)

// GrabStats summarizes the frame cadence seen by the consumer.
type GrabStats struct {
	Frames    int
	Duration  time.Duration
	FPSMean   float64
	FPSStdDev float64
	FPSMin    float64
	FPSMax    float64
	// SeqGaps counts frames the provider published but this consumer never saw.
	SeqGaps  uint64
	IsStable bool
}

// computeStats derives cadence statistics from producer timestamps and
// sequence numbers, in grab order.
func computeStats(stamps []time.Time, seqs []uint64, total time.Duration) GrabStats {
	n := len(stamps)
	st := GrabStats{Frames: n, Duration: total}
	if n == 0 || total <= 0 {
		return st
	}
	st.FPSMean = float64(n) / total.Seconds()

	for i := 1; i < len(seqs); i++ {
		if seqs[i] > seqs[i-1]+1 {
			st.SeqGaps += seqs[i] - seqs[i-1] - 1
		}
	}

	var inst []float64
	for i := 1; i < n; i++ {
		if d := stamps[i].Sub(stamps[i-1]).Seconds(); d > 0 {
			inst = append(inst, 1/d)
		}
	}
	if len(inst) == 0 {
		return st
	}

	st.FPSMin, st.FPSMax = inst[0], inst[0]
	var sumSquares float64
	for _, fps := range inst {
		st.FPSMin = math.Min(st.FPSMin, fps)
		st.FPSMax = math.Max(st.FPSMax, fps)
		diff := fps - st.FPSMean
		sumSquares += diff * diff
	}
	st.FPSStdDev = math.Sqrt(sumSquares / float64(len(inst)))

	// Stable if stddev < 15% of mean.
	st.IsStable = st.FPSStdDev < st.FPSMean*0.15
	return st
}
