package processor

import (
	"math"
	"sort"

	"vidproc/config"
	"vidproc/store"
)

// evenWidth scales height to the source aspect ratio and rounds up to an
// even number of pixels.
func evenWidth(height, srcWidth, srcHeight int) int {
	if srcHeight <= 0 {
		return 0
	}
	w := math.Ceil(float64(height) * float64(srcWidth) / float64(srcHeight))
	return int(math.Ceil(w/2) * 2)
}

// Plan returns the steps for every rung not taller than the source, lowest
// first.
func Plan(ladder []config.Rung, srcWidth, srcHeight int) []store.ProcessingStep {
	rungs := append([]config.Rung(nil), ladder...)
	sort.SliceStable(rungs, func(i, j int) bool { return rungs[i].Height < rungs[j].Height })

	var steps []store.ProcessingStep
	for _, r := range rungs {
		if r.Height > srcHeight {
			continue
		}
		steps = append(steps, store.ProcessingStep{
			Width:   evenWidth(r.Height, srcWidth, srcHeight),
			Height:  r.Height,
			Label:   r.Label,
			Bitrate: r.Bitrate,
		})
	}
	return steps
}

// previewWindow picks the clip start and length. A clip that would run past
// the end starts at zero instead.
func previewWindow(duration, startFraction, maxLength float64) (start, length float64) {
	start = duration * startFraction
	length = math.Min(duration, maxLength)
	if duration-start < maxLength {
		start = 0
	}
	return start, length
}
