package pipeline

import "time"

// DefaultDelayHorizon is the number of clips of production deficit the output
// stage is given as head start.
const DefaultDelayHorizon = 4

// CalculateDelay returns how long output emission should still be held so
// that playback does not overtake production.
//
// A clip takes avgProcessing to produce and secondsPerFrame*clipSize to play.
// When production is slower, playback loses the difference on every clip, so
// it needs horizon clips worth of that deficit as a head start, measured from
// the start of the run. Whatever already elapsed counts towards it. The
// result is never negative.
func CalculateDelay(avgProcessing, secondsPerFrame time.Duration, clipSize, horizon int, elapsed time.Duration) time.Duration {
	if horizon < 1 {
		horizon = 1
	}

	deficit := avgProcessing - secondsPerFrame*time.Duration(clipSize)
	if deficit < 0 {
		deficit = 0
	}

	delay := deficit*time.Duration(horizon) - elapsed
	if delay < 0 {
		return 0
	}
	return delay
}
