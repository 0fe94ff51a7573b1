package core

// shouldSample thins the motion-positive substream: for the Nth
// motion frame and rate k, exactly floor(N/k) frames pass. Rate 1
// passes every motion frame.
func shouldSample(motionCount uint64, rate int) bool {
	if rate <= 1 {
		return true
	}
	return motionCount%uint64(rate) == 0
}
