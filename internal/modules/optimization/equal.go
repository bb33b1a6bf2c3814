package optimization

import "github.com/billmoling/allocator/internal/domain"

// EqualWeights assigns each signal Direction/N, where N counts the non-Flat signals.
// Flat signals get 0; when every signal is Flat all weights are 0.
func EqualWeights(signals map[string]domain.Signal) map[string]float64 {
	directional := 0
	for _, s := range signals {
		if s.Direction != domain.DirectionFlat {
			directional++
		}
	}

	weights := make(map[string]float64, len(signals))
	for symbol, s := range signals {
		if directional == 0 {
			weights[symbol] = 0
			continue
		}
		weights[symbol] = s.Direction.Sign() / float64(directional)
	}
	return weights
}
