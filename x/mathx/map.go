package mathx

import "golang.org/x/exp/constraints"

// MapRange maps x from [inMin,inMax] to [outMin,outMax] linearly, without
// clamping: inputs outside the source range extrapolate. Used for converting
// raw transducer counts to physical units.
func MapRange[T constraints.Float](x, inMin, inMax, outMin, outMax T) T {
	if inMax == inMin {
		return outMin
	}
	return outMin + (x-inMin)*(outMax-outMin)/(inMax-inMin)
}
