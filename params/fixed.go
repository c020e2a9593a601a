package params

import "math"

// FracBits is the number of fractional bits of the SDO fixed-point format.
const FracBits = 5

// Fixed is a signed value scaled by 2^FracBits.
type Fixed int32

// FixedFromFloat rounds v to the nearest representable fixed-point value.
func FixedFromFloat(v float32) Fixed {
	return Fixed(math.Round(float64(v) * (1 << FracBits)))
}

// FixedFromInt converts a whole number.
func FixedFromInt(v int32) Fixed {
	return Fixed(v << FracBits)
}

func (f Fixed) Float() float32 {
	return float32(f) / (1 << FracBits)
}
