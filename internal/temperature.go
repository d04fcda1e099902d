package homehub

import "math"

// Vendor clouds report Celsius, the hub surfaces Fahrenheit.

func CelsiusToFahrenheit(c float64) float64 {
	return c*9/5 + 32
}

func FahrenheitToCelsius(f float64) float64 {
	return (f - 32) * 5 / 9
}

// RoundToHalf rounds to the nearest 0.5, the granularity the Nest and
// Sensibo setpoint APIs accept.
func RoundToHalf(v float64) float64 {
	return math.Round(v*2) / 2
}
