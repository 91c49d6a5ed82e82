package controller

import "github.com/chewxy/math32"

// Antoine coefficients for water between 255 K and 379 K, pressure in bar.
const (
	antoineA = 4.6543
	antoineB = 1435.264
	antoineC = -64.848

	molarMassWater = 18.01528         // g/mol
	gasConstant    = 8.31446261815324 // J/(mol·K)
	pascalPerBar   = 1e5
)

// AbsHumidity returns the absolute humidity in g/m³ of air at tempC degrees
// Celsius and rh percent relative humidity.
func AbsHumidity(tempC, rh float32) float32 {
	kelvin := tempC + 273.15
	saturation := math32.Pow(10, antoineA-antoineB/(kelvin+antoineC))
	partial := pascalPerBar * saturation * rh / 100
	return molarMassWater * partial / kelvin / gasConstant
}
