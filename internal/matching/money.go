package matching

import "github.com/shopspring/decimal"

// round4 rounds a money value to 4 decimal places via decimal arithmetic.
// Commission goes through here; fill prices are not rounded.
func round4(v float64) float64 {
	d := decimal.NewFromFloat(v).Round(4)
	f, _ := d.Float64()
	return f
}
