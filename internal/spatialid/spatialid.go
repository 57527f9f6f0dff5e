// Package spatialid derives geometry fingerprints for network assets.
package spatialid

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/jaketajohnson/Attributor/internal/models"
)

// coordDigits is the minimum digit count the extraction offsets assume.
// Shorter integer parts are left-padded with zeros so the token shape stays
// fixed for any coordinate magnitude.
const coordDigits = 6

// maxMagnitude guards the float-to-int truncation. Projected coordinates are
// nowhere near this; anything beyond it is treated as malformed.
const maxMagnitude = 1e15

// Point derives the spatial identifier for a point location.
//
// Each coordinate is truncated toward zero, rendered as the decimal digits of
// its absolute value and left-padded to six digits. The token interleaves
// digit groups from both axes: X[2:4] Y[2:4] "-" X[4] Y[4] "-" X[last 2]
// Y[last 2]. Example: (123456.7, 987654.3) -> "3476-55-5654".
func Point(x, y float64) (string, error) {
	xd, err := digits(x)
	if err != nil {
		return "", err
	}
	yd, err := digits(y)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	b.WriteString(xd[2:4])
	b.WriteString(yd[2:4])
	b.WriteByte('-')
	b.WriteString(xd[4:5])
	b.WriteString(yd[4:5])
	b.WriteByte('-')
	b.WriteString(xd[len(xd)-2:])
	b.WriteString(yd[len(yd)-2:])
	return b.String(), nil
}

// Line joins the two endpoint tokens of a line asset into its identifier.
func Line(startToken, endToken string) string {
	return startToken + "_" + endToken
}

func digits(v float64) (string, error) {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return "", fmt.Errorf("coordinate %v: %w", v, models.ErrMalformedGeometry)
	}
	abs := math.Abs(math.Trunc(v))
	if abs >= maxMagnitude {
		return "", fmt.Errorf("coordinate %v out of range: %w", v, models.ErrMalformedGeometry)
	}

	d := strconv.FormatInt(int64(abs), 10)
	if len(d) < coordDigits {
		d = strings.Repeat("0", coordDigits-len(d)) + d
	}
	return d, nil
}
