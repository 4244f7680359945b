package nmea

import (
	"fmt"
	"strconv"
	"strings"
)

// ConvertCoordinate renders an NMEA ddmm.mmmm (or dddmm.mmmm) coordinate and
// its hemisphere letter as signed decimal degrees, for the status surface.
// South and west are negative. Returns "" when the field does not parse.
func ConvertCoordinate(source string, hemisphere byte) string {
	source = strings.TrimSpace(source)
	if source == "" {
		return ""
	}
	dot := strings.IndexByte(source, '.')
	intPart := source
	if dot >= 0 {
		intPart = source[:dot]
	}
	if len(intPart) < 3 {
		return ""
	}
	deg, err := strconv.Atoi(intPart[:len(intPart)-2])
	if err != nil {
		return ""
	}
	minutes, err := strconv.ParseFloat(source[len(intPart)-2:], 64)
	if err != nil {
		return ""
	}
	value := float64(deg) + minutes/60.0
	if hemisphere == 'S' || hemisphere == 'W' {
		value = -value
	}
	return fmt.Sprintf("%f", value)
}
