package presence

import (
	"fmt"
	"unicode/utf16"
)

const (
	colorSaturation = 70
	colorLightness  = 50
)

// Color is an HSL display color.
type Color struct {
	Hue        int
	Saturation int
	Lightness  int
}

// String renders c as a CSS color.
func (c Color) String() string {
	return fmt.Sprintf("hsl(%d, %d%%, %d%%)", c.Hue, c.Saturation, c.Lightness)
}

// ColorFor maps a user id to a stable color. The hash folds UTF-16 code
// units into a wrapping int32 so every client computes the same hue.
func ColorFor(userID string) Color {
	var hash int32
	for _, unit := range utf16.Encode([]rune(userID)) {
		hash = int32(unit) + ((hash << 5) - hash)
	}
	return Color{
		Hue:        hueOf(hash),
		Saturation: colorSaturation,
		Lightness:  colorLightness,
	}
}

// hueOf keeps the result in [0, 360) for negative hashes too.
func hueOf(hash int32) int {
	return ((int(hash) % 360) + 360) % 360
}
