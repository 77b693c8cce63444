package convert

import (
	"fmt"

	"github.com/bryanchriswhite/FrameGrab/internal/frame"
)

const (
	red = iota
	green
	blue
)

// cfa patterns for the top-left 2x2 cell, indexed [y&1][x&1]
var cfa = map[frame.BayerPhase][2][2]int{
	frame.PhaseGR: {{green, red}, {blue, green}},
	frame.PhaseRG: {{red, green}, {green, blue}},
	frame.PhaseGB: {{green, blue}, {red, green}},
	frame.PhaseBG: {{blue, green}, {green, red}},
}

// BilinearDemosaicer fills each missing channel with the mean of the
// same-colored samples in the surrounding 3x3 window. Edges use whatever
// neighbors exist.
type BilinearDemosaicer struct{}

// Demosaic implements Demosaicer
func (BilinearDemosaicer) Demosaic(dst, src []byte, width, height int, phase frame.BayerPhase) error {
	pattern, ok := cfa[phase]
	if !ok {
		return fmt.Errorf("%w: bayer phase %s", ErrUnsupportedFormat, phase)
	}
	if len(src) < width*height || len(dst) < width*height*3 {
		return ErrShortBuffer
	}

	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			var sum [3]int
			var n [3]int

			for dy := -1; dy <= 1; dy++ {
				yy := y + dy
				if yy < 0 || yy >= height {
					continue
				}
				for dx := -1; dx <= 1; dx++ {
					xx := x + dx
					if xx < 0 || xx >= width {
						continue
					}
					c := pattern[yy&1][xx&1]
					sum[c] += int(src[yy*width+xx])
					n[c]++
				}
			}

			o := (y*width + x) * 3
			own := pattern[y&1][x&1]
			for c := 0; c < 3; c++ {
				switch {
				case c == own:
					dst[o+c] = src[y*width+x]
				case n[c] > 0:
					dst[o+c] = uint8(sum[c] / n[c])
				default:
					dst[o+c] = 0
				}
			}
		}
	}

	return nil
}
