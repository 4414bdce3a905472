package window

import (
	"github.com/samcharles93/hisr/internal/tensor"
)

// MaskFill is the additive score applied between tokens that came from
// different regions of the rolled map.
const MaskFill float32 = -100

// ShiftMask builds the additive attention mask [nW, ws*ws, ws*ws] for a map
// of size h×w rolled by -shift on both axes. Entry (w, i, j) is 0 when tokens
// i and j of window w belong to the same pre-roll region and MaskFill
// otherwise. A zero shift needs no mask and returns nil.
func ShiftMask(h, w, ws, shift int) (*tensor.Tensor, error) {
	if shift == 0 {
		return nil, nil
	}
	if shift < 0 || shift >= ws {
		return nil, tensor.Shapef("shift mask", "shift %d outside [0, %d)", shift, ws)
	}
	img := tensor.New(1, h, w, 1)
	for y := 0; y < h; y++ {
		ry := region(y, h, ws, shift)
		for x := 0; x < w; x++ {
			img.Data[y*w+x] = float32(ry*3 + region(x, w, ws, shift))
		}
	}
	wins, err := Partition(img, ws)
	if err != nil {
		return nil, err
	}
	nw, n := wins.Shape[0], ws*ws
	mask := tensor.New(nw, n, n)
	for win := 0; win < nw; win++ {
		ids := wins.Data[win*n : (win+1)*n]
		dst := mask.Data[win*n*n : (win+1)*n*n]
		for i := 0; i < n; i++ {
			for j := 0; j < n; j++ {
				if ids[j] != ids[i] {
					dst[i*n+j] = MaskFill
				}
			}
		}
	}
	return mask, nil
}

// region labels a coordinate by the slice it falls in: [0, n-ws),
// [n-ws, n-shift), [n-shift, n).
func region(i, n, ws, shift int) int {
	switch {
	case i < n-ws:
		return 0
	case i < n-shift:
		return 1
	default:
		return 2
	}
}
