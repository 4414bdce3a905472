package window

import (
	"github.com/samcharles93/hisr/internal/tensor"
)

// PadAmount returns how many rows (or columns) must be appended to n to make
// it a multiple of ws.
func PadAmount(n, ws int) int {
	return (ws - n%ws) % ws
}

// PadFeatureMap zero-pads a token map [B, h*w, C] on the bottom and right so
// both sides are multiples of ws. It returns the padded map and its new
// height and width. Applying it to its own output pads nothing.
func PadFeatureMap(x *tensor.Tensor, h, w, ws int) (*tensor.Tensor, int, int, error) {
	if x.Rank() != 3 || x.Shape[1] != h*w {
		return nil, 0, 0, tensor.Shapef("pad feature map", "input %v is not [B, %d*%d, C]", x.Shape, h, w)
	}
	if ws <= 0 {
		return nil, 0, 0, tensor.Shapef("pad feature map", "window size %d", ws)
	}
	ph, pw := PadAmount(h, ws), PadAmount(w, ws)
	if ph == 0 && pw == 0 {
		return x, h, w, nil
	}
	b, c := x.Shape[0], x.Shape[2]
	grid := x.MustReshape(b, h, w, c)
	padded, err := tensor.PadBottomRight(grid, ph, pw)
	if err != nil {
		return nil, 0, 0, err
	}
	hp, wp := h+ph, w+pw
	out, err := padded.Reshape(b, hp*wp, c)
	return out, hp, wp, err
}
