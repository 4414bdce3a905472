package tensor

// PadBottomRight zero-pads the spatial axes of a channels-last [B, H, W, C]
// tensor to [B, H+padH, W+padW, C]. Existing values keep their coordinates.
func PadBottomRight(x *Tensor, padH, padW int) (*Tensor, error) {
	if x.Rank() != 4 {
		return nil, Shapef("pad", "want [B, H, W, C], got %v", x.Shape)
	}
	if padH < 0 || padW < 0 {
		return nil, Shapef("pad", "negative padding %d,%d", padH, padW)
	}
	if padH == 0 && padW == 0 {
		return x.Clone(), nil
	}
	b, h, w, c := x.Shape[0], x.Shape[1], x.Shape[2], x.Shape[3]
	hp, wp := h+padH, w+padW
	out := New(b, hp, wp, c)
	for n := 0; n < b; n++ {
		for y := 0; y < h; y++ {
			src := x.Data[((n*h+y)*w)*c : ((n*h+y)*w+w)*c]
			copy(out.Data[((n*hp+y)*wp)*c:], src)
		}
	}
	return out, nil
}

// CropTopLeft keeps the first h rows and w columns of a [B, H, W, C] tensor.
func CropTopLeft(x *Tensor, h, w int) (*Tensor, error) {
	if x.Rank() != 4 || h > x.Shape[1] || w > x.Shape[2] || h < 0 || w < 0 {
		return nil, Shapef("crop", "cannot crop %v to %dx%d", x.Shape, h, w)
	}
	b, hs, ws, c := x.Shape[0], x.Shape[1], x.Shape[2], x.Shape[3]
	if h == hs && w == ws {
		return x.Clone(), nil
	}
	out := New(b, h, w, c)
	for n := 0; n < b; n++ {
		for y := 0; y < h; y++ {
			copy(out.Data[((n*h+y)*w)*c:((n*h+y)*w+w)*c], x.Data[((n*hs+y)*ws)*c:])
		}
	}
	return out, nil
}

// Roll cyclically shifts a [B, H, W, C] tensor by (dy, dx) along H and W,
// matching torch.roll: out[y][x] = in[(y-dy) mod H][(x-dx) mod W].
func Roll(x *Tensor, dy, dx int) (*Tensor, error) {
	if x.Rank() != 4 {
		return nil, Shapef("roll", "want [B, H, W, C], got %v", x.Shape)
	}
	b, h, w, c := x.Shape[0], x.Shape[1], x.Shape[2], x.Shape[3]
	out := New(b, h, w, c)
	if h == 0 || w == 0 {
		return out, nil
	}
	for n := 0; n < b; n++ {
		for y := 0; y < h; y++ {
			sy := mod(y-dy, h)
			for xx := 0; xx < w; xx++ {
				sx := mod(xx-dx, w)
				copy(out.Data[((n*h+y)*w+xx)*c:((n*h+y)*w+xx+1)*c], x.Data[((n*h+sy)*w+sx)*c:])
			}
		}
	}
	return out, nil
}

func mod(a, m int) int {
	r := a % m
	if r < 0 {
		r += m
	}
	return r
}
