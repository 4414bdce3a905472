// Package window cuts channels-last feature maps into square windows and
// puts them back. Every transform here is a pure reshape/permute: values are
// moved, never combined.
package window

import (
	"github.com/samcharles93/hisr/internal/tensor"
)

func checkGrid(op string, x *tensor.Tensor, ws int) (b, h, w, c int, err error) {
	if x.Rank() != 4 {
		return 0, 0, 0, 0, tensor.Shapef(op, "want [B, H, W, C], got %v", x.Shape)
	}
	if ws <= 0 {
		return 0, 0, 0, 0, tensor.Shapef(op, "window size %d", ws)
	}
	b, h, w, c = x.Shape[0], x.Shape[1], x.Shape[2], x.Shape[3]
	if h%ws != 0 || w%ws != 0 {
		return 0, 0, 0, 0, tensor.Shapef(op, "%dx%d not divisible by window %d (pad first)", h, w, ws)
	}
	return b, h, w, c, nil
}

// Count returns the number of windows per sample for an h×w map.
func Count(h, w, ws int) int {
	return (h / ws) * (w / ws)
}

// Partition splits [B, H, W, C] into [B*nW, ws, ws, C], windows ordered
// row-major within each sample.
func Partition(x *tensor.Tensor, ws int) (*tensor.Tensor, error) {
	b, h, w, c, err := checkGrid("window partition", x, ws)
	if err != nil {
		return nil, err
	}
	v := x.MustReshape(b, h/ws, ws, w/ws, ws, c)
	p := v.MustPermute(0, 1, 3, 2, 4, 5)
	return p.Reshape(-1, ws, ws, c)
}

// Reverse is the exact inverse of Partition for a map of size h×w.
func Reverse(windows *tensor.Tensor, ws, h, w int) (*tensor.Tensor, error) {
	if windows.Rank() != 4 || windows.Shape[1] != ws || windows.Shape[2] != ws {
		return nil, tensor.Shapef("window reverse", "want [B*nW, %d, %d, C], got %v", ws, ws, windows.Shape)
	}
	if ws <= 0 || h%ws != 0 || w%ws != 0 {
		return nil, tensor.Shapef("window reverse", "%dx%d not divisible by window %d", h, w, ws)
	}
	nw := Count(h, w, ws)
	if windows.Shape[0]%nw != 0 {
		return nil, tensor.Shapef("window reverse", "%d windows is not a multiple of %d per sample", windows.Shape[0], nw)
	}
	b, c := windows.Shape[0]/nw, windows.Shape[3]
	v := windows.MustReshape(b, h/ws, w/ws, ws, ws, c)
	p := v.MustPermute(0, 1, 3, 2, 4, 5)
	return p.Reshape(b, h, w, c)
}

// ChannelStack lays the windows of [B, H, W, C] side by side on the channel
// axis: [B, nW*C, ws, ws], window-major then channel.
func ChannelStack(x *tensor.Tensor, ws int) (*tensor.Tensor, error) {
	b, h, w, c, err := checkGrid("window channel stack", x, ws)
	if err != nil {
		return nil, err
	}
	v := x.MustReshape(b, h/ws, ws, w/ws, ws, c)
	p := v.MustPermute(0, 1, 3, 5, 2, 4)
	return p.Reshape(b, -1, ws, ws)
}

// ChannelUnstack inverts ChannelStack back to [B, H, W, C].
func ChannelUnstack(stacked *tensor.Tensor, ws, h, w int) (*tensor.Tensor, error) {
	if stacked.Rank() != 4 || stacked.Shape[2] != ws || stacked.Shape[3] != ws {
		return nil, tensor.Shapef("window channel unstack", "want [B, nW*C, %d, %d], got %v", ws, ws, stacked.Shape)
	}
	if ws <= 0 || h%ws != 0 || w%ws != 0 {
		return nil, tensor.Shapef("window channel unstack", "%dx%d not divisible by window %d", h, w, ws)
	}
	nw := Count(h, w, ws)
	if stacked.Shape[1]%nw != 0 {
		return nil, tensor.Shapef("window channel unstack", "%d channels is not a multiple of %d windows", stacked.Shape[1], nw)
	}
	b := stacked.Shape[0]
	v := stacked.MustReshape(b, h/ws, w/ws, -1, ws, ws)
	p := v.MustPermute(0, 1, 4, 2, 5, 3)
	return p.Reshape(b, h, w, -1)
}
