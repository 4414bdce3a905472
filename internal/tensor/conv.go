package tensor

// ConvParams fixes the geometry of a 2-D convolution.
type ConvParams struct {
	Stride  int
	Padding int
	Groups  int
}

// ConvOutSize returns the output extent of one spatial axis.
func ConvOutSize(in, k, stride, padding int) int {
	return (in+2*padding-k)/stride + 1
}

// Conv2D computes a grouped 2-D cross-correlation.
//
//	x:      [N, Cin, H, W]
//	weight: [Cout, Cin/Groups, KH, KW]
//	bias:   nil or [Cout]
//
// Output channel o reads only the Cin/Groups input channels of its group, so
// Groups == Cin == Cout is a depthwise convolution.
func Conv2D(x, weight *Tensor, bias []float32, p ConvParams) (*Tensor, error) {
	if x.Rank() != 4 || weight.Rank() != 4 {
		return nil, Shapef("conv2d", "want rank-4 input and weight, got %v and %v", x.Shape, weight.Shape)
	}
	if p.Stride <= 0 {
		p.Stride = 1
	}
	if p.Groups <= 0 {
		p.Groups = 1
	}
	n, cin, h, w := x.Shape[0], x.Shape[1], x.Shape[2], x.Shape[3]
	cout, cpg, kh, kw := weight.Shape[0], weight.Shape[1], weight.Shape[2], weight.Shape[3]
	if cin%p.Groups != 0 || cout%p.Groups != 0 {
		return nil, Shapef("conv2d", "channels in=%d out=%d not divisible by groups=%d", cin, cout, p.Groups)
	}
	if cpg != cin/p.Groups {
		return nil, Shapef("conv2d", "weight %v expects %d input channels per group, input has %d", weight.Shape, cpg, cin/p.Groups)
	}
	if bias != nil && len(bias) != cout {
		return nil, Shapef("conv2d", "bias length %d for %d output channels", len(bias), cout)
	}
	oh := ConvOutSize(h, kh, p.Stride, p.Padding)
	ow := ConvOutSize(w, kw, p.Stride, p.Padding)
	if oh <= 0 || ow <= 0 {
		return nil, Shapef("conv2d", "kernel %dx%d larger than padded input %dx%d", kh, kw, h+2*p.Padding, w+2*p.Padding)
	}
	out := New(n, cout, oh, ow)
	opg := cout / p.Groups
	for b := 0; b < n; b++ {
		for o := 0; o < cout; o++ {
			g := o / opg
			dst := out.Data[(b*cout+o)*oh*ow : (b*cout+o+1)*oh*ow]
			if bias != nil {
				for i := range dst {
					dst[i] = bias[o]
				}
			}
			for ci := 0; ci < cpg; ci++ {
				src := x.Data[(b*cin+g*cpg+ci)*h*w : (b*cin+g*cpg+ci+1)*h*w]
				k := weight.Data[(o*cpg+ci)*kh*kw : (o*cpg+ci+1)*kh*kw]
				conv2DPlane(dst, src, k, h, w, kh, kw, oh, ow, p.Stride, p.Padding)
			}
		}
	}
	return out, nil
}

// conv2DPlane accumulates one input plane convolved with one filter into dst.
func conv2DPlane(dst, src, k []float32, h, w, kh, kw, oh, ow, stride, padding int) {
	for y := 0; y < oh; y++ {
		iy0 := y*stride - padding
		for x := 0; x < ow; x++ {
			ix0 := x*stride - padding
			var sum float32
			for ky := 0; ky < kh; ky++ {
				iy := iy0 + ky
				if iy < 0 || iy >= h {
					continue
				}
				row := src[iy*w:]
				krow := k[ky*kw:]
				for kx := 0; kx < kw; kx++ {
					ix := ix0 + kx
					if ix < 0 || ix >= w {
						continue
					}
					sum += row[ix] * krow[kx]
				}
			}
			dst[y*ow+x] += sum
		}
	}
}

// AdaptiveAvgPool2D average-pools [N, C, H, W] to [N, C, oh, ow]. Bin i along
// an axis of length n covers [floor(i*n/o), ceil((i+1)*n/o)), so bins may
// overlap when n is not a multiple of o.
func AdaptiveAvgPool2D(x *Tensor, oh, ow int) (*Tensor, error) {
	if x.Rank() != 4 {
		return nil, Shapef("adaptive avg pool", "want rank-4 input, got %v", x.Shape)
	}
	if oh <= 0 || ow <= 0 {
		return nil, Shapef("adaptive avg pool", "output size %dx%d", oh, ow)
	}
	n, c, h, w := x.Shape[0], x.Shape[1], x.Shape[2], x.Shape[3]
	if h == 0 || w == 0 {
		return nil, Shapef("adaptive avg pool", "empty spatial extent %dx%d", h, w)
	}
	out := New(n, c, oh, ow)
	for p := 0; p < n*c; p++ {
		src := x.Data[p*h*w : (p+1)*h*w]
		dst := out.Data[p*oh*ow : (p+1)*oh*ow]
		for i := 0; i < oh; i++ {
			y0, y1 := binStart(i, h, oh), binEnd(i, h, oh)
			for j := 0; j < ow; j++ {
				x0, x1 := binStart(j, w, ow), binEnd(j, w, ow)
				var sum float32
				for y := y0; y < y1; y++ {
					for xx := x0; xx < x1; xx++ {
						sum += src[y*w+xx]
					}
				}
				dst[i*ow+j] = sum / float32((y1-y0)*(x1-x0))
			}
		}
	}
	return out, nil
}

func binStart(i, in, out int) int {
	return (i * in) / out
}

func binEnd(i, in, out int) int {
	return ((i+1)*in + out - 1) / out
}
