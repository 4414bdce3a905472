package safetensors

import (
	"encoding/binary"
	"errors"
	"math"
	"os"
	"path/filepath"
	"slices"
	"testing"

	"github.com/goccy/go-json"

	"github.com/samcharles93/hisr/internal/nn"
	"github.com/samcharles93/hisr/internal/tensor"
)

// writeRaw creates a safetensors file from a header and a data section.
func writeRaw(t *testing.T, path string, header map[string]any, data []byte) {
	t.Helper()
	headerBytes, err := json.Marshal(header)
	if err != nil {
		t.Fatalf("marshal header: %v", err)
	}
	var lenBuf [8]byte
	binary.LittleEndian.PutUint64(lenBuf[:], uint64(len(headerBytes)))
	buf := append(lenBuf[:], headerBytes...)
	buf = append(buf, data...)
	if err := os.WriteFile(path, buf, 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}
}

func entry(dtype string, shape []int, start, end int64) map[string]any {
	return map[string]any{"dtype": dtype, "shape": shape, "data_offsets": []int64{start, end}}
}

func openRaw(t *testing.T, header map[string]any, data []byte) *File {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.safetensors")
	writeRaw(t, path, header, data)
	f, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = f.Close() })
	return f
}

func TestOpenValidFile(t *testing.T) {
	t.Parallel()
	f := openRaw(t, map[string]any{"weight": entry("F32", []int{2, 3}, 0, 24)}, make([]byte, 24))
	if len(f.Tensors) != 1 {
		t.Fatalf("expected 1 tensor, got %d", len(f.Tensors))
	}
	info, ok := f.Tensor("weight")
	if !ok {
		t.Fatal("tensor 'weight' not found")
	}
	if info.DType != "F32" || !slices.Equal(info.Shape, []int{2, 3}) {
		t.Fatalf("unexpected info: %+v", info)
	}
	if !f.Has("weight") || f.Has("bias") {
		t.Fatal("Has disagrees with header")
	}
}

func TestOpenErrors(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	if _, err := Open(filepath.Join(dir, "missing.safetensors")); err == nil {
		t.Fatal("expected error for nonexistent file")
	}

	truncated := filepath.Join(dir, "truncated.safetensors")
	if err := os.WriteFile(truncated, []byte{0, 0, 0, 0}, 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}
	if _, err := Open(truncated); err == nil {
		t.Fatal("expected error for truncated file")
	}

	invalid := filepath.Join(dir, "invalid.safetensors")
	var lenBuf [8]byte
	binary.LittleEndian.PutUint64(lenBuf[:], 12)
	if err := os.WriteFile(invalid, append(lenBuf[:], "not valid js"...), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}
	if _, err := Open(invalid); err == nil {
		t.Fatal("expected error for invalid JSON header")
	}

	oversized := filepath.Join(dir, "oversized.safetensors")
	binary.LittleEndian.PutUint64(lenBuf[:], 1<<40)
	if err := os.WriteFile(oversized, append(lenBuf[:], "{}"...), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}
	if _, err := Open(oversized); err == nil {
		t.Fatal("expected error for header longer than file")
	}

	badOffsets := filepath.Join(dir, "bad_offsets.safetensors")
	writeRaw(t, badOffsets, map[string]any{
		"bad": map[string]any{"dtype": "F32", "shape": []int{1}, "data_offsets": []int64{0}},
	}, make([]byte, 4))
	if _, err := Open(badOffsets); err == nil {
		t.Fatal("expected error for invalid data_offsets")
	}
}

func TestMetadata(t *testing.T) {
	t.Parallel()
	f := openRaw(t, map[string]any{
		"__metadata__": map[string]string{"format": "pt"},
		"tensor1":      entry("F32", []int{4}, 0, 16),
	}, make([]byte, 16))
	if len(f.Tensors) != 1 {
		t.Fatalf("expected 1 tensor (metadata should be excluded), got %d", len(f.Tensors))
	}
	if f.Metadata["format"] != "pt" {
		t.Fatalf("metadata = %v", f.Metadata)
	}
}

func TestTensorNotFound(t *testing.T) {
	t.Parallel()
	f := openRaw(t, map[string]any{"a": entry("F32", []int{1}, 0, 4)}, make([]byte, 4))
	if _, ok := f.Tensor("nonexistent"); ok {
		t.Fatal("expected tensor not found")
	}
	if _, _, err := f.ReadTensor("nonexistent"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestReadTensorF32(t *testing.T) {
	t.Parallel()
	values := []float32{1.0, 2.0, 3.0, 4.0}
	data := make([]byte, 16)
	for i, v := range values {
		binary.LittleEndian.PutUint32(data[i*4:], math.Float32bits(v))
	}
	f := openRaw(t, map[string]any{"test": entry("F32", []int{4}, 0, 16)}, data)

	result, info, err := f.ReadTensorF32("test")
	if err != nil {
		t.Fatalf("ReadTensorF32: %v", err)
	}
	if info.DType != "F32" {
		t.Fatalf("expected F32, got %q", info.DType)
	}
	if !slices.Equal(result, values) {
		t.Fatalf("expected %v, got %v", values, result)
	}
}

func TestReadTensorHalfPrecision(t *testing.T) {
	t.Parallel()
	tests := []struct {
		dtype string
		bits  []uint16
		want  []float32
	}{
		{"BF16", []uint16{0x3F80, 0x4000, 0xBF80, 0x4040}, []float32{1, 2, -1, 3}},
		{"F16", []uint16{0x3C00, 0x4000, 0xBC00, 0x0000}, []float32{1, 2, -1, 0}},
	}
	for _, tc := range tests {
		data := make([]byte, 2*len(tc.bits))
		for i, b := range tc.bits {
			binary.LittleEndian.PutUint16(data[i*2:], b)
		}
		f := openRaw(t, map[string]any{"test": entry(tc.dtype, []int{len(tc.bits)}, 0, int64(len(data)))}, data)
		result, _, err := f.ReadTensorF32("test")
		if err != nil {
			t.Fatalf("%s: ReadTensorF32: %v", tc.dtype, err)
		}
		if !slices.Equal(result, tc.want) {
			t.Fatalf("%s: expected %v, got %v", tc.dtype, tc.want, result)
		}
	}
}

func TestF16Infinity(t *testing.T) {
	t.Parallel()
	data := []byte{0x00, 0x7C, 0x00, 0xFC}
	f := openRaw(t, map[string]any{"test": entry("F16", []int{2}, 0, 4)}, data)
	result, _, err := f.ReadTensorF32("test")
	if err != nil {
		t.Fatalf("ReadTensorF32: %v", err)
	}
	if !math.IsInf(float64(result[0]), 1) || !math.IsInf(float64(result[1]), -1) {
		t.Fatalf("expected +inf, -inf; got %v", result)
	}
}

func TestReadTensorRejectsBadData(t *testing.T) {
	t.Parallel()
	f := openRaw(t, map[string]any{
		"unsupported": entry("I32", []int{2}, 0, 8),
		"mismatch":    entry("F32", []int{4}, 0, 8),
		"inverted":    entry("F32", []int{2}, 8, 0),
		"beyond":      entry("F32", []int{4}, 8, 24),
	}, make([]byte, 8))
	for _, name := range []string{"unsupported", "mismatch", "inverted", "beyond"} {
		if _, _, err := f.ReadTensorF32(name); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}

func TestNumElements(t *testing.T) {
	t.Parallel()

	tests := []struct {
		shape    []int
		expected int
		wantErr  bool
	}{
		{[]int{2, 3}, 6, false},
		{[]int{1}, 1, false},
		{[]int{4, 5, 6}, 120, false},
		{[]int{}, 0, true},      // empty shape
		{[]int{0}, 0, true},     // zero dimension
		{[]int{-1}, 0, true},    // negative dimension
		{[]int{2, -1}, 0, true}, // negative dimension
	}

	for _, tc := range tests {
		n, err := numElements(tc.shape)
		if tc.wantErr {
			if err == nil {
				t.Errorf("numElements(%v): expected error", tc.shape)
			}
			continue
		}
		if err != nil {
			t.Errorf("numElements(%v): unexpected error: %v", tc.shape, err)
			continue
		}
		if n != tc.expected {
			t.Errorf("numElements(%v): expected %d, got %d", tc.shape, tc.expected, n)
		}
	}
}

func TestWriteRoundTrip(t *testing.T) {
	t.Parallel()
	w := tensor.New(2, 3)
	tensor.FillRand(w, 1, 1)
	b, err := tensor.FromData([]float32{0.5, -2}, 2)
	if err != nil {
		t.Fatal(err)
	}
	tensors := map[string]*tensor.Tensor{"proj.weight": w, "proj.bias": b}

	for _, dtype := range []DType{F32, F16} {
		path := filepath.Join(t.TempDir(), "out.safetensors")
		if err := Write(path, tensors, dtype, map[string]string{"format": "hisr"}); err != nil {
			t.Fatalf("%s: Write: %v", dtype, err)
		}
		f, err := Open(path)
		if err != nil {
			t.Fatalf("%s: Open: %v", dtype, err)
		}
		if f.DataStart%8 != 0 {
			t.Errorf("%s: data section starts at %d, want a multiple of 8", dtype, f.DataStart)
		}
		if got := f.Names(); !slices.Equal(got, []string{"proj.bias", "proj.weight"}) {
			t.Errorf("%s: names %v", dtype, got)
		}
		if f.Metadata["format"] != "hisr" {
			t.Errorf("%s: metadata %v", dtype, f.Metadata)
		}
		for name, want := range tensors {
			got, shape, err := f.LoadF32(name)
			if err != nil {
				t.Fatalf("%s: LoadF32(%s): %v", dtype, name, err)
			}
			if !slices.Equal(shape, want.Shape) {
				t.Errorf("%s: %s shape %v, want %v", dtype, name, shape, want.Shape)
			}
			tol := 0.0
			if dtype == F16 {
				tol = 1e-3
			}
			for i := range got {
				if math.Abs(float64(got[i]-want.Data[i])) > tol {
					t.Errorf("%s: %s[%d] = %f, want %f", dtype, name, i, got[i], want.Data[i])
				}
			}
		}
		if err := f.Close(); err != nil {
			t.Fatalf("Close: %v", err)
		}
		if err := f.Close(); err != nil {
			t.Fatalf("second Close: %v", err)
		}
	}
}

func TestWriteRejects(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "out.safetensors")
	one := tensor.New(1)
	if err := Write(path, map[string]*tensor.Tensor{"a": one}, "BF16", nil); err == nil {
		t.Fatal("expected error for BF16 output")
	}
	if err := Write(path, map[string]*tensor.Tensor{"__metadata__": one}, F32, nil); err == nil {
		t.Fatal("expected error for reserved name")
	}
}

func TestFileIsModuleSource(t *testing.T) {
	t.Parallel()
	src := nn.NewLinear(3, 2, true)
	nn.Init(src, 5)
	tensors := map[string]*tensor.Tensor{}
	for _, p := range src.Params("fc") {
		tensors[p.Name] = p.T
	}
	path := filepath.Join(t.TempDir(), "linear.safetensors")
	if err := Write(path, tensors, F32, nil); err != nil {
		t.Fatalf("Write: %v", err)
	}
	f, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer func() { _ = f.Close() }()

	dst := nn.NewLinear(3, 2, true)
	n, err := nn.Load(prefixed{dst, "fc"}, f, true)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if n != 2 {
		t.Fatalf("loaded %d params, want 2", n)
	}
	if !slices.Equal(dst.Weight.Data, src.Weight.Data) || !slices.Equal(dst.Bias.Data, src.Bias.Data) {
		t.Fatal("loaded parameters differ from the written ones")
	}
}

// prefixed mounts a module under a fixed name.
type prefixed struct {
	m    nn.Module
	name string
}

func (p prefixed) Params(prefix string) []nn.Param {
	return p.m.Params(nn.Join(prefix, p.name))
}
