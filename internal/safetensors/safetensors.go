// Package safetensors reads and writes checkpoint files in the safetensors
// layout: an 8-byte little-endian header length, a JSON header mapping tensor
// names to dtype, shape and data offsets, then the raw tensor bytes.
package safetensors

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"slices"

	"github.com/d4l3k/go-bfloat16"
	"github.com/goccy/go-json"
	"github.com/x448/float16"
	"golang.org/x/sys/unix"
)

// ErrNotFound is returned when a tensor name is not in the header.
var ErrNotFound = errors.New("tensor not found")

// maxHeaderLen bounds the JSON header so a corrupt length cannot force a
// huge allocation.
const maxHeaderLen = 100 << 20

type TensorInfo struct {
	DType string
	Shape []int
	Start int64
	End   int64
}

type File struct {
	Path      string
	DataStart int64
	Tensors   map[string]TensorInfo
	Metadata  map[string]string

	data    []byte
	mmapped bool
}

type tensorHeader struct {
	DType       string  `json:"dtype"`
	Shape       []int   `json:"shape"`
	DataOffsets []int64 `json:"data_offsets"`
}

// Open parses the header of path and maps the file read-only. When mmap is
// unavailable tensors are read with ReadAt on demand.
func Open(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	stat, err := f.Stat()
	if err != nil {
		return nil, err
	}
	headerLen, err := readU64(f)
	if err != nil {
		return nil, fmt.Errorf("read header length: %w", err)
	}
	if headerLen > maxHeaderLen || int64(headerLen)+8 > stat.Size() {
		return nil, fmt.Errorf("header length %d exceeds file size %d", headerLen, stat.Size())
	}
	headerBytes := make([]byte, headerLen)
	if _, err := io.ReadFull(f, headerBytes); err != nil {
		return nil, err
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(headerBytes, &raw); err != nil {
		return nil, fmt.Errorf("parse header: %w", err)
	}

	sf := &File{
		Path:      path,
		DataStart: int64(8 + headerLen),
		Tensors:   make(map[string]TensorInfo, len(raw)),
	}
	if meta, ok := raw["__metadata__"]; ok {
		if err := json.Unmarshal(meta, &sf.Metadata); err != nil {
			return nil, fmt.Errorf("parse metadata: %w", err)
		}
		delete(raw, "__metadata__")
	}
	for name, msg := range raw {
		var th tensorHeader
		if err := json.Unmarshal(msg, &th); err != nil {
			return nil, fmt.Errorf("parse tensor %s: %w", name, err)
		}
		if len(th.DataOffsets) != 2 {
			return nil, fmt.Errorf("tensor %s: invalid data_offsets", name)
		}
		sf.Tensors[name] = TensorInfo{
			DType: th.DType,
			Shape: th.Shape,
			Start: th.DataOffsets[0],
			End:   th.DataOffsets[1],
		}
	}

	if size := stat.Size(); size > 0 && size <= int64(int(^uint(0)>>1)) {
		data, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ, unix.MAP_SHARED)
		if err == nil {
			sf.data, sf.mmapped = data, true
		}
	}
	return sf, nil
}

// Close releases the mapping, if any.
func (f *File) Close() error {
	if f == nil || !f.mmapped {
		return nil
	}
	err := unix.Munmap(f.data)
	f.data, f.mmapped = nil, false
	return err
}

// Names returns the tensor names in sorted order.
func (f *File) Names() []string {
	names := make([]string, 0, len(f.Tensors))
	for name := range f.Tensors {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

func (f *File) Tensor(name string) (TensorInfo, bool) {
	t, ok := f.Tensors[name]
	return t, ok
}

// Has reports whether the file holds a tensor called name.
func (f *File) Has(name string) bool {
	_, ok := f.Tensors[name]
	return ok
}

// ReadTensor returns the raw bytes of a tensor. With a mapped file the slice
// aliases the mapping and must not be modified or used after Close.
func (f *File) ReadTensor(name string) ([]byte, TensorInfo, error) {
	t, ok := f.Tensors[name]
	if !ok {
		return nil, TensorInfo{}, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if t.Start < 0 || t.End < t.Start {
		return nil, TensorInfo{}, fmt.Errorf("tensor %s: invalid offsets", name)
	}
	off := f.DataStart + t.Start
	n := t.End - t.Start

	if f.mmapped {
		if off+n > int64(len(f.data)) {
			return nil, TensorInfo{}, fmt.Errorf("tensor %s: offsets beyond end of file", name)
		}
		return f.data[off : off+n], t, nil
	}

	buf := make([]byte, n)
	file, err := os.Open(f.Path)
	if err != nil {
		return nil, TensorInfo{}, err
	}
	defer func() { _ = file.Close() }()
	if _, err := file.ReadAt(buf, off); err != nil {
		return nil, TensorInfo{}, fmt.Errorf("read tensor %s: %w", name, err)
	}
	return buf, t, nil
}

// ReadTensorF32 decodes a F32, F16 or BF16 tensor to float32.
func (f *File) ReadTensorF32(name string) ([]float32, TensorInfo, error) {
	raw, info, err := f.ReadTensor(name)
	if err != nil {
		return nil, TensorInfo{}, err
	}
	n, err := numElements(info.Shape)
	if err != nil {
		return nil, TensorInfo{}, fmt.Errorf("tensor %s: %w", name, err)
	}
	width, err := dtypeSize(info.DType)
	if err != nil {
		return nil, TensorInfo{}, fmt.Errorf("tensor %s: %w", name, err)
	}
	if len(raw) != n*width {
		return nil, TensorInfo{}, fmt.Errorf("tensor %s: %d bytes for %d %s elements", name, len(raw), n, info.DType)
	}
	switch info.DType {
	case "F32":
		out := make([]float32, n)
		for i := range out {
			out[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
		}
		return out, info, nil
	case "F16":
		out := make([]float32, n)
		for i := range out {
			out[i] = float16.Frombits(binary.LittleEndian.Uint16(raw[i*2:])).Float32()
		}
		return out, info, nil
	default:
		return bfloat16.DecodeFloat32(raw), info, nil
	}
}

// LoadF32 returns a tensor's float32 data and shape.
func (f *File) LoadF32(name string) ([]float32, []int, error) {
	data, info, err := f.ReadTensorF32(name)
	if err != nil {
		return nil, nil, err
	}
	return data, info.Shape, nil
}

func dtypeSize(dtype string) (int, error) {
	switch dtype {
	case "F32":
		return 4, nil
	case "F16", "BF16":
		return 2, nil
	}
	return 0, fmt.Errorf("unsupported dtype %s", dtype)
}

func numElements(shape []int) (int, error) {
	if len(shape) == 0 {
		return 0, fmt.Errorf("empty shape")
	}
	n := 1
	for _, d := range shape {
		if d <= 0 {
			return 0, fmt.Errorf("invalid dim %d", d)
		}
		if n > (int(^uint(0)>>1))/d {
			return 0, fmt.Errorf("tensor too large")
		}
		n *= d
	}
	return n, nil
}

func readU64(r io.Reader) (uint64, error) {
	var buf [8]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}
