package safetensors

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"slices"

	"github.com/goccy/go-json"
	"github.com/x448/float16"

	"github.com/samcharles93/hisr/internal/tensor"
)

// DType selects the on-disk element type used by Write.
type DType string

const (
	F32 DType = "F32"
	F16 DType = "F16"
)

// Write stores tensors at path in the given dtype. Tensors are laid out in
// name order and the header is padded with spaces to a multiple of 8 bytes.
func Write(path string, tensors map[string]*tensor.Tensor, dtype DType, metadata map[string]string) error {
	if dtype != F32 && dtype != F16 {
		return fmt.Errorf("write: unsupported dtype %s", dtype)
	}
	width, _ := dtypeSize(string(dtype))
	names := make([]string, 0, len(tensors))
	for name := range tensors {
		if name == "__metadata__" {
			return fmt.Errorf("write: reserved tensor name %q", name)
		}
		names = append(names, name)
	}
	slices.Sort(names)

	header := make(map[string]any, len(names)+1)
	if len(metadata) > 0 {
		header["__metadata__"] = metadata
	}
	var off int64
	for _, name := range names {
		t := tensors[name]
		n := int64(t.Numel() * width)
		header[name] = tensorHeader{DType: string(dtype), Shape: t.Shape, DataOffsets: []int64{off, off + n}}
		off += n
	}
	hb, err := json.Marshal(header)
	if err != nil {
		return fmt.Errorf("write: encode header: %w", err)
	}
	if pad := (8 - len(hb)%8) % 8; pad > 0 {
		hb = append(hb, bytes.Repeat([]byte{' '}, pad)...)
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)
	var lenBuf [8]byte
	binary.LittleEndian.PutUint64(lenBuf[:], uint64(len(hb)))
	_, _ = w.Write(lenBuf[:])
	_, _ = w.Write(hb)
	buf := make([]byte, 4)
	for _, name := range names {
		for _, v := range tensors[name].Data {
			if dtype == F16 {
				binary.LittleEndian.PutUint16(buf, float16.Fromfloat32(v).Bits())
				_, _ = w.Write(buf[:2])
				continue
			}
			binary.LittleEndian.PutUint32(buf, math.Float32bits(v))
			_, _ = w.Write(buf)
		}
	}
	if err := w.Flush(); err != nil {
		_ = f.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	return f.Close()
}
