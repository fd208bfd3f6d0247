package convert

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"maps"
	"slices"
)

// KV is GGUF metadata. Supported value types are uint32, int32, uint64, float32, bool, string
// and slices of int32, uint32, float32 and string.
type KV map[string]any

// TensorType is the GGML storage type of a tensor.
type TensorType uint32

const (
	F32 TensorType = 0
	F16 TensorType = 1
)

func (t TensorType) String() string {
	switch t {
	case F32:
		return "F32"
	case F16:
		return "F16"
	default:
		return fmt.Sprintf("type(%d)", uint32(t))
	}
}

// Size is the number of bytes of one element.
func (t TensorType) Size() uint64 {
	switch t {
	case F16:
		return 2
	default:
		return 4
	}
}

type Tensor struct {
	Name  string
	Kind  TensorType
	Shape []uint64

	io.WriterTo
}

func (t Tensor) Elements() uint64 {
	n := uint64(1)
	for _, d := range t.Shape {
		n *= d
	}
	return n
}

// Size is the number of bytes of tensor data.
func (t Tensor) Size() uint64 {
	return t.Elements() * t.Kind.Size()
}

const (
	ggufMagic   = "GGUF"
	ggufVersion = uint32(3)
	alignment   = 32
)

const (
	ggufTypeUint8 uint32 = iota
	ggufTypeInt8
	ggufTypeUint16
	ggufTypeInt16
	ggufTypeUint32
	ggufTypeInt32
	ggufTypeFloat32
	ggufTypeBool
	ggufTypeString
	ggufTypeArray
	ggufTypeUint64
	ggufTypeInt64
	ggufTypeFloat64
)

func padding(offset, align int64) int64 {
	return (align - offset%align) % align
}

// countingWriter tracks the position in the output stream.
type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

func (c *countingWriter) pad() error {
	_, err := c.Write(bytes.Repeat([]byte{0}, int(padding(c.n, alignment))))
	return err
}

// WriteGGUF writes a GGUF v3 file with kv sorted by key and ts in order.
func WriteGGUF(w io.Writer, kv KV, ts []Tensor) (int64, error) {
	cw := &countingWriter{w: w}
	bo := binary.LittleEndian

	if err := binary.Write(cw, bo, []byte(ggufMagic)); err != nil {
		return cw.n, err
	}
	for _, v := range []any{ggufVersion, uint64(len(ts)), uint64(len(kv))} {
		if err := binary.Write(cw, bo, v); err != nil {
			return cw.n, err
		}
	}

	for _, k := range slices.Sorted(maps.Keys(kv)) {
		if err := writeString(cw, k); err != nil {
			return cw.n, err
		}
		if err := writeValue(cw, k, kv[k]); err != nil {
			return cw.n, err
		}
	}

	var offset uint64
	for _, t := range ts {
		if err := writeString(cw, t.Name); err != nil {
			return cw.n, err
		}
		if err := binary.Write(cw, bo, uint32(len(t.Shape))); err != nil {
			return cw.n, err
		}
		// GGML orders dimensions innermost first
		for i := range t.Shape {
			if err := binary.Write(cw, bo, t.Shape[len(t.Shape)-1-i]); err != nil {
				return cw.n, err
			}
		}
		if err := binary.Write(cw, bo, uint32(t.Kind)); err != nil {
			return cw.n, err
		}
		if err := binary.Write(cw, bo, offset); err != nil {
			return cw.n, err
		}
		offset += t.Size()
		offset += uint64(padding(int64(offset), alignment))
	}

	if err := cw.pad(); err != nil {
		return cw.n, err
	}

	for _, t := range ts {
		start := cw.n
		if _, err := t.WriteTo(cw); err != nil {
			return cw.n, fmt.Errorf("writing tensor %s: %w", t.Name, err)
		}
		if written := uint64(cw.n - start); written != t.Size() {
			return cw.n, fmt.Errorf("tensor %s wrote %d bytes, expected %d", t.Name, written, t.Size())
		}
		if err := cw.pad(); err != nil {
			return cw.n, err
		}
	}
	return cw.n, nil
}

func writeString(w io.Writer, s string) error {
	if err := binary.Write(w, binary.LittleEndian, uint64(len(s))); err != nil {
		return err
	}
	_, err := io.WriteString(w, s)
	return err
}

func writeTyped[V any](w io.Writer, t uint32, v V) error {
	if err := binary.Write(w, binary.LittleEndian, t); err != nil {
		return err
	}
	return binary.Write(w, binary.LittleEndian, v)
}

func writeArray[S ~[]E, E any](w io.Writer, t uint32, s S) error {
	for _, v := range []any{ggufTypeArray, t, uint64(len(s))} {
		if err := binary.Write(w, binary.LittleEndian, v); err != nil {
			return err
		}
	}
	return binary.Write(w, binary.LittleEndian, s)
}

func writeValue(w io.Writer, k string, v any) error {
	switch v := v.(type) {
	case uint32:
		return writeTyped(w, ggufTypeUint32, v)
	case int32:
		return writeTyped(w, ggufTypeInt32, v)
	case uint64:
		return writeTyped(w, ggufTypeUint64, v)
	case float32:
		return writeTyped(w, ggufTypeFloat32, v)
	case bool:
		return writeTyped(w, ggufTypeBool, v)
	case string:
		if err := binary.Write(w, binary.LittleEndian, ggufTypeString); err != nil {
			return err
		}
		return writeString(w, v)
	case []int32:
		return writeArray(w, ggufTypeInt32, v)
	case []uint32:
		return writeArray(w, ggufTypeUint32, v)
	case []float32:
		return writeArray(w, ggufTypeFloat32, v)
	case []string:
		for _, h := range []any{ggufTypeArray, ggufTypeString, uint64(len(v))} {
			if err := binary.Write(w, binary.LittleEndian, h); err != nil {
				return err
			}
		}
		for _, e := range v {
			if err := writeString(w, e); err != nil {
				return err
			}
		}
		return nil
	default:
		return fmt.Errorf("improper type %T for '%s'", v, k)
	}
}

// TensorInfo is a tensor descriptor read back from a GGUF file. Offset is relative to DataOffset.
type TensorInfo struct {
	Name   string
	Kind   TensorType
	Shape  []uint64
	Offset uint64
}

// File is the decoded header of a GGUF file.
type File struct {
	Version    uint32
	KV         KV
	Tensors    []TensorInfo
	DataOffset int64
}

// FileType is general.file_type, 0 when absent.
func (f *File) FileType() uint32 {
	ft, _ := f.KV["general.file_type"].(uint32)
	return ft
}

var errNotGGUF = errors.New("not a GGUF file")

// ReadGGUF decodes the header, metadata and tensor descriptors of a GGUF v2 or v3 file.
// Tensor data is not read.
func ReadGGUF(r io.Reader) (*File, error) {
	cr := &countingReader{r: r}

	magic := make([]byte, 4)
	if _, err := io.ReadFull(cr, magic); err != nil {
		return nil, err
	}
	if string(magic) != ggufMagic {
		return nil, errNotGGUF
	}

	f := &File{KV: KV{}}
	var numTensor, numKV uint64
	if err := binary.Read(cr, binary.LittleEndian, &f.Version); err != nil {
		return nil, err
	}
	if f.Version < 2 {
		return nil, fmt.Errorf("unsupported GGUF version %d", f.Version)
	}
	if err := binary.Read(cr, binary.LittleEndian, &numTensor); err != nil {
		return nil, err
	}
	if err := binary.Read(cr, binary.LittleEndian, &numKV); err != nil {
		return nil, err
	}

	for range numKV {
		k, err := readString(cr)
		if err != nil {
			return nil, err
		}
		t, err := read[uint32](cr)
		if err != nil {
			return nil, err
		}
		v, err := readValue(cr, t)
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", k, err)
		}
		f.KV[k] = v
	}

	for range numTensor {
		name, err := readString(cr)
		if err != nil {
			return nil, err
		}
		dims, err := read[uint32](cr)
		if err != nil {
			return nil, err
		}
		shape := make([]uint64, dims)
		for i := range shape {
			if shape[len(shape)-1-i], err = read[uint64](cr); err != nil {
				return nil, err
			}
		}
		kind, err := read[uint32](cr)
		if err != nil {
			return nil, err
		}
		offset, err := read[uint64](cr)
		if err != nil {
			return nil, err
		}
		f.Tensors = append(f.Tensors, TensorInfo{Name: name, Kind: TensorType(kind), Shape: shape, Offset: offset})
	}

	align := int64(alignment)
	if a, ok := f.KV["general.alignment"].(uint32); ok && a > 0 {
		align = int64(a)
	}
	f.DataOffset = cr.n + padding(cr.n, align)
	return f, nil
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

func read[T any](r io.Reader) (T, error) {
	var t T
	err := binary.Read(r, binary.LittleEndian, &t)
	return t, err
}

func readString(r io.Reader) (string, error) {
	n, err := read[uint64](r)
	if err != nil {
		return "", err
	}
	var b bytes.Buffer
	if _, err := io.CopyN(&b, r, int64(n)); err != nil {
		return "", err
	}
	return b.String(), nil
}

func readSlice[T any](r io.Reader, n uint64) ([]T, error) {
	s := make([]T, n)
	err := binary.Read(r, binary.LittleEndian, s)
	return s, err
}

func readValue(r io.Reader, t uint32) (any, error) {
	switch t {
	case ggufTypeUint8:
		return read[uint8](r)
	case ggufTypeInt8:
		return read[int8](r)
	case ggufTypeUint16:
		return read[uint16](r)
	case ggufTypeInt16:
		return read[int16](r)
	case ggufTypeUint32:
		return read[uint32](r)
	case ggufTypeInt32:
		return read[int32](r)
	case ggufTypeUint64:
		return read[uint64](r)
	case ggufTypeInt64:
		return read[int64](r)
	case ggufTypeFloat32:
		return read[float32](r)
	case ggufTypeFloat64:
		return read[float64](r)
	case ggufTypeBool:
		return read[bool](r)
	case ggufTypeString:
		return readString(r)
	case ggufTypeArray:
		return readArray(r)
	default:
		return nil, fmt.Errorf("invalid type: %d", t)
	}
}

func readArray(r io.Reader) (any, error) {
	t, err := read[uint32](r)
	if err != nil {
		return nil, err
	}
	n, err := read[uint64](r)
	if err != nil {
		return nil, err
	}

	switch t {
	case ggufTypeInt32:
		return readSlice[int32](r, n)
	case ggufTypeUint32:
		return readSlice[uint32](r, n)
	case ggufTypeFloat32:
		return readSlice[float32](r, n)
	case ggufTypeString:
		s := make([]string, n)
		for i := range s {
			if s[i], err = readString(r); err != nil {
				return nil, err
			}
		}
		return s, nil
	default:
		a := make([]any, n)
		for i := range a {
			if a[i], err = readValue(r, t); err != nil {
				return nil, err
			}
		}
		return a, nil
	}
}
