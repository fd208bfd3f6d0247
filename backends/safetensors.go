package backends

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"maps"
	"slices"

	bfloat16 "github.com/d4l3k/go-bfloat16"
	"github.com/x448/float16"
)

// TensorInfo locates one tensor inside a safetensors file.
type TensorInfo struct {
	Name  string
	DType string
	Shape []uint64
	File  string
	// Offset is the absolute position of the first byte of data in File.
	Offset int64
	Size   int64
}

// Elements is the number of values in the tensor.
func (ti TensorInfo) Elements() uint64 {
	n := uint64(1)
	for _, d := range ti.Shape {
		n *= d
	}
	return n
}

type safetensorMetadata struct {
	Type    string   `json:"dtype"`
	Shape   []uint64 `json:"shape"`
	Offsets []int64  `json:"data_offsets"`
}

// maxHeaderSize guards against reading garbage as a header length.
const maxHeaderSize = 100 * 1024 * 1024

// ReadSafetensors parses the header of the safetensors file at path and returns its tensors sorted by name.
func ReadSafetensors(fsys fs.FS, path string) ([]TensorInfo, error) {
	f, err := fsys.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var n int64
	if err := binary.Read(f, binary.LittleEndian, &n); err != nil {
		return nil, fmt.Errorf("reading safetensors header length of %s: %w", path, err)
	}
	if n <= 0 || n > maxHeaderSize {
		return nil, fmt.Errorf("invalid safetensors header length %d in %s", n, path)
	}

	b := bytes.NewBuffer(make([]byte, 0, n))
	if _, err = io.CopyN(b, f, n); err != nil {
		return nil, err
	}

	var headers map[string]safetensorMetadata
	if err := json.NewDecoder(b).Decode(&headers); err != nil {
		return nil, fmt.Errorf("parsing safetensors header of %s: %w", path, err)
	}

	var infos []TensorInfo
	for _, key := range slices.Sorted(maps.Keys(headers)) {
		value := headers[key]
		// __metadata__ has no dtype
		if value.Type == "" {
			continue
		}
		// bitsandbytes quantized models are unsupported
		if len(value.Shape) == 0 {
			return nil, fmt.Errorf("unsupported scalar tensor %s in %s", key, path)
		}
		if len(value.Offsets) != 2 || value.Offsets[1] < value.Offsets[0] {
			return nil, fmt.Errorf("invalid data offsets for tensor %s in %s", key, path)
		}
		infos = append(infos, TensorInfo{
			Name:   key,
			DType:  value.Type,
			Shape:  value.Shape,
			File:   path,
			Offset: 8 + n + value.Offsets[0],
			Size:   value.Offsets[1] - value.Offsets[0],
		})
	}
	return infos, nil
}

// ReadFloat32 reads the data of ti and widens it to float32.
func ReadFloat32(fsys fs.FS, ti TensorInfo) ([]float32, error) {
	f, err := fsys.Open(ti.File)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var r io.Reader = f
	seeker, ok := f.(io.Seeker)
	if ok {
		_, err = seeker.Seek(ti.Offset, io.SeekStart)
	}
	if !ok || errors.Is(err, errors.ErrUnsupported) {
		_, err = io.CopyN(io.Discard, f, ti.Offset)
	}
	if err != nil {
		return nil, err
	}

	switch ti.DType {
	case "F32":
		f32s := make([]float32, ti.Size/4)
		if err := binary.Read(r, binary.LittleEndian, f32s); err != nil {
			return nil, err
		}
		return f32s, nil
	case "F16":
		u16s := make([]uint16, ti.Size/2)
		if err := binary.Read(r, binary.LittleEndian, u16s); err != nil {
			return nil, err
		}
		f32s := make([]float32, len(u16s))
		for i := range u16s {
			f32s[i] = float16.Frombits(u16s[i]).Float32()
		}
		return f32s, nil
	case "BF16":
		u8s := make([]uint8, ti.Size)
		if _, err := io.ReadFull(r, u8s); err != nil {
			return nil, err
		}
		return bfloat16.DecodeFloat32(u8s), nil
	default:
		return nil, fmt.Errorf("unknown data type %s for tensor %s", ti.DType, ti.Name)
	}
}
