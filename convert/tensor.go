package convert

import (
	"encoding/binary"
	"fmt"
	"io"
	"io/fs"
	"strings"

	"github.com/x448/float16"
	"gorgonia.org/tensor"
	"gorgonia.org/tensor/native"

	"github.com/knights-analytics/hugolite/backends"
)

type repacker func(name string, data []float32, shape []uint64) ([]float32, error)

// safetensor streams one tensor from a safetensors file, optionally repacked, in the chosen storage type.
type safetensor struct {
	fsys fs.FS
	info backends.TensorInfo
	name string
	kind TensorType
	repacker
}

func (st *safetensor) Name() string { return st.name }

func (st *safetensor) Shape() []uint64 { return st.info.Shape }

func (st *safetensor) SetRepacker(fn repacker) { st.repacker = fn }

func (st *safetensor) WriteTo(w io.Writer) (int64, error) {
	f32s, err := backends.ReadFloat32(st.fsys, st.info)
	if err != nil {
		return 0, err
	}

	if st.repacker != nil {
		f32s, err = st.repacker(st.name, f32s, st.info.Shape)
		if err != nil {
			return 0, err
		}
	}

	switch st.kind {
	case F32:
		return int64(len(f32s)) * 4, binary.Write(w, binary.LittleEndian, f32s)
	case F16:
		f16s := make([]uint16, len(f32s))
		for i := range f32s {
			f16s[i] = float16.Fromfloat32(f32s[i]).Bits()
		}
		return int64(len(f16s)) * 2, binary.Write(w, binary.LittleEndian, f16s)
	default:
		return 0, fmt.Errorf("unknown storage type: %d", st.kind)
	}
}

// kindFor picks the storage type of a tensor. Norms and 1-D tensors always stay F32.
func kindFor(name string, shape []uint64, opts Options) TensorType {
	if !opts.quantize() || len(shape) < 2 || strings.HasSuffix(name, "_norm.weight") {
		return F32
	}
	return F16
}

func flatten(n *tensor.Dense, axis int) ([]float32, error) {
	ts, err := native.SelectF32(n, axis)
	if err != nil {
		return nil, err
	}
	var f32s []float32
	for _, t := range ts {
		f32s = append(f32s, t...)
	}
	return f32s, nil
}

// addOne stores a norm weight w as 1+w, the form GGML gemma kernels expect.
func addOne(_ string, data []float32, shape []uint64) ([]float32, error) {
	n := tensor.New(tensor.WithShape(int(shape[0])), tensor.WithBacking(data))
	ones := tensor.Ones(tensor.Float32, int(shape[0]))

	n, err := n.Add(ones)
	if err != nil {
		return nil, err
	}
	return flatten(n, 0)
}
