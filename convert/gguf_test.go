package convert

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type rawTensor []float32

func (r rawTensor) WriteTo(w io.Writer) (int64, error) {
	return int64(len(r)) * 4, binary.Write(w, binary.LittleEndian, []float32(r))
}

func TestWriteGGUF(t *testing.T) {
	kv := KV{
		"general.architecture":  "llama",
		"general.file_type":     uint32(0),
		"general.sampling.temp": float32(0.7),
		"test.int":              int32(-3),
		"test.big":              uint64(1 << 40),
		"test.flag":             true,
		"test.ids":              []int32{1, 2, 3},
		"test.counts":           []uint32{4, 5},
		"test.scores":           []float32{0.5, -1},
		"test.tokens":           []string{"<s>", "hello", ""},
	}
	ts := []Tensor{
		{Name: "a", Kind: F32, Shape: []uint64{3}, WriterTo: rawTensor{1, 2, 3}},
		{Name: "b", Kind: F32, Shape: []uint64{2, 5}, WriterTo: rawTensor(make([]float32, 10))},
	}

	var buf bytes.Buffer
	n, err := WriteGGUF(&buf, kv, ts)
	require.NoError(t, err)
	assert.Equal(t, int64(buf.Len()), n)
	assert.Zero(t, buf.Len()%32)

	f, err := ReadGGUF(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)

	if diff := cmp.Diff(kv, f.KV); diff != "" {
		t.Errorf("kv mismatch (-want +got):\n%s", diff)
	}
	want := []TensorInfo{
		{Name: "a", Kind: F32, Shape: []uint64{3}, Offset: 0},
		{Name: "b", Kind: F32, Shape: []uint64{2, 5}, Offset: 32},
	}
	if diff := cmp.Diff(want, f.Tensors); diff != "" {
		t.Errorf("tensors mismatch (-want +got):\n%s", diff)
	}

	var first [3]float32
	require.NoError(t, binary.Read(bytes.NewReader(buf.Bytes()[f.DataOffset:]), binary.LittleEndian, &first))
	assert.Equal(t, [3]float32{1, 2, 3}, first)
}

func TestWriteGGUFKeysSorted(t *testing.T) {
	kv := KV{"z": uint32(1), "a": uint32(2), "m": uint32(3)}

	var buf bytes.Buffer
	_, err := WriteGGUF(&buf, kv, nil)
	require.NoError(t, err)

	// magic, version, tensor count and kv count precede the first key
	r := bytes.NewReader(buf.Bytes()[24:])
	var keys []string
	for range kv {
		k, err := readString(r)
		require.NoError(t, err)
		keys = append(keys, k)
		_, err = read[uint32](r)
		require.NoError(t, err)
		_, err = read[uint32](r)
		require.NoError(t, err)
	}
	assert.Equal(t, []string{"a", "m", "z"}, keys)
}

func TestWriteGGUFErrors(t *testing.T) {
	_, err := WriteGGUF(io.Discard, KV{"bad": struct{}{}}, nil)
	require.ErrorContains(t, err, "improper type")

	short := []Tensor{{Name: "short", Kind: F16, Shape: []uint64{4}, WriterTo: rawTensor{1}}}
	_, err = WriteGGUF(io.Discard, KV{}, short)
	require.ErrorContains(t, err, "wrote 4 bytes, expected 8")
}

func TestReadGGUFInvalid(t *testing.T) {
	_, err := ReadGGUF(bytes.NewReader([]byte("GGML\x03\x00\x00\x00")))
	require.True(t, errors.Is(err, errNotGGUF))

	_, err = ReadGGUF(bytes.NewReader([]byte("GG")))
	require.Error(t, err)
}

func TestTensorType(t *testing.T) {
	assert.Equal(t, "F16", F16.String())
	assert.Equal(t, uint64(2), F16.Size())
	assert.Equal(t, uint64(4), F32.Size())
	assert.Equal(t, uint64(40), Tensor{Kind: F32, Shape: []uint64{2, 5}}.Size())
}
