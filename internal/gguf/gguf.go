// Package gguf reads the header and key/value metadata of GGUF model files.
// Tensor data is never touched; loading weights is the runtime's job.
package gguf

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
)

// Magic is the 4-byte marker every GGUF file starts with.
const Magic = "GGUF"

const (
	typeUint8 uint32 = iota
	typeInt8
	typeUint16
	typeInt16
	typeUint32
	typeInt32
	typeFloat32
	typeBool
	typeString
	typeArray
	typeUint64
	typeInt64
	typeFloat64
)

const (
	maxStringLen = 1 << 26
	maxArrayLen  = 1 << 28
	maxKVCount   = 1 << 20
	// Arrays longer than this (token vocabularies) are consumed but only
	// their length is kept.
	keepArrayLen = 4096
)

var (
	ErrInvalidMagic       = errors.New("gguf: invalid magic")
	ErrUnsupportedVersion = errors.New("gguf: unsupported version")
	ErrUnsupportedType    = errors.New("gguf: unsupported value type")
	ErrTooLarge           = errors.New("gguf: declared size too large")
)

// Array is a metadata array whose elements were not retained.
type Array struct {
	Type uint32
	Len  uint64
}

// Metadata is the parsed file header.
type Metadata struct {
	Version     uint32
	TensorCount uint64
	KV          map[string]any
}

// ReadFile parses the header of the file at path.
func ReadFile(path string) (*Metadata, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Read(bufio.NewReaderSize(f, 64<<10))
}

// Read parses a GGUF header from r.
func Read(r io.Reader) (*Metadata, error) {
	var magic [4]byte
	if _, err := io.ReadFull(r, magic[:]); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMagic, err)
	}
	if string(magic[:]) != Magic {
		return nil, fmt.Errorf("%w: %q", ErrInvalidMagic, magic[:])
	}
	version, err := read[uint32](r)
	if err != nil {
		return nil, fmt.Errorf("gguf: version: %w", err)
	}
	if version < 2 {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, version)
	}
	tensors, err := read[uint64](r)
	if err != nil {
		return nil, fmt.Errorf("gguf: tensor count: %w", err)
	}
	n, err := read[uint64](r)
	if err != nil {
		return nil, fmt.Errorf("gguf: kv count: %w", err)
	}
	if n > maxKVCount {
		return nil, fmt.Errorf("%w: %d kv pairs", ErrTooLarge, n)
	}
	md := &Metadata{Version: version, TensorCount: tensors, KV: make(map[string]any, n)}
	for i := uint64(0); i < n; i++ {
		key, err := readString(r)
		if err != nil {
			return nil, fmt.Errorf("gguf: key %d: %w", i, err)
		}
		t, err := read[uint32](r)
		if err != nil {
			return nil, fmt.Errorf("gguf: type of %s: %w", key, err)
		}
		v, err := readValue(r, t)
		if err != nil {
			return nil, fmt.Errorf("gguf: value of %s: %w", key, err)
		}
		md.KV[key] = v
	}
	return md, nil
}

func read[T any](r io.Reader) (v T, err error) {
	err = binary.Read(r, binary.LittleEndian, &v)
	return v, err
}

func readString(r io.Reader) (string, error) {
	n, err := read[uint64](r)
	if err != nil {
		return "", err
	}
	if n > maxStringLen {
		return "", fmt.Errorf("%w: string of %d bytes", ErrTooLarge, n)
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return "", err
	}
	return string(b), nil
}

func readValue(r io.Reader, t uint32) (any, error) {
	switch t {
	case typeUint8:
		return read[uint8](r)
	case typeInt8:
		return read[int8](r)
	case typeUint16:
		return read[uint16](r)
	case typeInt16:
		return read[int16](r)
	case typeUint32:
		return read[uint32](r)
	case typeInt32:
		return read[int32](r)
	case typeFloat32:
		return read[float32](r)
	case typeBool:
		return read[bool](r)
	case typeString:
		return readString(r)
	case typeArray:
		return readArray(r)
	case typeUint64:
		return read[uint64](r)
	case typeInt64:
		return read[int64](r)
	case typeFloat64:
		return read[float64](r)
	default:
		return nil, fmt.Errorf("%w %d", ErrUnsupportedType, t)
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
	if n > maxArrayLen {
		return nil, fmt.Errorf("%w: array of %d", ErrTooLarge, n)
	}
	if t == typeArray {
		return nil, fmt.Errorf("%w: nested array", ErrUnsupportedType)
	}
	if n > keepArrayLen {
		for i := uint64(0); i < n; i++ {
			if _, err := readValue(r, t); err != nil {
				return nil, err
			}
		}
		return Array{Type: t, Len: n}, nil
	}
	switch t {
	case typeString:
		out := make([]string, n)
		for i := range out {
			if out[i], err = readString(r); err != nil {
				return nil, err
			}
		}
		return out, nil
	case typeInt32:
		return readSlice[int32](r, n)
	case typeUint32:
		return readSlice[uint32](r, n)
	case typeFloat32:
		return readSlice[float32](r, n)
	default:
		out := make([]any, n)
		for i := range out {
			if out[i], err = readValue(r, t); err != nil {
				return nil, err
			}
		}
		return out, nil
	}
}

func readSlice[T any](r io.Reader, n uint64) ([]T, error) {
	out := make([]T, n)
	if err := binary.Read(r, binary.LittleEndian, out); err != nil {
		return nil, err
	}
	return out, nil
}
