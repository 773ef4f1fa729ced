package gguf

import (
	"encoding/binary"
	"fmt"
	"io"
)

// KV is one metadata pair for Encode.
type KV struct {
	Key   string
	Value any
}

// Encode writes a version 3 header with no tensors. It is used to produce
// small but well-formed files, e.g. fixtures and placeholder artifacts.
func Encode(w io.Writer, kvs []KV) error {
	le := binary.LittleEndian
	if _, err := io.WriteString(w, Magic); err != nil {
		return err
	}
	if err := binary.Write(w, le, uint32(3)); err != nil {
		return err
	}
	if err := binary.Write(w, le, uint64(0)); err != nil {
		return err
	}
	if err := binary.Write(w, le, uint64(len(kvs))); err != nil {
		return err
	}
	for _, kv := range kvs {
		if err := writeString(w, kv.Key); err != nil {
			return err
		}
		if err := writeValue(w, kv.Value); err != nil {
			return fmt.Errorf("gguf: encode %s: %w", kv.Key, err)
		}
	}
	return nil
}

func writeString(w io.Writer, s string) error {
	if err := binary.Write(w, binary.LittleEndian, uint64(len(s))); err != nil {
		return err
	}
	_, err := io.WriteString(w, s)
	return err
}

func writeTyped(w io.Writer, t uint32, v any) error {
	if err := binary.Write(w, binary.LittleEndian, t); err != nil {
		return err
	}
	return binary.Write(w, binary.LittleEndian, v)
}

func writeValue(w io.Writer, v any) error {
	le := binary.LittleEndian
	switch v := v.(type) {
	case uint8:
		return writeTyped(w, typeUint8, v)
	case int8:
		return writeTyped(w, typeInt8, v)
	case uint16:
		return writeTyped(w, typeUint16, v)
	case int16:
		return writeTyped(w, typeInt16, v)
	case uint32:
		return writeTyped(w, typeUint32, v)
	case int32:
		return writeTyped(w, typeInt32, v)
	case float32:
		return writeTyped(w, typeFloat32, v)
	case bool:
		return writeTyped(w, typeBool, v)
	case uint64:
		return writeTyped(w, typeUint64, v)
	case int64:
		return writeTyped(w, typeInt64, v)
	case float64:
		return writeTyped(w, typeFloat64, v)
	case string:
		if err := binary.Write(w, le, typeString); err != nil {
			return err
		}
		return writeString(w, v)
	case []string:
		if err := binary.Write(w, le, typeArray); err != nil {
			return err
		}
		if err := binary.Write(w, le, typeString); err != nil {
			return err
		}
		if err := binary.Write(w, le, uint64(len(v))); err != nil {
			return err
		}
		for _, s := range v {
			if err := writeString(w, s); err != nil {
				return err
			}
		}
		return nil
	case []int32:
		return writeArray(w, typeInt32, len(v), v)
	case []uint32:
		return writeArray(w, typeUint32, len(v), v)
	case []float32:
		return writeArray(w, typeFloat32, len(v), v)
	default:
		return fmt.Errorf("%w %T", ErrUnsupportedType, v)
	}
}

func writeArray(w io.Writer, t uint32, n int, data any) error {
	le := binary.LittleEndian
	if err := binary.Write(w, le, typeArray); err != nil {
		return err
	}
	if err := binary.Write(w, le, t); err != nil {
		return err
	}
	if err := binary.Write(w, le, uint64(n)); err != nil {
		return err
	}
	return binary.Write(w, le, data)
}
