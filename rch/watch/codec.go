package watch

import (
	"bytes"
	"encoding/gob"
)

// GobCodec encodes values with encoding/gob. It needs no schema
// registration for concrete struct/slice/map types, which covers the
// values a watch channel typically carries; callers with interface-typed
// payloads should register concrete types with gob.Register beforehand or
// supply their own Codec.
type GobCodec[T any] struct{}

func (GobCodec[T]) Encode(v T) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(&v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (GobCodec[T]) Decode(b []byte) (T, error) {
	var v T
	if err := gob.NewDecoder(bytes.NewReader(b)).Decode(&v); err != nil {
		var zero T
		return zero, err
	}
	return v, nil
}
