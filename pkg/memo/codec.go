package memo

import (
	"bytes"
	"encoding/json"

	"github.com/illmade-knight/go-fetchcache/pkg/table"
)

// Codec turns cached values into bytes for an external store and back.
type Codec[V any] interface {
	Marshal(v V) ([]byte, error)
	Unmarshal(data []byte) (V, error)
}

// JSONCodec stores values as plain JSON.
type JSONCodec[V any] struct{}

func (JSONCodec[V]) Marshal(v V) ([]byte, error) {
	return json.Marshal(v)
}

func (JSONCodec[V]) Unmarshal(data []byte) (V, error) {
	var v V
	err := json.Unmarshal(data, &v)
	return v, err
}

// TableCodec stores tables in the same gzip JSON-lines form as snapshot files.
type TableCodec struct{}

func (TableCodec) Marshal(t table.Table) ([]byte, error) {
	var buf bytes.Buffer
	if err := table.Encode(&buf, t); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (TableCodec) Unmarshal(data []byte) (table.Table, error) {
	return table.Decode(bytes.NewReader(data))
}
