package serializer

import (
	"bytes"
	"encoding/json"
	"io"
	"sync"
)

// JSON is the default codec. encoding/json emits struct fields in declaration
// order and sorts map keys, so output is deterministic for a given value.
type JSON struct{}

var _ StreamSerializer = JSON{}

func (JSON) Name() string { return "json" }

var bufPool = sync.Pool{
	New: func() any { return new(bytes.Buffer) },
}

func (JSON) Serialize(v any) ([]byte, error) {
	buf := bufPool.Get().(*bytes.Buffer)
	defer func() {
		buf.Reset()
		bufPool.Put(buf)
	}()

	enc := json.NewEncoder(buf)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	// Encoder appends a newline; strip it so payloads compare cleanly.
	out := bytes.TrimSuffix(buf.Bytes(), []byte("\n"))
	cp := make([]byte, len(out))
	copy(cp, out)
	return cp, nil
}

func (JSON) Deserialize(data []byte, into any) error {
	return json.Unmarshal(data, into)
}

func (JSON) SerializeTo(w io.Writer, v any) error {
	return json.NewEncoder(w).Encode(v)
}
