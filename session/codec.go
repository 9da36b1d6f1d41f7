package session

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"time"
)

func init() {
	gob.Register(time.Time{})
	gob.Register(map[string]any{})
	gob.Register([]any{})
	gob.Register([]string{})
}

func encode(data map[string]any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(data); err != nil {
		return nil, fmt.Errorf("encoding session data: %w", err)
	}
	return buf.Bytes(), nil
}

func decode(b []byte) (map[string]any, error) {
	var data map[string]any
	if err := gob.NewDecoder(bytes.NewReader(b)).Decode(&data); err != nil {
		return nil, fmt.Errorf("decoding session data: %w", err)
	}
	if data == nil {
		data = make(map[string]any)
	}
	return data, nil
}
