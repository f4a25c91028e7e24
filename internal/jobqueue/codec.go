package jobqueue

import (
	"bytes"
	"encoding/gob"

	"github.com/petrijr/fluxhist/pkg/api"
)

// EncodeEvent gob-encodes a job payload.
func EncodeEvent(ev api.ActivityEvent) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(&ev); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodeEvent gob-decodes a job payload.
func DecodeEvent(data []byte) (api.ActivityEvent, error) {
	var ev api.ActivityEvent
	if len(data) == 0 {
		return ev, nil
	}
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&ev); err != nil {
		return ev, err
	}
	return ev, nil
}
