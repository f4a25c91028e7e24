package persistence

import (
	"bytes"
	"encoding/gob"

	"github.com/petrijr/fluxhist/pkg/api"
)

// storedInstance is the gob envelope used by key-value backends. InsertSeq
// records insertion order for tie-breaking.
type storedInstance struct {
	Instance  api.HistoricActivityInstance
	InsertSeq int64
}

func encodeInstance(inst *api.HistoricActivityInstance, insertSeq int64) ([]byte, error) {
	var buf bytes.Buffer
	rec := storedInstance{Instance: *inst, InsertSeq: insertSeq}
	if err := gob.NewEncoder(&buf).Encode(&rec); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeInstance(data []byte) (*storedInstance, error) {
	if len(data) == 0 {
		return nil, api.ErrInstanceNotFound
	}
	var rec storedInstance
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&rec); err != nil {
		return nil, err
	}
	return &rec, nil
}
