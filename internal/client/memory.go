package client

import (
	"encoding/json"
	"time"

	"github.com/membank/membank/internal/offline"
)

// Memory is a single record in the remote memory store.
type Memory struct {
	Key       string         `json:"key"`
	Content   string         `json:"content"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Tags      []string       `json:"tags,omitempty"`
	Priority  int            `json:"priority"`
	UpdatedAt time.Time      `json:"updated_at,omitzero"`
}

// memoryEnvelope and memoriesEnvelope mirror the two response shapes the
// service returns for reads.
type memoryEnvelope struct {
	Memory *Memory `json:"memory"`
}

type memoriesEnvelope struct {
	Memories []Memory `json:"memories"`
}

func toRecord(m Memory) offline.Record {
	r := offline.Record{
		Key:       m.Key,
		Content:   m.Content,
		Metadata:  "{}",
		Tags:      "[]",
		Priority:  m.Priority,
		UpdatedAt: m.UpdatedAt,
	}
	if m.Metadata != nil {
		if b, err := json.Marshal(m.Metadata); err == nil {
			r.Metadata = string(b)
		}
	}
	if m.Tags != nil {
		if b, err := json.Marshal(m.Tags); err == nil {
			r.Tags = string(b)
		}
	}
	return r
}

func toRecords(memories []Memory) []offline.Record {
	records := make([]offline.Record, len(memories))
	for i, m := range memories {
		records[i] = toRecord(m)
	}
	return records
}

// recordsFromPayload extracts memory records from a record-shaped JSON
// response body. Returns nil for payloads of any other shape.
func recordsFromPayload(body []byte) []offline.Record {
	var single memoryEnvelope
	if err := json.Unmarshal(body, &single); err == nil && single.Memory != nil {
		return toRecords([]Memory{*single.Memory})
	}
	var list memoriesEnvelope
	if err := json.Unmarshal(body, &list); err == nil && len(list.Memories) > 0 {
		return toRecords(list.Memories)
	}
	return nil
}
