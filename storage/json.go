package storage

import (
	"context"
	"encoding/json"
	"fmt"
)

// GetJSON loads a record and decodes its data into v, returning the stored version.
func GetJSON(ctx context.Context, repo Repository, recordType, recordID string, v any) (uint64, error) {
	rec, err := repo.Get(ctx, recordType, recordID)
	if err != nil {
		return 0, err
	}
	if err := json.Unmarshal(rec.Data, v); err != nil {
		return 0, fmt.Errorf("decoding %s/%s: %w", recordType, recordID, err)
	}
	return rec.Version, nil
}

// EncodeJSON wraps v in a Record at the given version.
func EncodeJSON(v any, version uint64) (*Record, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encoding record: %w", err)
	}
	return &Record{Data: data, Version: version}, nil
}

// DecodeJSON decodes a record's data into v.
func DecodeJSON(rec *Record, v any) error {
	if err := json.Unmarshal(rec.Data, v); err != nil {
		return fmt.Errorf("decoding record: %w", err)
	}
	return nil
}
