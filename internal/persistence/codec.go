package persistence

import (
	"bytes"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// encodeJSON serialises payload columns. A nil value is stored as NULL.
func encodeJSON(v any) (sql.NullString, error) {
	if v == nil {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("encode payload: %w", err)
	}
	if string(data) == "null" {
		return sql.NullString{}, nil
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

// decodeJSON is the inverse of encodeJSON. NULL decodes to the zero value of T.
func decodeJSON[T any](ns sql.NullString) (T, error) {
	var v T
	if !ns.Valid || ns.String == "" {
		return v, nil
	}
	dec := json.NewDecoder(bytes.NewReader([]byte(ns.String)))
	dec.UseNumber()
	if err := dec.Decode(&v); err != nil {
		return v, fmt.Errorf("decode payload: %w", err)
	}
	return v, nil
}

// Timestamps are stored as unix nanoseconds in UTC.

func encodeTime(t time.Time) int64 { return t.UTC().UnixNano() }

func encodeTimePtr(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: encodeTime(*t), Valid: true}
}

func decodeTime(n int64) time.Time { return time.Unix(0, n).UTC() }

func decodeTimePtr(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := decodeTime(n.Int64)
	return &t
}
