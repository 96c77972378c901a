package storage

import (
	"database/sql"
	"strings"
	"time"
)

// Timestamps are stored as Unix microseconds in every backend.

func Micros(t time.Time) int64 {
	return t.UTC().UnixMicro()
}

func FromMicros(v int64) time.Time {
	return time.UnixMicro(v).UTC()
}

// NullMicros converts an optional time to a nullable column value.
func NullMicros(t *time.Time) any {
	if t == nil {
		return nil
	}
	return Micros(*t)
}

// TimePtr converts a nullable column back to an optional time.
func TimePtr(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := FromMicros(v.Int64)
	return &t
}

// StringPtr converts a nullable text column to an optional string.
func StringPtr(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}

// NullString stores the empty string as NULL.
func NullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// Placeholders returns "?, ?, ?" for n arguments.
func Placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
