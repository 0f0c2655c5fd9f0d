package pipeline

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Sentinel errors forming the pipeline error taxonomy.
var (
	ErrTransient         = errors.New("transient network error")
	ErrNotFound          = errors.New("not found")
	ErrAutomationTimeout = errors.New("automation timeout")
	ErrStoreCorruption   = errors.New("store corruption")
	ErrExhaustedRetries  = errors.New("exhausted retries")
	ErrNoArtifact        = errors.New("no artifact found")
)

// ErrorKind labels an error for metrics and state transitions.
type ErrorKind string

// Error kinds.
const (
	KindTransient         ErrorKind = "transient"
	KindNotFound          ErrorKind = "not_found"
	KindAutomationTimeout ErrorKind = "automation_timeout"
	KindStoreCorruption   ErrorKind = "store_corruption"
	KindExhaustedRetries  ErrorKind = "exhausted_retries"
	KindUnknown           ErrorKind = "unknown"
)

// RecordError ties an error to the durable record it concerns so operators can repair it.
type RecordError struct {
	Kind  ErrorKind
	Table string
	Key   string
	Err   error
}

func (e *RecordError) Error() string {
	return fmt.Sprintf("%s %s/%s: %v", e.Kind, e.Table, e.Key, e.Err)
}

func (e *RecordError) Unwrap() error {
	return e.Err
}

// Is lets errors.Is match the taxonomy sentinel for the record error's kind.
func (e *RecordError) Is(target error) bool {
	switch e.Kind {
	case KindStoreCorruption:
		return target == ErrStoreCorruption
	case KindNotFound:
		return target == ErrNotFound
	}
	return false
}

// Corrupt wraps err as a store corruption of table/key.
func Corrupt(table, key string, err error) error {
	return &RecordError{Kind: KindStoreCorruption, Table: table, Key: key, Err: err}
}

// Classify maps an error onto the taxonomy.
func Classify(err error) ErrorKind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrStoreCorruption):
		return KindStoreCorruption
	case errors.Is(err, ErrExhaustedRetries):
		return KindExhaustedRetries
	case errors.Is(err, ErrAutomationTimeout), errors.Is(err, context.DeadlineExceeded):
		return KindAutomationTimeout
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrTransient):
		return KindTransient
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return KindTransient
	}
	return KindUnknown
}
