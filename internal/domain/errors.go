package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors. Typed errors below unwrap to one of these.
var (
	ErrInvalidConfig = errors.New("invalid configuration")
	ErrSchema        = errors.New("schema error")
	ErrLeakage       = errors.New("leakage precondition violated")
	ErrNotFound      = errors.New("record not found")
	ErrInvalidInput  = errors.New("invalid input")
)

// ConfigError reports an invalid configuration value.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("%s: %s %s", ErrInvalidConfig, e.Field, e.Reason)
}

func (e *ConfigError) Unwrap() error { return ErrInvalidConfig }

// SchemaError reports a required column or attribute missing when a
// component starts its work.
type SchemaError struct {
	Component string
	Column    string
	Partition string
	Row       int // -1 when the whole table is affected
}

func (e *SchemaError) Error() string {
	msg := fmt.Sprintf("%s: %s requires column %q", ErrSchema, e.Component, e.Column)
	if e.Partition != "" {
		msg += fmt.Sprintf(" in partition %q", e.Partition)
	}
	if e.Row >= 0 {
		msg += fmt.Sprintf(" (row %d)", e.Row)
	}
	return msg
}

func (e *SchemaError) Unwrap() error { return ErrSchema }

// LeakageError reports an operation that needs ground-truth labels
// receiving an unlabeled row.
type LeakageError struct {
	Partition string
	Row       int
}

func (e *LeakageError) Error() string {
	return fmt.Sprintf("%s: partition %q row %d has no label", ErrLeakage, e.Partition, e.Row)
}

func (e *LeakageError) Unwrap() error { return ErrLeakage }
