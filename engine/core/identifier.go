package core

import (
	"fmt"

	"github.com/google/uuid"
)

// NewResourceLabel builds a debug name for a GPU object, e.g. "Blas-1b9d6bcd".
func NewResourceLabel(prefix string) string {
	id := uuid.New()
	return fmt.Sprintf("%s-%s", prefix, id.String()[:8])
}

// LabelOr returns label when set, otherwise a generated one.
func LabelOr(label, prefix string) string {
	if label != "" {
		return label
	}
	return NewResourceLabel(prefix)
}
