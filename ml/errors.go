package ml

import (
	"errors"
	"fmt"
)

// ErrUnknownFeature is returned by VectorBuilder.Set for names outside the schema.
var ErrUnknownFeature = errors.New("unknown feature")

// SchemaMismatchError means a vector reached a component built for a
// different dimensionality. It is a deployment defect, never an input defect.
type SchemaMismatchError struct {
	Component string
	Want      int
	Got       int
}

func (e *SchemaMismatchError) Error() string {
	return fmt.Sprintf("schema mismatch in %s: expected %d features, got %d", e.Component, e.Want, e.Got)
}

// ModelLoadError reports an artifact that is missing, corrupt or
// inconsistent with the rest of the bundle.
type ModelLoadError struct {
	Artifact string
	Path     string
	Err      error
}

func (e *ModelLoadError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("load %s: %v", e.Artifact, e.Err)
	}
	return fmt.Sprintf("load %s from %s: %v", e.Artifact, e.Path, e.Err)
}

func (e *ModelLoadError) Unwrap() error { return e.Err }

// IsSchemaMismatch reports whether err carries a SchemaMismatchError.
func IsSchemaMismatch(err error) bool {
	var sme *SchemaMismatchError
	return errors.As(err, &sme)
}
