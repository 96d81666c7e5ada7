package segmentation

import (
	"errors"
	"fmt"
)

// Entity names the kind of record an error refers to.
type Entity string

const (
	EntitySegmentation   Entity = "segmentation"
	EntityRepresentation Entity = "segmentation representation"
	EntityViewport       Entity = "viewport association"
	EntityColorLUT       Entity = "color LUT"
	EntityVolume         Entity = "volume"
	EntityImage          Entity = "image"
	EntityGeometry       Entity = "geometry"
)

var (
	// ErrNotFoundSentinel matches every ErrNotFound value through errors.Is.
	ErrNotFoundSentinel = errors.New("not found")
	// ErrAlreadyExistsSentinel matches every ErrAlreadyExists value.
	ErrAlreadyExistsSentinel = errors.New("already exists")

	// ErrConversionUnavailable is returned when no reachable source kind exists
	// or conversion is disabled for the representation.
	ErrConversionUnavailable = errors.New("conversion unavailable")
	// ErrMissingReference is returned when no originating image stack or
	// backing volume can be located.
	ErrMissingReference = errors.New("missing reference")
	// ErrValidationFailed marks representation data failing its structural
	// check. It is logged, not surfaced, by the conversion engine.
	ErrValidationFailed = errors.New("validation failed")
	// ErrWorkerTaskFailed marks a failed background task.
	ErrWorkerTaskFailed = errors.New("worker task failed")
)

// ErrNotFound reports an unknown id.
type ErrNotFound struct {
	Entity Entity
	ID     string
}

func (e ErrNotFound) Error() string {
	return fmt.Sprintf("%s %q not found", e.Entity, e.ID)
}

func (e ErrNotFound) Is(target error) bool {
	return target == ErrNotFoundSentinel
}

// ErrAlreadyExists reports a duplicate id on add.
type ErrAlreadyExists struct {
	Entity Entity
	ID     string
}

func (e ErrAlreadyExists) Error() string {
	return fmt.Sprintf("%s %q already exists", e.Entity, e.ID)
}

func (e ErrAlreadyExists) Is(target error) bool {
	return target == ErrAlreadyExistsSentinel
}
