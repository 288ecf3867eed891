// Package apperr defines the error kinds reported by the attendance engine.
//
// Every rejection a caller can see is an *Error carrying a Kind. Kinds are
// compared with errors.Is against the exported sentinels, so wrapping with
// fmt.Errorf("...: %w") keeps the classification intact.
package apperr

import (
	"errors"
	"net/http"
)

// Kind classifies a failure.
type Kind string

const (
	KindInvalidRequest            Kind = "invalid_request"
	KindUnauthorized              Kind = "unauthorized"
	KindNotFound                  Kind = "not_found"
	KindWindowClosed              Kind = "window_closed"
	KindNoFaceDetected            Kind = "no_face_detected"
	KindEmbeddingExtractionFailed Kind = "embedding_extraction_failed"
	KindNoIdentityMatch           Kind = "no_identity_match"
	KindIdentityMismatch          Kind = "identity_mismatch"
	KindBoundaryViolation         Kind = "boundary_violation"
	KindLocationUnavailable       Kind = "location_unavailable"
	KindExtractorUnavailable      Kind = "extractor_unavailable"
	KindInternal                  Kind = "internal"
)

// Error is a classified engine error.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

// New returns an error of the given kind.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Message: msg}
}

// Wrap returns an error of the given kind that wraps cause.
func Wrap(kind Kind, msg string, cause error) *Error {
	return &Error{Kind: kind, Message: msg, Err: cause}
}

// Sentinels for errors.Is checks.
var (
	ErrInvalidRequest            = New(KindInvalidRequest, "invalid request")
	ErrUnauthorized              = New(KindUnauthorized, "role not permitted")
	ErrNotFound                  = New(KindNotFound, "not found")
	ErrWindowClosed              = New(KindWindowClosed, "attendance window is closed")
	ErrNoFaceDetected            = New(KindNoFaceDetected, "no face detected in the image")
	ErrEmbeddingExtractionFailed = New(KindEmbeddingExtractionFailed, "could not extract face data from the image")
	ErrNoIdentityMatch           = New(KindNoIdentityMatch, "face not recognised")
	ErrIdentityMismatch          = New(KindIdentityMismatch, "participants can only mark their own attendance")
	ErrBoundaryViolation         = New(KindBoundaryViolation, "participant is outside the allowed boundary")
	ErrLocationUnavailable       = New(KindLocationUnavailable, "participant location not available")
	ErrExtractorUnavailable      = New(KindExtractorUnavailable, "face service unavailable")
)

// KindOf returns the kind of err, or KindInternal for unclassified errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// HTTPStatus maps a kind to the status code returned by the HTTP surface.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindInvalidRequest, KindNoFaceDetected, KindLocationUnavailable:
		return http.StatusBadRequest
	case KindUnauthorized, KindNoIdentityMatch, KindIdentityMismatch, KindBoundaryViolation:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindWindowClosed:
		return http.StatusConflict
	case KindEmbeddingExtractionFailed:
		return http.StatusUnprocessableEntity
	case KindExtractorUnavailable:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
