// Package errors provides structured error handling for Varasto.
//
// Every error that crosses a component boundary carries a Kind. Kinds
// classify failures for the HTTP layer (status mapping), the indexer
// (per-file isolation vs. folder abort) and the sync engine (retry vs.
// reconnect prompt).
package errors

import "net/http"

// Kind classifies an error for propagation decisions.
type Kind string

const (
	// KindNotFound indicates a missing folder, file or chunk.
	KindNotFound Kind = "NOT_FOUND"
	// KindInvalidPath indicates a path that escapes the managed root or
	// is otherwise malformed.
	KindInvalidPath Kind = "INVALID_PATH"
	// KindPermissionDenied indicates the caller may not perform the operation.
	KindPermissionDenied Kind = "PERMISSION_DENIED"
	// KindConflict indicates a refused state transition, e.g. editing a
	// sync source on a folder that already holds synced content.
	KindConflict Kind = "CONFLICT"
	// KindProviderAuthRequired indicates a remote provider needs the user
	// to reconnect through the OAuth flow.
	KindProviderAuthRequired Kind = "PROVIDER_AUTH_REQUIRED"
	// KindProviderTransient indicates a retryable remote provider failure.
	KindProviderTransient Kind = "PROVIDER_TRANSIENT"
	// KindProviderFatal indicates a non-retryable remote provider failure.
	KindProviderFatal Kind = "PROVIDER_FATAL"
	// KindExtractFailed indicates text extraction failed on a recognized type.
	KindExtractFailed Kind = "EXTRACT_FAILED"
	// KindEmbedFailed indicates the embedder rejected or failed a batch.
	KindEmbedFailed Kind = "EMBED_FAILED"
	// KindStoreUnavailable indicates the state or vector store cannot be
	// reached. Always retryable; never advances index state.
	KindStoreUnavailable Kind = "STORE_UNAVAILABLE"
	// KindCancelled indicates cooperative cancellation. Never reported as
	// an error to the caller.
	KindCancelled Kind = "CANCELLED"
	// KindInternal is the fallback for unexpected failures.
	KindInternal Kind = "INTERNAL"
)

// retryableKinds are kinds where the same operation may succeed later.
var retryableKinds = map[Kind]bool{
	KindProviderTransient: true,
	KindStoreUnavailable:  true,
}

// httpStatus maps kinds to HTTP status codes.
var httpStatus = map[Kind]int{
	KindNotFound:             http.StatusNotFound,
	KindInvalidPath:          http.StatusBadRequest,
	KindConflict:             http.StatusBadRequest,
	KindPermissionDenied:     http.StatusForbidden,
	KindStoreUnavailable:     http.StatusServiceUnavailable,
	KindProviderAuthRequired: http.StatusBadGateway,
}

// HTTPStatus returns the status code for an error. Unknown errors and
// kinds without an explicit mapping report 500.
func HTTPStatus(err error) int {
	if err == nil {
		return http.StatusOK
	}
	if status, ok := httpStatus[KindOf(err)]; ok {
		return status
	}
	return http.StatusInternalServerError
}
