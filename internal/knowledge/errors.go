package knowledge

import (
	"context"
	"errors"
)

// Error taxonomy shared by the ingestion and retrieval pipeline.
// Wrap these with fmt.Errorf("...: %w", Err...) so KindOf can classify them.
var (
	// ErrUnsupportedType indicates the mime type is not PDF, plain text or DOCX.
	ErrUnsupportedType = errors.New("unsupported type")

	// ErrOversizeInput indicates the upload exceeds the accepted size ceiling.
	ErrOversizeInput = errors.New("oversize input")

	// ErrExtractionFailed indicates the file content could not be read as text.
	ErrExtractionFailed = errors.New("extraction failed")

	// ErrNoContent indicates extraction produced no chunkable text.
	ErrNoContent = errors.New("no content")

	// ErrEmbeddingFailed indicates the embedding model call failed.
	ErrEmbeddingFailed = errors.New("embedding failed")

	// ErrDimensionMismatch indicates two vectors of different length were compared or stored together.
	ErrDimensionMismatch = errors.New("dimension mismatch")

	// ErrEmptyQuery indicates a blank search query.
	ErrEmptyQuery = errors.New("empty query")

	// ErrNotFound indicates an unknown job or document identifier.
	ErrNotFound = errors.New("not found")

	// ErrInvalidScope indicates a malformed ownership scope.
	ErrInvalidScope = errors.New("invalid scope")

	// ErrInvalidTopK indicates a non-positive result count.
	ErrInvalidTopK = errors.New("invalid top k")

	// ErrInterrupted indicates an ingestion that stopped before reaching a terminal state,
	// e.g. a worker restart or a timeout.
	ErrInterrupted = errors.New("ingestion interrupted")

	// ErrInternal covers every failure without a more specific kind.
	ErrInternal = errors.New("internal error")
)

// Kind is the public, caller-facing name of an error.
type Kind string

const (
	KindUnsupportedType   Kind = "UnsupportedType"
	KindOversizeInput     Kind = "OversizeInput"
	KindExtractionFailed  Kind = "ExtractionFailed"
	KindNoContent         Kind = "NoContent"
	KindEmbeddingFailed   Kind = "EmbeddingFailed"
	KindDimensionMismatch Kind = "DimensionMismatch"
	KindEmptyQuery        Kind = "EmptyQuery"
	KindNotFound          Kind = "NotFound"
	KindInvalidScope      Kind = "InvalidScope"
	KindInvalidTopK       Kind = "InvalidTopK"
	KindInterrupted       Kind = "Interrupted"
	KindInternal          Kind = "Internal"
)

var kinds = []struct {
	err  error
	kind Kind
	msg  string
}{
	{ErrUnsupportedType, KindUnsupportedType, "file type is not supported"},
	{ErrOversizeInput, KindOversizeInput, "file exceeds the maximum upload size"},
	{ErrExtractionFailed, KindExtractionFailed, "text could not be extracted from the file"},
	{ErrNoContent, KindNoContent, "the file contains no text"},
	{ErrEmbeddingFailed, KindEmbeddingFailed, "embedding generation failed"},
	{ErrDimensionMismatch, KindDimensionMismatch, "embedding dimensions do not match"},
	{ErrEmptyQuery, KindEmptyQuery, "query must not be empty"},
	{ErrNotFound, KindNotFound, "resource not found"},
	{ErrInvalidScope, KindInvalidScope, "scope is invalid"},
	{ErrInvalidTopK, KindInvalidTopK, "top_k must be a positive integer"},
	{ErrInterrupted, KindInterrupted, "processing was interrupted"},
}

// KindOf classifies err. Context expiry counts as an interruption; anything
// unrecognised is Internal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.kind
		}
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return KindInterrupted
	}
	return KindInternal
}

// SafeMessage is the fixed text exposed to callers for a kind. It never carries
// details of the underlying failure.
func (k Kind) SafeMessage() string {
	for _, e := range kinds {
		if e.kind == k {
			return e.msg
		}
	}
	return "an internal error occurred"
}
