package middleware

import (
	"net/http"

	"github.com/cwru-xlab/case-study-ai-avatar-sub003/internal/knowledge"
)

// HTTPStatus maps an error kind to the response status handlers use for it.
func HTTPStatus(kind knowledge.Kind) int {
	switch kind {
	case knowledge.KindUnsupportedType:
		return http.StatusUnsupportedMediaType
	case knowledge.KindOversizeInput:
		return http.StatusRequestEntityTooLarge
	case knowledge.KindEmptyQuery, knowledge.KindInvalidScope, knowledge.KindInvalidTopK:
		return http.StatusBadRequest
	case knowledge.KindNotFound:
		return http.StatusNotFound
	case knowledge.KindEmbeddingFailed:
		return http.StatusBadGateway
	case knowledge.KindInterrupted:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// ErrorCode is the upper snake case code written into error bodies.
func ErrorCode(kind knowledge.Kind) string {
	switch kind {
	case knowledge.KindUnsupportedType:
		return "UNSUPPORTED_TYPE"
	case knowledge.KindOversizeInput:
		return "OVERSIZE_INPUT"
	case knowledge.KindExtractionFailed:
		return "EXTRACTION_FAILED"
	case knowledge.KindNoContent:
		return "NO_CONTENT"
	case knowledge.KindEmbeddingFailed:
		return "EMBEDDING_FAILED"
	case knowledge.KindDimensionMismatch:
		return "DIMENSION_MISMATCH"
	case knowledge.KindEmptyQuery:
		return "EMPTY_QUERY"
	case knowledge.KindNotFound:
		return "NOT_FOUND"
	case knowledge.KindInvalidScope:
		return "INVALID_SCOPE"
	case knowledge.KindInvalidTopK:
		return "INVALID_TOP_K"
	case knowledge.KindInterrupted:
		return "INTERRUPTED"
	}
	return "INTERNAL_ERROR"
}
