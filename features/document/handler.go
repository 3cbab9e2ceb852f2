package document

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"

	"github.com/cwru-xlab/case-study-ai-avatar-sub003/internal/ingest"
	"github.com/cwru-xlab/case-study-ai-avatar-sub003/internal/knowledge"
	"github.com/cwru-xlab/case-study-ai-avatar-sub003/internal/middleware"
)

// multipartOverhead is allowed on top of the file limit for boundaries and form fields.
const multipartOverhead = 1 << 20

type Handler struct {
	service *Service
}

func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

func (h *Handler) Upload(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	limit := int64(h.service.MaxUploadBytes())
	r.Body = http.MaxBytesReader(w, r.Body, limit+multipartOverhead)

	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.writeKind(ctx, w, knowledge.KindOversizeInput)
			return
		}
		h.writeError(ctx, w, "BAD_REQUEST", "request must be multipart/form-data", http.StatusBadRequest)
		return
	}
	defer func() {
		if r.MultipartForm != nil {
			_ = r.MultipartForm.RemoveAll()
		}
	}()

	file, header, err := r.FormFile("file")
	if err != nil {
		h.writeError(ctx, w, "BAD_REQUEST", "file is required", http.StatusBadRequest)
		return
	}
	defer file.Close()

	if header.Size > limit {
		h.writeKind(ctx, w, knowledge.KindOversizeInput)
		return
	}
	data, err := io.ReadAll(io.LimitReader(file, limit+1))
	if err != nil {
		slog.ErrorContext(ctx, "failed to read upload", "error", err)
		h.writeError(ctx, w, "BAD_REQUEST", "unable to read file", http.StatusBadRequest)
		return
	}

	jobID, err := h.service.Upload(ctx, ingest.Upload{
		Data:     data,
		MimeType: header.Header.Get("Content-Type"),
		Filename: filepath.Base(header.Filename),
		Scope:    r.FormValue("scope"),
	})
	if err != nil {
		h.writeServiceError(ctx, w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	if err := json.NewEncoder(w).Encode(map[string]interface{}{"data": map[string]string{"job_id": jobID}}); err != nil {
		slog.ErrorContext(ctx, "failed to encode response", "error", err)
	}
}

func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	docs, err := h.service.List(ctx, r.URL.Query().Get("scope"))
	if err != nil {
		h.writeServiceError(ctx, w, err)
		return
	}
	if docs == nil {
		docs = []knowledge.Document{}
	}

	w.Header().Set("Content-Type", "application/json")
	resp := map[string]interface{}{
		"data": docs,
		"meta": map[string]int{"count": len(docs)},
	}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		slog.ErrorContext(ctx, "failed to encode response", "error", err)
	}
}

func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	doc, err := h.service.Get(ctx, r.PathValue("id"))
	if err != nil {
		h.writeServiceError(ctx, w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(map[string]interface{}{"data": doc}); err != nil {
		slog.ErrorContext(ctx, "failed to encode response", "error", err)
	}
}

func (h *Handler) Delete(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if err := h.service.Delete(ctx, r.PathValue("id")); err != nil {
		h.writeServiceError(ctx, w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// writeServiceError logs the cause and writes only the kind's safe message.
func (h *Handler) writeServiceError(ctx context.Context, w http.ResponseWriter, err error) {
	kind := knowledge.KindOf(err)
	if middleware.HTTPStatus(kind) >= http.StatusInternalServerError {
		slog.ErrorContext(ctx, "document request failed", "error", err)
	} else {
		slog.InfoContext(ctx, "document request rejected", "error_kind", kind, "error", err)
	}
	h.writeKind(ctx, w, kind)
}

func (h *Handler) writeKind(ctx context.Context, w http.ResponseWriter, kind knowledge.Kind) {
	h.writeError(ctx, w, middleware.ErrorCode(kind), kind.SafeMessage(), middleware.HTTPStatus(kind))
}

func (h *Handler) writeError(ctx context.Context, w http.ResponseWriter, code, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	resp := map[string]interface{}{
		"error": map[string]string{
			"code":    code,
			"message": message,
		},
		"correlationId": middleware.GetCorrelationID(ctx),
	}

	if err := json.NewEncoder(w).Encode(resp); err != nil {
		slog.Error("failed to encode error response", "error", err)
	}
}
