// Package weaviate implements knowledge.Store on Weaviate. Documents and
// chunks live in separate classes; a document object is written only after
// all of its chunks, and readers resolve visible documents first.
package weaviate

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/go-openapi/strfmt"
	"github.com/google/uuid"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/filters"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/graphql"
	"github.com/weaviate/weaviate/entities/models"

	"github.com/cwru-xlab/case-study-ai-avatar-sub003/internal/knowledge"
	"github.com/cwru-xlab/case-study-ai-avatar-sub003/internal/vector"
)

const (
	defaultPageSize  = 100
	defaultBatchSize = 100
	// idsPerQuery bounds the OR filter when loading chunks of many documents.
	idsPerQuery = 50
)

var _ knowledge.Store = (*Store)(nil)

type Store struct {
	client    *weaviate.Client
	pageSize  int
	batchSize int
}

func NewStore(client *weaviate.Client) *Store {
	return &Store{client: client, pageSize: defaultPageSize, batchSize: defaultBatchSize}
}

func (s *Store) Schema() vector.SchemaClient {
	return vector.NewSchemaAdapter(s.client)
}

// chunkID derives a stable object id so a rewritten chunk replaces itself.
func chunkID(documentID string, index int) strfmt.UUID {
	return strfmt.UUID(uuid.NewSHA1(uuid.NameSpaceOID, fmt.Appendf(nil, "%s/%d", documentID, index)).String())
}

func (s *Store) PutDocument(ctx context.Context, doc knowledge.Document, chunks []knowledge.Chunk) error {
	if err := knowledge.ValidateChunks(doc.ID, chunks); err != nil {
		return err
	}

	objects := make([]*models.Object, len(chunks))
	for i, c := range chunks {
		objects[i] = &models.Object{
			Class: vector.ChunkClass,
			ID:    chunkID(doc.ID, c.Index),
			Properties: map[string]interface{}{
				"documentId":   doc.ID,
				"chunkIndex":   c.Index,
				"content":      c.Content,
				"overlapStart": c.OverlapStart,
				"overlapEnd":   c.OverlapEnd,
			},
			Vector: models.C11yVector(c.Vector),
		}
	}

	for start := 0; start < len(objects); start += s.batchSize {
		end := min(start+s.batchSize, len(objects))
		if err := s.writeBatch(ctx, objects[start:end]); err != nil {
			s.cleanup(ctx, doc.ID)
			return fmt.Errorf("writing chunks [%d:%d] of document %s: %w", start, end, doc.ID, err)
		}
	}

	_, err := s.client.Data().Creator().
		WithClassName(vector.DocumentClass).
		WithID(doc.ID).
		WithProperties(map[string]interface{}{
			"documentId": doc.ID,
			"scope":      string(doc.Scope),
			"filename":   doc.Filename,
			"mimeType":   doc.MimeType,
			"title":      doc.Title,
			"chunkCount": len(chunks),
			"createdAt":  doc.CreatedAt.UTC().Format(time.RFC3339Nano),
		}).
		Do(ctx)
	if err != nil {
		s.cleanup(ctx, doc.ID)
		return fmt.Errorf("writing document %s: %w", doc.ID, err)
	}
	return nil
}

func (s *Store) writeBatch(ctx context.Context, objects []*models.Object) error {
	resp, err := s.client.Batch().ObjectsBatcher().WithObjects(objects...).Do(ctx)
	if err != nil {
		return err
	}
	for _, r := range resp {
		if r.Result != nil && r.Result.Errors != nil && len(r.Result.Errors.Error) > 0 {
			return fmt.Errorf("object %s: %s", r.ID, r.Result.Errors.Error[0].Message)
		}
	}
	return nil
}

// cleanup removes chunks written for a document that never became visible.
func (s *Store) cleanup(ctx context.Context, documentID string) {
	ctx = context.WithoutCancel(ctx)
	if err := s.deleteChunks(ctx, documentID); err != nil {
		slog.ErrorContext(ctx, "failed to remove orphaned chunks", "document_id", documentID, "error", err)
	}
}

func (s *Store) deleteChunks(ctx context.Context, documentID string) error {
	_, err := s.client.Batch().ObjectsBatchDeleter().
		WithClassName(vector.ChunkClass).
		WithOutput("minimal").
		WithWhere(equal("documentId", documentID)).
		Do(ctx)
	return err
}

func equal(path, value string) *filters.WhereBuilder {
	return filters.Where().
		WithPath([]string{path}).
		WithOperator(filters.Equal).
		WithValueString(value)
}

// scopeFilter matches documents visible to scope. A nil result means no filter.
func scopeFilter(scope knowledge.Scope, all bool) *filters.WhereBuilder {
	if scope == "" {
		if all {
			return nil
		}
		return equal("scope", string(knowledge.Shared))
	}
	return filters.Where().
		WithOperator(filters.Or).
		WithOperands([]*filters.WhereBuilder{
			equal("scope", string(knowledge.Shared)),
			equal("scope", string(scope)),
		})
}

var documentFields = []graphql.Field{
	{Name: "documentId"},
	{Name: "scope"},
	{Name: "filename"},
	{Name: "mimeType"},
	{Name: "title"},
	{Name: "chunkCount"},
	{Name: "createdAt"},
}

var chunkFields = []graphql.Field{
	{Name: "documentId"},
	{Name: "chunkIndex"},
	{Name: "content"},
	{Name: "overlapStart"},
	{Name: "overlapEnd"},
	{Name: "_additional", Fields: []graphql.Field{{Name: "vector"}}},
}

// getAll pages through class until a short page comes back.
func (s *Store) getAll(ctx context.Context, class string, where *filters.WhereBuilder, fields []graphql.Field) ([]map[string]interface{}, error) {
	var out []map[string]interface{}
	for offset := 0; ; offset += s.pageSize {
		q := s.client.GraphQL().Get().
			WithClassName(class).
			WithLimit(s.pageSize).
			WithOffset(offset).
			WithFields(fields...)
		if where != nil {
			q = q.WithWhere(where)
		}
		res, err := q.Do(ctx)
		if err != nil {
			return nil, err
		}
		page, err := objects(res, "Get", class)
		if err != nil {
			return nil, err
		}
		out = append(out, page...)
		if len(page) < s.pageSize {
			return out, nil
		}
	}
}

func objects(res *models.GraphQLResponse, op, class string) ([]map[string]interface{}, error) {
	if len(res.Errors) > 0 {
		return nil, fmt.Errorf("graphql error: %s", res.Errors[0].Message)
	}
	data, ok := res.Data[op].(map[string]interface{})
	if !ok {
		return nil, nil
	}
	raw, ok := data[class].([]interface{})
	if !ok {
		return nil, nil
	}
	out := make([]map[string]interface{}, 0, len(raw))
	for _, r := range raw {
		if props, ok := r.(map[string]interface{}); ok {
			out = append(out, props)
		}
	}
	return out, nil
}

func str(props map[string]interface{}, key string) string {
	v, _ := props[key].(string)
	return v
}

func num(props map[string]interface{}, key string) int {
	v, _ := props[key].(float64)
	return int(v)
}

func toDocument(props map[string]interface{}) knowledge.Document {
	d := knowledge.Document{
		ID:         str(props, "documentId"),
		Scope:      knowledge.Scope(str(props, "scope")),
		Filename:   str(props, "filename"),
		MimeType:   str(props, "mimeType"),
		Title:      str(props, "title"),
		ChunkCount: num(props, "chunkCount"),
	}
	if t, err := time.Parse(time.RFC3339Nano, str(props, "createdAt")); err == nil {
		d.CreatedAt = t
	}
	return d
}

func toChunk(props map[string]interface{}) knowledge.Chunk {
	c := knowledge.Chunk{
		DocumentID:   str(props, "documentId"),
		Index:        num(props, "chunkIndex"),
		Content:      str(props, "content"),
		OverlapStart: num(props, "overlapStart"),
		OverlapEnd:   num(props, "overlapEnd"),
	}
	if additional, ok := props["_additional"].(map[string]interface{}); ok {
		if raw, ok := additional["vector"].([]interface{}); ok {
			c.Vector = make([]float32, len(raw))
			for i, v := range raw {
				f, _ := v.(float64)
				c.Vector[i] = float32(f)
			}
		}
	}
	return c
}

func (s *Store) ChunksForScope(ctx context.Context, scope knowledge.Scope) ([]knowledge.Candidate, error) {
	rawDocs, err := s.getAll(ctx, vector.DocumentClass, scopeFilter(scope, false), documentFields)
	if err != nil {
		return nil, fmt.Errorf("querying visible documents: %w", err)
	}
	docs := make(map[string]knowledge.Document, len(rawDocs))
	ids := make([]string, 0, len(rawDocs))
	for _, p := range rawDocs {
		d := toDocument(p)
		docs[d.ID] = d
		ids = append(ids, d.ID)
	}
	sort.Strings(ids)

	var out []knowledge.Candidate
	for start := 0; start < len(ids); start += idsPerQuery {
		group := ids[start:min(start+idsPerQuery, len(ids))]
		operands := make([]*filters.WhereBuilder, len(group))
		for i, id := range group {
			operands[i] = equal("documentId", id)
		}
		where := operands[0]
		if len(operands) > 1 {
			where = filters.Where().WithOperator(filters.Or).WithOperands(operands)
		}

		rawChunks, err := s.getAll(ctx, vector.ChunkClass, where, chunkFields)
		if err != nil {
			return nil, fmt.Errorf("querying chunks: %w", err)
		}
		for _, p := range rawChunks {
			c := toChunk(p)
			d, ok := docs[c.DocumentID]
			if !ok {
				continue
			}
			out = append(out, knowledge.Candidate{Chunk: c, DocumentTitle: d.Title, DocumentScope: d.Scope})
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].DocumentID != out[j].DocumentID {
			return out[i].DocumentID < out[j].DocumentID
		}
		return out[i].Index < out[j].Index
	})
	return out, nil
}

func (s *Store) ListDocuments(ctx context.Context, scope knowledge.Scope) ([]knowledge.Document, error) {
	raw, err := s.getAll(ctx, vector.DocumentClass, scopeFilter(scope, true), documentFields)
	if err != nil {
		return nil, fmt.Errorf("listing documents: %w", err)
	}
	docs := make([]knowledge.Document, len(raw))
	for i, p := range raw {
		docs[i] = toDocument(p)
	}
	sort.Slice(docs, func(i, j int) bool {
		if !docs[i].CreatedAt.Equal(docs[j].CreatedAt) {
			return docs[i].CreatedAt.After(docs[j].CreatedAt)
		}
		return docs[i].ID < docs[j].ID
	})
	return docs, nil
}

func (s *Store) GetDocument(ctx context.Context, id string) (*knowledge.Document, error) {
	res, err := s.client.GraphQL().Get().
		WithClassName(vector.DocumentClass).
		WithWhere(equal("documentId", id)).
		WithLimit(1).
		WithFields(documentFields...).
		Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("getting document %s: %w", id, err)
	}
	raw, err := objects(res, "Get", vector.DocumentClass)
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("document %s: %w", id, knowledge.ErrNotFound)
	}
	d := toDocument(raw[0])
	return &d, nil
}

// DeleteDocument hides the document first, then removes its chunks.
func (s *Store) DeleteDocument(ctx context.Context, id string) error {
	if _, err := s.GetDocument(ctx, id); err != nil {
		return err
	}
	if err := s.client.Data().Deleter().WithClassName(vector.DocumentClass).WithID(id).Do(ctx); err != nil {
		return fmt.Errorf("deleting document %s: %w", id, err)
	}
	if err := s.deleteChunks(ctx, id); err != nil {
		return fmt.Errorf("deleting chunks of document %s: %w", id, err)
	}
	return nil
}

func (s *Store) count(ctx context.Context, class string) (int, error) {
	res, err := s.client.GraphQL().Aggregate().
		WithClassName(class).
		WithFields(graphql.Field{Name: "meta", Fields: []graphql.Field{{Name: "count"}}}).
		Do(ctx)
	if err != nil {
		return 0, fmt.Errorf("counting %s: %w", class, err)
	}
	raw, err := objects(res, "Aggregate", class)
	if err != nil {
		return 0, err
	}
	if len(raw) == 0 {
		return 0, nil
	}
	meta, _ := raw[0]["meta"].(map[string]interface{})
	return num(meta, "count"), nil
}

func (s *Store) CountDocuments(ctx context.Context) (int, error) {
	return s.count(ctx, vector.DocumentClass)
}

func (s *Store) CountChunks(ctx context.Context) (int, error) {
	return s.count(ctx, vector.ChunkClass)
}
