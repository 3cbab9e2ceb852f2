// Package vector manages the Weaviate schema for the knowledge base.
package vector

import (
	"context"
	"fmt"

	"github.com/weaviate/weaviate/entities/models"
)

const (
	DocumentClass = "KnowledgeDocument"
	ChunkClass    = "KnowledgeChunk"
)

// SchemaClient defines the interface for Weaviate schema operations
type SchemaClient interface {
	ClassExists(ctx context.Context, className string) (bool, error)
	CreateClass(ctx context.Context, class *models.Class) error
	GetClass(ctx context.Context, className string) (*models.Class, error)
	AddProperty(ctx context.Context, className string, property *models.Property) error
}

// exact matches identifiers and scopes as whole values.
func exact(name string) *models.Property {
	return &models.Property{Name: name, DataType: []string{"text"}, Tokenization: models.PropertyTokenizationField}
}

func Classes() []*models.Class {
	return []*models.Class{
		{
			Class:       DocumentClass,
			Description: "An ingested knowledge base document",
			Vectorizer:  "none",
			Properties: []*models.Property{
				exact("documentId"),
				exact("scope"),
				{Name: "filename", DataType: []string{"text"}},
				exact("mimeType"),
				{Name: "title", DataType: []string{"text"}},
				{Name: "chunkCount", DataType: []string{"int"}},
				{Name: "createdAt", DataType: []string{"date"}},
			},
		},
		{
			Class:       ChunkClass,
			Description: "An embedded chunk of a knowledge base document",
			Vectorizer:  "none",
			Properties: []*models.Property{
				exact("documentId"),
				{Name: "chunkIndex", DataType: []string{"int"}},
				{Name: "content", DataType: []string{"text"}},
				{Name: "overlapStart", DataType: []string{"int"}},
				{Name: "overlapEnd", DataType: []string{"int"}},
			},
		},
	}
}

// EnsureSchema creates missing classes and adds properties missing from
// existing ones. Existing properties are never altered.
func EnsureSchema(ctx context.Context, client SchemaClient) error {
	for _, class := range Classes() {
		if err := ensureClass(ctx, client, class); err != nil {
			return fmt.Errorf("class %s: %w", class.Class, err)
		}
	}
	return nil
}

func ensureClass(ctx context.Context, client SchemaClient, want *models.Class) error {
	exists, err := client.ClassExists(ctx, want.Class)
	if err != nil {
		return err
	}
	if !exists {
		return client.CreateClass(ctx, want)
	}

	have, err := client.GetClass(ctx, want.Class)
	if err != nil {
		return err
	}
	existing := make(map[string]bool, len(have.Properties))
	for _, p := range have.Properties {
		existing[p.Name] = true
	}
	for _, p := range want.Properties {
		if existing[p.Name] {
			continue
		}
		if err := client.AddProperty(ctx, want.Class, p); err != nil {
			return err
		}
	}
	return nil
}
