package vector

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate/entities/models"
)

// SchemaAdapter exposes the schema calls of a Weaviate client as a SchemaClient.
type SchemaAdapter struct {
	client *weaviate.Client
}

func NewSchemaAdapter(client *weaviate.Client) *SchemaAdapter {
	return &SchemaAdapter{client: client}
}

func (a *SchemaAdapter) ClassExists(ctx context.Context, className string) (bool, error) {
	return a.client.Schema().ClassExistenceChecker().WithClassName(className).Do(ctx)
}

func (a *SchemaAdapter) CreateClass(ctx context.Context, class *models.Class) error {
	return a.client.Schema().ClassCreator().WithClass(class).Do(ctx)
}

func (a *SchemaAdapter) GetClass(ctx context.Context, className string) (*models.Class, error) {
	return a.client.Schema().ClassGetter().WithClassName(className).Do(ctx)
}

func (a *SchemaAdapter) AddProperty(ctx context.Context, className string, property *models.Property) error {
	return a.client.Schema().PropertyCreator().WithClassName(className).WithProperty(property).Do(ctx)
}

// EnsureSchemaWithRetry retries EnsureSchema at a fixed delay while Weaviate starts up.
func EnsureSchemaWithRetry(ctx context.Context, client SchemaClient, attempts int, delay time.Duration) error {
	if attempts < 1 {
		attempts = 1
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(delay), uint64(attempts-1)), ctx)
	err := backoff.RetryNotify(func() error {
		return EnsureSchema(ctx, client)
	}, policy, func(err error, next time.Duration) {
		slog.WarnContext(ctx, "weaviate schema not ready, retrying", "error", err, "retry_in", next)
	})
	if err != nil {
		return fmt.Errorf("ensuring weaviate schema: %w", err)
	}
	return nil
}
