// Package testutils starts the backing services for integration tests in
// containers. Tests using it skip under -short.
package testutils

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	_ "github.com/lib/pq"
	"github.com/nsqio/go-nsq"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"
)

type IntegrationSuite struct {
	T        *testing.T
	DB       *sql.DB
	Weaviate *weaviate.Client
	NSQ      *nsq.Producer
	NSQDAddr string

	// Services to start besides Postgres.
	WithWeaviate bool
	WithNSQ      bool

	pgContainer       *postgres.PostgresContainer
	weaviateContainer testcontainers.Container
	nsqContainer      testcontainers.Container
}

func NewIntegrationSuite(t *testing.T) *IntegrationSuite {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	return &IntegrationSuite{T: t}
}

func (s *IntegrationSuite) Setup() {
	ctx := context.Background()
	s.T.Cleanup(s.Teardown)

	// Postgres with the vector extension available
	pgContainer, err := postgres.Run(ctx,
		"pgvector/pgvector:pg16",
		postgres.WithDatabase("avatar_kb_test"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	require.NoError(s.T, err)
	s.pgContainer = pgContainer

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(s.T, err)

	s.DB, err = sql.Open("postgres", connStr)
	require.NoError(s.T, err)

	_, b, _, _ := runtime.Caller(0)
	migrationPath := fmt.Sprintf("file://%s/../../migrations", filepath.Dir(b))

	m, err := migrate.New(migrationPath, connStr)
	require.NoError(s.T, err)
	require.NoError(s.T, m.Up())

	if s.WithWeaviate {
		s.startWeaviate(ctx)
	}
	if s.WithNSQ {
		s.startNSQ(ctx)
	}
}

func (s *IntegrationSuite) startWeaviate(ctx context.Context) {
	req := testcontainers.ContainerRequest{
		Image:        "semitechnologies/weaviate:1.33.6",
		ExposedPorts: []string{"8080/tcp", "50051/tcp"},
		Env: map[string]string{
			"AUTHENTICATION_ANONYMOUS_ACCESS_ENABLED": "true",
			"DEFAULT_VECTORIZER_MODULE":               "none",
			"PERSISTENCE_DATA_PATH":                   "/var/lib/weaviate",
		},
		WaitingFor: wait.ForHTTP("/v1/meta").WithPort("8080/tcp").WithStartupTimeout(60 * time.Second),
	}
	c, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(s.T, err)
	s.weaviateContainer = c

	host, err := c.Host(ctx)
	require.NoError(s.T, err)
	port, err := c.MappedPort(ctx, "8080")
	require.NoError(s.T, err)

	s.Weaviate, err = weaviate.NewClient(weaviate.Config{
		Host:   fmt.Sprintf("%s:%s", host, port.Port()),
		Scheme: "http",
	})
	require.NoError(s.T, err)
}

func (s *IntegrationSuite) startNSQ(ctx context.Context) {
	req := testcontainers.ContainerRequest{
		Image:        "nsqio/nsq:v1.3.0",
		ExposedPorts: []string{"4150/tcp", "4151/tcp"},
		Cmd:          []string{"/nsqd", "--broadcast-address=localhost"},
		WaitingFor:   wait.ForLog("TCP: listening on").WithStartupTimeout(60 * time.Second),
	}
	c, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(s.T, err)
	s.nsqContainer = c

	host, err := c.Host(ctx)
	require.NoError(s.T, err)
	port, err := c.MappedPort(ctx, "4150")
	require.NoError(s.T, err)

	s.NSQDAddr = fmt.Sprintf("%s:%s", host, port.Port())
	s.NSQ, err = nsq.NewProducer(s.NSQDAddr, nsq.NewConfig())
	require.NoError(s.T, err)
}

func (s *IntegrationSuite) Teardown() {
	ctx := context.Background()
	if s.NSQ != nil {
		s.NSQ.Stop()
		s.NSQ = nil
	}
	if s.DB != nil {
		s.DB.Close()
		s.DB = nil
	}
	if s.pgContainer != nil {
		_ = s.pgContainer.Terminate(ctx)
		s.pgContainer = nil
	}
	if s.weaviateContainer != nil {
		_ = s.weaviateContainer.Terminate(ctx)
		s.weaviateContainer = nil
	}
	if s.nsqContainer != nil {
		_ = s.nsqContainer.Terminate(ctx)
		s.nsqContainer = nil
	}
}

// PostgresAddr returns the mapped host and port of the Postgres container.
func (s *IntegrationSuite) PostgresAddr() (string, int) {
	ctx := context.Background()
	host, err := s.pgContainer.Host(ctx)
	require.NoError(s.T, err)
	port, err := s.pgContainer.MappedPort(ctx, "5432/tcp")
	require.NoError(s.T, err)
	return host, port.Int()
}
