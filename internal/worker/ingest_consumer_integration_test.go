package worker_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/nsqio/go-nsq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cwru-xlab/case-study-ai-avatar-sub003/internal/config"
	"github.com/cwru-xlab/case-study-ai-avatar-sub003/internal/middleware"
	"github.com/cwru-xlab/case-study-ai-avatar-sub003/internal/testutils"
	"github.com/cwru-xlab/case-study-ai-avatar-sub003/internal/worker"
)

type chanProcessor struct {
	got chan worker.IngestTask
	ids chan string
}

func (p *chanProcessor) Process(ctx context.Context, task worker.IngestTask) error {
	p.ids <- middleware.GetJobID(ctx)
	p.got <- task
	return nil
}

func TestIngestConsumer_NSQIntegration(t *testing.T) {
	suite := testutils.NewIntegrationSuite(t)
	suite.WithNSQ = true
	suite.Setup()

	p := &chanProcessor{got: make(chan worker.IngestTask, 1), ids: make(chan string, 1)}

	consumer, err := nsq.NewConsumer(config.TopicIngestTask, "integration", nsq.NewConfig())
	require.NoError(t, err)
	consumer.AddHandler(worker.NewIngestConsumer(p))

	task := worker.IngestTask{JobID: "job-1", BlobKey: "job-1", MimeType: "text/plain", Filename: "a.txt", Scope: "shared", CorrelationID: "req-1"}
	body, err := json.Marshal(task)
	require.NoError(t, err)
	// Creates the topic before the consumer subscribes.
	require.NoError(t, suite.NSQ.Publish(config.TopicIngestTask, body))

	require.NoError(t, consumer.ConnectToNSQD(suite.NSQDAddr))
	defer consumer.Stop()

	select {
	case got := <-p.got:
		assert.Equal(t, task, got)
		assert.Equal(t, "job-1", <-p.ids)
	case <-time.After(10 * time.Second):
		t.Fatal("task was not delivered")
	}
}
