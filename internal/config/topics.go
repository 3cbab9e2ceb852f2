package config

const (
	// TopicIngestTask is the NSQ topic for staged uploads awaiting ingestion.
	TopicIngestTask = "ingest.task"
)

// Topics lists every topic pre-created at startup.
var Topics = []string{TopicIngestTask}
