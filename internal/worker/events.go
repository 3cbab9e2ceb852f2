package worker

// IngestTask is the ingest.task message body. The raw upload travels by
// reference through the blob store, never inside the message.
type IngestTask struct {
	JobID    string `json:"job_id"`
	BlobKey  string `json:"blob_key"`
	MimeType string `json:"mime_type"`
	Filename string `json:"filename"`
	Scope    string `json:"scope"`

	CorrelationID string `json:"correlation_id"`
}

func (t IngestTask) Valid() bool {
	return t.JobID != "" && t.BlobKey != ""
}
