package models

// Job payloads carried on the work bus. All fields travel inside the message
// envelope; workers hold no state between deliveries.

// CommitChunkJob asks the commit worker to promote a temp blob to its
// canonical chunk key and record the receipt.
type CommitChunkJob struct {
	SessionID  string `json:"session_id"`
	ChunkIndex int    `json:"chunk_index"`
	TempKey    string `json:"temp_key"`
	Owner      string `json:"owner"`
}

// AssembleFileJob asks the assembly worker to concatenate a completed
// session's chunks into the final blob. Safe to deliver more than once.
type AssembleFileJob struct {
	SessionID string `json:"session_id"`
	Owner     string `json:"owner"`
}

// ProcessVideoJob asks the post-processing worker to probe the assembled
// blob and generate its thumbnail.
type ProcessVideoJob struct {
	VideoID    string `json:"video_id"`
	StorageKey string `json:"storage_key"`
	Owner      string `json:"owner"`
}
