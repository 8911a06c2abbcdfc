package models

// ErrorResponse represents a generic error payload used across endpoints.
type ErrorResponse struct {
	Error   string `json:"error" example:"Invalid request"`
	Details string `json:"details,omitempty" example:"file size exceeds 5 GiB"`
}

// InitializeUploadRequest is the body of POST /upload/initialize.
type InitializeUploadRequest struct {
	Filename  string            `json:"filename" example:"holiday.mp4"`
	FileSize  int64             `json:"fileSize" example:"2621440"`
	ChunkSize int64             `json:"chunkSize" example:"1048576"`
	Metadata  map[string]string `json:"metadata"`
}

// InitializeUploadResponse is returned with 201 after a session is created.
type InitializeUploadResponse struct {
	SessionID      string `json:"sessionId"`
	TotalChunks    int    `json:"totalChunks" example:"3"`
	ChunkSize      int64  `json:"chunkSize" example:"1048576"`
	UploadedChunks []int  `json:"uploadedChunks"`
}

// ChunkUploadResponse acknowledges that a chunk payload has been accepted
// and queued for commit. A 200 here does not mean the chunk is committed;
// clients poll status.
type ChunkUploadResponse struct {
	SessionID  string `json:"sessionId"`
	ChunkIndex int    `json:"chunkIndex" example:"1"`
	Status     string `json:"status" example:"queued"`
}

// UploadStatusResponse is the body of GET /upload/status/:sessionId.
type UploadStatusResponse struct {
	SessionID      string  `json:"sessionId"`
	UploadedChunks []int   `json:"uploadedChunks"`
	TotalChunks    int     `json:"totalChunks" example:"3"`
	Status         string  `json:"status" example:"uploading"`
	Progress       float64 `json:"progress" example:"66.67"`
}

// ResumeUploadResponse tells a reconnecting client which chunks are still
// outstanding.
type ResumeUploadResponse struct {
	SessionID     string `json:"sessionId"`
	MissingChunks []int  `json:"missingChunks"`
	Status        string `json:"status" example:"pending"`
}

// SessionListResponse is a page of the caller's in-flight sessions.
type SessionListResponse struct {
	Sessions []*UploadSession `json:"sessions"`
	Page     int              `json:"page" example:"1"`
	Limit    int              `json:"limit" example:"20"`
}

// MessageResponse represents a simple success payload with contextual message.
type MessageResponse struct {
	Success bool   `json:"success" example:"true"`
	Message string `json:"message" example:"upload cancelled"`
}
