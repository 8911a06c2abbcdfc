// Package metadata is the durable record of upload sessions and video
// assets. All session mutations go through UpdateSession, which executes the
// mutator under a row lock so concurrent commits serialise on the store when
// the chunk index is unavailable.
package metadata

import (
	"context"
	"time"

	"video-ingest-api/internal/models"
)

// SessionMutator inspects and modifies a session inside UpdateSession. It
// runs with the row locked; returning an error aborts the update and the
// error is surfaced to the caller unchanged.
type SessionMutator func(*models.UploadSession) error

// VideoMutator modifies a video inside UpdateVideo under the same contract.
type VideoMutator func(*models.Video) error

// Store is the transactional metadata store behind the session manager and
// the workers.
type Store interface {
	// CreateSession persists a new session row.
	CreateSession(ctx context.Context, session *models.UploadSession) error

	// GetSession returns the session or apperrors.ErrNotFound.
	GetSession(ctx context.Context, id string) (*models.UploadSession, error)

	// UpdateSession applies the mutator under a row lock and returns the
	// post-image. Fails with apperrors.ErrNotFound when the row is absent.
	UpdateSession(ctx context.Context, id string, mutate SessionMutator) (*models.UploadSession, error)

	// DeleteSession removes the session row. Deleting an absent row is not
	// an error.
	DeleteSession(ctx context.Context, id string) error

	// ListSessionsByOwner returns one page of the owner's sessions, newest
	// first. page is 1-based.
	ListSessionsByOwner(ctx context.Context, owner string, page, limit int) ([]*models.UploadSession, error)

	// FindExpiredSessions returns sessions whose expires_at is before now.
	FindExpiredSessions(ctx context.Context, now time.Time) ([]*models.UploadSession, error)

	// CreateVideo persists a new video row. Fails with apperrors.ErrConflict
	// when the id already exists, which the assembly worker relies on for
	// redelivery detection.
	CreateVideo(ctx context.Context, video *models.Video) error

	// GetVideo returns the video or apperrors.ErrNotFound.
	GetVideo(ctx context.Context, id string) (*models.Video, error)

	// UpdateVideo applies the mutator under a row lock and returns the
	// post-image.
	UpdateVideo(ctx context.Context, id string, mutate VideoMutator) (*models.Video, error)

	// Ping verifies the store is reachable.
	Ping(ctx context.Context) error

	// Close releases the underlying connections.
	Close()
}
