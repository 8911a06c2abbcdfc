package metadata

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"video-ingest-api/internal/apperrors"
	"video-ingest-api/internal/models"
)

// PostgresStore implements Store on a pgx connection pool.
//
// Expected schema (migrations are managed outside this service):
//
//	CREATE TABLE sessions (
//	    id                TEXT PRIMARY KEY,
//	    owner             TEXT NOT NULL,
//	    target_filename   TEXT NOT NULL,
//	    original_filename TEXT NOT NULL,
//	    file_size         BIGINT NOT NULL,
//	    chunk_size        BIGINT NOT NULL,
//	    total_chunks      INTEGER NOT NULL,
//	    received          INTEGER[] NOT NULL DEFAULT '{}',
//	    state             TEXT NOT NULL,
//	    metadata          JSONB NOT NULL DEFAULT '{}',
//	    created_at        TIMESTAMPTZ NOT NULL,
//	    updated_at        TIMESTAMPTZ NOT NULL,
//	    expires_at        TIMESTAMPTZ NOT NULL
//	);
//	CREATE INDEX sessions_owner_idx ON sessions (owner, created_at DESC);
//	CREATE INDEX sessions_expires_idx ON sessions (expires_at);
//
//	CREATE TABLE videos (
//	    id            TEXT PRIMARY KEY,
//	    owner         TEXT NOT NULL,
//	    title         TEXT NOT NULL,
//	    description   TEXT NOT NULL DEFAULT '',
//	    tags          TEXT[] NOT NULL DEFAULT '{}',
//	    category      TEXT NOT NULL,
//	    mime_type     TEXT NOT NULL,
//	    storage_key   TEXT NOT NULL,
//	    thumbnail_key TEXT NOT NULL DEFAULT '',
//	    duration_s    DOUBLE PRECISION NOT NULL DEFAULT 0,
//	    resolution    TEXT NOT NULL DEFAULT '',
//	    codec         TEXT NOT NULL DEFAULT '',
//	    file_size     BIGINT NOT NULL DEFAULT 0,
//	    bitrate       BIGINT NOT NULL DEFAULT 0,
//	    state         TEXT NOT NULL,
//	    views         BIGINT NOT NULL DEFAULT 0,
//	    likes         BIGINT NOT NULL DEFAULT 0,
//	    created_at    TIMESTAMPTZ NOT NULL,
//	    updated_at    TIMESTAMPTZ NOT NULL
//	);
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects a pgx pool to the given DSN.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to create pgx pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &PostgresStore{pool: pool}, nil
}

const sessionColumns = `id, owner, target_filename, original_filename, file_size, chunk_size,
	total_chunks, received, state, metadata, created_at, updated_at, expires_at`

func scanSession(row pgx.Row) (*models.UploadSession, error) {
	var s models.UploadSession
	var received []int32
	var metaRaw []byte

	err := row.Scan(&s.ID, &s.Owner, &s.TargetFilename, &s.OriginalFilename,
		&s.FileSize, &s.ChunkSize, &s.TotalChunks, &received, &s.State,
		&metaRaw, &s.CreatedAt, &s.UpdatedAt, &s.ExpiresAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.NotFound("session")
		}
		return nil, apperrors.Transient("scan session", err)
	}

	s.Received = make([]int, len(received))
	for i, v := range received {
		s.Received[i] = int(v)
	}
	if len(metaRaw) > 0 {
		if err := json.Unmarshal(metaRaw, &s.Metadata); err != nil {
			return nil, fmt.Errorf("corrupt session metadata: %w", err)
		}
	}
	if s.Metadata == nil {
		s.Metadata = map[string]string{}
	}

	return &s, nil
}

func receivedToDB(received []int) []int32 {
	out := make([]int32, len(received))
	for i, v := range received {
		out[i] = int32(v)
	}
	return out
}

// CreateSession persists a new session row.
func (p *PostgresStore) CreateSession(ctx context.Context, s *models.UploadSession) error {
	metaRaw, err := json.Marshal(s.Metadata)
	if err != nil {
		return fmt.Errorf("marshal session metadata: %w", err)
	}

	_, err = p.pool.Exec(ctx, `INSERT INTO sessions (`+sessionColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
		s.ID, s.Owner, s.TargetFilename, s.OriginalFilename, s.FileSize,
		s.ChunkSize, s.TotalChunks, receivedToDB(s.Received), s.State,
		metaRaw, s.CreatedAt, s.UpdatedAt, s.ExpiresAt)
	if err != nil {
		if isUniqueViolation(err) {
			return apperrors.Conflict("session %s already exists", s.ID)
		}
		return apperrors.Transient("create session", err)
	}

	return nil
}

// GetSession returns the session or apperrors.ErrNotFound.
func (p *PostgresStore) GetSession(ctx context.Context, id string) (*models.UploadSession, error) {
	row := p.pool.QueryRow(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = $1`, id)
	return scanSession(row)
}

// UpdateSession applies the mutator inside a transaction holding the row
// lock (SELECT ... FOR UPDATE), then writes the full post-image back.
func (p *PostgresStore) UpdateSession(ctx context.Context, id string, mutate SessionMutator) (*models.UploadSession, error) {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return nil, apperrors.Transient("begin update session", err)
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = $1 FOR UPDATE`, id)
	session, err := scanSession(row)
	if err != nil {
		return nil, err
	}

	if err := mutate(session); err != nil {
		return nil, err
	}
	session.NormalizeReceived()
	session.UpdatedAt = time.Now().UTC()

	metaRaw, err := json.Marshal(session.Metadata)
	if err != nil {
		return nil, fmt.Errorf("marshal session metadata: %w", err)
	}

	_, err = tx.Exec(ctx, `UPDATE sessions SET received = $2, state = $3,
		metadata = $4, updated_at = $5 WHERE id = $1`,
		id, receivedToDB(session.Received), session.State, metaRaw, session.UpdatedAt)
	if err != nil {
		return nil, apperrors.Transient("update session", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, apperrors.Transient("commit update session", err)
	}

	return session, nil
}

// DeleteSession removes the session row.
func (p *PostgresStore) DeleteSession(ctx context.Context, id string) error {
	if _, err := p.pool.Exec(ctx, `DELETE FROM sessions WHERE id = $1`, id); err != nil {
		return apperrors.Transient("delete session", err)
	}
	return nil
}

// ListSessionsByOwner returns one page of the owner's sessions, newest first.
func (p *PostgresStore) ListSessionsByOwner(ctx context.Context, owner string, page, limit int) ([]*models.UploadSession, error) {
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = 20
	}

	rows, err := p.pool.Query(ctx, `SELECT `+sessionColumns+` FROM sessions
		WHERE owner = $1 ORDER BY created_at DESC LIMIT $2 OFFSET $3`,
		owner, limit, (page-1)*limit)
	if err != nil {
		return nil, apperrors.Transient("list sessions", err)
	}
	defer rows.Close()

	var sessions []*models.UploadSession
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, s)
	}

	return sessions, rows.Err()
}

// FindExpiredSessions returns sessions whose expires_at is before now.
func (p *PostgresStore) FindExpiredSessions(ctx context.Context, now time.Time) ([]*models.UploadSession, error) {
	rows, err := p.pool.Query(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE expires_at < $1`, now)
	if err != nil {
		return nil, apperrors.Transient("find expired sessions", err)
	}
	defer rows.Close()

	var sessions []*models.UploadSession
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, s)
	}

	return sessions, rows.Err()
}

const videoColumns = `id, owner, title, description, tags, category, mime_type, storage_key,
	thumbnail_key, duration_s, resolution, codec, file_size, bitrate, state,
	views, likes, created_at, updated_at`

func scanVideo(row pgx.Row) (*models.Video, error) {
	var v models.Video
	err := row.Scan(&v.ID, &v.Owner, &v.Title, &v.Description, &v.Tags,
		&v.Category, &v.MimeType, &v.StorageKey, &v.ThumbnailKey, &v.DurationS,
		&v.Resolution, &v.Codec, &v.FileSize, &v.Bitrate, &v.State, &v.Views,
		&v.Likes, &v.CreatedAt, &v.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.NotFound("video")
		}
		return nil, apperrors.Transient("scan video", err)
	}
	return &v, nil
}

// CreateVideo persists a new video row; duplicate ids surface as Conflict.
func (p *PostgresStore) CreateVideo(ctx context.Context, v *models.Video) error {
	_, err := p.pool.Exec(ctx, `INSERT INTO videos (`+videoColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19)`,
		v.ID, v.Owner, v.Title, v.Description, v.Tags, v.Category, v.MimeType,
		v.StorageKey, v.ThumbnailKey, v.DurationS, v.Resolution, v.Codec,
		v.FileSize, v.Bitrate, v.State, v.Views, v.Likes, v.CreatedAt, v.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return apperrors.Conflict("video %s already exists", v.ID)
		}
		return apperrors.Transient("create video", err)
	}

	return nil
}

// GetVideo returns the video or apperrors.ErrNotFound.
func (p *PostgresStore) GetVideo(ctx context.Context, id string) (*models.Video, error) {
	row := p.pool.QueryRow(ctx, `SELECT `+videoColumns+` FROM videos WHERE id = $1`, id)
	return scanVideo(row)
}

// UpdateVideo applies the mutator under a row lock and writes the post-image.
func (p *PostgresStore) UpdateVideo(ctx context.Context, id string, mutate VideoMutator) (*models.Video, error) {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return nil, apperrors.Transient("begin update video", err)
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx, `SELECT `+videoColumns+` FROM videos WHERE id = $1 FOR UPDATE`, id)
	video, err := scanVideo(row)
	if err != nil {
		return nil, err
	}

	if err := mutate(video); err != nil {
		return nil, err
	}
	video.UpdatedAt = time.Now().UTC()

	_, err = tx.Exec(ctx, `UPDATE videos SET title = $2, description = $3,
		tags = $4, category = $5, mime_type = $6, thumbnail_key = $7,
		duration_s = $8, resolution = $9, codec = $10, file_size = $11,
		bitrate = $12, state = $13, views = $14, likes = $15, updated_at = $16
		WHERE id = $1`,
		id, video.Title, video.Description, video.Tags, video.Category,
		video.MimeType, video.ThumbnailKey, video.DurationS, video.Resolution,
		video.Codec, video.FileSize, video.Bitrate, video.State, video.Views,
		video.Likes, video.UpdatedAt)
	if err != nil {
		return nil, apperrors.Transient("update video", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, apperrors.Transient("commit update video", err)
	}

	return video, nil
}

// Ping verifies the database is reachable.
func (p *PostgresStore) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

// Close releases the pool.
func (p *PostgresStore) Close() {
	p.pool.Close()
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
