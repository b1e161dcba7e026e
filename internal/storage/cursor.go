package storage

import (
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/cuongbtq/channelops/internal/domain"
)

// JobCursor marks the last row of a page for keyset pagination
type JobCursor struct {
	CreatedAt time.Time
	JobID     string
}

// CursorFor returns the cursor positioned at job
func CursorFor(job *domain.Job) *JobCursor {
	return &JobCursor{CreatedAt: job.CreatedAt, JobID: job.ID}
}

// Before reports whether job sorts after the cursor in created_at DESC, id DESC order
func (c *JobCursor) Before(job *domain.Job) bool {
	if job.CreatedAt.Equal(c.CreatedAt) {
		return job.ID < c.JobID
	}
	return job.CreatedAt.Before(c.CreatedAt)
}

// DecodeJobCursor parses an opaque cursor. An empty string yields a nil cursor.
func DecodeJobCursor(cursorStr string) (*JobCursor, error) {
	if cursorStr == "" {
		return nil, nil
	}

	decoded, err := base64.StdEncoding.DecodeString(cursorStr)
	if err != nil {
		return nil, fmt.Errorf("invalid cursor encoding: %w", err)
	}

	parts := strings.SplitN(string(decoded), "|", 2)
	if len(parts) != 2 || parts[1] == "" {
		return nil, fmt.Errorf("invalid cursor format")
	}

	var createdAt int64
	if _, err := fmt.Sscanf(parts[0], "%d", &createdAt); err != nil {
		return nil, fmt.Errorf("invalid createdAt in cursor: %w", err)
	}

	return &JobCursor{
		CreatedAt: time.Unix(0, createdAt).UTC(),
		JobID:     parts[1],
	}, nil
}

// EncodeJobCursor renders the cursor as base64("<unix nanos>|<job id>")
func EncodeJobCursor(cursor *JobCursor) string {
	cs := fmt.Sprintf("%d|%s", cursor.CreatedAt.UnixNano(), cursor.JobID)
	return base64.StdEncoding.EncodeToString([]byte(cs))
}
