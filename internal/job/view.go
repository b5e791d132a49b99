package job

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// View is the externally visible representation of a job.
type View struct {
	JobID        uuid.UUID   `json:"job_id"`
	Status       Status      `json:"status"`
	Progress     int         `json:"progress"`
	RequestID    string      `json:"request_id"`
	CreatedAt    time.Time   `json:"created_at"`
	StartedAt    *time.Time  `json:"started_at,omitempty"`
	FinishedAt   *time.Time  `json:"finished_at,omitempty"`
	ExpiresAt    time.Time   `json:"expires_at"`
	ResultsCount int         `json:"results_count"`
	Results      []Result    `json:"results,omitempty"`
	ItemErrors   []ItemError `json:"item_errors,omitempty"`
	Error        *Failure    `json:"error,omitempty"`
}

// View returns the external representation of the job.
func (j *Job) View() View {
	return View{
		JobID:        j.ID,
		Status:       j.Status,
		Progress:     j.Progress,
		RequestID:    j.RequestID,
		CreatedAt:    j.CreatedAt,
		StartedAt:    j.StartedAt,
		FinishedAt:   j.FinishedAt,
		ExpiresAt:    j.ExpiresAt,
		ResultsCount: len(j.Results),
		Results:      j.Results,
		ItemErrors:   j.ItemErrors,
		Error:        j.Error,
	}
}

// ComputeETag hashes the canonical JSON of a view into a strong entity tag.
func ComputeETag(v View) string {
	data, err := json.Marshal(v)
	if err != nil {
		// View holds only plain data; marshal cannot fail in practice.
		data = []byte(v.JobID.String() + string(v.Status))
	}
	sum := sha256.Sum256(data)
	return `"` + hex.EncodeToString(sum[:16]) + `"`
}

// RefreshETag recomputes the job's entity tag from its current view.
func (j *Job) RefreshETag() {
	j.ETag = ComputeETag(j.View())
}
