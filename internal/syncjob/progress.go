package syncjob

import (
	"context"
	"time"

	"github.com/teemow/inboxsync/internal/syncstate"
)

// Progress is the polled view of a task. A reaped task has the same shape as
// one that failed normally.
type Progress struct {
	TaskID          string           `json:"task_id"`
	UserID          string           `json:"user_id"`
	State           string           `json:"state"`
	IsRunning       bool             `json:"is_running"`
	Progress        int              `json:"progress"`
	Stats           *syncstate.Stats `json:"stats"`
	Error           *string          `json:"error"`
	StartedAt       *time.Time       `json:"started_at"`
	UpdatedAt       time.Time        `json:"updated_at"`
	LastHeartbeatAt time.Time        `json:"last_heartbeat_at"`
}

// ProgressOf builds the polled view of a row for taskID.
func ProgressOf(taskID string, st *syncstate.Status) Progress {
	p := Progress{
		TaskID:          taskID,
		UserID:          st.UserID,
		State:           st.State.Phase().String(),
		IsRunning:       st.IsRunning(),
		Progress:        st.Progress(),
		Stats:           st.Stats,
		StartedAt:       st.StartedAt,
		UpdatedAt:       st.UpdatedAt,
		LastHeartbeatAt: st.LastHeartbeatAt,
	}
	if st.ErrorMessage != "" {
		msg := st.ErrorMessage
		p.Error = &msg
	}
	return p
}

// GetProgress returns the state of the row that last ran taskID. It returns
// syncstate.ErrNotFound for unknown tasks and for tasks superseded by a newer
// start for the same user.
func (c *Controller) GetProgress(ctx context.Context, taskID string) (Progress, error) {
	st, err := c.store.GetByTaskID(ctx, taskID)
	if err != nil {
		return Progress{}, err
	}
	return ProgressOf(taskID, st), nil
}
