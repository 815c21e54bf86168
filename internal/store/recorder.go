package store

import (
	"time"

	"overseer/internal/logging"
	"overseer/internal/types"
)

// Recorder adapts Repository to the engine's persistence hooks.
// Persistence is best effort; failures are logged and never block
// event application.
type Recorder struct {
	repo   *Repository
	logger logging.Logger
}

func NewRecorder(repo *Repository, logger logging.Logger) *Recorder {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Recorder{repo: repo, logger: logger}
}

func (r *Recorder) RecordSession(session types.Session) {
	if err := r.repo.PutSession(session); err != nil {
		r.logger.Warn("session_record_failed", logging.F("session_id", session.ID), logging.Err(err))
	}
}

func (r *Recorder) RecordSessionStatus(sessionID string, status types.SessionStatus, at time.Time) {
	if err := r.repo.PutSessionStatus(sessionID, status, at); err != nil {
		r.logger.Warn("status_record_failed", logging.F("session_id", sessionID), logging.Err(err))
	}
}

func (r *Recorder) RecordTodos(sessionID string, todos []types.TodoItem) {
	if err := r.repo.PutTodos(sessionID, todos); err != nil {
		r.logger.Warn("todos_record_failed", logging.F("session_id", sessionID), logging.Err(err))
	}
}

func (r *Recorder) RemoveSession(sessionID string) {
	if err := r.repo.DeleteSession(sessionID); err != nil {
		r.logger.Warn("session_delete_failed", logging.F("session_id", sessionID), logging.Err(err))
	}
}
