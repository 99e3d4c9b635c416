package services

import (
	"context"

	"github.com/yoockh/cogload/internal/models"
	"github.com/yoockh/cogload/internal/utils"
)

const MaxSessionList = 200

// SessionRecords is the durable session table. postgres.SessionRepo
// satisfies it.
type SessionRecords interface {
	Get(ctx context.Context, sessionID string) (*models.Session, error)
	ListByUser(ctx context.Context, userID string, limit int) ([]models.Session, error)
}

// SessionService reads finished and running sessions from the durable store,
// as opposed to QueryService which reads live state.
type SessionService interface {
	Get(ctx context.Context, sessionID string) (*models.Session, error)
	ListByUser(ctx context.Context, userID string, limit int) ([]models.Session, error)
}

type sessionService struct {
	sessions SessionRecords
}

func NewSessionService(sessions SessionRecords) SessionService {
	return &sessionService{sessions: sessions}
}

func (s *sessionService) Get(ctx context.Context, sessionID string) (*models.Session, error) {
	const op = "SessionService.Get"

	if sessionID == "" {
		return nil, utils.E(utils.CodeInvalidArgument, op, "session_id is required", nil)
	}
	if s.sessions == nil {
		return nil, utils.E(utils.CodeUnavailable, op, "session store not configured", nil)
	}

	out, err := s.sessions.Get(ctx, sessionID)
	if err != nil {
		if utils.CodeOf(err) == utils.CodeNotFound {
			return nil, utils.E(utils.CodeNotFound, op, "session not found", err)
		}
		return nil, utils.E(utils.CodeInternal, op, "failed to get session", err)
	}
	return out, nil
}

func (s *sessionService) ListByUser(ctx context.Context, userID string, limit int) ([]models.Session, error) {
	const op = "SessionService.ListByUser"

	if userID == "" {
		return nil, utils.E(utils.CodeInvalidArgument, op, "user_id is required", nil)
	}
	if s.sessions == nil {
		return nil, utils.E(utils.CodeUnavailable, op, "session store not configured", nil)
	}
	if limit <= 0 {
		limit = 50
	}
	if limit > MaxSessionList {
		limit = MaxSessionList
	}

	out, err := s.sessions.ListByUser(ctx, userID, limit)
	if err != nil {
		return nil, utils.E(utils.CodeInternal, op, "failed to list sessions", err)
	}
	return out, nil
}
