package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/dhruvsoni1802/browser-bidi/internal/log"
)

const activeSessionsKey = "active:sessions"

func sessionKey(id string) string       { return "session:" + id }
func pagesKey(id string) string         { return "session:" + id + ":pages" }
func agentSessionsKey(id string) string { return "agent:" + id + ":sessions" }
func agentNamesKey(id string) string    { return "agent:" + id + ":session_names" }

// SessionRepository handles session persistence in Redis.
//
//	session:<id>                 hash of session metadata
//	session:<id>:pages           JSON list of open pages
//	active:sessions              set of live session IDs
//	agent:<agent>:sessions       set of the agent's session IDs
//	agent:<agent>:session_names  hash of name -> session ID
type SessionRepository struct {
	redis  *RedisClient
	ttl    time.Duration
	logger *log.Logger
}

// NewSessionRepository creates a new session repository
func NewSessionRepository(redisClient *RedisClient, ttl time.Duration, logger *log.Logger) *SessionRepository {
	return &SessionRepository{
		redis:  redisClient,
		ttl:    ttl,
		logger: logger,
	}
}

// SaveSession persists session state. The session name is reserved for the
// agent first; a name held by another session fails with ErrNameTaken.
func (r *SessionRepository) SaveSession(ctx context.Context, state *SessionState) error {
	if state.AgentID != "" {
		if err := r.ReserveSessionName(ctx, state.AgentID, state.SessionName, state.SessionID); err != nil {
			return err
		}
	}

	key := sessionKey(state.SessionID)
	fields := map[string]any{
		"session_id":      state.SessionID,
		"session_name":    state.SessionName,
		"agent_id":        state.AgentID,
		"endpoint_url":    state.EndpointURL,
		"user_context_id": state.UserContextID,
		"created_at":      state.CreatedAt.Format(time.RFC3339),
		"last_activity":   state.LastActivity.Format(time.RFC3339),
		"status":          state.Status,
	}

	_, err := r.redis.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, fields)
		pipe.Expire(ctx, key, r.ttl)
		pipe.SAdd(ctx, activeSessionsKey, state.SessionID)
		if state.AgentID != "" {
			pipe.SAdd(ctx, agentSessionsKey(state.AgentID), state.SessionID)
			pipe.Expire(ctx, agentSessionsKey(state.AgentID), r.ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}

	if len(state.Pages) > 0 {
		if err := r.SavePages(ctx, state.SessionID, state.Pages); err != nil {
			r.logger.Warnf("SessionRepository:SaveSession", "sid:%s failed to save pages: %v", state.SessionID, err)
		}
	}

	r.logger.Debugf("SessionRepository:SaveSession", "sid:%s saved", state.SessionID)
	return nil
}

// GetSession retrieves session state. A missing session is ErrSessionNotFound.
func (r *SessionRepository) GetSession(ctx context.Context, sessionID string) (*SessionState, error) {
	data, err := r.redis.client.HGetAll(ctx, sessionKey(sessionID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}

	state := &SessionState{
		SessionID:     data["session_id"],
		SessionName:   data["session_name"],
		AgentID:       data["agent_id"],
		EndpointURL:   data["endpoint_url"],
		UserContextID: data["user_context_id"],
		Status:        data["status"],
	}
	if createdAt, err := time.Parse(time.RFC3339, data["created_at"]); err == nil {
		state.CreatedAt = createdAt
	}
	if lastActivity, err := time.Parse(time.RFC3339, data["last_activity"]); err == nil {
		state.LastActivity = lastActivity
	}

	pages, err := r.GetPages(ctx, sessionID)
	if err != nil {
		r.logger.Warnf("SessionRepository:GetSession", "sid:%s failed to load pages: %v", sessionID, err)
	}
	state.Pages = pages

	return state, nil
}

// ListActiveSessions returns all active session IDs
func (r *SessionRepository) ListActiveSessions(ctx context.Context) ([]string, error) {
	sessions, err := r.redis.client.SMembers(ctx, activeSessionsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list active sessions: %w", err)
	}
	return sessions, nil
}

// DeleteSession removes the session and everything indexing it.
func (r *SessionRepository) DeleteSession(ctx context.Context, sessionID string) error {
	key := sessionKey(sessionID)

	data, err := r.redis.client.HMGet(ctx, key, "agent_id", "session_name").Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("failed to read session: %w", err)
	}
	var agentID, sessionName string
	if len(data) == 2 {
		agentID, _ = data[0].(string)
		sessionName, _ = data[1].(string)
	}

	_, err = r.redis.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, key, pagesKey(sessionID))
		pipe.SRem(ctx, activeSessionsKey, sessionID)
		if agentID != "" {
			pipe.SRem(ctx, agentSessionsKey(agentID), sessionID)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}

	if agentID != "" && sessionName != "" {
		if err := r.releaseOwnedName(ctx, agentID, sessionName, sessionID); err != nil {
			r.logger.Warnf("SessionRepository:DeleteSession", "sid:%s failed to release name %q: %v", sessionID, sessionName, err)
		}
	}

	r.logger.Debugf("SessionRepository:DeleteSession", "sid:%s deleted", sessionID)
	return nil
}
