package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// releaseIfOwner deletes a name mapping only if it still points at the
// given session.
var releaseIfOwner = redis.NewScript(`
if redis.call("HGET", KEYS[1], ARGV[1]) == ARGV[2] then
	return redis.call("HDEL", KEYS[1], ARGV[1])
end
return 0
`)

// UpdateLastActivity updates just the last activity timestamp and refreshes
// the TTL.
func (r *SessionRepository) UpdateLastActivity(ctx context.Context, sessionID string) error {
	key := sessionKey(sessionID)

	n, err := r.redis.client.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("failed to update last activity: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}

	_, err = r.redis.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, "last_activity", time.Now().Format(time.RFC3339))
		pipe.Expire(ctx, key, r.ttl)
		pipe.Expire(ctx, pagesKey(sessionID), r.ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to update last activity: %w", err)
	}
	return nil
}

// UpdateStatus sets the stored status of a session.
func (r *SessionRepository) UpdateStatus(ctx context.Context, sessionID, status string) error {
	if err := r.redis.client.HSet(ctx, sessionKey(sessionID), "status", status).Err(); err != nil {
		return fmt.Errorf("failed to update status: %w", err)
	}
	if status != "active" {
		r.redis.client.SRem(ctx, activeSessionsKey, sessionID)
	}
	return nil
}

// SavePages stores pages as JSON string. An empty list removes the key.
func (r *SessionRepository) SavePages(ctx context.Context, sessionID string, pages []PageState) error {
	key := pagesKey(sessionID)
	if len(pages) == 0 {
		return r.redis.client.Del(ctx, key).Err()
	}

	data, err := json.Marshal(pages)
	if err != nil {
		return fmt.Errorf("failed to marshal pages: %w", err)
	}
	if err := r.redis.client.Set(ctx, key, data, r.ttl).Err(); err != nil {
		return fmt.Errorf("failed to save pages: %w", err)
	}
	return nil
}

// GetPages retrieves pages
func (r *SessionRepository) GetPages(ctx context.Context, sessionID string) ([]PageState, error) {
	data, err := r.redis.client.Get(ctx, pagesKey(sessionID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get pages: %w", err)
	}

	var pages []PageState
	if err := json.Unmarshal(data, &pages); err != nil {
		return nil, fmt.Errorf("failed to unmarshal pages: %w", err)
	}
	return pages, nil
}

// GetSessionByName retrieves session ID by agent + name
func (r *SessionRepository) GetSessionByName(ctx context.Context, agentID, sessionName string) (string, error) {
	sessionID, err := r.redis.client.HGet(ctx, agentNamesKey(agentID), sessionName).Result()
	if errors.Is(err, redis.Nil) {
		return "", fmt.Errorf("%w: no session named %q", ErrSessionNotFound, sessionName)
	}
	if err != nil {
		return "", fmt.Errorf("failed to look up session name: %w", err)
	}
	return sessionID, nil
}

// CheckSessionNameExists checks if a session name is already taken by an agent
func (r *SessionRepository) CheckSessionNameExists(ctx context.Context, agentID, sessionName string) (bool, error) {
	exists, err := r.redis.client.HExists(ctx, agentNamesKey(agentID), sessionName).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check session name: %w", err)
	}
	return exists, nil
}

// ReserveSessionName atomically reserves a session name for an agent.
// Reserving a name the session already holds succeeds.
func (r *SessionRepository) ReserveSessionName(ctx context.Context, agentID, sessionName, sessionID string) error {
	key := agentNamesKey(agentID)

	ok, err := r.redis.client.HSetNX(ctx, key, sessionName, sessionID).Result()
	if err != nil {
		return fmt.Errorf("failed to reserve session name: %w", err)
	}
	if !ok {
		owner, err := r.redis.client.HGet(ctx, key, sessionName).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return fmt.Errorf("failed to reserve session name: %w", err)
		}
		if owner != sessionID {
			return fmt.Errorf("%w: %q for agent %q", ErrNameTaken, sessionName, agentID)
		}
	}

	if err := r.redis.client.Expire(ctx, key, r.ttl).Err(); err != nil {
		r.logger.Warnf("SessionRepository:ReserveSessionName", "agent:%s failed to set TTL on session names: %v", agentID, err)
	}
	return nil
}

// ReleaseSessionName removes the name mapping when session is deleted
func (r *SessionRepository) ReleaseSessionName(ctx context.Context, agentID, sessionName string) error {
	if sessionName == "" || agentID == "" {
		return nil
	}
	return r.redis.client.HDel(ctx, agentNamesKey(agentID), sessionName).Err()
}

func (r *SessionRepository) releaseOwnedName(ctx context.Context, agentID, sessionName, sessionID string) error {
	return releaseIfOwner.Run(ctx, r.redis.client, []string{agentNamesKey(agentID)}, sessionName, sessionID).Err()
}

// RenameSession moves a session to a new name. The new name is reserved
// before the old one is released.
func (r *SessionRepository) RenameSession(ctx context.Context, sessionID, agentID, oldName, newName string) error {
	if err := r.ReserveSessionName(ctx, agentID, newName, sessionID); err != nil {
		return err
	}
	if oldName != newName {
		if err := r.releaseOwnedName(ctx, agentID, oldName, sessionID); err != nil {
			r.logger.Warnf("SessionRepository:RenameSession", "sid:%s failed to release old name %q: %v", sessionID, oldName, err)
		}
	}

	if err := r.redis.client.HSet(ctx, sessionKey(sessionID), "session_name", newName).Err(); err != nil {
		return fmt.Errorf("failed to update session name: %w", err)
	}

	r.logger.Infof("SessionRepository:RenameSession", "sid:%s renamed %q -> %q", sessionID, oldName, newName)
	return nil
}

// CountAgentSessions returns the number of sessions tracked for an agent
func (r *SessionRepository) CountAgentSessions(ctx context.Context, agentID string) (int, error) {
	count, err := r.redis.client.SCard(ctx, agentSessionsKey(agentID)).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to count agent sessions: %w", err)
	}
	return int(count), nil
}

// ListAgentSessions returns all sessions of an agent. IDs whose session hash
// expired are dropped from the agent's set.
func (r *SessionRepository) ListAgentSessions(ctx context.Context, agentID string) ([]*SessionState, error) {
	key := agentSessionsKey(agentID)
	sessionIDs, err := r.redis.client.SMembers(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list agent sessions: %w", err)
	}

	sessions := make([]*SessionState, 0, len(sessionIDs))
	for _, sessionID := range sessionIDs {
		state, err := r.GetSession(ctx, sessionID)
		if errors.Is(err, ErrSessionNotFound) {
			r.redis.client.SRem(ctx, key, sessionID)
			continue
		}
		if err != nil {
			r.logger.Warnf("SessionRepository:ListAgentSessions", "sid:%s failed to load: %v", sessionID, err)
			continue
		}
		sessions = append(sessions, state)
	}
	return sessions, nil
}
