// Package sessions provides session resolution for incoming runs.
package sessions

import (
	"context"
	"sync"

	"counsel/internal/agent/ports"
	"counsel/internal/logging"
	"counsel/internal/utils/id"
)

// DefaultUserID is assigned to sessions created without authentication.
const DefaultUserID = "web-user"

// InMemoryResolver keeps sessions in process memory. Lookups are get-or-create:
// an unknown session id is registered on first use rather than rejected, which
// lets stateless web clients reconnect with ids they minted earlier.
type InMemoryResolver struct {
	mu       sync.RWMutex
	sessions map[string]ports.Session
	appName  string
	logger   logging.Logger
}

// NewInMemoryResolver creates an empty resolver.
func NewInMemoryResolver(appName string, logger logging.Logger) *InMemoryResolver {
	return &InMemoryResolver{
		sessions: make(map[string]ports.Session),
		appName:  appName,
		logger:   logging.OrNop(logger),
	}
}

// EnsureSession implements ports.SessionResolver. A session keeps the user it
// was created with; later lookups with a different user id still return it.
func (r *InMemoryResolver) EnsureSession(_ context.Context, userID, sessionID string) (ports.Session, error) {
	if sessionID != "" {
		r.mu.RLock()
		existing, ok := r.sessions[sessionID]
		r.mu.RUnlock()
		if ok {
			return existing, nil
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if sessionID == "" {
		sessionID = id.NewSessionID()
	} else if existing, ok := r.sessions[sessionID]; ok {
		return existing, nil
	}

	if userID == "" {
		userID = DefaultUserID
	}
	session := ports.Session{
		ID:      sessionID,
		UserID:  userID,
		AppName: r.appName,
	}
	r.sessions[sessionID] = session
	r.logger.Debug("session created: %s user=%s", sessionID, userID)
	return session, nil
}

// Len reports how many sessions are registered.
func (r *InMemoryResolver) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
