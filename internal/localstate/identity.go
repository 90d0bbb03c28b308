package localstate

import (
	"encoding/json"
	"io"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const UserIDKey = "com.commonground.userId"

// Identity hands out the stable per-installation user id. The id is created
// on first use and persisted; when the backend is unavailable a session-only
// id is used instead.
type Identity struct {
	backend Backend
	logger  logrus.FieldLogger
	newID   func() string

	mu     sync.Mutex
	userID string
}

func NewIdentity(backend Backend, logger logrus.FieldLogger) *Identity {
	if backend == nil {
		backend = NewMemoryBackend()
	}
	return &Identity{
		backend: backend,
		logger:  orDiscard(logger),
		newID:   newUserID,
	}
}

func (i *Identity) CurrentUserID() string {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.userID != "" {
		return i.userID
	}

	raw, ok, err := i.backend.Get(UserIDKey)
	if err != nil {
		i.userID = i.newID()
		i.logger.WithError(err).WithField("user_id", i.userID).Error("local state unavailable; using session-only user id")
		return i.userID
	}
	if ok {
		var stored string
		if err := json.Unmarshal(raw, &stored); err == nil && strings.TrimSpace(stored) != "" {
			i.userID = stored
			return i.userID
		}
		i.logger.WithField("key", UserIDKey).Warn("stored user id is malformed; generating a new one")
	}

	i.userID = i.newID()
	payload, _ := json.Marshal(i.userID)
	if err := i.backend.Put(UserIDKey, payload); err != nil {
		i.logger.WithError(err).WithField("user_id", i.userID).Error("failed to persist user id; it will not survive a restart")
	}
	return i.userID
}

func newUserID() string {
	return "user_" + strings.ToUpper(uuid.NewString()[:6])
}

func orDiscard(logger logrus.FieldLogger) logrus.FieldLogger {
	if logger != nil {
		return logger
	}
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}
