package helpsync

import (
	"time"

	"github.com/sirupsen/logrus"
)

// Timer is the part of *time.Timer the undo window needs.
type Timer interface {
	Stop() bool
}

func realAfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// UndoWindow describes the decline that can still be reverted.
type UndoWindow struct {
	ID       string
	Title    string
	Deadline time.Time
}

type declined struct {
	window  UndoWindow
	request HelpRequest
	index   int
	timer   Timer
}

// Decline hides a request locally and opens an undo window for it. The
// service is not told. Declining again before the window closes commits the
// earlier decline.
func (m *Manager) Decline(id string) (UndoWindow, error) {
	window, err := m.declineLocal(id)
	if err != nil {
		return UndoWindow{}, err
	}
	if err := m.persistSuppression(id); err != nil {
		m.logger.WithError(err).WithField("request_id", id).Error("declined request kept hidden for this session only")
	}
	return window, nil
}

func (m *Manager) declineLocal(id string) (UndoWindow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed, index, ok := m.items.remove(id)
	if !ok {
		return UndoWindow{}, notFound(id)
	}
	m.hidden[id] = true
	m.touchLocked(id)
	m.commitPendingLocked()

	p := &declined{
		window: UndoWindow{
			ID:       id,
			Title:    removed.Title,
			Deadline: m.now().Add(m.undoWindow),
		},
		request: removed,
		index:   index,
	}
	p.timer = m.afterFunc(m.undoWindow, func() { m.expire(p) })
	m.pending = p
	m.publishLocked(nil)
	return p.window, nil
}

// Undo reverts the pending decline if its window is still open. It reports
// false when there was nothing left to revert.
func (m *Manager) Undo() (UndoWindow, bool) {
	window, ok := m.undoLocal()
	if !ok {
		return UndoWindow{}, false
	}
	if err := m.persistSuppression(window.ID); err != nil {
		m.logger.WithError(err).WithField("request_id", window.ID).Error("failed to persist undo of decline")
	}
	return window, true
}

func (m *Manager) undoLocal() (UndoWindow, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p := m.pending
	if p == nil {
		return UndoWindow{}, false
	}
	m.pending = nil
	if !p.timer.Stop() || !m.now().Before(p.window.Deadline) {
		m.logger.WithField("request_id", p.window.ID).Debug("undo after decline was committed")
		return UndoWindow{}, false
	}

	m.hidden[p.request.ID] = false
	m.items.insertAt(p.index, p.request)
	m.touchLocked(p.request.ID)
	m.publishLocked(nil)
	return p.window, true
}

// Pending returns the decline that can still be undone, if any.
func (m *Manager) Pending() (UndoWindow, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pending == nil || !m.now().Before(m.pending.window.Deadline) {
		return UndoWindow{}, false
	}
	return m.pending.window, true
}

func (m *Manager) expire(p *declined) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pending != p {
		return
	}
	m.pending = nil
	m.logger.WithFields(logrus.Fields{"request_id": p.window.ID}).Debug("decline committed")
}

func (m *Manager) commitPendingLocked() {
	if m.pending == nil {
		return
	}
	m.pending.timer.Stop()
	m.logger.WithField("request_id", m.pending.window.ID).Debug("decline committed early by a newer decline")
	m.pending = nil
}
