package helpsync

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

const (
	defaultUndoWindow     = 10 * time.Second
	defaultRefreshDelay   = time.Second
	defaultDeleteRetries  = 3
	defaultRetryBaseDelay = 500 * time.Millisecond
	defaultRetryMaxDelay  = 8 * time.Second
)

// Identity yields the id of the local user.
type Identity interface {
	CurrentUserID() string
}

// Suppression is the persisted set of declined request ids.
type Suppression interface {
	IsSuppressed(id string) bool
	Suppress(id string) error
	Unsuppress(id string) error
}

type Options struct {
	Gateway     Gateway
	Identity    Identity
	Suppression Suppression
	Logger      logrus.FieldLogger

	// UndoWindow defaults to 10s.
	UndoWindow time.Duration
	// RefreshDelay is how long after an accept or a confirmed delete the
	// manager refetches. Zero means one second; negative disables it.
	RefreshDelay time.Duration
	// DeleteRetries is the number of background attempts after a failed
	// delete. Zero means the default; negative disables retries.
	DeleteRetries  int
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration

	Now       func() time.Time
	AfterFunc func(time.Duration, func()) Timer
}

// Manager owns the visible collection of help requests. Network calls run
// concurrently; every change to the collection happens under mu.
type Manager struct {
	gateway     Gateway
	identity    Identity
	suppression Suppression
	logger      logrus.FieldLogger

	undoWindow     time.Duration
	refreshDelay   time.Duration
	deleteRetries  int
	retryBaseDelay time.Duration
	retryMaxDelay  time.Duration
	now            func() time.Time
	afterFunc      func(time.Duration, func()) Timer

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	group  singleflight.Group

	// persistMu orders suppression writes, which run outside mu.
	persistMu sync.Mutex

	mu      sync.Mutex
	items   *collection
	version uint64
	// epoch orders local writes against refreshes: an entry touched after a
	// refresh started wins over what that refresh fetched.
	epoch    uint64
	touched  map[string]uint64
	deleting map[string]struct{}
	// hidden holds suppression changes not yet written to the store; it
	// overrides the store until the write returns.
	hidden   map[string]bool
	pending  *declined
	subs     subscribers
	closed   bool
}

func NewManager(opts Options) (*Manager, error) {
	if opts.Gateway == nil {
		return nil, errors.New("helpsync: gateway is required")
	}
	if opts.Identity == nil {
		return nil, errors.New("helpsync: identity is required")
	}
	if opts.Suppression == nil {
		return nil, errors.New("helpsync: suppression store is required")
	}
	logger := opts.Logger
	if logger == nil {
		discard := logrus.New()
		discard.SetOutput(io.Discard)
		logger = discard
	}
	undoWindow := opts.UndoWindow
	if undoWindow <= 0 {
		undoWindow = defaultUndoWindow
	}
	refreshDelay := opts.RefreshDelay
	if refreshDelay == 0 {
		refreshDelay = defaultRefreshDelay
	}
	retries := opts.DeleteRetries
	if retries == 0 {
		retries = defaultDeleteRetries
	}
	if retries < 0 {
		retries = 0
	}
	baseDelay := opts.RetryBaseDelay
	if baseDelay <= 0 {
		baseDelay = defaultRetryBaseDelay
	}
	maxDelay := opts.RetryMaxDelay
	if maxDelay <= 0 {
		maxDelay = defaultRetryMaxDelay
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	afterFunc := opts.AfterFunc
	if afterFunc == nil {
		afterFunc = realAfterFunc
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		gateway:        opts.Gateway,
		identity:       opts.Identity,
		suppression:    opts.Suppression,
		logger:         logger,
		undoWindow:     undoWindow,
		refreshDelay:   refreshDelay,
		deleteRetries:  retries,
		retryBaseDelay: baseDelay,
		retryMaxDelay:  maxDelay,
		now:            now,
		afterFunc:      afterFunc,
		ctx:            ctx,
		cancel:         cancel,
		items:          newCollection(),
		touched:        map[string]uint64{},
		deleting:       map[string]struct{}{},
		hidden:         map[string]bool{},
	}, nil
}

// Snapshot returns the current collection.
func (m *Manager) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.currentLocked(nil)
}

// Subscribe streams snapshots, starting with the current one. A subscriber
// that does not keep up only loses intermediate snapshots, never the latest.
func (m *Manager) Subscribe(buffer int) (<-chan Snapshot, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan Snapshot, buffer)
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		close(ch)
		return ch, func() {}
	}
	ch <- m.currentLocked(nil)
	id := m.subs.add(ch)

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.mu.Lock()
			m.subs.remove(id)
			m.mu.Unlock()
		})
	}
}

// Refresh replaces the collection with the remote set. Calls made while a
// refresh is in flight wait for that one instead of issuing another list.
// A cancelled ctx abandons the wait, not the shared refresh.
func (m *Manager) Refresh(ctx context.Context) (Snapshot, error) {
	ch := m.group.DoChan("refresh", func() (any, error) {
		return m.refresh(m.ctx)
	})
	select {
	case <-ctx.Done():
		return Snapshot{}, ctx.Err()
	case res := <-ch:
		snap, _ := res.Val.(Snapshot)
		return snap, res.Err
	}
}

func (m *Manager) refresh(ctx context.Context) (Snapshot, error) {
	m.mu.Lock()
	start := m.epoch
	m.mu.Unlock()

	remote, err := m.gateway.ListActive(ctx)

	m.mu.Lock()
	defer m.mu.Unlock()
	if err != nil {
		m.logger.WithError(err).WithField("op", "refresh").Warn("refresh failed, keeping current requests")
		return m.publishLocked(err), err
	}
	m.reconcileLocked(remote, start)
	return m.publishLocked(nil), nil
}

func (m *Manager) reconcileLocked(remote []HelpRequest, start uint64) {
	next := newCollection()
	seen := make(map[string]struct{}, len(remote))
	suppressed := 0
	for _, r := range remote {
		if r.ID == "" {
			continue
		}
		if _, dup := seen[r.ID]; dup {
			continue
		}
		seen[r.ID] = struct{}{}
		if m.suppressedLocked(r.ID) {
			suppressed++
			continue
		}
		if _, ok := m.deleting[r.ID]; ok {
			continue
		}
		if m.touched[r.ID] > start {
			if local, ok := m.items.get(r.ID); ok {
				next.upsert(local)
			}
			continue
		}
		next.upsert(r.consistent())
	}
	for _, local := range m.items.list() {
		if _, ok := seen[local.ID]; ok {
			continue
		}
		if !local.IsDemo && m.touched[local.ID] <= start {
			continue
		}
		if m.suppressedLocked(local.ID) {
			continue
		}
		next.upsert(local)
	}
	for id, epoch := range m.touched {
		if epoch <= start {
			delete(m.touched, id)
		}
	}
	m.items = next
	m.logger.WithFields(logrus.Fields{
		"op":         "refresh",
		"count":      next.len(),
		"suppressed": suppressed,
	}).Debug("reconciled remote requests")
}

// Create posts a new request and adds it once the service has assigned its
// id. Nothing is shown if the call fails.
func (m *Manager) Create(ctx context.Context, draft Draft) (HelpRequest, error) {
	if draft.Location == nil {
		return HelpRequest{}, &ValidationError{Field: "location", Reason: "location is unavailable"}
	}
	if !validCoordinate(*draft.Location) {
		return HelpRequest{}, &ValidationError{Field: "location", Reason: "coordinate out of range"}
	}
	if draft.TipAmount != nil && *draft.TipAmount < 0 {
		return HelpRequest{}, &ValidationError{Field: FieldTipAmount, Reason: "must not be negative"}
	}
	draft.Title = normalizeTitle(draft.Title)
	if draft.CreatorID == "" {
		draft.CreatorID = m.identity.CurrentUserID()
	}

	created, err := m.gateway.Create(ctx, draft)
	if err != nil {
		m.fail("create", "", err)
		return HelpRequest{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	created = created.consistent()
	m.items.upsert(created)
	m.touchLocked(created.ID)
	m.publishLocked(nil)
	return created.Clone(), nil
}

// Accept marks another user's request as taken by the local user. The local
// copy changes once the service confirms, and a refresh follows shortly.
func (m *Manager) Accept(ctx context.Context, id string) error {
	current, err := m.lookup(id)
	if err != nil {
		return err
	}
	user := m.identity.CurrentUserID()
	if current.CreatorID == user {
		return &ValidationError{Field: "id", Reason: "cannot accept your own request"}
	}
	if !current.IsActive {
		return &ValidationError{Field: "id", Reason: "request is no longer active"}
	}
	if !current.IsDemo {
		fields := Fields{FieldHelperName: user, FieldIsActive: true}
		if err := m.gateway.Update(ctx, id, fields); err != nil {
			m.fail("accept", id, err)
			return err
		}
	}

	m.apply(id, func(r *HelpRequest) {
		r.HelperName = &user
		r.IsActive = true
	})
	if !current.IsDemo {
		m.scheduleRefresh()
	}
	return nil
}

// Complete closes a request with the helper's name and a 1 to 5 rating.
func (m *Manager) Complete(ctx context.Context, id, helperName string, rating int) error {
	if rating < 1 || rating > 5 {
		return &ValidationError{Field: FieldRating, Reason: fmt.Sprintf("%d is outside 1..5", rating)}
	}
	current, err := m.lookup(id)
	if err != nil {
		return err
	}
	helperName = normalizeHelperName(helperName)
	if !current.IsDemo {
		fields := Fields{FieldIsActive: false, FieldHelperName: helperName, FieldRating: rating}
		if err := m.gateway.Update(ctx, id, fields); err != nil {
			m.fail("complete", id, err)
			return err
		}
	}
	m.apply(id, func(r *HelpRequest) {
		r.IsActive = false
		r.HelperName = &helperName
		r.Rating = &rating
	})
	return nil
}

// Cancel removes the request right away and then deletes it remotely. A
// failed delete is reported and retried in the background; the request is
// not put back.
func (m *Manager) Cancel(ctx context.Context, id string) error {
	m.mu.Lock()
	removed, _, ok := m.items.remove(id)
	if !ok {
		m.mu.Unlock()
		return notFound(id)
	}
	m.touchLocked(id)
	if !removed.IsDemo {
		m.deleting[id] = struct{}{}
	}
	m.publishLocked(nil)
	m.mu.Unlock()
	if removed.IsDemo {
		return nil
	}

	err := m.gateway.Delete(ctx, id)
	if err == nil {
		m.deleteConfirmed(id)
		return nil
	}
	m.fail("cancel", id, err)
	if m.deleteRetries == 0 || !m.goBackground(func(bg context.Context) { m.retryDelete(bg, id) }) {
		m.mu.Lock()
		delete(m.deleting, id)
		m.mu.Unlock()
	}
	return err
}

// Delete is Cancel under the name the service uses.
func (m *Manager) Delete(ctx context.Context, id string) error {
	return m.Cancel(ctx, id)
}

func (m *Manager) retryDelete(ctx context.Context, id string) {
	logger := m.logger.WithFields(logrus.Fields{"op": "cancel", "request_id": id})
	var lastErr error
	for attempt := 1; attempt <= m.deleteRetries; attempt++ {
		if err := waitWithContext(ctx, backoffDelay(m.retryBaseDelay, m.retryMaxDelay, attempt)); err != nil {
			m.mu.Lock()
			delete(m.deleting, id)
			m.mu.Unlock()
			return
		}
		lastErr = m.gateway.Delete(ctx, id)
		if lastErr == nil {
			logger.WithField("attempt", attempt).Info("delete confirmed after retry")
			m.deleteConfirmed(id)
			return
		}
		logger.WithError(lastErr).WithField("attempt", attempt).Warn("delete retry failed")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.deleting, id)
	m.publishLocked(fmt.Errorf("delete %s: gave up after %d retries: %w", id, m.deleteRetries, lastErr))
}

func (m *Manager) deleteConfirmed(id string) {
	m.mu.Lock()
	delete(m.deleting, id)
	m.touchLocked(id)
	m.mu.Unlock()
	m.scheduleRefresh()
}

// Unsuppress makes a declined request visible again on the next refresh,
// which it runs before returning.
func (m *Manager) Unsuppress(ctx context.Context, id string) error {
	m.mu.Lock()
	if m.pending != nil && m.pending.request.ID == id {
		m.pending.timer.Stop()
		m.pending = nil
	}
	m.hidden[id] = false
	m.mu.Unlock()
	if err := m.persistSuppression(id); err != nil {
		return err
	}
	_, err := m.Refresh(ctx)
	return err
}

// Close stops background retries, delayed refreshes and the undo timer, and
// closes every subscription. A pending decline is committed.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	if m.pending != nil {
		m.pending.timer.Stop()
		m.pending = nil
	}
	m.mu.Unlock()

	m.cancel()
	m.wg.Wait()

	m.mu.Lock()
	m.subs.closeAll()
	m.mu.Unlock()
}

func (m *Manager) lookup(id string) (HelpRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.items.get(id)
	if !ok {
		return HelpRequest{}, notFound(id)
	}
	return r.Clone(), nil
}

// apply edits the local copy if it is still present.
func (m *Manager) apply(id string, edit func(*HelpRequest)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.items.get(id)
	if !ok {
		return
	}
	r = r.Clone()
	edit(&r)
	m.items.upsert(r)
	m.touchLocked(id)
	m.publishLocked(nil)
}

func (m *Manager) suppressedLocked(id string) bool {
	if hide, ok := m.hidden[id]; ok {
		return hide
	}
	return m.suppression.IsSuppressed(id)
}

// persistSuppression writes the latest wanted state of id to the store.
// Callers record that state in hidden first and must not hold mu.
func (m *Manager) persistSuppression(id string) error {
	m.persistMu.Lock()
	defer m.persistMu.Unlock()

	m.mu.Lock()
	hide, ok := m.hidden[id]
	m.mu.Unlock()
	if !ok {
		return nil
	}
	var err error
	if hide {
		err = m.suppression.Suppress(id)
	} else {
		err = m.suppression.Unsuppress(id)
	}

	m.mu.Lock()
	if current, still := m.hidden[id]; still && current == hide {
		delete(m.hidden, id)
	}
	m.mu.Unlock()
	return err
}

func (m *Manager) fail(op, id string, err error) {
	entry := m.logger.WithError(err).WithField("op", op)
	if id != "" {
		entry = entry.WithField("request_id", id)
	}
	entry.Warn("request operation failed")

	m.mu.Lock()
	defer m.mu.Unlock()
	m.publishLocked(err)
}

func (m *Manager) scheduleRefresh() {
	if m.refreshDelay < 0 {
		return
	}
	m.goBackground(func(ctx context.Context) {
		if err := waitWithContext(ctx, m.refreshDelay); err != nil {
			return
		}
		if _, err := m.Refresh(ctx); err != nil && ctx.Err() == nil {
			m.logger.WithError(err).Debug("follow-up refresh failed")
		}
	})
}

func (m *Manager) goBackground(run func(context.Context)) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		run(m.ctx)
	}()
	return true
}

func (m *Manager) touchLocked(id string) {
	m.epoch++
	m.touched[id] = m.epoch
}

func (m *Manager) currentLocked(err error) Snapshot {
	return Snapshot{Version: m.version, Requests: m.items.list(), Err: err}
}

func (m *Manager) publishLocked(err error) Snapshot {
	m.version++
	snap := m.currentLocked(err)
	m.subs.broadcast(snap)
	return snap
}
