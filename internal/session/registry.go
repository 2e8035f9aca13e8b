package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/amon-ai/amon/internal/event"
	"github.com/amon-ai/amon/internal/logging"
	"github.com/amon-ai/amon/internal/metrics"
	"github.com/amon-ai/amon/internal/storage"
	"github.com/amon-ai/amon/pkg/types"
)

const (
	// DefaultFlushInterval is how often dirty sessions are written out.
	DefaultFlushInterval = 3 * time.Second
	// DefaultNotifyInterval bounds the rate of streaming change notifications.
	DefaultNotifyInterval = 50 * time.Millisecond
	// DefaultNamePrefix marks sessions that still carry a generated name.
	DefaultNamePrefix = "New Session"

	flushConcurrency    = 8
	saveRetries         = 2
	saveRetryInterval   = 50 * time.Millisecond
	saveRetryMaxElapsed = 2 * time.Second
)

// Store is the durable side of the registry.
type Store interface {
	Load(ctx context.Context, id string) (*types.Session, error)
	LoadAll(ctx context.Context) ([]*types.Session, error)
	Save(ctx context.Context, session *types.Session) error
	Delete(ctx context.Context, id string) (bool, error)
}

// QueryState marks a session as having an active query.
// It is immutable once installed.
type QueryState struct {
	SessionID string
	MessageID string
	Cancel    context.CancelFunc
	StartedAt time.Time
}

// MessagePatch updates selected fields of a message. Nil fields are left
// unchanged.
type MessagePatch struct {
	Content     *string
	IsStreaming *bool
	TokenUsage  *types.TokenUsage
}

// Option configures a Registry.
type Option func(*Registry)

// WithFlushInterval sets the periodic flush interval.
func WithFlushInterval(d time.Duration) Option {
	return func(r *Registry) { r.flushInterval = d }
}

// WithNotifyInterval sets the streaming notification window.
func WithNotifyInterval(d time.Duration) Option {
	return func(r *Registry) { r.notifyInterval = d }
}

// WithMetrics records persistence and notification metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Registry) { r.metrics = m }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// Registry owns all session state in memory. Every read returns a copy and
// every write goes through a Registry method.
type Registry struct {
	store   Store
	bus     *event.Bus
	metrics *metrics.Metrics
	log     zerolog.Logger
	now     func() time.Time

	mu       sync.RWMutex
	sessions map[string]*types.Session
	queries  map[string]*QueryState
	dirty    map[string]struct{}
	seq      map[string]uint64

	saveMu    sync.Mutex
	saveLocks map[string]*sync.Mutex

	notifyMu       sync.Mutex
	notifyInterval time.Duration
	throttle       *Throttle

	flushInterval time.Duration
	startOnce     sync.Once
	stopOnce      sync.Once
	stop          chan struct{}
	done          chan struct{}
}

// NewRegistry creates a registry backed by store, publishing on bus.
func NewRegistry(store Store, bus *event.Bus, opts ...Option) *Registry {
	r := &Registry{
		store:          store,
		bus:            bus,
		log:            logging.Component("session"),
		now:            time.Now,
		sessions:       make(map[string]*types.Session),
		queries:        make(map[string]*QueryState),
		dirty:          make(map[string]struct{}),
		seq:            make(map[string]uint64),
		saveLocks:      make(map[string]*sync.Mutex),
		notifyInterval: DefaultNotifyInterval,
		flushInterval:  DefaultFlushInterval,
		stop:           make(chan struct{}),
		done:           make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.throttle = NewThrottle(r.notifyInterval)
	return r
}

// NewID returns a new sortable identifier.
func NewID() string {
	return ulid.Make().String()
}

// DefaultName returns the placeholder name given to new sessions.
func DefaultName(t time.Time) string {
	return fmt.Sprintf("%s %s", DefaultNamePrefix, t.Format("2006-01-02 15:04"))
}

// HasDefaultName reports whether the session still carries its placeholder name.
func HasDefaultName(s *types.Session) bool {
	return strings.HasPrefix(s.Name, DefaultNamePrefix)
}

// Start launches the periodic flush loop. It stops when ctx is done or
// Close is called.
func (r *Registry) Start(ctx context.Context) {
	r.startOnce.Do(func() {
		go r.flushLoop(ctx)
	})
}

func (r *Registry) flushLoop(ctx context.Context) {
	defer close(r.done)

	ticker := time.NewTicker(r.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stop:
			return
		case <-ticker.C:
			if err := r.FlushDirty(ctx); err != nil {
				r.log.Error().Err(err).Msg("periodic flush failed; will retry")
			}
		}
	}
}

// Close stops the flush loop, delivers pending notifications and writes
// every dirty session.
func (r *Registry) Close(ctx context.Context) error {
	r.stopOnce.Do(func() {
		close(r.stop)
	})
	// never started: nothing to wait for
	r.startOnce.Do(func() { close(r.done) })
	select {
	case <-r.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	r.throttle.Stop()
	return r.FlushDirty(ctx)
}

func (r *Registry) nowMillis() int64 {
	return r.now().UnixMilli()
}

// Create makes a new session, persists it immediately and announces it.
func (r *Registry) Create(ctx context.Context, name, workspace string) (*types.Session, error) {
	now := r.now()
	if name == "" {
		name = DefaultName(now)
	}
	s := &types.Session{
		ID:            NewID(),
		Name:          name,
		CreatedAt:     now.UnixMilli(),
		UpdatedAt:     now.UnixMilli(),
		Messages:      []types.Message{},
		WorkspacePath: workspace,
	}

	r.mu.Lock()
	r.sessions[s.ID] = s
	r.mu.Unlock()

	if err := r.SaveNow(ctx, s.ID); err != nil {
		r.mu.Lock()
		delete(r.sessions, s.ID)
		delete(r.dirty, s.ID)
		r.mu.Unlock()
		return nil, err
	}

	out := s.Clone()
	r.log.Info().Str("session", s.ID).Str("name", name).Msg("session created")
	r.bus.PublishSync(event.Event{Type: event.SessionCreated, Data: event.SessionData{Info: out.Info()}})
	return out, nil
}

// Get returns a copy of a resident session.
func (r *Registry) Get(id string) (*types.Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, false
	}
	return s.Clone(), true
}

// EnsureLoaded returns the session, loading it from the store on first
// access. Returns ErrNotFound when the session does not exist anywhere.
func (r *Registry) EnsureLoaded(ctx context.Context, id string) (*types.Session, error) {
	if s, ok := r.Get(id); ok {
		return s, nil
	}

	loaded, err := r.store.Load(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) || errors.Is(err, storage.ErrInvalidKey) {
			return nil, ErrNotFound
		}
		return nil, &PersistenceError{SessionID: id, Op: "load", Err: err}
	}
	if loaded.Messages == nil {
		loaded.Messages = []types.Message{}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.sessions[id]; ok {
		return existing.Clone(), nil
	}
	r.sessions[id] = loaded
	return loaded.Clone(), nil
}

// LoadAll makes every stored session resident. Sessions already in memory
// are kept as they are.
func (r *Registry) LoadAll(ctx context.Context) (int, error) {
	all, err := r.store.LoadAll(ctx)
	if err != nil {
		return 0, &PersistenceError{Op: "load all", Err: err}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, s := range all {
		if _, ok := r.sessions[s.ID]; ok {
			continue
		}
		if s.Messages == nil {
			s.Messages = []types.Message{}
		}
		r.sessions[s.ID] = s
		n++
	}
	return n, nil
}

// List returns summaries of resident sessions, most recently updated first.
func (r *Registry) List() []types.SessionInfo {
	r.mu.RLock()
	infos := make([]types.SessionInfo, 0, len(r.sessions))
	for id, s := range r.sessions {
		info := s.Info()
		_, info.Loading = r.queries[id]
		infos = append(infos, info)
	}
	r.mu.RUnlock()

	sort.Slice(infos, func(i, j int) bool {
		if infos[i].UpdatedAt == infos[j].UpdatedAt {
			return infos[i].ID > infos[j].ID
		}
		return infos[i].UpdatedAt > infos[j].UpdatedAt
	})
	return infos
}

// Messages returns a copy of the session's messages.
func (r *Registry) Messages(id string) ([]types.Message, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]types.Message, len(s.Messages))
	for i := range s.Messages {
		out[i] = s.Messages[i].Clone()
	}
	return out, nil
}

// Delete removes the session from memory and from the store. It reports
// whether the session existed in either place.
func (r *Registry) Delete(ctx context.Context, id string) (bool, error) {
	r.mu.Lock()
	_, resident := r.sessions[id]
	delete(r.sessions, id)
	delete(r.dirty, id)
	delete(r.seq, id)
	r.mu.Unlock()
	r.throttle.Forget(id)

	lock := r.saveLock(id)
	lock.Lock()
	existed, err := r.store.Delete(ctx, id)
	lock.Unlock()
	r.dropSaveLock(id)

	if err != nil && !errors.Is(err, storage.ErrInvalidKey) {
		return resident, &PersistenceError{SessionID: id, Op: "delete", Err: err}
	}
	if resident || existed {
		r.log.Info().Str("session", id).Msg("session deleted")
		r.bus.PublishSync(event.Event{Type: event.SessionDeleted, Data: event.SessionDeletedData{SessionID: id}})
	}
	return resident || existed, nil
}

// mutate applies fn to the resident session under the write lock, stamps
// updatedAt and marks the session dirty.
func (r *Registry) mutate(id string, fn func(s *types.Session) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok {
		return ErrNotFound
	}
	if err := fn(s); err != nil {
		return err
	}
	now := r.nowMillis()
	if now <= s.UpdatedAt {
		now = s.UpdatedAt + 1
	}
	s.UpdatedAt = now
	r.dirty[id] = struct{}{}
	return nil
}

// Rename changes the session name and saves immediately.
func (r *Registry) Rename(ctx context.Context, id, name string) error {
	if name == "" {
		return errors.New("session name must not be empty")
	}
	if err := r.mutate(id, func(s *types.Session) error {
		s.Name = name
		return nil
	}); err != nil {
		return err
	}
	r.publishInfo(id)
	return r.SaveNow(ctx, id)
}

// SetWorkspace changes the session workspace and saves immediately.
func (r *Registry) SetWorkspace(ctx context.Context, id, workspace string) error {
	if err := r.mutate(id, func(s *types.Session) error {
		s.WorkspacePath = workspace
		return nil
	}); err != nil {
		return err
	}
	r.publishInfo(id)
	return r.SaveNow(ctx, id)
}

// SetProviderConversationID records the provider's conversation id so the
// next query resumes it.
func (r *Registry) SetProviderConversationID(id, conversationID string) error {
	return r.mutate(id, func(s *types.Session) error {
		s.ProviderConversationID = conversationID
		return nil
	})
}

// SetTitleRefreshCount records the exchange count of the last title refresh.
func (r *Registry) SetTitleRefreshCount(id string, count int) error {
	return r.mutate(id, func(s *types.Session) error {
		s.TitleRefreshCount = count
		return nil
	})
}

// AddMessage appends a message. Missing id and timestamp are filled in.
func (r *Registry) AddMessage(id string, msg types.Message) (string, error) {
	if msg.ID == "" {
		msg.ID = NewID()
	}
	if msg.Timestamp == 0 {
		msg.Timestamp = r.nowMillis()
	}
	msg = msg.Clone()
	if err := r.mutate(id, func(s *types.Session) error {
		s.Messages = append(s.Messages, msg)
		return nil
	}); err != nil {
		return "", err
	}
	r.notify(id)
	return msg.ID, nil
}

// UpdateMessage applies patch to a message.
func (r *Registry) UpdateMessage(id, messageID string, patch MessagePatch) error {
	if err := r.mutate(id, func(s *types.Session) error {
		i := s.FindMessage(messageID)
		if i < 0 {
			return ErrMessageNotFound
		}
		m := &s.Messages[i]
		if patch.Content != nil {
			m.Content = *patch.Content
		}
		if patch.IsStreaming != nil {
			m.IsStreaming = *patch.IsStreaming
		}
		if patch.TokenUsage != nil {
			u := *patch.TokenUsage
			m.TokenUsage = &u
		}
		return nil
	}); err != nil {
		return err
	}
	r.notify(id)
	return nil
}

// AppendToMessage appends streamed text to a message. If the last block of
// the message has the same kind its content is extended, otherwise a new
// block is pushed. Appending the empty string is a no-op.
func (r *Registry) AppendToMessage(id, messageID string, kind types.BlockType, text string) error {
	if kind != types.BlockText && kind != types.BlockThinking {
		return fmt.Errorf("%w: %s", ErrInvalidBlock, kind)
	}
	if text == "" {
		return nil
	}
	if err := r.mutate(id, func(s *types.Session) error {
		i := s.FindMessage(messageID)
		if i < 0 {
			return ErrMessageNotFound
		}
		m := &s.Messages[i]
		if n := len(m.ContentBlocks); n > 0 && m.ContentBlocks[n-1].Type == kind {
			m.ContentBlocks[n-1].Content += text
			return nil
		}
		m.ContentBlocks = append(m.ContentBlocks, types.ContentBlock{Type: kind, Content: text})
		return nil
	}); err != nil {
		return err
	}
	r.notifyThrottled(id)
	return nil
}

// AddToolCall appends a tool call block unless one with the same id exists.
// It reports whether the block was added.
func (r *Registry) AddToolCall(id, messageID string, tc types.ToolCall) (bool, error) {
	added := false
	if err := r.mutate(id, func(s *types.Session) error {
		i := s.FindMessage(messageID)
		if i < 0 {
			return ErrMessageNotFound
		}
		m := &s.Messages[i]
		for _, b := range m.ContentBlocks {
			if b.Type == types.BlockToolCall && b.ToolCall != nil && b.ToolCall.ID == tc.ID {
				return nil
			}
		}
		m.ContentBlocks = append(m.ContentBlocks, types.ToolCallBlock(tc).Clone())
		added = true
		return nil
	}); err != nil {
		return false, err
	}
	if added {
		r.notify(id)
	}
	return added, nil
}

// AddContentBlockToActiveMessage appends block to the message of the
// session's active query. Returns ErrNoActiveQuery when none is active.
func (r *Registry) AddContentBlockToActiveMessage(id string, block types.ContentBlock) error {
	block = block.Clone()
	if err := r.mutate(id, func(s *types.Session) error {
		q, ok := r.queries[id]
		if !ok {
			return ErrNoActiveQuery
		}
		i := s.FindMessage(q.MessageID)
		if i < 0 {
			return ErrMessageNotFound
		}
		s.Messages[i].ContentBlocks = append(s.Messages[i].ContentBlocks, block)
		return nil
	}); err != nil {
		return err
	}
	r.notify(id)
	return nil
}

// SetQueryState installs the query state for its session. Returns
// ErrQueryActive if the session already has one.
func (r *Registry) SetQueryState(q *QueryState) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[q.SessionID]; !ok {
		return ErrNotFound
	}
	if _, ok := r.queries[q.SessionID]; ok {
		return ErrQueryActive
	}
	r.queries[q.SessionID] = q
	return nil
}

// QueryState returns the active query state of a session.
func (r *Registry) QueryState(id string) (*QueryState, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	q, ok := r.queries[id]
	return q, ok
}

// ClearQueryState removes q if it is still the session's active state.
func (r *Registry) ClearQueryState(id string, q *QueryState) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.queries[id]; ok && cur == q {
		delete(r.queries, id)
		return true
	}
	return false
}

// LoadingSessions returns the ids of sessions with an active query.
func (r *Registry) LoadingSessions() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.queries))
	for id := range r.queries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// MarkDirty flags a session for the next flush.
func (r *Registry) MarkDirty(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[id]; ok {
		r.dirty[id] = struct{}{}
	}
}

// IsDirty reports whether a session has unsaved changes.
func (r *Registry) IsDirty(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.dirty[id]
	return ok
}

// FlushDirty writes every dirty session and waits for all writes.
func (r *Registry) FlushDirty(ctx context.Context) error {
	r.mu.RLock()
	ids := make([]string, 0, len(r.dirty))
	for id := range r.dirty {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	if len(ids) == 0 {
		return nil
	}

	var g errgroup.Group
	g.SetLimit(flushConcurrency)
	var mu sync.Mutex
	var errs []error
	for _, id := range ids {
		g.Go(func() error {
			if err := r.persist(ctx, id); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

// SaveNow writes one session immediately and waits for the write.
func (r *Registry) SaveNow(ctx context.Context, id string) error {
	r.mu.RLock()
	_, ok := r.sessions[id]
	r.mu.RUnlock()
	if !ok {
		return ErrNotFound
	}
	return r.persist(ctx, id)
}

// persist writes the current state of a session. Writes for the same id
// are serialized and each write snapshots the state after acquiring the
// per-session lock, so the newest state is always written last.
func (r *Registry) persist(ctx context.Context, id string) error {
	lock := r.saveLock(id)
	lock.Lock()
	defer lock.Unlock()

	r.mu.Lock()
	s, ok := r.sessions[id]
	if !ok {
		r.mu.Unlock()
		return nil
	}
	snapshot := s.Clone()
	delete(r.dirty, id)
	r.mu.Unlock()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = saveRetryInterval
	b.MaxElapsedTime = saveRetryMaxElapsed
	b.Reset()
	err := backoff.Retry(func() error {
		if err := r.store.Save(ctx, snapshot); err != nil {
			if errors.Is(err, storage.ErrInvalidKey) || ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			return err
		}
		return nil
	}, backoff.WithContext(backoff.WithMaxRetries(b, saveRetries), ctx))
	r.metrics.SessionSaved(err)

	if err != nil {
		r.MarkDirty(id)
		r.log.Error().Err(err).Str("session", id).Msg("session save failed")
		return &PersistenceError{SessionID: id, Op: "save", Err: err}
	}
	return nil
}

func (r *Registry) saveLock(id string) *sync.Mutex {
	r.saveMu.Lock()
	defer r.saveMu.Unlock()
	l, ok := r.saveLocks[id]
	if !ok {
		l = &sync.Mutex{}
		r.saveLocks[id] = l
	}
	return l
}

func (r *Registry) dropSaveLock(id string) {
	r.saveMu.Lock()
	defer r.saveMu.Unlock()
	delete(r.saveLocks, id)
}

// notify publishes the current messages immediately, superseding any
// throttled notification still pending for the session.
func (r *Registry) notify(id string) {
	r.throttle.Cancel(id)
	r.metrics.Notification("immediate")
	r.publishMessages(id)
}

func (r *Registry) notifyThrottled(id string) {
	r.throttle.Do(id, func() {
		r.metrics.Notification("throttled")
		r.publishMessages(id)
	})
}

// FlushNotifications delivers a pending throttled notification right away.
func (r *Registry) FlushNotifications(id string) {
	r.throttle.Flush(id)
}

func (r *Registry) publishMessages(id string) {
	r.notifyMu.Lock()
	defer r.notifyMu.Unlock()

	r.mu.Lock()
	s, ok := r.sessions[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	msgs := make([]types.Message, len(s.Messages))
	for i := range s.Messages {
		msgs[i] = s.Messages[i].Clone()
	}
	r.seq[id]++
	seq := r.seq[id]
	r.mu.Unlock()

	r.bus.PublishSync(event.Event{
		Type: event.MessagesChanged,
		Data: event.MessagesChangedData{SessionID: id, Messages: msgs, Seq: seq},
	})
}

func (r *Registry) publishInfo(id string) {
	r.mu.RLock()
	s, ok := r.sessions[id]
	if !ok {
		r.mu.RUnlock()
		return
	}
	info := s.Info()
	_, info.Loading = r.queries[id]
	r.mu.RUnlock()

	r.bus.PublishSync(event.Event{Type: event.SessionUpdated, Data: event.SessionData{Info: info}})
}
