// Package dashboard runs one user's live fleet view. Each Dashboard owns a
// single loop goroutine; the machine store, the reconciler and the watcher
// list are only touched from that loop.
package dashboard

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"cloud.google.com/go/civil"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"fleetdash/internal/feed"
	"fleetdash/internal/fleet"
	"fleetdash/internal/metrics"
	"fleetdash/internal/model"
	"fleetdash/internal/permission"
	"fleetdash/internal/search"
	"fleetdash/internal/session"
)

const (
	DefaultTopic      = "/topic/machine-status"
	DefaultFeedBuffer = 256
)

var (
	ErrClosed        = errors.New("dashboard closed")
	ErrInvalidAction = errors.New("invalid scheduled action")
)

// MachineService is the machine query and command API.
type MachineService interface {
	search.Query
	GetAll(ctx context.Context, owner string) ([]model.Machine, error)
	Start(ctx context.Context, id int64) error
	Stop(ctx context.Context, id int64) error
	Restart(ctx context.Context, id int64) error
	Destroy(ctx context.Context, id int64) error
	Create(ctx context.Context, name, owner string) (*model.Machine, error)
	Schedule(ctx context.Context, id int64, date, clock string, action model.Action) error
	Errors(ctx context.Context, id int64) ([]model.ErrorMessage, error)
}

// UserService is the account API.
type UserService interface {
	GetRoles(ctx context.Context) ([]model.Role, error)
	UpdateUser(ctx context.Context, u model.User) error
	DeleteUser(ctx context.Context, id int64) error
}

// FeedClient is satisfied by *feed.Client.
type FeedClient interface {
	Connect(ctx context.Context) error
	Subscribe(topic string, h feed.Handler) (*feed.Subscription, error)
	Disconnect() error
	State() feed.State
	Lost() <-chan error
}

type Deps struct {
	Session  session.Context
	Machines MachineService
	Users    UserService
	// Feed is optional; without it the view only changes on fetches.
	Feed       FeedClient
	Topic      string
	FeedBuffer int
	// SessionKV is cleared on Logout.
	SessionKV session.KV
	Metrics   *metrics.Metrics
	Logger    *zap.Logger
}

type Dashboard struct {
	owner     string
	machines  MachineService
	users     UserService
	feed      FeedClient
	topic     string
	sessionKV session.KV
	metrics   *metrics.Metrics
	logger    *zap.Logger
	search    *search.Engine

	gate atomic.Pointer[permission.Gate]

	feedMu  sync.Mutex
	feedErr error

	// loop-owned
	store      *fleet.Store
	reconciler *fleet.Reconciler
	watchers   map[string]func([]model.Machine)
	sub        *feed.Subscription

	tasks    chan func()
	events   chan []byte
	quit     chan struct{}
	loopDone chan struct{}

	ctx    context.Context
	cancel context.CancelFunc

	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

func New(deps Deps) *Dashboard {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("user", deps.Session.Mail))
	topic := deps.Topic
	if topic == "" {
		topic = DefaultTopic
	}
	buffer := deps.FeedBuffer
	if buffer <= 0 {
		buffer = DefaultFeedBuffer
	}

	ctx, cancel := context.WithCancel(context.Background())
	store := fleet.NewStore()
	d := &Dashboard{
		owner:      deps.Session.Mail,
		machines:   deps.Machines,
		users:      deps.Users,
		feed:       deps.Feed,
		topic:      topic,
		sessionKV:  deps.SessionKV,
		metrics:    deps.Metrics,
		logger:     logger,
		search:     search.NewEngine(deps.Machines),
		store:      store,
		reconciler: fleet.NewReconciler(store, deps.Metrics, logger.Named("reconciler")),
		watchers:   make(map[string]func([]model.Machine)),
		tasks:      make(chan func()),
		events:     make(chan []byte, buffer),
		quit:       make(chan struct{}),
		loopDone:   make(chan struct{}),
		ctx:        ctx,
		cancel:     cancel,
	}
	d.gate.Store(permission.NewGate(deps.Session.Roles, deps.Metrics, logger))
	store.OnChange(d.broadcast)

	go d.loop()
	d.metrics.DashboardOpened()
	return d
}

func (d *Dashboard) loop() {
	defer close(d.loopDone)
	for {
		select {
		case fn := <-d.tasks:
			fn()
		case raw := <-d.events:
			d.reconciler.OnEvent(raw)
		case <-d.quit:
			return
		}
	}
}

// post queues fn on the loop without waiting for it.
func (d *Dashboard) post(fn func()) bool {
	select {
	case d.tasks <- fn:
		return true
	case <-d.quit:
		return false
	}
}

// do runs fn on the loop and waits for it.
func (d *Dashboard) do(fn func()) bool {
	done := make(chan struct{})
	if !d.post(func() {
		fn()
		close(done)
	}) {
		return false
	}
	select {
	case <-done:
		return true
	case <-d.quit:
		return false
	}
}

// deliver hands a feed payload to the loop. It blocks while the buffer is
// full so nothing is dropped.
func (d *Dashboard) deliver(raw []byte) {
	select {
	case d.events <- raw:
	case <-d.quit:
	}
}

func (d *Dashboard) broadcast(snapshot []model.Machine) {
	for _, fn := range d.watchers {
		fn(snapshot)
	}
}

func (d *Dashboard) Owner() string { return d.owner }

// Start fetches the first view and begins connecting to the feed in the
// background. The gate comes from the session's roles only; a session
// without roles may do nothing.
func (d *Dashboard) Start(ctx context.Context) error {
	if d.closed.Load() {
		return ErrClosed
	}
	if err := d.Refresh(ctx); err != nil {
		return err
	}
	if d.feed != nil {
		go d.connect()
		go d.watchLost()
	}
	return nil
}

// connect runs off the loop: a broker may block Connect or Subscribe for
// as long as it likes. Only the resulting subscription is posted.
func (d *Dashboard) connect() {
	if err := d.feed.Connect(d.ctx); err != nil {
		if d.closed.Load() {
			return
		}
		d.setFeedErr(err)
		d.logger.Error("feed connect failed", zap.Error(err))
		return
	}
	sub, err := d.feed.Subscribe(d.topic, d.deliver)
	if err != nil {
		if d.closed.Load() {
			return
		}
		d.setFeedErr(err)
		d.logger.Error("feed subscribe failed", zap.String("topic", d.topic), zap.Error(err))
		// A connection without the status subscription is of no use.
		if derr := d.feed.Disconnect(); derr != nil {
			d.logger.Warn("feed disconnect failed", zap.Error(derr))
		}
		return
	}
	d.post(func() {
		if d.store.Disposed() {
			return
		}
		d.sub = sub
	})
}

func (d *Dashboard) watchLost() {
	select {
	case err := <-d.feed.Lost():
		d.setFeedErr(err)
		d.post(func() { d.sub = nil })
		d.logger.Error("feed lost", zap.Error(err))
	case <-d.quit:
	}
}

func (d *Dashboard) setFeedErr(err error) {
	d.feedMu.Lock()
	defer d.feedMu.Unlock()
	d.feedErr = err
}

// FeedError is why the feed is not delivering, or nil while it is healthy
// or was never configured.
func (d *Dashboard) FeedError() error {
	d.feedMu.Lock()
	defer d.feedMu.Unlock()
	return d.feedErr
}

// Refresh replaces the view with the user's active machines.
func (d *Dashboard) Refresh(ctx context.Context) error {
	all, err := d.machines.GetAll(ctx, d.owner)
	if err != nil {
		return fmt.Errorf("refresh: %w", err)
	}
	active := activeOnly(all)
	if !d.do(func() { d.store.Replace(active) }) {
		return ErrClosed
	}
	return nil
}

// activeOnly drops soft-deleted machines; they never enter the view.
func activeOnly(ms []model.Machine) []model.Machine {
	out := make([]model.Machine, 0, len(ms))
	for _, m := range ms {
		if m.Active {
			out = append(out, m)
		}
	}
	return out
}

// Search narrows the view to the machines matching c. Later status events
// only touch machines inside the narrowed view.
func (d *Dashboard) Search(ctx context.Context, c model.SearchCriteria) error {
	if !d.Gate().AllowAction(permission.ActionSearch) {
		return nil
	}
	found, err := d.search.Search(ctx, d.owner, c)
	if err != nil {
		return err
	}
	found = activeOnly(found)
	if !d.do(func() { d.store.Replace(found) }) {
		return ErrClosed
	}
	return nil
}

func (d *Dashboard) Snapshot() []model.Machine {
	var out []model.Machine
	d.do(func() { out = d.store.Snapshot() })
	return out
}

func (d *Dashboard) FeedState() feed.State {
	if d.feed == nil {
		return feed.Disconnected
	}
	return d.feed.State()
}

func (d *Dashboard) Gate() *permission.Gate {
	return d.gate.Load()
}

func (d *Dashboard) Can(capability string) bool {
	return d.Gate().Has(capability)
}

func (d *Dashboard) StartMachine(ctx context.Context, id int64) error {
	return d.command(ctx, permission.ActionStart, true, func(ctx context.Context) error {
		return d.machines.Start(ctx, id)
	})
}

func (d *Dashboard) StopMachine(ctx context.Context, id int64) error {
	return d.command(ctx, permission.ActionStop, true, func(ctx context.Context) error {
		return d.machines.Stop(ctx, id)
	})
}

func (d *Dashboard) RestartMachine(ctx context.Context, id int64) error {
	return d.command(ctx, permission.ActionRestart, true, func(ctx context.Context) error {
		return d.machines.Restart(ctx, id)
	})
}

func (d *Dashboard) DestroyMachine(ctx context.Context, id int64) error {
	return d.command(ctx, permission.ActionDestroy, true, func(ctx context.Context) error {
		return d.machines.Destroy(ctx, id)
	})
}

// CreateMachine returns nil, nil when the user may not create machines.
func (d *Dashboard) CreateMachine(ctx context.Context, name string) (*model.Machine, error) {
	var created *model.Machine
	err := d.command(ctx, permission.ActionCreate, true, func(ctx context.Context) error {
		m, err := d.machines.Create(ctx, name, d.owner)
		created = m
		return err
	})
	return created, err
}

// ScheduleMachine asks for action to run on machine id at the wall-clock
// time of at, in at's location.
func (d *Dashboard) ScheduleMachine(ctx context.Context, id int64, at time.Time, action model.Action) error {
	if !action.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidAction, action)
	}
	date := civil.DateOf(at).String()
	clock := at.Format("15:04:05")
	return d.command(ctx, permission.ActionSchedule, true, func(ctx context.Context) error {
		return d.machines.Schedule(ctx, id, date, clock, action)
	})
}

// MachineErrors lists failed scheduled operations of machine id.
func (d *Dashboard) MachineErrors(ctx context.Context, id int64) ([]model.ErrorMessage, error) {
	return d.machines.Errors(ctx, id)
}

// RoleCatalog lists every role the account service knows, for editing a
// user's grants. It is not the caller's own role set.
func (d *Dashboard) RoleCatalog(ctx context.Context) ([]model.Role, error) {
	if d.closed.Load() {
		return nil, ErrClosed
	}
	if d.users == nil {
		return nil, errors.New("no user service")
	}
	if !d.Gate().AllowAction(permission.ActionReadUsers) {
		return nil, nil
	}
	return d.users.GetRoles(ctx)
}

func (d *Dashboard) UpdateUser(ctx context.Context, u model.User) error {
	if d.users == nil {
		return errors.New("no user service")
	}
	return d.command(ctx, permission.ActionUpdateUser, false, func(ctx context.Context) error {
		return d.users.UpdateUser(ctx, u)
	})
}

func (d *Dashboard) DeleteUser(ctx context.Context, id int64) error {
	if d.users == nil {
		return errors.New("no user service")
	}
	return d.command(ctx, permission.ActionDeleteUser, false, func(ctx context.Context) error {
		return d.users.DeleteUser(ctx, id)
	})
}

// command runs call when the gate allows action. A denied action makes no
// call and returns nil. With refresh set, the view is fetched again whatever
// the outcome, and the command's own error is what the caller gets.
func (d *Dashboard) command(ctx context.Context, action string, refresh bool, call func(context.Context) error) error {
	if d.closed.Load() {
		return ErrClosed
	}
	if !d.Gate().AllowAction(action) {
		return nil
	}
	err := call(ctx)
	d.metrics.Command(action, err)
	if err != nil {
		d.logger.Warn("command failed", zap.String("action", action), zap.Error(err))
	}
	if refresh {
		if rerr := d.Refresh(ctx); rerr != nil && !errors.Is(rerr, ErrClosed) {
			d.logger.Warn("refresh after command failed", zap.String("action", action), zap.Error(rerr))
		}
	}
	return err
}

// Watch calls fn with the current view and then after every change, on the
// loop goroutine. fn must not block.
func (d *Dashboard) Watch(fn func([]model.Machine)) (cancel func()) {
	id := uuid.NewString()
	d.do(func() {
		if d.store.Disposed() {
			return
		}
		d.watchers[id] = fn
		fn(d.store.Snapshot())
	})
	return func() {
		d.do(func() { delete(d.watchers, id) })
	}
}

// Logout clears the session's token and roles, then closes the dashboard.
func (d *Dashboard) Logout() error {
	var err error
	if d.sessionKV != nil {
		err = session.Clear(d.sessionKV)
	}
	return errors.Join(err, d.Close())
}

// Close stops the loop, disposes the store and releases the feed. It never
// waits on a loop turn, so a stuck broker call cannot hold it. Nothing
// delivered afterwards reaches the view.
func (d *Dashboard) Close() error {
	d.closeOnce.Do(func() {
		d.closed.Store(true)
		d.cancel()
		close(d.quit)
		<-d.loopDone
		// The loop is gone; its state is ours now.
		d.store.Dispose()
		d.watchers = make(map[string]func([]model.Machine))
		d.sub = nil
		if d.feed != nil {
			d.closeErr = d.feed.Disconnect()
		}
		d.metrics.DashboardClosed()
		d.logger.Debug("dashboard closed")
	})
	return d.closeErr
}
