package dashboard

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"cloud.google.com/go/civil"
	"github.com/google/go-cmp/cmp"

	"fleetdash/internal/feed"
	"fleetdash/internal/machineapi"
	"fleetdash/internal/model"
	"fleetdash/internal/permission"
	"fleetdash/internal/session"
)

type fakeMachines struct {
	mu       sync.Mutex
	all      []model.Machine
	found    []model.Machine
	getAll   int
	calls    []string
	failWith error

	scheduled struct {
		id          int64
		date, clock string
		action      model.Action
	}
}

func (f *fakeMachines) setAll(ms []model.Machine) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.all = ms
}

func (f *fakeMachines) record(op string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, op)
	return f.failWith
}

func (f *fakeMachines) callCount() (getAll int, calls []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.getAll, append([]string(nil), f.calls...)
}

func (f *fakeMachines) GetAll(context.Context, string) ([]model.Machine, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.getAll++
	return append([]model.Machine(nil), f.all...), nil
}

func (f *fakeMachines) Search(_ context.Context, _, _ string, _ *string, _, _ *civil.Date) ([]model.Machine, error) {
	if err := f.record("search"); err != nil {
		return nil, err
	}
	return f.found, nil
}

func (f *fakeMachines) Start(context.Context, int64) error   { return f.record("start") }
func (f *fakeMachines) Stop(context.Context, int64) error    { return f.record("stop") }
func (f *fakeMachines) Restart(context.Context, int64) error { return f.record("restart") }
func (f *fakeMachines) Destroy(context.Context, int64) error { return f.record("destroy") }

func (f *fakeMachines) Create(_ context.Context, name, _ string) (*model.Machine, error) {
	if err := f.record("create"); err != nil {
		return nil, err
	}
	return &model.Machine{ID: 100, Name: name, Status: model.StatusStopped, Active: true}, nil
}

func (f *fakeMachines) Schedule(_ context.Context, id int64, date, clock string, action model.Action) error {
	f.mu.Lock()
	f.scheduled.id, f.scheduled.date, f.scheduled.clock, f.scheduled.action = id, date, clock, action
	f.mu.Unlock()
	return f.record("schedule")
}

func (f *fakeMachines) Errors(context.Context, int64) ([]model.ErrorMessage, error) {
	return []model.ErrorMessage{{ID: 1, Message: "machine busy", Action: "Start"}}, nil
}

type fakeUsers struct {
	mu       sync.Mutex
	roles    []model.Role
	deleted  []int64
	getRoles int
	updates  int
}

func (f *fakeUsers) GetRoles(context.Context) ([]model.Role, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.getRoles++
	return f.roles, nil
}

func (f *fakeUsers) UpdateUser(context.Context, model.User) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates++
	return nil
}

func (f *fakeUsers) DeleteUser(_ context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, id)
	return nil
}

func (f *fakeUsers) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.getRoles + f.updates + len(f.deleted)
}

type fakeFeed struct {
	mu               sync.Mutex
	state            feed.State
	handler          feed.Handler
	topic            string
	stateAtSubscribe feed.State
	disconnects      int
	subscribed       chan struct{}
	lost             chan error
}

func newFakeFeed() *fakeFeed {
	return &fakeFeed{subscribed: make(chan struct{}), lost: make(chan error, 1)}
}

func (f *fakeFeed) Connect(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state = feed.Connected
	return nil
}

func (f *fakeFeed) Subscribe(topic string, h feed.Handler) (*feed.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state != feed.Connected {
		return nil, feed.ErrNotConnected
	}
	f.stateAtSubscribe = f.state
	f.topic = topic
	f.handler = h
	close(f.subscribed)
	return &feed.Subscription{Topic: topic}, nil
}

func (f *fakeFeed) Disconnect() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state = feed.Disconnected
	f.disconnects++
	return nil
}

func (f *fakeFeed) State() feed.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeFeed) Lost() <-chan error { return f.lost }

// push delivers payload the way a transport would.
func (f *fakeFeed) push(payload string) {
	f.mu.Lock()
	h := f.handler
	f.mu.Unlock()
	h([]byte(payload))
}

var allRoles = []model.Role{
	{Name: permission.CanSearchMachines},
	{Name: permission.CanStartMachines},
	{Name: permission.CanStopMachines},
	{Name: permission.CanRestartMachines},
	{Name: permission.CanCreateMachines},
	{Name: permission.CanDestroyMachines},
	{Name: permission.CanScheduleMachines},
	{Name: permission.CanDeleteUsers},
}

func newTestDashboard(t *testing.T, roles []model.Role, ms *fakeMachines, f *fakeFeed) *Dashboard {
	t.Helper()
	deps := Deps{
		Session:  session.Context{Mail: "john@gmail.com", Token: "tok", Roles: roles},
		Machines: ms,
		Users:    &fakeUsers{},
	}
	if f != nil {
		deps.Feed = f
	}
	d := New(deps)
	t.Cleanup(func() { _ = d.Close() })
	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if f != nil {
		select {
		case <-f.subscribed:
		case <-time.After(2 * time.Second):
			t.Fatalf("timeout waiting for subscribe")
		}
	}
	return d
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timeout waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func statusOf(d *Dashboard, id int64) model.Status {
	for _, m := range d.Snapshot() {
		if m.ID == id {
			return m.Status
		}
	}
	return ""
}

func TestStart_ShowsActiveMachinesOnly(t *testing.T) {
	ms := &fakeMachines{all: []model.Machine{
		{ID: 1, Name: "a", Status: model.StatusStopped, Active: true},
		{ID: 2, Name: "b", Status: model.StatusStopped, Active: false},
		{ID: 3, Name: "c", Status: model.StatusRunning, Active: true},
	}}
	d := newTestDashboard(t, allRoles, ms, nil)

	want := []model.Machine{ms.all[0], ms.all[2]}
	if diff := cmp.Diff(want, d.Snapshot()); diff != "" {
		t.Fatalf("snapshot mismatch (-want +got):\n%s", diff)
	}
	if d.FeedState() != feed.Disconnected {
		t.Fatalf("expected no feed, got %v", d.FeedState())
	}
}

func TestStart_SubscribesAfterConnect(t *testing.T) {
	f := newFakeFeed()
	d := newTestDashboard(t, allRoles, &fakeMachines{}, f)

	f.mu.Lock()
	stateAtSubscribe, topic := f.stateAtSubscribe, f.topic
	f.mu.Unlock()
	if stateAtSubscribe != feed.Connected {
		t.Fatalf("subscribe ran in state %v", stateAtSubscribe)
	}
	if topic != DefaultTopic {
		t.Fatalf("unexpected topic %q", topic)
	}
	if d.FeedState() != feed.Connected {
		t.Fatalf("expected connected")
	}
}

func TestStart_EmptyRolesDenyEverything(t *testing.T) {
	ms := &fakeMachines{
		all:   []model.Machine{{ID: 1, Name: "web", Status: model.StatusStopped, Active: true}},
		found: []model.Machine{{ID: 1, Name: "web", Status: model.StatusStopped, Active: true}},
	}
	// The catalog holds every role; none of it may leak into the gate.
	users := &fakeUsers{roles: allRoles}
	d := New(Deps{
		Session:  session.Context{Mail: "john@gmail.com", Token: "tok"},
		Machines: ms,
		Users:    users,
	})
	defer d.Close()
	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	for action, enabled := range d.Gate().Controls() {
		if enabled {
			t.Fatalf("control %q enabled for a session without roles", action)
		}
	}

	ctx := context.Background()
	if err := d.StartMachine(ctx, 1); err != nil {
		t.Fatalf("StartMachine: %v", err)
	}
	if err := d.StopMachine(ctx, 1); err != nil {
		t.Fatalf("StopMachine: %v", err)
	}
	if err := d.RestartMachine(ctx, 1); err != nil {
		t.Fatalf("RestartMachine: %v", err)
	}
	if err := d.DestroyMachine(ctx, 1); err != nil {
		t.Fatalf("DestroyMachine: %v", err)
	}
	if m, err := d.CreateMachine(ctx, "new"); m != nil || err != nil {
		t.Fatalf("CreateMachine: %v %v", m, err)
	}
	if err := d.ScheduleMachine(ctx, 1, time.Now(), model.ActionStart); err != nil {
		t.Fatalf("ScheduleMachine: %v", err)
	}
	if err := d.Search(ctx, model.SearchCriteria{Name: "w"}); err != nil {
		t.Fatalf("Search: %v", err)
	}
	if err := d.UpdateUser(ctx, model.User{ID: 2, Mail: "a@b.c"}); err != nil {
		t.Fatalf("UpdateUser: %v", err)
	}
	if err := d.DeleteUser(ctx, 2); err != nil {
		t.Fatalf("DeleteUser: %v", err)
	}
	if roles, err := d.RoleCatalog(ctx); roles != nil || err != nil {
		t.Fatalf("RoleCatalog: %v %v", roles, err)
	}

	if _, calls := ms.callCount(); len(calls) != 0 {
		t.Fatalf("expected no machine calls, got %v", calls)
	}
	if n := users.callCount(); n != 0 {
		t.Fatalf("expected no user service calls, got %d", n)
	}
}

func TestRoleCatalog_GatedByReadUsers(t *testing.T) {
	catalog := []model.Role{{ID: 1, Name: permission.CanReadUsers}, {ID: 2, Name: permission.CanStartMachines}}
	d := New(Deps{
		Session:  session.Context{Mail: "john@gmail.com", Roles: []model.Role{{Name: permission.CanReadUsers}}},
		Machines: &fakeMachines{},
		Users:    &fakeUsers{roles: catalog},
	})
	defer d.Close()

	got, err := d.RoleCatalog(context.Background())
	if err != nil {
		t.Fatalf("RoleCatalog: %v", err)
	}
	if diff := cmp.Diff(catalog, got); diff != "" {
		t.Fatalf("catalog mismatch (-want +got):\n%s", diff)
	}
	// Reading the catalog grants nothing.
	if d.Can(permission.CanStartMachines) {
		t.Fatalf("catalog roles leaked into the gate")
	}
}

// blockingFeed connects at once but holds Subscribe until Disconnect.
type blockingFeed struct {
	fakeFeed
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func newBlockingFeed() *blockingFeed {
	return &blockingFeed{
		fakeFeed: fakeFeed{subscribed: make(chan struct{}), lost: make(chan error, 1)},
		entered:  make(chan struct{}),
		release:  make(chan struct{}),
	}
}

func (f *blockingFeed) Subscribe(string, feed.Handler) (*feed.Subscription, error) {
	close(f.entered)
	<-f.release
	return nil, feed.ErrNotConnected
}

func (f *blockingFeed) Disconnect() error {
	f.once.Do(func() { close(f.release) })
	return f.fakeFeed.Disconnect()
}

func TestStart_StuckSubscribeDoesNotBlockView(t *testing.T) {
	ms := &fakeMachines{all: []model.Machine{{ID: 1, Name: "web", Status: model.StatusStopped, Active: true}}}
	f := newBlockingFeed()
	d := New(Deps{
		Session:  session.Context{Mail: "john@gmail.com", Roles: allRoles},
		Machines: ms,
		Feed:     f,
	})
	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	select {
	case <-f.entered:
	case <-time.After(2 * time.Second):
		t.Fatalf("timeout waiting for subscribe")
	}

	snap := make(chan []model.Machine, 1)
	go func() { snap <- d.Snapshot() }()
	select {
	case got := <-snap:
		if len(got) != 1 || got[0].ID != 1 {
			t.Fatalf("unexpected snapshot %+v", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Snapshot blocked behind Subscribe")
	}

	watched := make(chan struct{})
	go func() {
		cancel := d.Watch(func([]model.Machine) {})
		cancel()
		close(watched)
	}()
	select {
	case <-watched:
	case <-time.After(2 * time.Second):
		t.Fatalf("Watch blocked behind Subscribe")
	}

	closed := make(chan error, 1)
	go func() { closed <- d.Close() }()
	select {
	case err := <-closed:
		if err != nil {
			t.Fatalf("Close: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Close blocked behind Subscribe")
	}
}

// refusingFeed connects but refuses every subscription.
type refusingFeed struct {
	fakeFeed
}

func (f *refusingFeed) Subscribe(topic string, _ feed.Handler) (*feed.Subscription, error) {
	return nil, &feed.SubscriptionError{Topic: topic, Err: errors.New("access denied")}
}

func TestStart_SubscribeFailureDropsFeed(t *testing.T) {
	f := &refusingFeed{fakeFeed: fakeFeed{subscribed: make(chan struct{}), lost: make(chan error, 1)}}
	d := New(Deps{
		Session:  session.Context{Mail: "john@gmail.com", Roles: allRoles},
		Machines: &fakeMachines{},
		Feed:     f,
	})
	defer d.Close()
	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	waitFor(t, "feed error", func() bool { return d.FeedError() != nil })
	var se *feed.SubscriptionError
	if !errors.As(d.FeedError(), &se) || se.Topic != DefaultTopic {
		t.Fatalf("expected subscription error, got %v", d.FeedError())
	}
	waitFor(t, "feed disconnected", func() bool { return d.FeedState() == feed.Disconnected })
}

func TestFeedLost_RecordsError(t *testing.T) {
	f := newFakeFeed()
	d := newTestDashboard(t, allRoles, &fakeMachines{}, f)
	if d.FeedError() != nil {
		t.Fatalf("healthy feed reported %v", d.FeedError())
	}

	f.mu.Lock()
	f.state = feed.Disconnected
	f.mu.Unlock()
	f.lost <- &feed.ConnectionError{Endpoint: "ws://broker/ws", Err: errors.New("reset")}

	waitFor(t, "feed error", func() bool { return d.FeedError() != nil })
	var ce *feed.ConnectionError
	if !errors.As(d.FeedError(), &ce) {
		t.Fatalf("expected connection error, got %v", d.FeedError())
	}
}

func TestScenarioA_StatusChangeApplies(t *testing.T) {
	ms := &fakeMachines{all: []model.Machine{
		{ID: 1, Name: "web", Status: model.StatusStopped, Active: true},
		{ID: 2, Name: "db", Status: model.StatusRunning, Active: true},
	}}
	f := newFakeFeed()
	d := newTestDashboard(t, allRoles, ms, f)

	f.push(`{"id":1,"status":"RUNNING"}`)
	waitFor(t, "machine 1 running", func() bool { return statusOf(d, 1) == model.StatusRunning })

	want := []model.Machine{
		{ID: 1, Name: "web", Status: model.StatusRunning, Active: true},
		{ID: 2, Name: "db", Status: model.StatusRunning, Active: true},
	}
	if diff := cmp.Diff(want, d.Snapshot()); diff != "" {
		t.Fatalf("snapshot mismatch (-want +got):\n%s", diff)
	}
}

func TestScenarioB_UnknownMachineIgnored(t *testing.T) {
	ms := &fakeMachines{all: []model.Machine{{ID: 1, Name: "web", Status: model.StatusStopped, Active: true}}}
	f := newFakeFeed()
	d := newTestDashboard(t, allRoles, ms, f)

	f.push(`{"id":99,"status":"RUNNING"}`)
	f.push(`not json`)
	// events are processed in order; once this lands the others were handled
	f.push(`{"id":1,"status":"STOPPED"}`)
	f.push(`{"id":1,"status":"RUNNING"}`)
	waitFor(t, "machine 1 running", func() bool { return statusOf(d, 1) == model.StatusRunning })

	got := d.Snapshot()
	if len(got) != 1 || got[0].ID != 1 {
		t.Fatalf("unknown id must not be inserted, got %+v", got)
	}
}

func TestScenarioC_LastProcessedWins(t *testing.T) {
	ms := &fakeMachines{all: []model.Machine{{ID: 1, Name: "web", Status: model.StatusStopped, Active: true}}}
	f := newFakeFeed()
	d := newTestDashboard(t, allRoles, ms, f)

	// An event processed before a fetch is overwritten by the fetch.
	f.push(`{"id":1,"status":"RUNNING"}`)
	waitFor(t, "event applied", func() bool { return statusOf(d, 1) == model.StatusRunning })
	if err := d.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if got := statusOf(d, 1); got != model.StatusStopped {
		t.Fatalf("fetch should win, got %s", got)
	}

	// A stale event processed after the fetch is applied.
	f.push(`{"id":1,"status":"RUNNING"}`)
	waitFor(t, "stale event applied", func() bool { return statusOf(d, 1) == model.StatusRunning })
}

func TestSearch_NarrowsReconciledPopulation(t *testing.T) {
	ms := &fakeMachines{
		all: []model.Machine{
			{ID: 1, Name: "web", Status: model.StatusStopped, Active: true},
			{ID: 2, Name: "db", Status: model.StatusStopped, Active: true},
		},
		found: []model.Machine{{ID: 2, Name: "db", Status: model.StatusStopped, Active: true}},
	}
	f := newFakeFeed()
	d := newTestDashboard(t, allRoles, ms, f)

	if err := d.Search(context.Background(), model.SearchCriteria{Name: "d", Stopped: true}); err != nil {
		t.Fatalf("Search: %v", err)
	}
	f.push(`{"id":1,"status":"RUNNING"}`)
	f.push(`{"id":2,"status":"RUNNING"}`)
	waitFor(t, "machine 2 running", func() bool { return statusOf(d, 2) == model.StatusRunning })

	got := d.Snapshot()
	if len(got) != 1 || got[0].ID != 2 {
		t.Fatalf("expected only machine 2 in view, got %+v", got)
	}
}

func TestSearch_DropsInactiveMachines(t *testing.T) {
	ms := &fakeMachines{
		all: []model.Machine{{ID: 1, Name: "web", Status: model.StatusStopped, Active: true}},
		found: []model.Machine{
			{ID: 1, Name: "web", Status: model.StatusStopped, Active: true},
			{ID: 7, Name: "web-old", Status: model.StatusStopped, Active: false},
		},
	}
	d := newTestDashboard(t, allRoles, ms, nil)

	if err := d.Search(context.Background(), model.SearchCriteria{Name: "web"}); err != nil {
		t.Fatalf("Search: %v", err)
	}
	want := []model.Machine{{ID: 1, Name: "web", Status: model.StatusStopped, Active: true}}
	if diff := cmp.Diff(want, d.Snapshot()); diff != "" {
		t.Fatalf("snapshot mismatch (-want +got):\n%s", diff)
	}
}

func TestSearch_DeniedWithoutCapability(t *testing.T) {
	ms := &fakeMachines{}
	d := newTestDashboard(t, []model.Role{{Name: permission.CanStartMachines}}, ms, nil)
	if err := d.Search(context.Background(), model.SearchCriteria{Name: "x"}); err != nil {
		t.Fatalf("Search: %v", err)
	}
	if _, calls := ms.callCount(); len(calls) != 0 {
		t.Fatalf("expected no search call, got %v", calls)
	}
}

func TestCommand_DeniedMakesNoCall(t *testing.T) {
	ms := &fakeMachines{all: []model.Machine{{ID: 1, Status: model.StatusStopped, Active: true}}}
	d := newTestDashboard(t, []model.Role{{Name: permission.CanStopMachines}}, ms, nil)
	before, _ := ms.callCount()

	if err := d.StartMachine(context.Background(), 1); err != nil {
		t.Fatalf("denied command should be silent, got %v", err)
	}
	if err := d.DestroyMachine(context.Background(), 1); err != nil {
		t.Fatalf("denied command should be silent, got %v", err)
	}
	m, err := d.CreateMachine(context.Background(), "new")
	if m != nil || err != nil {
		t.Fatalf("denied create should return nil, nil; got %v %v", m, err)
	}

	after, calls := ms.callCount()
	if len(calls) != 0 {
		t.Fatalf("expected no command calls, got %v", calls)
	}
	if after != before {
		t.Fatalf("denied command must not refetch")
	}
}

func TestCommand_SuccessRefetches(t *testing.T) {
	ms := &fakeMachines{all: []model.Machine{{ID: 1, Status: model.StatusStopped, Active: true}}}
	d := newTestDashboard(t, allRoles, ms, nil)

	ms.setAll([]model.Machine{{ID: 1, Status: model.StatusRunning, Active: true}})
	if err := d.StartMachine(context.Background(), 1); err != nil {
		t.Fatalf("StartMachine: %v", err)
	}
	if got := statusOf(d, 1); got != model.StatusRunning {
		t.Fatalf("expected refetched status, got %s", got)
	}
}

func TestCommand_FailureReturnedAndRefetched(t *testing.T) {
	ms := &fakeMachines{all: []model.Machine{{ID: 1, Status: model.StatusStopped, Active: true}}}
	d := newTestDashboard(t, allRoles, ms, nil)
	before, _ := ms.callCount()

	failure := &machineapi.CommandError{Op: "restart", MachineID: 1, Err: &machineapi.StatusError{Op: "restart", StatusCode: 500}}
	ms.mu.Lock()
	ms.failWith = failure
	ms.mu.Unlock()

	err := d.RestartMachine(context.Background(), 1)
	var ce *machineapi.CommandError
	if !errors.As(err, &ce) || ce.MachineID != 1 {
		t.Fatalf("expected CommandError, got %v", err)
	}
	if after, _ := ms.callCount(); after != before+1 {
		t.Fatalf("expected one refetch, got %d", after-before)
	}
}

func TestCreateMachine(t *testing.T) {
	ms := &fakeMachines{}
	d := newTestDashboard(t, allRoles, ms, nil)
	m, err := d.CreateMachine(context.Background(), "worker")
	if err != nil {
		t.Fatalf("CreateMachine: %v", err)
	}
	if m == nil || m.Name != "worker" {
		t.Fatalf("unexpected machine %+v", m)
	}
}

func TestScheduleMachine(t *testing.T) {
	ms := &fakeMachines{}
	d := newTestDashboard(t, allRoles, ms, nil)

	at := time.Date(2024, time.March, 5, 14, 30, 0, 0, time.UTC)
	if err := d.ScheduleMachine(context.Background(), 4, at, model.ActionRestart); err != nil {
		t.Fatalf("ScheduleMachine: %v", err)
	}
	ms.mu.Lock()
	got := ms.scheduled
	ms.mu.Unlock()
	if got.id != 4 || got.date != "2024-03-05" || got.clock != "14:30:00" || got.action != model.ActionRestart {
		t.Fatalf("unexpected schedule %+v", got)
	}

	if err := d.ScheduleMachine(context.Background(), 4, at, "Reboot"); !errors.Is(err, ErrInvalidAction) {
		t.Fatalf("expected ErrInvalidAction, got %v", err)
	}
}

func TestMachineErrors(t *testing.T) {
	d := newTestDashboard(t, allRoles, &fakeMachines{}, nil)
	errs, err := d.MachineErrors(context.Background(), 1)
	if err != nil || len(errs) != 1 || errs[0].Message != "machine busy" {
		t.Fatalf("unexpected errors %+v %v", errs, err)
	}
}

func TestDeleteUser_Gated(t *testing.T) {
	users := &fakeUsers{}
	d := New(Deps{
		Session:  session.Context{Mail: "a@b.c", Roles: []model.Role{{Name: permission.CanReadUsers}}},
		Machines: &fakeMachines{},
		Users:    users,
	})
	defer d.Close()
	if err := d.DeleteUser(context.Background(), 7); err != nil {
		t.Fatalf("DeleteUser: %v", err)
	}
	if len(users.deleted) != 0 {
		t.Fatalf("denied delete must not reach the service")
	}
}

func TestWatch(t *testing.T) {
	ms := &fakeMachines{all: []model.Machine{{ID: 1, Status: model.StatusStopped, Active: true}}}
	f := newFakeFeed()
	d := newTestDashboard(t, allRoles, ms, f)

	views := make(chan []model.Machine, 8)
	cancel := d.Watch(func(v []model.Machine) { views <- v })

	first := <-views
	if len(first) != 1 || first[0].Status != model.StatusStopped {
		t.Fatalf("unexpected initial view %+v", first)
	}

	f.push(`{"id":1,"status":"RUNNING"}`)
	select {
	case v := <-views:
		if v[0].Status != model.StatusRunning {
			t.Fatalf("unexpected view %+v", v)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timeout waiting for change")
	}

	cancel()
	f.push(`{"id":1,"status":"STOPPED"}`)
	waitFor(t, "machine 1 stopped", func() bool { return statusOf(d, 1) == model.StatusStopped })
	select {
	case v := <-views:
		t.Fatalf("cancelled watcher got %+v", v)
	default:
	}
}

func TestClose_EventsAfterCloseDoNotMutate(t *testing.T) {
	ms := &fakeMachines{all: []model.Machine{{ID: 1, Status: model.StatusStopped, Active: true}}}
	f := newFakeFeed()
	d := newTestDashboard(t, allRoles, ms, f)

	changes := make(chan []model.Machine, 8)
	d.Watch(func(v []model.Machine) { changes <- v })
	<-changes

	if err := d.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	f.push(`{"id":1,"status":"RUNNING"}`)

	select {
	case v := <-changes:
		t.Fatalf("view changed after close: %+v", v)
	case <-time.After(50 * time.Millisecond):
	}
	if d.Snapshot() != nil {
		t.Fatalf("closed dashboard should have no view")
	}
	f.mu.Lock()
	disconnects := f.disconnects
	f.mu.Unlock()
	if disconnects != 1 {
		t.Fatalf("expected one disconnect, got %d", disconnects)
	}
	if err := d.StartMachine(context.Background(), 1); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if err := d.Refresh(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	// idempotent
	if err := d.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}

func TestLogout_ClearsSession(t *testing.T) {
	kv := session.NewMemoryStore()
	sc := session.Context{Mail: "john@gmail.com", Token: "tok", Roles: allRoles}
	if err := session.Save(kv, sc); err != nil {
		t.Fatalf("Save: %v", err)
	}
	d := New(Deps{Session: sc, Machines: &fakeMachines{}, SessionKV: kv})
	if err := d.Logout(); err != nil {
		t.Fatalf("Logout: %v", err)
	}
	got, err := session.Load(kv)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.Token != "" || len(got.Roles) != 0 {
		t.Fatalf("expected cleared session, got %+v", got)
	}
}
