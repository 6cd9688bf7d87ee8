package dashboard

import (
	"context"
	"errors"
	"net/http"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"fleetdash/internal/machineapi"
	"fleetdash/internal/metrics"
	"fleetdash/internal/session"
)

// Factory builds, but does not start, the dashboard of user.
type Factory func(ctx context.Context, user string) (*Dashboard, error)

// SessionFactory builds dashboards from the sessions stored by the login
// hand-off.
type SessionFactory struct {
	Sessions   session.Provider
	APIBaseURL string
	HTTPClient *http.Client
	// NewFeed returns a fresh feed client per dashboard. Nil disables
	// live updates.
	NewFeed    func(logger *zap.Logger) FeedClient
	Topic      string
	FeedBuffer int
	Metrics    *metrics.Metrics
	Logger     *zap.Logger
}

func (f *SessionFactory) Build(_ context.Context, user string) (*Dashboard, error) {
	kv := f.Sessions.Scope(user)
	sc, err := session.Load(kv)
	if err != nil {
		return nil, err
	}
	if sc.Token == "" {
		return nil, session.ErrNoSession
	}

	logger := f.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	api := machineapi.New(f.APIBaseURL, sc.Token, f.HTTPClient)
	deps := Deps{
		Session:    sc,
		Machines:   api,
		Users:      api,
		Topic:      f.Topic,
		FeedBuffer: f.FeedBuffer,
		SessionKV:  kv,
		Metrics:    f.Metrics,
		Logger:     logger.Named("dashboard"),
	}
	if f.NewFeed != nil {
		deps.Feed = f.NewFeed(logger.Named("feed").With(zap.String("user", user)))
	}
	return New(deps), nil
}

// Registry keeps one started dashboard per signed-in user.
type Registry struct {
	build    Factory
	sessions session.Provider

	mu     sync.Mutex
	boards map[string]*Dashboard
}

// NewRegistry returns a registry using build. sessions, when set, lets
// Logout clear a user that has no open dashboard.
func NewRegistry(build Factory, sessions session.Provider) *Registry {
	return &Registry{
		build:    build,
		sessions: sessions,
		boards:   make(map[string]*Dashboard),
	}
}

// Get returns the user's dashboard, building and starting it on first use.
func (r *Registry) Get(ctx context.Context, user string) (*Dashboard, error) {
	if d, ok := r.Lookup(user); ok {
		return d, nil
	}

	d, err := r.build(ctx, user)
	if err != nil {
		return nil, err
	}
	if err := d.Start(ctx); err != nil {
		_ = d.Close()
		return nil, err
	}

	r.mu.Lock()
	if existing, ok := r.boards[user]; ok {
		r.mu.Unlock()
		_ = d.Close()
		return existing, nil
	}
	r.boards[user] = d
	r.mu.Unlock()
	return d, nil
}

func (r *Registry) Lookup(user string) (*Dashboard, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.boards[user]
	return d, ok
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.boards)
}

// Close drops the user's dashboard, leaving the session in place.
func (r *Registry) Close(user string) error {
	d, ok := r.take(user)
	if !ok {
		return nil
	}
	return d.Close()
}

// Logout signs the user out and drops the dashboard.
func (r *Registry) Logout(user string) error {
	if d, ok := r.take(user); ok {
		return d.Logout()
	}
	if r.sessions == nil {
		return nil
	}
	return session.Clear(r.sessions.Scope(user))
}

func (r *Registry) take(user string) (*Dashboard, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.boards[user]
	delete(r.boards, user)
	return d, ok
}

// CloseAll closes every dashboard in parallel.
func (r *Registry) CloseAll() error {
	r.mu.Lock()
	boards := r.boards
	r.boards = make(map[string]*Dashboard)
	r.mu.Unlock()

	var g errgroup.Group
	var mu sync.Mutex
	var errs []error
	for _, d := range boards {
		d := d
		g.Go(func() error {
			if err := d.Close(); err != nil {
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
