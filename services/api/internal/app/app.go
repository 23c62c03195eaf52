package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"sophiasocial/pkg/auth"
	"sophiasocial/pkg/club"
	"sophiasocial/pkg/crud"
	"sophiasocial/pkg/domain"
	"sophiasocial/pkg/filter"
	"sophiasocial/pkg/queue"
	"sophiasocial/pkg/record"
	"sophiasocial/pkg/session"
	"sophiasocial/pkg/store"
)

// Config holds runtime configuration for the core application.
type Config struct {
	StoreOptions      store.Options
	RedisAddr         string
	RedisPassword     string
	JWTSecret         string
	JWTIssuer         string
	JWTAudience       string
	SessionTTL        time.Duration
	DriftQueueEnabled bool
	DriftStream       string
	Logger            *slog.Logger

	// Store and Revoker replace the configured backends when set.
	Store   store.Store
	Revoker session.TokenRevoker
}

// App wires storage, the club coordinator and sessions.
type App struct {
	store       store.Store
	facades     map[domain.Entity]*crud.Facade
	coordinator *club.Coordinator
	sessions    *session.Manager
	closers     []func() error
	logger      *slog.Logger

	// serializes email uniqueness checks with user writes
	userMu sync.Mutex
}

// New constructs the application.
func New(ctx context.Context, cfg Config) (*App, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.SessionTTL == 0 {
		cfg.SessionTTL = 24 * time.Hour
	}

	a := &App{logger: logger, facades: map[domain.Entity]*crud.Facade{}}

	dataStore := cfg.Store
	if dataStore == nil {
		opts := cfg.StoreOptions
		opts.Logger = logger
		var err error
		dataStore, err = store.Open(ctx, opts)
		if err != nil {
			return nil, fmt.Errorf("init %s store: %w", opts.Backend, err)
		}
	}
	a.store = dataStore

	for _, entity := range domain.Entities() {
		opts := []crud.Option{crud.WithLogger(logger)}
		switch entity {
		case domain.EntityUsers:
			opts = append(opts,
				crud.WithHiddenFields(domain.FieldPasswordHash, domain.FieldPassword),
				crud.WithProtectedFields(domain.FieldClubs),
			)
		case domain.EntityClubs:
			opts = append(opts, crud.WithProtectedFields(domain.FieldMembers, domain.FieldAdmins))
		}
		a.facades[entity] = crud.New(dataStore.Collection(entity.String()), opts...)
	}

	var drift club.DriftRecorder = club.LogDriftRecorder{Logger: logger}
	if cfg.DriftQueueEnabled {
		q, err := queue.NewRedisJobQueue(queue.RedisQueueConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			Stream:   cfg.DriftStream,
			Group:    "reconciler",
			Logger:   logger,
		})
		if err != nil {
			return nil, fmt.Errorf("init drift queue: %w", err)
		}
		a.closers = append(a.closers, q.Close)
		drift = club.QueueDriftRecorder{Queue: q, Logger: logger}
	}
	a.coordinator = club.NewCoordinator(
		dataStore.Collection(domain.EntityClubs.String()),
		dataStore.Collection(domain.EntityUsers.String()),
		drift,
		logger,
	)

	revoker := cfg.Revoker
	if revoker == nil {
		if strings.TrimSpace(cfg.RedisAddr) != "" {
			redisRevoker := session.NewRedisTokenRevoker(cfg.RedisAddr, cfg.RedisPassword, "")
			a.closers = append(a.closers, redisRevoker.Close)
			revoker = redisRevoker
		} else {
			revoker = session.NewMemoryTokenRevoker()
		}
	}
	sessions, err := session.NewManager(cfg.JWTSecret, cfg.SessionTTL, revoker, session.Options{
		Issuer:   cfg.JWTIssuer,
		Audience: cfg.JWTAudience,
	})
	if err != nil {
		return nil, fmt.Errorf("init sessions: %w", err)
	}
	a.sessions = sessions
	return a, nil
}

// Close releases the store and Redis clients.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	for _, closeFn := range a.closers {
		errs = append(errs, closeFn())
	}
	errs = append(errs, a.store.Close(ctx))
	return errors.Join(errs...)
}

// Backend names the active store backend.
func (a *App) Backend() string { return a.store.Backend() }

// Facade returns the CRUD surface of entity.
func (a *App) Facade(entity string) (*crud.Facade, error) {
	e, ok := domain.ParseEntity(entity)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownEntity, entity)
	}
	return a.facades[e], nil
}

// Coordinator exposes club membership operations.
func (a *App) Coordinator() *club.Coordinator { return a.coordinator }

// Create stores a record. Users get a hashed password and an empty club list;
// clubs must go through CreateClub.
func (a *App) Create(ctx context.Context, entity string, fields map[string]any) (record.Record, error) {
	f, err := a.Facade(entity)
	if err != nil {
		return record.Record{}, err
	}
	switch f.Name() {
	case domain.EntityUsers.String():
		return a.createUser(ctx, f, fields)
	case domain.EntityClubs.String():
		return record.Record{}, ErrClubRouteRequired
	}
	return f.Create(ctx, fields)
}

// CreateClub creates a club administered by creatorID.
func (a *App) CreateClub(ctx context.Context, fields map[string]any, creatorID string) (club.Result, error) {
	delete(fields, domain.FieldMembers)
	delete(fields, domain.FieldAdmins)
	return a.coordinator.Create(ctx, fields, creatorID)
}

// Read returns the records of entity matching p.
func (a *App) Read(ctx context.Context, entity string, p filter.Predicates) ([]record.Record, error) {
	f, err := a.Facade(entity)
	if err != nil {
		return nil, err
	}
	return f.Read(ctx, p)
}

// Get returns one record.
func (a *App) Get(ctx context.Context, entity, id string) (record.Record, error) {
	f, err := a.Facade(entity)
	if err != nil {
		return record.Record{}, err
	}
	return f.Get(ctx, id)
}

// Update applies patch. User passwords are validated and re-hashed.
func (a *App) Update(ctx context.Context, entity, id string, patch store.Patch) (record.Record, error) {
	f, err := a.Facade(entity)
	if err != nil {
		return record.Record{}, err
	}
	if f.Name() != domain.EntityUsers.String() {
		return f.Update(ctx, id, patch)
	}
	a.userMu.Lock()
	defer a.userMu.Unlock()
	patch, err = a.prepareUserPatch(ctx, f, id, patch)
	if err != nil {
		return record.Record{}, err
	}
	return f.Update(ctx, id, patch)
}

// Delete removes a record. Clubs must go through the coordinator.
func (a *App) Delete(ctx context.Context, entity, id string) (string, error) {
	f, err := a.Facade(entity)
	if err != nil {
		return "", err
	}
	if f.Name() == domain.EntityClubs.String() {
		return "", ErrClubRouteRequired
	}
	return f.Delete(ctx, id)
}

// Count returns the size of one collection.
func (a *App) Count(ctx context.Context, entity string) (int, error) {
	f, err := a.Facade(entity)
	if err != nil {
		return 0, err
	}
	return f.Count(ctx)
}

// Counts returns the size of every collection. Collections that do not exist
// yet count as zero.
func (a *App) Counts(ctx context.Context) (map[string]int, error) {
	entities := domain.Entities()
	counts := make([]int, len(entities))
	g, gctx := errgroup.WithContext(ctx)
	for i, entity := range entities {
		f := a.facades[entity]
		g.Go(func() error {
			n, err := f.Count(gctx)
			if errors.Is(err, store.ErrCollectionNotFound) {
				return nil
			}
			if err != nil {
				return fmt.Errorf("count %s: %w", entity, err)
			}
			counts[i] = n
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	out := make(map[string]int, len(entities))
	for i, entity := range entities {
		out[entity.String()] = counts[i]
	}
	return out, nil
}

// Login checks credentials and issues a session token.
func (a *App) Login(ctx context.Context, email, password string) (record.Record, string, error) {
	user, err := a.Validate(ctx, email, password)
	if err != nil {
		return record.Record{}, "", err
	}
	token, _, err := a.sessions.Issue(user.ID)
	if err != nil {
		return record.Record{}, "", fmt.Errorf("issue session: %w", err)
	}
	a.logger.Info("user logged in", "user_id", user.ID)
	return user, token, nil
}

// Validate checks credentials without issuing a token.
func (a *App) Validate(ctx context.Context, email, password string) (record.Record, error) {
	email = normalizeEmail(email)
	if email == "" || password == "" {
		return record.Record{}, ErrEmailAndPasswordRequired
	}
	users := a.facades[domain.EntityUsers]
	raw, ok, err := a.findUserByEmail(ctx, users, email)
	if err != nil {
		return record.Record{}, err
	}
	hash, _ := raw.Get(domain.FieldPasswordHash)
	hashStr, _ := hash.(string)
	if !ok || !auth.CheckPassword(password, hashStr) {
		return record.Record{}, ErrInvalidCredentials
	}
	return users.Get(ctx, raw.ID)
}

// Logout revokes token.
func (a *App) Logout(ctx context.Context, token string) error {
	return a.sessions.Revoke(ctx, token)
}

// UserIDFromToken returns the user a valid token was issued to.
func (a *App) UserIDFromToken(ctx context.Context, token string) (string, error) {
	return a.sessions.Verify(ctx, token)
}

func (a *App) createUser(ctx context.Context, users *crud.Facade, fields map[string]any) (record.Record, error) {
	email, _ := fields[domain.FieldEmail].(string)
	password, _ := fields[domain.FieldPassword].(string)
	email = normalizeEmail(email)
	if email == "" || password == "" {
		return record.Record{}, ErrEmailAndPasswordRequired
	}
	if err := auth.ValidatePassword(password); err != nil {
		return record.Record{}, err
	}
	hash, err := auth.HashPassword(password)
	if err != nil {
		return record.Record{}, fmt.Errorf("hash password: %w", err)
	}

	a.userMu.Lock()
	defer a.userMu.Unlock()
	if _, exists, err := a.findUserByEmail(ctx, users, email); err != nil {
		return record.Record{}, err
	} else if exists {
		return record.Record{}, ErrEmailAlreadyExists
	}
	data := make(map[string]any, len(fields)+1)
	for k, v := range fields {
		data[k] = v
	}
	delete(data, domain.FieldPassword)
	data[domain.FieldEmail] = email
	data[domain.FieldPasswordHash] = hash
	data[domain.FieldClubs] = []any{}
	return users.Create(ctx, data)
}

// prepareUserPatch swaps a plain password for its hash and keeps emails unique.
func (a *App) prepareUserPatch(ctx context.Context, users *crud.Facade, id string, patch store.Patch) (store.Patch, error) {
	for _, field := range patch.Fields() {
		if field == domain.FieldPasswordHash {
			return nil, fmt.Errorf("%w: %s", crud.ErrProtectedField, field)
		}
	}
	set := map[string]any(patch)
	if patch.IsOperator() {
		set, _ = patch[store.OpSet].(map[string]any)
	}
	touchesPassword := false
	for _, field := range patch.Fields() {
		touchesPassword = touchesPassword || field == domain.FieldPassword
	}
	if touchesPassword {
		password, ok := set[domain.FieldPassword].(string)
		if !ok {
			return nil, ErrPasswordPatch
		}
		if err := auth.ValidatePassword(password); err != nil {
			return nil, err
		}
		hash, err := auth.HashPassword(password)
		if err != nil {
			return nil, fmt.Errorf("hash password: %w", err)
		}
		set = copyWithout(set, domain.FieldPassword)
		set[domain.FieldPasswordHash] = hash
	}
	if raw, ok := set[domain.FieldEmail]; ok {
		email, _ := raw.(string)
		email = normalizeEmail(email)
		if email == "" {
			return nil, ErrEmailAndPasswordRequired
		}
		existing, exists, err := a.findUserByEmail(ctx, users, email)
		if err != nil {
			return nil, err
		}
		if exists && existing.ID != id {
			return nil, ErrEmailAlreadyExists
		}
		set = copyWithout(set)
		set[domain.FieldEmail] = email
	}
	if !patch.IsOperator() {
		return store.Patch(set), nil
	}
	out := store.Patch{}
	for op, args := range patch {
		out[op] = args
	}
	if set != nil {
		out[store.OpSet] = set
	}
	return out, nil
}

// findUserByEmail scans the raw collection so hidden fields are available.
func (a *App) findUserByEmail(ctx context.Context, users *crud.Facade, email string) (record.Record, bool, error) {
	all, err := users.Collection().ReadAll(ctx)
	if errors.Is(err, store.ErrCollectionNotFound) {
		return record.Record{}, false, nil
	}
	if err != nil {
		return record.Record{}, false, err
	}
	for _, rec := range all {
		v, _ := rec.Get(domain.FieldEmail)
		if s, ok := v.(string); ok && normalizeEmail(s) == email {
			return rec, true, nil
		}
	}
	return record.Record{}, false, nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func copyWithout(in map[string]any, drop ...string) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	for _, k := range drop {
		delete(out, k)
	}
	return out
}
