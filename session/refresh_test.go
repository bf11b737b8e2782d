package session

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"golang.org/x/sync/errgroup"

	"authsession/idptest"
	"authsession/securestore"
)

func TestRefreshSingleFlight(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, idptest.Options{RotateRefreshTokens: true})
	seeded := f.seed(t)
	f.idp.HoldRefresh()

	const callers = 8
	results := make([]TokenSet, callers)
	var g errgroup.Group
	for i := 0; i < callers; i++ {
		i := i
		g.Go(func() error {
			ts, err := f.mgr.Refresh(ctx)
			results[i] = ts
			return err
		})
	}

	waitFor(t, "callers to join the in-flight refresh", func() bool {
		return f.mgr.refresher.joined() == callers-1
	})
	f.idp.ReleaseRefresh()

	if err := g.Wait(); err != nil {
		t.Fatalf("Refresh returned error: %v", err)
	}
	if calls := f.idp.RefreshCalls(); calls != 1 {
		t.Fatalf("expected exactly one refresh request, got %d", calls)
	}
	for i, ts := range results {
		if ts != results[0] {
			t.Fatalf("caller %d saw %+v, caller 0 saw %+v", i, ts, results[0])
		}
	}
	if results[0].RefreshToken == seeded.RefreshToken {
		t.Fatalf("expected rotated refresh token")
	}
	stored, ok := f.mgr.Tokens(ctx)
	if !ok || stored != results[0] {
		t.Fatalf("store does not hold the refreshed tokens: %+v ok=%v", stored, ok)
	}
	if f.mgr.refresher.InFlight() {
		t.Fatalf("in-flight flag must be cleared after the refresh settles")
	}
}

func TestRefreshKeepsRefreshTokenWhenOmitted(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, idptest.Options{OmitRefreshToken: true})
	seeded := f.seed(t)

	ts, err := f.mgr.Refresh(ctx)
	if err != nil {
		t.Fatalf("Refresh returned error: %v", err)
	}
	if ts.RefreshToken != seeded.RefreshToken {
		t.Fatalf("expected previous refresh token to be retained, got %q", ts.RefreshToken)
	}
	if ts.AccessToken == seeded.AccessToken {
		t.Fatalf("expected a new access token")
	}
	stored, ok := f.mgr.Tokens(ctx)
	if !ok || stored.RefreshToken != seeded.RefreshToken {
		t.Fatalf("stored refresh token changed: %+v ok=%v", stored, ok)
	}
	form := f.idp.TokenForms()[0]
	if form.Get("grant_type") != "refresh_token" || form.Get("refresh_token") != seeded.RefreshToken {
		t.Fatalf("unexpected refresh request: %v", form)
	}
}

func TestRefreshFailureClearsSessionForAllCallers(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, idptest.Options{})
	f.seed(t)
	if !f.mgr.Restore(ctx) {
		t.Fatalf("expected Restore to find the seeded session")
	}
	f.idp.FailRefresh(true)
	f.idp.HoldRefresh()

	const callers = 4
	errs := make([]error, callers)
	var g errgroup.Group
	for i := 0; i < callers; i++ {
		i := i
		g.Go(func() error {
			_, errs[i] = f.mgr.Refresh(ctx)
			return nil
		})
	}
	waitFor(t, "callers to join the in-flight refresh", func() bool {
		return f.mgr.refresher.joined() == callers-1
	})
	f.idp.ReleaseRefresh()
	_ = g.Wait()

	for i, err := range errs {
		var failed *RefreshFailedError
		if !errors.As(err, &failed) {
			t.Fatalf("caller %d: expected RefreshFailedError, got %v", i, err)
		}
	}
	if calls := f.idp.RefreshCalls(); calls != 1 {
		t.Fatalf("expected exactly one refresh request, got %d", calls)
	}
	if keys := f.mem.Keys(); len(keys) != 0 {
		t.Fatalf("expected store to be cleared, got %v", keys)
	}
	if f.mgr.Session().Snapshot().IsAuthenticated {
		t.Fatalf("expected session to be cleared")
	}

	// The coordinator is idle again and a new session can refresh.
	f.idp.FailRefresh(false)
	f.seed(t)
	if _, err := f.mgr.Refresh(ctx); err != nil {
		t.Fatalf("Refresh after recovery returned error: %v", err)
	}
}

// fullStore rejects access token writes once full is set.
type fullStore struct {
	*securestore.MemoryStore
	full atomic.Bool
}

var errStoreFull = errors.New("keychain full")

func (s *fullStore) Set(ctx context.Context, key, value string) error {
	if s.full.Load() && key == accessTokenKey {
		return errStoreFull
	}
	return s.MemoryStore.Set(ctx, key, value)
}

func TestRefreshPersistFailureClearsSession(t *testing.T) {
	ctx := context.Background()
	idp := idptest.New(t, idptest.Options{})
	mem := &fullStore{MemoryStore: securestore.NewMemoryStore()}
	mgr := NewManager(testConfig(idp.Issuer()), mem, testLogger(), WithPrompter(idp))
	f := &fixture{idp: idp, mem: mem.MemoryStore, mgr: mgr}
	f.seed(t)
	if !mgr.Restore(ctx) {
		t.Fatalf("expected Restore to find the seeded session")
	}

	var cleared atomic.Bool
	mgr.Session().Subscribe(func(st SessionState) {
		if !st.IsAuthenticated {
			cleared.Store(true)
		}
	})

	mem.full.Store(true)
	_, err := mgr.Refresh(ctx)
	var failed *RefreshFailedError
	if !errors.As(err, &failed) {
		t.Fatalf("expected RefreshFailedError, got %v", err)
	}
	if !errors.Is(err, errStoreFull) {
		t.Fatalf("expected the storage error to be wrapped, got %v", err)
	}
	if calls := idp.RefreshCalls(); calls != 1 {
		t.Fatalf("expected one refresh request, got %d", calls)
	}
	if _, ok := mgr.Tokens(ctx); ok {
		t.Fatalf("expected no stored session")
	}
	if keys := mem.Keys(); len(keys) != 0 {
		t.Fatalf("expected store to be cleared, got %v", keys)
	}
	if mgr.Session().Snapshot().IsAuthenticated {
		t.Fatalf("expected session to be cleared with the store")
	}
	if !cleared.Load() {
		t.Fatalf("expected subscribers to observe the cleared session")
	}
}

func TestRefreshWithoutRefreshToken(t *testing.T) {
	f := newFixture(t, idptest.Options{})

	_, err := f.mgr.Refresh(context.Background())
	if !errors.Is(err, ErrMissingRefreshToken) {
		t.Fatalf("expected ErrMissingRefreshToken, got %v", err)
	}
	if calls := f.idp.RefreshCalls(); calls != 0 {
		t.Fatalf("expected no refresh request, got %d", calls)
	}
}

func TestRefreshSurvivesLeaderCancellation(t *testing.T) {
	f := newFixture(t, idptest.Options{})
	f.seed(t)
	f.idp.HoldRefresh()

	leaderCtx, cancel := context.WithCancel(context.Background())
	leaderErr := make(chan error, 1)
	go func() {
		_, err := f.mgr.Refresh(leaderCtx)
		leaderErr <- err
	}()
	waitFor(t, "refresh request", func() bool { return f.idp.RefreshCalls() == 1 })

	followerDone := make(chan error, 1)
	go func() {
		_, err := f.mgr.Refresh(context.Background())
		followerDone <- err
	}()
	waitFor(t, "follower to join", func() bool { return f.mgr.refresher.joined() == 1 })

	cancel()
	if err := <-leaderErr; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected leader to see its own cancellation, got %v", err)
	}
	f.idp.ReleaseRefresh()
	if err := <-followerDone; err != nil {
		t.Fatalf("follower Refresh returned error: %v", err)
	}
	if calls := f.idp.RefreshCalls(); calls != 1 {
		t.Fatalf("expected exactly one refresh request, got %d", calls)
	}
}
