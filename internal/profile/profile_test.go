package profile

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hitoshi/bluecircle/internal/model"
)

// mockFetcher はFindByIDの挙動を差し替えられるFetcher。
type mockFetcher struct {
	calls      atomic.Int32
	findByIDFn func(ctx context.Context, id string) (*model.Profile, error)
}

func (m *mockFetcher) FindByID(ctx context.Context, id string) (*model.Profile, error) {
	m.calls.Add(1)
	if m.findByIDFn != nil {
		return m.findByIDFn(ctx, id)
	}
	return &model.Profile{ID: id, Username: "user-" + id}, nil
}

type countingObserver struct {
	hits, misses atomic.Int32
}

func (o *countingObserver) ObserveProfileLookup(hit bool) {
	if hit {
		o.hits.Add(1)
	} else {
		o.misses.Add(1)
	}
}

func TestResolver_CachesHits(t *testing.T) {
	f := &mockFetcher{}
	obs := &countingObserver{}
	r := NewResolver(f, obs, ResolverConfig{})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		p, err := r.Resolve(ctx, "a")
		if err != nil || p.Username != "user-a" {
			t.Fatalf("Resolve() = %+v, %v", p, err)
		}
	}
	if got := f.calls.Load(); got != 1 {
		t.Errorf("fetch calls = %d, want 1", got)
	}
	if obs.hits.Load() != 2 || obs.misses.Load() != 1 {
		t.Errorf("hits=%d misses=%d", obs.hits.Load(), obs.misses.Load())
	}
}

func TestResolver_CollapsesConcurrentRequests(t *testing.T) {
	release := make(chan struct{})
	f := &mockFetcher{findByIDFn: func(_ context.Context, id string) (*model.Profile, error) {
		<-release
		return &model.Profile{ID: id}, nil
	}}
	r := NewResolver(f, nil, ResolverConfig{})

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := r.Resolve(context.Background(), "a"); err != nil {
				t.Errorf("Resolve() error = %v", err)
			}
		}()
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	if got := f.calls.Load(); got != 1 {
		t.Errorf("fetch calls = %d, want 1", got)
	}
}

func TestResolver_NotFoundAndFailureAreNotCached(t *testing.T) {
	var fail atomic.Bool
	fail.Store(true)
	f := &mockFetcher{findByIDFn: func(_ context.Context, id string) (*model.Profile, error) {
		if fail.Load() {
			return nil, errors.New("connection reset")
		}
		return nil, nil
	}}
	r := NewResolver(f, nil, ResolverConfig{})
	ctx := context.Background()

	if _, err := r.Resolve(ctx, "a"); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("store failure err = %v, want ErrNotFound", err)
	}
	fail.Store(false)
	if _, err := r.Resolve(ctx, "a"); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("missing row err = %v, want ErrNotFound", err)
	}
	if got := f.calls.Load(); got != 2 {
		t.Errorf("fetch calls = %d, want 2", got)
	}
}

func TestResolver_Invalidate(t *testing.T) {
	var name atomic.Value
	name.Store("old")
	f := &mockFetcher{findByIDFn: func(_ context.Context, id string) (*model.Profile, error) {
		return &model.Profile{ID: id, Username: name.Load().(string)}, nil
	}}
	r := NewResolver(f, nil, ResolverConfig{})
	ctx := context.Background()

	r.Resolve(ctx, "a")
	name.Store("new")
	r.Invalidate("a")

	p, _ := r.Resolve(ctx, "a")
	if p.Username != "new" {
		t.Errorf("Username = %q, want new", p.Username)
	}
}

func TestResolver_InvalidateDuringFetchDoesNotRepopulate(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	var first atomic.Bool
	first.Store(true)
	f := &mockFetcher{findByIDFn: func(_ context.Context, id string) (*model.Profile, error) {
		if first.CompareAndSwap(true, false) {
			close(started)
			<-release
			return &model.Profile{ID: id, Username: "stale"}, nil
		}
		return &model.Profile{ID: id, Username: "fresh"}, nil
	}}
	r := NewResolver(f, nil, ResolverConfig{})

	done := make(chan struct{})
	go func() {
		defer close(done)
		r.Resolve(context.Background(), "a")
	}()
	<-started
	r.Invalidate("a")
	close(release)
	<-done

	p, err := r.Resolve(context.Background(), "a")
	if err != nil || p.Username != "fresh" {
		t.Errorf("Resolve() = %+v, %v, want fresh", p, err)
	}
}

func TestResolver_CallerCancellation(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	f := &mockFetcher{findByIDFn: func(_ context.Context, id string) (*model.Profile, error) {
		<-release
		return &model.Profile{ID: id}, nil
	}}
	r := NewResolver(f, nil, ResolverConfig{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := r.Resolve(ctx, "a"); !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

// resultLog はViewの通知を記録する。
type resultLog struct {
	mu      sync.Mutex
	results []Result
}

func (l *resultLog) add(r Result) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.results = append(l.results, r)
}

func (l *resultLog) last() Result {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.results) == 0 {
		return Result{}
	}
	return l.results[len(l.results)-1]
}

func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestView_LatestRequestWins(t *testing.T) {
	releaseA := make(chan struct{})
	f := &mockFetcher{findByIDFn: func(_ context.Context, id string) (*model.Profile, error) {
		if id == "A" {
			<-releaseA
		}
		return &model.Profile{ID: id, Username: id}, nil
	}}
	log := &resultLog{}
	v := NewView(NewResolver(f, nil, ResolverConfig{}), log.add)
	defer v.Close()

	v.Show(context.Background(), "A")
	v.Show(context.Background(), "B")
	waitUntil(t, func() bool { return !v.Current().Loading })

	// Aの取得はBの表示後に完了するが、反映されない
	close(releaseA)
	time.Sleep(50 * time.Millisecond)

	cur := v.Current()
	if cur.UserID != "B" || cur.Profile == nil || cur.Profile.Username != "B" {
		t.Errorf("Current() = %+v, want B", cur)
	}
	if last := log.last(); last.UserID != "B" || last.Loading {
		t.Errorf("last notification = %+v, want B result", last)
	}
}

func TestView_CloseDiscardsPendingResult(t *testing.T) {
	release := make(chan struct{})
	f := &mockFetcher{findByIDFn: func(_ context.Context, id string) (*model.Profile, error) {
		<-release
		return &model.Profile{ID: id}, nil
	}}
	log := &resultLog{}
	v := NewView(NewResolver(f, nil, ResolverConfig{}), log.add)

	v.Show(context.Background(), "A")
	v.Close()
	close(release)
	time.Sleep(50 * time.Millisecond)

	log.mu.Lock()
	defer log.mu.Unlock()
	for _, r := range log.results {
		if !r.Loading {
			t.Errorf("result delivered after Close: %+v", r)
		}
	}

	v.Show(context.Background(), "B")
	if len(log.results) != 1 {
		t.Errorf("Show after Close should be ignored, got %d notifications", len(log.results))
	}
}

// 結果の通知中にCloseした場合、Closeは通知が終わるまで戻らない。
func TestView_CloseWaitsForInFlightNotification(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	var delivered atomic.Int32
	v := NewView(NewResolver(&mockFetcher{}, nil, ResolverConfig{}), func(res Result) {
		if res.Loading {
			return
		}
		delivered.Add(1)
		close(entered)
		<-release
	})

	v.Show(context.Background(), "A")
	<-entered

	closeDone := make(chan struct{})
	go func() {
		v.Close()
		close(closeDone)
	}()

	select {
	case <-closeDone:
		t.Fatal("Close returned while a notification was in flight")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	<-closeDone
	if got := delivered.Load(); got != 1 {
		t.Errorf("deliveries = %d, want 1", got)
	}
}

func TestView_NotFound(t *testing.T) {
	f := &mockFetcher{findByIDFn: func(context.Context, string) (*model.Profile, error) { return nil, nil }}
	v := NewView(NewResolver(f, nil, ResolverConfig{}), nil)
	defer v.Close()

	v.Show(context.Background(), "ghost")
	waitUntil(t, func() bool { return !v.Current().Loading })

	if cur := v.Current(); !errors.Is(cur.Err, model.ErrNotFound) || cur.Profile != nil {
		t.Errorf("Current() = %+v, want not found", cur)
	}
}

func TestCardOf(t *testing.T) {
	card := CardOf("x", &model.Profile{ID: "x", Username: "ernest", FullName: "Ernest"})
	if card.Initial != "E" || card.DisplayName != "Ernest" || !card.Found {
		t.Errorf("card = %+v", card)
	}

	fallback := CardOf("x", nil)
	if fallback.Initial != "U" || fallback.Found || fallback.ID != "x" {
		t.Errorf("fallback = %+v", fallback)
	}
}
