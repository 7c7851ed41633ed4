package supervisor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type eventLog struct {
	mu     sync.Mutex
	events []string
}

func (l *eventLog) add(e string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
}

func (l *eventLog) list() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.events...)
}

type logObserver struct{ log *eventLog }

func (o logObserver) RunStarted(branch string)    { o.log.add("started " + branch) }
func (o logObserver) RunSuperseded(branch string) { o.log.add("cancel-sent " + branch) }
func (o logObserver) RunFinished(branch string, err error) {
	o.log.add("completed " + branch)
}

// blockingRun records its checkout and blocks until cancelled, taking a
// little while to wind down like a real run.
func blockingRun(events *eventLog) RunFunc {
	return func(ctx context.Context, _ uuid.UUID, p Push) error {
		events.add("checkout " + p.Label)
		<-ctx.Done()
		time.Sleep(50 * time.Millisecond)
		events.add("stopped " + p.Label)
		return ctx.Err()
	}
}

func TestSupersedeOrdering(t *testing.T) {
	events := &eventLog{}
	s := New(Options{Run: blockingRun(events), Observer: logObserver{events}, Log: zerolog.Nop()})
	defer s.Shutdown(context.Background())

	ctx := context.Background()
	first, err := s.HandlePush(ctx, Push{Branch: "master", Label: "one"})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(events.list()) >= 2 }, time.Second, 5*time.Millisecond)

	second, err := s.HandlePush(ctx, Push{Branch: "master", Label: "two"})
	require.NoError(t, err)
	assert.NotEqual(t, first, second)
	require.Eventually(t, func() bool { return len(events.list()) >= 7 }, time.Second, 5*time.Millisecond)

	assert.Equal(t, []string{
		"started master",
		"checkout one",
		"cancel-sent master",
		"stopped one",
		"completed master",
		"started master",
		"checkout two",
	}, events.list())

	info, ok := s.Active("master")
	require.True(t, ok)
	assert.Equal(t, second, info.ID)
	assert.Equal(t, "two", info.Push.Label)
}

func TestConcurrentPushesKeepOneActiveRun(t *testing.T) {
	var mu sync.Mutex
	running, maxRunning := 0, 0
	run := func(ctx context.Context, _ uuid.UUID, _ Push) error {
		mu.Lock()
		running++
		if running > maxRunning {
			maxRunning = running
		}
		mu.Unlock()
		<-ctx.Done()
		time.Sleep(5 * time.Millisecond)
		mu.Lock()
		running--
		mu.Unlock()
		return nil
	}
	s := New(Options{Run: run, Log: zerolog.Nop()})

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.HandlePush(context.Background(), Push{Branch: "dev"})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	require.NoError(t, s.Shutdown(context.Background()))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, maxRunning)
	assert.Equal(t, 0, running)
}

func TestBranchesAreIndependent(t *testing.T) {
	events := &eventLog{}
	s := New(Options{Run: blockingRun(events), Log: zerolog.Nop()})

	_, err := s.HandlePush(context.Background(), Push{Branch: "a", Label: "a1"})
	require.NoError(t, err)
	_, err = s.HandlePush(context.Background(), Push{Branch: "b", Label: "b1"})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(s.ActiveRuns()) == 2 }, time.Second, 5*time.Millisecond)

	runs := s.ActiveRuns()
	assert.Equal(t, "a", runs[0].Push.Branch)
	assert.Equal(t, "b", runs[1].Push.Branch)

	require.NoError(t, s.Shutdown(context.Background()))
	assert.Empty(t, s.ActiveRuns())
	_, err = s.HandlePush(context.Background(), Push{Branch: "a"})
	assert.ErrorIs(t, err, ErrShutdown)
}

func TestPanickingRunStillCompletes(t *testing.T) {
	events := &eventLog{}
	s := New(Options{
		Run:      func(context.Context, uuid.UUID, Push) error { panic("boom") },
		Observer: logObserver{events},
		Log:      zerolog.Nop(),
	})
	_, err := s.HandlePush(context.Background(), Push{Branch: "m"})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, s.Wait(ctx, "m"))
	require.Eventually(t, func() bool {
		for _, e := range events.list() {
			if e == "completed m" {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)

	// The next push finds no listener and starts directly.
	_, err = s.HandlePush(context.Background(), Push{Branch: "m"})
	require.NoError(t, err)
	require.NoError(t, s.Shutdown(context.Background()))
}

func TestHandlePushHonorsContextWhileWaiting(t *testing.T) {
	release := make(chan struct{})
	s := New(Options{
		Run: func(ctx context.Context, _ uuid.UUID, _ Push) error {
			<-release
			return nil
		},
		Log: zerolog.Nop(),
	})
	_, err := s.HandlePush(context.Background(), Push{Branch: "m"})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = s.HandlePush(ctx, Push{Branch: "m"})
	require.ErrorIs(t, err, context.DeadlineExceeded)

	close(release)
	require.NoError(t, s.Shutdown(context.Background()))
}

func TestOlderPushIsDropped(t *testing.T) {
	events := &eventLog{}
	s := New(Options{Run: blockingRun(events), Log: zerolog.Nop()})
	defer s.Shutdown(context.Background())

	_, err := s.HandlePush(context.Background(), Push{Branch: "master", Label: "newer", Seq: 2})
	require.NoError(t, err)
	_, err = s.HandlePush(context.Background(), Push{Branch: "master", Label: "older", Seq: 1})
	require.ErrorIs(t, err, ErrStale)

	info, ok := s.Active("master")
	require.True(t, ok)
	assert.Equal(t, "newer", info.Push.Label)

	// Unordered pushes and other branches are unaffected.
	_, err = s.HandlePush(context.Background(), Push{Branch: "dev", Label: "dev", Seq: 1})
	require.NoError(t, err)
	_, err = s.HandlePush(context.Background(), Push{Branch: "master", Label: "manual"})
	require.NoError(t, err)
	_, err = s.HandlePush(context.Background(), Push{Branch: "master", Label: "latest", Seq: 3})
	require.NoError(t, err)
}

func TestShutdownWaitsForPushesRacingIt(t *testing.T) {
	var (
		mu       sync.Mutex
		finished = map[uuid.UUID]bool{}
	)
	run := func(ctx context.Context, id uuid.UUID, _ Push) error {
		<-ctx.Done()
		time.Sleep(10 * time.Millisecond)
		mu.Lock()
		finished[id] = true
		mu.Unlock()
		return nil
	}
	s := New(Options{Run: run, Log: zerolog.Nop()})

	var (
		wg      sync.WaitGroup
		started = make(chan uuid.UUID, 20)
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id, err := s.HandlePush(context.Background(), Push{Branch: string(rune('a' + i))})
			if err == nil {
				started <- id
			} else {
				assert.ErrorIs(t, err, ErrShutdown)
			}
		}(i)
	}
	require.NoError(t, s.Shutdown(context.Background()))
	wg.Wait()
	close(started)

	mu.Lock()
	defer mu.Unlock()
	for id := range started {
		assert.True(t, finished[id], "run %s outlived Shutdown", id)
	}
}
