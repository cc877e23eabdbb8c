package jobs

import (
	"context"
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/meow-io/go-courier/bencode"
	"github.com/meow-io/go-courier/clock"
	"github.com/meow-io/go-courier/config"
	"github.com/meow-io/go-courier/crypto"
	"github.com/meow-io/go-courier/internal/db"
	"github.com/meow-io/go-courier/internal/test"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	os.Exit(test.DBCleanup(m.Run))
}

var errTransient = errors.New("transient")

type payload struct {
	N int `bencode:"n"`
}

type recordingHandler struct {
	lock     sync.Mutex
	seen     []int
	failures int
	attempts int
	block    chan struct{}
	running  int32
	maxSeen  int32
}

func (h *recordingHandler) Run(ctx context.Context, secret *crypto.MasterSecret, b []byte) error {
	n := atomic.AddInt32(&h.running, 1)
	defer atomic.AddInt32(&h.running, -1)
	for {
		m := atomic.LoadInt32(&h.maxSeen)
		if n <= m || atomic.CompareAndSwapInt32(&h.maxSeen, m, n) {
			break
		}
	}
	if h.block != nil {
		<-h.block
	}

	p := &payload{}
	if err := bencode.Deserialize(b, p); err != nil {
		return err
	}
	h.lock.Lock()
	defer h.lock.Unlock()
	if h.failures > 0 {
		h.failures--
		return errTransient
	}
	h.seen = append(h.seen, p.N)
	return nil
}

func (h *recordingHandler) ShouldRetry(err error) bool {
	return errors.Is(err, errTransient)
}

func (h *recordingHandler) MaxAttempts() int {
	return h.attempts
}

func (h *recordingHandler) values() []int {
	h.lock.Lock()
	defer h.lock.Unlock()
	return append([]int(nil), h.seen...)
}

func newTestScheduler(t *testing.T, d *db.Database, cl clock.Clock) *Scheduler {
	c := test.NewTestConfig("jobs", config.WithJobWorkers(3), config.WithJobRetryCount(3))
	s, err := NewScheduler(c, d, cl)
	require.Nil(t, err)
	return s
}

func TestRunsInOrder(t *testing.T) {
	require := require.New(t)
	c := test.NewTestConfig("jobs")
	s := newTestScheduler(t, test.NewTestDatabase(c), clock.NewSystemClock())
	h := &recordingHandler{}
	s.Register("record", h)

	for i := 1; i <= 3; i++ {
		_, err := s.Enqueue(&Spec{Kind: "record", GroupKey: "g", Payload: &payload{N: i}})
		require.Nil(err)
	}
	require.Nil(s.RunUntilIdle(context.Background(), test.NewTestSecret()))
	require.Equal([]int{1, 2, 3}, h.values())

	n, err := s.Pending("")
	require.Nil(err)
	require.Zero(n)
}

func TestUnknownKind(t *testing.T) {
	require := require.New(t)
	c := test.NewTestConfig("jobs")
	s := newTestScheduler(t, test.NewTestDatabase(c), clock.NewSystemClock())
	_, err := s.Enqueue(&Spec{Kind: "nope", Payload: &payload{}})
	require.NotNil(err)
}

func TestRetryWithBackoff(t *testing.T) {
	require := require.New(t)
	c := test.NewTestConfig("jobs")
	cl := clock.NewManualClock(time.UnixMilli(1_000_000))
	s := newTestScheduler(t, test.NewTestDatabase(c), cl)
	h := &recordingHandler{failures: 2}
	s.Register("record", h)
	secret := test.NewTestSecret()

	_, err := s.Enqueue(&Spec{Kind: "record", Payload: &payload{N: 7}})
	require.Nil(err)

	require.Nil(s.RunUntilIdle(context.Background(), secret))
	require.Empty(h.values())
	n, err := s.Pending("record")
	require.Nil(err)
	require.Equal(1, n)

	cl.Advance(time.Hour)
	require.Nil(s.RunUntilIdle(context.Background(), secret))
	require.Empty(h.values())

	cl.Advance(time.Hour)
	require.Nil(s.RunUntilIdle(context.Background(), secret))
	require.Equal([]int{7}, h.values())
}

func TestGivesUpAfterMaxAttempts(t *testing.T) {
	require := require.New(t)
	c := test.NewTestConfig("jobs")
	cl := clock.NewManualClock(time.UnixMilli(1_000_000))
	s := newTestScheduler(t, test.NewTestDatabase(c), cl)
	h := &recordingHandler{failures: 10, attempts: 2}
	s.Register("record", h)
	secret := test.NewTestSecret()

	_, err := s.Enqueue(&Spec{Kind: "record", Payload: &payload{N: 1}})
	require.Nil(err)
	require.Nil(s.RunUntilIdle(context.Background(), secret))
	cl.Advance(time.Hour)
	require.Nil(s.RunUntilIdle(context.Background(), secret))

	n, err := s.Pending("record")
	require.Nil(err)
	require.Zero(n)
	require.Equal(8, h.failures)
}

func TestCancel(t *testing.T) {
	require := require.New(t)
	c := test.NewTestConfig("jobs")
	s := newTestScheduler(t, test.NewTestDatabase(c), clock.NewSystemClock())
	h := &recordingHandler{}
	s.Register("record", h)

	id, err := s.Enqueue(&Spec{Kind: "record", Payload: &payload{N: 1}, Delay: time.Hour})
	require.Nil(err)
	removed, err := s.Cancel(id)
	require.Nil(err)
	require.True(removed)
	removed, err = s.Cancel(id)
	require.Nil(err)
	require.False(removed)
}

func TestGroupKeySerializes(t *testing.T) {
	require := require.New(t)
	c := test.NewTestConfig("jobs")
	s := newTestScheduler(t, test.NewTestDatabase(c), clock.NewSystemClock())
	h := &recordingHandler{block: make(chan struct{})}
	s.Register("record", h)
	require.Nil(s.Start(test.NewTestSecret()))
	defer s.Shutdown()

	for i := 1; i <= 3; i++ {
		_, err := s.Enqueue(&Spec{Kind: "record", GroupKey: "same", Payload: &payload{N: i}})
		require.Nil(err)
	}
	require.Eventually(func() bool { return atomic.LoadInt32(&h.running) == 1 }, time.Second, 5*time.Millisecond)
	for i := 0; i < 3; i++ {
		h.block <- struct{}{}
	}
	require.Eventually(func() bool { return len(h.values()) == 3 }, time.Second, 5*time.Millisecond)
	require.Equal(int32(1), atomic.LoadInt32(&h.maxSeen))
	require.Equal([]int{1, 2, 3}, h.values())
}

func TestInterruptedJobsResume(t *testing.T) {
	require := require.New(t)
	c := test.NewTestConfig("jobs")
	d := test.NewTestDatabase(c)
	s := newTestScheduler(t, d, clock.NewSystemClock())
	h := &recordingHandler{}
	s.Register("record", h)

	_, err := s.Enqueue(&Spec{Kind: "record", Payload: &payload{N: 5}})
	require.Nil(err)
	require.Nil(d.Run("simulate crash", func() error {
		_, err := d.Tx.Exec("UPDATE _jobs SET state = $1", stateRunning)
		return err
	}))

	restarted := newTestScheduler(t, d, clock.NewSystemClock())
	restarted.Register("record", h)
	require.Nil(restarted.Start(test.NewTestSecret()))
	defer restarted.Shutdown()
	require.Eventually(func() bool { return len(h.values()) == 1 }, time.Second, 5*time.Millisecond)
}

func TestDelayedJobFollowsSchedulerClock(t *testing.T) {
	require := require.New(t)
	c := test.NewTestConfig("jobs")
	cl := clock.NewManualClock(time.Date(2200, 1, 1, 0, 0, 0, 0, time.UTC))
	s := newTestScheduler(t, test.NewTestDatabase(c), cl)
	h := &recordingHandler{}
	s.Register("record", h)
	require.Nil(s.Start(test.NewTestSecret()))
	defer s.Shutdown()

	_, err := s.Enqueue(&Spec{Kind: "record", Payload: &payload{N: 9}, Delay: 50 * time.Millisecond})
	require.Nil(err)
	cl.Advance(50 * time.Millisecond)
	require.Eventually(func() bool { return len(h.values()) == 1 }, time.Second, 5*time.Millisecond)
	require.Equal([]int{9}, h.values())
}

func TestRetryDelayGrows(t *testing.T) {
	require := require.New(t)
	first := retryDelay(1)
	require.Greater(retryDelay(6), first)
	require.LessOrEqual(retryDelay(40), 15*time.Minute)
}
