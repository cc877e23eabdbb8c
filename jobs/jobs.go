// Package jobs is a persistent work queue. Jobs are stored in the database, run at least once by a pool of
// workers, retried with exponential backoff while their handler allows it, and never run concurrently with
// another job carrying the same group key.
package jobs

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/meow-io/go-courier/bencode"
	"github.com/meow-io/go-courier/clock"
	"github.com/meow-io/go-courier/config"
	"github.com/meow-io/go-courier/crypto"
	"github.com/meow-io/go-courier/ids"
	"github.com/meow-io/go-courier/internal/db"
	"github.com/meow-io/go-courier/migration"
	"go.uber.org/zap"
)

const (
	stateQueued = iota
	stateRunning
)

// Handler executes one kind of job.
type Handler interface {
	Run(ctx context.Context, secret *crypto.MasterSecret, payload []byte) error
	ShouldRetry(err error) bool
	// MaxAttempts of zero or less falls back to the configured retry count.
	MaxAttempts() int
}

// Spec describes a job to enqueue. Payload is bencoded.
type Spec struct {
	Kind     string
	GroupKey string
	Payload  interface{}
	Delay    time.Duration
}

type attemptKey struct{}

type attempt struct {
	n, max int
}

// FinalAttempt reports whether a failure of the running job will not be retried.
func FinalAttempt(ctx context.Context) bool {
	a, ok := ctx.Value(attemptKey{}).(attempt)
	return !ok || a.n >= a.max
}

type job struct {
	ID          []byte `db:"id"`
	Kind        string `db:"kind"`
	GroupKey    string `db:"group_key"`
	Payload     []byte `db:"payload"`
	Attempts    int    `db:"attempts"`
	MaxAttempts int    `db:"max_attempts"`
	NextRunMs   uint64 `db:"next_run_ms"`
	State       int    `db:"state"`
	CtimeMs     uint64 `db:"ctime_ms"`
}

type Scheduler struct {
	config       *config.Config
	db           *db.Database
	log          *zap.SugaredLogger
	clock        clock.Clock
	handlersLock sync.RWMutex
	handlers     map[string]Handler
	pump         chan struct{}
	secret       *crypto.MasterSecret
	finished     sync.WaitGroup
	cancelFunc   context.CancelFunc
}

func NewScheduler(c *config.Config, d *db.Database, cl clock.Clock) (*Scheduler, error) {
	if err := d.Migrate("_jobs", []*migration.Migration{
		{
			Name: "Create jobs table",
			Func: func(tx *sql.Tx) error {
				_, err := tx.Exec(`
					CREATE TABLE _jobs (
						id BLOB PRIMARY KEY,
						kind TEXT NOT NULL,
						group_key TEXT NOT NULL,
						payload BLOB NOT NULL,
						attempts INTEGER NOT NULL DEFAULT 0,
						max_attempts INTEGER NOT NULL,
						next_run_ms INTEGER NOT NULL,
						state INTEGER NOT NULL DEFAULT 0,
						ctime_ms INTEGER NOT NULL
					);
					CREATE INDEX _jobs_runnable ON _jobs (state, next_run_ms);
				`)
				return err
			},
		},
	}); err != nil {
		return nil, err
	}

	workers := c.JobWorkers
	if workers <= 0 {
		workers = 1
	}
	return &Scheduler{
		config:   c,
		db:       d,
		log:      c.Logger("jobs"),
		clock:    cl,
		handlers: make(map[string]Handler),
		pump:     make(chan struct{}, workers),
	}, nil
}

func (s *Scheduler) Register(kind string, h Handler) {
	s.handlersLock.Lock()
	defer s.handlersLock.Unlock()
	s.handlers[kind] = h
}

func (s *Scheduler) handler(kind string) (Handler, bool) {
	s.handlersLock.RLock()
	defer s.handlersLock.RUnlock()
	h, ok := s.handlers[kind]
	return h, ok
}

// Start resets jobs interrupted by a previous shutdown and starts the workers.
func (s *Scheduler) Start(secret *crypto.MasterSecret) error {
	var next uint64
	if err := s.db.Run("resetting interrupted jobs", func() error {
		if _, err := s.db.Tx.Exec("UPDATE _jobs SET state = $1 WHERE state = $2", stateQueued, stateRunning); err != nil {
			return fmt.Errorf("jobs: error resetting jobs: %w", err)
		}
		var err error
		next, err = s.nextRunMs()
		return err
	}); err != nil {
		return err
	}

	s.secret = secret
	ctx, cancelFunc := context.WithCancel(context.Background())
	s.cancelFunc = cancelFunc
	for i := 0; i != cap(s.pump); i++ {
		s.startWorker(ctx, i)
	}
	s.Pump()
	if next != 0 {
		s.pumpAt(next)
	}
	return nil
}

// Shutdown stops the workers, waiting for running jobs to complete.
func (s *Scheduler) Shutdown() error {
	if s.cancelFunc != nil {
		s.cancelFunc()
		s.finished.Wait()
		s.cancelFunc = nil
	}
	return nil
}

// Pump wakes the workers.
func (s *Scheduler) Pump() {
	for i := 0; i != cap(s.pump); i++ {
		select {
		case s.pump <- struct{}{}:
		default:
			return
		}
	}
}

// pumpAt wakes the workers once the scheduler clock reaches ms.
func (s *Scheduler) pumpAt(ms uint64) {
	delay := 10 * time.Millisecond
	if now := s.clock.CurrentTimeMs(); ms > now {
		delay += time.Duration(ms-now) * time.Millisecond
	}
	time.AfterFunc(delay, s.Pump)
}

func (s *Scheduler) startWorker(ctx context.Context, n int) {
	s.finished.Add(1)
	go func() {
		for {
			select {
			case <-ctx.Done():
				s.finished.Done()
				return
			case <-s.pump:
				for ctx.Err() == nil {
					ran, err := s.runNext(ctx, s.secret)
					if err != nil {
						s.log.Warnf("worker %d: %v", n, err)
						break
					}
					if !ran {
						break
					}
				}
			}
		}
	}()
}

// EnqueueTx adds a job inside the open transaction. Workers are pumped after commit.
func (s *Scheduler) EnqueueTx(spec *Spec) (ids.ID, error) {
	h, ok := s.handler(spec.Kind)
	if !ok {
		return ids.ID{}, fmt.Errorf("jobs: no handler registered for %s", spec.Kind)
	}
	payload, err := bencode.Serialize(spec.Payload)
	if err != nil {
		return ids.ID{}, fmt.Errorf("jobs: error encoding %s payload: %w", spec.Kind, err)
	}
	maxAttempts := h.MaxAttempts()
	if maxAttempts <= 0 {
		maxAttempts = s.config.JobRetryCount
	}
	now := s.clock.CurrentTimeMs()
	id := ids.NewID()
	j := &job{
		ID:          id[:],
		Kind:        spec.Kind,
		GroupKey:    spec.GroupKey,
		Payload:     payload,
		MaxAttempts: maxAttempts,
		NextRunMs:   now + uint64(spec.Delay.Milliseconds()),
		CtimeMs:     now,
	}
	if _, err := s.db.Tx.NamedExec("INSERT INTO _jobs (id, kind, group_key, payload, attempts, max_attempts, next_run_ms, state, ctime_ms) VALUES (:id, :kind, :group_key, :payload, :attempts, :max_attempts, :next_run_ms, :state, :ctime_ms)", j); err != nil {
		return ids.ID{}, fmt.Errorf("jobs: error inserting job: %w", err)
	}
	s.log.Debugf("enqueued %s %x group=%q", j.Kind, id, j.GroupKey)
	if spec.Delay > 0 {
		s.db.AfterCommit(func() { s.pumpAt(j.NextRunMs) })
	} else {
		s.db.AfterCommit(s.Pump)
	}
	return id, nil
}

// Enqueue adds a job in its own transaction.
func (s *Scheduler) Enqueue(spec *Spec) (id ids.ID, err error) {
	err = s.db.Run("enqueue job", func() error {
		id, err = s.EnqueueTx(spec)
		return err
	})
	return
}

// Cancel removes a job that has not started. It reports whether a job was removed.
func (s *Scheduler) Cancel(id ids.ID) (removed bool, err error) {
	err = s.db.Run("cancel job", func() error {
		res, err := s.db.Tx.Exec("DELETE FROM _jobs WHERE id = $1 AND state = $2", id[:], stateQueued)
		if err != nil {
			return fmt.Errorf("jobs: error cancelling job: %w", err)
		}
		n, err := res.RowsAffected()
		removed = n != 0
		return err
	})
	return
}

// Pending counts queued and running jobs of kind, or of every kind when kind is empty.
func (s *Scheduler) Pending(kind string) (n int, err error) {
	err = s.db.RunReadOnly("count jobs", func() error {
		if kind == "" {
			return s.db.Tx.Get(&n, "SELECT count(*) FROM _jobs")
		}
		return s.db.Tx.Get(&n, "SELECT count(*) FROM _jobs WHERE kind = $1", kind)
	})
	return
}

// RunUntilIdle runs runnable jobs on the calling goroutine until none are left.
func (s *Scheduler) RunUntilIdle(ctx context.Context, secret *crypto.MasterSecret) error {
	for {
		ran, err := s.runNext(ctx, secret)
		if err != nil || !ran {
			return err
		}
	}
}

func (s *Scheduler) nextRunMs() (uint64, error) {
	var next sql.NullInt64
	if err := s.db.Tx.Get(&next, "SELECT min(next_run_ms) FROM _jobs WHERE state = $1", stateQueued); err != nil {
		return 0, fmt.Errorf("jobs: error finding next job: %w", err)
	}
	return uint64(next.Int64), nil
}

func (s *Scheduler) claim() (*job, error) {
	j := &job{}
	if err := s.db.Tx.Get(j, `
		SELECT * FROM _jobs
		WHERE state = $1 AND next_run_ms <= $2
			AND (group_key = '' OR group_key NOT IN (SELECT group_key FROM _jobs WHERE state = $3))
		ORDER BY next_run_ms, rowid LIMIT 1`, stateQueued, s.clock.CurrentTimeMs(), stateRunning); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("jobs: error claiming job: %w", err)
	}
	j.Attempts++
	j.State = stateRunning
	if _, err := s.db.Tx.Exec("UPDATE _jobs SET state = $1, attempts = $2 WHERE id = $3", j.State, j.Attempts, j.ID); err != nil {
		return nil, fmt.Errorf("jobs: error marking job running: %w", err)
	}
	return j, nil
}

func (s *Scheduler) runNext(ctx context.Context, secret *crypto.MasterSecret) (bool, error) {
	var j *job
	if err := s.db.Run("claim job", func() error {
		var err error
		j, err = s.claim()
		return err
	}); err != nil {
		return false, err
	}
	if j == nil {
		return false, nil
	}

	h, ok := s.handler(j.Kind)
	if !ok {
		s.log.Warnf("dropping %s %x, no handler registered", j.Kind, j.ID)
		return true, s.finish(j, nil, false)
	}

	s.log.Debugf("running %s %x attempt %d/%d", j.Kind, j.ID, j.Attempts, j.MaxAttempts)
	runCtx := context.WithValue(context.WithoutCancel(ctx), attemptKey{}, attempt{n: j.Attempts, max: j.MaxAttempts})
	runErr := h.Run(runCtx, secret, j.Payload)
	retry := runErr != nil && j.Attempts < j.MaxAttempts && h.ShouldRetry(runErr)
	if runErr != nil && !retry {
		s.log.Warnf("%s %x failed after %d attempts: %v", j.Kind, j.ID, j.Attempts, runErr)
	}
	return true, s.finish(j, runErr, retry)
}

func (s *Scheduler) finish(j *job, runErr error, retry bool) error {
	return s.db.Run("finish job", func() error {
		if !retry {
			if _, err := s.db.Tx.Exec("DELETE FROM _jobs WHERE id = $1", j.ID); err != nil {
				return fmt.Errorf("jobs: error deleting job: %w", err)
			}
			s.db.AfterCommit(s.Pump)
			return nil
		}
		delay := retryDelay(j.Attempts)
		next := s.clock.CurrentTimeMs() + uint64(delay.Milliseconds())
		s.log.Debugf("retrying %s %x in %s: %v", j.Kind, j.ID, delay, runErr)
		if _, err := s.db.Tx.Exec("UPDATE _jobs SET state = $1, next_run_ms = $2 WHERE id = $3", stateQueued, next, j.ID); err != nil {
			return fmt.Errorf("jobs: error rescheduling job: %w", err)
		}
		s.db.AfterCommit(func() {
			s.Pump()
			s.pumpAt(next)
		})
		return nil
	})
}

// retryDelay is the backoff interval after the given number of attempts.
func retryDelay(attempts int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	b.MaxInterval = 10 * time.Minute
	b.MaxElapsedTime = 0
	d := b.InitialInterval
	for i := 0; i < attempts; i++ {
		d = b.NextBackOff()
	}
	return d
}
