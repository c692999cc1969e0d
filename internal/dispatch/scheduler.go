// Package dispatch periodically pushes cached slave state to every
// subscription through a bounded worker pool.
package dispatch

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"overseer/internal/config"
	"overseer/internal/delivery"
	"overseer/internal/directory"
	"overseer/internal/eventbus"
	rtsup "overseer/internal/runtime/supervisor"
	"overseer/internal/state"
	"overseer/pkg/logx"
)

// Directory lists who receives which slave.
type Directory interface {
	ListSubscribers(ctx context.Context) ([]directory.Subscriber, error)
	ListSubscriptions(ctx context.Context, subscriber int64) ([]directory.Subscription, error)
}

type StateReader interface {
	Read(nickname string) (state.Snapshot, bool)
}

type Config struct {
	Schedule    Schedule
	Workers     int
	SendTimeout time.Duration
	// Placeholder renders slaves without a cache entry; see state.Placeholder.
	Placeholder string
}

// FromConfig resolves the dispatch section.
func FromConfig(c config.DispatchConfig) (Config, error) {
	sch, err := ParseSchedule(c.Schedule, time.Local)
	if err != nil {
		return Config{}, err
	}
	timeout, err := config.ParseDurationOrDefault("dispatch.send_timeout", c.SendTimeout, 10*time.Second)
	if err != nil {
		return Config{}, err
	}
	return Config{
		Schedule:    sch,
		Workers:     c.Workers,
		SendTimeout: timeout,
		Placeholder: c.Placeholder,
	}, nil
}

// defaultPeriod spaces passes when no schedule is set or the schedule has
// no future activation.
const defaultPeriod = 15 * time.Second

func (c *Config) normalize() {
	if c.Schedule == nil {
		c.Schedule = interval(defaultPeriod)
	}
	if c.Workers <= 0 {
		c.Workers = config.DefaultWorkers
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 10 * time.Second
	}
	if c.Placeholder == "" {
		c.Placeholder = config.DefaultPlaceholder
	}
}

// PassStats summarizes one dispatch pass.
type PassStats struct {
	ID        string
	StartedAt time.Time
	Duration  time.Duration

	Subscribers int
	Pairs       int

	OK        int
	NoOp      int
	Transient int
	Rejected  int
	Uncaught  int

	AlertsSent   int
	AlertsFailed int

	// Err is set when the subscriber list could not be read.
	Err error
}

func (p PassStats) Failures() int { return p.Transient + p.Rejected + p.Uncaught + p.AlertsFailed }

func (p *PassStats) add(r pairResult) {
	switch r.outcome {
	case delivery.OK:
		p.OK++
	case delivery.NoOp:
		p.NoOp++
	case delivery.Transient:
		p.Transient++
	case delivery.Rejected:
		p.Rejected++
	default:
		p.Uncaught++
	}
	p.AlertsSent += r.alertsSent
	p.AlertsFailed += r.alertsFailed
}

type Scheduler struct {
	dir   Directory
	cache StateReader
	sink  delivery.Sink
	log   logx.Logger
	bus   eventbus.Bus

	cfgMu sync.RWMutex
	cfg   Config

	// passMu serializes passes from the loop and from manual refreshes.
	passMu sync.Mutex

	runMu sync.Mutex
	sup   *rtsup.Supervisor
	jobs  chan job

	lastMu sync.RWMutex
	last   PassStats
}

func New(cfg Config, dir Directory, cache StateReader, sink delivery.Sink, log logx.Logger, bus eventbus.Bus) *Scheduler {
	cfg.normalize()
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Scheduler{
		dir:   dir,
		cache: cache,
		sink:  sink,
		log:   log,
		bus:   bus,
		cfg:   cfg,
	}
}

func (s *Scheduler) config() Config {
	s.cfgMu.RLock()
	defer s.cfgMu.RUnlock()
	return s.cfg
}

// Apply swaps the schedule, send timeout and placeholder. The pool size is
// fixed for the scheduler's lifetime.
func (s *Scheduler) Apply(cfg Config) {
	s.cfgMu.Lock()
	defer s.cfgMu.Unlock()
	workers := s.cfg.Workers
	cfg.normalize()
	cfg.Workers = workers
	s.cfg = cfg
}

// Start runs the first pass immediately and then one pass per schedule
// tick until ctx is canceled or Stop is called.
func (s *Scheduler) Start(ctx context.Context) error {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if s.sup != nil {
		return nil
	}
	sup := s.startPoolLocked(ctx)
	sup.Go("dispatch.loop", s.loop)
	return nil
}

// Stop ends the loop and the pool. A pass in flight is abandoned at its
// next sink call.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.runMu.Lock()
	sup := s.sup
	s.sup = nil
	s.jobs = nil
	s.runMu.Unlock()
	if sup == nil {
		return nil
	}
	return sup.Stop(ctx)
}

func (s *Scheduler) loop(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		s.RunPass(ctx)

		// measured from the end of the pass so passes never overlap
		now := time.Now()
		next := s.config().Schedule.Next(now)
		if !next.After(now) {
			next = now.Add(defaultPeriod)
		}
		t := time.NewTimer(next.Sub(now))
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-t.C:
		}
	}
}

// LastPass returns the stats of the most recent completed pass.
func (s *Scheduler) LastPass() PassStats {
	s.lastMu.RLock()
	defer s.lastMu.RUnlock()
	return s.last
}

type pair struct {
	subscriber int64
	slave      string
	handle     int
}

// collect flattens every subscription into the pass work list.
func (s *Scheduler) collect(ctx context.Context) (pairs []pair, subscribers int, err error) {
	subs, err := s.dir.ListSubscribers(ctx)
	if err != nil {
		return nil, 0, err
	}
	for _, u := range subs {
		list, err := s.dir.ListSubscriptions(ctx, u.ID)
		if err != nil {
			s.log.Warn("list subscriptions failed", logx.Int64("subscriber", u.ID), logx.Err(err))
			continue
		}
		for _, sub := range list {
			pairs = append(pairs, pair{subscriber: u.ID, slave: sub.Slave, handle: sub.Handle})
		}
	}
	return pairs, len(subs), nil
}

var errNotRunning = errors.New("dispatch pool not running")

// RunPass performs one complete pass and returns once every pair's result
// has been collected. Concurrent calls run one after another.
func (s *Scheduler) RunPass(ctx context.Context) PassStats {
	s.passMu.Lock()
	defer s.passMu.Unlock()

	st := PassStats{ID: uuid.NewString(), StartedAt: time.Now()}
	log := s.log.With(logx.String("pass", st.ID))

	pairs, subscribers, err := s.collect(ctx)
	st.Subscribers = subscribers
	if err != nil {
		st.Err = err
		log.Warn("list subscribers failed", logx.Err(err))
	}
	st.Pairs = len(pairs)

	if len(pairs) > 0 {
		if err := s.fanOut(ctx, pairs, &st); err != nil {
			st.Err = err
			log.Warn("dispatch pass aborted", logx.Err(err))
		}
	}
	st.Duration = time.Since(st.StartedAt)

	s.lastMu.Lock()
	s.last = st
	s.lastMu.Unlock()
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: eventbus.DispatchPass, Data: st})
	}

	fields := []logx.Field{
		logx.Int("pairs", st.Pairs),
		logx.Int("ok", st.OK),
		logx.Int("noop", st.NoOp),
		logx.Int("transient", st.Transient),
		logx.Int("rejected", st.Rejected),
		logx.Int("uncaught", st.Uncaught),
		logx.Int("alerts", st.AlertsSent),
		logx.Duration("dur", st.Duration),
	}
	if st.Failures() > 0 {
		log.Info("dispatch pass finished with failures", fields...)
	} else {
		log.Debug("dispatch pass finished", fields...)
	}
	return st
}

// fanOut submits every pair to the pool and waits for all results. If ctx
// ends mid-submission, only submitted pairs are awaited.
func (s *Scheduler) fanOut(ctx context.Context, pairs []pair, st *PassStats) error {
	s.runMu.Lock()
	jobs, sup := s.jobs, s.sup
	s.runMu.Unlock()
	if jobs == nil {
		return errNotRunning
	}
	poolDone := sup.Context().Done()

	results := make(chan pairResult, len(pairs))
	submitted := 0
	var err error
submit:
	for _, p := range pairs {
		select {
		case jobs <- job{ctx: ctx, pair: p, out: results}:
			submitted++
		case <-ctx.Done():
			err = ctx.Err()
			break submit
		case <-poolDone:
			err = errNotRunning
			break submit
		}
	}
	for i := 0; i < submitted; i++ {
		st.add(<-results)
	}
	return err
}
