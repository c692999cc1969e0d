package dispatch

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"

	"overseer/internal/delivery"
	rtsup "overseer/internal/runtime/supervisor"
	"overseer/internal/state"
	"overseer/pkg/logx"
)

type job struct {
	ctx  context.Context
	pair pair
	out  chan<- pairResult
}

type pairResult struct {
	outcome      delivery.Outcome
	alertsSent   int
	alertsFailed int
}

// startPoolLocked starts the long-lived workers shared by every pass.
// runMu must be held.
func (s *Scheduler) startPoolLocked(ctx context.Context) *rtsup.Supervisor {
	if s.sup != nil {
		return s.sup
	}
	s.sup = rtsup.NewSupervisor(ctx, rtsup.WithLogger(s.log))
	s.jobs = make(chan job)
	jobs := s.jobs
	for i := 0; i < s.config().Workers; i++ {
		s.sup.Go0("dispatch.worker", func(c context.Context) {
			for {
				select {
				case <-c.Done():
					return
				case j := <-jobs:
					j.out <- s.deliver(j.ctx, j.pair)
				}
			}
		})
	}
	return s.sup
}

func (s *Scheduler) startPool(ctx context.Context) {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	s.startPoolLocked(ctx)
}

// deliver pushes one pair. Nothing escapes: every failure, a panic
// included, becomes an outcome.
func (s *Scheduler) deliver(ctx context.Context, p pair) (res pairResult) {
	log := s.log.With(logx.Int64("subscriber", p.subscriber), logx.String("slave", p.slave))
	defer func() {
		if r := recover(); r != nil {
			log.Error("dispatch worker panicked", logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
			res.outcome = delivery.Uncaught
		}
	}()

	cfg := s.config()
	snap, ok := s.cache.Read(p.slave)
	if !ok {
		snap = state.Placeholder(p.slave, cfg.Placeholder)
	}

	ectx, cancel := context.WithTimeout(ctx, cfg.SendTimeout)
	err := s.sink.EditMessage(ectx, p.subscriber, p.handle, snap.StateMessage())
	cancel()
	res.outcome = delivery.Classify(err)
	s.logOutcome(log, "status edit", res.outcome, err)
	if res.outcome == delivery.NoOp {
		// an unchanged snapshot was already alerted
		return res
	}

	for _, msg := range snap.AlertMessages() {
		actx, cancel := context.WithTimeout(ctx, cfg.SendTimeout)
		_, err := s.sink.SendMessage(actx, p.subscriber, msg, true)
		cancel()
		out := delivery.Classify(err)
		if out == delivery.OK {
			res.alertsSent++
			continue
		}
		res.alertsFailed++
		s.logOutcome(log, "alert send", out, err)
	}
	return res
}

func (s *Scheduler) logOutcome(log logx.Logger, what string, out delivery.Outcome, err error) {
	if errors.Is(err, context.Canceled) {
		log.Debug(what + ": canceled")
		return
	}
	switch out {
	case delivery.OK:
	case delivery.NoOp:
		log.Debug(what + ": not modified")
	case delivery.Transient:
		log.Warn(what+": transient failure", logx.Err(err))
	case delivery.Rejected:
		log.Warn(what+": rejected", logx.Err(err))
	default:
		log.Error(what+": unexpected failure", logx.String("err", fmt.Sprint(err)))
	}
}
