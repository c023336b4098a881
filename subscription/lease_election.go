package subscription

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"occurrent/internal/occlog"
)

// electionState names a leaseElection's position in its state machine:
// Unregistered -> Registered -> Leader -> Registered -> ... -> Cancelled.
// A holder cycles between Registered and Leader for as long as the
// election runs; Cancelled is terminal.
type electionState int

const (
	stateUnregistered electionState = iota
	stateRegistered
	stateLeader
	stateCancelled
)

// leaseElection drives one subscription id's participation in competing-
// consumers leader election: it repeatedly attempts to acquire/renew the
// subscription's lease on a ttl/2 heartbeat and calls onChange whenever its
// leadership status flips. Grounded on the teacher's conditional-update
// retry loop shape (nodestorage/v2.StorageImpl.FindOneAndUpdate's retry
// loop), applied here to a lease acquisition instead of a document edit.
type leaseElection struct {
	coordinator *leaseCoordinator
	id          string
	ttl         time.Duration
	onChange    func(isLeader bool)

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu    sync.Mutex
	state electionState
	token int64 // fencing token last observed for this holder's lease

	becameLeaderC chan struct{}
	leaderOnce    sync.Once
}

func newLeaseElection(coordinator *leaseCoordinator, id string, ttl time.Duration, onChange func(isLeader bool)) *leaseElection {
	return &leaseElection{
		coordinator:   coordinator,
		id:            id,
		ttl:           ttl,
		onChange:      onChange,
		state:         stateUnregistered,
		becameLeaderC: make(chan struct{}),
	}
}

func (e *leaseElection) start(parent context.Context) {
	e.ctx, e.cancel = context.WithCancel(parent)
	e.setState(stateRegistered)

	e.wg.Add(1)
	go e.run()
}

func (e *leaseElection) run() {
	defer e.wg.Done()

	e.tryAcquire()

	interval := e.ttl / 2
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-e.ctx.Done():
			e.release()
			return
		case <-ticker.C:
			e.heartbeat()
		}
	}
}

// heartbeat renews the lease if this replica currently believes it is
// leader, and attempts a fresh acquisition otherwise. Renewal is
// fencing-token scoped: if another replica won the lease out from under
// this one (its heartbeat lapsed past ttl), the token on the document no
// longer matches what was last observed here, renew fails, and this
// replica falls back to tryAcquire to discover (and react to) having lost
// leadership.
func (e *leaseElection) heartbeat() {
	e.mu.Lock()
	isLeader := e.state == stateLeader
	token := e.token
	e.mu.Unlock()

	if !isLeader {
		e.tryAcquire()
		return
	}

	newToken, err := e.coordinator.renew(e.ctx, e.id, token)
	if err != nil {
		if !errors.Is(err, ErrLeaseNotHeld) {
			occlog.Warn("lease renewal failed", zap.String("subscriptionId", e.id), zap.Error(err))
		}
		e.tryAcquire()
		return
	}
	e.setToken(newToken)
}

func (e *leaseElection) tryAcquire() {
	token, isLeader, err := e.coordinator.acquire(e.ctx, e.id)
	if err != nil {
		occlog.Warn("lease acquisition attempt failed", zap.String("subscriptionId", e.id), zap.Error(err))
		return
	}
	if isLeader {
		e.setToken(token)
	}

	wasLeader := e.setState(leaderStateFor(isLeader))
	if isLeader && !wasLeader {
		e.leaderOnce.Do(func() { close(e.becameLeaderC) })
		e.onChange(true)
	} else if !isLeader && wasLeader {
		e.onChange(false)
	}
}

func leaderStateFor(isLeader bool) electionState {
	if isLeader {
		return stateLeader
	}
	return stateRegistered
}

// setState updates the election's state and reports whether it was
// previously Leader (so callers can detect a leadership transition).
func (e *leaseElection) setState(next electionState) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	wasLeader := e.state == stateLeader
	e.state = next
	return wasLeader
}

func (e *leaseElection) setToken(token int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.token = token
}

func (e *leaseElection) release() {
	wasLeader := e.setState(stateCancelled)
	if wasLeader {
		e.onChange(false)
	}
	if err := e.coordinator.release(context.Background(), e.id); err != nil {
		occlog.Warn("failed to release lease on shutdown", zap.String("subscriptionId", e.id), zap.Error(err))
	}
}

func (e *leaseElection) stop() {
	e.cancel()
	e.wg.Wait()
}
