package main

import (
	"context"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	"github.com/mkesani1/stockclerk-sub001/ipc"
	"github.com/mkesani1/stockclerk-sub001/model"
	"github.com/mkesani1/stockclerk-sub001/repository"
)

const (
	// DefaultHeartbeatWindow is how long a worker may go silent before it is
	// considered degraded. Two windows with no heartbeat and it is killed.
	DefaultHeartbeatWindow = 30 * time.Second
	// DefaultTenantPollInterval is how often the tenant set is re-read.
	DefaultTenantPollInterval = time.Minute
	// DefaultMaxRestarts caps restarts per tenant before the supervisor
	// latches and stops trying.
	DefaultMaxRestarts = 10
	// stableRunWindows is how many heartbeat windows a worker must stay ready
	// for its crash to count as fresh rather than part of a crash loop. A run
	// that long resets the restart budget and the backoff.
	stableRunWindows = 4
)

// WorkerState describes one supervised tenant worker.
type WorkerState string

const (
	StateStarting    WorkerState = "starting"
	StateReady       WorkerState = "ready"
	StateDegraded    WorkerState = "degraded"
	StateCrashed     WorkerState = "crashed"
	StateRestarting  WorkerState = "restarting"
	StateMaxRestarts WorkerState = "max_restarts"
	StateStopped     WorkerState = "stopped"
)

// Supervisor spawns one worker process per active tenant and keeps it alive:
// heartbeat monitoring, capped exponential-backoff restarts, and a latch once
// a tenant keeps crashing. A crashing tenant never affects its siblings.
type Supervisor struct {
	repo   repository.Repository
	logger *zap.Logger

	WorkerBin          string
	WorkerArgs         []string
	HeartbeatWindow    time.Duration
	TenantPollInterval time.Duration
	MaxRestarts        int

	// OnEvent observes lifecycle transitions (ready, crashed, restarting,
	// max_restarts) per tenant.
	OnEvent func(tenantID string, state WorkerState)
	// OnMessage observes every IPC message forwarded by workers.
	OnMessage func(msg ipc.Message)

	mu      sync.Mutex
	workers map[string]*workerProc
}

type workerProc struct {
	tenantID string
	cancel   context.CancelFunc
	done     chan struct{}

	mu            sync.Mutex
	state         WorkerState
	lastHeartbeat time.Time
	readySince    time.Time
	restarts      int
	proc          *os.Process
}

func NewSupervisor(repo repository.Repository, logger *zap.Logger, workerBin string) *Supervisor {
	return &Supervisor{
		repo:               repo,
		logger:             logger,
		WorkerBin:          workerBin,
		HeartbeatWindow:    DefaultHeartbeatWindow,
		TenantPollInterval: DefaultTenantPollInterval,
		MaxRestarts:        DefaultMaxRestarts,
		workers:            make(map[string]*workerProc),
	}
}

// Run supervises until ctx is cancelled: it reconciles the worker set against
// the tenant table and monitors heartbeats.
func (s *Supervisor) Run(ctx context.Context) error {
	if err := s.reconcileTenants(ctx); err != nil {
		return err
	}

	pollTicker := time.NewTicker(s.TenantPollInterval)
	defer pollTicker.Stop()
	monitorTicker := time.NewTicker(s.HeartbeatWindow / 2)
	defer monitorTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.stopAll()
			return ctx.Err()
		case <-pollTicker.C:
			if err := s.reconcileTenants(ctx); err != nil {
				s.logger.Error("tenant reconciliation failed", zap.Error(err))
			}
		case <-monitorTicker.C:
			s.checkHeartbeats()
		}
	}
}

// HasWorker reports whether a live (non-latched) worker exists for the tenant.
// The webhook ingress uses this to decide whether enqueued work will be
// picked up.
func (s *Supervisor) HasWorker(tenantID string) bool {
	s.mu.Lock()
	w, ok := s.workers[tenantID]
	s.mu.Unlock()
	if !ok {
		return false
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state != StateMaxRestarts && w.state != StateStopped
}

// State returns the tenant worker's current lifecycle state.
func (s *Supervisor) State(tenantID string) WorkerState {
	s.mu.Lock()
	w, ok := s.workers[tenantID]
	s.mu.Unlock()
	if !ok {
		return StateStopped
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// reconcileTenants diffs the tenant table against running workers: new
// tenants get a worker, removed tenants get theirs stopped.
func (s *Supervisor) reconcileTenants(ctx context.Context) error {
	tenantIDs, err := s.repo.GetAllTenantIDs(ctx)
	if err != nil {
		return err
	}

	want := make(map[string]bool, len(tenantIDs))
	for _, id := range tenantIDs {
		want[id] = true
	}

	s.mu.Lock()
	var toStart []string
	var toStop []*workerProc
	for _, id := range tenantIDs {
		if _, ok := s.workers[id]; !ok {
			toStart = append(toStart, id)
		}
	}
	for id, w := range s.workers {
		if !want[id] {
			toStop = append(toStop, w)
			delete(s.workers, id)
		}
	}
	s.mu.Unlock()

	for _, w := range toStop {
		s.logger.Info("tenant removed, stopping worker", zap.String("tenant_id", w.tenantID))
		w.cancel()
	}
	for _, id := range toStart {
		s.startWorker(ctx, id)
	}
	return nil
}

func (s *Supervisor) startWorker(ctx context.Context, tenantID string) {
	workerCtx, cancel := context.WithCancel(ctx)
	w := &workerProc{
		tenantID:      tenantID,
		cancel:        cancel,
		done:          make(chan struct{}),
		state:         StateStarting,
		lastHeartbeat: time.Now(),
	}

	s.mu.Lock()
	s.workers[tenantID] = w
	s.mu.Unlock()

	go s.supervise(workerCtx, w)
}

// supervise runs one tenant's spawn/monitor/restart loop until the context is
// cancelled or the restart budget is spent.
func (s *Supervisor) supervise(ctx context.Context, w *workerProc) {
	defer close(w.done)
	log := s.logger.With(zap.String("tenant_id", w.tenantID))

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.MaxInterval = time.Minute

	for {
		if ctx.Err() != nil {
			s.setState(w, StateStopped)
			return
		}

		log.Info("starting tenant worker")
		err := s.runOnce(ctx, w)
		if ctx.Err() != nil {
			s.setState(w, StateStopped)
			return
		}

		log.Warn("tenant worker exited", zap.Error(err))
		s.setState(w, StateCrashed)

		restarts, stable := s.recordCrash(w)
		if stable {
			bo.Reset()
		}

		if restarts > s.MaxRestarts {
			log.Error("tenant worker exceeded restart budget, giving up",
				zap.Int("restarts", restarts-1))
			s.setState(w, StateMaxRestarts)
			s.raiseMaxRestartsAlert(ctx, w.tenantID)
			return
		}

		wait := bo.NextBackOff()
		log.Info("restarting tenant worker",
			zap.Int("attempt", restarts),
			zap.Duration("backoff", wait),
		)
		s.setState(w, StateRestarting)
		select {
		case <-ctx.Done():
			s.setState(w, StateStopped)
			return
		case <-time.After(wait):
		}
	}
}

// recordCrash bumps the tenant's restart counter. The budget is a rolling one:
// a run that stayed ready for stableRunWindows heartbeat windows zeroes the
// counter first, so only consecutive fast crashes reach the latch.
func (s *Supervisor) recordCrash(w *workerProc) (restarts int, stable bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	stable = !w.readySince.IsZero() &&
		time.Since(w.readySince) >= stableRunWindows*s.HeartbeatWindow
	w.readySince = time.Time{}
	if stable {
		w.restarts = 0
	}
	w.restarts++
	return w.restarts, stable
}

// runOnce spawns the worker process and blocks until it exits. Worker stderr
// passes through; stdout carries the IPC protocol.
func (s *Supervisor) runOnce(ctx context.Context, w *workerProc) error {
	args := append([]string{"-tenant", w.tenantID}, s.WorkerArgs...)
	cmd := exec.CommandContext(ctx, s.WorkerBin, args...)
	cmd.Env = append(os.Environ(), "TENANT_ID="+w.tenantID)
	cmd.Stderr = os.Stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		return err
	}

	w.mu.Lock()
	w.proc = cmd.Process
	w.lastHeartbeat = time.Now()
	w.mu.Unlock()

	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		_ = ipc.Read(stdout, func(msg ipc.Message) {
			s.handleMessage(w, msg)
		}, func(line string) {
			s.logger.Info("worker output",
				zap.String("tenant_id", w.tenantID), zap.String("line", line))
		})
	}()

	err = cmd.Wait()
	<-readDone

	w.mu.Lock()
	w.proc = nil
	w.mu.Unlock()
	return err
}

func (s *Supervisor) handleMessage(w *workerProc, msg ipc.Message) {
	switch msg.Kind {
	case ipc.Ready:
		s.setState(w, StateReady)
		w.mu.Lock()
		w.lastHeartbeat = time.Now()
		if w.readySince.IsZero() {
			w.readySince = time.Now()
		}
		w.mu.Unlock()
	case ipc.Heartbeat:
		w.mu.Lock()
		w.lastHeartbeat = time.Now()
		recovered := w.state == StateDegraded
		if recovered {
			w.state = StateReady
		}
		w.mu.Unlock()
		if recovered {
			s.notify(w.tenantID, StateReady)
		}
	case ipc.Event:
		if s.OnMessage != nil {
			s.OnMessage(msg)
		}
	}
}

// checkHeartbeats marks silent workers degraded and kills workers silent for
// two windows so the restart loop takes over.
func (s *Supervisor) checkHeartbeats() {
	s.mu.Lock()
	workers := make([]*workerProc, 0, len(s.workers))
	for _, w := range s.workers {
		workers = append(workers, w)
	}
	s.mu.Unlock()

	now := time.Now()
	for _, w := range workers {
		w.mu.Lock()
		silent := now.Sub(w.lastHeartbeat)
		state := w.state
		proc := w.proc
		w.mu.Unlock()

		if state != StateReady && state != StateDegraded {
			continue
		}

		switch {
		case silent > 2*s.HeartbeatWindow && proc != nil:
			s.logger.Error("worker unresponsive, killing",
				zap.String("tenant_id", w.tenantID),
				zap.Duration("silent", silent),
			)
			_ = proc.Kill()
		case silent > s.HeartbeatWindow && state == StateReady:
			s.logger.Warn("worker missed heartbeat",
				zap.String("tenant_id", w.tenantID),
				zap.Duration("silent", silent),
			)
			s.setState(w, StateDegraded)
		}
	}
}

func (s *Supervisor) setState(w *workerProc, state WorkerState) {
	w.mu.Lock()
	changed := w.state != state
	w.state = state
	w.mu.Unlock()
	if changed {
		s.notify(w.tenantID, state)
	}
}

func (s *Supervisor) notify(tenantID string, state WorkerState) {
	if s.OnEvent != nil {
		s.OnEvent(tenantID, state)
	}
}

// raiseMaxRestartsAlert surfaces a latched tenant as a high-priority alert so
// an operator intervenes; nothing will restart it automatically.
func (s *Supervisor) raiseMaxRestartsAlert(ctx context.Context, tenantID string) {
	if ctx.Err() != nil {
		ctx = context.Background()
	}
	alert := &model.Alert{
		TenantID: tenantID,
		Type:     model.AlertSyncError,
		Message:  "Sync worker crashed repeatedly and was suspended, manual intervention required",
		Metadata: map[string]any{"max_restarts": s.MaxRestarts},
	}
	if err := s.repo.CreateAlert(ctx, alert); err != nil {
		s.logger.Error("failed to raise max-restarts alert",
			zap.String("tenant_id", tenantID), zap.Error(err))
	}
}

func (s *Supervisor) stopAll() {
	s.mu.Lock()
	workers := make([]*workerProc, 0, len(s.workers))
	for _, w := range s.workers {
		workers = append(workers, w)
	}
	s.mu.Unlock()

	for _, w := range workers {
		w.cancel()
	}
	for _, w := range workers {
		<-w.done
	}
}
