// Package scheduler implements C10: the daemon's long-running heartbeat
// and command-poll loops, plus the dispatcher that routes polled commands
// to handlers.
//
// Grounded on daemon-python/arcanos/cli_daemon.py's heartbeat_loop and
// command_poll_loop: the bounded-exponential-backoff formula
// (min(120s, interval*2^min(consecutive429, 4)), overridden upward by the
// backend's retry-after hint: the Retry-After header for heartbeats, the
// body retryAfter field for command polls) and the stop-on-401 rule for
// command polling
// are ported verbatim into backoff.go and the loops below. The goroutine
// lifecycle (context cancellation + sync.WaitGroup join with a bounded
// timeout) follows the idiomatic Go shape used throughout the example
// pack's long-running services rather than the source's raw
// threading.Thread + join(timeout=5.0), which has no direct Go analogue.
package scheduler

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/pbjustin/arcanos/internal/backendclient"
	"github.com/pbjustin/arcanos/internal/config"
)

// initialHeartbeatDelay staggers the first heartbeat so it doesn't race
// the first command poll on startup.
const initialHeartbeatDelay = 2 * time.Second

// CommandHandler processes one polled command. Returning an error is
// logged and does not stop the poll loop, but the command is left out of
// the subsequent ack batch, so the backend will redeliver it. The source
// acks every command regardless of handler outcome; this port is stricter.
type CommandHandler func(ctx context.Context, cmd backendclient.Command) error

// JoinTimeout bounds how long Stop waits for both loops to exit.
const JoinTimeout = 5 * time.Second

// Scheduler owns the heartbeat and command-poll goroutines.
type Scheduler struct {
	client     *backendclient.Client
	cfg        *config.Config
	clientID   string
	instanceID string
	handler    CommandHandler
	logger     *zap.Logger

	startTime time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New constructs a Scheduler. Call Start to launch its goroutines.
func New(client *backendclient.Client, cfg *config.Config, clientID, instanceID string, handler CommandHandler, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{client: client, cfg: cfg, clientID: clientID, instanceID: instanceID, handler: handler, logger: logger}
}

// Start launches the heartbeat and command-poll goroutines, unless the
// backend is unconfigured or the token is an obvious placeholder — ported
// from start_daemon_threads's early-return guards.
func (s *Scheduler) Start(ctx context.Context) bool {
	if s.client == nil || !s.client.Configured() {
		s.logger.Info("scheduler: backend not configured, skipping daemon loops")
		return false
	}
	if config.IsPlaceholderToken(s.cfg.BackendToken) {
		s.logger.Info("scheduler: backend token not configured, skipping daemon loops")
		return false
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.startTime = time.Now()

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		s.heartbeatLoop(runCtx)
	}()
	go func() {
		defer s.wg.Done()
		s.commandPollLoop(runCtx)
	}()
	return true
}

// Stop cancels both loops and waits up to JoinTimeout for them to exit.
func (s *Scheduler) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(JoinTimeout):
		s.logger.Warn("scheduler: loops did not exit within join timeout")
	}
}

func (s *Scheduler) heartbeatLoop(ctx context.Context) {
	select {
	case <-time.After(initialHeartbeatDelay):
	case <-ctx.Done():
		return
	}

	consecutive429 := 0

	for {
		uptime := int(time.Since(s.startTime).Seconds())
		status, retryAfter, hasRetryAfter, err := s.client.Heartbeat(ctx, s.clientID, s.instanceID, config.Version, uptime)

		if err != nil {
			consecutive429 = 0
			s.logger.Error("heartbeat error", zap.Error(err))
		} else if status == 429 {
			consecutive429++
			backoff := nextBackoff(s.cfg.DaemonHeartbeatInterval, consecutive429, retryAfter, hasRetryAfter)
			s.logger.Warn("heartbeat rate limited; backing off", zap.Duration("backoff", backoff))
			if !sleepOrDone(ctx, backoff) {
				return
			}
			continue
		} else if status != 200 {
			consecutive429 = 0
			s.logger.Error("heartbeat failed", zap.Int("status", status))
		} else {
			consecutive429 = 0
		}

		if !sleepOrDone(ctx, s.cfg.DaemonHeartbeatInterval) {
			return
		}
	}
}

func (s *Scheduler) commandPollLoop(ctx context.Context) {
	consecutive429 := 0

	for {
		commands, status, retryAfter, hasRetryAfter, err := s.client.PollCommands(ctx, s.instanceID)

		// PollCommands also returns an error for 401 and 429, so the status
		// cases come before the generic error case.
		switch {
		case status == 401:
			s.logger.Warn("command poll authentication failed, stopping")
			return
		case status == 429:
			consecutive429++
			backoff := nextBackoff(s.cfg.DaemonCommandPollInterval, consecutive429, retryAfter, hasRetryAfter)
			s.logger.Warn("command poll rate limited; backing off", zap.Duration("backoff", backoff))
			if !sleepOrDone(ctx, backoff) {
				return
			}
			continue
		case err != nil:
			consecutive429 = 0
			s.logger.Error("command poll error", zap.Error(err))
		case status == 200:
			consecutive429 = 0
			s.dispatch(ctx, commands)
		default:
			consecutive429 = 0
			s.logger.Error("command poll failed", zap.Int("status", status))
		}

		if !sleepOrDone(ctx, s.cfg.DaemonCommandPollInterval) {
			return
		}
	}
}

func (s *Scheduler) dispatch(ctx context.Context, commands []backendclient.Command) {
	if len(commands) == 0 {
		return
	}

	var ackIDs []string
	for _, cmd := range commands {
		if s.handler == nil {
			continue
		}
		if err := s.handler(ctx, cmd); err != nil {
			s.logger.Error("command handler failed", zap.String("command_id", cmd.ID), zap.Error(err))
			continue
		}
		ackIDs = append(ackIDs, cmd.ID)
	}

	if len(ackIDs) == 0 {
		return
	}
	if err := s.client.AckCommands(ctx, ackIDs, s.instanceID); err != nil {
		s.logger.Error("command ack failed", zap.Error(err))
	}
}

// sleepOrDone waits for d, returning false if ctx is cancelled first.
func sleepOrDone(ctx context.Context, d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-ctx.Done():
		return false
	}
}
