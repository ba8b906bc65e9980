package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"harvia_mirror/internal/cloud"
	"harvia_mirror/internal/logger"
)

// stopGracePeriod bounds how long Stop waits for the sessions to unwind; a
// hung transport close must not block shutdown.
const stopGracePeriod = 10 * time.Second

// AccountAPI is what the supervisor needs from the cloud client.
type AccountAPI interface {
	Connector
	UserDetails(ctx context.Context) (cloud.UserData, error)
}

// Supervisor owns the fixed subscription topology for one account: the two
// channels (control state, telemetry) crossed with the two receiver scopes
// (organization-wide, user-specific), four sessions total.
type Supervisor struct {
	api  AccountAPI
	sink MessageSink
	log  *logger.Logger
	cfg  Config // timing template applied to every session

	mu       sync.Mutex
	sessions []*Session
	wg       sync.WaitGroup
	running  bool
}

// NewSupervisor builds a supervisor. The Channel/Receiver fields of cfg are
// ignored; only its timing overrides are used.
func NewSupervisor(api AccountAPI, sink MessageSink, cfg Config, log *logger.Logger) *Supervisor {
	return &Supervisor{api: api, sink: sink, cfg: cfg, log: log}
}

// Start resolves the account's routing identities once and launches the
// four sessions. Starting an already running supervisor is a no-op.
// An authentication failure during resolution is returned to the caller;
// everything after this point is absorbed by the session retry loops.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}

	user, err := s.api.UserDetails(ctx)
	if err != nil {
		return fmt.Errorf("resolve account identities: %w", err)
	}

	specs := []struct {
		channel   string
		receiver  string
		userScope bool
	}{
		{cloud.ChannelDevice, user.OrganizationID, false},
		{cloud.ChannelDevice, user.Email, true},
		{cloud.ChannelData, user.OrganizationID, false},
		{cloud.ChannelData, user.Email, true},
	}

	s.sessions = make([]*Session, 0, len(specs))
	for _, sub := range specs {
		cfg := s.cfg
		cfg.Channel = sub.channel
		cfg.Receiver = sub.receiver
		cfg.UserScope = sub.userScope
		sess := New(s.api, s.sink, cfg, s.log)
		s.sessions = append(s.sessions, sess)

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			sess.Run(ctx)
		}()
	}

	s.running = true
	s.log.Infow("realtime sessions started", "count", len(s.sessions))
	return nil
}

// Stop requests every session to stop and waits for their termination,
// bounded by a grace period.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	sessions := s.sessions
	s.sessions = nil
	s.mu.Unlock()

	for _, sess := range sessions {
		sess.Stop()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.log.Infow("realtime sessions stopped")
	case <-time.After(stopGracePeriod):
		s.log.Warnw("realtime sessions did not stop in time; abandoning")
	}
}

// Sessions returns the running sessions, for inspection.
func (s *Supervisor) Sessions() []*Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Session(nil), s.sessions...)
}
