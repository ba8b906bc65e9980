package session

import (
	"context"
	"errors"
	"sort"
	"testing"
	"time"

	"harvia_mirror/internal/cloud"
	"harvia_mirror/internal/logger"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeAccountAPI struct {
	fakeConnector
	user    cloud.UserData
	userErr error
}

func (f *fakeAccountAPI) UserDetails(context.Context) (cloud.UserData, error) {
	if f.userErr != nil {
		return cloud.UserData{}, f.userErr
	}
	return f.user, nil
}

func TestSupervisor_StartsFourSessions(t *testing.T) {
	api := &fakeAccountAPI{
		fakeConnector: fakeConnector{connErr: errors.New("offline")},
		user:          cloud.UserData{Email: "user@example.com", OrganizationID: "org-1"},
	}
	sup := NewSupervisor(api, newFakeSink(), Config{
		MaxReconnectDelay: 20 * time.Millisecond,
	}, logger.Get(logger.ErrorLevel))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, sup.Start(ctx))
	defer sup.Stop()

	sessions := sup.Sessions()
	require.Len(t, sessions, 4)

	labels := make([]string, 0, 4)
	for _, s := range sessions {
		labels = append(labels, s.Label())
	}
	sort.Strings(labels)
	assert.Equal(t, []string{"data(org)", "data(user)", "device(org)", "device(user)"}, labels)
}

func TestSupervisor_StartIsIdempotent(t *testing.T) {
	api := &fakeAccountAPI{
		fakeConnector: fakeConnector{connErr: errors.New("offline")},
		user:          cloud.UserData{Email: "u@x", OrganizationID: "o"},
	}
	sup := NewSupervisor(api, newFakeSink(), Config{
		MaxReconnectDelay: 20 * time.Millisecond,
	}, logger.Get(logger.ErrorLevel))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, sup.Start(ctx))
	require.NoError(t, sup.Start(ctx))
	defer sup.Stop()

	assert.Len(t, sup.Sessions(), 4)
}

func TestSupervisor_StartFailsWhenIdentitiesUnresolvable(t *testing.T) {
	api := &fakeAccountAPI{userErr: errors.New("401")}
	sup := NewSupervisor(api, newFakeSink(), Config{}, logger.Get(logger.ErrorLevel))

	err := sup.Start(context.Background())
	require.Error(t, err)
	assert.Empty(t, sup.Sessions())
}

func TestSupervisor_StopUnwindsSessionsMidBackoff(t *testing.T) {
	api := &fakeAccountAPI{
		// connection attempts always fail, so every session sits in its
		// backoff wait when Stop arrives
		fakeConnector: fakeConnector{connErr: errors.New("offline")},
		user:          cloud.UserData{Email: "u@x", OrganizationID: "o"},
	}
	sup := NewSupervisor(api, newFakeSink(), Config{}, logger.Get(logger.ErrorLevel))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, sup.Start(ctx))
	time.Sleep(50 * time.Millisecond)

	done := make(chan struct{})
	go func() { defer close(done); sup.Stop() }()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return")
	}
	assert.Empty(t, sup.Sessions())
}

func TestSupervisor_StopWithoutStartIsNoOp(t *testing.T) {
	sup := NewSupervisor(&fakeAccountAPI{}, newFakeSink(), Config{}, logger.Get(logger.ErrorLevel))
	sup.Stop() // must not panic or block
}
