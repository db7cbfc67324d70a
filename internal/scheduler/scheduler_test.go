package scheduler

import (
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"medverify/internal/config"
	"medverify/internal/store"
	"medverify/internal/verify"
)

type fakeRemover struct {
	mu       sync.Mutex
	kicked   []int64
	notified []int64
}

func (r *fakeRemover) Kick(groupID, userID int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.kicked = append(r.kicked, userID)
	return nil
}

func (r *fakeRemover) NotifyRemoved(userID, groupID int64, groupName string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notified = append(r.notified, userID)
	return nil
}

func (r *fakeRemover) kickCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.kicked)
}

const (
	schedUser  = int64(700)
	schedGroup = int64(-5000)
)

func newTestScheduler(t *testing.T, autoDelete bool) (*Scheduler, store.Store, *fakeRemover) {
	t.Helper()
	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	require.NoError(t, st.UpsertGroup(store.Group{GroupID: schedGroup, GroupName: "Cardiologists", IsActive: true}))

	rm := &fakeRemover{}
	cfg := config.VerificationConfig{
		StartDeadline:        12 * time.Hour,
		AutoDeleteUnverified: autoDelete,
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s := New(st, rm, cfg, logger)
	s.deadline = 10 * time.Millisecond
	t.Cleanup(s.Stop)
	return s, st, rm
}

func waitForKick(t *testing.T, rm *fakeRemover) {
	t.Helper()
	require.Eventually(t, func() bool { return rm.kickCount() > 0 },
		time.Second, 5*time.Millisecond)
}

func TestSchedulerRemovesIdleMember(t *testing.T) {
	s, st, rm := newTestScheduler(t, true)
	_, err := st.CreateForNewMember(schedUser, schedGroup, verify.StateWaitingForStart)
	require.NoError(t, err)

	s.Schedule(schedUser, schedGroup)
	waitForKick(t, rm)

	require.Eventually(t, func() bool {
		rec, err := st.GetVerification(schedUser, schedGroup)
		return err == nil && rec != nil && rec.State == verify.StateVerificationTimeout
	}, time.Second, 5*time.Millisecond)

	assert.Equal(t, []int64{schedUser}, rm.kicked)
	assert.Equal(t, []int64{schedUser}, rm.notified)
}

func TestSchedulerSkipsStartedConversation(t *testing.T) {
	s, st, rm := newTestScheduler(t, true)
	_, err := st.CreateForNewMember(schedUser, schedGroup, verify.StateWaitingForStart)
	require.NoError(t, err)
	require.NoError(t, st.SetState(schedUser, schedGroup, verify.StateEnteringFullName))

	s.Schedule(schedUser, schedGroup)
	time.Sleep(100 * time.Millisecond)

	assert.Zero(t, rm.kickCount())
}

func TestSchedulerSkipsVerified(t *testing.T) {
	s, st, rm := newTestScheduler(t, true)
	_, err := st.CreateForNewMember(schedUser, schedGroup, verify.StateWaitingForStart)
	require.NoError(t, err)
	require.NoError(t, st.SetVerified(schedUser, schedGroup, store.TypeManual))

	s.Schedule(schedUser, schedGroup)
	time.Sleep(100 * time.Millisecond)

	assert.Zero(t, rm.kickCount())
}

func TestSchedulerCancel(t *testing.T) {
	s, st, rm := newTestScheduler(t, true)
	_, err := st.CreateForNewMember(schedUser, schedGroup, verify.StateWaitingForStart)
	require.NoError(t, err)

	s.Schedule(schedUser, schedGroup)
	s.Cancel(schedUser, schedGroup)
	time.Sleep(100 * time.Millisecond)

	assert.Zero(t, rm.kickCount())
}

func TestSchedulerAutoDeleteDisabled(t *testing.T) {
	s, st, rm := newTestScheduler(t, false)
	_, err := st.CreateForNewMember(schedUser, schedGroup, verify.StateWaitingForStart)
	require.NoError(t, err)

	s.Schedule(schedUser, schedGroup)
	time.Sleep(100 * time.Millisecond)

	assert.Zero(t, rm.kickCount())
}

func TestSchedulerRescheduleReplacesTimer(t *testing.T) {
	s, st, rm := newTestScheduler(t, true)
	_, err := st.CreateForNewMember(schedUser, schedGroup, verify.StateWaitingForStart)
	require.NoError(t, err)

	s.Schedule(schedUser, schedGroup)
	s.Schedule(schedUser, schedGroup)
	waitForKick(t, rm)

	// Only the replacement timer fires.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, rm.kickCount())
}
