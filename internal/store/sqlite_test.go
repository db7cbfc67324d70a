package store

import (
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStore(t *testing.T) *SQLiteStore {
	t.Helper()
	st, err := NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

const (
	userID  = int64(100)
	groupID = int64(-2000)
)

func TestGetVerificationMissing(t *testing.T) {
	st := newStore(t)
	rec, err := st.GetVerification(userID, groupID)
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestCreateForNewMember(t *testing.T) {
	st := newStore(t)

	rec, err := st.CreateForNewMember(userID, groupID, "waiting_for_start")
	require.NoError(t, err)
	assert.True(t, rec.RequiresVerification)
	assert.False(t, rec.Verified)
	assert.Equal(t, "waiting_for_start", rec.State)
	assert.Zero(t, rec.AttemptsCount)

	t.Run("refresh keeps attempts", func(t *testing.T) {
		_, err := st.IncrementAttempts(userID, groupID)
		require.NoError(t, err)

		rec, err := st.CreateForNewMember(userID, groupID, "waiting_for_start")
		require.NoError(t, err)
		assert.Equal(t, 1, rec.AttemptsCount)
		assert.True(t, rec.RequiresVerification)
	})

	t.Run("refresh never downgrades a verified record", func(t *testing.T) {
		require.NoError(t, st.SetVerified(userID, groupID, TypeManual))

		rec, err := st.CreateForNewMember(userID, groupID, "waiting_for_start")
		require.NoError(t, err)
		assert.True(t, rec.Verified)
		assert.False(t, rec.RequiresVerification)
		assert.Empty(t, rec.State)
	})
}

func TestCreateForExistingMember(t *testing.T) {
	st := newStore(t)

	rec, err := st.CreateForExistingMember(userID, groupID)
	require.NoError(t, err)
	assert.False(t, rec.RequiresVerification)
	assert.False(t, rec.Verified)

	// An existing record is returned unchanged.
	_, err = st.IncrementAttempts(userID, groupID)
	require.NoError(t, err)
	rec, err = st.CreateForExistingMember(userID, groupID)
	require.NoError(t, err)
	assert.Equal(t, 1, rec.AttemptsCount)
}

func TestSetVerified(t *testing.T) {
	st := newStore(t)
	_, err := st.CreateForNewMember(userID, groupID, "entering_full_name")
	require.NoError(t, err)

	require.NoError(t, st.SetVerified(userID, groupID, TypeWhitelist))

	rec, err := st.GetVerification(userID, groupID)
	require.NoError(t, err)
	assert.True(t, rec.Verified)
	assert.False(t, rec.RequiresVerification)
	assert.Equal(t, TypeWhitelist, rec.VerificationType)
	assert.Empty(t, rec.State)
	require.NotNil(t, rec.VerifiedAt)
}

func TestSetState(t *testing.T) {
	st := newStore(t)
	_, err := st.CreateForNewMember(userID, groupID, "waiting_for_start")
	require.NoError(t, err)

	require.NoError(t, st.SetState(userID, groupID, "entering_workplace"))
	rec, err := st.GetVerification(userID, groupID)
	require.NoError(t, err)
	assert.Equal(t, "entering_workplace", rec.State)

	require.NoError(t, st.SetState(userID, groupID, ""))
	rec, err = st.GetVerification(userID, groupID)
	require.NoError(t, err)
	assert.Empty(t, rec.State)
}

func TestIncrementAttempts(t *testing.T) {
	st := newStore(t)

	t.Run("requires an existing record", func(t *testing.T) {
		_, err := st.IncrementAttempts(userID, groupID)
		assert.Error(t, err)
	})

	t.Run("counts up", func(t *testing.T) {
		_, err := st.CreateForNewMember(userID, groupID, "waiting_for_start")
		require.NoError(t, err)

		for want := 1; want <= 3; want++ {
			n, err := st.IncrementAttempts(userID, groupID)
			require.NoError(t, err)
			assert.Equal(t, want, n)
		}
	})
}

func TestIncrementOffensesConcurrent(t *testing.T) {
	st := newStore(t)

	const workers = 10
	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			_, err := st.IncrementOffenses(userID, groupID)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	n, err := st.IncrementOffenses(userID, groupID)
	require.NoError(t, err)
	assert.Equal(t, workers+1, n)

	require.NoError(t, st.ResetOffenses(userID, groupID))
	n, err = st.IncrementOffenses(userID, groupID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestDeleteVerification(t *testing.T) {
	st := newStore(t)
	_, err := st.CreateForNewMember(userID, groupID, "waiting_for_start")
	require.NoError(t, err)

	require.NoError(t, st.DeleteVerification(userID, groupID))
	rec, err := st.GetVerification(userID, groupID)
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestListUserVerifications(t *testing.T) {
	st := newStore(t)
	_, err := st.CreateForNewMember(userID, groupID, "waiting_for_start")
	require.NoError(t, err)
	_, err = st.CreateForNewMember(userID, groupID-1, "waiting_for_start")
	require.NoError(t, err)
	_, err = st.CreateForNewMember(userID+1, groupID, "waiting_for_start")
	require.NoError(t, err)

	records, err := st.ListUserVerifications(userID)
	require.NoError(t, err)
	assert.Len(t, records, 2)
}

func TestWhitelist(t *testing.T) {
	st := newStore(t)

	t.Run("by user id", func(t *testing.T) {
		require.NoError(t, st.AddWhitelist(WhitelistEntry{GroupID: groupID, UserID: userID, AddedBy: 1}))

		ok, err := st.IsWhitelisted(userID, "", groupID)
		require.NoError(t, err)
		assert.True(t, ok)

		// Scoped to the group.
		ok, err = st.IsWhitelisted(userID, "", groupID-1)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("by username", func(t *testing.T) {
		require.NoError(t, st.AddWhitelist(WhitelistEntry{GroupID: groupID, Username: "drhouse", AddedBy: 1}))

		ok, err := st.IsWhitelisted(0, "drhouse", groupID)
		require.NoError(t, err)
		assert.True(t, ok)

		// An id-only entry must not match an empty username probe.
		ok, err = st.IsWhitelisted(999, "", groupID)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("remove reports whether an entry existed", func(t *testing.T) {
		removed, err := st.RemoveWhitelist(groupID, userID, "")
		require.NoError(t, err)
		assert.True(t, removed)

		removed, err = st.RemoveWhitelist(groupID, userID, "")
		require.NoError(t, err)
		assert.False(t, removed)
	})

	t.Run("list", func(t *testing.T) {
		entries, err := st.ListWhitelist(groupID)
		require.NoError(t, err)
		require.Len(t, entries, 1)
		assert.Equal(t, "drhouse", entries[0].Username)
	})
}

func TestGroups(t *testing.T) {
	st := newStore(t)

	g, err := st.GetGroup(groupID)
	require.NoError(t, err)
	assert.Nil(t, g)

	require.NoError(t, st.UpsertGroup(Group{GroupID: groupID, GroupName: "Cardiologists", IsActive: true}))

	g, err = st.GetGroup(groupID)
	require.NoError(t, err)
	require.NotNil(t, g)
	assert.Equal(t, "Cardiologists", g.GroupName)
	assert.True(t, g.IsActive)
	assert.False(t, g.CheckinMode)

	t.Run("toggle checkin mode", func(t *testing.T) {
		mode, err := st.ToggleCheckinMode(groupID)
		require.NoError(t, err)
		assert.True(t, mode)

		mode, err = st.ToggleCheckinMode(groupID)
		require.NoError(t, err)
		assert.False(t, mode)

		_, err = st.ToggleCheckinMode(groupID - 1)
		assert.Error(t, err)
	})

	t.Run("upsert keeps checkin mode", func(t *testing.T) {
		_, err := st.ToggleCheckinMode(groupID)
		require.NoError(t, err)

		require.NoError(t, st.UpsertGroup(Group{GroupID: groupID, GroupName: "Cardiology Chat", IsActive: true}))

		g, err := st.GetGroup(groupID)
		require.NoError(t, err)
		assert.True(t, g.CheckinMode)
		assert.Equal(t, "Cardiology Chat", g.GroupName)
	})

	t.Run("active listing", func(t *testing.T) {
		require.NoError(t, st.UpsertGroup(Group{GroupID: groupID - 1, GroupName: "Inactive", IsActive: false}))

		groups, err := st.ListActiveGroups()
		require.NoError(t, err)
		require.Len(t, groups, 1)
		assert.Equal(t, groupID, groups[0].GroupID)

		require.NoError(t, st.SetGroupActive(groupID, false))
		groups, err = st.ListActiveGroups()
		require.NoError(t, err)
		assert.Empty(t, groups)
	})
}

func TestAddAudit(t *testing.T) {
	st := newStore(t)

	err := st.AddAudit(AuditEntry{
		RequestID: "req-1",
		UserID:    userID,
		GroupID:   groupID,
		Method:    "website",
		FullName:  "Ivanov Ivan",
		Workplace: "City Hospital",
		Outcome:   "accepted",
		Payload:   `{"found":true}`,
	})
	require.NoError(t, err)
}
