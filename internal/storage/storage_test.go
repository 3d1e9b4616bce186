package storage

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"classcast/internal/models"
)

func newTestStorage(t *testing.T) *Storage {
	t.Helper()
	store, err := NewStorage(filepath.Join(t.TempDir(), "datastore.json"))
	if err != nil {
		t.Fatalf("NewStorage: %v", err)
	}
	return store
}

func seedChannel(t *testing.T, store *Storage, id string, enabled bool, lastUsedAt *time.Time) {
	t.Helper()
	now := time.Now().UTC()
	store.data.Channels[id] = models.Channel{
		ID:                id,
		ProviderChannelID: "prov-" + id,
		IngestEndpoint:    "rtmp://ingest.example.com/live",
		PlaybackEndpoint:  "https://play.example.com/" + id,
		Enabled:           enabled,
		LastUsedAt:        lastUsedAt,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
}

func mustCreateSession(t *testing.T, store *Storage) models.Session {
	t.Helper()
	session, err := store.CreateSession(context.Background(), CreateSessionParams{
		MentorID:        "mentor-1",
		Title:           "Intro to Distributed Systems",
		ScheduledAt:     time.Now().UTC().Add(time.Hour),
		DurationMinutes: 60,
	})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	return session
}

func timePtr(t time.Time) *time.Time { return &t }

func TestReserveChannelPicksLongestIdle(t *testing.T) {
	store := newTestStorage(t)
	now := time.Now().UTC()
	seedChannel(t, store, "ch-recent", true, timePtr(now.Add(-time.Minute)))
	seedChannel(t, store, "ch-old", true, timePtr(now.Add(-time.Hour)))
	seedChannel(t, store, "ch-never", true, nil)

	first := mustCreateSession(t, store)
	channel, err := store.ReserveChannel(context.Background(), first.ID)
	if err != nil {
		t.Fatalf("ReserveChannel: %v", err)
	}
	if channel.ID != "ch-never" {
		t.Fatalf("expected never-used channel first, got %s", channel.ID)
	}

	second := mustCreateSession(t, store)
	channel, err = store.ReserveChannel(context.Background(), second.ID)
	if err != nil {
		t.Fatalf("ReserveChannel: %v", err)
	}
	if channel.ID != "ch-old" {
		t.Fatalf("expected oldest-idle channel next, got %s", channel.ID)
	}
}

func TestReserveChannelTieBreaksByID(t *testing.T) {
	store := newTestStorage(t)
	seedChannel(t, store, "ch-b", true, nil)
	seedChannel(t, store, "ch-a", true, nil)

	session := mustCreateSession(t, store)
	channel, err := store.ReserveChannel(context.Background(), session.ID)
	if err != nil {
		t.Fatalf("ReserveChannel: %v", err)
	}
	if channel.ID != "ch-a" {
		t.Fatalf("expected lexicographically smallest id, got %s", channel.ID)
	}
}

func TestReserveChannelIdempotent(t *testing.T) {
	store := newTestStorage(t)
	seedChannel(t, store, "ch-1", true, nil)
	seedChannel(t, store, "ch-2", true, nil)

	session := mustCreateSession(t, store)
	first, err := store.ReserveChannel(context.Background(), session.ID)
	if err != nil {
		t.Fatalf("ReserveChannel: %v", err)
	}
	second, err := store.ReserveChannel(context.Background(), session.ID)
	if err != nil {
		t.Fatalf("repeat ReserveChannel: %v", err)
	}
	if first.ID != second.ID {
		t.Fatalf("repeat reservation returned a different channel: %s vs %s", first.ID, second.ID)
	}
	stats, err := store.ChannelStats(context.Background())
	if err != nil {
		t.Fatalf("ChannelStats: %v", err)
	}
	if stats.Reserved != 1 || stats.Free != 1 {
		t.Fatalf("unexpected stats after idempotent reserve: %+v", stats)
	}
}

func TestReserveChannelSkipsDisabledAndExhausts(t *testing.T) {
	store := newTestStorage(t)
	seedChannel(t, store, "ch-disabled", false, nil)

	session := mustCreateSession(t, store)
	if _, err := store.ReserveChannel(context.Background(), session.ID); !errors.Is(err, ErrNoFreeChannels) {
		t.Fatalf("expected ErrNoFreeChannels, got %v", err)
	}
}

func TestReserveChannelRequiresScheduledSession(t *testing.T) {
	store := newTestStorage(t)
	seedChannel(t, store, "ch-1", true, nil)

	if _, err := store.ReserveChannel(context.Background(), "missing"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}

	session := mustCreateSession(t, store)
	if _, err := store.CancelSession(context.Background(), session.ID); err != nil {
		t.Fatalf("CancelSession: %v", err)
	}
	if _, err := store.ReserveChannel(context.Background(), session.ID); !errors.Is(err, ErrSessionNotScheduled) {
		t.Fatalf("expected ErrSessionNotScheduled, got %v", err)
	}
}

func TestConcurrentReservationsNeverShareAChannel(t *testing.T) {
	store := newTestStorage(t)
	const channels = 4
	const sessions = 16
	for i := 0; i < channels; i++ {
		seedChannel(t, store, fmt.Sprintf("ch-%02d", i), true, nil)
	}
	ids := make([]string, sessions)
	for i := range ids {
		ids[i] = mustCreateSession(t, store).ID
	}

	var wg sync.WaitGroup
	results := make([]string, sessions)
	failures := make([]error, sessions)
	for i, sessionID := range ids {
		wg.Add(1)
		go func(i int, sessionID string) {
			defer wg.Done()
			channel, err := store.ReserveChannel(context.Background(), sessionID)
			if err != nil {
				failures[i] = err
				return
			}
			results[i] = channel.ID
		}(i, sessionID)
	}
	wg.Wait()

	granted := make(map[string]int)
	for i := range results {
		if results[i] != "" {
			granted[results[i]]++
			continue
		}
		if !errors.Is(failures[i], ErrNoFreeChannels) {
			t.Fatalf("unexpected reservation failure: %v", failures[i])
		}
	}
	if len(granted) != channels {
		t.Fatalf("expected %d distinct channels granted, got %d", channels, len(granted))
	}
	for id, count := range granted {
		if count != 1 {
			t.Fatalf("channel %s granted %d times", id, count)
		}
	}
}

func TestReleaseChannelAccruesUsageAndIsIdempotent(t *testing.T) {
	store := newTestStorage(t)
	seedChannel(t, store, "ch-1", true, nil)
	session := mustCreateSession(t, store)
	if _, err := store.ReserveChannel(context.Background(), session.ID); err != nil {
		t.Fatalf("ReserveChannel: %v", err)
	}

	// Backdate the reservation so usage accrual is observable.
	held := store.data.Channels["ch-1"]
	held.ReservedAt = timePtr(time.Now().UTC().Add(-90 * time.Second))
	store.data.Channels["ch-1"] = held

	channel, wasHeld, err := store.ReleaseChannel(context.Background(), session.ID)
	if err != nil {
		t.Fatalf("ReleaseChannel: %v", err)
	}
	if !wasHeld {
		t.Fatal("expected release to report a held channel")
	}
	if channel.TotalUsageSeconds < 90 {
		t.Fatalf("expected at least 90s accrued, got %d", channel.TotalUsageSeconds)
	}
	if channel.AssignedSessionID != nil || channel.ReservedAt != nil || channel.Active {
		t.Fatalf("channel not fully released: %+v", channel)
	}
	if channel.LastUsedAt == nil {
		t.Fatal("expected lastUsedAt to be stamped on release")
	}

	updated, err := store.GetSession(context.Background(), session.ID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if updated.ChannelID != nil || updated.CredentialsIssued {
		t.Fatalf("session not detached on release: %+v", updated)
	}

	_, wasHeld, err = store.ReleaseChannel(context.Background(), session.ID)
	if err != nil {
		t.Fatalf("repeat ReleaseChannel: %v", err)
	}
	if wasHeld {
		t.Fatal("repeat release should be a no-op")
	}
}

func TestReleaseChannelDetectsLinkageMismatch(t *testing.T) {
	store := newTestStorage(t)
	seedChannel(t, store, "ch-1", true, nil)
	session := mustCreateSession(t, store)
	if _, err := store.ReserveChannel(context.Background(), session.ID); err != nil {
		t.Fatalf("ReserveChannel: %v", err)
	}

	// Corrupt the channel side of the linkage.
	other := "someone-else"
	channel := store.data.Channels["ch-1"]
	channel.AssignedSessionID = &other
	store.data.Channels["ch-1"] = channel

	if _, _, err := store.ReleaseChannel(context.Background(), session.ID); !errors.Is(err, ErrInvariantViolation) {
		t.Fatalf("expected ErrInvariantViolation, got %v", err)
	}
}

func TestMarkChannelActiveRequiresReservation(t *testing.T) {
	store := newTestStorage(t)
	seedChannel(t, store, "ch-1", true, nil)
	session := mustCreateSession(t, store)

	if _, err := store.MarkChannelActive(context.Background(), session.ID); !errors.Is(err, ErrNotReserved) {
		t.Fatalf("expected ErrNotReserved, got %v", err)
	}

	if _, err := store.ReserveChannel(context.Background(), session.ID); err != nil {
		t.Fatalf("ReserveChannel: %v", err)
	}
	channel, err := store.MarkChannelActive(context.Background(), session.ID)
	if err != nil {
		t.Fatalf("MarkChannelActive: %v", err)
	}
	if !channel.Active {
		t.Fatal("expected channel to be active")
	}
}

func TestSetChannelEnabledRefusesActiveChannel(t *testing.T) {
	store := newTestStorage(t)
	seedChannel(t, store, "ch-1", true, nil)
	session := mustCreateSession(t, store)
	if _, err := store.ReserveChannel(context.Background(), session.ID); err != nil {
		t.Fatalf("ReserveChannel: %v", err)
	}
	if _, err := store.MarkChannelActive(context.Background(), session.ID); err != nil {
		t.Fatalf("MarkChannelActive: %v", err)
	}

	if _, err := store.SetChannelEnabled(context.Background(), "ch-1", false); !errors.Is(err, ErrChannelActive) {
		t.Fatalf("expected ErrChannelActive, got %v", err)
	}

	// Disabling a reserved-but-inactive channel is allowed and does not evict.
	if _, _, err := store.ReleaseChannel(context.Background(), session.ID); err != nil {
		t.Fatalf("ReleaseChannel: %v", err)
	}
	channel, err := store.SetChannelEnabled(context.Background(), "ch-1", false)
	if err != nil {
		t.Fatalf("SetChannelEnabled: %v", err)
	}
	if channel.Enabled {
		t.Fatal("expected channel to be disabled")
	}
}

func TestDeleteChannelRefusesAssignedChannel(t *testing.T) {
	store := newTestStorage(t)
	seedChannel(t, store, "ch-1", true, nil)
	session := mustCreateSession(t, store)
	if _, err := store.ReserveChannel(context.Background(), session.ID); err != nil {
		t.Fatalf("ReserveChannel: %v", err)
	}

	if err := store.DeleteChannel(context.Background(), "ch-1"); !errors.Is(err, ErrChannelAssigned) {
		t.Fatalf("expected ErrChannelAssigned, got %v", err)
	}
	if err := store.DeleteChannel(context.Background(), "missing"); !errors.Is(err, ErrChannelNotFound) {
		t.Fatalf("expected ErrChannelNotFound, got %v", err)
	}

	if _, _, err := store.ReleaseChannel(context.Background(), session.ID); err != nil {
		t.Fatalf("ReleaseChannel: %v", err)
	}
	if err := store.DeleteChannel(context.Background(), "ch-1"); err != nil {
		t.Fatalf("DeleteChannel after release: %v", err)
	}
}

func TestChannelStatsBucketsSumToTotal(t *testing.T) {
	store := newTestStorage(t)
	seedChannel(t, store, "ch-free", true, nil)
	seedChannel(t, store, "ch-disabled", false, nil)
	seedChannel(t, store, "ch-reserved", true, nil)
	seedChannel(t, store, "ch-active", true, nil)

	reserved := mustCreateSession(t, store)
	live := mustCreateSession(t, store)

	// Pin assignments so the buckets are known.
	for channelID, sessionID := range map[string]string{"ch-reserved": reserved.ID, "ch-active": live.ID} {
		channel := store.data.Channels[channelID]
		sid := sessionID
		channel.AssignedSessionID = &sid
		channel.ReservedAt = timePtr(time.Now().UTC())
		store.data.Channels[channelID] = channel
		session := store.data.Sessions[sessionID]
		cid := channelID
		session.ChannelID = &cid
		store.data.Sessions[sessionID] = session
	}
	if _, err := store.MarkChannelActive(context.Background(), live.ID); err != nil {
		t.Fatalf("MarkChannelActive: %v", err)
	}

	stats, err := store.ChannelStats(context.Background())
	if err != nil {
		t.Fatalf("ChannelStats: %v", err)
	}
	if stats.Total != 4 || stats.Free != 1 || stats.Disabled != 1 || stats.Reserved != 1 || stats.Active != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if stats.Free+stats.Disabled+stats.Reserved+stats.Active != stats.Total {
		t.Fatalf("buckets do not sum to total: %+v", stats)
	}
}

func TestExpiredReservationsAndReclaim(t *testing.T) {
	store := newTestStorage(t)
	seedChannel(t, store, "ch-1", true, nil)
	session := mustCreateSession(t, store)
	if _, err := store.ReserveChannel(context.Background(), session.ID); err != nil {
		t.Fatalf("ReserveChannel: %v", err)
	}

	held := store.data.Channels["ch-1"]
	held.ReservedAt = timePtr(time.Now().UTC().Add(-20 * time.Minute))
	store.data.Channels["ch-1"] = held

	expired, err := store.ExpiredReservations(context.Background(), 10*time.Minute)
	if err != nil {
		t.Fatalf("ExpiredReservations: %v", err)
	}
	if len(expired) != 1 || expired[0].ID != "ch-1" {
		t.Fatalf("expected ch-1 expired, got %+v", expired)
	}

	channel, reverted, reclaimed, err := store.ReclaimChannel(context.Background(), "ch-1", 10*time.Minute)
	if err != nil {
		t.Fatalf("ReclaimChannel: %v", err)
	}
	if !reclaimed {
		t.Fatal("expected reclaim to succeed")
	}
	if channel.AssignedSessionID != nil {
		t.Fatalf("channel still assigned after reclaim: %+v", channel)
	}
	if reverted.ChannelID != nil || reverted.Status != models.SessionStatusScheduled {
		t.Fatalf("session not reverted to plain scheduled: %+v", reverted)
	}
}

func TestReclaimChannelLosesRaceToLiveSession(t *testing.T) {
	store := newTestStorage(t)
	seedChannel(t, store, "ch-1", true, nil)
	session := mustCreateSession(t, store)
	if _, err := store.ReserveChannel(context.Background(), session.ID); err != nil {
		t.Fatalf("ReserveChannel: %v", err)
	}

	held := store.data.Channels["ch-1"]
	held.ReservedAt = timePtr(time.Now().UTC().Add(-20 * time.Minute))
	store.data.Channels["ch-1"] = held

	// The session goes live between the expiry listing and the reclaim.
	if _, err := store.MarkChannelActive(context.Background(), session.ID); err != nil {
		t.Fatalf("MarkChannelActive: %v", err)
	}

	_, _, reclaimed, err := store.ReclaimChannel(context.Background(), "ch-1", 10*time.Minute)
	if err != nil {
		t.Fatalf("ReclaimChannel: %v", err)
	}
	if reclaimed {
		t.Fatal("reclaim should lose the race once the broadcast started")
	}
	channel, err := store.GetChannel(context.Background(), "ch-1")
	if err != nil {
		t.Fatalf("GetChannel: %v", err)
	}
	if channel.AssignedSessionID == nil || *channel.AssignedSessionID != session.ID {
		t.Fatalf("live reservation was torn down: %+v", channel)
	}
}

func TestPersistFailureRollsBackReservation(t *testing.T) {
	store := newTestStorage(t)
	seedChannel(t, store, "ch-1", true, nil)
	session := mustCreateSession(t, store)

	persistErr := errors.New("disk full")
	store.persistOverride = func(dataset) error { return persistErr }

	if _, err := store.ReserveChannel(context.Background(), session.ID); !errors.Is(err, persistErr) {
		t.Fatalf("expected persist error, got %v", err)
	}

	store.persistOverride = nil
	channel, err := store.GetChannel(context.Background(), "ch-1")
	if err != nil {
		t.Fatalf("GetChannel: %v", err)
	}
	if channel.AssignedSessionID != nil {
		t.Fatalf("failed reservation left channel assigned: %+v", channel)
	}
	reloaded, err := store.GetSession(context.Background(), session.ID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if reloaded.ChannelID != nil {
		t.Fatalf("failed reservation left session linked: %+v", reloaded)
	}
}

func TestSessionLifecycleTransitions(t *testing.T) {
	store := newTestStorage(t)
	seedChannel(t, store, "ch-1", true, nil)
	session := mustCreateSession(t, store)

	if _, err := store.MarkSessionLive(context.Background(), session.ID); !errors.Is(err, ErrNotReserved) {
		t.Fatalf("expected ErrNotReserved before reservation, got %v", err)
	}

	if _, err := store.ReserveChannel(context.Background(), session.ID); err != nil {
		t.Fatalf("ReserveChannel: %v", err)
	}
	live, err := store.MarkSessionLive(context.Background(), session.ID)
	if err != nil {
		t.Fatalf("MarkSessionLive: %v", err)
	}
	if live.Status != models.SessionStatusLive || live.StartedAt == nil {
		t.Fatalf("unexpected live session: %+v", live)
	}

	if _, err := store.CancelSession(context.Background(), session.ID); !errors.Is(err, ErrSessionNotScheduled) {
		t.Fatalf("expected cancel of live session to fail, got %v", err)
	}

	ended, err := store.CompleteSession(context.Background(), session.ID)
	if err != nil {
		t.Fatalf("CompleteSession: %v", err)
	}
	if ended.Status != models.SessionStatusEnded || ended.EndedAt == nil {
		t.Fatalf("unexpected ended session: %+v", ended)
	}

	if _, err := store.CompleteSession(context.Background(), session.ID); !errors.Is(err, ErrSessionNotScheduled) {
		t.Fatalf("expected repeat complete to fail, got %v", err)
	}
}

func TestCompleteSessionAllowedFromReserved(t *testing.T) {
	store := newTestStorage(t)
	seedChannel(t, store, "ch-1", true, nil)
	session := mustCreateSession(t, store)
	if _, err := store.ReserveChannel(context.Background(), session.ID); err != nil {
		t.Fatalf("ReserveChannel: %v", err)
	}

	ended, err := store.CompleteSession(context.Background(), session.ID)
	if err != nil {
		t.Fatalf("CompleteSession from reserved: %v", err)
	}
	if ended.Status != models.SessionStatusEnded {
		t.Fatalf("unexpected status: %s", ended.Status)
	}
}

func TestStorageReloadsFromDisk(t *testing.T) {
	path := filepath.Join(t.TempDir(), "datastore.json")
	store, err := NewStorage(path)
	if err != nil {
		t.Fatalf("NewStorage: %v", err)
	}
	channel, err := store.CreateChannel(context.Background(), CreateChannelParams{
		Name:             "Studio A",
		IngestEndpoint:   "rtmp://ingest.example.com/live",
		PlaybackEndpoint: "https://play.example.com/a",
		Enabled:          true,
	})
	if err != nil {
		t.Fatalf("CreateChannel: %v", err)
	}
	session := mustCreateSession(t, store)
	if _, err := store.ReserveChannel(context.Background(), session.ID); err != nil {
		t.Fatalf("ReserveChannel: %v", err)
	}

	reopened, err := NewStorage(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	loadedChannel, err := reopened.GetChannel(context.Background(), channel.ID)
	if err != nil {
		t.Fatalf("GetChannel after reload: %v", err)
	}
	if loadedChannel.AssignedSessionID == nil || *loadedChannel.AssignedSessionID != session.ID {
		t.Fatalf("reservation lost across reload: %+v", loadedChannel)
	}
	loadedSession, err := reopened.GetSession(context.Background(), session.ID)
	if err != nil {
		t.Fatalf("GetSession after reload: %v", err)
	}
	if !loadedSession.Reserved() {
		t.Fatalf("expected reloaded session to be reserved: %+v", loadedSession)
	}
}
