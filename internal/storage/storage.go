package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"classcast/internal/models"
)

type dataset struct {
	Channels map[string]models.Channel `json:"channels"`
	Sessions map[string]models.Session `json:"sessions"`
}

func newDataset() dataset {
	return dataset{
		Channels: make(map[string]models.Channel),
		Sessions: make(map[string]models.Session),
	}
}

// Storage is the JSON-file datastore. All pool state lives behind a single
// mutex, which serialises the free-set search during reservation; mutations
// are written to disk before they are visible, and rolled back in memory when
// the write fails.
type Storage struct {
	mu       sync.RWMutex
	filePath string
	data     dataset

	// persistOverride replaces the on-disk write in tests.
	persistOverride func(dataset) error
}

// NewStorage loads (or creates) the datastore at path.
func NewStorage(path string, opts ...Option) (*Storage, error) {
	store := &Storage{
		filePath: path,
		data:     newDataset(),
	}
	for _, opt := range opts {
		opt.applyJSON(store)
	}
	if err := store.load(); err != nil {
		return nil, err
	}
	return store, nil
}

// NewJSONRepository opens the JSON-backed datastore and returns it as a
// Repository.
func NewJSONRepository(path string, opts ...Option) (Repository, error) {
	return NewStorage(path, opts...)
}

func (s *Storage) load() error {
	if s.filePath == "" {
		return nil
	}
	raw, err := os.ReadFile(s.filePath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read datastore %s: %w", s.filePath, err)
	}
	if len(raw) == 0 {
		return nil
	}
	var data dataset
	if err := json.Unmarshal(raw, &data); err != nil {
		return fmt.Errorf("decode datastore %s: %w", s.filePath, err)
	}
	if data.Channels == nil {
		data.Channels = make(map[string]models.Channel)
	}
	if data.Sessions == nil {
		data.Sessions = make(map[string]models.Session)
	}
	s.data = data
	return nil
}

func (s *Storage) persistLocked() error {
	if s.persistOverride != nil {
		return s.persistOverride(s.data)
	}
	if s.filePath == "" {
		return nil
	}
	payload, err := json.MarshalIndent(s.data, "", "  ")
	if err != nil {
		return fmt.Errorf("encode datastore: %w", err)
	}
	dir := filepath.Dir(s.filePath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create datastore directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, "datastore-*.json")
	if err != nil {
		return fmt.Errorf("create datastore temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(payload); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write datastore: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("sync datastore: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close datastore temp file: %w", err)
	}
	if err := os.Rename(tmpName, s.filePath); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace datastore: %w", err)
	}
	return nil
}

// Ping always reports success for the file-backed store.
func (s *Storage) Ping(context.Context) error {
	return nil
}

// CreateChannel records a newly provisioned channel.
func (s *Storage) CreateChannel(_ context.Context, params CreateChannelParams) (models.Channel, error) {
	if strings.TrimSpace(params.IngestEndpoint) == "" || strings.TrimSpace(params.PlaybackEndpoint) == "" {
		return models.Channel{}, fmt.Errorf("ingest and playback endpoints are required")
	}
	id, err := generateID()
	if err != nil {
		return models.Channel{}, err
	}
	providerID := strings.TrimSpace(params.ProviderChannelID)
	if providerID == "" {
		providerID = id
	}
	now := time.Now().UTC()
	channel := models.Channel{
		ID:                id,
		ProviderChannelID: providerID,
		Name:              strings.TrimSpace(params.Name),
		IngestEndpoint:    strings.TrimSpace(params.IngestEndpoint),
		PlaybackEndpoint:  strings.TrimSpace(params.PlaybackEndpoint),
		Enabled:           params.Enabled,
		CreatedAt:         now,
		UpdatedAt:         now,
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.Channels[id] = channel
	if err := s.persistLocked(); err != nil {
		delete(s.data.Channels, id)
		return models.Channel{}, err
	}
	return channel, nil
}

// GetChannel fetches one channel by id.
func (s *Storage) GetChannel(_ context.Context, id string) (models.Channel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	channel, ok := s.data.Channels[id]
	if !ok {
		return models.Channel{}, ErrChannelNotFound
	}
	return channel, nil
}

// ListChannels returns every channel ordered by id.
func (s *Storage) ListChannels(_ context.Context) ([]models.Channel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	channels := make([]models.Channel, 0, len(s.data.Channels))
	for _, channel := range s.data.Channels {
		channels = append(channels, channel)
	}
	sort.Slice(channels, func(i, j int) bool { return channels[i].ID < channels[j].ID })
	return channels, nil
}

// DeleteChannel removes a channel that no session holds.
func (s *Storage) DeleteChannel(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	channel, ok := s.data.Channels[id]
	if !ok {
		return ErrChannelNotFound
	}
	if channel.AssignedSessionID != nil {
		return ErrChannelAssigned
	}
	delete(s.data.Channels, id)
	if err := s.persistLocked(); err != nil {
		s.data.Channels[id] = channel
		return err
	}
	return nil
}

// SetChannelEnabled toggles admin eligibility. Disabling a channel that is
// carrying a live broadcast is refused; disabling never evicts an existing
// assignment, it only blocks future reservations.
func (s *Storage) SetChannelEnabled(_ context.Context, id string, enabled bool) (models.Channel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	channel, ok := s.data.Channels[id]
	if !ok {
		return models.Channel{}, ErrChannelNotFound
	}
	if !enabled && channel.Active {
		return models.Channel{}, ErrChannelActive
	}
	previous := channel
	channel.Enabled = enabled
	channel.UpdatedAt = time.Now().UTC()
	s.data.Channels[id] = channel
	if err := s.persistLocked(); err != nil {
		s.data.Channels[id] = previous
		return models.Channel{}, err
	}
	return channel, nil
}

// ChannelStats classifies every channel into exactly one bucket.
func (s *Storage) ChannelStats(_ context.Context) (models.ChannelStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stats := models.ChannelStats{Total: len(s.data.Channels)}
	for _, channel := range s.data.Channels {
		switch {
		case channel.Active:
			stats.Active++
		case channel.AssignedSessionID != nil:
			stats.Reserved++
		case !channel.Enabled:
			stats.Disabled++
		default:
			stats.Free++
		}
	}
	return stats, nil
}

// ReserveChannel atomically links the longest-idle free channel to the
// session. The whole free-set search runs under the pool lock so two
// concurrent reservations can never pick the same channel.
func (s *Storage) ReserveChannel(_ context.Context, sessionID string) (models.Channel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.data.Sessions[sessionID]
	if !ok {
		return models.Channel{}, ErrSessionNotFound
	}
	if session.Status != models.SessionStatusScheduled {
		return models.Channel{}, ErrSessionNotScheduled
	}
	if session.ChannelID != nil {
		channel, ok := s.data.Channels[*session.ChannelID]
		if !ok || channel.AssignedSessionID == nil || *channel.AssignedSessionID != sessionID {
			return models.Channel{}, ErrInvariantViolation
		}
		return channel, nil
	}

	channel, ok := s.selectFreeChannelLocked()
	if !ok {
		return models.Channel{}, ErrNoFreeChannels
	}

	now := time.Now().UTC()
	previousChannel := channel
	previousSession := session

	sid := sessionID
	cid := channel.ID
	channel.AssignedSessionID = &sid
	channel.ReservedAt = &now
	channel.UpdatedAt = now
	session.ChannelID = &cid
	session.UpdatedAt = now

	s.data.Channels[channel.ID] = channel
	s.data.Sessions[sessionID] = session
	if err := s.persistLocked(); err != nil {
		s.data.Channels[previousChannel.ID] = previousChannel
		s.data.Sessions[sessionID] = previousSession
		return models.Channel{}, err
	}
	return channel, nil
}

// selectFreeChannelLocked picks the enabled, unassigned channel with the
// oldest lastUsedAt (never-used channels first), breaking ties by id so the
// choice is deterministic.
func (s *Storage) selectFreeChannelLocked() (models.Channel, bool) {
	var best models.Channel
	found := false
	for _, channel := range s.data.Channels {
		if !channel.Enabled || channel.AssignedSessionID != nil {
			continue
		}
		if !found || freeChannelLess(channel, best) {
			best = channel
			found = true
		}
	}
	return best, found
}

func freeChannelLess(a, b models.Channel) bool {
	switch {
	case a.LastUsedAt == nil && b.LastUsedAt != nil:
		return true
	case a.LastUsedAt != nil && b.LastUsedAt == nil:
		return false
	case a.LastUsedAt != nil && b.LastUsedAt != nil && !a.LastUsedAt.Equal(*b.LastUsedAt):
		return a.LastUsedAt.Before(*b.LastUsedAt)
	default:
		return a.ID < b.ID
	}
}

// ReleaseChannel returns the session's channel to the pool, accruing usage
// time and stamping lastUsedAt. Releasing a session that holds no channel is
// a no-op.
func (s *Storage) ReleaseChannel(_ context.Context, sessionID string) (models.Channel, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.data.Sessions[sessionID]
	if !ok {
		return models.Channel{}, false, ErrSessionNotFound
	}
	if session.ChannelID == nil {
		return models.Channel{}, false, nil
	}
	channel, ok := s.data.Channels[*session.ChannelID]
	if !ok || channel.AssignedSessionID == nil || *channel.AssignedSessionID != sessionID {
		return models.Channel{}, false, ErrInvariantViolation
	}

	previousChannel := channel
	previousSession := session
	now := time.Now().UTC()

	releaseChannelRecord(&channel, now)
	session.ChannelID = nil
	session.CredentialsIssued = false
	session.UpdatedAt = now

	s.data.Channels[channel.ID] = channel
	s.data.Sessions[sessionID] = session
	if err := s.persistLocked(); err != nil {
		s.data.Channels[previousChannel.ID] = previousChannel
		s.data.Sessions[sessionID] = previousSession
		return models.Channel{}, false, err
	}
	return channel, true, nil
}

func releaseChannelRecord(channel *models.Channel, now time.Time) {
	if channel.ReservedAt != nil {
		held := now.Sub(*channel.ReservedAt)
		if held > 0 {
			channel.TotalUsageSeconds += int64(held.Seconds())
		}
	}
	channel.AssignedSessionID = nil
	channel.ReservedAt = nil
	channel.Active = false
	used := now
	channel.LastUsedAt = &used
	channel.UpdatedAt = now
}

// MarkChannelActive flags the session's channel as carrying a live broadcast.
func (s *Storage) MarkChannelActive(_ context.Context, sessionID string) (models.Channel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.data.Sessions[sessionID]
	if !ok {
		return models.Channel{}, ErrSessionNotFound
	}
	if session.ChannelID == nil {
		return models.Channel{}, ErrNotReserved
	}
	channel, ok := s.data.Channels[*session.ChannelID]
	if !ok || channel.AssignedSessionID == nil || *channel.AssignedSessionID != sessionID {
		return models.Channel{}, ErrInvariantViolation
	}

	previous := channel
	channel.Active = true
	channel.UpdatedAt = time.Now().UTC()
	s.data.Channels[channel.ID] = channel
	if err := s.persistLocked(); err != nil {
		s.data.Channels[channel.ID] = previous
		return models.Channel{}, err
	}
	return channel, nil
}

// ExpiredReservations lists channels held without going live for longer than ttl.
func (s *Storage) ExpiredReservations(_ context.Context, ttl time.Duration) ([]models.Channel, error) {
	now := time.Now().UTC()
	s.mu.RLock()
	defer s.mu.RUnlock()
	var expired []models.Channel
	for _, channel := range s.data.Channels {
		if channel.AssignedSessionID == nil || channel.Active || channel.ReservedAt == nil {
			continue
		}
		if now.Sub(*channel.ReservedAt) > ttl {
			expired = append(expired, channel)
		}
	}
	sort.Slice(expired, func(i, j int) bool { return expired[i].ID < expired[j].ID })
	return expired, nil
}

// ReclaimChannel releases an aged reservation if, under the lock, the channel
// is still assigned, inactive, and past ttl. A reservation that went live or
// was released in the meantime loses the race and is left untouched.
func (s *Storage) ReclaimChannel(_ context.Context, channelID string, ttl time.Duration) (models.Channel, models.Session, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	channel, ok := s.data.Channels[channelID]
	if !ok {
		return models.Channel{}, models.Session{}, false, ErrChannelNotFound
	}
	now := time.Now().UTC()
	if channel.AssignedSessionID == nil || channel.Active || channel.ReservedAt == nil || now.Sub(*channel.ReservedAt) <= ttl {
		return models.Channel{}, models.Session{}, false, nil
	}
	sessionID := *channel.AssignedSessionID
	session, ok := s.data.Sessions[sessionID]
	if !ok || session.ChannelID == nil || *session.ChannelID != channelID {
		return models.Channel{}, models.Session{}, false, ErrInvariantViolation
	}

	previousChannel := channel
	previousSession := session

	releaseChannelRecord(&channel, now)
	session.ChannelID = nil
	session.CredentialsIssued = false
	session.UpdatedAt = now

	s.data.Channels[channelID] = channel
	s.data.Sessions[sessionID] = session
	if err := s.persistLocked(); err != nil {
		s.data.Channels[channelID] = previousChannel
		s.data.Sessions[sessionID] = previousSession
		return models.Channel{}, models.Session{}, false, err
	}
	return channel, session, true, nil
}

// CreateSession records a newly scheduled session.
func (s *Storage) CreateSession(_ context.Context, params CreateSessionParams) (models.Session, error) {
	if strings.TrimSpace(params.MentorID) == "" {
		return models.Session{}, fmt.Errorf("mentorID is required")
	}
	id, err := generateID()
	if err != nil {
		return models.Session{}, err
	}
	now := time.Now().UTC()
	session := models.Session{
		ID:              id,
		MentorID:        strings.TrimSpace(params.MentorID),
		Title:           strings.TrimSpace(params.Title),
		ScheduledAt:     params.ScheduledAt.UTC(),
		DurationMinutes: params.DurationMinutes,
		Status:          models.SessionStatusScheduled,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.Sessions[id] = session
	if err := s.persistLocked(); err != nil {
		delete(s.data.Sessions, id)
		return models.Session{}, err
	}
	return session, nil
}

// GetSession fetches one session by id.
func (s *Storage) GetSession(_ context.Context, id string) (models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	session, ok := s.data.Sessions[id]
	if !ok {
		return models.Session{}, ErrSessionNotFound
	}
	return session, nil
}

// ListSessions returns sessions, optionally filtered by mentor, newest first.
func (s *Storage) ListSessions(_ context.Context, mentorID string) ([]models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sessions := make([]models.Session, 0, len(s.data.Sessions))
	for _, session := range s.data.Sessions {
		if mentorID != "" && session.MentorID != mentorID {
			continue
		}
		sessions = append(sessions, session)
	}
	sort.Slice(sessions, func(i, j int) bool {
		if !sessions[i].ScheduledAt.Equal(sessions[j].ScheduledAt) {
			return sessions[i].ScheduledAt.After(sessions[j].ScheduledAt)
		}
		return sessions[i].ID < sessions[j].ID
	})
	return sessions, nil
}

// ListActiveSessions returns sessions currently live, ordered by start time.
// This backs the polling discovery endpoint, so it stays a cheap read.
func (s *Storage) ListActiveSessions(_ context.Context) ([]models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var live []models.Session
	for _, session := range s.data.Sessions {
		if session.Status == models.SessionStatusLive {
			live = append(live, session)
		}
	}
	sort.Slice(live, func(i, j int) bool {
		a, b := live[i], live[j]
		if a.StartedAt != nil && b.StartedAt != nil && !a.StartedAt.Equal(*b.StartedAt) {
			return a.StartedAt.Before(*b.StartedAt)
		}
		return a.ID < b.ID
	})
	return live, nil
}

// MarkSessionLive transitions scheduled→live. The session must hold a channel.
func (s *Storage) MarkSessionLive(_ context.Context, id string) (models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.data.Sessions[id]
	if !ok {
		return models.Session{}, ErrSessionNotFound
	}
	if session.Status != models.SessionStatusScheduled {
		return models.Session{}, ErrSessionNotScheduled
	}
	if session.ChannelID == nil {
		return models.Session{}, ErrNotReserved
	}

	previous := session
	now := time.Now().UTC()
	session.Status = models.SessionStatusLive
	session.StartedAt = &now
	session.UpdatedAt = now
	s.data.Sessions[id] = session
	if err := s.persistLocked(); err != nil {
		s.data.Sessions[id] = previous
		return models.Session{}, err
	}
	return session, nil
}

// CompleteSession transitions live→ended. A reserved session that never went
// live may also be ended through the same path.
func (s *Storage) CompleteSession(_ context.Context, id string) (models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.data.Sessions[id]
	if !ok {
		return models.Session{}, ErrSessionNotFound
	}
	if session.Status != models.SessionStatusLive && session.Status != models.SessionStatusScheduled {
		return models.Session{}, ErrSessionNotScheduled
	}

	previous := session
	now := time.Now().UTC()
	session.Status = models.SessionStatusEnded
	session.EndedAt = &now
	session.UpdatedAt = now
	s.data.Sessions[id] = session
	if err := s.persistLocked(); err != nil {
		s.data.Sessions[id] = previous
		return models.Session{}, err
	}
	return session, nil
}

// CancelSession transitions scheduled→cancelled. Live sessions must be
// stopped, not cancelled.
func (s *Storage) CancelSession(_ context.Context, id string) (models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.data.Sessions[id]
	if !ok {
		return models.Session{}, ErrSessionNotFound
	}
	if session.Status != models.SessionStatusScheduled {
		return models.Session{}, ErrSessionNotScheduled
	}

	previous := session
	now := time.Now().UTC()
	session.Status = models.SessionStatusCancelled
	session.UpdatedAt = now
	s.data.Sessions[id] = session
	if err := s.persistLocked(); err != nil {
		s.data.Sessions[id] = previous
		return models.Session{}, err
	}
	return session, nil
}

// SetCredentialsIssued records whether a usable stream key is outstanding for
// the session.
func (s *Storage) SetCredentialsIssued(_ context.Context, id string, issued bool) (models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.data.Sessions[id]
	if !ok {
		return models.Session{}, ErrSessionNotFound
	}
	previous := session
	session.CredentialsIssued = issued
	session.UpdatedAt = time.Now().UTC()
	s.data.Sessions[id] = session
	if err := s.persistLocked(); err != nil {
		s.data.Sessions[id] = previous
		return models.Session{}, err
	}
	return session, nil
}
