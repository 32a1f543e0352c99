package store

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/m-mizutani/goerr/v2"

	"github.com/OpenWhispr/openwhispr/internal/calendar"
	"github.com/OpenWhispr/openwhispr/internal/security"
)

const (
	credentialFile = "credential.enc"
	calendarsFile  = "calendars.json"
	eventsFile     = "events.json"
)

// FileStore is a file-backed Store. The credential record is encrypted
// at rest; calendars and events are plain JSON documents under dataDir.
type FileStore struct {
	mu        sync.Mutex
	dataDir   string
	encryptor *security.CredentialEncryptor
}

func NewFileStore(dataDir string) (*FileStore, error) {
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return nil, goerr.Wrap(err, "failed to get home directory")
		}
		dataDir = filepath.Join(homeDir, ".local", "share", "openwhisprd")
	}

	if err := os.MkdirAll(dataDir, 0750); err != nil {
		return nil, goerr.Wrap(err, "failed to create data directory", goerr.V("data_dir", dataDir))
	}

	encryptor, err := security.NewCredentialEncryptor(dataDir)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to initialize credential encryption")
	}

	return &FileStore{
		dataDir:   dataDir,
		encryptor: encryptor,
	}, nil
}

// DataDir returns the directory backing this store.
func (s *FileStore) DataDir() string {
	return s.dataDir
}

func (s *FileStore) SaveCredential(cred *calendar.Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.Marshal(cred)
	if err != nil {
		return goerr.Wrap(err, "failed to marshal credential")
	}

	encrypted, err := s.encryptor.Encrypt(data)
	if err != nil {
		return goerr.Wrap(err, "failed to encrypt credential")
	}

	path := filepath.Join(s.dataDir, credentialFile)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(encrypted), 0600); err != nil {
		return goerr.Wrap(err, "failed to write credential file")
	}
	if err := os.Rename(tmp, path); err != nil {
		return goerr.Wrap(err, "failed to replace credential file")
	}
	return nil
}

func (s *FileStore) GetCredential() (*calendar.Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	encrypted, err := os.ReadFile(filepath.Join(s.dataDir, credentialFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, goerr.Wrap(ErrNotFound, "no credential stored")
		}
		return nil, goerr.Wrap(err, "failed to read credential file")
	}

	data, err := s.encryptor.Decrypt(string(encrypted))
	if err != nil {
		return nil, goerr.Wrap(err, "failed to decrypt credential")
	}

	var cred calendar.Credential
	if err := json.Unmarshal(data, &cred); err != nil {
		return nil, goerr.Wrap(err, "failed to unmarshal credential")
	}
	return &cred, nil
}

func (s *FileStore) DeleteCredential() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(filepath.Join(s.dataDir, credentialFile)); err != nil && !os.IsNotExist(err) {
		return goerr.Wrap(err, "failed to remove credential file")
	}
	return nil
}

func (s *FileStore) UpsertCalendars(cals []calendar.Calendar) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, err := s.loadCalendars()
	if err != nil {
		return err
	}

	byID := make(map[string]calendar.Calendar, len(existing))
	for _, cal := range existing {
		byID[cal.ID] = cal
	}

	for _, cal := range cals {
		if prior, ok := byID[cal.ID]; ok {
			// Selected and SyncCursor are local-only; the remote list
			// never overwrites them.
			cal.Selected = prior.Selected
			cal.SyncCursor = prior.SyncCursor
		}
		byID[cal.ID] = cal
	}

	merged := make([]calendar.Calendar, 0, len(byID))
	for _, cal := range byID {
		merged = append(merged, cal)
	}
	sort.Slice(merged, func(i, j int) bool { return merged[i].ID < merged[j].ID })

	return s.saveCalendars(merged)
}

func (s *FileStore) GetCalendars() ([]calendar.Calendar, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadCalendars()
}

func (s *FileStore) GetSelectedCalendars() ([]calendar.Calendar, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cals, err := s.loadCalendars()
	if err != nil {
		return nil, err
	}

	var selected []calendar.Calendar
	for _, cal := range cals {
		if cal.Selected {
			selected = append(selected, cal)
		}
	}
	return selected, nil
}

func (s *FileStore) SetCalendarSelection(id string, selected bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cals, err := s.loadCalendars()
	if err != nil {
		return err
	}

	for i := range cals {
		if cals[i].ID == id {
			cals[i].Selected = selected
			return s.saveCalendars(cals)
		}
	}
	return goerr.Wrap(ErrNotFound, "calendar not found", goerr.V("calendar_id", id))
}

func (s *FileStore) SetCalendarSyncCursor(id, cursor string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cals, err := s.loadCalendars()
	if err != nil {
		return err
	}

	for i := range cals {
		if cals[i].ID == id {
			cals[i].SyncCursor = cursor
			return s.saveCalendars(cals)
		}
	}
	return goerr.Wrap(ErrNotFound, "calendar not found", goerr.V("calendar_id", id))
}

func (s *FileStore) UpsertEvents(events []calendar.Event) error {
	if len(events) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	stored, err := s.loadEvents()
	if err != nil {
		return err
	}

	for _, ev := range events {
		stored[ev.Key()] = ev
	}
	return s.saveEvents(stored)
}

func (s *FileStore) RemoveEvents(calendarID string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	stored, err := s.loadEvents()
	if err != nil {
		return err
	}

	for _, id := range ids {
		delete(stored, calendarID+"/"+id)
	}
	return s.saveEvents(stored)
}

func (s *FileStore) GetEvent(calendarID, id string) (*calendar.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, err := s.loadEvents()
	if err != nil {
		return nil, err
	}

	ev, ok := stored[calendarID+"/"+id]
	if !ok {
		return nil, goerr.Wrap(ErrNotFound, "event not found",
			goerr.V("calendar_id", calendarID), goerr.V("event_id", id))
	}
	return &ev, nil
}

func (s *FileStore) GetActiveEvents(now time.Time) ([]calendar.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	selected, stored, err := s.loadSelectedAndEvents()
	if err != nil {
		return nil, err
	}

	var active []calendar.Event
	for _, ev := range stored {
		if !selected[ev.CalendarID] || !ev.Schedulable() {
			continue
		}
		if ev.IsActiveAt(now) {
			active = append(active, ev)
		}
	}
	sortByStart(active)
	return active, nil
}

func (s *FileStore) GetUpcomingEvents(now time.Time, window time.Duration) ([]calendar.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	selected, stored, err := s.loadSelectedAndEvents()
	if err != nil {
		return nil, err
	}

	horizon := now.Add(window)
	var upcoming []calendar.Event
	for _, ev := range stored {
		if !selected[ev.CalendarID] || !ev.Schedulable() {
			continue
		}
		if ev.StartTime.After(now) && !ev.StartTime.After(horizon) {
			upcoming = append(upcoming, ev)
		}
	}
	sortByStart(upcoming)
	return upcoming, nil
}

func (s *FileStore) ClearCalendarData() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, name := range []string{calendarsFile, eventsFile} {
		if err := os.Remove(filepath.Join(s.dataDir, name)); err != nil && !os.IsNotExist(err) {
			return goerr.Wrap(err, "failed to remove data file", goerr.V("file", name))
		}
	}
	return nil
}

func (s *FileStore) loadSelectedAndEvents() (map[string]bool, map[string]calendar.Event, error) {
	cals, err := s.loadCalendars()
	if err != nil {
		return nil, nil, err
	}
	selected := make(map[string]bool, len(cals))
	for _, cal := range cals {
		if cal.Selected {
			selected[cal.ID] = true
		}
	}

	stored, err := s.loadEvents()
	if err != nil {
		return nil, nil, err
	}
	return selected, stored, nil
}

func (s *FileStore) loadCalendars() ([]calendar.Calendar, error) {
	var cals []calendar.Calendar
	if err := s.loadJSON(calendarsFile, &cals); err != nil {
		return nil, err
	}
	return cals, nil
}

func (s *FileStore) saveCalendars(cals []calendar.Calendar) error {
	return s.saveJSON(calendarsFile, cals)
}

func (s *FileStore) loadEvents() (map[string]calendar.Event, error) {
	events := make(map[string]calendar.Event)
	if err := s.loadJSON(eventsFile, &events); err != nil {
		return nil, err
	}
	return events, nil
}

func (s *FileStore) saveEvents(events map[string]calendar.Event) error {
	return s.saveJSON(eventsFile, events)
}

func (s *FileStore) loadJSON(name string, v any) error {
	data, err := os.ReadFile(filepath.Join(s.dataDir, name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return goerr.Wrap(err, "failed to read data file", goerr.V("file", name))
	}
	if err := json.Unmarshal(data, v); err != nil {
		return goerr.Wrap(err, "failed to unmarshal data file", goerr.V("file", name))
	}
	return nil
}

func (s *FileStore) saveJSON(name string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return goerr.Wrap(err, "failed to marshal data file", goerr.V("file", name))
	}

	path := filepath.Join(s.dataDir, name)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return goerr.Wrap(err, "failed to write data file", goerr.V("file", name))
	}
	if err := os.Rename(tmp, path); err != nil {
		return goerr.Wrap(err, "failed to replace data file", goerr.V("file", name))
	}
	return nil
}

func sortByStart(events []calendar.Event) {
	sort.Slice(events, func(i, j int) bool {
		if events[i].StartTime.Equal(events[j].StartTime) {
			return events[i].Key() < events[j].Key()
		}
		return events[i].StartTime.Before(events[j].StartTime)
	})
}
