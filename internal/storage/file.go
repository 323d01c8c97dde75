package storage

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/yourname/dailytally/internal"
)

// FileStorage keeps every partition in memory and persists them as a single
// JSON document. Saves are debounced by a background worker. An empty path
// keeps the store purely in memory.
type FileStorage struct {
	partitions   map[string][]internal.Reading // date -> readings in append order
	settings     *internal.Settings
	mu           sync.RWMutex
	path         string
	saveChan     chan struct{}
	shutdownChan chan struct{}
	workerDone   chan struct{}
	saveDelay    time.Duration
	closeOnce    sync.Once
	logger       internal.Logger
}

type fileDocument struct {
	Settings   *internal.Settings            `json:"settings,omitempty"`
	Partitions map[string][]internal.Reading `json:"partitions"`
}

func NewFileStorage(path string, logger internal.Logger) (*FileStorage, error) {
	s := &FileStorage{
		partitions:   make(map[string][]internal.Reading),
		path:         path,
		saveChan:     make(chan struct{}, 1),
		shutdownChan: make(chan struct{}),
		workerDone:   make(chan struct{}),
		saveDelay:    500 * time.Millisecond,
		logger:       logger,
	}

	if err := s.load(); err != nil {
		logger.Errorf("storage: failed to load %s: %v", path, err)
		return nil, err
	}

	go s.saveWorker()

	return s, nil
}

func (s *FileStorage) load() error {
	if s.path == "" {
		return nil
	}
	file, err := os.Open(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer file.Close()

	var doc fileDocument
	if err := json.NewDecoder(file).Decode(&doc); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for date, rs := range doc.Partitions {
		s.partitions[date] = rs
	}
	s.settings = doc.Settings
	return nil
}

func atomicWriteFileJSON(filePath string, data interface{}) error {
	if dir := filepath.Dir(filePath); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	tempFile := filePath + ".tmp"
	f, err := os.Create(tempFile)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(data); err != nil {
		f.Close()
		os.Remove(tempFile)
		return err
	}

	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tempFile)
		return err
	}

	if err := f.Close(); err != nil {
		os.Remove(tempFile)
		return err
	}

	return os.Rename(tempFile, filePath)
}

func (s *FileStorage) save() error {
	if s.path == "" {
		return nil
	}
	s.mu.RLock()
	doc := fileDocument{Settings: s.settings, Partitions: make(map[string][]internal.Reading, len(s.partitions))}
	for date, rs := range s.partitions {
		doc.Partitions[date] = append([]internal.Reading(nil), rs...)
	}
	s.mu.RUnlock()

	return atomicWriteFileJSON(s.path, doc)
}

// saveWorker batches saves so a burst of appends costs one disk write.
func (s *FileStorage) saveWorker() {
	defer close(s.workerDone)
	timer := time.NewTimer(s.saveDelay)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-s.saveChan:
			timer.Reset(s.saveDelay)
		case <-timer.C:
			if err := s.save(); err != nil {
				s.logger.Errorf("storage: error saving %s: %v", s.path, err)
			}
		case <-s.shutdownChan:
			return
		}
	}
}

func (s *FileStorage) signalSave() {
	select {
	case s.saveChan <- struct{}{}:
	default:
	}
}

// Close stops the save worker and flushes pending data synchronously.
func (s *FileStorage) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.shutdownChan)
		<-s.workerDone
		err = s.save()
	})
	return err
}

func (s *FileStorage) ResolvePartition(ctx context.Context, date string) (Partition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resolveLocked(date), nil
}

func (s *FileStorage) resolveLocked(date string) Partition {
	if _, ok := s.partitions[date]; ok {
		return Partition{Date: date}
	}
	s.partitions[date] = []internal.Reading{}
	s.signalSave()
	return Partition{Date: date, Created: true}
}

func (s *FileStorage) AppendRow(ctx context.Context, r internal.Reading) error {
	return s.AppendRows(ctx, []internal.Reading{r})
}

func (s *FileStorage) AppendRows(ctx context.Context, rs []internal.Reading) error {
	if len(rs) == 0 {
		return nil
	}
	dates, groups := groupByDate(rs)

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, date := range dates {
		s.resolveLocked(date)
		s.partitions[date] = append(s.partitions[date], groups[date]...)
	}
	s.signalSave()
	return nil
}

func (s *FileStorage) ReadAggregate(ctx context.Context, date string) (internal.DailyAggregate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resolveLocked(date)
	return internal.NewDailyAggregate(date, s.partitions[date]), nil
}

func (s *FileStorage) ReadSettings(ctx context.Context) (internal.Settings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.settings == nil {
		def := internal.DefaultSettings()
		s.settings = &def
		s.signalSave()
	}
	return s.settings.Normalize(), nil
}

// --- Compile-time assertions ---
var _ BackingStore = (*FileStorage)(nil)
