// Package janitor runs the periodic maintenance of in-memory room state.
package janitor

import (
	"log/slog"
	"sync"
	"time"
)

type Config struct {
	OrphanSweepInterval time.Duration
	ChatTrimInterval    time.Duration
	// Messages kept per room when the chat log is trimmed. Zero disables
	// trimming.
	ChatRetainMessages int
}

func DefaultConfig() Config {
	return Config{
		OrphanSweepInterval: 5 * time.Minute,
		ChatTrimInterval:    10 * time.Minute,
		ChatRetainMessages:  1000,
	}
}

// Presence is satisfied by *presence.Registry.
type Presence interface {
	CleanupOrphans() int
}

// ChatLog is satisfied by *chat.Log.
type ChatLog interface {
	Rooms() []string
	Trim(roomID string, keepLastN int) int
}

type Service struct {
	presence Presence
	chat     ChatLog
	config   Config
	log      *slog.Logger
	stop     chan struct{}
	wg       sync.WaitGroup
}

// New builds the service. Intervals that are not positive fall back to
// DefaultConfig.
func New(presence Presence, chat ChatLog, config Config, log *slog.Logger) *Service {
	defaults := DefaultConfig()
	if config.OrphanSweepInterval <= 0 {
		config.OrphanSweepInterval = defaults.OrphanSweepInterval
	}
	if config.ChatTrimInterval <= 0 {
		config.ChatTrimInterval = defaults.ChatTrimInterval
	}

	return &Service{
		presence: presence,
		chat:     chat,
		config:   config,
		log:      log,
		stop:     make(chan struct{}),
	}
}

func (s *Service) Start() {
	s.wg.Add(1)
	go s.run()
	s.log.Info("Janitor started",
		"orphan_sweep_interval", s.config.OrphanSweepInterval,
		"chat_trim_interval", s.config.ChatTrimInterval,
		"chat_retain_messages", s.config.ChatRetainMessages)
}

func (s *Service) Stop() {
	close(s.stop)
	s.wg.Wait()
	s.log.Info("Janitor stopped")
}

func (s *Service) run() {
	defer s.wg.Done()

	sweep := time.NewTicker(s.config.OrphanSweepInterval)
	defer sweep.Stop()

	// A nil channel never fires, which leaves trimming off.
	var trimC <-chan time.Time
	if s.config.ChatRetainMessages > 0 {
		trim := time.NewTicker(s.config.ChatTrimInterval)
		defer trim.Stop()
		trimC = trim.C
	}

	for {
		select {
		case <-s.stop:
			return
		case <-sweep.C:
			s.SweepOrphans()
		case <-trimC:
			s.TrimChat()
		}
	}
}

// SweepOrphans repairs presence state left inconsistent by lost events.
func (s *Service) SweepOrphans() int {
	removed := s.presence.CleanupOrphans()
	if removed > 0 {
		s.log.Info("Removed orphaned presence entries", "count", removed)
	}
	return removed
}

// TrimChat drops the oldest messages of every room above the retain limit.
func (s *Service) TrimChat() int {
	if s.config.ChatRetainMessages <= 0 {
		return 0
	}

	total := 0
	for _, roomID := range s.chat.Rooms() {
		total += s.chat.Trim(roomID, s.config.ChatRetainMessages)
	}
	if total > 0 {
		s.log.Info("Trimmed chat history", "dropped", total)
	}
	return total
}
