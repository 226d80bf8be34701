package directory

import (
	"context"
	"net/http"
	"sync"

	"github.com/bsv-blockchain/tracker/settings"
	"github.com/bsv-blockchain/tracker/stores/ledger"
	"github.com/bsv-blockchain/tracker/ulogger"
	"github.com/bsv-blockchain/tracker/util/supervisor"
)

// Service adapts the directory to the supervisor. Every Run after the first starts a
// fresh Server behind a fresh Mailbox and rebinds the shared Client to it.
type Service struct {
	logger   ulogger.Logger
	settings *settings.Settings
	store    ledger.Store
	client   *Client

	mu           sync.Mutex
	mailbox      *Mailbox
	replacements int
}

func NewService(logger ulogger.Logger, tSettings *settings.Settings, store ledger.Store) *Service {
	mailbox := NewMailbox(tSettings.Directory.MailboxSize)

	return &Service{
		logger:   logger,
		settings: tSettings,
		store:    store,
		client:   NewClient(mailbox),
		mailbox:  mailbox,
	}
}

func (s *Service) Name() string {
	return "directory"
}

// Client returns the handle shared by all holders. It stays valid across restarts.
func (s *Service) Client() *Client {
	return s.client
}

func (s *Service) Run(ctx context.Context, reporter supervisor.Reporter) error {
	return New(s.logger, s.settings, s.store).Start(ctx, s.nextMailbox(), reporter)
}

func (s *Service) nextMailbox() *Mailbox {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.mailbox.Closed() {
		return s.mailbox
	}

	fresh := NewMailbox(s.settings.Directory.MailboxSize)
	old := s.client.Rebind(fresh)
	old.Close()

	s.mailbox = fresh
	s.replacements++

	s.logger.Warnf("[Directory] replaced mailbox (%d replacements so far)", s.replacements)

	return fresh
}

// Replacements is how many times a fresh mailbox was handed out.
func (s *Service) Replacements() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.replacements
}

func (s *Service) Health(ctx context.Context, checkLiveness bool) (int, string, error) {
	s.mu.Lock()
	closed := s.mailbox.Closed()
	s.mu.Unlock()

	if closed {
		return http.StatusServiceUnavailable, "directory mailbox closed", nil
	}

	if checkLiveness {
		return http.StatusOK, "OK", nil
	}

	return s.store.Health(ctx, checkLiveness)
}
