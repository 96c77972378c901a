// Package httpapi exposes the swarm-mail and hive adapters over JSON/HTTP.
package httpapi

import (
	"log/slog"

	"github.com/mistakeknot/swarmmail/internal/storage"
)

type Service struct {
	mail   storage.CoordinationAdapter
	hive   storage.IssueTrackerAdapter
	health func() string
	logger *slog.Logger
}

func NewService(mail storage.CoordinationAdapter, hive storage.IssueTrackerAdapter) *Service {
	return &Service{mail: mail, hive: hive, logger: slog.Default()}
}

func (s *Service) WithLogger(l *slog.Logger) *Service {
	if l != nil {
		s.logger = l.With("component", "http")
	}
	return s
}

// WithHealth reports the storage circuit state on /health.
func (s *Service) WithHealth(state func() string) *Service {
	s.health = state
	return s
}
