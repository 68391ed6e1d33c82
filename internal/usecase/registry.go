package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"NewsPipeline/internal/domain"
	"NewsPipeline/internal/ports"
)

// SyncReport lists what a registry sync did.
type SyncReport struct {
	Upserted []domain.Source
	Skipped  []error
	Keywords int
}

// RegistrySync seeds sources and keywords into the registry.
type RegistrySync struct {
	admin  ports.SourceAdmin
	logger *slog.Logger
}

// NewRegistrySync builds the sync use case.
func NewRegistrySync(admin ports.SourceAdmin, log *slog.Logger) *RegistrySync {
	return &RegistrySync{admin: admin, logger: log}
}

// Sync upserts every valid definition and replaces the active keyword set.
// Malformed definitions are reported in the result and skipped.
func (r *RegistrySync) Sync(ctx context.Context, sources []domain.Source, keywords []string) (SyncReport, error) {
	var report SyncReport
	for _, src := range sources {
		if err := ValidateSource(src); err != nil {
			report.Skipped = append(report.Skipped, err)
			if r.logger != nil {
				r.logger.Warn("source definition skipped", "source", src.Name, "error", err)
			}
			continue
		}
		src.Address = strings.TrimSpace(src.Address)
		stored, err := r.admin.UpsertSource(ctx, src)
		if err != nil {
			return report, fmt.Errorf("upsert source %s: %w", src.Name, err)
		}
		report.Upserted = append(report.Upserted, stored)
	}

	if err := r.admin.SetKeywords(ctx, keywords); err != nil {
		return report, fmt.Errorf("set keywords: %w", err)
	}
	report.Keywords = len(keywords)
	return report, nil
}

// ValidateSource rejects definitions the fetchers cannot use.
func ValidateSource(src domain.Source) error {
	op := "source " + src.Name
	if !src.Type.Valid() {
		return domain.Configuration(op, fmt.Errorf("unknown type %q", src.Type))
	}
	address := strings.TrimSpace(src.Address)
	if address == "" {
		return domain.Configuration(op, errors.New("address is empty"))
	}
	switch src.Type {
	case domain.SourceFeed:
		u, err := url.Parse(address)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return domain.Configuration(op, fmt.Errorf("address %q is not an http(s) url", address))
		}
	case domain.SourceChannel:
		if strings.ContainsAny(address, " \t\n") {
			return domain.Configuration(op, fmt.Errorf("address %q is not a channel", address))
		}
	}
	return nil
}
