// Package registry handles user and entry registration for the operator API and CLI.
package registry

import (
	"context"
	"fmt"
	"net/mail"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/adnotifier/internal/monitor"
)

// UserRequest describes a new user.
type UserRequest struct {
	FullName       string `json:"full_name"`
	Email          string `json:"email"`
	TelegramChatID string `json:"telegram_chat_id,omitempty"`
}

// EntryRequest describes a new monitored entry.
type EntryRequest struct {
	Title       string `json:"title"`
	QueryStr    string `json:"query_str"`
	URL         string `json:"url"`
	Description string `json:"description,omitempty"`
}

// Registry creates and removes users and entries.
type Registry struct {
	store    monitor.Store
	observer monitor.PageObserver
	ids      monitor.IDGenerator
	clock    monitor.Clock
	logger   *zap.Logger
}

// New constructs a Registry.
func New(
	store monitor.Store,
	observer monitor.PageObserver,
	ids monitor.IDGenerator,
	clock monitor.Clock,
	logger *zap.Logger,
) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{store: store, observer: observer, ids: ids, clock: clock, logger: logger}
}

// CreateUser validates and stores a user.
func (r *Registry) CreateUser(ctx context.Context, req UserRequest) (monitor.User, error) {
	req.FullName = strings.TrimSpace(req.FullName)
	req.Email = strings.TrimSpace(req.Email)
	if req.FullName == "" {
		return monitor.User{}, fmt.Errorf("%w: full_name required", monitor.ErrInvalidEntry)
	}
	addr, err := mail.ParseAddress(req.Email)
	if err != nil || addr.Address != req.Email {
		return monitor.User{}, fmt.Errorf("%w: invalid email %q", monitor.ErrInvalidEntry, req.Email)
	}

	id, err := r.ids.NewID()
	if err != nil {
		return monitor.User{}, fmt.Errorf("generate user id: %w", err)
	}
	user := monitor.User{
		ID:             id,
		FullName:       req.FullName,
		Email:          req.Email,
		TelegramChatID: strings.TrimSpace(req.TelegramChatID),
		CreatedAt:      r.clock.Now(),
	}
	if err := r.store.CreateUser(ctx, user); err != nil {
		return monitor.User{}, fmt.Errorf("create user: %w", err)
	}
	r.logger.Info("user created", zap.String("user_id", user.ID))
	return user, nil
}

// DeleteUser removes a user and all of its entries.
func (r *Registry) DeleteUser(ctx context.Context, userID string) error {
	if err := r.store.DeleteUser(ctx, userID); err != nil {
		return fmt.Errorf("delete user: %w", err)
	}
	r.logger.Info("user deleted", zap.String("user_id", userID))
	return nil
}

// RegisterEntry fetches the page once and stores the entry seeded with the
// observed count and fingerprint. Nothing is stored if the fetch fails.
func (r *Registry) RegisterEntry(ctx context.Context, userID string, req EntryRequest) (monitor.MonitoredEntry, error) {
	if err := validateEntry(&req); err != nil {
		return monitor.MonitoredEntry{}, err
	}
	if _, err := r.store.GetUser(ctx, userID); err != nil {
		return monitor.MonitoredEntry{}, fmt.Errorf("load owner: %w", err)
	}

	obs, err := r.observer.Observe(ctx, req.URL, req.QueryStr)
	if err != nil {
		return monitor.MonitoredEntry{}, fmt.Errorf("initial fetch of %s: %w", req.URL, err)
	}

	id, err := r.ids.NewID()
	if err != nil {
		return monitor.MonitoredEntry{}, fmt.Errorf("generate entry id: %w", err)
	}
	now := r.clock.Now()
	entry := monitor.MonitoredEntry{
		ID:              id,
		UserID:          userID,
		Title:           req.Title,
		QueryStr:        req.QueryStr,
		URL:             req.URL,
		Description:     req.Description,
		OccurrenceCount: obs.Extraction.Count,
		PageContentHash: obs.Fingerprint,
		CreatedAt:       now,
		LastUpdated:     now,
	}
	if err := r.store.CreateEntry(ctx, entry); err != nil {
		return monitor.MonitoredEntry{}, fmt.Errorf("create entry: %w", err)
	}
	r.logger.Info("entry registered",
		zap.String("entry_id", entry.ID),
		zap.String("user_id", userID),
		zap.Int("count", entry.OccurrenceCount),
		zap.String("strategy", string(obs.Page.Strategy)),
	)
	return entry, nil
}

// ListEntries returns the entries of an existing user.
func (r *Registry) ListEntries(ctx context.Context, userID string) ([]monitor.MonitoredEntry, error) {
	if _, err := r.store.GetUser(ctx, userID); err != nil {
		return nil, fmt.Errorf("load owner: %w", err)
	}
	entries, err := r.store.ListUserEntries(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list entries: %w", err)
	}
	return entries, nil
}

// DeleteEntry removes one entry.
func (r *Registry) DeleteEntry(ctx context.Context, entryID string) error {
	if err := r.store.DeleteEntry(ctx, entryID); err != nil {
		return fmt.Errorf("delete entry: %w", err)
	}
	r.logger.Info("entry deleted", zap.String("entry_id", entryID))
	return nil
}

func validateEntry(req *EntryRequest) error {
	req.Title = strings.TrimSpace(req.Title)
	req.QueryStr = strings.TrimSpace(req.QueryStr)
	req.URL = strings.TrimSpace(req.URL)
	req.Description = strings.TrimSpace(req.Description)

	switch {
	case req.Title == "":
		return fmt.Errorf("%w: title required", monitor.ErrInvalidEntry)
	case req.QueryStr == "":
		return fmt.Errorf("%w: query_str required", monitor.ErrInvalidEntry)
	case req.URL == "":
		return fmt.Errorf("%w: url required", monitor.ErrInvalidEntry)
	}
	u, err := url.Parse(req.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%w: url must be absolute http(s), got %q", monitor.ErrInvalidEntry, req.URL)
	}
	return nil
}
