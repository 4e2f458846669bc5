// Package hooks delivers fleet lifecycle events to registered webhooks.
package hooks

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/patent-dev/aria2-fleet/internal/database"
)

const (
	wildcard        = "*"
	deliveryTimeout = 30 * time.Second
	userAgent       = "aria2-fleet-hooks/1"
)

var (
	ErrWebhookNotFound = errors.New("webhook not found")
	ErrUnknownEvent    = errors.New("unknown event")
)

// Emitter is what the fleet components need from the hook manager.
type Emitter interface {
	Emit(ctx context.Context, event *Event)
}

// Nop drops every event.
type Nop struct{}

func (Nop) Emit(context.Context, *Event) {}

type Manager struct {
	db       *database.DB
	client   *http.Client
	inflight sync.WaitGroup
}

func New(db *database.DB) *Manager {
	return &Manager{
		db:     db,
		client: &http.Client{Timeout: deliveryTimeout},
	}
}

// Emit posts event to every enabled webhook subscribed to its type. Delivery
// runs in the background and is not cancelled with ctx.
func (m *Manager) Emit(ctx context.Context, event *Event) {
	targets, err := m.subscribers(ctx, event.Type)
	if err != nil {
		slog.Error("Failed to load webhooks", "event", event.Type, "error", err)
		return
	}
	if len(targets) == 0 {
		return
	}

	body, err := json.Marshal(event)
	if err != nil {
		slog.Error("Failed to encode event", "event", event.Type, "error", err)
		return
	}

	detached := context.WithoutCancel(ctx)
	for _, wh := range targets {
		wh := wh
		m.inflight.Add(1)
		go func() {
			defer m.inflight.Done()
			if err := m.post(detached, wh, event, body); err != nil {
				slog.Warn("Webhook delivery failed", "webhook", wh.ID, "url", wh.URL, "event", event.Type, "error", err)
				return
			}
			slog.Debug("Webhook delivered", "webhook", wh.ID, "event", event.Type)
		}()
	}
}

// Wait blocks until every delivery started by Emit has finished.
func (m *Manager) Wait() {
	m.inflight.Wait()
}

func (m *Manager) subscribers(ctx context.Context, eventType string) ([]database.Webhook, error) {
	var enabled []database.Webhook
	if err := m.db.WithContext(ctx).Where("enabled = ?", true).Find(&enabled).Error; err != nil {
		return nil, err
	}
	return slices.DeleteFunc(enabled, func(wh database.Webhook) bool {
		return !Subscribes(wh, eventType)
	}), nil
}

// Subscribes reports whether wh wants events of eventType.
func Subscribes(wh database.Webhook, eventType string) bool {
	for _, e := range ParseEvents(wh.Events) {
		if e == wildcard || e == eventType {
			return true
		}
	}
	return false
}

func (m *Manager) post(ctx context.Context, wh database.Webhook, event *Event, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, wh.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("X-Fleet-Event", event.Type)
	req.Header.Set("X-Fleet-Delivery", event.ID)
	if len(wh.Headers) > 0 {
		var extra map[string]string
		if err := json.Unmarshal(wh.Headers, &extra); err != nil {
			slog.Warn("Ignoring malformed webhook headers", "webhook", wh.ID, "error", err)
		}
		for k, v := range extra {
			req.Header.Set(k, v)
		}
	}

	resp, err := m.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("receiver answered %s", resp.Status)
	}
	return nil
}

func encodeEvents(events []string) (string, error) {
	if len(events) == 0 {
		events = []string{wildcard}
	}
	for _, e := range events {
		if !IsValidEvent(e) {
			return "", fmt.Errorf("%w: %q", ErrUnknownEvent, e)
		}
	}
	out, err := json.Marshal(events)
	return string(out), err
}

// CreateWebhook registers an enabled webhook. No events means all events.
func (m *Manager) CreateWebhook(ctx context.Context, name, url string, events []string) (*database.Webhook, error) {
	encoded, err := encodeEvents(events)
	if err != nil {
		return nil, err
	}
	wh := &database.Webhook{Name: name, URL: url, Events: encoded, Enabled: true}
	if err := m.db.WithContext(ctx).Create(wh).Error; err != nil {
		return nil, err
	}
	slog.Info("Webhook registered", "webhook", wh.ID, "url", url, "events", encoded)
	return wh, nil
}

func (m *Manager) UpdateWebhook(ctx context.Context, id uint, name, url string, events []string, enabled bool) error {
	encoded, err := encodeEvents(events)
	if err != nil {
		return err
	}
	return m.update(ctx, id, map[string]interface{}{
		"name":    name,
		"url":     url,
		"events":  encoded,
		"enabled": enabled,
	})
}

// SetEnabled pauses or resumes deliveries to a webhook.
func (m *Manager) SetEnabled(ctx context.Context, id uint, enabled bool) error {
	return m.update(ctx, id, map[string]interface{}{"enabled": enabled})
}

func (m *Manager) update(ctx context.Context, id uint, fields map[string]interface{}) error {
	result := m.db.WithContext(ctx).Model(&database.Webhook{}).Where("id = ?", id).Updates(fields)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: id %d", ErrWebhookNotFound, id)
	}
	return nil
}

func (m *Manager) DeleteWebhook(ctx context.Context, id uint) error {
	result := m.db.WithContext(ctx).Delete(&database.Webhook{}, id)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: id %d", ErrWebhookNotFound, id)
	}
	return nil
}

func (m *Manager) ListWebhooks(ctx context.Context) ([]database.Webhook, error) {
	var list []database.Webhook
	return list, m.db.WithContext(ctx).Order("id").Find(&list).Error
}

func (m *Manager) GetWebhook(ctx context.Context, id uint) (*database.Webhook, error) {
	var wh database.Webhook
	if err := m.db.WithContext(ctx).First(&wh, id).Error; err != nil {
		if database.IsNotFound(err) {
			return nil, fmt.Errorf("%w: id %d", ErrWebhookNotFound, id)
		}
		return nil, err
	}
	return &wh, nil
}

// ParseEvents decodes a webhook's stored event list. Malformed lists decode
// to nothing.
func ParseEvents(encoded string) []string {
	var events []string
	if json.Unmarshal([]byte(encoded), &events) != nil {
		return nil
	}
	return events
}

func AllEvents() []string {
	return []string{
		EventBinaryDiscovered,
		EventBinaryRemoved,
		EventCatalogRefreshed,
		EventInstanceCreated,
		EventInstanceAdopted,
		EventInstanceLaunchFailed,
		EventInstanceDeleted,
		EventTaskSubmitted,
		EventTaskSubmitFailed,
	}
}

func IsValidEvent(event string) bool {
	return event == wildcard || slices.Contains(AllEvents(), event)
}
