package lifecycle

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
)

const defaultNotificationTitle = "LB Admin"

type NotificationAction struct {
	Action string `json:"action"`
	Title  string `json:"title"`
	Icon   string `json:"icon,omitempty"`
}

type NotificationData struct {
	URL string `json:"url,omitempty"`
}

type Notification struct {
	Title              string               `json:"title"`
	Body               string               `json:"body"`
	Tag                string               `json:"tag,omitempty"`
	RequireInteraction bool                 `json:"requireInteraction"`
	Actions            []NotificationAction `json:"actions,omitempty"`
	Data               NotificationData     `json:"data"`
}

// Notifier displays a notification to the user.
type Notifier interface {
	Show(ctx context.Context, n Notification) error
}

// ParsePush decodes a push payload. An empty payload yields the default
// notification.
func ParsePush(payload []byte) (Notification, error) {
	var n Notification
	if len(bytes.TrimSpace(payload)) > 0 {
		if err := json.Unmarshal(payload, &n); err != nil {
			return Notification{}, fmt.Errorf("parse push payload: %w", err)
		}
	}
	if n.Title == "" {
		n.Title = defaultNotificationTitle
	}
	return n, nil
}

// Push shows the notification carried by payload.
func (m *Manager) Push(ctx context.Context, payload []byte) (Notification, error) {
	n, err := ParsePush(payload)
	if err != nil {
		return Notification{}, err
	}
	if m.notifier == nil {
		return n, nil
	}
	if err := m.notifier.Show(ctx, n); err != nil {
		return Notification{}, fmt.Errorf("show notification: %w", err)
	}
	return n, nil
}

// NotificationClick returns the page to open for a click on action. A
// "dismiss" action opens nothing.
func (m *Manager) NotificationClick(action string, data NotificationData) (string, bool) {
	if action == "dismiss" {
		return "", false
	}
	if data.URL != "" {
		return data.URL, true
	}
	return m.cfg.Shell.Dashboard, true
}
