package notification

import (
	"fmt"
	"log/slog"
	"maps"
	"slices"
)

// NotificationSystem represents a delivery channel.
type NotificationSystem string

const (
	EmailSystem NotificationSystem = "email"
)

// NotificationManager manages notifiers and notification templates.
type NotificationManager struct {
	BaseUrl              string
	notifiers            map[NotificationSystem]Notifier
	notificationRegistry map[NoticeType]map[NotificationSystem]NoticeTemplate
}

// NewNotificationManager creates and returns a new NotificationManager.
func NewNotificationManager(baseUrl string) *NotificationManager {
	return &NotificationManager{
		BaseUrl:              baseUrl,
		notifiers:            make(map[NotificationSystem]Notifier),
		notificationRegistry: make(map[NoticeType]map[NotificationSystem]NoticeTemplate),
	}
}

// RegisterNotifier registers a notifier for a specific system.
func (nm *NotificationManager) RegisterNotifier(system NotificationSystem, notifier Notifier) {
	nm.notifiers[system] = notifier
}

// RegisterNotification adds or replaces the template of a notice type for
// one system. A template needs a subject and some content.
func (nm *NotificationManager) RegisterNotification(noticeType NoticeType, system NotificationSystem, template NoticeTemplate) error {
	if noticeType == "" || system == "" {
		return fmt.Errorf("invalid input: notification type and system cannot be empty")
	}
	if template.Subject == "" {
		return fmt.Errorf("invalid template: subject cannot be empty")
	}
	if template.Text == "" && template.Html == "" {
		return fmt.Errorf("invalid template: text or html content is required")
	}

	if _, exists := nm.notificationRegistry[noticeType]; !exists {
		nm.notificationRegistry[noticeType] = make(map[NotificationSystem]NoticeTemplate)
	}
	nm.notificationRegistry[noticeType][system] = template
	return nil
}

// HasNotification reports whether a template is registered for the type.
func (nm *NotificationManager) HasNotification(noticeType NoticeType) bool {
	return len(nm.notificationRegistry[noticeType]) > 0
}

// Send delivers the notice through every system that has a template for it.
func (nm *NotificationManager) Send(noticeType NoticeType, notification NotificationData) error {
	systemTemplates, exists := nm.notificationRegistry[noticeType]
	if !exists {
		return fmt.Errorf("no templates registered for notification type: %s", noticeType)
	}

	if nm.BaseUrl != "" {
		data := maps.Clone(notification.Data)
		if data == nil {
			data = make(map[string]string)
		}
		if _, ok := data["BaseUrl"]; !ok {
			data["BaseUrl"] = nm.BaseUrl
		}
		notification.Data = data
	}

	systems := slices.Sorted(maps.Keys(systemTemplates))
	for _, system := range systems {
		notifier, exists := nm.notifiers[system]
		if !exists {
			return fmt.Errorf("no notifier registered for system: %s", system)
		}
		if err := notifier.Send(noticeType, notification, systemTemplates[system]); err != nil {
			slog.Error("Failed to send notification", "type", noticeType, "system", system, "err", err)
			return err
		}
	}
	return nil
}
