package notification

import (
	"embed"
	"log/slog"
)

//go:embed templates/*
var templateFiles embed.FS

func loadTemplate(filename string) string {
	content, err := templateFiles.ReadFile(filename)
	if err != nil {
		slog.Error("Error reading template file!", "err", err, "filename", filename)
		return ""
	}
	return string(content)
}

// NotificationManagerOption is a function that configures a NotificationManager
type NotificationManagerOption func(*NotificationManager) error

// WithSMTP adds an email notifier with the provided SMTP configuration
func WithSMTP(config SMTPConfig) NotificationManagerOption {
	return func(nm *NotificationManager) error {
		emailNotifier, err := NewEmailNotifier(config)
		if err != nil {
			return err
		}
		nm.RegisterNotifier(EmailSystem, emailNotifier)
		return nil
	}
}

// WithNotifier registers n as the email notifier, e.g. a MockNotifier.
func WithNotifier(n Notifier) NotificationManagerOption {
	return func(nm *NotificationManager) error {
		nm.RegisterNotifier(EmailSystem, n)
		return nil
	}
}

// WithUserActivationTemplate registers the activation link template
func WithUserActivationTemplate() NotificationManagerOption {
	return func(nm *NotificationManager) error {
		return nm.RegisterNotification(UserActivation, EmailSystem, NoticeTemplate{
			Subject: "Activate Your Account",
			Text:    "Hello {{.Username}}, your activation code is {{.Token}}. It expires at {{.ExpireTime}}.",
			Html:    loadTemplate("templates/email/user_activation.html"),
		})
	}
}

// WithPasswordResetTemplate registers the password reset template
func WithPasswordResetTemplate() NotificationManagerOption {
	return func(nm *NotificationManager) error {
		return nm.RegisterNotification(PasswordResetInit, EmailSystem, NoticeTemplate{
			Subject: "Password Reset Request",
			Text:    "Hello {{.Username}}, your password reset code is {{.Token}}. It expires at {{.ExpireTime}}.",
			Html:    loadTemplate("templates/email/password_reset.html"),
		})
	}
}

// WithPasswordResetConfirmTemplate registers the password changed notice
func WithPasswordResetConfirmTemplate() NotificationManagerOption {
	return func(nm *NotificationManager) error {
		return nm.RegisterNotification(PasswordResetConfirm, EmailSystem, NoticeTemplate{
			Subject: "Your Password Was Changed",
			Text:    "Hello {{.Username}}, the password of your account was just reset.",
		})
	}
}

// WithDefaultTemplates registers all default notification templates
func WithDefaultTemplates() NotificationManagerOption {
	return func(nm *NotificationManager) error {
		options := []NotificationManagerOption{
			WithUserActivationTemplate(),
			WithPasswordResetTemplate(),
			WithPasswordResetConfirmTemplate(),
		}

		for _, opt := range options {
			if err := opt(nm); err != nil {
				return err
			}
		}

		return nil
	}
}

// NewNotificationManagerWithOptions creates a new notification manager with the provided options
func NewNotificationManagerWithOptions(baseUrl string, opts ...NotificationManagerOption) (*NotificationManager, error) {
	notificationManager := NewNotificationManager(baseUrl)

	for _, opt := range opts {
		if err := opt(notificationManager); err != nil {
			return nil, err
		}
	}

	return notificationManager, nil
}
