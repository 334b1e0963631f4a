package notification

// NoticeType names a kind of notification, such as a password reset.
type NoticeType string

const (
	ExampleNotice        NoticeType = "example"
	UserActivation       NoticeType = "user_activation"
	PasswordResetInit    NoticeType = "password_reset_init"
	PasswordResetConfirm NoticeType = "password_reset_confirm"
)

// NoticeTemplate is the subject and body of a notice, for one system.
type NoticeTemplate struct {
	Subject string
	Text    string
	Html    string
}

type NotificationData struct {
	To      string            // Recipient identifier (e.g., email address)
	Subject string            // Optional: overrides the template subject
	Body    string            // Optional: plain content when no template text applies
	Data    map[string]string // Template values
}

type Notifier interface {
	Send(noticeType NoticeType, notification NotificationData, template NoticeTemplate) error
}
