// Package notification sends the e-mails the user workflow triggers, such
// as activation links and password reset tokens.
//
// A NotificationManager maps each NoticeType to one NoticeTemplate per
// NotificationSystem and hands rendered notices to the registered Notifier
// of every system that has a template:
//
//	nm, err := notification.NewNotificationManagerWithOptions(baseURL,
//	    notification.WithSMTP(smtpConfig),
//	    notification.WithDefaultTemplates(),
//	)
//	err = nm.Send(notification.PasswordResetInit, notification.NotificationData{
//	    To:   u.Email(),
//	    Data: map[string]string{"Username": u.Username, "Token": token},
//	})
//
// Templates use html/template syntax against NotificationData.Data. The
// manager adds BaseUrl to Data when it is not already set.
//
// MockNotifier records what would have been sent and is used in tests and
// when no SMTP host is configured.
package notification
