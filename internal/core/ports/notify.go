package ports

import "context"

type Notifier interface {
	NotifyInternalError(ctx context.Context, subject, body string) error
}

type NotificationLog interface {
	// Claim records fingerprint for day. It returns false when the pair was
	// already claimed.
	Claim(ctx context.Context, fingerprint, day string) (bool, error)
}
