package notify

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/atvirokodosprendimai/compmut/internal/core/ports"
)

// DailyLimit forwards a notification only the first time its subject is seen
// on a calendar day. Callers put the stable part of the problem in the subject
// and per-occurrence detail in the body.
type DailyLimit struct {
	next ports.Notifier
	log  ports.NotificationLog
	now  func() time.Time
}

func NewDailyLimit(next ports.Notifier, log ports.NotificationLog) *DailyLimit {
	return &DailyLimit{next: next, log: log, now: time.Now}
}

func (d *DailyLimit) NotifyInternalError(ctx context.Context, subject, body string) error {
	day := d.now().Format(time.DateOnly)
	claimed, err := d.log.Claim(ctx, Fingerprint(subject), day)
	if err != nil {
		return fmt.Errorf("notification limit: %w", err)
	}
	if !claimed {
		return nil
	}
	return d.next.NotifyInternalError(ctx, subject, body)
}

func Fingerprint(subject string) string {
	sum := sha256.Sum256([]byte(subject))
	return hex.EncodeToString(sum[:])
}
