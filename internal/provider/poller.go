package provider

import (
	"context"
	"fmt"
	"log"
	"regexp"
	"time"
)

// PollConfig bounds one code-wait: up to MaxWindows windows of
// WindowDuration each, polling every PollInterval.
type PollConfig struct {
	WindowDuration time.Duration
	PollInterval   time.Duration
	MaxWindows     int
	CodeLength     int
}

// Poller waits for a delivered code on an already purchased number. It never
// buys; when the order is invalidated it aborts fatally and leaves
// compensation to the pipeline.
type Poller struct {
	cfg PollConfig
}

// NewPoller creates a new OTP poller.
func NewPoller(cfg PollConfig) *Poller {
	return &Poller{cfg: cfg}
}

// Await polls until a text is delivered or the windows run out. Retrying
// across windows is patience on the same number, not a provider failover.
// Returns the extracted code and the raw text.
func (p *Poller) Await(ctx context.Context, client Client, externalID string) (string, string, error) {
	for window := 1; window <= p.cfg.MaxWindows; window++ {
		windowDeadline := time.Now().Add(p.cfg.WindowDuration)

		for time.Now().Before(windowDeadline) {
			if err := ctx.Err(); err != nil {
				return "", "", fmt.Errorf("code wait aborted: %w", err)
			}

			delivery, err := client.PollOnce(ctx, externalID)
			if err != nil {
				if KindOf(err) == KindFatal {
					// The order is invalidated; remaining windows are
					// pointless.
					return "", "", err
				}
				log.Printf("[OtpPoller] Poll error on %s (window %d/%d): %v",
					externalID, window, p.cfg.MaxWindows, err)
			} else if delivery.Delivered {
				code := ExtractCode(delivery.Text, p.cfg.CodeLength)
				log.Printf("[OtpPoller] Code delivered on %s (window %d/%d)", externalID, window, p.cfg.MaxWindows)
				return code, delivery.Text, nil
			}

			select {
			case <-ctx.Done():
				return "", "", fmt.Errorf("code wait aborted: %w", ctx.Err())
			case <-time.After(p.cfg.PollInterval):
			}
		}

		log.Printf("[OtpPoller] Window %d/%d elapsed without delivery on %s",
			window, p.cfg.MaxWindows, externalID)
	}

	return "", "", fmt.Errorf("%w after %d windows of %v",
		ErrNoCode, p.cfg.MaxWindows, p.cfg.WindowDuration)
}

var (
	tripletPattern  = regexp.MustCompile(`\b(\d{3})[-. ](\d{3})\b`)
	digitRunPattern = regexp.MustCompile(`\d+`)
)

// ExtractCode pulls a verification code out of a delivered text. Rules are
// applied in order: a delimited triplet-triplet pattern, then a bare digit
// run of the expected length, then the raw text verbatim as a fallback.
func ExtractCode(text string, expectedLength int) string {
	if m := tripletPattern.FindStringSubmatch(text); m != nil {
		return m[1] + m[2]
	}

	if expectedLength > 0 {
		for _, run := range digitRunPattern.FindAllString(text, -1) {
			if len(run) == expectedLength {
				return run
			}
		}
	}

	return text
}
