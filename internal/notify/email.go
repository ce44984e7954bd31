package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/oszuidwest/clapfinder/internal/types"
	"github.com/oszuidwest/clapfinder/internal/util"
)

// clapEmail returns the subject and body of a clap alert.
func clapEmail(device string, ev types.ClapEvent) (subject, body string) {
	subject = "[ALERT] Clap detected - " + device
	body = fmt.Sprintf(
		"A clap was detected and the alarm is sounding.\n\n"+
			"Device:    %s\n"+
			"RMS:       %.4f\n"+
			"Peak:      %.4f\n"+
			"Threshold: %.4f\n"+
			"Time:      %s\n"+
			"Event:     %s",
		device, ev.RMS, ev.Peak, ev.Threshold, util.FormatHumanTime(ev.Time), ev.ID,
	)
	return subject, body
}

// stoppedEmail returns the subject and body of an alarm-ended message.
func stoppedEmail(device, eventID string, duration time.Duration) (subject, body string) {
	subject = "[OK] Alarm stopped - " + device
	body = fmt.Sprintf(
		"The alarm has stopped.\n\n"+
			"Device:   %s\n"+
			"Duration: %s\n"+
			"Time:     %s\n"+
			"Event:    %s",
		device, util.FormatDuration(duration.Milliseconds()), util.HumanTime(), eventID,
	)
	return subject, body
}

// sendEmail sends subject and body to the configured recipients.
func sendEmail(ctx context.Context, client *GraphClient, cfg *types.GraphConfig, subject, body string) error {
	recipients := ParseRecipients(cfg.Recipients)
	if len(recipients) == 0 {
		return fmt.Errorf("no valid recipients")
	}
	if err := client.SendMail(ctx, recipients, subject, body); err != nil {
		return util.WrapError("send email via Graph", err)
	}
	return nil
}

// SendTestEmail sends a test email to verify email configuration.
func SendTestEmail(ctx context.Context, cfg *types.GraphConfig, device string) error {
	if err := ValidateConfig(cfg); err != nil {
		return fmt.Errorf("configuration error: %w", err)
	}

	client, err := NewGraphClient(cfg)
	if err != nil {
		return fmt.Errorf("create Graph client: %w", err)
	}

	if err := client.ValidateAuth(ctx); err != nil {
		return err
	}

	subject := "[TEST] " + device
	body := fmt.Sprintf(
		"Test email from %s.\n\n"+
			"Time: %s\n\n"+
			"Microsoft Graph configuration is working correctly.",
		AppName, util.HumanTime(),
	)
	return sendEmail(ctx, client, cfg, subject, body)
}
