package email

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/wclausen/mimir/internal/telemetry"
)

// Notices builds and sends the billing notices the dunning and
// payment-method flows produce. It satisfies the service layer's
// Notifier interface.
type Notices struct {
	sender  Sender
	from    string
	appName string
	logger  *slog.Logger
}

// NewNotices creates a Notices instance. appName appears in subjects
// and bodies.
func NewNotices(sender Sender, from, appName string, logger *slog.Logger) (*Notices, error) {
	if sender == nil {
		return nil, fmt.Errorf("sender is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if appName == "" {
		appName = "Billing"
	}
	return &Notices{
		sender:  sender,
		from:    from,
		appName: appName,
		logger:  logger,
	}, nil
}

// PaymentFailed tells the user a charge failed and when the next retry
// runs.
func (n *Notices) PaymentFailed(ctx context.Context, to string, attempt int, nextRetryAt time.Time) error {
	body := fmt.Sprintf(
		"We could not collect your latest %s payment (attempt %d).\n\n"+
			"We will retry automatically on %s. To avoid interruption, please "+
			"check that your card is valid and has sufficient funds.\n",
		n.appName, attempt, nextRetryAt.Format("Monday, January 2"))
	return n.send(ctx, "payment_failed", &Email{
		To:       []string{to},
		From:     n.from,
		Subject:  fmt.Sprintf("%s: payment failed, we'll retry soon", n.appName),
		TextBody: body,
	})
}

// SubscriptionCanceled tells the user their subscription ended after
// repeated failed charges.
func (n *Notices) SubscriptionCanceled(ctx context.Context, to string) error {
	body := fmt.Sprintf(
		"Your %s subscription has been canceled because we were unable to "+
			"collect payment after several attempts.\n\n"+
			"You can resubscribe at any time once your payment details are "+
			"up to date.\n",
		n.appName)
	return n.send(ctx, "subscription_canceled", &Email{
		To:       []string{to},
		From:     n.from,
		Subject:  fmt.Sprintf("%s: your subscription has been canceled", n.appName),
		TextBody: body,
	})
}

// AddPaymentMethodPrompt asks the user to add a new card after theirs
// was removed.
func (n *Notices) AddPaymentMethodPrompt(ctx context.Context, to string) error {
	body := fmt.Sprintf(
		"The payment method on your %s account is no longer available.\n\n"+
			"Please add a new card to keep your subscription active.\n",
		n.appName)
	return n.send(ctx, "add_payment_method", &Email{
		To:       []string{to},
		From:     n.from,
		Subject:  fmt.Sprintf("%s: please add a payment method", n.appName),
		TextBody: body,
	})
}

func (n *Notices) send(ctx context.Context, emailType string, msg *Email) error {
	msgID, err := n.sender.Send(ctx, msg)
	if err != nil {
		if telemetry.Business != nil {
			telemetry.Business.EmailFailed.WithLabelValues(emailType).Inc()
		}
		return err
	}
	if telemetry.Business != nil {
		telemetry.Business.EmailSent.WithLabelValues(emailType).Inc()
	}
	n.logger.Debug("billing notice sent", "type", emailType, "message_id", msgID)
	return nil
}
