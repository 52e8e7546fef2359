package outbox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/orbitmesh/orbitmesh/internal/errors"
	notifysmtp "github.com/orbitmesh/orbitmesh/internal/notify/smtp"
)

// Notifier implements executor.Notifier: it publishes the dispatch as
// an Event on dispatcher (an in-process or pub/sub fan-out; the Event
// is not persisted) and then performs the send, adapted
// from the donor's outbox.processBatch "email_send" case generalized
// to the two transports spec §4.3 names for the Notify executor.
type Notifier struct {
	dispatcher Dispatcher
	httpClient *http.Client
	smtpClient *notifysmtp.Client
}

func NewNotifier(dispatcher Dispatcher, smtpClient *notifysmtp.Client) *Notifier {
	return &Notifier{
		dispatcher: dispatcher,
		httpClient: &http.Client{Timeout: 10 * time.Second}, // notifier deadline per spec §5
		smtpClient: smtpClient,
	}
}

func (n *Notifier) Notify(ctx context.Context, transport, target, body string, meta json.RawMessage) error {
	ev := Event{ID: uuid.NewString(), Type: transport, Target: target, Body: body, Meta: meta, State: EventPending, CreatedAt: time.Now()}
	if n.dispatcher != nil {
		if err := n.dispatcher.Dispatch(ctx, ev); err != nil {
			return apperrors.Wrap(apperrors.Internal, "record outbox event", err)
		}
	}

	switch transport {
	case "webhook":
		return n.sendWebhook(ctx, target, body)
	case "smtp":
		return n.sendSMTP(target, body)
	default:
		return apperrors.Newf(apperrors.InvalidDefinition, "unknown notify transport %q", transport)
	}
}

func (n *Notifier) sendWebhook(ctx context.Context, target, body string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewBufferString(body))
	if err != nil {
		return apperrors.Wrap(apperrors.StepFailed, "build webhook request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return apperrors.Wrap(apperrors.StepFailed, "webhook dispatch failed", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return apperrors.Newf(apperrors.StepFailed, "webhook returned status %s", resp.Status)
	}
	return nil
}

func (n *Notifier) sendSMTP(target, body string) error {
	if n.smtpClient == nil {
		return apperrors.New(apperrors.Internal, "notifier has no smtp client configured")
	}
	if err := n.smtpClient.Send(target, "OrbitMesh notification", body); err != nil {
		return apperrors.Wrap(apperrors.StepFailed, "smtp dispatch failed", fmt.Errorf("%w", err))
	}
	return nil
}
