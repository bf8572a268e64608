package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/monitor-cli/internal/config"
	"github.com/sells-group/monitor-cli/internal/model"
)

// Message is one outbound alert or approval request. Escalations must let a
// human act without re-deriving context: what was observed, what was tried,
// and what evidence was collected all travel in the payload.
type Message struct {
	Subject          string           `json:"subject"`
	EntityID         string           `json:"entity_id,omitempty"`
	CaseID           string           `json:"case_id,omitempty"`
	Observed         string           `json:"observed,omitempty"`
	Tried            []string         `json:"tried,omitempty"`
	Evidence         []model.Evidence `json:"evidence,omitempty"`
	ProposedFixToken string           `json:"proposed_fix_token,omitempty"`
	RequiresApproval bool             `json:"requires_approval"`
	ApprovalToken    string           `json:"approval_token,omitempty"`
	Timestamp        time.Time        `json:"timestamp"`
}

// Notifier delivers messages to the outbound channel. Notify returns an
// approval token when the message requires approval; the caller records it
// against the pending fix.
type Notifier interface {
	Notify(ctx context.Context, msg Message) (approvalToken string, err error)
}

// WebhookNotifier posts messages as JSON to a configured webhook URL.
type WebhookNotifier struct {
	cfg    config.NotifyConfig
	client *http.Client
}

func NewWebhookNotifier(cfg config.NotifyConfig) *WebhookNotifier {
	return &WebhookNotifier{
		cfg:    cfg,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Notify posts the message. With no webhook configured the message is
// logged instead of dropped, so escalations are never invisible.
func (n *WebhookNotifier) Notify(ctx context.Context, msg Message) (string, error) {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}
	if msg.RequiresApproval && msg.ApprovalToken == "" {
		msg.ApprovalToken = uuid.New().String()
	}

	if n.cfg.WebhookURL == "" {
		zap.L().Warn("notify: no webhook configured, logging escalation",
			zap.String("subject", msg.Subject),
			zap.String("entity_id", msg.EntityID),
			zap.String("case_id", msg.CaseID),
			zap.Bool("requires_approval", msg.RequiresApproval),
		)
		return msg.ApprovalToken, nil
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		return "", eris.Wrap(err, "notify: marshal message")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.cfg.WebhookURL, bytes.NewReader(payload))
	if err != nil {
		return "", eris.Wrap(err, "notify: create webhook request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return "", eris.Wrap(err, "notify: webhook request")
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode >= 400 {
		return "", eris.Errorf("notify: webhook returned status %d", resp.StatusCode)
	}

	zap.L().Info("notify: message sent",
		zap.String("subject", msg.Subject),
		zap.String("case_id", msg.CaseID),
		zap.Bool("requires_approval", msg.RequiresApproval),
	)
	return msg.ApprovalToken, nil
}
