package cloudapi

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/BTreeMap/RemindPipe/internal/models"
)

// SignatureHeader carries the HMAC-SHA256 of the webhook body.
const SignatureHeader = "X-Hub-Signature-256"

// WebhookPayload is the body of a Cloud API webhook delivery.
type WebhookPayload struct {
	Object string  `json:"object"`
	Entry  []Entry `json:"entry"`
}

// Entry groups the changes of one business account.
type Entry struct {
	ID      string   `json:"id"`
	Changes []Change `json:"changes"`
}

// Change is one notification inside an entry.
type Change struct {
	Field string      `json:"field"`
	Value ChangeValue `json:"value"`
}

// ChangeValue holds inbound messages and outbound delivery statuses.
type ChangeValue struct {
	MessagingProduct string    `json:"messaging_product"`
	Messages         []Message `json:"messages"`
	Statuses         []Status  `json:"statuses"`
}

// Message is an inbound user message.
type Message struct {
	From        string       `json:"from"`
	ID          string       `json:"id"`
	Timestamp   string       `json:"timestamp"`
	Type        string       `json:"type"`
	Text        *Text        `json:"text,omitempty"`
	Interactive *Interactive `json:"interactive,omitempty"`
}

// Text is the content of a text message.
type Text struct {
	Body string `json:"body"`
}

// Interactive is the content of a reply to an interactive message.
type Interactive struct {
	Type        string       `json:"type"`
	ButtonReply *ButtonReply `json:"button_reply,omitempty"`
}

// ButtonReply identifies the pressed reply button.
type ButtonReply struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

// Status is a delivery status update for an outbound message.
type Status struct {
	ID          string `json:"id"`
	Status      string `json:"status"`
	RecipientID string `json:"recipient_id"`
}

// VerifySignature checks the X-Hub-Signature-256 header ("sha256=<hex>")
// against the app secret.
func VerifySignature(appSecret string, body []byte, header string) bool {
	sig, ok := strings.CutPrefix(header, "sha256=")
	if !ok {
		return false
	}
	got, err := hex.DecodeString(sig)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(appSecret))
	mac.Write(body)
	return hmac.Equal(got, mac.Sum(nil))
}

// ParseWebhook decodes a webhook delivery into inbound events.
//
// Within each change, messages are grouped by sender. When a sender's last
// message is a button reply it becomes a single button event; otherwise the
// sender's text messages are joined with a space into one text event. The
// event carries the id and timestamp of the sender's last message.
func ParseWebhook(body []byte) ([]models.InboundEvent, error) {
	var payload WebhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("decode webhook: %w", err)
	}

	var out []models.InboundEvent
	for _, entry := range payload.Entry {
		for _, change := range entry.Changes {
			for _, st := range change.Value.Statuses {
				slog.Debug("cloudapi.ParseWebhook: status update", "messageID", st.ID, "status", st.Status)
			}
			out = append(out, groupBySender(change.Value.Messages)...)
		}
	}
	return out, nil
}

func groupBySender(msgs []Message) []models.InboundEvent {
	var order []string
	bySender := make(map[string][]Message)
	for _, m := range msgs {
		if m.From == "" {
			continue
		}
		if _, seen := bySender[m.From]; !seen {
			order = append(order, m.From)
		}
		bySender[m.From] = append(bySender[m.From], m)
	}

	var out []models.InboundEvent
	for _, sender := range order {
		group := bySender[sender]
		last := group[len(group)-1]
		ev := models.InboundEvent{
			SenderID:  sender,
			MessageID: last.ID,
			Timestamp: parseTimestamp(last.Timestamp),
		}

		if last.Type == "interactive" {
			if last.Interactive == nil || last.Interactive.ButtonReply == nil {
				slog.Debug("cloudapi.ParseWebhook: ignoring interactive message without button reply", "senderID", sender)
				continue
			}
			ev.Kind = models.MessageKindButton
			ev.ButtonID = last.Interactive.ButtonReply.ID
			out = append(out, ev)
			continue
		}

		var parts []string
		for _, m := range group {
			if m.Type == "text" && m.Text != nil && strings.TrimSpace(m.Text.Body) != "" {
				parts = append(parts, m.Text.Body)
			}
		}
		if len(parts) == 0 {
			slog.Debug("cloudapi.ParseWebhook: ignoring non-text messages", "senderID", sender, "count", len(group))
			continue
		}
		ev.Kind = models.MessageKindText
		ev.Text = strings.Join(parts, " ")
		out = append(out, ev)
	}
	return out
}

func parseTimestamp(s string) time.Time {
	sec, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Now().UTC()
	}
	return time.Unix(sec, 0).UTC()
}
