package flow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/BTreeMap/RemindPipe/internal/genai"
	"github.com/BTreeMap/RemindPipe/internal/models"
	"github.com/openai/openai-go"
)

// MaxStructuredAttempts is how many times a bot asks again after an invalid answer.
const MaxStructuredAttempts = 3

// Compile-time checks that the bots implement their capabilities.
var (
	_ IntentClassifier  = (*ClassifierBot)(nil)
	_ GeneralResponder  = (*GeneralBot)(nil)
	_ ReminderExtractor = (*ReminderBot)(nil)
	_ MessageRenderer   = (*ReminderMessageBot)(nil)
)

// toChatMessages converts session history to chat messages after a system prompt.
func toChatMessages(system string, history []models.ConversationMessage) []openai.ChatCompletionMessageParamUnion {
	msgs := make([]openai.ChatCompletionMessageParamUnion, 0, len(history)+1)
	msgs = append(msgs, openai.SystemMessage(system))
	for _, m := range history {
		switch m.Role {
		case models.RoleAssistant:
			msgs = append(msgs, openai.AssistantMessage(m.Content))
		default:
			msgs = append(msgs, openai.UserMessage(m.Content))
		}
	}
	return msgs
}

// generateValidated asks for schema-conforming JSON until validate accepts it.
// A rejected answer is fed back to the model as a correction.
func generateValidated(ctx context.Context, client genai.ClientInterface, msgs []openai.ChatCompletionMessageParamUnion, schema genai.Schema, out interface{}, validate func() error) error {
	var lastErr error
	for attempt := 1; attempt <= MaxStructuredAttempts; attempt++ {
		err := client.GenerateJSON(ctx, msgs, schema, out)
		if err == nil {
			if err = validate(); err == nil {
				return nil
			}
			msgs = append(msgs, openai.UserMessage("La respuesta anterior no es válida ("+err.Error()+"). Corrígela."))
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		lastErr = err
		slog.Warn("flow.generateValidated: invalid model answer", "schema", schema.Name, "attempt", attempt, "error", err)
	}
	return fmt.Errorf("%s: no valid answer after %d attempts: %w", schema.Name, MaxStructuredAttempts, lastErr)
}

// ClassifierBot classifies intents with a strict enum schema.
type ClassifierBot struct {
	client genai.ClientInterface
}

// NewClassifierBot creates a ClassifierBot.
func NewClassifierBot(client genai.ClientInterface) *ClassifierBot {
	return &ClassifierBot{client: client}
}

var intentSchema = genai.Schema{
	Name:        "intent_decision",
	Description: "Intent of the latest user message",
	Definition: map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"intent": map[string]interface{}{
				"type": "string",
				"enum": models.IntentNames(),
			},
		},
		"required":             []string{"intent"},
		"additionalProperties": false,
	},
}

// Classify returns the intent of the latest message in history.
func (b *ClassifierBot) Classify(ctx context.Context, history []models.ConversationMessage) (models.Intent, error) {
	var out struct {
		Intent string `json:"intent"`
	}
	var intent models.Intent
	err := generateValidated(ctx, b.client, toChatMessages(classifierSystemPrompt, history), intentSchema, &out, func() error {
		var perr error
		intent, perr = models.ParseIntent(out.Intent)
		return perr
	})
	if err != nil {
		return models.IntentUnknown, err
	}
	return intent, nil
}

// GeneralBot answers general questions.
type GeneralBot struct {
	client genai.ClientInterface
}

// NewGeneralBot creates a GeneralBot.
func NewGeneralBot(client genai.ClientInterface) *GeneralBot {
	return &GeneralBot{client: client}
}

// Respond answers the latest message with the user's profile in context.
func (b *GeneralBot) Respond(ctx context.Context, user *models.User, history []models.ConversationMessage) (string, error) {
	name := strings.TrimSpace(user.Name + " " + user.Surname)
	system := fmt.Sprintf(generalSystemPrompt, name, orDash(user.Email), orDash(user.ChannelID))
	reply, err := b.client.GenerateWithMessages(ctx, toChatMessages(system, history))
	if err != nil {
		return "", err
	}
	reply = strings.TrimSpace(reply)
	if reply == "" {
		return "", errors.New("empty reply")
	}
	return reply, nil
}

// ReminderBot extracts reminder drafts.
type ReminderBot struct {
	client genai.ClientInterface
}

// NewReminderBot creates a ReminderBot.
func NewReminderBot(client genai.ClientInterface) *ReminderBot {
	return &ReminderBot{client: client}
}

var reminderSchema = genai.Schema{
	Name:        "reminder_draft",
	Description: "Reminder extracted from the conversation",
	Definition: map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"reply":                map[string]interface{}{"type": "string"},
			"reminder_text":        map[string]interface{}{"type": "string"},
			"reminder_date":        map[string]interface{}{"type": []string{"string", "null"}},
			"reminder_hour":        map[string]interface{}{"type": []string{"string", "null"}},
			"reminder_is_complete": map[string]interface{}{"type": "boolean"},
		},
		"required":             []string{"reply", "reminder_text", "reminder_date", "reminder_hour", "reminder_is_complete"},
		"additionalProperties": false,
	},
}

type reminderAnswer struct {
	Reply      string  `json:"reply"`
	Text       string  `json:"reminder_text"`
	Date       *string `json:"reminder_date"`
	Hour       *string `json:"reminder_hour"`
	IsComplete bool    `json:"reminder_is_complete"`
}

func (a reminderAnswer) draft(senderID string) models.ReminderDraft {
	d := models.ReminderDraft{SenderID: senderID, Text: strings.TrimSpace(a.Text), IsComplete: a.IsComplete}
	if a.Date != nil {
		d.Date = strings.TrimSpace(*a.Date)
	}
	if a.Hour != nil {
		d.Hour = strings.TrimSpace(*a.Hour)
	}
	return d
}

// Extract builds a draft from the conversation. A draft reported complete is
// checked for a valid, future date and hour before it is accepted.
func (b *ReminderBot) Extract(ctx context.Context, req ExtractionRequest) (Extraction, error) {
	system := fmt.Sprintf(reminderSystemPrompt, TodayReference(req.Now))
	var out reminderAnswer
	var result Extraction
	err := generateValidated(ctx, b.client, toChatMessages(system, req.History), reminderSchema, &out, func() error {
		d := out.draft(req.SenderID)
		if !d.IsComplete {
			if strings.TrimSpace(out.Reply) == "" {
				return errors.New("incomplete reminder needs a question in reply")
			}
			result = Extraction{Reply: strings.TrimSpace(out.Reply), Draft: d}
			return nil
		}
		if err := d.Validate(); err != nil {
			return err
		}
		at, err := LocalInstant(d.Date, d.Hour, req.Now.Location())
		if err != nil {
			return err
		}
		if !at.After(req.Now) {
			return fmt.Errorf("reminder time %s is not in the future", at.Format("2006-01-02 15:04"))
		}
		d.Hour = d.DisplayHour()
		result = Extraction{Reply: strings.TrimSpace(out.Reply), Draft: d}
		return nil
	})
	if err != nil {
		return Extraction{}, err
	}
	return result, nil
}

// ReminderMessageBot phrases due reminders.
type ReminderMessageBot struct {
	client genai.ClientInterface
}

// NewReminderMessageBot creates a ReminderMessageBot.
func NewReminderMessageBot(client genai.ClientInterface) *ReminderMessageBot {
	return &ReminderMessageBot{client: client}
}

// Render writes a personalized reminder text.
func (b *ReminderMessageBot) Render(ctx context.Context, req RenderRequest) (string, error) {
	d := models.ReminderDraft{Text: req.Text, Date: req.Date, Hour: req.Hour}
	rel := ""
	if day := RelativeDay(req.Date, req.Now); day != "" {
		rel = " (" + day + ")"
	}
	user := fmt.Sprintf(renderUserPrompt, req.Name, req.Text, d.DisplayDate(), rel, d.DisplayHour())
	body, err := b.client.GeneratePromptWithContext(ctx, renderSystemPrompt, user)
	if err != nil {
		return "", err
	}
	body = strings.TrimSpace(body)
	if body == "" {
		return "", errors.New("empty reminder message")
	}
	return body, nil
}

func orDash(s string) string {
	if strings.TrimSpace(s) == "" {
		return "-"
	}
	return s
}

