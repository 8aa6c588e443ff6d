package flow

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/BTreeMap/RemindPipe/internal/genai"
	"github.com/BTreeMap/RemindPipe/internal/models"
	"github.com/openai/openai-go"
)

func systemText(msgs []openai.ChatCompletionMessageParamUnion) string {
	if len(msgs) == 0 || msgs[0].OfSystem == nil {
		return ""
	}
	return msgs[0].OfSystem.Content.OfString.Value
}

func userText(m openai.ChatCompletionMessageParamUnion) string {
	if m.OfUser == nil {
		return ""
	}
	return m.OfUser.Content.OfString.Value
}

func TestClassifierBot_ReasksOnInvalidIntent(t *testing.T) {
	client := &genai.MockClient{Responses: []string{`{"intent":"chitchat"}`, `{"intent":"reminder"}`}}
	bot := NewClassifierBot(client)

	history := []models.ConversationMessage{{Role: models.RoleUser, Content: "Recuérdame comprar pan"}}
	intent, err := bot.Classify(context.Background(), history)
	if err != nil {
		t.Fatalf("Classify failed: %v", err)
	}
	if intent != models.IntentReminder {
		t.Errorf("intent = %s, want reminder", intent)
	}
	if len(client.Calls) != 2 {
		t.Fatalf("expected 2 calls, got %d", len(client.Calls))
	}
	retry := client.Calls[1]
	if !strings.Contains(userText(retry[len(retry)-1]), "no es válida") {
		t.Error("retry should carry a correction message")
	}
}

func TestClassifierBot_GivesUpAfterMaxAttempts(t *testing.T) {
	client := &genai.MockClient{Responses: []string{`{"intent":"???"}`}}
	_, err := NewClassifierBot(client).Classify(context.Background(), nil)
	if err == nil {
		t.Fatal("expected error")
	}
	if len(client.Calls) != MaxStructuredAttempts {
		t.Errorf("expected %d attempts, got %d", MaxStructuredAttempts, len(client.Calls))
	}
}

func TestClassifierBot_ModelError(t *testing.T) {
	client := &genai.MockClient{Err: errModelDown}
	if _, err := NewClassifierBot(client).Classify(context.Background(), nil); err == nil {
		t.Fatal("expected error")
	}
}

func TestGeneralBot_IncludesProfile(t *testing.T) {
	client := &genai.MockClient{Responses: []string{"  París.  "}}
	user := &models.User{ChannelID: "34600111222", Name: "Ana", Surname: "García", Email: "ana@example.com"}
	history := []models.ConversationMessage{
		{Role: models.RoleUser, Content: "hola"},
		{Role: models.RoleAssistant, Content: "¡Hola!"},
		{Role: models.RoleUser, Content: "¿Capital de Francia?"},
	}
	reply, err := NewGeneralBot(client).Respond(context.Background(), user, history)
	if err != nil {
		t.Fatalf("Respond failed: %v", err)
	}
	if reply != "París." {
		t.Errorf("reply = %q", reply)
	}
	msgs := client.Calls[0]
	if len(msgs) != 4 || msgs[2].OfAssistant == nil {
		t.Fatalf("history not mapped to roles: %d messages", len(msgs))
	}
	sys := systemText(msgs)
	for _, want := range []string{"Ana García", "ana@example.com", "34600111222"} {
		if !strings.Contains(sys, want) {
			t.Errorf("system prompt missing %q", want)
		}
	}
}

func TestReminderBot_Extract(t *testing.T) {
	madrid := ResolveLocation("Europe/Madrid")
	now := time.Date(2026, 10, 13, 12, 0, 0, 0, madrid)
	req := ExtractionRequest{
		SenderID: "S1",
		History:  []models.ConversationMessage{{Role: models.RoleUser, Content: "Recuérdame comprar pan el jueves"}},
		Now:      now,
	}

	tests := []struct {
		name      string
		responses []string
		wantCalls int
		wantErr   bool
		check     func(t *testing.T, ex Extraction)
	}{
		{
			name:      "incomplete asks a question",
			responses: []string{`{"reply":"¿A qué hora?","reminder_text":"comprar pan","reminder_date":"2026-10-15","reminder_hour":null,"reminder_is_complete":false}`},
			wantCalls: 1,
			check: func(t *testing.T, ex Extraction) {
				if ex.Draft.IsComplete || ex.Reply != "¿A qué hora?" || ex.Draft.Hour != "" || ex.Draft.Date != "2026-10-15" {
					t.Errorf("unexpected extraction: %+v", ex)
				}
			},
		},
		{
			name:      "complete draft normalizes hour",
			responses: []string{`{"reply":"ok","reminder_text":"comprar pan","reminder_date":"2026-10-15","reminder_hour":"9:30","reminder_is_complete":true}`},
			wantCalls: 1,
			check: func(t *testing.T, ex Extraction) {
				if !ex.Draft.IsComplete || ex.Draft.Hour != "09:30" || ex.Draft.SenderID != "S1" {
					t.Errorf("unexpected draft: %+v", ex.Draft)
				}
			},
		},
		{
			name: "past time is re-asked",
			responses: []string{
				`{"reply":"ok","reminder_text":"comprar pan","reminder_date":"2026-10-13","reminder_hour":"08:00","reminder_is_complete":true}`,
				`{"reply":"ok","reminder_text":"comprar pan","reminder_date":"2026-10-15","reminder_hour":"08:00","reminder_is_complete":true}`,
			},
			wantCalls: 2,
			check: func(t *testing.T, ex Extraction) {
				if ex.Draft.Date != "2026-10-15" {
					t.Errorf("expected corrected date, got %+v", ex.Draft)
				}
			},
		},
		{
			name:      "complete without hour fails",
			responses: []string{`{"reply":"","reminder_text":"comprar pan","reminder_date":"2026-10-15","reminder_hour":null,"reminder_is_complete":true}`},
			wantCalls: MaxStructuredAttempts,
			wantErr:   true,
		},
		{
			name:      "incomplete without question fails",
			responses: []string{`{"reply":" ","reminder_text":"","reminder_date":null,"reminder_hour":null,"reminder_is_complete":false}`},
			wantCalls: MaxStructuredAttempts,
			wantErr:   true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := &genai.MockClient{Responses: tt.responses}
			ex, err := NewReminderBot(client).Extract(context.Background(), req)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if len(client.Calls) != tt.wantCalls {
				t.Errorf("calls = %d, want %d", len(client.Calls), tt.wantCalls)
			}
			if tt.check != nil {
				tt.check(t, ex)
			}
			if !strings.Contains(systemText(client.Calls[0]), "13/10/2026") {
				t.Error("system prompt must carry today's date")
			}
		})
	}
}

func TestReminderMessageBot_Render(t *testing.T) {
	client := &genai.MockClient{Responses: []string{"⏰ ¡Ana! Mañana a las 12:30: comprar pan."}}
	now := time.Date(2026, 10, 14, 20, 0, 0, 0, ResolveLocation("Europe/Madrid"))
	body, err := NewReminderMessageBot(client).Render(context.Background(), RenderRequest{
		Name: "Ana", Text: "comprar pan", Date: "2026-10-15", Hour: "12:30", Now: now,
	})
	if err != nil {
		t.Fatalf("Render failed: %v", err)
	}
	if body == "" {
		t.Fatal("empty body")
	}
	prompt := userText(client.Calls[0][1])
	for _, want := range []string{"Ana", "comprar pan", "15/10/2026 (mañana)", "12:30"} {
		if !strings.Contains(prompt, want) {
			t.Errorf("prompt %q missing %q", prompt, want)
		}
	}
}

func TestReminderMessageBot_EmptyIsError(t *testing.T) {
	client := &genai.MockClient{Responses: []string{"   "}}
	if _, err := NewReminderMessageBot(client).Render(context.Background(), RenderRequest{Name: "Ana"}); err == nil {
		t.Error("expected error for empty rendering")
	}
}
