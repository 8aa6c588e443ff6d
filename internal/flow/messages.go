package flow

import (
	"fmt"

	"github.com/BTreeMap/RemindPipe/internal/models"
)

// User-facing replies.
const (
	MsgRegisterFirst         = "Por favor, regístrate en la aplicación para poder ayudarte."
	MsgReminderConfirmed     = "¡Perfecto! Te lo recordaré sin falta."
	MsgReminderAlreadyGone   = "Ese recordatorio ya fue descartado anteriormente."
	MsgReminderDiscarded     = "¡No hay problema! Lo descarto."
	MsgReminderAlreadyActive = "Ese recordatorio ya está confirmado ✅"
	MsgReminderSaveFailed    = "No he podido guardar el recordatorio. Inténtalo de nuevo en un momento."
)

// ConfirmationText is the body of the accept/reject confirmation request.
func ConfirmationText(d models.ReminderDraft) string {
	return fmt.Sprintf("¿Quieres confirmar el recordatorio *%s* para el *%s* a las *%s*?",
		d.Text, d.DisplayDate(), d.DisplayHour())
}

// FallbackReminderText is sent when the renderer is unavailable.
func FallbackReminderText(name string, r models.Reminder) string {
	d := models.ReminderDraft{Text: r.Text, Date: r.Date, Hour: r.Hour}
	return fmt.Sprintf("⏰ ¡Hola %s! Te recuerdo: %s (%s a las %s).", name, r.Text, d.DisplayDate(), d.DisplayHour())
}
