package flow

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/BTreeMap/RemindPipe/internal/models"
)

var weekdaysES = [...]string{"domingo", "lunes", "martes", "miércoles", "jueves", "viernes", "sábado"}

// ResolveLocation loads an IANA timezone, falling back to UTC with a warning.
func ResolveLocation(name string) *time.Location {
	name = strings.TrimSpace(name)
	if name == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		slog.Warn("flow.ResolveLocation: unknown timezone, using UTC", "timezone", name, "error", err)
		return time.UTC
	}
	return loc
}

// LocalInstant combines a user-local calendar date and wall-clock hour into an
// absolute instant in loc.
func LocalInstant(date, hour string, loc *time.Location) (time.Time, error) {
	d, err := models.ParseDate(date)
	if err != nil {
		return time.Time{}, err
	}
	h, m, err := models.ParseHour(hour)
	if err != nil {
		return time.Time{}, err
	}
	return time.Date(d.Year(), d.Month(), d.Day(), h, m, 0, 0, loc), nil
}

// TodayReference formats now for the extractor, e.g. "jueves 15/10/2026 10:30 (Europe/Madrid)".
func TodayReference(now time.Time) string {
	return fmt.Sprintf("%s %s %s (%s)",
		weekdaysES[now.Weekday()], now.Format(models.DisplayDateLayout), now.Format(models.HourLayout), now.Location())
}

// RelativeDay returns "hoy" or "mañana" when date falls on now's day or the
// following one, and "" otherwise.
func RelativeDay(date string, now time.Time) string {
	d, err := models.ParseDate(date)
	if err != nil {
		return ""
	}
	y, m, day := now.Date()
	today := time.Date(y, m, day, 0, 0, 0, 0, time.UTC)
	target := time.Date(d.Year(), d.Month(), d.Day(), 0, 0, 0, 0, time.UTC)
	switch target.Sub(today) {
	case 0:
		return "hoy"
	case 24 * time.Hour:
		return "mañana"
	default:
		return ""
	}
}
