package usecase

import (
	"fmt"
	"strings"

	"companion-agent/internal/domain"
)

// AnnotateWithUserContext appends a readable user-context note to the text
// bound for the remote thread. Callers persist the original text separately;
// the annotation never reaches the store.
func AnnotateWithUserContext(text string, uc *domain.UserContext) string {
	if uc.Empty() {
		return text
	}

	var b strings.Builder
	b.WriteString(text)
	b.WriteString("\n\n[User context]")
	if len(uc.Goals) > 0 {
		b.WriteString("\nGoals: ")
		b.WriteString(strings.Join(uc.Goals, "; "))
	}
	if len(uc.Constraints) > 0 {
		b.WriteString("\nConstraints: ")
		b.WriteString(strings.Join(uc.Constraints, "; "))
	}
	if loc := uc.Location; loc != nil {
		if note := locationNote(loc); note != "" {
			b.WriteString("\nLocation: ")
			b.WriteString(note)
		}
	}
	return b.String()
}

func locationNote(loc *domain.Location) string {
	switch {
	case loc.Address != "" && (loc.Latitude != 0 || loc.Longitude != 0):
		return fmt.Sprintf("%s (%.4f, %.4f)", loc.Address, loc.Latitude, loc.Longitude)
	case loc.Address != "":
		return loc.Address
	case loc.Latitude != 0 || loc.Longitude != 0:
		return fmt.Sprintf("%.4f, %.4f", loc.Latitude, loc.Longitude)
	}
	return ""
}
