package messagequeue

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/planloom/planloom/internal/domain/event"
)

// Validate checks whether data is valid JSON conforming to the schema
// associated with the given subject. Unknown subjects pass validation
// (future-proof for new message types).
func Validate(subject string, data []byte) error {
	if !json.Valid(data) {
		return fmt.Errorf("invalid JSON on subject %s", subject)
	}

	if strings.HasPrefix(subject, SubjectSessionEvents+".") {
		var ev event.Event
		if err := json.Unmarshal(data, &ev); err != nil {
			return fmt.Errorf("schema validation failed for %s: %w", subject, err)
		}
		if ev.Type == "" || ev.SessionID == "" {
			return fmt.Errorf("schema validation failed for %s: missing type or session_id", subject)
		}
		return nil
	}

	return nil
}
