package classifier

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"github.com/guardline/dlp/internal/models"
)

// Redaction methods applied by policy actions.
const (
	RedactFull             = "FULL"
	RedactPartial          = "PARTIAL"
	RedactMaskExceptLast4  = "MASK_EXCEPT_LAST4"
	RedactMaskExceptFirst4 = "MASK_EXCEPT_FIRST4"
	RedactHash             = "HASH"
)

// Redact rewrites value according to method. Unknown methods fall back to
// full redaction so sensitive content never leaks through a typo in policy.
func Redact(value, method string) string {
	switch method {
	case RedactPartial:
		if len(value) <= 8 {
			return strings.Repeat("*", len(value))
		}
		return value[:4] + strings.Repeat("*", len(value)-8) + value[len(value)-4:]
	case RedactMaskExceptLast4:
		if len(value) <= 4 {
			return value
		}
		return strings.Repeat("*", len(value)-4) + value[len(value)-4:]
	case RedactMaskExceptFirst4:
		if len(value) <= 4 {
			return value
		}
		return value[:4] + strings.Repeat("*", len(value)-4)
	case RedactHash:
		sum := sha256.Sum256([]byte(value))
		return fmt.Sprintf("[SHA256:%s]", hex.EncodeToString(sum[:8]))
	default:
		return "[REDACTED]"
	}
}

// RedactSpans replaces each span in content, working back to front so
// earlier offsets stay valid. Spans outside the content bounds are skipped.
func RedactSpans(content string, spans []models.Span, method string) string {
	sorted := make([]models.Span, len(spans))
	copy(sorted, spans)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Start < sorted[j].Start })

	out := content
	for i := len(sorted) - 1; i >= 0; i-- {
		s := sorted[i]
		if s.Start < 0 || s.End > len(out) || s.Start >= s.End {
			continue
		}
		out = out[:s.Start] + Redact(out[s.Start:s.End], method) + out[s.End:]
	}
	return out
}
