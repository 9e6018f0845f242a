package composer

import (
	"math/rand"
	"regexp"
	"strings"

	"github.com/bulkwave/wacampaign-backend/internal/apperrors"
	"github.com/bulkwave/wacampaign-backend/internal/model"
)

var tokenPattern = regexp.MustCompile(`\{([^{}]+)\}`)

// Compose produces the final text for one recipient. Single mode always uses
// the first sample; multiple mode picks one uniformly at random per recipient.
func Compose(mode string, samples []string, r model.Recipient) (string, error) {
	if len(samples) == 0 {
		return "", apperrors.NewValidation("message_samples", "at least one sample is required")
	}

	template := samples[0]
	if mode == model.ModeMultiple && len(samples) > 1 {
		template = samples[rand.Intn(len(samples))]
	}

	return Render(template, r), nil
}

// Render substitutes every {key} token from the recipient's variable map.
// Key matching is case-insensitive; `name` and `phone` are always available.
// Unmatched tokens are left verbatim.
func Render(template string, r model.Recipient) string {
	vars := make(map[string]string, len(r.Vars)+2)
	for k, v := range r.Vars {
		vars[strings.ToLower(strings.TrimSpace(k))] = v
	}
	if _, ok := vars["name"]; !ok {
		vars["name"] = r.Name
	}
	if _, ok := vars["phone"]; !ok {
		vars["phone"] = r.Phone
	}

	return tokenPattern.ReplaceAllStringFunc(template, func(token string) string {
		key := strings.ToLower(strings.TrimSpace(token[1 : len(token)-1]))
		if v, ok := vars[key]; ok {
			return v
		}
		return token
	})
}
