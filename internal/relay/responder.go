package relay

import (
	"strings"

	"github.com/tanvir/chatbridge/internal/models"
)

// Responder decides whether an inbound message gets an automatic reply.
// The dispatcher never sees this; swapping the strategy (keyword rules
// today, something smarter later) is invisible to the rest of the system.
type Responder interface {
	Reply(inbound *models.Message) (string, bool)
}

// KeywordResponder replies when the inbound text contains a configured
// keyword. Matching is case-insensitive; first rule wins.
type KeywordResponder struct {
	Rules []KeywordRule
}

type KeywordRule struct {
	Keyword string
	Reply   string
}

func (k *KeywordResponder) Reply(inbound *models.Message) (string, bool) {
	text := strings.ToLower(inbound.Text)
	for _, rule := range k.Rules {
		if rule.Keyword != "" && strings.Contains(text, strings.ToLower(rule.Keyword)) {
			return rule.Reply, true
		}
	}
	return "", false
}
