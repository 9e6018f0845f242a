package gateway

import (
	"context"

	"github.com/bulkwave/wacampaign-backend/internal/model"
)

// Transport sends a single message through a connected WhatsApp session.
// Any error is treated as retryable by the dispatch loop.
type Transport interface {
	Send(ctx context.Context, sessionName, phone, text string) error
}

// Directory resolves groups and contacts for a session and answers the
// questions behind the recipient exclusion filters.
type Directory interface {
	ResolveGroup(ctx context.Context, sessionName, groupID string) ([]model.Recipient, error)
	ResolveContacts(ctx context.Context, sessionName, selection string, ids []string) ([]model.Recipient, error)
	SaveContact(ctx context.Context, sessionName string, r model.Recipient) error
	MyContacts(ctx context.Context, sessionName string) ([]string, error)
	HasConversation(ctx context.Context, sessionName, phone string) (bool, error)
}
