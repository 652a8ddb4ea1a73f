package sessionfile

import (
	"github.com/openclaw/sksync/internal/skkeys"
	"github.com/openclaw/sksync/pkg/models"
)

// HashResolver resolves a "SK:TASKH:<hash>" routing label's hash to the
// externalId the reconciler previously discovered for it, typically backed
// by label-map.json.
type HashResolver interface {
	ResolveHash(hash string) (externalID string, ok bool)
}

// Binder resolves a transcript session's routing label into a
// SessionBinding, consulting the sessions.json index and, for hashed task
// labels, a HashResolver.
type Binder struct {
	Index    *Index
	HashMap  HashResolver
}

// NewBinder builds a Binder over idx. hashMap may be nil, in which case
// hashed-task labels never resolve (treated as BindingMissing).
func NewBinder(idx *Index, hashMap HashResolver) *Binder {
	return &Binder{Index: idx, HashMap: hashMap}
}

// Resolve returns the SessionBinding for (agentID, sessionID), or nil when
// the session is unindexed, carries no "SK:..." label, or (for a hashed
// label) the hash has not yet been resolved by the reconciler.
func (b *Binder) Resolve(sessionKey, agentID, sessionID string) (*models.SessionBinding, error) {
	entry, found, err := b.Index.Lookup(agentID, sessionID)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}

	routing := skkeys.ParseSkRoutingLabel(entry.Label)
	if routing == nil {
		return nil, nil
	}

	if routing.Direct {
		return &models.SessionBinding{
			SessionKey:       sessionKey,
			Label:            entry.Label,
			EntityType:       routing.EntityType,
			EntityExternalID: routing.EntityExternalID,
		}, nil
	}

	if routing.TaskHash && b.HashMap != nil {
		if externalID, ok := b.HashMap.ResolveHash(routing.Hash); ok {
			return &models.SessionBinding{
				SessionKey:       sessionKey,
				Label:            entry.Label,
				EntityType:       models.EntityTask,
				EntityExternalID: externalID,
			}, nil
		}
	}

	return nil, nil
}
