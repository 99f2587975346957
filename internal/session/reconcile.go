package session

import (
	"sort"

	"github.com/cyberq/chatbot/backend/internal/model/chat"
)

// mergeLog combines the store view with optimistic entries the store has not
// confirmed yet. Entries are ordered by CreatedAt; equal timestamps keep store
// entries first, then arrival order.
func mergeLog(remote, local []chat.Message) []chat.Message {
	seen := make(map[string]struct{}, len(remote)+len(local))
	out := make([]chat.Message, 0, len(remote)+len(local))
	for _, msg := range remote {
		if _, dup := seen[msg.ID]; dup {
			continue
		}
		seen[msg.ID] = struct{}{}
		out = append(out, msg)
	}
	for _, msg := range local {
		if _, dup := seen[msg.ID]; dup {
			continue
		}
		seen[msg.ID] = struct{}{}
		out = append(out, msg)
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// pruneConfirmed drops optimistic entries superseded by the store.
func pruneConfirmed(local, remote []chat.Message) []chat.Message {
	if len(local) == 0 || len(remote) == 0 {
		return local
	}
	confirmed := make(map[string]struct{}, len(remote))
	for _, msg := range remote {
		confirmed[msg.ID] = struct{}{}
	}

	kept := local[:0:0]
	for _, msg := range local {
		if _, ok := confirmed[msg.ID]; ok {
			continue
		}
		kept = append(kept, msg)
	}
	return kept
}
