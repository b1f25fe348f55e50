package dispatch

import (
	"context"
)

// ModelEntry is one row of the aggregated /v1/models response.
type ModelEntry struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}

// ModelsResponse is the OpenAI-shaped list envelope.
type ModelsResponse struct {
	Object string       `json:"object"`
	Data   []ModelEntry `json:"data"`
}

// AggregateModels walks every backend visible to group, probes its model
// identity, and returns one entry per distinct model id — keeping the
// earliest Created timestamp seen for duplicates, since the same model is
// typically hosted on more than one backend.
func (d *Dispatcher) AggregateModels(ctx context.Context, group string) ModelsResponse {
	byID := make(map[string]int64)
	var order []string

	for _, b := range d.Registry.List() {
		if !b.AllowsGroup(group) {
			continue
		}
		desc, ok := d.Prober.Model(ctx, b.URL)
		if !ok {
			continue
		}
		created, seen := byID[desc.ID]
		if !seen {
			order = append(order, desc.ID)
			byID[desc.ID] = desc.Created
			continue
		}
		if desc.Created < created {
			byID[desc.ID] = desc.Created
		}
	}

	entries := make([]ModelEntry, 0, len(order))
	for _, id := range order {
		entries = append(entries, ModelEntry{
			ID:      id,
			Object:  "model",
			Created: byID[id],
			OwnedBy: d.ModelOwner,
		})
	}
	return ModelsResponse{Object: "list", Data: entries}
}
