package search

import (
	"context"
	"net/url"
)

const unrealForumsSearchURL = "https://forums.unrealengine.com/search?q="

// UnrealForums links to a forum search for Unreal projects. The forums have
// no public search API, so it returns a single manual-search link.
type UnrealForums struct{}

// Name implements Collaborator.
func (UnrealForums) Name() string { return "unreal_forums" }

// Accepts implements Gated.
func (UnrealForums) Accepts(q Query) bool { return q.Engine == EngineUnreal }

// Search implements Collaborator.
func (UnrealForums) Search(ctx context.Context, q Query) ([]RawResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return []RawResult{{
		Title: "Unreal Engine Forums: " + q.Text,
		URL:   unrealForumsSearchURL + url.QueryEscape(q.Text),
		Extra: map[string]any{"note": "Manual search recommended"},
	}}, nil
}
