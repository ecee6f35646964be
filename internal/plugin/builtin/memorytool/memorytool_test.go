package memorytool

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/voxa-ai/voxa/internal/memory"
	"github.com/voxa-ai/voxa/internal/plugin"
)

func newManager(t *testing.T) *memory.Manager {
	t.Helper()
	mgr := memory.NewManager(memory.NewMemStore())
	t.Cleanup(mgr.Close)
	return mgr
}

func handlerByName(t *testing.T, desc plugin.Descriptor, name string) plugin.Handler {
	t.Helper()
	for _, fn := range desc.Functions {
		if fn.Definition.Name == name {
			return fn.Handler
		}
	}
	t.Fatalf("no function %q in plugin %q", name, desc.Name)
	return nil
}

func TestRememberThenRecall(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	desc := NewPlugin(newManager(t))
	remember := handlerByName(t, desc, "remember_fact")
	recall := handlerByName(t, desc, "recall_facts")

	if _, err := remember(ctx, plugin.Call{
		UserID: "u1",
		Args:   `{"text":"The user's cat is called Misha","importance":0.9}`,
	}); err != nil {
		t.Fatalf("remember: %v", err)
	}

	out, err := recall(ctx, plugin.Call{UserID: "u1", Args: `{"query":"cat"}`})
	if err != nil {
		t.Fatalf("recall: %v", err)
	}

	var result struct {
		Facts []struct {
			Text       string  `json:"text"`
			Importance float64 `json:"importance"`
		} `json:"facts"`
	}
	if err := json.Unmarshal([]byte(out), &result); err != nil {
		t.Fatalf("decode output: %v", err)
	}
	if len(result.Facts) != 1 || result.Facts[0].Text != "The user's cat is called Misha" {
		t.Fatalf("facts = %+v", result.Facts)
	}
}

func TestRecall_ScopedToCaller(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	desc := NewPlugin(newManager(t))
	remember := handlerByName(t, desc, "remember_fact")
	recall := handlerByName(t, desc, "recall_facts")

	if _, err := remember(ctx, plugin.Call{
		UserID: "u1",
		Args:   `{"text":"u1 lives in Warsaw"}`,
	}); err != nil {
		t.Fatalf("remember: %v", err)
	}

	out, err := recall(ctx, plugin.Call{UserID: "u2", Args: `{"query":"Warsaw"}`})
	if err != nil {
		t.Fatalf("recall: %v", err)
	}

	var result struct {
		Facts []json.RawMessage `json:"facts"`
	}
	if err := json.Unmarshal([]byte(out), &result); err != nil {
		t.Fatalf("decode output: %v", err)
	}
	if len(result.Facts) != 0 {
		t.Fatalf("u2 sees u1's facts: %s", out)
	}
}

func TestRemember_RejectsEmptyText(t *testing.T) {
	t.Parallel()
	desc := NewPlugin(newManager(t))
	remember := handlerByName(t, desc, "remember_fact")

	if _, err := remember(context.Background(), plugin.Call{UserID: "u1", Args: `{"text":""}`}); err == nil {
		t.Fatal("empty fact accepted")
	}
}
