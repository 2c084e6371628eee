package wasmruntime

import (
	"strings"
	"testing"
	"time"

	"github.com/edgehop/proxy/internal/event"
)

func TestFlattenPropertiesDropsArraysAndObjects(t *testing.T) {
	props := map[string]interface{}{
		"plan":    "pro",
		"seats":   float64(5),
		"nested":  map[string]interface{}{"a": 1},
		"tags":    []interface{}{"a", "b"},
		"products": []interface{}{map[string]interface{}{"sku": "x"}},
	}
	pairs := flattenProperties(props)
	seen := map[string]bool{}
	for _, p := range pairs {
		seen[p[0]] = true
	}
	if !seen["plan"] || !seen["seats"] {
		t.Errorf("expected scalar keys to survive, got %v", pairs)
	}
	if seen["nested"] || seen["tags"] || seen["products"] {
		t.Errorf("expected complex keys (incl. products) dropped from flat pairs, got %v", pairs)
	}
}

func TestExtractProductsBuildsListOfPairLists(t *testing.T) {
	props := map[string]interface{}{
		"products": []interface{}{
			map[string]interface{}{"sku": "a1", "price": float64(9.99)},
			map[string]interface{}{"sku": "a2"},
		},
	}
	out := extractProducts(props)
	if len(out) != 2 {
		t.Fatalf("expected 2 products, got %d", len(out))
	}
}

func TestExtractProductsAbsentIsNil(t *testing.T) {
	if got := extractProducts(map[string]interface{}{"plan": "pro"}); got != nil {
		t.Errorf("expected nil, got %v", got)
	}
}

func TestToABIUsesAnonymizedIPWhenProvided(t *testing.T) {
	e := &event.Event{
		UUID:      "u1",
		Timestamp: time.Now(),
		Type:      event.TypePage,
		Context:   event.Context{Client: event.Client{IP: "203.0.113.7"}},
	}
	raw, err := toABI(e, "203.0.113.0")
	if err != nil {
		t.Fatalf("toABI: %v", err)
	}
	if !strings.Contains(string(raw), `"ip":"203.0.113.0"`) {
		t.Errorf("expected anonymized ip in ABI payload, got %s", raw)
	}
}
