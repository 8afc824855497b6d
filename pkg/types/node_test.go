package types

import (
	"testing"
)

func TestRouteReverse(t *testing.T) {
	route := Route{1, 2, 21, 3}
	rev := route.Reverse()

	want := Route{3, 21, 2, 1}
	for i := range want {
		if rev[i] != want[i] {
			t.Fatalf("Expected %v, got %v", want, rev)
		}
	}

	// The original must stay untouched
	if route[0] != 1 {
		t.Errorf("Reverse modified the receiver: %v", route)
	}

	if rev.Source() != 3 || rev.Destination() != 1 {
		t.Errorf("Unexpected endpoints %d/%d", rev.Source(), rev.Destination())
	}
}

func TestRouteTraverses(t *testing.T) {
	route := Route{1, 2, 21}

	tests := []struct {
		name string
		a, b NodeID
		want bool
	}{
		{"forward edge", 1, 2, true},
		{"backward edge", 21, 2, true},
		{"non adjacent", 1, 21, false},
		{"unknown node", 4, 2, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := route.Traverses(tt.a, tt.b); got != tt.want {
				t.Errorf("Traverses(%d, %d) = %v, want %v", tt.a, tt.b, got, tt.want)
			}
		})
	}
}

func TestParseNodeType(t *testing.T) {
	for _, nt := range []NodeType{Client, Server, Drone} {
		parsed, err := ParseNodeType(nt.String())
		if err != nil {
			t.Fatalf("Failed to parse %q: %v", nt, err)
		}
		if parsed != nt {
			t.Errorf("Expected %v, got %v", nt, parsed)
		}
	}

	if _, err := ParseNodeType("toaster"); err == nil {
		t.Error("Expected error for unknown node type")
	}
}
