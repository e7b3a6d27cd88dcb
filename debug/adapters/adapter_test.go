package adapters

import (
	"strings"
	"testing"
)

func TestDetectType(t *testing.T) {
	tests := []struct {
		program string
		want    Type
		wantErr bool
	}{
		{"/tmp/a.py", TypePython, false},
		{"/tmp/a.js", TypeNodeJS, false},
		{"/tmp/a.ts", TypeNodeJS, false},
		{"/tmp/a.mjs", TypeNodeJS, false},
		{"/tmp/a.cjs", TypeNodeJS, false},
		{"/tmp/a.tsx", TypeNodeJS, false},
		{"/tmp/a.jsx", TypeNodeJS, false},
		{"/tmp/a.txt", "", true},
		{"/tmp/a.rs", "", true},
		{"", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.program, func(t *testing.T) {
			got, err := DetectType(tt.program)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error for %q", tt.program)
				}
				if !strings.Contains(err.Error(), "Cannot auto-detect") {
					t.Errorf("unexpected error text: %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("DetectType(%q): %v", tt.program, err)
			}
			if got != tt.want {
				t.Errorf("DetectType(%q) = %s, want %s", tt.program, got, tt.want)
			}
		})
	}
}

func TestRegistryCreate(t *testing.T) {
	r := NewRegistry()

	for _, typ := range []Type{TypePython, TypeNodeJS} {
		adapter, err := r.Create(typ)
		if err != nil {
			t.Fatalf("Create(%s): %v", typ, err)
		}
		if adapter.Type() != typ {
			t.Errorf("adapter type mismatch: %s != %s", adapter.Type(), typ)
		}
	}

	_, err := r.Create("ruby")
	if err == nil {
		t.Fatal("expected error for unregistered type")
	}
	if !strings.Contains(err.Error(), "Unknown adapter type") {
		t.Errorf("unexpected error text: %v", err)
	}
}

func TestRegistryCustomFactory(t *testing.T) {
	r := NewRegistry()
	r.Register("custom", func() Adapter { return NewNodeJSAdapter() })

	if _, err := r.Create("custom"); err != nil {
		t.Fatalf("Create(custom): %v", err)
	}

	available := r.Available()
	if len(available) != 3 {
		t.Errorf("expected 3 registered types, got %v", available)
	}
}
