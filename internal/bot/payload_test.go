package bot

import (
	"errors"
	"testing"
)

func TestParsePayload(t *testing.T) {
	tests := []struct {
		name   string
		data   string
		action string
		want   int64
		ok     bool
	}{
		{"valid", "confirm_order:12345", "confirm_order", 12345, true},
		{"no id", "confirm_order", "confirm_order", 0, false},
		{"empty id", "confirm_order:", "confirm_order", 0, false},
		{"double separator", "confirm_order::", "confirm_order", 0, false},
		{"not a number", "confirm_order:abc", "confirm_order", 0, false},
		{"negative id", "confirm_order:-5", "confirm_order", 0, false},
		{"zero id", "confirm_order:0", "confirm_order", 0, false},
		{"extra part", "confirm_order:5:6", "confirm_order", 0, false},
		{"wrong action", "picked_up:5", "confirm_order", 0, false},
		{"action prefix only", "confirm_order_extra:5", "confirm_order", 0, false},
		{"empty data", "", "confirm_order", 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParsePayload(tt.data, tt.action)
			if tt.ok {
				if err != nil {
					t.Fatalf("ParsePayload(%q) error: %v", tt.data, err)
				}
				if got != tt.want {
					t.Fatalf("ParsePayload(%q) = %d, want %d", tt.data, got, tt.want)
				}
				return
			}
			if err == nil {
				t.Fatalf("ParsePayload(%q) = %d, expected error", tt.data, got)
			}
			if !errors.Is(err, ErrBadPayload) {
				t.Fatalf("error %v is not ErrBadPayload", err)
			}
		})
	}
}

func TestCallbackAction(t *testing.T) {
	if got := callbackAction("confirm_order:5"); got != "confirm_order" {
		t.Errorf("callbackAction = %q", got)
	}
	if got := callbackAction("noseparator"); got != "" {
		t.Errorf("callbackAction without separator = %q", got)
	}
	if got := callbackAction(":5"); got != "" {
		t.Errorf("callbackAction with empty action = %q", got)
	}
}
