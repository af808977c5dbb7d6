package pagination

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/Sternrassler/customer-export/pkg/record"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.PageSize != 50 {
		t.Errorf("PageSize = %d, want 50", cfg.PageSize)
	}
	if cfg.Timeout != 15*time.Second {
		t.Errorf("Timeout = %v, want 15s", cfg.Timeout)
	}
}

func TestConfig_Normalize(t *testing.T) {
	cfg := Config{}.Normalize()
	if cfg != DefaultConfig() {
		t.Errorf("Normalize() = %+v, want %+v", cfg, DefaultConfig())
	}

	custom := Config{PageSize: 10, Timeout: time.Second}.Normalize()
	if custom.PageSize != 10 || custom.Timeout != time.Second {
		t.Errorf("Normalize() overwrote explicit values: %+v", custom)
	}
}

func TestPage_LastID(t *testing.T) {
	tests := []struct {
		name     string
		page     Page
		expected record.Cursor
	}{
		{name: "empty page", page: Page{}, expected: ""},
		{
			name:     "last record wins",
			page:     Page{Records: []record.Record{{ID: "123"}, {ID: "456"}}},
			expected: "456",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.page.LastID(); got != tt.expected {
				t.Errorf("LastID() = %q, want %q", got, tt.expected)
			}
		})
	}
}

func TestIsRateLimited(t *testing.T) {
	if !IsRateLimited(ErrRateLimited) {
		t.Error("ErrRateLimited should be rate limited")
	}
	if !IsRateLimited(fmt.Errorf("fetch page: %w", ErrRateLimited)) {
		t.Error("wrapped ErrRateLimited should be rate limited")
	}
	if IsRateLimited(errors.New("connection reset")) {
		t.Error("other errors should not be rate limited")
	}
	if IsRateLimited(nil) {
		t.Error("nil should not be rate limited")
	}
}
