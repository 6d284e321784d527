package httpserver

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

type testTicketPayload struct {
	Scope     string `json:"scope" validate:"required"`
	ID        string `json:"id" validate:"required"`
	ExpiresAt string `json:"expires_at" validate:"required"`
}

func TestDecode(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		wantErr bool
		errMsg  string
	}{
		{
			name:    "valid JSON",
			body:    `{"scope":"vm","id":"A","expires_at":"2026-01-01T00:00:00Z"}`,
			wantErr: false,
		},
		{
			name:    "empty body",
			body:    "",
			wantErr: true,
			errMsg:  "request body is empty",
		},
		{
			name:    "invalid JSON",
			body:    `{invalid}`,
			wantErr: true,
			errMsg:  "invalid JSON",
		},
		{
			name:    "unknown field",
			body:    `{"scope":"vm","id":"A","expires_at":"2026-01-01T00:00:00Z","unknown":"field"}`,
			wantErr: true,
			errMsg:  "invalid JSON",
		},
		{
			name:    "trailing data",
			body:    `{"scope":"vm","id":"A","expires_at":"2026-01-01T00:00:00Z"}{"extra":true}`,
			wantErr: true,
			errMsg:  "request body must contain a single JSON object",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(tt.body))
			var p testTicketPayload
			err := Decode(r, &p)
			if (err != nil) != tt.wantErr {
				t.Errorf("Decode() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if tt.wantErr && tt.errMsg != "" && !strings.Contains(err.Error(), tt.errMsg) {
				t.Errorf("Decode() error = %q, want substring %q", err.Error(), tt.errMsg)
			}
		})
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name      string
		payload   testTicketPayload
		wantField string
	}{
		{
			name:    "valid",
			payload: testTicketPayload{Scope: "vm", ID: "A", ExpiresAt: "2026-01-01T00:00:00Z"},
		},
		{
			name:      "missing scope",
			payload:   testTicketPayload{ID: "A", ExpiresAt: "2026-01-01T00:00:00Z"},
			wantField: "scope",
		},
		{
			name:      "missing id",
			payload:   testTicketPayload{Scope: "vm", ExpiresAt: "2026-01-01T00:00:00Z"},
			wantField: "id",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			errs := Validate(tt.payload)
			if tt.wantField == "" {
				if len(errs) != 0 {
					t.Errorf("Validate() = %v, want no errors", errs)
				}
				return
			}
			found := false
			for _, e := range errs {
				if e.Field == tt.wantField {
					found = true
				}
			}
			if !found {
				t.Errorf("Validate() = %v, want error on field %q", errs, tt.wantField)
			}
		})
	}
}
