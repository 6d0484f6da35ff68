package sanitize

import (
	"errors"
	"testing"
)

func TestValidatePath(t *testing.T) {
	tests := []struct {
		name        string
		path        string
		allowedRoot string
		wantErr     error
	}{
		{
			name:    "empty path",
			path:    "",
			wantErr: ErrEmptyPath,
		},
		{
			name:    "simple relative path",
			path:    "foo/bar",
			wantErr: nil,
		},
		{
			name:    "simple absolute path",
			path:    "/tmp/test",
			wantErr: nil,
		},
		{
			name:    "traversal attack - simple",
			path:    "../etc/passwd",
			wantErr: ErrPathTraversal,
		},
		{
			name:    "traversal attack - middle",
			path:    "foo/../../../etc/passwd",
			wantErr: ErrPathTraversal,
		},
		{
			name:    "traversal attack - double dots at end",
			path:    "foo/bar/..",
			wantErr: ErrPathTraversal,
		},
		{
			name:        "path within root",
			path:        "/tmp/test/subdir",
			allowedRoot: "/tmp/test",
			wantErr:     nil,
		},
		{
			name:        "path outside root",
			path:        "/var/other",
			allowedRoot: "/tmp/test",
			wantErr:     ErrPathTraversal,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ValidatePath(tt.path, tt.allowedRoot)
			if tt.wantErr != nil {
				if err == nil {
					t.Errorf("ValidatePath() expected error containing %v, got nil", tt.wantErr)
					return
				}
				if !errors.Is(err, tt.wantErr) {
					t.Errorf("ValidatePath() error = %v, want %v", err, tt.wantErr)
				}
			} else {
				if err != nil {
					t.Errorf("ValidatePath() unexpected error = %v", err)
				}
			}
		})
	}
}

func TestValidatePath_ReturnsAbsolute(t *testing.T) {
	got, err := ValidatePath("foo/bar", "")
	if err != nil {
		t.Fatalf("ValidatePath() unexpected error = %v", err)
	}
	if got == "" || got[0] != '/' {
		t.Errorf("ValidatePath() = %q, want absolute path", got)
	}
}

func TestValidateProjectID(t *testing.T) {
	tests := []struct {
		name    string
		id      string
		wantErr error
	}{
		{
			name:    "valid simple",
			id:      "billing-api",
			wantErr: nil,
		},
		{
			name:    "valid with underscores",
			id:      "my_project_2",
			wantErr: nil,
		},
		{
			name:    "empty",
			id:      "",
			wantErr: ErrInvalidProjectID,
		},
		{
			name:    "uppercase rejected",
			id:      "MyProject",
			wantErr: ErrInvalidProjectID,
		},
		{
			name:    "slash rejected",
			id:      "a/b",
			wantErr: ErrInvalidProjectID,
		},
		{
			name:    "dots rejected",
			id:      "a..b",
			wantErr: ErrInvalidProjectID,
		},
		{
			name:    "space rejected",
			id:      "my project",
			wantErr: ErrInvalidProjectID,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateProjectID(tt.id)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Errorf("ValidateProjectID(%q) error = %v, want %v", tt.id, err, tt.wantErr)
				}
			} else if err != nil {
				t.Errorf("ValidateProjectID(%q) unexpected error = %v", tt.id, err)
			}
		})
	}
}

func TestProjectID_SanitizesThenValidates(t *testing.T) {
	got, err := ProjectID("My Billing API!")
	if err != nil {
		t.Fatalf("ProjectID() unexpected error = %v", err)
	}
	if got != "my_billing_api" {
		t.Errorf("ProjectID() = %q, want %q", got, "my_billing_api")
	}

	if _, err := ProjectID("!!!"); err == nil {
		t.Error("ProjectID(\"!!!\") expected error for unusable input")
	}
}
