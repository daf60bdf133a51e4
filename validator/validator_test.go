package validator

import "testing"

type draft struct {
	Text          string `validate:"required_without=AttachmentURL,omitempty,max=10"`
	AttachmentURL string `validate:"omitempty,url"`
}

func TestValidateStruct(t *testing.T) {
	v := New()

	tests := []struct {
		name    string
		input   draft
		wantErr bool
		field   string
	}{
		{
			name:  "TextOnly",
			input: draft{Text: "hello"},
		},
		{
			name:  "AttachmentOnly",
			input: draft{AttachmentURL: "https://example.com/a.png"},
		},
		{
			name:    "Empty",
			input:   draft{},
			wantErr: true,
			field:   "Text",
		},
		{
			name:    "TextTooLong",
			input:   draft{Text: "this is far too long"},
			wantErr: true,
			field:   "Text",
		},
		{
			name:    "BadURL",
			input:   draft{AttachmentURL: "not a url"},
			wantErr: true,
			field:   "AttachmentURL",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			errs := v.ValidateStruct(tt.input)
			if !tt.wantErr {
				if len(errs) > 0 {
					t.Fatalf("unexpected errors: %v", errs)
				}
				return
			}
			if len(errs) == 0 {
				t.Fatal("expected errors, got none")
			}
			found := false
			for _, e := range errs {
				if e.Field == tt.field {
					found = true
				}
			}
			if !found {
				t.Errorf("expected error on field %s, got %v", tt.field, errs)
			}
		})
	}
}

func TestValidateVar(t *testing.T) {
	v := New()
	if errs := v.Validate("https://example.com", "url"); len(errs) > 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}
	if errs := v.Validate("", "required"); len(errs) == 0 {
		t.Fatal("expected error for empty required value")
	}
}
