package currency

import (
	"testing"

	"github.com/shopspring/decimal"
)

func TestParseAmount(t *testing.T) {
	tests := []struct {
		in      string
		code    string
		want    string
		wantErr bool
	}{
		{"100.00", "USD", "100.00", false},
		{"100", "USD", "100.00", false},
		{"0.01", "EUR", "0.01", false},
		{"5000", "KRW", "5000", false},
		{"0", "USD", "", true},
		{"-1.00", "USD", "", true},
		{"1.005", "USD", "", true},
		{"10.5", "KRW", "", true},
		{"abc", "USD", "", true},
		{"10.00", "GBP", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.in+"_"+tt.code, func(t *testing.T) {
			got, err := ParseAmount(tt.in, tt.code)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %s", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if f := Format(got, tt.code); f != tt.want {
				t.Fatalf("Format = %q, want %q", f, tt.want)
			}
		})
	}
}

func TestValidate(t *testing.T) {
	for _, code := range Supported() {
		if err := Validate(code); err != nil {
			t.Errorf("Validate(%s) = %v", code, err)
		}
	}
	if err := Validate("usd"); err == nil {
		t.Error("lower-case code should need Normalize first")
	}
	if err := Validate(Normalize(" usd ")); err != nil {
		t.Errorf("normalized code rejected: %v", err)
	}
}

func TestCheckAmountTrailingZeros(t *testing.T) {
	// 12.50 and 12.5 are the same value; neither exceeds the USD exponent.
	if err := CheckAmount(decimal.RequireFromString("12.500"), "USD"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
