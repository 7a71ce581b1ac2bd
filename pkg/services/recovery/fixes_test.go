package recovery

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStripCurrency(t *testing.T) {
	tests := []struct {
		in   string
		want string
		ok   bool
	}{
		{"$12.50", "12.5", true},
		{" $1,234.00 ", "1234", true},
		{"1.234,50 €", "1234.5", true},
		{"12,50", "12.5", true},
		{"1,200", "1200", true},
		{"USD 99", "99", true},
		{"(12.00)", "-12", true},
		{"£", "", false},
		{"twelve", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, ok := StripCurrency(tt.in)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNormalizePercentage(t *testing.T) {
	tests := []struct {
		in         string
		fractional bool
		want       string
		ok         bool
	}{
		{"15%", true, "0.15", true},
		{"7.5 %", false, "0.075", true},
		{"15", true, "0.15", true},
		{"0.2", true, "0.2", true},
		{"15", false, "15", true},
		{"abc%", true, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, ok := NormalizePercentage(tt.in, tt.fractional)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNormalizeEmail(t *testing.T) {
	tests := []struct {
		in   string
		want string
		ok   bool
	}{
		{"Sales@Acme.COM", "sales@acme.com", true},
		{" mailto:info@acme.com ", "info@acme.com", true},
		{"info at acme dot com", "info@acme.com", true},
		{"info[at]acme.com", "info@acme.com", true},
		{"not an email", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, ok := NormalizeEmail(tt.in)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNormalizeDate(t *testing.T) {
	tests := []struct {
		in   string
		want string
		ok   bool
	}{
		{"2024-03-15", "2024-03-15", true},
		{"2024-3-5", "2024-03-05", true},
		{"03/15/2024", "2024-03-15", true},
		{"15/03/2024", "2024-03-15", true},
		{"15.03.2024", "2024-03-15", true},
		{"Mar 15, 2024", "2024-03-15", true},
		{"15 March 2024", "2024-03-15", true},
		{"2024-03-15T10:00:00Z", "2024-03-15", true},
		{"someday", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, ok := NormalizeDate(tt.in)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNormalizeBoolean(t *testing.T) {
	for in, want := range map[string]string{"Yes": "true", "n": "false", " 1 ": "true", "OFF": "false"} {
		got, ok := NormalizeBoolean(in)
		assert.True(t, ok, in)
		assert.Equal(t, want, got, in)
	}
	_, ok := NormalizeBoolean("maybe")
	assert.False(t, ok)
}

func TestNormalizeURL(t *testing.T) {
	tests := []struct {
		in   string
		want string
		ok   bool
	}{
		{"www.acme.com/mug", "https://www.acme.com/mug", true},
		{"acme.com", "https://acme.com", true},
		{"HTTP://acme.com/x", "http://acme.com/x", true},
		{"not a url", "", false},
		{"localhost", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, ok := NormalizeURL(tt.in)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestTruncate(t *testing.T) {
	got, ok := Truncate("Crème brûlée set", 5)
	assert.True(t, ok)
	assert.Equal(t, "Crème", got)

	_, ok = Truncate("abc", 0)
	assert.False(t, ok)
}
