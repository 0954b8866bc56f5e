package server

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/workspace/phone-console/internal/config"
)

func TestMatchWildcardOrigin(t *testing.T) {
	tests := []struct {
		origin  string
		pattern string
		want    bool
	}{
		{"https://foo.example.com", "https://*.example.com", true},
		{"https://a.b.example.com", "https://*.example.com", true},
		{"https://example.com", "https://*.example.com", false},
		{"http://foo.example.com", "https://*.example.com", false},
		{"https://evil.com/.example.com", "https://*.example.com", false},
		{"https://foo.example.com.evil.com", "https://*.example.com", false},
	}

	for _, tt := range tests {
		got := matchWildcardOrigin(tt.origin, tt.pattern)
		assert.Equal(t, tt.want, got, "origin=%s pattern=%s", tt.origin, tt.pattern)
	}
}

func TestIsOriginAllowed(t *testing.T) {
	s := &Server{config: &config.Config{
		AllowedOrigins: []string{"http://localhost:3000", "https://*.console.dev"},
	}}

	assert.True(t, s.isOriginAllowed("http://localhost:3000"))
	assert.True(t, s.isOriginAllowed("https://lab.console.dev"))
	assert.False(t, s.isOriginAllowed("http://localhost:4000"))
	assert.False(t, s.isOriginAllowed("https://console.dev"))
}

func TestIsOriginAllowedWildcardAll(t *testing.T) {
	s := &Server{config: &config.Config{AllowedOrigins: []string{"*"}}}
	assert.True(t, s.isOriginAllowed("http://anywhere.example"))
}
