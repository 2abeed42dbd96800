package security

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateEndpointURL(t *testing.T) {
	tests := []struct {
		name    string
		url     string
		wantErr bool
	}{
		{"public https", "https://203.0.113.10/hook", false},
		{"public http", "http://198.51.100.7/hook", false},
		{"custom https port", "https://203.0.113.10:8443/hook", false},
		{"bad scheme", "ftp://203.0.113.10/hook", true},
		{"no host", "https:///hook", true},
		{"localhost", "https://localhost/hook", true},
		{"loopback", "http://127.0.0.1/hook", true},
		{"private", "http://10.0.0.5/hook", true},
		{"link local metadata", "http://169.254.169.254/latest/meta-data", true},
		{"gcp metadata host", "http://metadata.google.internal/computeMetadata", true},
		{"unspecified", "http://0.0.0.0/hook", true},
		{"postgres port", "http://203.0.113.10:5432/hook", true},
		{"redis port", "http://203.0.113.10:6379/hook", true},
		{"ssh port", "http://203.0.113.10:22/hook", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateEndpointURL(tt.url)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
