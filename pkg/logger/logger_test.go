package logger

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewLogger(t *testing.T) {
	tests := []struct {
		name      string
		logFormat string
		logLevel  string
		wantErr   bool
	}{
		{name: "json_info", logFormat: "json", logLevel: "info"},
		{name: "text_debug", logFormat: "text", logLevel: "debug"},
		{name: "none_level", logFormat: "json", logLevel: "none"},
		{name: "unknown_level", logFormat: "json", logLevel: "verbose", wantErr: true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			l, err := NewLogger(tc.logFormat, tc.logLevel)
			if tc.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.NotNil(t, l)
		})
	}
}

func TestMustNewLoggerPanics(t *testing.T) {
	require.Panics(t, func() {
		MustNewLogger("json", "verbose")
	})
}
