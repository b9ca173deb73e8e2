package cli

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name     string
		args     []string
		wantExit bool
		wantErr  string
		check    func(t *testing.T, out string)
	}{
		{
			name: "positional and repeated config paths merge in order",
			args: []string{"-c", "base.hcl", "--config", "local.hcl", "extra.hcl", "--watch", "--log-level", "DEBUG"},
		},
		{
			name:     "help",
			args:     []string{"-h"},
			wantExit: true,
			check:    func(t *testing.T, out string) { assert.Contains(t, out, "Usage:") },
		},
		{
			name:     "no paths prints usage",
			args:     nil,
			wantExit: true,
			check:    func(t *testing.T, out string) { assert.Contains(t, out, "--healthcheck-port") },
		},
		{
			name:     "version",
			args:     []string{"--version"},
			wantExit: true,
			check:    func(t *testing.T, out string) { assert.Contains(t, out, "servicesd 6.2.0") },
		},
		{name: "unknown flag", args: []string{"--nope"}, wantErr: "unknown flag: --nope"},
		{name: "bad log format", args: []string{"--log-format", "xml", "a.hcl"}, wantErr: "invalid log-format"},
		{name: "bad log level", args: []string{"--log-level", "loud", "a.hcl"}, wantErr: "invalid log-level"},
		{name: "bad extension", args: []string{"servicesd.conf"}, wantErr: "unsupported configuration file"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			out := &bytes.Buffer{}

			cfg, exit, err := Parse(tc.args, out)

			if tc.wantErr != "" {
				var exitErr *ExitError
				require.ErrorAs(t, err, &exitErr)
				assert.Equal(t, 2, exitErr.Code)
				assert.Contains(t, exitErr.Message, tc.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.wantExit, exit)
			if tc.check != nil {
				tc.check(t, out.String())
			}
			if !tc.wantExit {
				require.NotNil(t, cfg)
			}
		})
	}
}

func TestParse_Config(t *testing.T) {
	t.Parallel()

	cfg, exit, err := Parse([]string{"-c", "base.hcl", "extra.hcl", "--watch", "--log-level", "DEBUG", "--healthcheck-port", "8080"}, &bytes.Buffer{})

	require.NoError(t, err)
	assert.False(t, exit)
	assert.Equal(t, []string{"base.hcl", "extra.hcl"}, cfg.ConfigPaths)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "json", cfg.LogFormat)
	assert.Equal(t, 8080, cfg.HealthcheckPort)
	assert.True(t, cfg.WatchConfig)
}
