package gate

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIsCommandAllowed(t *testing.T) {
	tests := []struct {
		name string
		cmd  string
		want bool
	}{
		{"bare allowlisted", "node", true},
		{"absolute path to allowlisted", "/usr/local/bin/node", true},
		{"relative path to allowlisted", "./bin/python3", true},
		{"not allowlisted", "rm", false},
		{"suffix match but not a path separator", "xnode", false},
		{"empty", "", false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, IsCommandAllowed(tc.cmd))
		})
	}
}

func TestValidateShellSafety(t *testing.T) {
	require.True(t, ValidateShellSafety("hello"))
	require.False(t, ValidateShellSafety("test; rm -rf /"))
	require.False(t, ValidateShellSafety("$(id)"))
	require.False(t, ValidateShellSafety("a|b"))
	require.False(t, ValidateShellSafety("a\nb"))
}

func TestValidateID(t *testing.T) {
	require.True(t, ValidateID("echo-server_1"))
	require.False(t, ValidateID(""))
	require.False(t, ValidateID("has space"))
	require.False(t, ValidateID("has:colon"))
}

func TestValidateCommand(t *testing.T) {
	require.NoError(t, ValidateCommand("node"))
	require.NoError(t, ValidateCommand("/usr/local/bin/node"))
	require.Error(t, ValidateCommand("rm"))
	require.Error(t, ValidateCommand("node;rm"))
}

func TestValidateArg(t *testing.T) {
	tests := []struct {
		name    string
		arg     string
		wantErr bool
	}{
		{"plain arg", "--port=8080", false},
		{"env var reference", "$VAR", false},
		{"braced env var reference", "${VAR}", false},
		{"embedded env var", "prefix-$HOME/suffix", false},
		{"command substitution", "$(date)", true},
		{"backtick substitution", "$`id`", true},
		{"brace substitution", "${(date)}", true},
		{"pipe", "a|b", true},
		{"semicolon", "a;b", true},
		{"redirect", "a>b", true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := ValidateArg(tc.arg)
			if tc.wantErr {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestValidateArgs(t *testing.T) {
	require.NoError(t, ValidateArgs([]string{"--port=8080", "$HOME/bin"}))
	require.Error(t, ValidateArgs([]string{"ok", "$(rm -rf /)"}))
}
