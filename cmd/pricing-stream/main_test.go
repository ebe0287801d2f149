package main

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExitCode(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want int
	}{
		{"clean end of stream", nil, exitOK},
		{"interrupt", reported{fmt.Errorf("stream interrupted: %w", context.Canceled)}, exitInterrupted},
		{"fatal", reported{errors.New("connect: 401")}, exitFailure},
		{"flag error", errors.New("unknown flag: --bogus"), exitFailure},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, exitCode(tc.err))
		})
	}
}

func TestRootCmd_Flags(t *testing.T) {
	cmd := newRootCmd()
	require.NoError(t, cmd.ParseFlags([]string{"--config", "c.yaml", "--env-file", ".env", "--print-config"}))

	v, err := cmd.Flags().GetString("config")
	require.NoError(t, err)
	assert.Equal(t, "c.yaml", v)

	p, err := cmd.Flags().GetBool("print-config")
	require.NoError(t, err)
	assert.True(t, p)
}

func TestRootCmd_RejectsArgs(t *testing.T) {
	cmd := newRootCmd()
	cmd.SetArgs([]string{"extra"})
	err := cmd.Execute()
	require.Error(t, err)
	assert.Equal(t, exitFailure, exitCode(err))
}

func TestRootCmd_ConfigErrorIsReported(t *testing.T) {
	t.Setenv("OANDA_AUTH_TOKEN", "")
	t.Setenv("PRICING_OANDA_AUTH_TOKEN", "")
	t.Setenv("OANDA_ACCOUNT_ID", "")
	t.Setenv("PRICING_OANDA_ACCOUNT_ID", "")

	cmd := newRootCmd()
	cmd.SetArgs([]string{})
	err := cmd.Execute()
	require.Error(t, err)

	var r reported
	assert.True(t, errors.As(err, &r))
	assert.Equal(t, exitFailure, exitCode(err))
}
