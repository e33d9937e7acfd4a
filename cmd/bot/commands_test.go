package main

import (
	"bytes"
	"context"
	"testing"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunCheck_PrintsMarketAndAccount(t *testing.T) {
	f := newFixture(t)
	logger, _ := test.NewNullLogger()
	bot, err := newBot(f.cfg, f.gw, f.store, f.clock, logger)
	require.NoError(t, err)

	cmd := &cobra.Command{}
	cmd.SetContext(context.Background())
	var out bytes.Buffer
	require.NoError(t, runCheck(cmd, bot, &out))

	got := out.String()
	assert.Contains(t, got, "OPEN")
	assert.Contains(t, got, "16:00 EDT")
	assert.Contains(t, got, "250314")
	assert.Contains(t, got, "$5903.00")
	assert.Contains(t, got, "$100000.00")
	assert.Contains(t, got, "No open SPXW positions")
}
