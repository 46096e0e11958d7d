package logging

import (
	"bytes"
	"testing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetupWriter(t *testing.T) {
	t.Cleanup(func() { zerolog.SetGlobalLevel(zerolog.InfoLevel) })

	var buf bytes.Buffer
	require.NoError(t, SetupWriter(&buf, "warn", false))
	log.Info().Msg("hidden")
	log.Warn().Str("branch_id", "b1").Msg("shown")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, `"branch_id":"b1"`)
}

func TestSetupWriter_BadLevel(t *testing.T) {
	assert.Error(t, SetupWriter(&bytes.Buffer{}, "loud", false))
}
