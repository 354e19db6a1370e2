package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"posttrade/internal/config"
)

// Test_newApp tests component wiring from the default configuration.
func Test_newApp(t *testing.T) {
	cfg := config.Default()
	cfg.Provider.Rows = 10

	a, err := newApp(cfg)
	require.NoError(t, err)
	assert.NotNil(t, a.loader)
	assert.NotNil(t, a.broadcaster)
	assert.Len(t, a.validator.Columns(), cfg.Schema.TotalColumns)
}
