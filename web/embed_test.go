package web

import (
	"io/fs"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDashboardUsesAllThresholds(t *testing.T) {
	js, err := fs.ReadFile(FS, "app.js")
	require.NoError(t, err)
	for _, key := range []string{"socWarn", "socDanger", "cellLow", "cellHigh", "cellDeltaMax", "tempHigh", "tempLow", "b.temp2"} {
		assert.Contains(t, string(js), key)
	}

	html, err := fs.ReadFile(FS, "index.html")
	require.NoError(t, err)
	assert.Contains(t, string(html), `id="temp2"`)
	assert.Contains(t, string(html), `id="cellDelta"`)
}
