package logger

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFormatRFC3339Millis(t *testing.T) {
	t.Parallel()

	ts := time.Date(2024, 3, 5, 14, 7, 9, 123_456_789, time.FixedZone("BRT", -3*3600))
	assert.Equal(t, "2024-03-05T17:07:09.123Z", formatRFC3339Millis(ts))
}

func TestNewWithWriter_DropsEmptyStrings(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := NewWithWriter(&buf, false)
	log.Info("dataset registered", "name", "sales", "note", "")
	log.Debug("hidden")

	out := buf.String()
	assert.Contains(t, out, "dataset registered")
	assert.Contains(t, out, "name=sales")
	assert.NotContains(t, out, "note=")
	assert.NotContains(t, out, "hidden")
}
