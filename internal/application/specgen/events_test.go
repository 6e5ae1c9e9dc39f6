package specgen_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rezkam/whim/internal/application/specgen"
)

func TestParseEvent(t *testing.T) {
	ev, err := specgen.ParseEvent([]byte(`{"type":"spec_generation_complete","specPath":"spec.md","taskCount":3,"validationPassed":true}`))
	require.NoError(t, err)
	assert.Equal(t, specgen.EventComplete, ev.Type)
	assert.Equal(t, "spec.md", ev.SpecPath)
	assert.Equal(t, 3, ev.TaskCount)
	assert.True(t, ev.ValidationPassed)

	_, err = specgen.ParseEvent([]byte(`not json`))
	require.Error(t, err)

	_, err = specgen.ParseEvent([]byte(`{"specPath":"spec.md"}`))
	require.Error(t, err, "events without a type are rejected")
}

func TestReadResultSkipsDiagnosticNoise(t *testing.T) {
	stream := strings.Join([]string{
		`{"type":"spec_generation_started"}`,
		`cloning repository...`,
		``,
		`{"type":"unknown_future_event"}`,
		`{"type":"spec_generation_complete","specPath":"out/spec.md"}`,
	}, "\n")

	ev, err := specgen.ReadResult(strings.NewReader(stream))
	require.NoError(t, err)
	assert.Equal(t, specgen.EventComplete, ev.Type)
	assert.Equal(t, "out/spec.md", ev.SpecPath)
}

func TestReadResultReturnsFailure(t *testing.T) {
	stream := `{"type":"spec_generation_failed","error":"description too vague"}`

	ev, err := specgen.ReadResult(strings.NewReader(stream))
	require.NoError(t, err)
	assert.Equal(t, specgen.EventFailed, ev.Type)
	assert.Equal(t, "description too vague", ev.Error)
}

func TestReadResultErrorsWithoutTerminalEvent(t *testing.T) {
	stream := `{"type":"spec_generation_started"}`

	_, err := specgen.ReadResult(strings.NewReader(stream))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "terminal event")
}
