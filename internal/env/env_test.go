package env

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type nested struct {
	Port string `env:"ENVTEST_PORT" default:"8080"`
}

type testConfig struct {
	Name     string        `env:"ENVTEST_NAME" default:"whim"`
	Count    int           `env:"ENVTEST_COUNT" default:"3"`
	Enabled  bool          `env:"ENVTEST_ENABLED" default:"true"`
	Interval time.Duration `env:"ENVTEST_INTERVAL" default:"30s"`
	NoTag    string
	Server   nested
}

func TestLoadDefaults(t *testing.T) {
	cfg := &testConfig{}
	require.NoError(t, Load(cfg))

	assert.Equal(t, "whim", cfg.Name)
	assert.Equal(t, 3, cfg.Count)
	assert.True(t, cfg.Enabled)
	assert.Equal(t, 30*time.Second, cfg.Interval)
	assert.Equal(t, "8080", cfg.Server.Port)
	assert.Empty(t, cfg.NoTag)
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("ENVTEST_NAME", "orchestrator")
	t.Setenv("ENVTEST_COUNT", "7")
	t.Setenv("ENVTEST_ENABLED", "false")
	t.Setenv("ENVTEST_INTERVAL", "2m")
	t.Setenv("ENVTEST_PORT", "9000")

	cfg := &testConfig{}
	require.NoError(t, Load(cfg))

	assert.Equal(t, "orchestrator", cfg.Name)
	assert.Equal(t, 7, cfg.Count)
	assert.False(t, cfg.Enabled)
	assert.Equal(t, 2*time.Minute, cfg.Interval)
	assert.Equal(t, "9000", cfg.Server.Port)
}

func TestLoadInvalidValue(t *testing.T) {
	t.Setenv("ENVTEST_COUNT", "not-a-number")

	cfg := &testConfig{}
	err := Load(cfg)
	require.Error(t, err)

	var invalid InvalidValueError
	require.True(t, errors.As(err, &invalid))
	assert.Equal(t, "ENVTEST_COUNT", invalid.EnvVar)
	assert.Equal(t, "Count", invalid.Field)
}

func TestLoadRejectsNonStructPointer(t *testing.T) {
	assert.Error(t, Load(42))
	assert.Error(t, Load(testConfig{}))
}

type validated struct {
	Max int `env:"ENVTEST_MAX" default:"0"`
}

func (v *validated) Validate() error {
	if v.Max <= 0 {
		return errors.New("max must be positive")
	}
	return nil
}

func TestLoadRunsValidator(t *testing.T) {
	cfg := &validated{}
	assert.EqualError(t, Load(cfg), "max must be positive")

	t.Setenv("ENVTEST_MAX", "5")
	require.NoError(t, Load(cfg))
	assert.Equal(t, 5, cfg.Max)
}
