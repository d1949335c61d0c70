package env

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func withEnv(t *testing.T, values map[string]string) {
	t.Helper()
	prev := Env
	Env = values
	t.Cleanup(func() { Env = prev })
}

func TestGetEnvPrefersLoadedFile(t *testing.T) {
	withEnv(t, map[string]string{"RF_TEST_KEY": "from-file"})
	t.Setenv("RF_TEST_KEY", "from-process")
	t.Setenv("RF_TEST_OTHER", "process-only")

	assert.Equal(t, "from-file", GetEnv("RF_TEST_KEY", "def"))
	assert.Equal(t, "process-only", GetEnv("RF_TEST_OTHER", "def"))
	assert.Equal(t, "def", GetEnv("RF_TEST_MISSING", "def"))
}

func TestTypedGetters(t *testing.T) {
	withEnv(t, map[string]string{
		"INT":      "12",
		"BAD_INT":  "twelve",
		"BOOL":     "true",
		"BAD_BOOL": "maybe",
		"SECS":     "90",
		"DUR":      "1h30m",
		"BAD_DUR":  "soon",
		"LIST":     " a, b,,a , c ",
	})

	assert.Equal(t, 12, GetEnvInt("INT", 1))
	assert.Equal(t, 1, GetEnvInt("BAD_INT", 1))
	assert.Equal(t, 1, GetEnvInt("UNSET", 1))
	assert.True(t, GetEnvBool("BOOL", false))
	assert.True(t, GetEnvBool("BAD_BOOL", true))
	assert.Equal(t, 90*time.Second, GetEnvDuration("SECS", time.Minute))
	assert.Equal(t, 90*time.Minute, GetEnvDuration("DUR", time.Minute))
	assert.Equal(t, time.Minute, GetEnvDuration("BAD_DUR", time.Minute))
	assert.Equal(t, []string{"a", "b", "c"}, GetEnvList("LIST"))
	assert.Nil(t, GetEnvList("UNSET"))
}

func TestIsDev(t *testing.T) {
	withEnv(t, map[string]string{"APP_ENV": "dev"})
	assert.True(t, IsDev())

	withEnv(t, map[string]string{"APP_ENV": "prod"})
	assert.False(t, IsDev())
}
