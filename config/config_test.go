package config

import (
	"os"
	"path/filepath"
	"testing"

	"YoloDataAug/dataset"
	"YoloDataAug/engine"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	c := Default()
	assert.Equal(t, dataset.DefaultValFraction, c.ValFraction)
	assert.True(t, c.StrictLabels())
	assert.Equal(t, dataset.DefaultTokens, c.Categories.Tokens)
	assert.Equal(t, "_", c.Categories.Separator)
	assert.Len(t, c.Stages, len(engine.Kinds))
	assert.Equal(t, DefaultHTTPPort, c.HTTPPort)
	assert.Equal(t, DefaultRPCPort, c.RPCPort)
	assert.Equal(t, DefaultMetricsPort, c.MetricsPort)
	assert.Equal(t, DefaultNotifyTimeout, c.Notify.TimeoutSeconds)
	assert.Equal(t, "production", c.LogMode)
}

func TestParse(t *testing.T) {
	doc := `
sourceRoot: /data/raw
destRoot: /data/aug
valFraction: 0.1
seed: 42
validateOnDecode: false
copyValTest: true
categories:
  tokens: [cat, dog]
  separator: "-"
stages:
  - name: flip
    kind: horizontal_flip
    order: 2
  - name: blur
    kind: gaussian_blur
    order: 1
    blurLimit: [3, 5]
  - kind: rotate
    order: 3
    limit: 0
logMode: development
HTTPPort: 18080
notify:
  url: http://hooks.local/runs
`
	c, err := Parse([]byte(doc))
	require.NoError(t, err)
	assert.Equal(t, "/data/raw", c.SourceRoot)
	assert.Equal(t, "/data/aug", c.DestRoot)
	assert.Equal(t, 0.1, c.ValFraction)
	assert.Equal(t, int64(42), c.Seed)
	assert.False(t, c.StrictLabels())
	assert.True(t, c.CopyValTest)
	assert.Equal(t, []string{"cat", "dog"}, c.Categories.Tokens)
	require.Len(t, c.Stages, 3)
	assert.Equal(t, []int{3, 5}, c.Stages[1].BlurLimit)
	// an explicit zero is not mistaken for an unset limit
	require.NotNil(t, c.Stages[2].Limit)
	assert.Equal(t, 0.0, *c.Stages[2].Limit)
	assert.Nil(t, c.Stages[0].Limit)
	assert.Equal(t, 18080, c.HTTPPort)
	assert.Equal(t, DefaultRPCPort, c.RPCPort)
	assert.Equal(t, "http://hooks.local/runs", c.Notify.URL)

	cats, err := c.BuildCategories()
	require.NoError(t, err)
	key, ok := cats.Key("dog-0003.jpg")
	assert.True(t, ok)
	assert.Equal(t, "dog", key)

	stages, err := engine.NewStages(c.Stages, c.Rand())
	require.NoError(t, err)
	assert.Equal(t, "blur", stages[0].Name())

	// seeded sources repeat
	assert.Equal(t, c.Rand().Int63(), c.Rand().Int63())
}

func TestParse_Corrections(t *testing.T) {
	c, err := Parse([]byte("valFraction: 1.5\nRPCPort: 70000\nUseRegServer: true\nnotify:\n  timeoutSeconds: -1\n"))
	require.NoError(t, err)
	assert.Equal(t, dataset.DefaultValFraction, c.ValFraction)
	assert.Equal(t, DefaultRPCPort, c.RPCPort)
	assert.False(t, c.UseRegServer)
	assert.Equal(t, DefaultNotifyTimeout, c.Notify.TimeoutSeconds)
}

func TestLoad(t *testing.T) {
	t.Run("Missing file", func(t *testing.T) {
		_, err := Load(filepath.Join(t.TempDir(), "config.yaml"))
		assert.Error(t, err)
	})

	t.Run("Bad yaml", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "config.yaml")
		require.NoError(t, os.WriteFile(path, []byte("stages: {kind: ["), 0o644))
		_, err := Load(path)
		assert.Error(t, err)
	})

	t.Run("File", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "config.yaml")
		require.NoError(t, os.WriteFile(path, []byte("sourceRoot: in\n"), 0o644))
		c, err := Load(path)
		require.NoError(t, err)
		assert.Equal(t, "in", c.SourceRoot)
	})
}
