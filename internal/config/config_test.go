package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"maskcreator/internal/logging"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, TransportBinary, cfg.Server.Transport)
	assert.Equal(t, 65432, cfg.Server.BinaryPort)
	assert.Equal(t, 7880, cfg.Server.HTTPPort)
	assert.Equal(t, 65432, cfg.Server.Port())
	assert.Equal(t, "#0000FF", cfg.Mask.Tint)
	assert.Equal(t, "_mask", cfg.Workspace.MaskSuffix)
	assert.Equal(t, []string{".png", ".jpg", ".jpeg", ".webp"}, cfg.Workspace.Extensions)
	assert.Equal(t, 5*time.Second, cfg.Server.ConnectTimeout())
	assert.Equal(t, time.Second, cfg.Watch.Debounce())
}

func TestValidateReportsFieldsByKey(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Server.Transport = "carrier-pigeon"
	cfg.Server.BinaryPort = 0
	cfg.Mask.Tint = "blue"
	cfg.Workspace.Extensions = []string{"png"}
	cfg.Logging.Level = "loud"
	cfg.Storage.Path = ""
	cfg.Metrics.Listen = "not a listen address"

	err := cfg.Validate()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidConfig))

	var verrs ValidationErrors
	require.True(t, errors.As(err, &verrs))
	assert.ElementsMatch(t, []string{
		"server.transport",
		"server.binary_port",
		"mask.tint",
		"workspace.extensions[0]",
		"logging.level",
		"storage.path",
		"metrics.listen",
	}, verrs.Fields())
	assert.Contains(t, err.Error(), `config: mask.tint: expected #RRGGBB, got "blue"`)
}

func TestValidateCrossField(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Server.HTTPPort = cfg.Server.BinaryPort
	cfg.Version = Version + 1

	var verrs ValidationErrors
	require.ErrorAs(t, cfg.Validate(), &verrs)
	assert.ElementsMatch(t, []string{"server.http_port", "version"}, verrs.Fields())
}

func TestValidateConditionalRequirements(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Storage.Enabled = false
	cfg.Storage.Path = ""
	cfg.Logging.FilePath = ""
	assert.NoError(t, cfg.Validate())

	cfg.Logging.Output = "both"
	var verrs ValidationErrors
	require.ErrorAs(t, cfg.Validate(), &verrs)
	assert.Equal(t, []string{"logging.file_path"}, verrs.Fields())
}

func TestLoadFormats(t *testing.T) {
	dir := t.TempDir()
	files := map[string]string{
		"config.toml": "[server]\ntransport = \"http\"\nhost = \"seg.local\"\n\n[detection]\nprompt = \"cat . dog\"\n",
		"config.json": `{"server": {"transport": "http", "host": "seg.local"}, "detection": {"prompt": "cat . dog"}}`,
		"config.yaml": "server:\n  transport: http\n  host: seg.local\ndetection:\n  prompt: cat . dog\n",
	}

	for name, body := range files {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(dir, name)
			require.NoError(t, os.WriteFile(path, []byte(body), 0600))

			cfg, err := Load(path)
			require.NoError(t, err)
			assert.Equal(t, TransportHTTP, cfg.Server.Transport)
			assert.Equal(t, "seg.local", cfg.Server.Host)
			assert.Equal(t, 7880, cfg.Server.Port())
			assert.Equal(t, "cat . dog", cfg.Detection.Prompt)
			assert.Equal(t, 65432, cfg.Server.BinaryPort, "unset keys keep defaults")
		})
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().Server, cfg.Server)
}

func TestLoadRejectsInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte("[mask]\ntint = \"#12\"\n"), 0600))
	_, err := Load(path)
	assert.ErrorIs(t, err, ErrInvalidConfig)

	require.NoError(t, os.WriteFile(path, []byte("[mask\n"), 0600))
	_, err = Load(path)
	assert.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("MASKCREATOR_TRANSPORT", "http")
	t.Setenv("MASKCREATOR_HOST", "10.0.0.5")
	t.Setenv("MASKCREATOR_HTTP_PORT", "9000")
	t.Setenv("MASKCREATOR_BINARY_PORT", "not-a-number")
	t.Setenv("MASKCREATOR_PROC_DIR", "/data/images")
	t.Setenv("MASKCREATOR_PROMPT", "person")
	t.Setenv("MASKCREATOR_LOG_LEVEL", "debug")

	cfg, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	require.NoError(t, err)
	assert.Equal(t, TransportHTTP, cfg.Server.Transport)
	assert.Equal(t, "10.0.0.5", cfg.Server.Host)
	assert.Equal(t, 9000, cfg.Server.Port())
	assert.Equal(t, 65432, cfg.Server.BinaryPort)
	assert.Equal(t, "/data/images", cfg.Workspace.Directory)
	assert.Equal(t, "person", cfg.Detection.Prompt)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestDataDirOverride(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("MASKCREATOR_DATA_DIR", dir)
	cfg := DefaultConfig()
	assert.Equal(t, filepath.Join(dir, "history.db"), cfg.Storage.Path)
	assert.Equal(t, filepath.Join(dir, "maskcreator.log"), cfg.Logging.FilePath)
}

func TestSaveConfigRoundTrip(t *testing.T) {
	for _, name := range []string{"out.toml", "out.json", "out.yaml"} {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "nested", name)
			cfg := DefaultConfig()
			cfg.Detection.Prompt = "car"
			cfg.Workspace.Extensions = []string{".png"}
			require.NoError(t, SaveConfig(cfg, path))

			loaded, err := Load(path)
			require.NoError(t, err)
			assert.Equal(t, cfg, loaded)
		})
	}
}

func TestLoadOrCreate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	cfg, created, err := LoadOrCreate(path)
	require.NoError(t, err)
	assert.True(t, created)
	assert.FileExists(t, path)

	again, created, err := LoadOrCreate(path)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, cfg, again)
}

func TestClone(t *testing.T) {
	cfg := DefaultConfig()
	clone := cfg.Clone()
	clone.Workspace.Extensions[0] = ".gif"
	assert.Equal(t, ".png", cfg.Workspace.Extensions[0])
}

func TestLoggingConfigConversion(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Logging.Level = "warn"
	cfg.Logging.Format = "json"
	cfg.Logging.Output = "file"

	lc, err := cfg.Logging.LoggingConfig()
	require.NoError(t, err)
	assert.Equal(t, logging.LevelWarn, lc.Level)
	assert.Equal(t, logging.FormatJSON, lc.Format)
	assert.Equal(t, "file", lc.Output)
	assert.Equal(t, int64(20), lc.MaxSize)

	cfg.Logging.Level = "loud"
	_, err = cfg.Logging.LoggingConfig()
	assert.Error(t, err)
}

func TestLoaderHotReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte("[detection]\nprompt = \"cat\"\n"), 0600))

	loader := NewLoader(path)
	loader.debounce = 10 * time.Millisecond
	cfg, err := loader.Load()
	require.NoError(t, err)
	assert.Equal(t, "cat", cfg.Detection.Prompt)

	changed := make(chan *Config, 1)
	loader.OnChange(func(c *Config) {
		select {
		case changed <- c:
		default:
		}
	})
	require.NoError(t, loader.Watch())
	defer loader.Close()

	require.NoError(t, os.WriteFile(path, []byte("[detection]\nprompt = \"dog\"\n"), 0600))

	select {
	case c := <-changed:
		assert.Equal(t, "dog", c.Detection.Prompt)
		assert.Equal(t, "dog", loader.Config().Detection.Prompt)
	case <-time.After(5 * time.Second):
		t.Fatal("config was not reloaded")
	}

	require.NoError(t, os.WriteFile(path, []byte("[mask]\ntint = \"nope\"\n"), 0600))
	select {
	case err := <-loader.Errors():
		assert.ErrorIs(t, err, ErrInvalidConfig)
	case <-time.After(5 * time.Second):
		t.Fatal("invalid config was not reported")
	}
	assert.Equal(t, "dog", loader.Config().Detection.Prompt)
}
