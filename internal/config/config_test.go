package config

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/matryer/is"
	"github.com/rs/zerolog"

	"github.com/shaunagostinho/kiwi/internal/record"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	is := is.New(t)

	cfg := Load(filepath.Join(t.TempDir(), "none.yaml"), zerolog.Nop())
	is.Equal(cfg.Serial.BaudRate, 115200)
	is.Equal(cfg.Extract.ChunkPages, 16)
	is.True(cfg.Extract.StopOnEmpty)
}

func TestLoadYAMLAndEnv(t *testing.T) {
	is := is.New(t)

	dir := t.TempDir()
	path := filepath.Join(dir, "kiwi.yaml")
	is.NoErr(os.WriteFile(path, []byte(`
serial:
  port_path: /dev/ttyUSB3
  timeout_ms: 250
extract:
  chunk_pages: 4
  data_dir: /srv/kiwi
`), 0644))
	is.NoErr(os.WriteFile(filepath.Join(dir, ".env"), []byte("# comment\nKIWI_BAUD='57600'\n"), 0644))
	t.Setenv("KIWI_BAUD", "")
	t.Setenv("KIWI_DATA_DIR", "/tmp/override")

	cfg := Load(path, zerolog.Nop())
	is.Equal(cfg.Serial.PortPath, "/dev/ttyUSB3")
	is.Equal(cfg.Serial.TimeoutMS, 250)
	is.Equal(cfg.Serial.BaudRate, 57600)           // from .env
	is.Equal(cfg.Extract.DataDir, "/tmp/override") // env wins over yaml
	is.Equal(cfg.Device.MaxRetry, 10)              // untouched default

	e := cfg.Extractor(zerolog.Nop())
	is.Equal(e.ChunkSize, 4*record.PageSize)
	is.Equal(e.RetryDelay, 100*time.Millisecond)
}

func TestBadYAMLFallsBack(t *testing.T) {
	is := is.New(t)

	path := filepath.Join(t.TempDir(), "kiwi.yaml")
	is.NoErr(os.WriteFile(path, []byte("serial: [unterminated"), 0644))

	cfg := Load(path, zerolog.Nop())
	is.Equal(cfg.Serial.TimeoutMS, 1000)
	is.Equal(cfg.Path(), path)
}

func TestSaveKeepsHints(t *testing.T) {
	is := is.New(t)

	path := filepath.Join(t.TempDir(), "sub", "kiwi.yaml")
	cfg := Load(path, zerolog.Nop())
	cfg.Remember("/dev/ttyACM0", "E46A2C1B0F3D5E79")
	cfg.Remember("", "")
	is.NoErr(cfg.Save())

	again := Load(path, zerolog.Nop())
	is.Equal(again.Hints.LastPort, "/dev/ttyACM0")
	is.Equal(again.Hints.LastID, "E46A2C1B0F3D5E79")
}

func TestSessionOptions(t *testing.T) {
	is := is.New(t)

	cfg := DefaultConfig()
	cfg.Device.BackoffMinMS = 20
	cfg.Device.BackoffMaxMS = 80
	cfg.Device.SettleMS = -1

	opts := cfg.SessionOptions(zerolog.Nop())
	is.Equal(opts.Attempts, 10)
	is.Equal(opts.LineTimeout, time.Second)
	is.True(opts.Settle < 0)

	b, ok := opts.BackOff().(*backoff.ExponentialBackOff)
	is.True(ok)
	is.Equal(b.InitialInterval, 20*time.Millisecond)
	is.Equal(b.MaxInterval, 80*time.Millisecond)
}

func TestNewLogger(t *testing.T) {
	is := is.New(t)

	var buf bytes.Buffer
	log := LogConfig{Level: "warn"}.NewLogger(&buf)
	log.Info().Msg("hidden")
	is.Equal(buf.Len(), 0)
	log.Warn().Msg("shown")
	is.True(bytes.Contains(buf.Bytes(), []byte(`"message":"shown"`)))

	buf.Reset()
	log = LogConfig{Level: "nonsense"}.NewLogger(&buf)
	log.Info().Msg("info")
	is.True(buf.Len() > 0)
}
