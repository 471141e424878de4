package interceptor

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"

	"offcache/internal/config"
)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

// testConfig builds a config pointing at the given origin. staticManifest may
// be nil.
func testConfig(t *testing.T, origin, env string, staticManifest []string) *config.Config {
	t.Helper()
	dataDir := filepath.Join(t.TempDir(), "generations")

	var manifest strings.Builder
	for _, p := range staticManifest {
		fmt.Fprintf(&manifest, "    - %q\n", p)
	}
	body := fmt.Sprintf(`
server:
  origin: %q
app:
  name: vault
  version: 1.2.0
  release: true
  environment: %s
cache:
  dataDir: %q
  maxGenerations: 3
  entryDocument: /index.html
  staticManifest:
%s
timeouts:
  navigation: 500ms
`, origin, env, dataDir, manifest.String())

	path := filepath.Join(t.TempDir(), "offcache.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("load test config: %v", err)
	}
	return cfg
}

func openTestDir(t *testing.T, cfg *config.Config) *StoreDir {
	t.Helper()
	dir, err := OpenDir(cfg.Cache.DataDir)
	if err != nil {
		t.Fatalf("open store dir: %v", err)
	}
	t.Cleanup(dir.Close)
	return dir
}
