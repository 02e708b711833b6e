package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/stackctl/pkg/registry"
)

const sampleYAML = `
services:
  - name: qdrant
    container:
      image: qdrant/qdrant:v1.9.0
      ports: ["6333:6333"]
    health:
      kind: port-listening
      port: 6333
      interval: 2s
      timeout: 500ms
      max_attempts: 30
  - name: api
    command: ["gunicorn", "app:app"]
    depends_on: [qdrant]
    env:
      VECTOR_HOST: localhost
    tools:
      - name: python3
        package: python3
    fallback:
      command: ["python3", "app.py"]
    health:
      kind: http-get
      url: http://127.0.0.1:5000/health
      interval: 1s
      timeout: 1s
      max_attempts: 10
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, DefaultConfigFilename)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadFromFile_FullStack(t *testing.T) {
	f, err := LoadFromFile(writeConfig(t, sampleYAML))
	require.NoError(t, err)

	specs, err := f.ServiceSpecs()
	require.NoError(t, err)
	require.Len(t, specs, 2)

	qdrant := specs[0]
	require.Equal(t, "qdrant", qdrant.Name)
	require.NotNil(t, qdrant.Container)
	require.Equal(t, "qdrant/qdrant:v1.9.0", qdrant.Container.Image)
	require.Equal(t, registry.CheckPortListening, qdrant.Health.Kind)
	require.Equal(t, 2*time.Second, qdrant.Health.Interval)
	require.Equal(t, 500*time.Millisecond, qdrant.Health.Timeout)
	require.Equal(t, 30, qdrant.Health.MaxAttempts)

	api := specs[1]
	require.Equal(t, []string{"qdrant"}, api.DependsOn)
	require.Equal(t, []string{"python3", "app.py"}, api.Fallback.Command)
	require.Equal(t, registry.CheckHTTPGet, api.Health.Kind)

	// The converted specs must form a valid registry.
	_, err = registry.New(specs)
	require.NoError(t, err)
}

func TestLoadOptional_MissingFileYieldsBuiltin(t *testing.T) {
	f, err := LoadOptional(filepath.Join(t.TempDir(), DefaultConfigFilename))
	require.NoError(t, err)

	specs, err := f.ServiceSpecs()
	require.NoError(t, err)
	require.Equal(t, registry.Builtin(), specs)
}

func TestServiceSpecs_BadDurationRejected(t *testing.T) {
	f, err := LoadFromFile(writeConfig(t, `
services:
  - name: svc
    command: ["run"]
    health:
      kind: port-listening
      port: 80
      interval: soon
`))
	require.NoError(t, err)

	_, err = f.ServiceSpecs()
	require.Error(t, err)
	require.Contains(t, err.Error(), `service "svc" health`)
}

func TestServiceSpecs_UnknownCheckKindRejected(t *testing.T) {
	f, err := LoadFromFile(writeConfig(t, `
services:
  - name: svc
    command: ["run"]
    health:
      kind: smoke-signal
`))
	require.NoError(t, err)

	_, err = f.ServiceSpecs()
	require.Error(t, err)
	require.Contains(t, err.Error(), "unknown health check kind")
}

func TestLoadFromFile_BadYAML(t *testing.T) {
	_, err := LoadFromFile(writeConfig(t, "services: ["))
	require.Error(t, err)
}
