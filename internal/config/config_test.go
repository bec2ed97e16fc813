package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadEndpointConfigAppliesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "person.yaml", `
person:
  id: P1
  name: "Doe,Jane"
  keys:
    public: abc
    private: def
server:
  ip: 127.0.0.1
  port: 8765
actions:
  - "SEND [P2] hello"
`)

	cfg, err := LoadEndpointConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "Jane", cfg.Person.FirstName())
	assert.Equal(t, "Doe", cfg.Person.LastName())
	assert.Equal(t, "127.0.0.1:8765", cfg.Addr())
	assert.Equal(t, 30, cfg.General.Duration)
	assert.Equal(t, 3, cfg.General.Retries)
	assert.Equal(t, 2, cfg.General.Timeout)
}

func TestLoadEndpointConfigRequiresID(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "bad.yaml", "person:\n  name: \"Doe,Jane\"\n")
	_, err := LoadEndpointConfig(path)
	require.Error(t, err)
}

func TestLoadBankConfigRequiresPermissionsAndLedger(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "bank.yaml", `
person:
  id: BK
  name: "Bank,Central"
`)
	_, err := LoadBankConfig(path)
	require.Error(t, err)
}

func TestLoadPermissions(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "perm.yaml", `
persons:
  P1:
    account: "1000"
    public_key: abc
organizations:
  ORG1:
    account: "2000"
    employees:
      P2:
        permissions: ["ADD", "SUB"]
`)
	perms, err := LoadPermissions(path)
	require.NoError(t, err)
	assert.Equal(t, "1000", perms.Persons["P1"].Account)
	assert.ElementsMatch(t, []string{"ADD", "SUB"}, perms.Organizations["ORG1"].Employees["P2"].Permissions)
}
