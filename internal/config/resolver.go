package config

import (
	"os"
	"path/filepath"
)

// Resolver follows the module's universal config-path convention,
// adapted from the teacher's StandardConfigResolver:
//
//  1. Command-line flag (--config=/path/to/file)
//  2. Environment variable MESHLINE_CONFIG_PATH
//  3. CWD-relative: ./config/<name>.yaml
//  4. Binary-relative: <binary-dir>/config/<name>.yaml
//  5. Not found (returns empty string; caller decides how to fail)
type Resolver struct {
	Name       string
	ConfigFlag *string
}

// Resolve returns the config file path, or "" if none of the locations
// has a file.
func (r Resolver) Resolve() string {
	if r.ConfigFlag != nil && *r.ConfigFlag != "" {
		return *r.ConfigFlag
	}
	if path := os.Getenv("MESHLINE_CONFIG_PATH"); path != "" && fileExists(path) {
		return path
	}
	if path := filepath.Join("config", r.Name+".yaml"); fileExists(path) {
		return path
	}
	if path := filepath.Join(filepath.Dir(os.Args[0]), "config", r.Name+".yaml"); fileExists(path) {
		return path
	}
	return ""
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
