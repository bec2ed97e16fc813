// Package config loads the YAML configuration surfaces for endpoints and
// banks, following the teacher's load-with-defaults-and-wrapped-errors
// convention.
package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// PersonKeys holds the bare base64 PKCS#1 key bodies (no PEM headers).
type PersonKeys struct {
	Public  string `yaml:"public"`
	Private string `yaml:"private"`
}

// PersonSection identifies the endpoint and its keypair.
type PersonSection struct {
	ID   string     `yaml:"id"`
	Name string     `yaml:"name"` // "last,first"
	Keys PersonKeys `yaml:"keys"`
}

// FirstName splits the "last,first" convention.
func (p PersonSection) FirstName() string {
	parts := strings.SplitN(p.Name, ",", 2)
	if len(parts) == 2 {
		return strings.TrimSpace(parts[1])
	}
	return ""
}

// LastName splits the "last,first" convention.
func (p PersonSection) LastName() string {
	parts := strings.SplitN(p.Name, ",", 2)
	return strings.TrimSpace(parts[0])
}

// GeneralSection carries retry/timeout/duration knobs.
type GeneralSection struct {
	Duration int `yaml:"duration"`
	Retries  int `yaml:"retries"`
	Timeout  int `yaml:"timeout"`
}

// ServerSection is the relay's address.
type ServerSection struct {
	IP   string `yaml:"ip"`
	Port int    `yaml:"port"`
}

// EndpointConfig is the full configuration surface for a person or bank
// endpoint.
type EndpointConfig struct {
	Person  PersonSection  `yaml:"person"`
	General GeneralSection `yaml:"general"`
	Server  ServerSection  `yaml:"server"`
	Actions []string       `yaml:"actions"`
}

// Addr formats Server as a dial address.
func (c EndpointConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.IP, c.Server.Port)
}

// applyDefaults fills in conservative defaults for unset general knobs.
func (c *EndpointConfig) applyDefaults() {
	if c.General.Duration <= 0 {
		c.General.Duration = 30
	}
	if c.General.Retries <= 0 {
		c.General.Retries = 3
	}
	if c.General.Timeout <= 0 {
		c.General.Timeout = 2
	}
}

// LoadEndpointConfig reads and validates an endpoint configuration file.
func LoadEndpointConfig(path string) (*EndpointConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	var cfg EndpointConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if cfg.Person.ID == "" {
		return nil, fmt.Errorf("config: %s: person.id is required", path)
	}
	cfg.applyDefaults()
	return &cfg, nil
}

// Employee grants a subset of permissions ("ADD", "SUB") to a person
// within one organization.
type Employee struct {
	Permissions []string `yaml:"permissions"`
}

// Organization owns one account and employs zero or more persons with
// scoped permissions over it.
type Organization struct {
	Account   string              `yaml:"account"`
	Employees map[string]Employee `yaml:"employees"`
}

// PersonAccount binds a registered person id to their personal account
// and public key (the bank's own copy, not fetched from the relay).
type PersonAccount struct {
	Account   string `yaml:"account"`
	PublicKey string `yaml:"public_key"`
}

// Permissions is the bank's static authorization model.
type Permissions struct {
	Persons       map[string]PersonAccount `yaml:"persons"`
	Organizations map[string]Organization  `yaml:"organizations"`
}

// LoadPermissions reads the bank's permission file.
func LoadPermissions(path string) (*Permissions, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	var p Permissions
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return &p, nil
}

// BankConfig extends EndpointConfig with the permission model and ledger
// location.
type BankConfig struct {
	EndpointConfig `yaml:",inline"`
	PermissionFile string `yaml:"permission_file"`
	LedgerPath     string `yaml:"ledger_path"`
}

// LoadBankConfig reads and validates a bank configuration file.
func LoadBankConfig(path string) (*BankConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	var cfg BankConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if cfg.Person.ID == "" {
		return nil, fmt.Errorf("config: %s: person.id is required", path)
	}
	if cfg.PermissionFile == "" {
		return nil, fmt.Errorf("config: %s: permission_file is required", path)
	}
	if cfg.LedgerPath == "" {
		return nil, fmt.Errorf("config: %s: ledger_path is required", path)
	}
	cfg.applyDefaults()
	return &cfg, nil
}
