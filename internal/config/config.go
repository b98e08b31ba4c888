package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/dbtoolkit/sysmigrate/internal/catalog"
	"github.com/dbtoolkit/sysmigrate/internal/mssql"
)

const defaultPort = 1433

// EndpointConfig describes one instance in the configuration file.
type EndpointConfig struct {
	Name     string `yaml:"name"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Encrypt  string `yaml:"encrypt"`
}

// Endpoint converts the file entry to a connection endpoint.
func (e EndpointConfig) Endpoint() mssql.Endpoint {
	return mssql.Endpoint{
		Name:     e.Name,
		Host:     e.Host,
		Port:     e.Port,
		Username: e.Username,
		Password: e.Password,
		Encrypt:  e.Encrypt,
	}
}

// PolicyConfig overrides individual transfer policy booleans. Absent
// fields keep the defaults from catalog.DefaultPolicy.
type PolicyConfig struct {
	Schemas               *bool `yaml:"schemas"`
	UserDefinedTypes      *bool `yaml:"user_defined_types"`
	UserDefinedTableTypes *bool `yaml:"user_defined_table_types"`
	Sequences             *bool `yaml:"sequences"`
	Tables                *bool `yaml:"tables"`
	Views                 *bool `yaml:"views"`
	Defaults              *bool `yaml:"defaults"`
	Rules                 *bool `yaml:"rules"`
	StoredProcedures      *bool `yaml:"stored_procedures"`
	Functions             *bool `yaml:"functions"`
	Aggregates            *bool `yaml:"aggregates"`
	Synonyms              *bool `yaml:"synonyms"`
	Assemblies            *bool `yaml:"assemblies"`
	DatabaseTriggers      *bool `yaml:"database_triggers"`
	Triggers              *bool `yaml:"triggers"`
	Roles                 *bool `yaml:"roles"`
	Users                 *bool `yaml:"users"`

	PreserveOwnerSchema       *bool `yaml:"preserve_owner_schema"`
	IncludeSystemObjects      *bool `yaml:"include_system_objects"`
	IncludeDependencies       *bool `yaml:"include_dependencies"`
	IncludePermissions        *bool `yaml:"include_permissions"`
	IncludeRoleMemberships    *bool `yaml:"include_role_memberships"`
	IncludeIndexes            *bool `yaml:"include_indexes"`
	ContinueOnGenerationError *bool `yaml:"continue_on_generation_error"`
}

// Config holds the application configuration.
type Config struct {
	LogLevel     string           `yaml:"log_level"`
	Source       EndpointConfig   `yaml:"source"`
	Destinations []EndpointConfig `yaml:"destinations"`
	Policy       PolicyConfig     `yaml:"policy"`
}

// Load reads the configuration file, applies environment overrides and
// validates the result. Passwords may come from the file or from the
// environment, never from flags.
func Load(path string) (*Config, error) {
	config := &Config{}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	config.applyEnvOverrides()
	config.applyDefaults()

	if err := config.validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// applyEnvOverrides layers SYSMIGRATE_* environment variables over the
// file values. Destination overrides use the uppercased destination
// name: SYSMIGRATE_DEST_{NAME}_PASSWORD.
func (c *Config) applyEnvOverrides() {
	c.LogLevel = getEnvOrDefault("SYSMIGRATE_LOG_LEVEL", c.LogLevel)

	c.Source.Host = getEnvOrDefault("SYSMIGRATE_SOURCE_HOST", c.Source.Host)
	c.Source.Username = getEnvOrDefault("SYSMIGRATE_SOURCE_USERNAME", c.Source.Username)
	c.Source.Password = getEnvOrDefault("SYSMIGRATE_SOURCE_PASSWORD", c.Source.Password)
	c.Source.Encrypt = getEnvOrDefault("SYSMIGRATE_SOURCE_ENCRYPT", c.Source.Encrypt)
	if port := os.Getenv("SYSMIGRATE_SOURCE_PORT"); port != "" {
		if value, err := strconv.Atoi(port); err == nil {
			c.Source.Port = value
		}
	}

	for i := range c.Destinations {
		prefix := "SYSMIGRATE_DEST_" + envKey(c.Destinations[i].Name) + "_"
		c.Destinations[i].Username = getEnvOrDefault(prefix+"USERNAME", c.Destinations[i].Username)
		c.Destinations[i].Password = getEnvOrDefault(prefix+"PASSWORD", c.Destinations[i].Password)
	}
}

func (c *Config) applyDefaults() {
	if c.Source.Port == 0 {
		c.Source.Port = defaultPort
	}
	for i := range c.Destinations {
		if c.Destinations[i].Port == 0 {
			c.Destinations[i].Port = defaultPort
		}
	}
}

func (c *Config) validate() error {
	if c.Source.Host == "" {
		return fmt.Errorf("source host is required")
	}
	if len(c.Destinations) == 0 {
		return fmt.Errorf("at least one destination is required")
	}
	seen := make(map[string]bool)
	for _, destination := range c.Destinations {
		if destination.Host == "" {
			return fmt.Errorf("destination %q: host is required", destination.Name)
		}
		name := destination.Endpoint().DisplayName()
		if seen[name] {
			return fmt.Errorf("duplicate destination %q", name)
		}
		seen[name] = true
	}
	return nil
}

// TransferPolicy builds the immutable transfer policy: defaults with
// the file's overrides applied.
func (c *Config) TransferPolicy() catalog.Policy {
	policy := catalog.DefaultPolicy()

	override(&policy.Schemas, c.Policy.Schemas)
	override(&policy.UserDefinedTypes, c.Policy.UserDefinedTypes)
	override(&policy.UserDefinedTableTypes, c.Policy.UserDefinedTableTypes)
	override(&policy.Sequences, c.Policy.Sequences)
	override(&policy.Tables, c.Policy.Tables)
	override(&policy.Views, c.Policy.Views)
	override(&policy.Defaults, c.Policy.Defaults)
	override(&policy.Rules, c.Policy.Rules)
	override(&policy.StoredProcedures, c.Policy.StoredProcedures)
	override(&policy.Functions, c.Policy.Functions)
	override(&policy.Aggregates, c.Policy.Aggregates)
	override(&policy.Synonyms, c.Policy.Synonyms)
	override(&policy.Assemblies, c.Policy.Assemblies)
	override(&policy.DatabaseTriggers, c.Policy.DatabaseTriggers)
	override(&policy.Triggers, c.Policy.Triggers)
	override(&policy.Roles, c.Policy.Roles)
	override(&policy.Users, c.Policy.Users)

	override(&policy.PreserveOwnerSchema, c.Policy.PreserveOwnerSchema)
	override(&policy.IncludeSystemObjects, c.Policy.IncludeSystemObjects)
	override(&policy.IncludeDependencies, c.Policy.IncludeDependencies)
	override(&policy.IncludePermissions, c.Policy.IncludePermissions)
	override(&policy.IncludeRoleMemberships, c.Policy.IncludeRoleMemberships)
	override(&policy.IncludeIndexes, c.Policy.IncludeIndexes)
	override(&policy.ContinueOnGenerationError, c.Policy.ContinueOnGenerationError)

	return policy
}

func override(target *bool, value *bool) {
	if value != nil {
		*target = *value
	}
}

// envKey normalizes a destination name for use in an environment
// variable name.
func envKey(name string) string {
	key := strings.ToUpper(name)
	key = strings.Map(func(r rune) rune {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			return r
		}
		return '_'
	}, key)
	return key
}

// getEnvOrDefault returns the environment variable value or a default
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
