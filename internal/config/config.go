package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds the configuration for the application.
type Config struct {
	Environment   string `mapstructure:"environment"`
	DevModeBypass bool   `mapstructure:"dev_mode_bypass"`
	Server        struct {
		Addr string `mapstructure:"addr"`
	} `mapstructure:"server"`
	TLS struct {
		Enable   bool   `mapstructure:"enable"`
		CertFile string `mapstructure:"cert_file"`
		KeyFile  string `mapstructure:"key_file"`
		// Hostnames for a self-signed certificate generated when CertFile is missing.
		Hostnames []string `mapstructure:"hostnames"`
	} `mapstructure:"tls"`
	Store struct {
		Driver string `mapstructure:"driver"` // postgres, sqlite or memory
	} `mapstructure:"store"`
	DB struct {
		Host     string `mapstructure:"host"`
		Port     int    `mapstructure:"port"`
		User     string `mapstructure:"user"`
		Password string `mapstructure:"password"`
		Name     string `mapstructure:"name"`
		SSLMode  string `mapstructure:"sslmode"`
	} `mapstructure:"db"`
	SQLite struct {
		Path string `mapstructure:"path"`
	} `mapstructure:"sqlite"`
	Auth struct {
		OktaDomain   string `mapstructure:"okta_domain"`
		ClientID     string `mapstructure:"client_id"`
		ClientSecret string `mapstructure:"client_secret"`
		RedirectURL  string `mapstructure:"redirect_url"`
		// Public PKCE client used by the Swagger UI at /docs.
		SwaggerClientID string `mapstructure:"swagger_client_id"`
		// Claim carrying the user's role ids.
		RolesClaim string `mapstructure:"roles_claim"`
		// Role granting space admin; every authenticated user is a space member.
		AdminRole string `mapstructure:"admin_role"`
	} `mapstructure:"auth"`
	NATS struct {
		URL           string `mapstructure:"url"`
		SubjectPrefix string `mapstructure:"subject_prefix"`
	} `mapstructure:"nats"`
	Permissions struct {
		// CustomRoles maps a system role tag to a CEL expression over actor and proposal.
		CustomRoles map[string]string `mapstructure:"custom_roles"`
	} `mapstructure:"permissions"`
	Log struct {
		Level string `mapstructure:"level"`
	} `mapstructure:"log"`
	Telemetry struct {
		// OTLPEndpoint is the gRPC collector address; empty leaves metrics unexported.
		OTLPEndpoint string        `mapstructure:"otlp_endpoint"`
		Insecure     bool          `mapstructure:"insecure"`
		Interval     time.Duration `mapstructure:"interval"`
	} `mapstructure:"telemetry"`
}

// LoadConfig loads the configuration from a file and the environment. An
// empty path searches ./config.yaml and ./config/config.yaml; a missing file
// is not an error since every key can come from EVAL_* variables.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}
	v.SetEnvPrefix("EVAL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, err
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, err
	}

	// normalize OKTA issuer url (strip trailing slash if any)
	config.Auth.OktaDomain = normalizeOktaIssuer(config.Auth.OktaDomain)

	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "development")
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("tls.cert_file", "certs/server.crt")
	v.SetDefault("tls.key_file", "certs/server.key")
	v.SetDefault("store.driver", "postgres")
	v.SetDefault("db.host", "localhost")
	v.SetDefault("db.port", 5432)
	v.SetDefault("db.sslmode", "disable")
	v.SetDefault("sqlite.path", "workflows.db")
	v.SetDefault("auth.roles_claim", "groups")
	v.SetDefault("nats.subject_prefix", "proposals.evaluation")
	v.SetDefault("log.level", "")
	v.SetDefault("telemetry.otlp_endpoint", "")
	v.SetDefault("telemetry.insecure", false)
	v.SetDefault("telemetry.interval", 15*time.Second)
}

// normalizeOktaIssuer ensures the provided Okta issuer string is in a
// predictable form. It removes any trailing slash and leaves the scheme and
// path intact.
func normalizeOktaIssuer(input string) string {
	return strings.TrimRight(strings.TrimSpace(input), "/")
}

// PostgresDSN returns the connection string for the db section.
func (c *Config) PostgresDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.DB.Host, c.DB.Port, c.DB.User, c.DB.Password, c.DB.Name, c.DB.SSLMode,
	)
}
