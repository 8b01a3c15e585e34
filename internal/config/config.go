package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port          string `mapstructure:"PORT"`
	Env           string `mapstructure:"ENV"`
	LogLevel      string `mapstructure:"LOG_LEVEL"`
	PublicBaseURL string `mapstructure:"PUBLIC_BASE_URL"`

	// Endorser
	EndorserISS                 string        `mapstructure:"ENDORSER_ISS"`
	EndorserCertFile            string        `mapstructure:"ENDORSER_CERT_FILE"`
	EndorserKeyFile             string        `mapstructure:"ENDORSER_KEY_FILE"`
	EndorserP12File             string        `mapstructure:"ENDORSER_P12_FILE"`
	EndorserP12Password         string        `mapstructure:"ENDORSER_P12_PASSWORD"`
	CertificationIssuer         string        `mapstructure:"ENDORSER_CERTIFICATION_ISSUER"`
	CertificationName           string        `mapstructure:"ENDORSER_CERTIFICATION_NAME"`
	CertificationLogo           string        `mapstructure:"ENDORSER_CERTIFICATION_LOGO"`
	CertificationURI            string        `mapstructure:"ENDORSER_CERTIFICATION_URI"`
	CertificationStatusEndpoint string        `mapstructure:"ENDORSER_CERTIFICATION_STATUS_ENDPOINT"`
	EndorsementTTL              time.Duration `mapstructure:"ENDORSEMENT_TTL"`

	// Storage
	IdentifierSystem string `mapstructure:"IDENTIFIER_SYSTEM"`
	StoreDriver      string `mapstructure:"STORE_DRIVER"`
	EndorserFHIRBase string `mapstructure:"ENDORSER_FHIR_BASE"`
	EHRFHIRBase      string `mapstructure:"EHR_FHIR_BASE"`
	DatabaseURL      string `mapstructure:"DATABASE_URL"`
	DBMaxConns       int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns       int32  `mapstructure:"DB_MIN_CONNS"`
	SessionDriver    string `mapstructure:"SESSION_DRIVER"`

	// EHR
	TrustedEndorser              string        `mapstructure:"TRUSTED_ENDORSER"`
	EHRBaseURL                   string        `mapstructure:"EHR_BASE_URL"`
	AuthorizeUIURL               string        `mapstructure:"AUTHORIZE_UI_URL"`
	JWKSFetchTimeout             time.Duration `mapstructure:"JWKS_FETCH_TIMEOUT"`
	JWKSCacheTTL                 time.Duration `mapstructure:"JWKS_CACHE_TTL"`
	AccessTokenTTL               time.Duration `mapstructure:"ACCESS_TOKEN_TTL"`
	AuthorizationCodeTTL         time.Duration `mapstructure:"AUTHORIZATION_CODE_TTL"`
	SessionTTL                   time.Duration `mapstructure:"SESSION_TTL"`
	ClientAssertionMaxTTL        time.Duration `mapstructure:"CLIENT_ASSERTION_MAX_TTL"`
	SoftwareStatementMaxTTL      time.Duration `mapstructure:"SOFTWARE_STATEMENT_MAX_TTL"`
	GatewayEnforceResourceScopes bool          `mapstructure:"GATEWAY_ENFORCE_RESOURCE_SCOPES"`

	RateLimitRPS   float64  `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst int      `mapstructure:"RATE_LIMIT_BURST"`
	CORSOrigins    []string `mapstructure:"CORS_ORIGINS"`

	// Demo client app
	AppEnabled          bool     `mapstructure:"APP_ENABLED"`
	AppURL              string   `mapstructure:"APP_URL"`
	AppOrganizationName string   `mapstructure:"APP_ORGANIZATION_NAME"`
	AppDeveloperName    string   `mapstructure:"APP_DEVELOPER_NAME"`
	AppClientName       string   `mapstructure:"APP_CLIENT_NAME"`
	AppRedirectURIs     []string `mapstructure:"APP_REDIRECT_URIS"`
	AppCertFile         string   `mapstructure:"APP_CERT_FILE"`
	AppKeyFile          string   `mapstructure:"APP_KEY_FILE"`
	AppInstanceKeyFile  string   `mapstructure:"APP_INSTANCE_KEY_FILE"`
	EndorserAPIURL      string   `mapstructure:"ENDORSER_API_URL"`
}

var keys = []string{
	"PORT", "ENV", "LOG_LEVEL", "PUBLIC_BASE_URL",
	"ENDORSER_ISS", "ENDORSER_CERT_FILE", "ENDORSER_KEY_FILE", "ENDORSER_P12_FILE", "ENDORSER_P12_PASSWORD",
	"ENDORSER_CERTIFICATION_ISSUER", "ENDORSER_CERTIFICATION_NAME", "ENDORSER_CERTIFICATION_LOGO",
	"ENDORSER_CERTIFICATION_URI", "ENDORSER_CERTIFICATION_STATUS_ENDPOINT", "ENDORSEMENT_TTL",
	"IDENTIFIER_SYSTEM", "STORE_DRIVER", "ENDORSER_FHIR_BASE", "EHR_FHIR_BASE",
	"DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS", "SESSION_DRIVER",
	"TRUSTED_ENDORSER", "EHR_BASE_URL", "AUTHORIZE_UI_URL",
	"JWKS_FETCH_TIMEOUT", "JWKS_CACHE_TTL", "ACCESS_TOKEN_TTL", "AUTHORIZATION_CODE_TTL", "SESSION_TTL",
	"CLIENT_ASSERTION_MAX_TTL", "SOFTWARE_STATEMENT_MAX_TTL", "GATEWAY_ENFORCE_RESOURCE_SCOPES",
	"RATE_LIMIT_RPS", "RATE_LIMIT_BURST", "CORS_ORIGINS",
	"APP_ENABLED", "APP_URL", "APP_ORGANIZATION_NAME", "APP_DEVELOPER_NAME", "APP_CLIENT_NAME",
	"APP_REDIRECT_URIS", "APP_CERT_FILE", "APP_KEY_FILE", "APP_INSTANCE_KEY_FILE", "ENDORSER_API_URL",
}

// requiredInProduction have no default outside development.
var requiredInProduction = []string{
	"ENDORSER_ISS", "TRUSTED_ENDORSER", "EHR_BASE_URL", "AUTHORIZE_UI_URL", "EHR_FHIR_BASE",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "3000")
	v.SetDefault("ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("PUBLIC_BASE_URL", "http://localhost:3000")
	v.SetDefault("ENDORSER_CERT_FILE", "fixtures/endorser.crt")
	v.SetDefault("ENDORSER_KEY_FILE", "fixtures/endorser.private.key")
	v.SetDefault("ENDORSER_CERTIFICATION_ISSUER", "Wadup Demo Endorser")
	v.SetDefault("ENDORSER_CERTIFICATION_NAME", "Wadup Certified")
	v.SetDefault("ENDORSEMENT_TTL", 365*24*time.Hour)
	v.SetDefault("IDENTIFIER_SYSTEM", "https://udap-spike.example.org")
	v.SetDefault("STORE_DRIVER", "memory")
	v.SetDefault("DB_MAX_CONNS", 10)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("SESSION_DRIVER", "memory")
	v.SetDefault("JWKS_FETCH_TIMEOUT", 10*time.Second)
	v.SetDefault("JWKS_CACHE_TTL", 5*time.Minute)
	v.SetDefault("ACCESS_TOKEN_TTL", time.Hour)
	v.SetDefault("AUTHORIZATION_CODE_TTL", 5*time.Minute)
	v.SetDefault("SESSION_TTL", 30*time.Minute)
	v.SetDefault("CLIENT_ASSERTION_MAX_TTL", 5*time.Minute)
	v.SetDefault("SOFTWARE_STATEMENT_MAX_TTL", 5*time.Minute)
	v.SetDefault("GATEWAY_ENFORCE_RESOURCE_SCOPES", false)
	v.SetDefault("RATE_LIMIT_RPS", 5)
	v.SetDefault("RATE_LIMIT_BURST", 20)
	v.SetDefault("CORS_ORIGINS", "*")
	v.SetDefault("APP_ENABLED", true)
	v.SetDefault("APP_ORGANIZATION_NAME", "Wadup Demo Developers")
	v.SetDefault("APP_DEVELOPER_NAME", "Dr. Demo Developer")
	v.SetDefault("APP_CLIENT_NAME", "Wadup Demo App")

	// Bind env vars explicitly so Unmarshal picks them up
	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	setDerivedDefaults(v)

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.CORSOrigins = splitList(cfg.CORSOrigins, v.GetString("CORS_ORIGINS"))
	cfg.AppRedirectURIs = splitList(cfg.AppRedirectURIs, v.GetString("APP_REDIRECT_URIS"))

	return cfg, nil
}

// setDerivedDefaults fills URL options from PUBLIC_BASE_URL. Production
// deployments must set the trust-relevant ones explicitly.
func setDerivedDefaults(v *viper.Viper) {
	base := strings.TrimRight(v.GetString("PUBLIC_BASE_URL"), "/")
	prod := v.GetString("ENV") == "production"

	if !prod {
		v.SetDefault("ENDORSER_ISS", base+"/endorser")
		v.SetDefault("TRUSTED_ENDORSER", base+"/endorser")
		v.SetDefault("EHR_BASE_URL", base+"/ehr")
		v.SetDefault("AUTHORIZE_UI_URL", base+"/ehr-ui/")
		v.SetDefault("EHR_FHIR_BASE", base+"/fhir")
		v.SetDefault("DATABASE_URL", "postgres://localhost:5432/udap")
	}
	v.SetDefault("ENDORSER_FHIR_BASE", base+"/fhir")

	iss := strings.TrimRight(v.GetString("ENDORSER_ISS"), "/")
	if iss != "" {
		v.SetDefault("ENDORSER_CERTIFICATION_LOGO", iss+"/logo.png")
		v.SetDefault("ENDORSER_CERTIFICATION_URI", iss+"/policy.html")
		v.SetDefault("ENDORSER_CERTIFICATION_STATUS_ENDPOINT", iss+"/api/status.json")
		v.SetDefault("ENDORSER_API_URL", iss+"/api")
	}

	v.SetDefault("APP_URL", base+"/app")
	v.SetDefault("APP_REDIRECT_URIS", strings.TrimRight(v.GetString("APP_URL"), "/")+"/oauth-redirect")
}

func splitList(parsed []string, raw string) []string {
	if len(parsed) > 0 {
		raw = strings.Join(parsed, ",")
	}
	var out []string
	for _, s := range strings.Split(raw, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Validate checks that the configuration is safe to run.
func (c *Config) Validate() error {
	var missing []string
	if c.IsProduction() {
		values := map[string]string{
			"ENDORSER_ISS":     c.EndorserISS,
			"TRUSTED_ENDORSER": c.TrustedEndorser,
			"EHR_BASE_URL":     c.EHRBaseURL,
			"AUTHORIZE_UI_URL": c.AuthorizeUIURL,
			"EHR_FHIR_BASE":    c.EHRFHIRBase,
		}
		for _, k := range requiredInProduction {
			if values[k] == "" {
				missing = append(missing, k)
			}
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%s must be set in production", strings.Join(missing, ", "))
	}

	for name, u := range map[string]string{
		"ENDORSER_ISS":     c.EndorserISS,
		"TRUSTED_ENDORSER": c.TrustedEndorser,
		"EHR_BASE_URL":     c.EHRBaseURL,
		"AUTHORIZE_UI_URL": c.AuthorizeUIURL,
		"EHR_FHIR_BASE":    c.EHRFHIRBase,
	} {
		if !absoluteURL(u) {
			return fmt.Errorf("%s must be an absolute URL, got %q", name, u)
		}
	}

	switch c.StoreDriver {
	case "memory", "rest", "postgres":
	default:
		return fmt.Errorf("STORE_DRIVER must be \"memory\", \"rest\", or \"postgres\", got %q", c.StoreDriver)
	}
	switch c.SessionDriver {
	case "memory", "postgres":
	default:
		return fmt.Errorf("SESSION_DRIVER must be \"memory\" or \"postgres\", got %q", c.SessionDriver)
	}
	if (c.StoreDriver == "postgres" || c.SessionDriver == "postgres") && c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required for the postgres driver")
	}
	if c.StoreDriver == "rest" && !absoluteURL(c.EndorserFHIRBase) {
		return fmt.Errorf("ENDORSER_FHIR_BASE must be an absolute URL for the rest driver")
	}

	if c.EndorserP12File == "" && (c.EndorserCertFile == "" || c.EndorserKeyFile == "") {
		return fmt.Errorf("ENDORSER_P12_FILE or ENDORSER_CERT_FILE and ENDORSER_KEY_FILE are required")
	}

	for name, d := range map[string]time.Duration{
		"ENDORSEMENT_TTL":            c.EndorsementTTL,
		"ACCESS_TOKEN_TTL":           c.AccessTokenTTL,
		"AUTHORIZATION_CODE_TTL":     c.AuthorizationCodeTTL,
		"SESSION_TTL":                c.SessionTTL,
		"CLIENT_ASSERTION_MAX_TTL":   c.ClientAssertionMaxTTL,
		"SOFTWARE_STATEMENT_MAX_TTL": c.SoftwareStatementMaxTTL,
		"JWKS_FETCH_TIMEOUT":         c.JWKSFetchTimeout,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}

	if c.AppEnabled && len(c.AppRedirectURIs) == 0 {
		return fmt.Errorf("APP_REDIRECT_URIS must list at least one URI when APP_ENABLED is true")
	}

	return nil
}

// EHRFHIRServerURL is the audience an authorization request may name.
func (c *Config) EHRFHIRServerURL() string {
	return strings.TrimRight(c.EHRBaseURL, "/") + "/api/fhir"
}

func absoluteURL(s string) bool {
	u, err := url.Parse(s)
	return err == nil && u.Scheme != "" && u.Host != ""
}
