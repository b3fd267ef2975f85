// Package config loads service configuration from an optional YAML file and
// environment variables. Environment values win over the file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	yaml "gopkg.in/yaml.v3"
)

type Config struct {
	Port string `yaml:"port"`

	Database struct {
		URL        string `yaml:"url"`         // Postgres DSN
		SQLitePath string `yaml:"sqlite_path"` // used when URL is empty
	} `yaml:"database"`

	RedisURL string `yaml:"redis_url"`

	Auth struct {
		Mode       string `yaml:"mode"` // dev | hmac | jwks
		HMACSecret string `yaml:"hmac_secret"`
		JWKSURL    string `yaml:"jwks_url"`
		Issuer     string `yaml:"issuer"`
		Audience   string `yaml:"audience"`
	} `yaml:"auth"`

	Matching struct {
		RadiusKm float64 `yaml:"radius_km"`
	} `yaml:"matching"`

	Billing struct {
		UPIVPA      string `yaml:"upi_vpa"`
		CompanyName string `yaml:"company_name"`
	} `yaml:"billing"`

	Geocoder struct {
		BaseURL   string  `yaml:"base_url"`
		UserAgent string  `yaml:"user_agent"`
		RPS       float64 `yaml:"rps"`
	} `yaml:"geocoder"`

	Routing struct {
		APIKey  string `yaml:"api_key"`
		BaseURL string `yaml:"base_url"`
	} `yaml:"routing"`

	SMTP struct {
		Host     string `yaml:"host"`
		Port     int    `yaml:"port"`
		Username string `yaml:"username"`
		Password string `yaml:"password"`
		From     string `yaml:"from"`
	} `yaml:"smtp"`

	Storage struct {
		Bucket   string `yaml:"bucket"`
		Region   string `yaml:"region"`
		LocalDir string `yaml:"local_dir"`
		BaseURL  string `yaml:"base_url"`
	} `yaml:"storage"`

	FCMCredentialsFile string `yaml:"fcm_credentials_file"`

	Webhooks struct {
		MaxAttempts int `yaml:"max_attempts"`
	} `yaml:"webhooks"`

	Notify struct {
		QueueSize int `yaml:"queue_size"`
		Workers   int `yaml:"workers"`
	} `yaml:"notify"`

	LocationThrottle time.Duration `yaml:"location_throttle"`
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	var c Config
	c.Port = "8080"
	c.Auth.Mode = "dev"
	c.Matching.RadiusKm = 70
	c.Billing.CompanyName = "Field Service"
	c.Geocoder.BaseURL = "https://nominatim.openstreetmap.org"
	c.Geocoder.UserAgent = "fieldserve/1.0"
	c.Geocoder.RPS = 1
	c.Routing.BaseURL = "https://maps.googleapis.com/maps/api/directions/json"
	c.SMTP.Port = 587
	c.Storage.Region = "us-east-1"
	c.Storage.LocalDir = "uploads"
	c.Storage.BaseURL = "/uploads"
	c.Webhooks.MaxAttempts = 10
	c.Notify.QueueSize = 256
	c.Notify.Workers = 2
	c.LocationThrottle = 2 * time.Second
	return c
}

// Load reads $CONFIG_FILE when set and then applies environment overrides.
func Load() (Config, error) {
	c := Default()
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return c, fmt.Errorf("read config: %w", err)
		}
		if err := Parse(data, &c); err != nil {
			return c, err
		}
	}
	applyEnv(&c)
	if err := c.Validate(); err != nil {
		return c, err
	}
	return c, nil
}

// Parse decodes YAML onto c, keeping fields the document does not set.
func Parse(data []byte, c *Config) error {
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config: %w", err)
	}
	return nil
}

func (c Config) Validate() error {
	switch c.Auth.Mode {
	case "dev", "hmac", "jwks":
	default:
		return fmt.Errorf("auth.mode %q: want dev, hmac or jwks", c.Auth.Mode)
	}
	if c.Auth.Mode == "hmac" && c.Auth.HMACSecret == "" {
		return fmt.Errorf("auth.hmac_secret is required in hmac mode")
	}
	if c.Auth.Mode == "jwks" && c.Auth.JWKSURL == "" {
		return fmt.Errorf("auth.jwks_url is required in jwks mode")
	}
	if c.Matching.RadiusKm <= 0 {
		return fmt.Errorf("matching.radius_km must be positive")
	}
	return nil
}

func applyEnv(c *Config) {
	c.Port = get("PORT", c.Port)
	c.Database.URL = get("DATABASE_URL", c.Database.URL)
	c.Database.SQLitePath = get("SQLITE_PATH", c.Database.SQLitePath)
	c.RedisURL = get("REDIS_URL", c.RedisURL)
	c.Auth.Mode = strings.ToLower(get("AUTH_MODE", c.Auth.Mode))
	c.Auth.HMACSecret = get("AUTH_HMAC_SECRET", c.Auth.HMACSecret)
	c.Auth.JWKSURL = get("AUTH_JWKS_URL", c.Auth.JWKSURL)
	c.Auth.Issuer = get("AUTH_ISSUER", c.Auth.Issuer)
	c.Auth.Audience = get("AUTH_AUDIENCE", c.Auth.Audience)
	c.Matching.RadiusKm = getFloat("MATCH_RADIUS_KM", c.Matching.RadiusKm)
	c.Billing.UPIVPA = get("UPI_VPA", c.Billing.UPIVPA)
	c.Billing.CompanyName = get("COMPANY_NAME", c.Billing.CompanyName)
	c.Geocoder.BaseURL = get("GEOCODER_URL", c.Geocoder.BaseURL)
	c.Geocoder.UserAgent = get("GEOCODER_USER_AGENT", c.Geocoder.UserAgent)
	c.Routing.APIKey = get("GOOGLE_MAPS_API_KEY", c.Routing.APIKey)
	c.SMTP.Host = get("SMTP_HOST", c.SMTP.Host)
	c.SMTP.Port = getInt("SMTP_PORT", c.SMTP.Port)
	c.SMTP.Username = get("SMTP_USERNAME", c.SMTP.Username)
	c.SMTP.Password = get("SMTP_PASSWORD", c.SMTP.Password)
	c.SMTP.From = get("SMTP_FROM", c.SMTP.From)
	c.Storage.Bucket = get("S3_BUCKET", c.Storage.Bucket)
	c.Storage.Region = get("AWS_REGION", c.Storage.Region)
	c.Storage.LocalDir = get("UPLOAD_DIR", c.Storage.LocalDir)
	c.FCMCredentialsFile = get("FCM_CREDENTIALS_FILE", c.FCMCredentialsFile)
	c.Webhooks.MaxAttempts = getInt("WEBHOOK_MAX_ATTEMPTS", c.Webhooks.MaxAttempts)
	c.Notify.QueueSize = getInt("NOTIFY_QUEUE_SIZE", c.Notify.QueueSize)
	if v := os.Getenv("LOCATION_THROTTLE"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.LocationThrottle = d
		}
	}
}

// get returns the value of the environment variable k or def if not set.
func get(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func getInt(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getFloat(k string, def float64) float64 {
	if v := os.Getenv(k); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}
