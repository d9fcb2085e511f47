package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"dario.cat/mergo"
	"github.com/joho/godotenv"
	"github.com/titanous/json5"
)

// Config is read from config.json5, merged with config.local.json5 and
// then overridden from the environment.
type Config struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Locale   string `json:"locale"`
	Timezone string `json:"timezone"`

	Outputs struct {
		JSON          string `json:"json"`
		Screenshot    string `json:"screenshot"`
		PDF           string `json:"pdf"`
		CalendarTitle string `json:"calendarTitle"`
	} `json:"outputs"`

	SessionHandle string `json:"sessionHandle"`

	Browser struct {
		Bin       string `json:"bin"`
		RemoteURL string `json:"remoteURL"`
		UserAgent string `json:"userAgent"`
	} `json:"browser"`

	// Durations use time.ParseDuration syntax ("30s").
	Timeouts struct {
		Navigation string `json:"navigation"`
		Classify   string `json:"classify"`
		AuthResult string `json:"authResult"`
		Check      string `json:"check"`
	} `json:"timeouts"`

	Notify struct {
		To       string `json:"to"`
		Provider string `json:"provider"` // mock, brevo or gmail; picked from the credentials when empty
		From     string `json:"from"`
		FromName string `json:"fromName"`
	} `json:"notify"`

	Storage struct {
		Bucket string `json:"bucket"`
		Local  string `json:"local"`
	} `json:"storage"`

	Schedule string `json:"schedule"`
	Port     string `json:"port"`

	// Secrets only come from the environment.
	BrevoAPIKey     string `json:"-"`
	GoogleCredsJSON string `json:"-"`
}

func defaultConfig() Config {
	var c Config
	c.Locale = "nl"
	c.Timezone = "Europe/Amsterdam"
	c.Outputs.JSON = "bezorgmoment.json"
	c.Outputs.Screenshot = "bezorgmoment.png"
	c.Outputs.PDF = "bezorgmoment.pdf"
	c.Outputs.CalendarTitle = "Albert Heijn bezorgmoment"
	c.SessionHandle = ".bezorgmoment-session"
	c.Timeouts.Navigation = "30s"
	c.Timeouts.Classify = "15s"
	c.Timeouts.AuthResult = "20s"
	c.Timeouts.Check = "2m"
	c.Notify.FromName = "Bezorgmoment"
	c.Schedule = "*/5 * * * *"
	c.Port = "8080"
	return c
}

// loadConfig reads name and its .local sibling. Missing files are fine: the
// environment alone can configure a run.
func loadConfig(name string) (Config, error) {
	cfg := defaultConfig()

	ext := filepath.Ext(name)
	local := strings.TrimSuffix(name, ext) + ".local" + ext
	for _, path := range []string{name, local} {
		data, err := os.ReadFile(path)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		var override Config
		if err := json5.Unmarshal(data, &override); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", path, err)
		}
		if err := mergo.Merge(&cfg, override, mergo.WithOverride); err != nil {
			return cfg, fmt.Errorf("merge %s: %w", path, err)
		}
	}

	// A missing .env file is the normal case outside development.
	_ = godotenv.Load()
	applyEnv(&cfg)

	if err := cfg.validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	set := func(dst *string, key string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	set(&cfg.Username, "AH_USERNAME")
	set(&cfg.Password, "AH_PASSWORD")
	set(&cfg.Browser.RemoteURL, "BROWSER_URL")
	set(&cfg.Storage.Bucket, "STORAGE_BUCKET")
	set(&cfg.Storage.Local, "LOCAL_STORAGE")
	set(&cfg.Port, "PORT")
	set(&cfg.BrevoAPIKey, "BREVO_API_KEY")
	set(&cfg.GoogleCredsJSON, "GOOGLE_CREDENTIALS_JSON")
	set(&cfg.Notify.To, "NOTIFY_TO")
}

func (c Config) validate() error {
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		return fmt.Errorf("invalid timezone %q: %w", c.Timezone, err)
	}
	for name, v := range map[string]string{
		"navigation": c.Timeouts.Navigation,
		"classify":   c.Timeouts.Classify,
		"authResult": c.Timeouts.AuthResult,
		"check":      c.Timeouts.Check,
	} {
		if _, err := time.ParseDuration(v); err != nil {
			return fmt.Errorf("invalid %s timeout %q: %w", name, v, err)
		}
	}
	switch c.Notify.Provider {
	case "", "mock", "brevo", "gmail":
	default:
		return fmt.Errorf("unknown notify provider %q", c.Notify.Provider)
	}
	return nil
}

// duration returns a validated duration field.
func duration(s string) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0
	}
	return d
}
