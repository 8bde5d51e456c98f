package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ListenAddr != ":8080" {
		t.Fatalf("unexpected listen addr %q", cfg.ListenAddr)
	}
	if cfg.LoginWindowMinutes != 60 || cfg.LoginWindow() != time.Hour {
		t.Fatalf("unexpected login window %d", cfg.LoginWindowMinutes)
	}
	if cfg.ProjectMaxActiveLogins != 10 {
		t.Fatalf("unexpected default quota %d", cfg.ProjectMaxActiveLogins)
	}
	if cfg.TokenMaxAttempts != 10 || cfg.TokenRetryBackoff != 200*time.Millisecond {
		t.Fatalf("unexpected token retry config %d/%v", cfg.TokenMaxAttempts, cfg.TokenRetryBackoff)
	}
	if cfg.AuthBackend != "local" || cfg.NotifySender != "log" {
		t.Fatalf("unexpected backend defaults %q/%q", cfg.AuthBackend, cfg.NotifySender)
	}
}

func TestLoadRejectsBadCombinations(t *testing.T) {
	cases := []struct {
		name string
		env  map[string]string
	}{
		{"zero login window", map[string]string{"LOGIN_WINDOW_MINUTES": "0"}},
		{"negative quota", map[string]string{"PROJECT_MAX_ACTIVE_LOGINS": "-1"}},
		{"zero token attempts", map[string]string{"TOKEN_MAX_ATTEMPTS": "0"}},
		{"short password floor", map[string]string{"PASSWORD_MIN_LENGTH": "4"}},
		{"unknown auth backend", map[string]string{"AUTH_BACKEND": "ldap"}},
		{"sql backend without dsn", map[string]string{"AUTH_BACKEND": "sql"}},
		{"smtp sender without channels", map[string]string{"NOTIFY_SENDER": "smtp"}},
		{"unknown sender", map[string]string{"NOTIFY_SENDER": "carrier-pigeon"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			for k, v := range tc.env {
				t.Setenv(k, v)
			}
			if _, err := Load(); err == nil {
				t.Fatalf("expected load to fail")
			}
		})
	}
}

func TestLoadTrimsBaseURL(t *testing.T) {
	t.Setenv("BASE_URL", "https://sso.example.com/")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.BaseURL != "https://sso.example.com" {
		t.Fatalf("base URL not trimmed: %q", cfg.BaseURL)
	}
}

func TestParseSMTPChannels(t *testing.T) {
	chs, err := parseSMTPChannels("smtp://user:pw@mail1.example.com:587, smtps://mail2.example.com")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(chs) != 2 {
		t.Fatalf("expected 2 channels, got %d", len(chs))
	}
	if chs[0].Host != "mail1.example.com" || chs[0].Port != 587 || chs[0].Username != "user" || chs[0].Password != "pw" || chs[0].UseTLS {
		t.Fatalf("first channel wrong: %+v", chs[0])
	}
	if chs[1].Host != "mail2.example.com" || chs[1].Port != 465 || !chs[1].UseTLS {
		t.Fatalf("second channel should default to implicit TLS on 465: %+v", chs[1])
	}

	if _, err := parseSMTPChannels("http://mail.example.com"); err == nil {
		t.Fatalf("expected scheme rejection")
	}
	if _, err := parseSMTPChannels("smtp://mail.example.com:notaport"); err == nil {
		t.Fatalf("expected port rejection")
	}
	if chs, err := parseSMTPChannels("  "); err != nil || chs != nil {
		t.Fatalf("blank input should yield nothing, got %v %v", chs, err)
	}
}
