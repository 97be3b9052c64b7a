package theme

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestDecode_NormalizesStoredDocument(t *testing.T) {
	data := []byte(`{
		"name": "Winter",
		"bgUrl": "themes/winter/bg.webp",
		"releaseAt": {"seconds": 1760788800, "nanoseconds": 500000000},
		"expiresAt": "2026-12-31T00:00:00Z",
		"deleteAt": 1798761600000,
		"rolloutPercent": "150",
		"featuredOnLogin": true
	}`)
	th, err := Decode("winter", data)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if th.ID != "winter" || th.Name != "Winter" {
		t.Errorf("Decode() id/name = %q/%q", th.ID, th.Name)
	}
	if th.Visibility != VisibilityPublic || th.Tier != TierAll {
		t.Errorf("defaults = %q/%q, want public/all", th.Visibility, th.Tier)
	}
	if th.ReleaseAt == nil || *th.ReleaseAt != 1760788800500 {
		t.Errorf("ReleaseAt = %v, want 1760788800500", th.ReleaseAt)
	}
	if th.ExpiresAt == nil || *th.ExpiresAt != 1798675200000 {
		t.Errorf("ExpiresAt = %v, want 1798675200000", th.ExpiresAt)
	}
	if th.DeleteAt == nil || *th.DeleteAt != 1798761600000 {
		t.Errorf("DeleteAt = %v, want 1798761600000", th.DeleteAt)
	}
	if th.RolloutPercent != 100 {
		t.Errorf("RolloutPercent = %d, want clamped 100", th.RolloutPercent)
	}
	if !th.FeaturedOnLogin {
		t.Error("FeaturedOnLogin = false, want true")
	}
}

func TestDecode_LenientPercent(t *testing.T) {
	for _, raw := range []string{`"lots"`, `null`, `true`, `-5`} {
		th, err := Decode("t1", []byte(`{"name":"x","rolloutPercent":`+raw+`}`))
		if err != nil {
			t.Fatalf("Decode(%s) error = %v", raw, err)
		}
		if th.RolloutPercent != 0 {
			t.Errorf("Decode(%s) RolloutPercent = %d, want 0", raw, th.RolloutPercent)
		}
	}
}

func TestDecode_MalformedInstant(t *testing.T) {
	_, err := Decode("t1", []byte(`{"name":"x","releaseAt":"next tuesday"}`))
	if !errors.Is(err, ErrMalformedInput) {
		t.Fatalf("Decode() error = %v, want ErrMalformedInput", err)
	}
}

func TestDecode_NotJSON(t *testing.T) {
	if _, err := Decode("t1", []byte(`{`)); !errors.Is(err, ErrMalformedInput) {
		t.Fatalf("Decode() error = %v, want ErrMalformedInput", err)
	}
}

func TestParseInput_StrictPercent(t *testing.T) {
	tests := []struct {
		raw     string
		want    int
		wantErr bool
	}{
		{raw: `0`, want: 0},
		{raw: `42`, want: 42},
		{raw: `"100"`, want: 100},
		{raw: `101`, wantErr: true},
		{raw: `-1`, wantErr: true},
		{raw: `12.5`, wantErr: true},
		{raw: `"half"`, wantErr: true},
		{raw: `true`, wantErr: true},
	}
	for _, tt := range tests {
		th, err := ParseInput("t1", []byte(`{"name":"x","rolloutPercent":`+tt.raw+`}`))
		if tt.wantErr {
			if !errors.Is(err, ErrMalformedInput) {
				t.Errorf("ParseInput(%s) error = %v, want ErrMalformedInput", tt.raw, err)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseInput(%s) error = %v", tt.raw, err)
			continue
		}
		if th.RolloutPercent != tt.want {
			t.Errorf("ParseInput(%s) RolloutPercent = %d, want %d", tt.raw, th.RolloutPercent, tt.want)
		}
	}
}

func TestValidate(t *testing.T) {
	valid := func() *Theme {
		return &Theme{
			ID:             "winter",
			Name:           " Winter ",
			BgURL:          "themes/winter/bg.webp",
			Effect:         "Snow",
			Visibility:     VisibilityPublic,
			Tier:           TierVIP,
			RolloutPercent: 50,
			ReleaseAt:      at(0),
			ExpiresAt:      at(time.Hour),
		}
	}

	th := valid()
	if err := th.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if th.Name != "Winter" || th.Effect != "snow" {
		t.Errorf("Validate() normalized name/effect = %q/%q", th.Name, th.Effect)
	}

	tests := []struct {
		name   string
		mutate func(*Theme)
	}{
		{"bad id", func(th *Theme) { th.ID = "a/b" }},
		{"empty name", func(th *Theme) { th.Name = "" }},
		{"long name", func(th *Theme) { th.Name = strings.Repeat("n", 81) }},
		{"markup name", func(th *Theme) { th.Name = "<script>" }},
		{"bad bg", func(th *Theme) { th.BgURL = "javascript:alert(1)" }},
		{"bad icon", func(th *Theme) { th.IconURL = "http://10.0.0.1/icon.png" }},
		{"bad effect", func(th *Theme) { th.Effect = "snow storm" }},
		{"bad visibility", func(th *Theme) { th.Visibility = "unlisted" }},
		{"bad tier", func(th *Theme) { th.Tier = "gold" }},
		{"percent high", func(th *Theme) { th.RolloutPercent = 101 }},
		{"percent low", func(th *Theme) { th.RolloutPercent = -1 }},
		{"expiry before release", func(th *Theme) { th.ExpiresAt = at(-time.Hour) }},
		{"expiry equals release", func(th *Theme) { th.ExpiresAt = at(0) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			th := valid()
			tt.mutate(th)
			if err := th.Validate(); !errors.Is(err, ErrMalformedInput) {
				t.Errorf("Validate() error = %v, want ErrMalformedInput", err)
			}
		})
	}
}
