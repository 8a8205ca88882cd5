package handlers

import (
	"context"
	"testing"

	"github.com/LettoKarvat/RCAFORM/internal/collection"
	"github.com/LettoKarvat/RCAFORM/internal/server/dto"
	"github.com/LettoKarvat/RCAFORM/internal/server/reqctx"
	"github.com/LettoKarvat/RCAFORM/internal/storage/backend"
	"github.com/LettoKarvat/RCAFORM/internal/storage/versioned"
)

func TestHealthHandler_Health(t *testing.T) {
	svc := &Services{
		Collection: collection.New(versioned.New(&backend.Memory{}, versioned.DefaultOptions()), collection.Options{}),
		Backend:    "memory",
	}
	for _, version := range []string{"1.0.0", "dev", ""} {
		resp, err := NewHealthHandler(svc, version).Health(t.Context(), &dto.EmptyRequest{})
		if err != nil {
			t.Fatalf("Health() error = %v", err)
		}
		if resp.Status != "ok" {
			t.Errorf("Status = %q, want %q", resp.Status, "ok")
		}
		if resp.Version != version {
			t.Errorf("Version = %q, want %q", resp.Version, version)
		}
		if resp.Backend != "memory" || resp.Pending != 0 {
			t.Errorf("resp = %+v", resp)
		}
	}
}

func TestOriginFrom(t *testing.T) {
	ctx := reqctx.WithClientIP(context.Background(), "203.0.113.4")
	ctx = reqctx.WithCountryCode(ctx, "BR")
	o := originFrom(ctx)
	if o.IP != "203.0.113.4" || o.Country != "BR" || o.UA != "" || o.Browser != "" {
		t.Errorf("origin = %+v", o)
	}

	ctx = reqctx.WithUserAgent(ctx, "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0.0.0 Safari/537.36")
	o = originFrom(ctx)
	if o.Browser != "Chrome 126.0.0.0" {
		t.Errorf("Browser = %q", o.Browser)
	}
	if o.OS == "" {
		t.Error("OS not detected")
	}
}
