package prefs

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/perplexo/gateway/internal/database"
)

func testStores(t *testing.T) map[string]Store {
	t.Helper()
	db, err := database.OpenSQLite(filepath.Join(t.TempDir(), "prefs.db"))
	if err != nil {
		t.Fatalf("OpenSQLite() error = %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	sq, err := NewSQLiteStore(db)
	if err != nil {
		t.Fatalf("NewSQLiteStore() error = %v", err)
	}
	return map[string]Store{"memory": NewMemoryStore(), "sqlite": sq}
}

func TestStore_DefaultsForUnknownUser(t *testing.T) {
	for name, s := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			p, err := s.Get(context.Background(), 1, "telegram")
			if err != nil {
				t.Fatalf("Get() error = %v", err)
			}
			if p != Default() {
				t.Errorf("Get() = %+v, want defaults", p)
			}
		})
	}
}

func TestStore_SetGet(t *testing.T) {
	for name, s := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			want := Preferences{Model: "sonar-pro", Focus: "academic", Mode: "pesquisa", Reasoning: true}
			if err := s.Set(ctx, 1, "telegram", want); err != nil {
				t.Fatalf("Set() error = %v", err)
			}

			got, _ := s.Get(ctx, 1, "telegram")
			if got != want {
				t.Errorf("Get() = %+v, want %+v", got, want)
			}

			other, _ := s.Get(ctx, 1, "whatsapp")
			if other != Default() {
				t.Errorf("channel should scope preferences, got %+v", other)
			}

			want.Model = "gpt-5.2"
			if err := s.Set(ctx, 1, "telegram", want); err != nil {
				t.Fatalf("Set() overwrite error = %v", err)
			}
			if got, _ := s.Get(ctx, 1, "telegram"); got.Model != "gpt-5.2" {
				t.Errorf("Model after overwrite = %q", got.Model)
			}
		})
	}
}

func TestStore_Toggle(t *testing.T) {
	for name, s := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			v, err := s.Toggle(ctx, 7, "telegram", SettingReasoning)
			if err != nil {
				t.Fatalf("Toggle() error = %v", err)
			}
			if !v {
				t.Error("reasoning should flip to true")
			}

			v, _ = s.Toggle(ctx, 7, "telegram", SettingReturnImages)
			if v {
				t.Error("return_images should flip to false")
			}

			p, _ := s.Get(ctx, 7, "telegram")
			if !p.Reasoning || p.ReturnImages || !p.ReturnCitations {
				t.Errorf("Get() after toggles = %+v", p)
			}

			if _, err := s.Toggle(ctx, 7, "telegram", "model"); !errors.Is(err, ErrUnknownSetting) {
				t.Errorf("Toggle(model) error = %v, want ErrUnknownSetting", err)
			}
		})
	}
}
