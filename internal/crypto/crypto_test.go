package crypto

import (
	"context"
	"testing"

	"github.com/gluk-w/wagate/internal/database"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func setupTestDB(t *testing.T) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open test database: %v", err)
	}
	sqlDB, _ := db.DB()
	sqlDB.SetMaxOpenConns(1)
	if err := database.Migrate(db); err != nil {
		t.Fatalf("auto-migrate: %v", err)
	}
	old := database.DB
	database.DB = db
	resetKeyCache()
	t.Cleanup(func() {
		database.DB = old
		resetKeyCache()
	})
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	setupTestDB(t)

	sealed, err := Encrypt("5b1f0c4e-token")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if sealed == "5b1f0c4e-token" {
		t.Fatal("expected ciphertext to differ from plaintext")
	}

	plain, err := Decrypt(sealed)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if plain != "5b1f0c4e-token" {
		t.Errorf("expected round trip, got %q", plain)
	}
}

func TestKeyPersistsAcrossCacheReset(t *testing.T) {
	setupTestDB(t)

	sealed, err := Encrypt("abc")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	resetKeyCache()

	plain, err := Decrypt(sealed)
	if err != nil {
		t.Fatalf("decrypt after reload: %v", err)
	}
	if plain != "abc" {
		t.Errorf("expected abc, got %q", plain)
	}
}

func TestDecryptRejectsGarbage(t *testing.T) {
	setupTestDB(t)

	if _, err := Decrypt("not-a-token"); err == nil {
		t.Error("expected error for invalid ciphertext")
	}
	if plain, err := Decrypt(""); err != nil || plain != "" {
		t.Errorf("expected empty passthrough, got %q %v", plain, err)
	}
}

func TestInstanceTokensWithStore(t *testing.T) {
	setupTestDB(t)

	store := database.NewStore(database.DB, InstanceTokens{})
	inst, err := store.CreateInstance(context.Background(), "shop", "", 1)
	if err != nil {
		t.Fatalf("create instance: %v", err)
	}
	if inst.SealedToken == inst.Token {
		t.Fatal("expected token to be sealed at rest")
	}
	got, err := store.FindByIDAndToken(context.Background(), inst.ID, inst.Token)
	if err != nil || got == nil {
		t.Fatalf("expected lookup by token to succeed, got %v %v", got, err)
	}
}
