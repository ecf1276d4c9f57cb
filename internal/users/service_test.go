package users

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/readingroom/internal/auth"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func newTestService(t *testing.T, clock func() time.Time) *Service {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "users.db")), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&Identity{}); err != nil {
		t.Fatalf("failed to migrate identity schema: %v", err)
	}
	service, err := NewService(ServiceConfig{Database: db, Clock: clock})
	if err != nil {
		t.Fatalf("failed to create service: %v", err)
	}
	return service
}

func TestResolveCanonicalUserIDStripsProviderPrefix(t *testing.T) {
	service := newTestService(t, func() time.Time {
		return time.Unix(1, 0)
	})

	claims := auth.SessionClaims{
		UserID:          "google:12345",
		UserEmail:       "user@example.com",
		UserDisplayName: "Example User",
		UserAvatarURL:   "https://example.com/avatar.png",
	}
	userID, err := service.ResolveCanonicalUserID(context.Background(), claims)
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if userID != "12345" {
		t.Fatalf("expected canonical user id without provider prefix, got %q", userID)
	}

	// second call must reuse the existing record.
	userID, err = service.ResolveCanonicalUserID(context.Background(), claims)
	if err != nil {
		t.Fatalf("second resolve failed: %v", err)
	}
	if userID != "12345" {
		t.Fatalf("expected canonical user id to remain stable, got %q", userID)
	}
}

func TestResolveCanonicalUserIDRejectsEmptyClaims(t *testing.T) {
	service := newTestService(t, nil)
	if _, err := service.ResolveCanonicalUserID(context.Background(), auth.SessionClaims{}); !errors.Is(err, ErrInvalidIdentity) {
		t.Fatalf("expected invalid identity, got %v", err)
	}
}

func TestProfileReflectsLatestClaims(t *testing.T) {
	now := time.Unix(100, 0)
	service := newTestService(t, func() time.Time {
		return now
	})
	ctx := context.Background()

	if _, err := service.ResolveCanonicalUserID(ctx, auth.SessionClaims{UserID: "google:reader-1", UserDisplayName: "Old Name"}); err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	now = now.Add(time.Minute)
	if _, err := service.ResolveCanonicalUserID(ctx, auth.SessionClaims{
		UserID:          "google:reader-1",
		UserDisplayName: "New Name",
		UserAvatarURL:   "https://example.com/new.png",
	}); err != nil {
		t.Fatalf("refresh failed: %v", err)
	}

	profile, err := service.Profile(ctx, "reader-1")
	if err != nil {
		t.Fatalf("profile failed: %v", err)
	}
	if profile.DisplayName != "New Name" || profile.AvatarURL != "https://example.com/new.png" {
		t.Fatalf("expected refreshed profile, got %+v", profile)
	}
}

func TestProfileFallsBackToEmailLocalPart(t *testing.T) {
	service := newTestService(t, nil)
	ctx := context.Background()
	if _, err := service.ResolveCanonicalUserID(ctx, auth.SessionClaims{UserID: "reader-2", UserEmail: "ada@example.com"}); err != nil {
		t.Fatalf("resolve failed: %v", err)
	}

	profile, err := service.Profile(ctx, "reader-2")
	if err != nil {
		t.Fatalf("profile failed: %v", err)
	}
	if profile.DisplayName != "ada" {
		t.Fatalf("expected email local part, got %q", profile.DisplayName)
	}
}

func TestProfileUnknownUser(t *testing.T) {
	service := newTestService(t, nil)
	if _, err := service.Profile(context.Background(), "ghost"); !errors.Is(err, ErrUnknownUser) {
		t.Fatalf("expected unknown user, got %v", err)
	}
}
