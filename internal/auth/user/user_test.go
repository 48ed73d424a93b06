package user

import (
	"errors"
	"testing"
	"time"
)

func fixedClock() time.Time {
	return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
}

func staticID() (string, error) {
	return "user-1", nil
}

func TestCreateUserNormalizesEmail(t *testing.T) {
	created, err := CreateUser(CreateUserInput{Email: "  Casey@Example.COM ", DisplayName: " Casey "}, fixedClock, staticID)
	if err != nil {
		t.Fatalf("create user: %v", err)
	}
	if created.Email != "casey@example.com" {
		t.Fatalf("expected normalized email, got %q", created.Email)
	}
	if created.DisplayName != "Casey" {
		t.Fatalf("expected trimmed display name, got %q", created.DisplayName)
	}
	if created.ID != "user-1" {
		t.Fatalf("expected injected id, got %q", created.ID)
	}
	if !created.CreatedAt.Equal(fixedClock()) || !created.UpdatedAt.Equal(fixedClock()) {
		t.Fatal("expected timestamps from the injected clock")
	}
}

func TestCreateUserDefaultsDisplayNameToEmail(t *testing.T) {
	created, err := CreateUser(CreateUserInput{Email: "casey@example.com"}, fixedClock, staticID)
	if err != nil {
		t.Fatalf("create user: %v", err)
	}
	if created.DisplayName != "casey@example.com" {
		t.Fatalf("expected display name fallback, got %q", created.DisplayName)
	}
}

func TestCreateUserRejectsInvalidEmail(t *testing.T) {
	if _, err := CreateUser(CreateUserInput{Email: ""}, fixedClock, staticID); !errors.Is(err, ErrEmptyEmail) {
		t.Fatalf("expected ErrEmptyEmail, got %v", err)
	}
	if _, err := CreateUser(CreateUserInput{Email: "not-an-email"}, fixedClock, staticID); !errors.Is(err, ErrInvalidEmail) {
		t.Fatalf("expected ErrInvalidEmail, got %v", err)
	}
}
