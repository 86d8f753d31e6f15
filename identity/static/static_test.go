package static

import (
	"context"
	"errors"
	"testing"

	"github.com/gallerio/oauth/identity"
)

func TestVerifyCredentials(t *testing.T) {
	v := New()
	if err := v.AddUser("ansel", "f/64 and be there", "owner-ansel"); err != nil {
		t.Fatalf("AddUser: %v", err)
	}

	ctx := context.Background()

	ownerID, err := v.VerifyCredentials(ctx, "ansel", "f/64 and be there")
	if err != nil {
		t.Fatalf("VerifyCredentials: %v", err)
	}
	if ownerID != "owner-ansel" {
		t.Errorf("ownerID = %q, want owner-ansel", ownerID)
	}
}

func TestVerifyCredentialsFailures(t *testing.T) {
	v := New()
	if err := v.AddUser("ansel", "correct", "owner-ansel"); err != nil {
		t.Fatalf("AddUser: %v", err)
	}

	tests := []struct {
		name     string
		username string
		password string
	}{
		{"wrong password", "ansel", "incorrect"},
		{"unknown user", "nobody", "whatever"},
		{"empty password", "ansel", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := v.VerifyCredentials(context.Background(), tt.username, tt.password)
			if !errors.Is(err, identity.ErrInvalidCredentials) {
				t.Errorf("err = %v, want ErrInvalidCredentials", err)
			}
		})
	}
}

func TestAddUserValidation(t *testing.T) {
	v := New()
	if err := v.AddUser("", "pw", "owner"); err == nil {
		t.Error("expected error for empty username")
	}
	if err := v.AddUser("user", "pw", ""); err == nil {
		t.Error("expected error for empty owner ID")
	}
}
