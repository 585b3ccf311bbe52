package auth

import (
	"context"
	"testing"

	"github.com/vaultapi/vaultapi/internal/model"
)

func TestContextHelpers(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	if SessionFromContext(ctx) != nil || KeyFromContext(ctx) != nil {
		t.Fatal("empty context should carry no identity")
	}
	if UserIDFromContext(ctx) != "" {
		t.Fatal("empty context should have no user ID")
	}

	keyCtx := ContextWithKey(ctx, &model.KeyContext{KeyID: "k1", UserID: "u-key"})
	if got := UserIDFromContext(keyCtx); got != "u-key" {
		t.Errorf("UserIDFromContext(key) = %q, want u-key", got)
	}

	sessionCtx := ContextWithSession(keyCtx, &model.SessionContext{UserID: "u-session"})
	if got := UserIDFromContext(sessionCtx); got != "u-session" {
		t.Errorf("session should take precedence, got %q", got)
	}
	if MustSessionFromContext(sessionCtx).UserID != "u-session" {
		t.Error("MustSessionFromContext returned wrong session")
	}
}

func TestMustSessionFromContext_Panics(t *testing.T) {
	t.Parallel()

	defer func() {
		if recover() == nil {
			t.Error("expected panic without session")
		}
	}()
	MustSessionFromContext(context.Background())
}
