package identity

import (
	"context"
	"errors"
	"testing"
)

func TestResolve(t *testing.T) {
	tests := []struct {
		name      string
		session   Session
		wantToken string
		wantErr   error
	}{
		{name: "signed in", session: Session{UID: "u9", ClientID: "c1"}, wantToken: "u9"},
		{name: "anonymous", session: Session{ClientID: "c1"}, wantToken: "c1"},
		{name: "nothing", session: Session{}, wantErr: ErrNotSignedIn},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, err := Resolve(tt.session)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Resolve() error = %v, want %v", err, tt.wantErr)
			}
			if err != nil {
				return
			}
			if got := id.Token(); got != tt.wantToken {
				t.Errorf("Token() = %q, want %q", got, tt.wantToken)
			}
			if id.ClientID != tt.session.ClientID {
				t.Errorf("ClientID = %q, want %q", id.ClientID, tt.session.ClientID)
			}
		})
	}
}

func TestRequireUID(t *testing.T) {
	if _, err := RequireUID(Session{ClientID: "c1"}); !errors.Is(err, ErrNotSignedIn) {
		t.Errorf("RequireUID(anonymous) error = %v, want ErrNotSignedIn", err)
	}
	uid, err := RequireUID(Session{UID: "u9"})
	if err != nil || uid != "u9" {
		t.Errorf("RequireUID() = %q, %v", uid, err)
	}
}

func TestNewClientID(t *testing.T) {
	a, b := NewClientID(), NewClientID()
	if a == b {
		t.Error("client ids should be random")
	}
	if !ValidClientID(a) {
		t.Errorf("ValidClientID(%q) = false", a)
	}
	if ValidClientID("not-a-client-id") {
		t.Error("ValidClientID accepted garbage")
	}
}

func TestSessionContext(t *testing.T) {
	if got := FromContext(context.Background()); got != (Session{}) {
		t.Errorf("FromContext(empty) = %+v", got)
	}
	s := Session{UID: "u1", Role: RoleOperator, VIP: true}
	got := FromContext(WithSession(context.Background(), s))
	if got != s {
		t.Errorf("FromContext() = %+v, want %+v", got, s)
	}
	if !got.IsOperator() {
		t.Error("IsOperator() = false for operator role")
	}
}
