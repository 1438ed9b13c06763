package infra

import (
	"testing"

	"farmdrop/internal/types"
)

func TestFirebaseTokenRole(t *testing.T) {
	cases := []struct {
		claims map[string]interface{}
		want   types.Role
	}{
		{map[string]interface{}{"role": "driver"}, types.RoleDriver},
		{map[string]interface{}{"role": "admin"}, types.RoleAdmin},
		{map[string]interface{}{"role": "superuser"}, types.RoleConsumer},
		{map[string]interface{}{"role": 7}, types.RoleConsumer},
		{nil, types.RoleConsumer},
	}
	for _, tc := range cases {
		tok := &FirebaseToken{UID: "u1", Claims: tc.claims}
		if got := tok.Role(); got != tc.want {
			t.Fatalf("claims %v: role %s, want %s", tc.claims, got, tc.want)
		}
	}
	if a := (&FirebaseToken{UID: "u1"}).Actor(); a.ID != "u1" || a.Role != types.RoleConsumer {
		t.Fatalf("unexpected actor %+v", a)
	}
}
