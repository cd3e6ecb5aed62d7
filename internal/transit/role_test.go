package transit

import "testing"

func TestRoleString(t *testing.T) {
	if RoleSender.String() != "sender" {
		t.Fatalf("got %q", RoleSender.String())
	}
	if RoleReceiver.String() != "receiver" {
		t.Fatalf("got %q", RoleReceiver.String())
	}
}
