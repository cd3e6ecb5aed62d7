package transit

import "testing"

func TestNATEnricherNoServersConfigured(t *testing.T) {
	n := newNATEnricher(nil)
	if _, ok := n.publicHint(4000); ok {
		t.Fatal("expected no hint with no STUN servers configured")
	}
}

func TestNATEnricherUnreachableServerFailsClosed(t *testing.T) {
	// Nothing is listening on this loopback port; the STUN round trip
	// must fail (refused or timed out) and fall through to false rather
	// than hang or panic.
	n := newNATEnricher([]string{"127.0.0.1:1"})
	if _, ok := n.publicHint(4000); ok {
		t.Fatal("expected publicHint to fail against an unreachable server")
	}
}
