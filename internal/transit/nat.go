package transit

import (
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/pion/stun/v3"
)

// stunTimeout bounds a single STUN server round-trip so hint enumeration
// never stalls on a dead server.
const stunTimeout = 2 * time.Second

// natEnricher best-effort discovers this host's public-facing address via
// STUN and offers it as an extra direct hint alongside locally enumerated
// addresses. Transit never blocks on this beyond stunTimeout per server.
type natEnricher struct {
	servers []string
	log     *slog.Logger
}

func newNATEnricher(servers []string) *natEnricher {
	return &natEnricher{
		servers: servers,
		log:     slog.Default().With("component", "transit.nat"),
	}
}

// publicHint attempts each configured STUN server in turn and returns the
// first successfully discovered "tcp:<public-ip>:<port>" hint. Returns
// ("", false) if none are configured or all fail; failures are logged at
// Debug and otherwise ignored — a failed STUN probe is expected on many
// networks and shouldn't abort hint collection.
func (n *natEnricher) publicHint(localPort int) (string, bool) {
	for _, server := range n.servers {
		ip, err := stunDiscoverIP(server)
		if err != nil {
			n.log.Debug("STUN discovery failed", "server", server, "err", err)
			continue
		}
		n.log.Debug("STUN discovered public address", "ip", ip, "server", server)
		return makeHint(ip, localPort), true
	}
	return "", false
}

// stunDiscoverIP sends a single STUN binding request over UDP to server
// and extracts the XOR-mapped (falling back to plain mapped) public IP.
// Only the IP is useful here: Transit's own listener port, not whatever
// ephemeral UDP source port this probe used, is what peers must dial.
func stunDiscoverIP(server string) (string, error) {
	conn, err := net.DialTimeout("udp", server, stunTimeout)
	if err != nil {
		return "", err
	}
	defer conn.Close()

	msg := stun.MustBuild(stun.TransactionID, stun.BindingRequest)
	conn.SetDeadline(time.Now().Add(stunTimeout))
	if _, err := conn.Write(msg.Raw); err != nil {
		return "", err
	}

	buf := make([]byte, 1500)
	n, err := conn.Read(buf)
	if err != nil {
		return "", err
	}

	resp := new(stun.Message)
	resp.Raw = buf[:n]
	if err := resp.Decode(); err != nil {
		return "", err
	}

	var xorAddr stun.XORMappedAddress
	if err := xorAddr.GetFrom(resp); err == nil {
		return xorAddr.IP.String(), nil
	}
	var mapped stun.MappedAddress
	if err := mapped.GetFrom(resp); err == nil {
		return mapped.IP.String(), nil
	}
	return "", fmt.Errorf("no mapped address in STUN response")
}
