package transit

import "net"

// defaultAddrLister enumerates non-loopback IPv4/IPv6 addresses bound to
// this host's interfaces. This is the production default, swappable via
// NewSender/NewReceiver's addrLister parameter for tests.
func defaultAddrLister() ([]string, error) {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return nil, err
	}
	var out []string
	for _, a := range addrs {
		ipNet, ok := a.(*net.IPNet)
		if !ok || ipNet.IP.IsLoopback() || ipNet.IP.IsLinkLocalUnicast() {
			continue
		}
		out = append(out, ipNet.IP.String())
	}
	return out, nil
}
