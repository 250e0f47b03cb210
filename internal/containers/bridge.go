package containers

import (
	"context"
	"fmt"
	"net"

	"flowtest/pkg/logging"
)

// DefaultBridgeInterface is the host side of Docker's default bridge.
const DefaultBridgeInterface = "docker0"

// GatewayInspector resolves the bridge gateway through the container engine.
type GatewayInspector interface {
	BridgeGateway(ctx context.Context) (string, error)
}

// BridgeOptions controls BridgeAddress.
type BridgeOptions struct {
	// Override wins when set.
	Override string
	// Interface defaults to DefaultBridgeInterface.
	Interface string
	// Inspector is consulted when the interface has no IPv4 address.
	Inspector GatewayInspector
}

// interfaceAddrs is replaced in tests.
var interfaceAddrs = func(name string) ([]net.Addr, error) {
	iface, err := net.InterfaceByName(name)
	if err != nil {
		return nil, err
	}
	return iface.Addrs()
}

// BridgeAddress returns the host address containers on the default bridge
// can reach the host under. The server under test listens on it so that
// client containers can connect.
func BridgeAddress(ctx context.Context, opts BridgeOptions) (string, error) {
	if opts.Override != "" {
		return opts.Override, nil
	}
	name := opts.Interface
	if name == "" {
		name = DefaultBridgeInterface
	}

	addrs, ifaceErr := interfaceAddrs(name)
	if ifaceErr == nil {
		for _, addr := range addrs {
			if ip := ipv4(addr); ip != "" {
				logging.Debug("Containers", "Bridge address %s from interface %s", ip, name)
				return ip, nil
			}
		}
		ifaceErr = fmt.Errorf("interface %s has no IPv4 address", name)
	}

	if opts.Inspector != nil {
		gw, err := opts.Inspector.BridgeGateway(ctx)
		if err == nil {
			logging.Debug("Containers", "Bridge address %s from bridge network gateway", gw)
			return gw, nil
		}
		return "", fmt.Errorf("unable to resolve bridge address: %v; %w", ifaceErr, err)
	}
	return "", fmt.Errorf("unable to find %q interface, is docker installed? %w", name, ifaceErr)
}

func ipv4(addr net.Addr) string {
	var ip net.IP
	switch v := addr.(type) {
	case *net.IPNet:
		ip = v.IP
	case *net.IPAddr:
		ip = v.IP
	}
	if v4 := ip.To4(); v4 != nil {
		return v4.String()
	}
	return ""
}
