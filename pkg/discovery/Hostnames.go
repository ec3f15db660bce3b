// Package discovery with the local addresses the callback receiver can be reached on
package discovery

import (
	"net"
	"net/url"

	"github.com/sirupsen/logrus"
)

// InterfaceAddresses returns the non-loopback IP addresses of the active network interfaces
//  address to only return the addresses of the network that contains this IP, "" for all
func InterfaceAddresses(address string) ([]net.IP, error) {
	result := make([]net.IP, 0)
	ip := net.ParseIP(address)

	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 {
			continue
		}
		addrs, err := iface.Addrs()
		// ignore interfaces without address
		if err != nil {
			continue
		}
		for _, a := range addrs {
			ifNet, isNet := a.(*net.IPNet)
			if !isNet || ifNet.IP.IsLoopback() {
				continue
			}
			if ip != nil && !ifNet.Contains(ip) {
				continue
			}
			logrus.Debugf("InterfaceAddresses: found network %v : %s", iface.Name, ifNet)
			result = append(result, ifNet.IP)
		}
	}
	return result, nil
}

// CertificateHostnames returns the names to include in the callback server certificate:
// the host of the public URL, the listening address if it is specific, and the addresses
// of the interfaces serving it.
//  listenAddress of the callback server, "" for all interfaces
//  publicURL the platform posts indications to, "" if not set
func CertificateHostnames(listenAddress string, publicURL string) []string {
	names := make([]string, 0)
	seen := make(map[string]bool)
	add := func(name string) {
		if name != "" && !seen[name] {
			seen[name] = true
			names = append(names, name)
		}
	}
	if publicURL != "" {
		if u, err := url.Parse(publicURL); err == nil {
			add(u.Hostname())
		} else {
			logrus.Warningf("CertificateHostnames: invalid public URL '%s': %s", publicURL, err)
		}
	}
	if ip := net.ParseIP(listenAddress); ip == nil || !ip.IsUnspecified() {
		add(listenAddress)
	}
	addrs, err := InterfaceAddresses(listenAddress)
	if err != nil {
		logrus.Warningf("CertificateHostnames: unable to list interfaces: %s", err)
	}
	for _, ip := range addrs {
		add(ip.String())
	}
	return names
}
