package security

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strings"
)

var blockedHosts = []string{"localhost", "metadata.google.internal", "metadata.google"}

// ValidateOutboundURL checks that a configured upstream (the justification
// model endpoint) is an https URL that does not point into the private
// network. allowPrivate relaxes the scheme and address checks for local
// development against a self-hosted model.
func ValidateOutboundURL(ctx context.Context, rawURL string, allowPrivate bool) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL format")
	}
	switch {
	case u.Scheme == "https":
	case u.Scheme == "http" && allowPrivate:
	default:
		return fmt.Errorf("URL scheme must be https")
	}
	if u.Host == "" {
		return fmt.Errorf("URL must have a host")
	}
	if allowPrivate {
		return nil
	}

	host := u.Hostname()
	for _, b := range blockedHosts {
		if strings.EqualFold(host, b) {
			return fmt.Errorf("URL host %q is not allowed", host)
		}
	}

	if ip := net.ParseIP(host); ip != nil {
		return checkIP(ip)
	}

	addrs, err := net.DefaultResolver.LookupIPAddr(ctx, host)
	if err != nil {
		return fmt.Errorf("cannot resolve URL host: %s", host)
	}
	for _, a := range addrs {
		if err := checkIP(a.IP); err != nil {
			return fmt.Errorf("URL host %q resolves to blocked address: %v", host, err)
		}
	}
	return nil
}

func checkIP(ip net.IP) error {
	switch {
	case ip.IsLoopback():
		return fmt.Errorf("loopback addresses are not allowed")
	case ip.IsPrivate():
		return fmt.Errorf("private addresses are not allowed")
	case ip.IsLinkLocalUnicast(), ip.IsLinkLocalMulticast():
		return fmt.Errorf("link-local addresses are not allowed")
	case ip.IsUnspecified():
		return fmt.Errorf("unspecified addresses are not allowed")
	}
	return nil
}
