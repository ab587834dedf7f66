package security

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
)

// ErrBlockedEndpoint is returned for webhook targets inside the private
// network.
var ErrBlockedEndpoint = errors.New("endpoint not allowed")

// Resolver looks up a host's addresses. net.LookupHost satisfies it.
type Resolver func(host string) ([]string, error)

// ValidateWebhookURL checks that rawURL is an http(s) URL whose host, and
// every address it resolves to, is public. allowPrivate skips the address
// checks for local development against a sink on localhost.
func ValidateWebhookURL(rawURL string, allowPrivate bool, resolve Resolver) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid webhook URL: %w", err)
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return fmt.Errorf("webhook URL scheme must be http or https, got %q", u.Scheme)
	}
	host := u.Hostname()
	if host == "" {
		return errors.New("webhook URL must have a host")
	}
	if allowPrivate {
		return nil
	}

	for _, b := range []string{"localhost", "metadata.google.internal"} {
		if strings.EqualFold(host, b) {
			return fmt.Errorf("%w: host %q", ErrBlockedEndpoint, host)
		}
	}

	if ip := net.ParseIP(host); ip != nil {
		return checkIP(ip)
	}

	if resolve == nil {
		resolve = net.LookupHost
	}
	addrs, err := resolve(host)
	if err != nil {
		return fmt.Errorf("resolve webhook host %s: %w", host, err)
	}
	for _, a := range addrs {
		if ip := net.ParseIP(a); ip != nil {
			if err := checkIP(ip); err != nil {
				return fmt.Errorf("host %q resolves to %s: %w", host, a, err)
			}
		}
	}
	return nil
}

func checkIP(ip net.IP) error {
	switch {
	case ip.IsLoopback():
		return fmt.Errorf("%w: loopback address", ErrBlockedEndpoint)
	case ip.IsPrivate():
		return fmt.Errorf("%w: private address", ErrBlockedEndpoint)
	case ip.IsLinkLocalUnicast(), ip.IsLinkLocalMulticast():
		return fmt.Errorf("%w: link-local address", ErrBlockedEndpoint)
	case ip.IsUnspecified():
		return fmt.Errorf("%w: unspecified address", ErrBlockedEndpoint)
	}
	return nil
}
