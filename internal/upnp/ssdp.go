// Package upnp implements the small slice of UPnP needed to find renderers and read their transport state:
// SSDP search, device descriptions and SOAP action calls.
package upnp

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"
)

const ssdpAddr = "239.255.255.250:1900"

// Search targets used by this module.
const (
	STMediaRenderer = "urn:schemas-upnp-org:device:MediaRenderer:1"
)

// SearchResult is a single SSDP response.
type SearchResult struct {
	ST       string
	USN      string
	UDN      string
	Location string
	IP       string
}

func mSearchRequest(st string, mx int) []byte {
	return []byte("M-SEARCH * HTTP/1.1\r\n" +
		"HOST: " + ssdpAddr + "\r\n" +
		"MAN: \"ssdp:discover\"\r\n" +
		fmt.Sprintf("MX: %d\r\n", mx) +
		"ST: " + st + "\r\n" +
		"\r\n")
}

// Search sends an M-SEARCH for st and collects responses until timeout.
func Search(ctx context.Context, st string, timeout time.Duration) ([]SearchResult, error) {
	if timeout == 0 {
		timeout = 3 * time.Second
	}

	addr, err := net.ResolveUDPAddr("udp4", ssdpAddr)
	if err != nil {
		return nil, fmt.Errorf("resolve ssdp addr: %w", err)
	}

	conn, err := net.ListenUDP("udp4", nil)
	if err != nil {
		return nil, fmt.Errorf("listen udp: %w", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	conn.SetReadDeadline(deadline)

	mx := int(timeout / time.Second)
	if mx < 1 {
		mx = 1
	}
	if _, err := conn.WriteToUDP(mSearchRequest(st, mx), addr); err != nil {
		return nil, fmt.Errorf("send m-search: %w", err)
	}

	var results []SearchResult
	seen := make(map[string]bool)
	buf := make([]byte, 4096)

	for {
		select {
		case <-ctx.Done():
			return results, ctx.Err()
		default:
		}

		n, remote, err := conn.ReadFromUDP(buf)
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				break
			}
			continue
		}

		res, err := ParseSearchResponse(buf[:n])
		if err != nil || res.ST != st {
			continue
		}
		if seen[res.USN] {
			continue
		}
		seen[res.USN] = true

		res.IP = remote.IP.String()
		results = append(results, res)
	}

	return results, nil
}

// ParseSearchResponse parses an HTTP-over-UDP SSDP response.
func ParseSearchResponse(data []byte) (SearchResult, error) {
	resp, err := http.ReadResponse(bufio.NewReader(bytes.NewReader(data)), nil)
	if err != nil {
		return SearchResult{}, err
	}
	defer resp.Body.Close()

	usn := resp.Header.Get("USN")
	return SearchResult{
		ST:       resp.Header.Get("ST"),
		USN:      usn,
		UDN:      UDNFromUSN(usn),
		Location: resp.Header.Get("Location"),
	}, nil
}

// UDNFromUSN extracts "uuid:..." from a USN such as "uuid:abc::urn:...".
func UDNFromUSN(usn string) string {
	if !strings.HasPrefix(usn, "uuid:") {
		return ""
	}
	return strings.SplitN(usn, "::", 2)[0]
}
