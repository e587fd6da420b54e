package upnp

import (
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"sort"
	"time"
)

// AVTransportService is the UPnP AVTransport service type.
const AVTransportService = "urn:schemas-upnp-org:service:AVTransport:1"

// SOAPClient makes SOAP action calls against UPnP control URLs.
type SOAPClient struct {
	httpClient *http.Client
}

// NewSOAPClient creates a new SOAP client.
func NewSOAPClient(timeout time.Duration) *SOAPClient {
	if timeout == 0 {
		timeout = 3 * time.Second
	}
	return &SOAPClient{
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Call invokes action on the service at controlURL and returns the raw response body.
func (c *SOAPClient) Call(ctx context.Context, controlURL, service, action string, args map[string]string) ([]byte, error) {
	body := buildSOAPBody(service, action, args)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, controlURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", `text/xml; charset="utf-8"`)
	req.Header.Set("SOAPAction", fmt.Sprintf("\"%s#%s\"", service, action))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("soap request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("soap error (status %d): %s", resp.StatusCode, string(respBody))
	}
	return respBody, nil
}

func buildSOAPBody(service, action string, args map[string]string) []byte {
	// Stable argument order; some renderers are picky
	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var buf bytes.Buffer
	buf.WriteString(`<?xml version="1.0" encoding="utf-8"?>`)
	buf.WriteString(`<s:Envelope xmlns:s="http://schemas.xmlsoap.org/soap/envelope/" s:encodingStyle="http://schemas.xmlsoap.org/soap/encoding/">`)
	buf.WriteString(`<s:Body>`)
	fmt.Fprintf(&buf, `<u:%s xmlns:u="%s">`, action, service)
	for _, k := range keys {
		fmt.Fprintf(&buf, "<%s>", k)
		xml.EscapeText(&buf, []byte(args[k]))
		fmt.Fprintf(&buf, "</%s>", k)
	}
	fmt.Fprintf(&buf, `</u:%s>`, action)
	buf.WriteString(`</s:Body></s:Envelope>`)
	return buf.Bytes()
}

// TransportInfo contains playback transport state.
type TransportInfo struct {
	CurrentTransportState  string `xml:"CurrentTransportState"`
	CurrentTransportStatus string `xml:"CurrentTransportStatus"`
	CurrentSpeed           string `xml:"CurrentSpeed"`
}

// GetTransportInfo calls AVTransport#GetTransportInfo on instance 0.
func (c *SOAPClient) GetTransportInfo(ctx context.Context, controlURL string) (*TransportInfo, error) {
	resp, err := c.Call(ctx, controlURL, AVTransportService, "GetTransportInfo", map[string]string{"InstanceID": "0"})
	if err != nil {
		return nil, err
	}

	var envelope struct {
		Body struct {
			Response TransportInfo `xml:"GetTransportInfoResponse"`
		} `xml:"Body"`
	}
	if err := xml.Unmarshal(resp, &envelope); err != nil {
		return nil, fmt.Errorf("parse response: %w", err)
	}
	return &envelope.Body.Response, nil
}
