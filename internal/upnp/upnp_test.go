package upnp

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestParseSearchResponse(t *testing.T) {
	raw := "HTTP/1.1 200 OK\r\n" +
		"CACHE-CONTROL: max-age=1800\r\n" +
		"LOCATION: http://192.168.0.10:52000/desc.xml\r\n" +
		"ST: urn:schemas-upnp-org:device:MediaRenderer:1\r\n" +
		"USN: uuid:abc-123::urn:schemas-upnp-org:device:MediaRenderer:1\r\n" +
		"\r\n"

	res, err := ParseSearchResponse([]byte(raw))
	if err != nil {
		t.Fatalf("ParseSearchResponse: %v", err)
	}
	if res.UDN != "uuid:abc-123" {
		t.Errorf("UDN = %q", res.UDN)
	}
	if res.Location != "http://192.168.0.10:52000/desc.xml" {
		t.Errorf("Location = %q", res.Location)
	}
	if res.ST != STMediaRenderer {
		t.Errorf("ST = %q", res.ST)
	}
}

func TestUDNFromUSN(t *testing.T) {
	tests := map[string]string{
		"uuid:abc::urn:x":  "uuid:abc",
		"uuid:abc":         "uuid:abc",
		"urn:no-uuid-here": "",
		"":                 "",
	}
	for in, want := range tests {
		if got := UDNFromUSN(in); got != want {
			t.Errorf("UDNFromUSN(%q) = %q, want %q", in, got, want)
		}
	}
}

const description = `<?xml version="1.0"?>
<root xmlns="urn:schemas-upnp-org:device-1-0">
  <device>
    <deviceType>urn:schemas-upnp-org:device:MediaRenderer:1</deviceType>
    <friendlyName>Bed Room</friendlyName>
    <UDN>uuid:zone-1</UDN>
    <serviceList>
      <service>
        <serviceType>urn:schemas-upnp-org:service:RenderingControl:1</serviceType>
        <serviceId>urn:upnp-org:serviceId:RenderingControl</serviceId>
        <controlURL>/RenderingControl/ctrl</controlURL>
      </service>
    </serviceList>
    <deviceList>
      <device>
        <UDN>uuid:zone-1-sub</UDN>
        <serviceList>
          <service>
            <serviceType>urn:schemas-upnp-org:service:AVTransport:1</serviceType>
            <serviceId>urn:upnp-org:serviceId:AVTransport</serviceId>
            <controlURL>AVTransport/ctrl</controlURL>
          </service>
        </serviceList>
      </device>
    </deviceList>
  </device>
</root>`

func TestFetchDescription(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, description)
	}))
	defer server.Close()

	dev, err := FetchDescription(context.Background(), server.Client(), server.URL+"/dev/desc.xml")
	if err != nil {
		t.Fatalf("FetchDescription: %v", err)
	}
	if dev.UDN != "uuid:zone-1" || dev.FriendlyName != "Bed Room" {
		t.Errorf("device = %+v", dev)
	}

	svc, ok := dev.FindService(AVTransportService)
	if !ok {
		t.Fatal("AVTransport not found in embedded device")
	}
	if want := server.URL + "/dev/AVTransport/ctrl"; svc.ControlURL != want {
		t.Errorf("ControlURL = %q, want %q", svc.ControlURL, want)
	}
}

func TestGetTransportInfo(t *testing.T) {
	var gotAction string
	var gotBody string

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAction = r.Header.Get("SOAPAction")
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		io.WriteString(w, `<?xml version="1.0"?>
<s:Envelope xmlns:s="http://schemas.xmlsoap.org/soap/envelope/"><s:Body>
<u:GetTransportInfoResponse xmlns:u="urn:schemas-upnp-org:service:AVTransport:1">
<CurrentTransportState>PLAYING</CurrentTransportState>
<CurrentTransportStatus>OK</CurrentTransportStatus>
<CurrentSpeed>1</CurrentSpeed>
</u:GetTransportInfoResponse></s:Body></s:Envelope>`)
	}))
	defer server.Close()

	c := NewSOAPClient(0)
	info, err := c.GetTransportInfo(context.Background(), server.URL)
	if err != nil {
		t.Fatalf("GetTransportInfo: %v", err)
	}
	if info.CurrentTransportState != "PLAYING" {
		t.Errorf("state = %q", info.CurrentTransportState)
	}
	if gotAction != `"urn:schemas-upnp-org:service:AVTransport:1#GetTransportInfo"` {
		t.Errorf("SOAPAction = %q", gotAction)
	}
	if !strings.Contains(gotBody, "<InstanceID>0</InstanceID>") {
		t.Errorf("body missing InstanceID: %s", gotBody)
	}
}

func TestCall_HTTPError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "fault", http.StatusInternalServerError)
	}))
	defer server.Close()

	c := NewSOAPClient(0)
	if _, err := c.GetTransportInfo(context.Background(), server.URL); err == nil {
		t.Fatal("expected error on HTTP 500")
	}
}
