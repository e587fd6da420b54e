package upnp

import (
	"context"
	"encoding/xml"
	"fmt"
	"net/http"
	"net/url"
)

// Service is one service entry of a device description.
type Service struct {
	ServiceType string
	ServiceID   string
	ControlURL  string // absolute
}

// Device is a parsed device description, embedded devices flattened into Devices.
type Device struct {
	UDN          string
	FriendlyName string
	DeviceType   string
	Services     []Service
	Devices      []Device
}

// FindService returns the first service of the given type in d or its embedded devices.
func (d *Device) FindService(serviceType string) (Service, bool) {
	for _, s := range d.Services {
		if s.ServiceType == serviceType {
			return s, true
		}
	}
	for i := range d.Devices {
		if s, ok := d.Devices[i].FindService(serviceType); ok {
			return s, true
		}
	}
	return Service{}, false
}

type xmlDevice struct {
	UDN          string `xml:"UDN"`
	FriendlyName string `xml:"friendlyName"`
	DeviceType   string `xml:"deviceType"`
	Services     []struct {
		ServiceType string `xml:"serviceType"`
		ServiceID   string `xml:"serviceId"`
		ControlURL  string `xml:"controlURL"`
	} `xml:"serviceList>service"`
	Devices []xmlDevice `xml:"deviceList>device"`
}

// FetchDescription downloads and parses the description at location.
func FetchDescription(ctx context.Context, client *http.Client, location string) (*Device, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, location, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch description: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch description: status %d", resp.StatusCode)
	}

	var root struct {
		URLBase string    `xml:"URLBase"`
		Device  xmlDevice `xml:"device"`
	}
	if err := xml.NewDecoder(resp.Body).Decode(&root); err != nil {
		return nil, fmt.Errorf("parse description: %w", err)
	}

	base, err := url.Parse(location)
	if err != nil {
		return nil, fmt.Errorf("parse location: %w", err)
	}
	if root.URLBase != "" {
		if b, err := url.Parse(root.URLBase); err == nil {
			base = b
		}
	}

	dev := convertDevice(base, root.Device)
	return &dev, nil
}

func convertDevice(base *url.URL, x xmlDevice) Device {
	d := Device{
		UDN:          x.UDN,
		FriendlyName: x.FriendlyName,
		DeviceType:   x.DeviceType,
	}
	for _, s := range x.Services {
		control := s.ControlURL
		if ref, err := url.Parse(s.ControlURL); err == nil {
			control = base.ResolveReference(ref).String()
		}
		d.Services = append(d.Services, Service{
			ServiceType: s.ServiceType,
			ServiceID:   s.ServiceID,
			ControlURL:  control,
		})
	}
	for _, child := range x.Devices {
		d.Devices = append(d.Devices, convertDevice(base, child))
	}
	return d
}
