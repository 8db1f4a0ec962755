package discovery

import (
	"net"
	"testing"

	"github.com/grandcat/zeroconf"
)

func TestFromEntry(t *testing.T) {
	entry := &zeroconf.ServiceEntry{
		Port: 7070,
		Text: []string{
			"version=1",
			"name=Workstation",
			"fp=AB:CD:EF",
		},
	}
	entry.Instance = "workstation.local"
	entry.AddrIPv4 = []net.IP{net.ParseIP("192.168.1.20")}
	entry.AddrIPv6 = []net.IP{net.ParseIP("fe80::1")}

	srv := fromEntry(entry)
	if srv.Name != "Workstation" {
		t.Errorf("Name = %q, want TXT name to win over instance", srv.Name)
	}
	if srv.Host != "192.168.1.20" {
		t.Errorf("Host = %q, want the IPv4 address preferred", srv.Host)
	}
	if srv.Port != 7070 || srv.Version != "1" {
		t.Errorf("entry = %+v", srv)
	}
	if !srv.TLS || srv.Fingerprint != "AB:CD:EF" {
		t.Errorf("fingerprint not parsed: %+v", srv)
	}
}

func TestFromEntryIPv6Fallback(t *testing.T) {
	entry := &zeroconf.ServiceEntry{Port: 7070}
	entry.Instance = "box"
	entry.AddrIPv6 = []net.IP{net.ParseIP("fe80::1")}

	srv := fromEntry(entry)
	if srv.Host != "fe80::1" {
		t.Errorf("Host = %q, want the IPv6 address", srv.Host)
	}
	if srv.Name != "box" {
		t.Errorf("Name = %q, want the instance name fallback", srv.Name)
	}
}

func TestBaseURL(t *testing.T) {
	plain := Server{Host: "192.168.1.20", Port: 7070}
	if got := plain.BaseURL(); got != "http://192.168.1.20:7070" {
		t.Errorf("BaseURL = %q", got)
	}
	secured := Server{Host: "coder.local", Port: 7070, TLS: true}
	if got := secured.BaseURL(); got != "https://coder.local:7070" {
		t.Errorf("BaseURL = %q", got)
	}
}
