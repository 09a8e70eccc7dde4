package tunnelcfg

import (
	"encoding/json"
	"fmt"
	"net"
	"os"

	"github.com/KnownRock/tcp-uart-bridge/pkg/frame"
)

// Mapping is one entry of the ingress side's static port-mapping table
// (spec.md §4.4, §6): a listen port and the fixed target it routes to.
type Mapping struct {
	LocalPort   uint16            `json:"localPort"`
	RemoteHost  string            `json:"remoteHost"`
	RemotePort  uint16            `json:"remotePort"`
	Description string            `json:"description"`
	TargetIP    frame.TargetIPv4  `json:"-"`
}

// Document is the on-disk shape of the port-mapping file.
type Document struct {
	PortMappings []Mapping `json:"portMappings"`
}

// defaultMapping is used when the mapping file is absent, per spec.md §6:
// "the ingress side MAY fall back to a single built-in entry
// {8080 → localhost:22, "default"} but MUST log this."
func defaultMapping() []Mapping {
	return []Mapping{{
		LocalPort:   8080,
		RemoteHost:  "127.0.0.1",
		RemotePort:  22,
		Description: "default",
		TargetIP:    frame.TargetIPv4{127, 0, 0, 1},
	}}
}

// LoadMappings reads and validates the port-mapping file at path. If path
// does not exist, it returns the built-in default mapping and usedDefault
// is true; the caller must log a warning in that case (spec.md §6). Any
// other read or parse failure, or a duplicate localPort, is returned as a
// fatal error.
func LoadMappings(path string) (mappings []Mapping, usedDefault bool, err error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return defaultMapping(), true, nil
		}
		return nil, false, fmt.Errorf("read port mapping file %q: %w", path, err)
	}

	var doc Document
	if err := json.Unmarshal(b, &doc); err != nil {
		return nil, false, fmt.Errorf("parse port mapping file %q: %w", path, err)
	}

	seen := make(map[uint16]struct{}, len(doc.PortMappings))
	for i := range doc.PortMappings {
		m := &doc.PortMappings[i]
		if _, dup := seen[m.LocalPort]; dup {
			return nil, false, fmt.Errorf("port mapping file %q: duplicate localPort %d", path, m.LocalPort)
		}
		seen[m.LocalPort] = struct{}{}

		ip := net.ParseIP(m.RemoteHost)
		if ip == nil {
			return nil, false, fmt.Errorf("port mapping file %q: localPort %d: invalid remoteHost %q", path, m.LocalPort, m.RemoteHost)
		}
		ip4 := ip.To4()
		if ip4 == nil {
			return nil, false, fmt.Errorf("port mapping file %q: localPort %d: remoteHost %q is not IPv4", path, m.LocalPort, m.RemoteHost)
		}
		copy(m.TargetIP[:], ip4)
	}

	if len(doc.PortMappings) == 0 {
		return nil, false, fmt.Errorf("port mapping file %q: no portMappings entries", path)
	}

	return doc.PortMappings, false, nil
}

// ByLocalPort indexes mappings by LocalPort for lookup at accept time.
func ByLocalPort(mappings []Mapping) map[uint16]Mapping {
	out := make(map[uint16]Mapping, len(mappings))
	for _, m := range mappings {
		out[m.LocalPort] = m
	}
	return out
}
