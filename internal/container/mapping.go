// SPDX-License-Identifier: MPL-2.0

package container

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

const (
	// PortProtocolTCP is the TCP transport protocol for port mappings.
	PortProtocolTCP PortProtocol = "tcp"
	// PortProtocolUDP is the UDP transport protocol for port mappings.
	PortProtocolUDP PortProtocol = "udp"

	// SELinuxLabelNone means no SELinux label is applied to volume mounts.
	SELinuxLabelNone SELinuxLabel = ""
	// SELinuxLabelShared allows sharing the volume between containers.
	SELinuxLabelShared SELinuxLabel = "z"
	// SELinuxLabelPrivate restricts the volume to a single container.
	SELinuxLabelPrivate SELinuxLabel = "Z"
)

var (
	// ErrInvalidPortMapping is the sentinel wrapped by InvalidPortMappingError.
	ErrInvalidPortMapping = errors.New("invalid port mapping")
	// ErrInvalidVolumeMount is the sentinel wrapped by InvalidVolumeMountError.
	ErrInvalidVolumeMount = errors.New("invalid volume mount")
)

type (
	// PortProtocol is the transport of a port mapping. "" means tcp.
	PortProtocol string

	// SELinuxLabel is the relabeling option appended to a bind mount.
	SELinuxLabel string

	// NetworkPort is a TCP/UDP port number. Zero is invalid.
	NetworkPort uint16

	// PortMapping publishes a container port on the host.
	PortMapping struct {
		HostPort      NetworkPort
		ContainerPort NetworkPort
		Protocol      PortProtocol
	}

	// VolumeMount attaches a host path or named volume to a container path.
	VolumeMount struct {
		Source   string
		Target   string
		ReadOnly bool
		SELinux  SELinuxLabel
	}

	// InvalidPortMappingError is returned when a PortMapping has a zero port or unknown protocol.
	InvalidPortMappingError struct {
		Value  PortMapping
		Reason string
	}

	// InvalidVolumeMountError is returned when a VolumeMount is missing a side or has an unknown label.
	InvalidVolumeMountError struct {
		Value  VolumeMount
		Reason string
	}
)

func (p NetworkPort) String() string { return strconv.Itoa(int(p)) }

// Validate reports zero ports and unknown protocols.
func (p PortMapping) Validate() error {
	switch {
	case p.HostPort == 0:
		return &InvalidPortMappingError{Value: p, Reason: "host port must be greater than zero"}
	case p.ContainerPort == 0:
		return &InvalidPortMappingError{Value: p, Reason: "container port must be greater than zero"}
	}
	switch p.Protocol {
	case "", PortProtocolTCP, PortProtocolUDP:
		return nil
	default:
		return &InvalidPortMappingError{Value: p, Reason: fmt.Sprintf("unknown protocol %q", p.Protocol)}
	}
}

// String renders the -p flag value; tcp is implicit.
func (p PortMapping) String() string {
	s := p.HostPort.String() + ":" + p.ContainerPort.String()
	if p.Protocol != "" && p.Protocol != PortProtocolTCP {
		s += "/" + string(p.Protocol)
	}
	return s
}

// ParsePortMapping parses "host:container[/proto]".
func ParsePortMapping(s string) (PortMapping, error) {
	var m PortMapping
	host, rest, ok := strings.Cut(s, ":")
	if !ok {
		return m, fmt.Errorf("invalid port mapping format %q: must contain ':' separator", s)
	}
	hp, err := strconv.ParseUint(host, 10, 16)
	if err != nil {
		return m, fmt.Errorf("invalid host port %q: %w", host, err)
	}
	ctr, proto, _ := strings.Cut(rest, "/")
	cp, err := strconv.ParseUint(ctr, 10, 16)
	if err != nil {
		return m, fmt.Errorf("invalid container port %q: %w", ctr, err)
	}
	m = PortMapping{HostPort: NetworkPort(hp), ContainerPort: NetworkPort(cp), Protocol: PortProtocol(proto)}
	return m, m.Validate()
}

func (e *InvalidPortMappingError) Error() string {
	return fmt.Sprintf("invalid port mapping %d:%d: %s", e.Value.HostPort, e.Value.ContainerPort, e.Reason)
}

func (e *InvalidPortMappingError) Unwrap() error { return ErrInvalidPortMapping }

// Validate reports empty sides and unknown SELinux labels.
func (v VolumeMount) Validate() error {
	switch {
	case strings.TrimSpace(v.Source) == "":
		return &InvalidVolumeMountError{Value: v, Reason: "source must be non-empty"}
	case strings.TrimSpace(v.Target) == "":
		return &InvalidVolumeMountError{Value: v, Reason: "target must be non-empty"}
	}
	switch v.SELinux {
	case SELinuxLabelNone, SELinuxLabelShared, SELinuxLabelPrivate:
		return nil
	default:
		return &InvalidVolumeMountError{Value: v, Reason: fmt.Sprintf("unknown SELinux label %q", v.SELinux)}
	}
}

// String renders the -v flag value "source:target[:ro][,z]".
func (v VolumeMount) String() string {
	s := v.Source + ":" + v.Target
	var opts []string
	if v.ReadOnly {
		opts = append(opts, "ro")
	}
	if v.SELinux != "" {
		opts = append(opts, string(v.SELinux))
	}
	if len(opts) > 0 {
		s += ":" + strings.Join(opts, ",")
	}
	return s
}

// IsBindMount reports whether Source is a host path rather than a named volume.
func (v VolumeMount) IsBindMount() bool {
	return strings.ContainsAny(v.Source, `/\`) || strings.HasPrefix(v.Source, ".")
}

func (e *InvalidVolumeMountError) Error() string {
	return fmt.Sprintf("invalid volume mount %s:%s: %s", e.Value.Source, e.Value.Target, e.Reason)
}

func (e *InvalidVolumeMountError) Unwrap() error { return ErrInvalidVolumeMount }
