package libvirt

import (
	"encoding/xml"
	"errors"
	"fmt"
	"net/netip"
	"slices"
	"time"

	libvirt "libvirt.org/go/libvirt"
)

var errDomainNotFound = errors.New("domain not found")

// connection is the part of a hypervisor connection the backend drives.
// Tests replace it with an in-memory fake.
type connection interface {
	LookupDomain(name string) (domain, error)
	CreateDomain(xml string) (domain, error)
	// NetworkGateway returns the host address on a virtual network.
	NetworkGateway(network string) (netip.Addr, error)
	Version() (string, error)
	Close() error
}

type domain interface {
	// State is the lowercase libvirt state name, e.g. "running" or "shutoff".
	State() (string, error)
	Persistent() (bool, error)
	Destroy() error
	Undefine() error
	AgentCommand(cmd string, timeout time.Duration) (string, error)
	// UpdateDevice applies a device definition to the live domain.
	UpdateDevice(xml string) error
	Free() error
}

func connect(uri string) (connection, error) {
	conn, err := libvirt.NewConnect(uri)
	if err != nil {
		return nil, fmt.Errorf("open libvirt connection %s: %w", uri, err)
	}
	return &virConn{conn: conn}, nil
}

type virConn struct {
	conn *libvirt.Connect
}

func (c *virConn) LookupDomain(name string) (domain, error) {
	dom, err := c.conn.LookupDomainByName(name)
	if isLibvirtError(err, libvirt.ERR_NO_DOMAIN) {
		return nil, fmt.Errorf("%w: %s", errDomainNotFound, name)
	}
	if err != nil {
		return nil, err
	}
	return &virDomain{dom: dom}, nil
}

func (c *virConn) CreateDomain(xml string) (domain, error) {
	dom, err := c.conn.DomainCreateXML(xml, libvirt.DOMAIN_NONE)
	if err != nil {
		return nil, err
	}
	return &virDomain{dom: dom}, nil
}

type networkDefinition struct {
	IPs []struct {
		Address string `xml:"address,attr"`
		Family  string `xml:"family,attr"`
	} `xml:"ip"`
}

func (c *virConn) NetworkGateway(name string) (netip.Addr, error) {
	network, err := c.conn.LookupNetworkByName(name)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("lookup network %s: %w", name, err)
	}
	defer network.Free()

	desc, err := network.GetXMLDesc(0)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("describe network %s: %w", name, err)
	}
	return gatewayFromNetworkXML(name, desc)
}

func gatewayFromNetworkXML(name, desc string) (netip.Addr, error) {
	var def networkDefinition
	if err := xml.Unmarshal([]byte(desc), &def); err != nil {
		return netip.Addr{}, fmt.Errorf("parse network %s: %w", name, err)
	}
	for _, ip := range def.IPs {
		if ip.Family != "" && ip.Family != "ipv4" {
			continue
		}
		addr, err := netip.ParseAddr(ip.Address)
		if err == nil && addr.Is4() {
			return addr, nil
		}
	}
	return netip.Addr{}, fmt.Errorf("network %s has no IPv4 host address", name)
}

func (c *virConn) Version() (string, error) {
	v, err := c.conn.GetLibVersion()
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%d.%d.%d", v/1000000, (v/1000)%1000, v%1000), nil
}

func (c *virConn) Close() error {
	_, err := c.conn.Close()
	return err
}

type virDomain struct {
	dom *libvirt.Domain
}

func (d *virDomain) State() (string, error) {
	state, _, err := d.dom.GetState()
	if err != nil {
		return "", err
	}
	switch state {
	case libvirt.DOMAIN_RUNNING:
		return "running", nil
	case libvirt.DOMAIN_BLOCKED:
		return "blocked", nil
	case libvirt.DOMAIN_PAUSED:
		return "paused", nil
	case libvirt.DOMAIN_SHUTDOWN:
		return "shutdown", nil
	case libvirt.DOMAIN_SHUTOFF:
		return "shutoff", nil
	case libvirt.DOMAIN_CRASHED:
		return "crashed", nil
	case libvirt.DOMAIN_PMSUSPENDED:
		return "pmsuspended", nil
	default:
		return "unknown", nil
	}
}

func (d *virDomain) Persistent() (bool, error) {
	return d.dom.IsPersistent()
}

// Destroy treats an already stopped domain as success.
func (d *virDomain) Destroy() error {
	err := d.dom.Destroy()
	if isLibvirtError(err, libvirt.ERR_OPERATION_INVALID) {
		return nil
	}
	return err
}

func (d *virDomain) Undefine() error {
	err := d.dom.Undefine()
	if isLibvirtError(err, libvirt.ERR_NO_DOMAIN) {
		return nil
	}
	return err
}

func (d *virDomain) AgentCommand(cmd string, timeout time.Duration) (string, error) {
	return d.dom.QemuAgentCommand(cmd, libvirt.DomainQemuAgentCommandTimeout(int(timeout/time.Second)), 0)
}

func (d *virDomain) UpdateDevice(xml string) error {
	return d.dom.UpdateDeviceFlags(xml, libvirt.DOMAIN_DEVICE_MODIFY_LIVE)
}

func (d *virDomain) Free() error {
	return d.dom.Free()
}

func isLibvirtError(err error, codes ...libvirt.ErrorNumber) bool {
	if err == nil {
		return false
	}
	var libErr libvirt.Error
	if !errors.As(err, &libErr) {
		return false
	}
	return slices.Contains(codes, libErr.Code)
}
