/***
Copyright 2014 Cisco Systems Inc. All rights reserved.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at
http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package netutils

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/samber/lo"
	log "github.com/sirupsen/logrus"
	netlink "github.com/vishvananda/netlink"

	"github.com/contiv/ofagent/core"
)

// FloodMAC and FloodIP make up the forwarding database entry that stands
// for the flood domain of a network rather than a specific destination
const (
	FloodMAC = "00:00:00:00:00:00"
	FloodIP  = "0.0.0.0"
)

// skipped when looking for host addresses
var ignoredLinkPrefixes = []string{"docker", "veth", "vport", "lo", "gre-", "vxlan-", "ovs-"}

// IPv4ToUint32 converts a dotted quad to its network order integer value
func IPv4ToUint32(ipaddr string) (uint32, error) {
	ip := net.ParseIP(ipaddr)
	if ip == nil || ip.To4() == nil || strings.Contains(ipaddr, ":") {
		return 0, core.Errorf("invalid ipv4 address %q", ipaddr)
	}
	return binary.BigEndian.Uint32(ip.To4()), nil
}

// TunnelPortName returns the switch port name for a tunnel of kind towards
// remoteIP: the type followed by the address as 8 hex digits. The name fits
// the 15 character interface name limit.
func TunnelPortName(kind core.NetworkType, remoteIP string) (string, error) {
	if !kind.IsTunnel() {
		return "", core.Errorf("%q is not a tunnel type", kind)
	}
	ipUint32, err := IPv4ToUint32(remoteIP)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s-%08x", kind, ipUint32), nil
}

// AgentID derives the agent identity from the local port mac
func AgentID(mac net.HardwareAddr) string {
	return "ovs" + strings.ReplaceAll(mac.String(), ":", "")
}

// IsFloodEntry returns true for the flood sentinel destination
func IsFloodEntry(mac string) bool {
	return strings.EqualFold(mac, FloodMAC)
}

// GetInterfaceIP obtains the ip addr of a local interface on the host.
func GetInterfaceIP(linkName string) (string, error) {
	link, err := netlink.LinkByName(linkName)
	if err != nil {
		return "", err
	}
	addrs, err := netlink.AddrList(link, netlink.FAMILY_V4)
	if err != nil {
		return "", err
	}
	if len(addrs) == 0 {
		return "", core.Errorf("local ip not found on %s", linkName)
	}
	return addrs[0].IP.String(), nil
}

// GetNetlinkAddrList returns a list of local IP addresses
func GetNetlinkAddrList() ([]string, error) {
	var addrList []string
	linkList, err := netlink.LinkList()
	if err != nil {
		return addrList, err
	}

	log.Debugf("Got link list(%d)", len(linkList))

	linkList = lo.Filter(linkList, func(link netlink.Link, _ int) bool {
		name := link.Attrs().Name
		return !lo.SomeBy(ignoredLinkPrefixes, func(prefix string) bool {
			return strings.HasPrefix(name, prefix)
		})
	})
	for _, link := range linkList {
		addrs, err := netlink.AddrList(link, netlink.FAMILY_V4)
		if err != nil {
			return addrList, err
		}
		for _, addr := range addrs {
			addrList = append(addrList, addr.IP.String())
		}
	}

	return addrList, nil
}

// IsAddrLocal check if an address is local
func IsAddrLocal(findAddr string) bool {
	addrList, err := GetNetlinkAddrList()
	if err != nil {
		return false
	}
	return lo.Contains(addrList, findAddr)
}

// GetFirstLocalAddr returns the first ip address
func GetFirstLocalAddr() (string, error) {
	addrList, err := GetNetlinkAddrList()
	if err != nil {
		return "", err
	}
	if len(addrList) > 0 {
		return addrList[0], nil
	}
	return "", errors.New("no address was found")
}

// ValidateBindAddress format in "address:port"
func ValidateBindAddress(address string) error {
	addr := strings.Split(address, ":")
	if len(addr) != 2 {
		return fmt.Errorf("bind address is not in 'ip:port' format, got %s", address)
	}
	port, err := strconv.Atoi(addr[1])
	if err != nil || port < 1 || port > 65535 {
		return fmt.Errorf("bind port is a integer between 1-65535, got %v", addr[1])
	}
	return nil
}
