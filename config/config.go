/*
Package config implements a parser for Diameter node configuration
represented in the TOML format: https://github.com/toml-lang/toml.

A single [node] table carries the node's own identity and listener
settings; zero or more [peer.<name>] tables each describe one configured
peer.

	[node]
	origin_host = "server.example.com"
	origin_realm = "example.com"
	vendor_id = 10415
	product_name = "diameterstack"
	host_ip_addresses = ["127.0.0.1"]
	auth_application_ids = [4]
	acct_application_ids = [4]
	tcp_port = 3868
	wakeup_interval_ms = 1000

	# This is a peer instance named "hss1".
	[peer.hss1]
	origin_host = "hss.example.com"
	realm = "example.com"
	protocol = "tcp"
	ip_addresses = ["10.0.0.5"]
	port = 3868
	persistent = true
	reconnect_wait_ms = 30000
*/
package config

import (
	"fmt"
	"net"
	"time"

	"github.com/nabstractio/diameterstack/node"
	"github.com/nabstractio/diameterstack/transport"
	"github.com/pelletier/go-toml"
)

// NodeConfig is the fully parsed configuration for one Diameter node: its
// own identity/listener settings plus every peer it should know about at
// startup.
type NodeConfig struct {
	Node  node.Config
	Peers []node.PeerConfig
}

func toBool(v interface{}) (bool, error) {
	if b, ok := v.(bool); ok {
		return b, nil
	}
	return false, fmt.Errorf("supplied value could not be parsed as a bool")
}

func toString(v interface{}) (string, error) {
	if s, ok := v.(string); ok {
		return s, nil
	}
	return "", fmt.Errorf("supplied value could not be parsed as a string")
}

// go-toml's ToMap represents integers as int64 or uint64 depending on
// sign; range-check against the destination type either way.
func toUint32(v interface{}) (uint32, error) {
	if i, ok := v.(int64); ok {
		if i < 0 || i > 0xffffffff {
			return 0, fmt.Errorf("value %d out of range", i)
		}
		return uint32(i), nil
	} else if u, ok := v.(uint64); ok {
		if u > 0xffffffff {
			return 0, fmt.Errorf("value %d out of range", u)
		}
		return uint32(u), nil
	}
	return 0, fmt.Errorf("unexpected %T value %v", v, v)
}

func toInt(v interface{}) (int, error) {
	u, err := toUint32(v)
	return int(u), err
}

func toDurationMs(v interface{}) (time.Duration, error) {
	u, err := toUint32(v)
	return time.Duration(u) * time.Millisecond, err
}

func toStringSlice(v interface{}) ([]string, error) {
	items, ok := v.([]interface{})
	if !ok {
		return nil, fmt.Errorf("expected array value")
	}

	out := make([]string, len(items))
	for i, item := range items {
		s, err := toString(item)
		if err != nil {
			return nil, err
		}
		out[i] = s
	}
	return out, nil
}

func toIPSlice(v interface{}) ([]net.IP, error) {
	strs, err := toStringSlice(v)
	if err != nil {
		return nil, err
	}

	out := make([]net.IP, len(strs))
	for i, s := range strs {
		ip := net.ParseIP(s)
		if ip == nil {
			return nil, fmt.Errorf("%q is not a valid IP address", s)
		}
		out[i] = ip
	}
	return out, nil
}

func toUint32Slice(v interface{}) ([]uint32, error) {
	items, ok := v.([]interface{})
	if !ok {
		return nil, fmt.Errorf("expected array value")
	}

	out := make([]uint32, len(items))
	for i, item := range items {
		u, err := toUint32(item)
		if err != nil {
			return nil, err
		}
		out[i] = u
	}
	return out, nil
}

func toProtocol(v interface{}) (transport.Protocol, error) {
	s, err := toString(v)
	if err != nil {
		return 0, err
	}

	switch s {
	case "tcp":
		return transport.TCP, nil
	case "sctp":
		return transport.SCTP, nil
	}
	return 0, fmt.Errorf("expect 'tcp' or 'sctp'")
}

func newNodeConfig(ncfg map[string]interface{}) (node.Config, error) {
	cfg := node.Config{}

	for k, v := range ncfg {
		var err error
		switch k {
		case "origin_host":
			cfg.OriginHost, err = toString(v)
		case "origin_realm":
			cfg.OriginRealm, err = toString(v)
		case "vendor_id":
			cfg.VendorID, err = toUint32(v)
		case "product_name":
			cfg.ProductName, err = toString(v)
		case "host_ip_addresses":
			cfg.HostIPAddresses, err = toIPSlice(v)
		case "auth_application_ids":
			cfg.AuthApplicationIDs, err = toUint32Slice(v)
		case "acct_application_ids":
			cfg.AcctApplicationIDs, err = toUint32Slice(v)
		case "tcp_port":
			cfg.TCPPort, err = toInt(v)
		case "disable_tcp":
			cfg.DisableTCP, err = toBool(v)
		case "enable_sctp":
			cfg.EnableSCTP, err = toBool(v)
		case "sctp_port":
			cfg.SCTPPort, err = toInt(v)
		case "wakeup_interval_ms":
			cfg.WakeupInterval, err = toDurationMs(v)
		default:
			return cfg, fmt.Errorf("unrecognised node parameter %q", k)
		}
		if err != nil {
			return cfg, fmt.Errorf("failed to process %s: %w", k, err)
		}
	}

	return cfg, nil
}

func newPeerConfig(pcfg map[string]interface{}) (node.PeerConfig, error) {
	cfg := node.PeerConfig{Protocol: transport.TCP}

	for k, v := range pcfg {
		var err error
		switch k {
		case "origin_host":
			cfg.OriginHost, err = toString(v)
		case "realm":
			cfg.Realm, err = toString(v)
		case "protocol":
			cfg.Protocol, err = toProtocol(v)
		case "ip_addresses":
			cfg.IPs, err = toIPSlice(v)
		case "port":
			cfg.Port, err = toInt(v)
		case "persistent":
			cfg.Persistent, err = toBool(v)
		case "reconnect_wait_ms":
			cfg.ReconnectWait, err = toDurationMs(v)
		default:
			return cfg, fmt.Errorf("unrecognised peer parameter %q", k)
		}
		if err != nil {
			return cfg, fmt.Errorf("failed to process %s: %w", k, err)
		}
	}

	return cfg, nil
}

func loadPeers(v interface{}) ([]node.PeerConfig, error) {
	peers, ok := v.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("peer instances must be named, e.g. '[peer.myhost]'")
	}

	var out []node.PeerConfig
	for name, got := range peers {
		pmap, ok := got.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("peer instances must be named, e.g. '[peer.myhost]'")
		}

		peer, err := newPeerConfig(pmap)
		if err != nil {
			return nil, fmt.Errorf("peer %s: %w", name, err)
		}
		out = append(out, peer)
	}
	return out, nil
}

func newConfig(tree *toml.Tree) (*NodeConfig, error) {
	asMap := tree.ToMap()

	nodeTable, ok := asMap["node"]
	if !ok {
		return nil, fmt.Errorf("no node table present")
	}
	nodeMap, ok := nodeTable.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("node table must be a table, e.g. '[node]'")
	}

	nodeCfg, err := newNodeConfig(nodeMap)
	if err != nil {
		return nil, fmt.Errorf("failed to parse node table: %w", err)
	}

	cfg := &NodeConfig{Node: nodeCfg}

	if peerTable, ok := asMap["peer"]; ok {
		cfg.Peers, err = loadPeers(peerTable)
		if err != nil {
			return nil, fmt.Errorf("failed to parse peer tables: %w", err)
		}
	}

	return cfg, nil
}

// LoadFile loads node configuration from the TOML file at path.
func LoadFile(path string) (*NodeConfig, error) {
	tree, err := toml.LoadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config file: %w", err)
	}
	return newConfig(tree)
}

// LoadString loads node configuration from a TOML document held in memory.
func LoadString(content string) (*NodeConfig, error) {
	tree, err := toml.Load(content)
	if err != nil {
		return nil, fmt.Errorf("failed to load config string: %w", err)
	}
	return newConfig(tree)
}
