// Copyright 2021 The go-corvid Authors
// This file is part of the go-corvid library.
//
// The go-corvid library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The go-corvid library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the go-corvid library. If not, see <http://www.gnu.org/licenses/>.

package node

import (
	"fmt"
	"net"
	"os"
	"strings"

	"github.com/naoina/toml"
	"github.com/pkg/errors"

	"github.com/corvidnetwork/go-corvid/params"
)

// DefaultConfig contains the default settings of a corvid node.
var DefaultConfig = Config{
	Type:            "client",
	DataDir:         "corvid-data",
	ListenAddr:      "0.0.0.0:4132",
	ExternalIP:      "127.0.0.1",
	RPCEnabled:      true,
	RPCAddr:         "127.0.0.1:3032",
	DatabaseCache:   64,
	DatabaseHandles: 128,
}

// Config holds the node settings. Fields map one-to-one onto the toml
// configuration file, except the database options, which are not read from
// the file; flags override file values.
type Config struct {
	// Type selects the node role: client, miner or sync.
	Type string

	// DataDir is the ledger storage directory. Empty selects an in-memory
	// database that is discarded on shutdown.
	DataDir string `toml:",omitempty"`

	// ListenAddr is the TCP address the peer listener binds to.
	ListenAddr string

	// ExternalIP is the address peers can reach this node's listener on.
	ExternalIP string

	// RPC options
	RPCEnabled bool
	RPCAddr    string `toml:",omitempty"`

	// Database options
	DatabaseCache   int `toml:"-"`
	DatabaseHandles int `toml:"-"`
}

// LoadConfig reads a toml configuration file over the given base config.
func LoadConfig(path string, cfg *Config) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	if err := toml.NewDecoder(f).Decode(cfg); err != nil {
		return errors.Wrapf(err, "invalid config file %s", path)
	}
	return nil
}

// NodeType parses the configured node role.
func (c *Config) NodeType() (params.NodeType, error) {
	switch strings.ToLower(c.Type) {
	case "client", "":
		return params.NodeClient, nil
	case "miner":
		return params.NodeMiner, nil
	case "sync":
		return params.NodeSync, nil
	default:
		return 0, errors.Errorf("unknown node type %q", c.Type)
	}
}

// ExternalAddr returns the canonical listener address this node advertises.
func (c *Config) ExternalAddr() (string, error) {
	_, port, err := net.SplitHostPort(c.ListenAddr)
	if err != nil {
		return "", errors.Wrap(err, "invalid listen address")
	}
	host := c.ExternalIP
	if host == "" {
		host = "127.0.0.1"
	}
	return net.JoinHostPort(host, port), nil
}

// Sanitize validates the configuration.
func (c *Config) Sanitize() error {
	if _, err := c.NodeType(); err != nil {
		return err
	}
	if _, _, err := net.SplitHostPort(c.ListenAddr); err != nil {
		return fmt.Errorf("invalid listen address %q: %v", c.ListenAddr, err)
	}
	if c.RPCEnabled {
		if _, _, err := net.SplitHostPort(c.RPCAddr); err != nil {
			return fmt.Errorf("invalid rpc address %q: %v", c.RPCAddr, err)
		}
	}
	return nil
}
