// Copyright 2021 The go-corvid Authors
// This file is part of go-corvid.
//
// go-corvid is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// go-corvid is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with go-corvid. If not, see <http://www.gnu.org/licenses/>.

// corvid is the command line entry point of the corvid node.
package main

import (
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/ethereum/go-ethereum/log"
	"github.com/fatih/color"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
	cli "gopkg.in/urfave/cli.v1"

	"github.com/corvidnetwork/go-corvid/node"
)

var (
	configFileFlag = cli.StringFlag{
		Name:  "config",
		Usage: "TOML configuration file",
	}
	dataDirFlag = cli.StringFlag{
		Name:  "datadir",
		Usage: "Data directory for the ledger database",
		Value: node.DefaultConfig.DataDir,
	}
	nodeTypeFlag = cli.StringFlag{
		Name:  "nodetype",
		Usage: "Node role (client, miner or sync)",
		Value: node.DefaultConfig.Type,
	}
	portFlag = cli.IntFlag{
		Name:  "port",
		Usage: "Peer listener port",
		Value: 4132,
	}
	externalIPFlag = cli.StringFlag{
		Name:  "externalip",
		Usage: "Address peers can reach this node on",
		Value: node.DefaultConfig.ExternalIP,
	}
	rpcEnabledFlag = cli.BoolTFlag{
		Name:  "rpc",
		Usage: "Enable the JSON-RPC server",
	}
	rpcAddrFlag = cli.StringFlag{
		Name:  "rpcaddr",
		Usage: "JSON-RPC listen address",
		Value: node.DefaultConfig.RPCAddr,
	}
	verbosityFlag = cli.IntFlag{
		Name:  "verbosity",
		Usage: "Logging verbosity: 0=crit, 1=error, 2=warn, 3=info, 4=debug, 5=detail",
		Value: 3,
	}
)

func main() {
	app := cli.NewApp()
	app.Name = "corvid"
	app.Usage = "the corvid network node"
	app.Flags = []cli.Flag{
		configFileFlag,
		dataDirFlag,
		nodeTypeFlag,
		portFlag,
		externalIPFlag,
		rpcEnabledFlag,
		rpcAddrFlag,
		verbosityFlag,
	}
	app.Action = run

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx *cli.Context) error {
	setupLogger(ctx.Int(verbosityFlag.Name))

	cfg := node.DefaultConfig
	if path := ctx.String(configFileFlag.Name); path != "" {
		if err := node.LoadConfig(path, &cfg); err != nil {
			return err
		}
	}
	applyFlags(ctx, &cfg)

	color.Cyan("corvid node starting")

	n, err := node.New(&cfg)
	if err != nil {
		return err
	}
	if err := n.Start(); err != nil {
		return err
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Info("Shutting down...")

	n.Stop()
	return nil
}

// applyFlags overrides config file values with explicit command line flags.
func applyFlags(ctx *cli.Context, cfg *node.Config) {
	if ctx.IsSet(dataDirFlag.Name) || cfg.DataDir == "" {
		cfg.DataDir = ctx.String(dataDirFlag.Name)
	}
	if ctx.IsSet(nodeTypeFlag.Name) {
		cfg.Type = ctx.String(nodeTypeFlag.Name)
	}
	if ctx.IsSet(portFlag.Name) {
		cfg.ListenAddr = net.JoinHostPort("0.0.0.0", fmt.Sprintf("%d", ctx.Int(portFlag.Name)))
	}
	if ctx.IsSet(externalIPFlag.Name) {
		cfg.ExternalIP = ctx.String(externalIPFlag.Name)
	}
	if ctx.IsSet(rpcEnabledFlag.Name) {
		cfg.RPCEnabled = ctx.BoolT(rpcEnabledFlag.Name)
	}
	if ctx.IsSet(rpcAddrFlag.Name) {
		cfg.RPCAddr = ctx.String(rpcAddrFlag.Name)
	}
}

// setupLogger routes logs to stderr with terminal colors when attached to
// a tty.
func setupLogger(verbosity int) {
	usecolor := isatty.IsTerminal(os.Stderr.Fd()) && os.Getenv("TERM") != "dumb"
	output := colorable.NewColorableStderr()
	handler := log.StreamHandler(output, log.TerminalFormat(usecolor))
	log.Root().SetHandler(log.LvlFilterHandler(log.Lvl(verbosity), handler))
}
