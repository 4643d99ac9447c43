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

package main

import (
	"context"
	"net"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/contiv/ofagent/core"
	"github.com/contiv/ofagent/drivers"
	"github.com/contiv/ofagent/drivers/ovsd"
	"github.com/contiv/ofagent/netplugin/agent"
	"github.com/contiv/ofagent/netplugin/pluginrpc"
	"github.com/contiv/ofagent/utils"
	"github.com/contiv/ofagent/version"
	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli"
)

const binName = "ofagent"

// switch used in test mode, it has no real bridge behind it
var testBridgeMAC = net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x01}

type bridge interface {
	core.SwitchChannel
	core.PortProvisioner
	Delete()
}

type fakeBridge struct {
	*drivers.FakeSwitch
}

func (b fakeBridge) Delete() {}

func connectBridge(info *core.InstanceInfo) (bridge, error) {
	if info.PluginMode == core.ModeTest {
		log.Warnf("Running against an in-memory switch, no traffic will be forwarded")
		return fakeBridge{drivers.NewFakeSwitch(testBridgeMAC)}, nil
	}

	return ovsd.NewOvsSwitch(&ovsd.OvsConfig{
		BridgeName:    info.BridgeName,
		OvsdbEndpoint: info.OvsdbEndpoint,
		OfListenPort:  info.OfListenPort,
		VxlanUDPPort:  info.VxlanUDPPort,
	})
}

func runAgent(ctx *cli.Context) error {
	// 1. validate and init logging
	if err := utils.InitLogging(binName, ctx); err != nil {
		return err
	}

	// 2. validate agent configs
	info, err := utils.ValidateAgentOptions(binName, ctx)
	if err != nil {
		return err
	}
	log.Infof("Using config: %+v", *info)

	// 3. connect to the integration bridge
	br, err := connectBridge(info)
	if err != nil {
		log.Errorf("Failed to connect to bridge %s. Err: %v", info.BridgeName, err)
		return err
	}
	defer br.Delete()

	rpc := pluginrpc.NewClient(info.PluginURL, pluginrpc.DefaultTimeout)
	ag, err := agent.NewAgent(info, br, br, rpc)
	if err != nil {
		return err
	}
	if err := ag.Init(); err != nil {
		return err
	}

	server, err := ag.ServeRequests(info.ListenURL)
	if err != nil {
		log.Errorf("Failed to listen on %s. Err: %v", info.ListenURL, err)
		return err
	}

	runCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := ag.Run(runCtx); err != nil {
		log.Errorf("Agent loop failed. Err: %v", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

func main() {
	app := cli.NewApp()
	app.Name = binName
	app.Version = "\n" + version.String()
	app.Usage = "Contiv openflow L2 agent"
	app.Flags = utils.FlattenFlags(utils.BuildAgentFlags(binName), utils.BuildLogFlags(binName))
	sort.Sort(cli.FlagsByName(app.Flags))
	app.Action = func(ctx *cli.Context) error {
		if err := runAgent(ctx); err != nil {
			// use 22 Invalid argument as error return code
			return cli.NewExitError(err.Error(), 22)
		}
		return nil
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatalf("%v", err)
	}
}
