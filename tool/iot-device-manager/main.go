/*
Copyright 2024 Edgewise, Inc.

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

// Command iot-device-manager runs the device agent: it loads the
// on-disk configuration, assembles the agent and drives it until the
// process is signalled.
package main

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/alecthomas/kingpin/v2"
	"github.com/gravitational/trace"
	log "github.com/sirupsen/logrus"

	iotagent "github.com/edgewise/iot-agent"
	"github.com/edgewise/iot-agent/lib/agent"
	"github.com/edgewise/iot-agent/lib/config"
	"github.com/edgewise/iot-agent/lib/mqtt"
	"github.com/edgewise/iot-agent/lib/utils"
)

const defaultConfigDir = "/etc/iot"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, os.Args[1:]); err != nil {
		utils.FatalError(err)
	}
}

func run(ctx context.Context, args []string) error {
	app := kingpin.New("iot-device-manager", "On-device agent connecting this device to the cloud IoT platform.")
	app.Version(iotagent.Version)
	app.HelpFlag.Short('h')
	configPath := app.Flag("configure", "Path to the device manager configuration file.").Short('c').String()
	service := app.Flag("service", "Run under the OS service supervisor.").Short('s').Bool()

	if _, err := app.Parse(args); err != nil {
		return trace.Wrap(err)
	}

	managerPath, proxyPath := config.DefaultPaths(defaultConfigDir)
	if *configPath != "" {
		managerPath = *configPath
		proxyPath = filepath.Join(filepath.Dir(*configPath), filepath.Base(proxyPath))
	}

	cfg, err := config.LoadDeviceManager(managerPath)
	if err != nil {
		return trace.Wrap(err)
	}
	if err := utils.InitLogger(cfg.LogLevel); err != nil {
		return trace.Wrap(err)
	}
	proxy, err := config.LoadProxy(proxyPath)
	if err != nil {
		return trace.Wrap(err)
	}
	if *service {
		log.Info("Running under the service supervisor.")
	}

	var ssl *mqtt.SSLConfig
	if cfg.UseTLS {
		ssl = &mqtt.SSLConfig{}
	}
	a, err := agent.New(agent.Config{
		DeviceID: cfg.DeviceID,
		MQTT: mqtt.Config{
			ClientID: cfg.DeviceID,
			Host:     cfg.Host,
			Port:     cfg.Port,
			Username: cfg.DeviceID,
			Password: cfg.AppToken,
			SSL:      ssl,
			Proxy:    proxy,
		},
		RuntimeDir:     cfg.RuntimeDir,
		ActionsEnabled: cfg.ActionsEnabled,
		ForceQoS1:      cfg.ForcedQoS1(),
		PersistActions: cfg.PersistActions,
		UpdaterPath:    filepath.Join(filepath.Dir(os.Args[0]), "iot-update"),
	})
	if err != nil {
		return trace.Wrap(err)
	}
	return trace.Wrap(a.Run(ctx))
}
