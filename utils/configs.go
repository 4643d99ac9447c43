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

package utils

import (
	"fmt"
	"log/syslog"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/samber/lo"
	"github.com/sirupsen/logrus"
	logrus_syslog "github.com/sirupsen/logrus/hooks/syslog"
	"github.com/urfave/cli"

	"github.com/contiv/ofagent/core"
	"github.com/contiv/ofagent/utils/netutils"
)

// BuildAgentFlags CLI agent flags for given binary
func BuildAgentFlags(binary string) []cli.Flag {
	binUpper := strings.ToUpper(binary)
	binLower := strings.ToLower(binary)
	return []cli.Flag{
		cli.StringFlag{
			Name:   "mode, plugin-mode",
			Value:  core.ModeOVS,
			EnvVar: fmt.Sprintf("CONTIV_%s_MODE", binUpper),
			Usage:  fmt.Sprintf("set %s mode, options: [ovs, test]", binLower),
		},
		cli.StringFlag{
			Name:   "host, host-label",
			EnvVar: fmt.Sprintf("CONTIV_%s_HOST", binUpper),
			Usage:  fmt.Sprintf("set %s host name reported to the controller (default: hostname)", binLower),
		},
		cli.StringFlag{
			Name:   "integration-bridge",
			Value:  "br-int",
			EnvVar: fmt.Sprintf("CONTIV_%s_INTEGRATION_BRIDGE", binUpper),
			Usage:  "integration bridge the agent programs",
		},
		cli.StringFlag{
			Name:   "local-ip, vtep-ip",
			EnvVar: fmt.Sprintf("CONTIV_%s_LOCAL_IP", binUpper),
			Usage:  "local tunnel endpoint address (default: first host address)",
		},
		cli.StringFlag{
			Name:   "tunnel-types",
			EnvVar: fmt.Sprintf("CONTIV_%s_TUNNEL_TYPES", binUpper),
			Usage:  "a comma-delimited list of tunnel types, options: [gre, vxlan]",
		},
		cli.StringFlag{
			Name:   "bridge-mappings",
			EnvVar: fmt.Sprintf("CONTIV_%s_BRIDGE_MAPPINGS", binUpper),
			Usage:  "a comma-delimited list of physnet:interface mappings",
		},
		cli.BoolTFlag{
			Name:   "l2-population",
			EnvVar: fmt.Sprintf("CONTIV_%s_L2_POPULATION", binUpper),
			Usage:  "create tunnel ports from forwarding database updates only (default: true)",
		},
		cli.IntFlag{
			Name:   "polling-interval",
			Value:  2,
			EnvVar: fmt.Sprintf("CONTIV_%s_POLLING_INTERVAL", binUpper),
			Usage:  "seconds between two port scans",
		},
		cli.BoolFlag{
			Name:   "minimize-polling",
			EnvVar: fmt.Sprintf("CONTIV_%s_MINIMIZE_POLLING", binUpper),
			Usage:  "scan the switch ports only on port updates, forced syncs or full scan expiry",
		},
		cli.IntFlag{
			Name:   "full-scan-interval",
			Value:  30,
			EnvVar: fmt.Sprintf("CONTIV_%s_FULL_SCAN_INTERVAL", binUpper),
			Usage:  "seconds between two full port scans when polling is minimized",
		},
		cli.IntFlag{
			Name:   "report-interval",
			Value:  30,
			EnvVar: fmt.Sprintf("CONTIV_%s_REPORT_INTERVAL", binUpper),
			Usage:  "seconds between two state reports, 0 disables reporting",
		},
		cli.IntFlag{
			Name:   "vxlan-udp-port",
			Value:  4789,
			EnvVar: fmt.Sprintf("CONTIV_%s_VXLAN_UDP_PORT", binUpper),
			Usage:  "destination udp port of vxlan tunnels",
		},
		cli.IntFlag{
			Name:   "of-listen-port",
			Value:  6633,
			EnvVar: fmt.Sprintf("CONTIV_%s_OF_LISTEN_PORT", binUpper),
			Usage:  "port the openflow controller listens on",
		},
		cli.StringFlag{
			Name:   "ovsdb-endpoint",
			Value:  "unix:/var/run/openvswitch/db.sock",
			EnvVar: fmt.Sprintf("CONTIV_%s_OVSDB_ENDPOINT", binUpper),
			Usage:  "ovsdb server endpoint",
		},
		cli.StringFlag{
			Name:   "plugin-url",
			EnvVar: fmt.Sprintf("CONTIV_%s_PLUGIN_URL", binUpper),
			Usage:  "base url of the controller rpc",
		},
		cli.StringFlag{
			Name:   "listen-url",
			Value:  "0.0.0.0:9095",
			EnvVar: fmt.Sprintf("CONTIV_%s_LISTEN_URL", binUpper),
			Usage:  fmt.Sprintf("set %s notification server address in ip:port format", binLower),
		},
		cli.BoolFlag{
			Name:   "strict-invariants",
			EnvVar: fmt.Sprintf("CONTIV_%s_STRICT_INVARIANTS", binUpper),
			Usage:  "panic on internal inconsistencies instead of logging them",
		},
	}
}

// BuildLogFlags CLI logging flags for given binary
func BuildLogFlags(binary string) []cli.Flag {
	binUpper := strings.ToUpper(binary)
	binLower := strings.ToLower(binary)
	return []cli.Flag{
		cli.StringFlag{
			Name:   "log-level",
			Value:  "INFO",
			EnvVar: fmt.Sprintf("CONTIV_%s_LOG_LEVEL", binUpper),
			Usage:  fmt.Sprintf("set %s log level, options: [DEBUG, INFO, WARN, ERROR]", binLower),
		},
		cli.BoolFlag{
			Name:   "use-json-log, json-log",
			EnvVar: fmt.Sprintf("CONTIV_%s_USE_JSON_LOG", binUpper),
			Usage:  fmt.Sprintf("set %s log format to json if this flag is provided", binLower),
		},
		cli.BoolFlag{
			Name:   "use-syslog, syslog",
			EnvVar: fmt.Sprintf("CONTIV_%s_USE_SYSLOG", binUpper),
			Usage:  fmt.Sprintf("set %s send log to syslog if this flag is provided", binLower),
		},
		cli.StringFlag{
			Name:   "syslog-url",
			Value:  "udp://127.0.0.1:514",
			EnvVar: fmt.Sprintf("CONTIV_%s_SYSLOG_URL", binUpper),
			Usage:  fmt.Sprintf("set %s syslog url in format protocol://ip:port", binLower),
		},
	}
}

func syslogPriority(loglevel logrus.Level) syslog.Priority {
	switch loglevel {
	case logrus.PanicLevel, logrus.FatalLevel:
		return syslog.LOG_CRIT
	case logrus.ErrorLevel:
		return syslog.LOG_ERR
	case logrus.WarnLevel:
		return syslog.LOG_WARNING
	case logrus.DebugLevel, logrus.TraceLevel:
		return syslog.LOG_DEBUG
	}
	return syslog.LOG_INFO
}

func configureSyslog(binary string, loglevel logrus.Level, syslogRawURL string) error {
	// disable colors if we're writing to syslog *and* we're the default text
	// formatter, because the tty detection is useless here.
	if tf, ok := logrus.StandardLogger().Formatter.(*logrus.TextFormatter); ok {
		tf.DisableColors = true
	}

	syslogURL, err := url.Parse(syslogRawURL)
	if err != nil {
		return fmt.Errorf("Failed parsing syslog spec %q: %v", syslogRawURL, err.Error())
	}

	hook, err := logrus_syslog.NewSyslogHook(syslogURL.Scheme, syslogURL.Host, syslogPriority(loglevel), binary)
	if err != nil {
		return fmt.Errorf("Failed connecting to syslog %q: %v", syslogRawURL, err.Error())
	}

	logrus.AddHook(hook)
	return nil
}

// InitLogging initiates logging from CLI options
func InitLogging(binary string, ctx *cli.Context) error {
	logLevel, err := logrus.ParseLevel(ctx.String("log-level"))
	if err != nil {
		return err
	}
	logrus.SetLevel(logLevel)
	logrus.Infof("Using %v log level: %v", binary, logLevel)

	if ctx.Bool("use-syslog") {
		syslogURL := ctx.String("syslog-url")
		if err := configureSyslog(binary, logLevel, syslogURL); err != nil {
			return err
		}
		logrus.Infof("Using %v syslog config: %v", binary, syslogURL)
	} else {
		logrus.Infof("Using %v syslog config: nil", binary)
	}

	if ctx.Bool("use-json-log") {
		logrus.SetFormatter(&logrus.JSONFormatter{})
		logrus.Infof("Using %v log format: json", binary)
	} else {
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, TimestampFormat: time.StampNano})
		logrus.Infof("Using %v log format: text", binary)
	}
	return nil
}

// ParseTunnelTypes parses a comma-delimited list of tunnel types
func ParseTunnelTypes(value string) ([]core.NetworkType, error) {
	types := []core.NetworkType{}
	for _, name := range FilterEmpty(strings.Split(value, ",")) {
		kind := core.NetworkType(strings.ToLower(strings.TrimSpace(name)))
		if !kind.IsTunnel() {
			return nil, fmt.Errorf("invalid tunnel type %q, options: [gre, vxlan]", name)
		}
		types = append(types, kind)
	}
	return lo.Uniq(types), nil
}

// ParseBridgeMappings parses a comma-delimited list of physnet:interface
// mappings. Physical network names must be unique.
func ParseBridgeMappings(value string) (map[string]string, error) {
	mappings := map[string]string{}
	for _, mapping := range FilterEmpty(strings.Split(value, ",")) {
		parts := strings.Split(strings.TrimSpace(mapping), ":")
		if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
			return nil, fmt.Errorf("invalid bridge mapping %q, expected physnet:interface", mapping)
		}
		if _, ok := mappings[parts[0]]; ok {
			return nil, fmt.Errorf("physical network %q mapped more than once", parts[0])
		}
		mappings[parts[0]] = parts[1]
	}
	return mappings, nil
}

// ValidateAgentOptions returns error if agent options are not valid
func ValidateAgentOptions(binary string, ctx *cli.Context) (*core.InstanceInfo, error) {
	// 1. validate and set agent mode
	mode := strings.ToLower(ctx.String("mode"))
	switch mode {
	case core.ModeOVS, core.ModeTest:
		logrus.Infof("Using %s mode: %v", binary, mode)
	case "":
		return nil, fmt.Errorf("%s mode is not set", binary)
	default:
		return nil, fmt.Errorf("unknown %s mode: %v", binary, mode)
	}

	// 2. tunnel types and local endpoint
	tunnelTypes, err := ParseTunnelTypes(ctx.String("tunnel-types"))
	if err != nil {
		return nil, err
	}
	localIP := ctx.String("local-ip")
	if len(tunnelTypes) > 0 {
		if localIP == "" {
			if localIP, err = netutils.GetFirstLocalAddr(); err != nil {
				return nil, fmt.Errorf("tunneling enabled and %s local ip is not set: %v", binary, err)
			}
			logrus.Infof("Using %s first local address as local ip: %v", binary, localIP)
		}
		if _, err := netutils.IPv4ToUint32(localIP); err != nil {
			return nil, fmt.Errorf("invalid %s local ip %q: %v", binary, localIP, err)
		}
	}

	// 3. physical networks
	mappings, err := ParseBridgeMappings(ctx.String("bridge-mappings"))
	if err != nil {
		return nil, err
	}

	// 4. timers and ports
	polling := ctx.Int("polling-interval")
	if polling <= 0 {
		return nil, fmt.Errorf("invalid %s polling interval %d, must be positive", binary, polling)
	}
	fullScan := ctx.Int("full-scan-interval")
	if fullScan <= 0 {
		return nil, fmt.Errorf("invalid %s full scan interval %d, must be positive", binary, fullScan)
	}
	report := ctx.Int("report-interval")
	if report < 0 {
		return nil, fmt.Errorf("invalid %s report interval %d", binary, report)
	}
	for _, name := range []string{"vxlan-udp-port", "of-listen-port"} {
		if port := ctx.Int(name); port < 1 || port > 65535 {
			return nil, fmt.Errorf("invalid %s %s %d", binary, name, port)
		}
	}

	// 5. endpoints
	listenURL := ctx.String("listen-url")
	if err := netutils.ValidateBindAddress(listenURL); err != nil {
		return nil, err
	}
	pluginURL := ctx.String("plugin-url")
	if pluginURL == "" {
		return nil, fmt.Errorf("%s plugin url is not set", binary)
	}
	if _, err := url.ParseRequestURI(pluginURL); err != nil {
		return nil, fmt.Errorf("invalid %s plugin url %q: %v", binary, pluginURL, err)
	}

	host := ctx.String("host")
	if host == "" {
		if host, err = os.Hostname(); err != nil {
			return nil, fmt.Errorf("failed to get %s host name: %v", binary, err)
		}
	}

	info := &core.InstanceInfo{
		HostLabel:        host,
		BridgeName:       ctx.String("integration-bridge"),
		LocalIP:          localIP,
		TunnelTypes:      tunnelTypes,
		BridgeMappings:   mappings,
		L2Population:     ctx.BoolT("l2-population"),
		PollingInterval:  time.Duration(polling) * time.Second,
		MinimizePolling:  ctx.Bool("minimize-polling"),
		FullScanInterval: time.Duration(fullScan) * time.Second,
		ReportInterval:   time.Duration(report) * time.Second,
		StrictInvariants: ctx.Bool("strict-invariants"),
		VxlanUDPPort:     ctx.Int("vxlan-udp-port"),
		OfListenPort:     ctx.Int("of-listen-port"),
		OvsdbEndpoint:    ctx.String("ovsdb-endpoint"),
		PluginURL:        pluginURL,
		ListenURL:        listenURL,
		PluginMode:       mode,
	}
	logrus.Infof("Using %s config: %+v", binary, info)
	return info, nil
}

// FlattenFlags concatenate slices of flags into one slice
func FlattenFlags(flagSlices ...[]cli.Flag) []cli.Flag {
	var flags []cli.Flag
	for _, slice := range flagSlices {
		flags = append(flags, slice...)
	}
	return flags
}

// FilterEmpty filters empty string from string slices
func FilterEmpty(stringSlice []string) []string {
	var result []string
	for _, str := range stringSlice {
		if str != "" {
			result = append(result, str)
		}
	}
	return result
}
