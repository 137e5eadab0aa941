package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/ghjm/golib/pkg/exit_handler"
	"github.com/ghjm/localnet/internal/version"
	"github.com/ghjm/localnet/pkg/config"
	"github.com/ghjm/localnet/pkg/localnet"
	"github.com/ghjm/localnet/pkg/modules"
	"github.com/mattn/go-isatty"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

func errExit(err error) {
	fmt.Printf("Error: %s\n", err)
	exit_handler.RunExitFuncs()
	os.Exit(1)
}

var rootCmd = &cobra.Command{
	Use:     "localnet",
	Short:   "Local network virtualization layer",
	Version: version.Version(),
}

var configFile string
var logLevel string
var statusInterval time.Duration
var jsonOutput bool

func setupLogging() {
	if isatty.IsTerminal(os.Stderr.Fd()) || isatty.IsCygwinTerminal(os.Stderr.Fd()) {
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	} else {
		log.SetFormatter(&log.JSONFormatter{})
	}
	if logLevel != "" {
		switch logLevel {
		case "error":
			log.SetLevel(log.ErrorLevel)
		case "warning":
			log.SetLevel(log.WarnLevel)
		case "info":
			log.SetLevel(log.InfoLevel)
		case "debug":
			log.SetLevel(log.DebugLevel)
		default:
			errExit(fmt.Errorf("invalid log level"))
		}
	}
}

func printValue(v any) {
	var data []byte
	var err error
	if jsonOutput {
		data, err = json.MarshalIndent(v, "", "  ")
		data = append(data, '\n')
	} else {
		data, err = yaml.Marshal(v)
	}
	if err != nil {
		errExit(err)
	}
	fmt.Print(string(data))
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the virtualization layer",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		setupLogging()
		cfg, err := config.LoadConfig(configFile)
		if err != nil {
			errExit(err)
		}
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		var n *localnet.Node
		n, err = localnet.Run(ctx, cfg, nil)
		if err != nil {
			errExit(err)
		}
		exit_handler.AddExitFunc(n.Close)
		if statusInterval > 0 {
			go func() {
				t := time.NewTicker(statusInterval)
				defer t.Stop()
				for {
					select {
					case <-ctx.Done():
						return
					case <-t.C:
						data, err := yaml.Marshal(n.Router.Status())
						if err == nil {
							log.Infof("status:\n%s", data)
						}
					}
				}
			}()
		}
		<-n.Router.Done()
	},
}

var resolveCmd = &cobra.Command{
	Use:   "resolve <hostname>...",
	Short: "Show how hostnames resolve under a config",
	Args:  cobra.MinimumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		setupLogging()
		cfg, err := config.LoadConfig(configFile)
		if err != nil {
			errExit(err)
		}
		cfg.DNS = config.DNS{}
		cfg.Capture = config.Capture{}
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		var n *localnet.Node
		n, err = localnet.Run(ctx, cfg, nil)
		if err != nil {
			errExit(err)
		}
		defer n.Close()
		results := make(map[string][]string)
		for _, host := range args {
			var addrs []string
			addrs, err = n.Shim.ResolveHostname(ctx, host)
			if err != nil {
				log.Warnf("error resolving %s: %s", host, err)
				continue
			}
			results[host] = addrs
		}
		printValue(struct {
			Addresses map[string][]string `json:"addresses" yaml:"addresses"`
			Status    any                 `json:"status" yaml:"status"`
		}{
			Addresses: results,
			Status:    n.Router.Status(),
		})
	},
}

var modulesCmd = &cobra.Command{
	Use:   "modules",
	Short: "List the available module types",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		for _, k := range modules.Kinds() {
			fmt.Println(k)
		}
	},
}

func main() {
	runCmd.Flags().StringVar(&configFile, "config", "", "Config file name (required)")
	_ = runCmd.MarkFlagRequired("config")
	runCmd.Flags().StringVar(&logLevel, "log-level", "", "Set log level (error/warning/info/debug)")
	runCmd.Flags().DurationVar(&statusInterval, "status-interval", 0, "Log the router status at this interval")

	resolveCmd.Flags().StringVar(&configFile, "config", "", "Config file name (required)")
	_ = resolveCmd.MarkFlagRequired("config")
	resolveCmd.Flags().StringVar(&logLevel, "log-level", "", "Set log level (error/warning/info/debug)")
	resolveCmd.Flags().BoolVar(&jsonOutput, "json", false, "Output JSON instead of YAML")

	rootCmd.AddCommand(runCmd, resolveCmd, modulesCmd)

	err := rootCmd.Execute()
	exit_handler.RunExitFuncs()
	if err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
