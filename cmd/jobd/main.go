package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"jobd/internal/client"
	"jobd/internal/config"
)

var (
	cfgPath  string
	addrFlag string
	token    string
	envFiles []string
	asJSON   bool
)

var rootCmd = &cobra.Command{
	Use:           "jobd",
	Short:         "Run and schedule shell commands per worktree",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return config.LoadDotEnv(envFiles...)
	},
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&cfgPath, "config", "c", "", "path to config (json or yaml)")
	pf.StringVar(&addrFlag, "addr", "", "API address (default from config or "+config.DefaultHTTPAddr+")")
	pf.StringVar(&token, "token", "", "API bearer token (default from config or JOBD_HTTP_TOKEN)")
	pf.StringSliceVar(&envFiles, "env-file", nil, "dotenv files to load (default .env when present)")
	pf.BoolVar(&asJSON, "json", false, "print JSON instead of tables")

	rootCmd.AddCommand(serveCmd, createCmd, listCmd, showCmd, runCmd, stopCmd, deleteCmd, runsCmd, outputCmd, watchCmd, validateCmd)
}

// newClient resolves the API address and token: flags, then environment
// (applied by config parsing), then the config file, then defaults.
func newClient() (*client.Client, error) {
	addr, tok := strings.TrimSpace(addrFlag), strings.TrimSpace(token)
	if addr == "" || tok == "" {
		cfg, err := config.NewConfigManager(cfgPath).Parse()
		if err != nil {
			return nil, err
		}
		if addr == "" {
			addr = cfg.HTTP.Addr
		}
		if tok == "" {
			tok = cfg.HTTP.Token
		}
	}
	return client.New(addr, tok), nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
