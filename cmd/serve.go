package cmd

import (
	"log"

	"github.com/spf13/cobra"

	"maxprobectl/internal/api"
)

var (
	serveBind     string
	servePort     int
	serveProbeBin string
	serveToken    string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP control-plane service",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if cmd.Flags().Changed("bind") {
			cfg.BindHost = serveBind
		}
		if cmd.Flags().Changed("port") {
			cfg.Port = servePort
		}
		if cmd.Flags().Changed("probe-bin") {
			cfg.ProbeBin = serveProbeBin
		}
		if cmd.Flags().Changed("token") {
			cfg.APIToken = serveToken
		}

		if cfg.APIToken == "" {
			log.Printf("[serve] no API token configured: the control API is open to local callers")
		}
		return api.New(cfg).Run()
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&serveBind, "bind", "127.0.0.1", "bind address (local only)")
	serveCmd.Flags().IntVar(&servePort, "port", 8088, "listen port (falls forward when busy)")
	serveCmd.Flags().StringVar(&serveProbeBin, "probe-bin", "/opt/bin/keenetic-maxprobe", "path to the probe binary")
	serveCmd.Flags().StringVar(&serveToken, "token", "", "shared-secret API token (empty leaves the API open)")
}
