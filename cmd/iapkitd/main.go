package main

import (
	"os"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

func main() {
	// .env is optional; real environment variables win
	_ = godotenv.Load()

	root := &cobra.Command{
		Use:          "iapkitd",
		Short:        "App Store purchase and entitlement service",
		SilenceUsage: true,
	}
	cfg := bindConfig(root)

	root.AddCommand(runServeCommand(cfg))
	root.AddCommand(runMigrateCommand(cfg))

	if err := root.Execute(); err != nil {
		logrus.WithError(err).Error("iapkitd failed")
		os.Exit(1)
	}
}
