package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var courierCmd = &cobra.Command{
	Use:   "courier",
	Short: "Real-time message delivery core",
}

func Execute() {
	if err := courierCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
