package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print stackdump's build version",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Println("stackdump version " + buildVersion)
			return nil
		},
	}
}
