package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/krijnhaasnoot/voice-notes-sub005/internal/auth"
)

var hashKeyCmd = &cobra.Command{
	Use:   "hash-key <key>",
	Short: "Bcrypt-hash an admin key for auth.admin_key_hash",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		hash, err := auth.HashAdminKey(args[0])
		if err != nil {
			return err
		}
		fmt.Println(hash)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(hashKeyCmd)
}
