package main

import (
	"context"
	"fmt"

	"github.com/samcharles93/drape/internal/schedule"
	"github.com/urfave/cli/v3"
)

func schedulersCmd() *cli.Command {
	return &cli.Command{
		Name:  "schedulers",
		Usage: "List the noise schedulers and their capabilities",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			fmt.Printf("%-22s %-5s %-9s %s\n", "NAME", "ETA", "GENERATOR", "DESCRIPTION")
			for _, e := range schedule.Entries() {
				fmt.Printf("%-22s %-5s %-9s %s\n", e.Variant, yesNo(e.Caps.Eta), yesNo(e.Caps.Generator), e.Description)
			}
			return nil
		},
	}
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}
