package main

import (
	"fmt"
	"os"

	"github.com/jacksonkasi1/tiger-schema-sub001/cmd/tigerhub/commands"
)

func main() {
	if err := commands.NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
