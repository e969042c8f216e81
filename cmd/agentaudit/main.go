package main

import (
	"os"

	"github.com/rs/zerolog/log"
)

func main() {
	if err := newRootCommand(os.Stdout).Execute(); err != nil {
		log.Fatal().Err(err).Msg("agentaudit failed")
	}
}
