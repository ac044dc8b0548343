package main

import (
	"github.com/conveyor-ci/conveyor/cmd"
	"github.com/conveyor-ci/conveyor/pkg/env"
	"github.com/conveyor-ci/conveyor/pkg/log"
)

func main() {
	if err := env.Process(); err != nil {
		log.Fatal("environment failure", "error", err)
	}

	if err := cmd.Execute(); err != nil {
		log.Fatal("conveyor failure", "error", err)
	}
}
