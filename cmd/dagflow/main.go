package main

import (
	_ "go.uber.org/automaxprocs"

	"github.com/ignatij/dagflow/internal/cli"
)

func main() {
	cli.Execute()
}
