package main

import (
	"log"

	"github.com/cuihairu/arcade/internal/cli/storecmd"
)

func main() {
	if err := storecmd.New().Execute(); err != nil {
		log.Fatal(err)
	}
}
