package main

import (
	"log"

	"github.com/cuihairu/arcade/internal/cli/lobbycmd"
)

func main() {
	if err := lobbycmd.New().Execute(); err != nil {
		log.Fatal(err)
	}
}
