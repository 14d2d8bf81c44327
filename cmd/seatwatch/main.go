package main

import (
	"fmt"
	"os"

	"github.com/hitoshi/seatwatch/internal/app"
)

func main() {
	if err := app.Run(os.Stdout, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "seatwatch: %v\n", err)
		os.Exit(1)
	}
}
