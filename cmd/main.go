package main

import (
	"os"

	"github.com/soundprediction/medclip/cmd/medclip"
)

func main() {
	if err := medclip.Execute(); err != nil {
		os.Exit(1)
	}
}
