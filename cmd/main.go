package main

import (
	"os"

	"github.com/soundprediction/graphfold/cmd/graphfold"
)

func main() {
	if err := graphfold.Execute(); err != nil {
		os.Exit(1)
	}
}
