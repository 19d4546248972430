package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/Brownie44l1/fp-stamp/internal/model"
)

func main() {
	if err := execute(model.Load, os.Args[1:], os.Stdout, os.Stderr); err != nil {
		if !errors.Is(err, context.Canceled) {
			fmt.Fprintln(os.Stderr, err)
		}
		os.Exit(1)
	}
}
