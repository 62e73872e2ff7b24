package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/seantiz/depflow/internal/cli"
	"github.com/seantiz/depflow/internal/storage"
)

func main() {
	err := cli.NewRootCommand().Execute()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if serr := storage.Shutdown(ctx); serr != nil && err == nil {
		err = serr
	}

	if err != nil {
		fmt.Fprintln(os.Stderr, "depflow:", err)
		cancel()
		os.Exit(1)
	}
}
