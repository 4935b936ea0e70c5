package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/roteiro/chatsync/internal/app"
	"github.com/roteiro/chatsync/internal/config"
	"go.uber.org/fx"
)

func main() {
	configFlag := flag.String("config", "", "config file path (default ~/.chatsync/config.toml)")
	flag.Parse()

	path := *configFlag
	if path == "" {
		var err error
		path, err = config.DefaultPath()
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
	}

	fx.New(
		app.Module(app.Params{ConfigPath: path}),
	).Run()
}
