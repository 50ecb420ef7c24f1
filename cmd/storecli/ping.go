package main

import (
	"context"
	"flag"
	"fmt"
	"os"
)

func pingCommand(args []string) error {
	fs := flag.NewFlagSet("ping", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	uriFlag := fs.String("uri", "", "Store URI (or set STORECLI_URI)")
	if err := fs.Parse(args); err != nil {
		if err == flag.ErrHelp {
			return &exitError{code: 0}
		}
		return usageErrorf(2, "%v", err)
	}

	st, err := openStore(resolveURIFlag(*uriFlag))
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()

	major, minor, err := st.Ping(context.Background())
	if err != nil {
		return err
	}

	fmt.Printf("OK protocol=%d.%d\n", major, minor)
	return nil
}
