package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/storedaemon/client/src/storepath"
)

func isValidCommand(args []string) error {
	fs := flag.NewFlagSet("is-valid", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	uriFlag := fs.String("uri", "", "Store URI (or set STORECLI_URI)")
	if err := fs.Parse(args); err != nil {
		if err == flag.ErrHelp {
			return &exitError{code: 0}
		}
		return usageErrorf(2, "%v", err)
	}

	if fs.NArg() != 1 {
		return usageErrorf(2, "Usage: storecli is-valid [flags] <path>")
	}

	st, err := openStore(resolveURIFlag(*uriFlag))
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()

	codec := storepath.NewDefaultCodec("")
	p, err := codec.Parse(fs.Arg(0))
	if err != nil {
		return usageErrorf(2, "%v", err)
	}

	valid, err := st.IsValidPath(context.Background(), p)
	if err != nil {
		return err
	}

	if valid {
		fmt.Println("valid")
	} else {
		fmt.Println("invalid")
		return &exitError{code: 1}
	}
	return nil
}
