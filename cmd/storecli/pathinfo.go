package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/storedaemon/client/src/storepath"
)

func pathInfoCommand(args []string) error {
	fs := flag.NewFlagSet("path-info", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	uriFlag := fs.String("uri", "", "Store URI (or set STORECLI_URI)")
	if err := fs.Parse(args); err != nil {
		if err == flag.ErrHelp {
			return &exitError{code: 0}
		}
		return usageErrorf(2, "%v", err)
	}

	if fs.NArg() != 1 {
		return usageErrorf(2, "Usage: storecli path-info [flags] <path>")
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

	info, err := st.QueryPathInfo(context.Background(), p)
	if err != nil {
		return err
	}

	fmt.Printf("path:            %s\n", codec.Print(info.Path))
	if info.HasDeriver {
		fmt.Printf("deriver:         %s\n", codec.Print(info.Deriver))
	}
	fmt.Printf("narHash:         %s\n", info.NarHash)
	fmt.Printf("narSize:         %d\n", info.NarSize)
	fmt.Printf("references:      %v\n", info.References.Strings(codec))
	fmt.Printf("registeredAt:    %d\n", info.RegistrationSec)
	fmt.Printf("ultimate:        %v\n", info.Ultimate)
	if info.ContentAddress != "" {
		fmt.Printf("contentAddress:  %s\n", info.ContentAddress)
	}
	return nil
}
