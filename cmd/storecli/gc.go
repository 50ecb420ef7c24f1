package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/storedaemon/client/src/store"
	"github.com/storedaemon/client/src/storepath"
)

func gcCommand(args []string) error {
	fs := flag.NewFlagSet("gc", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	uriFlag := fs.String("uri", "", "Store URI (or set STORECLI_URI)")
	deleteDead := fs.Bool("delete-dead", false, "Delete unreachable paths (default is a dry-run live/dead report)")
	maxFreed := fs.Uint64("max-freed-bytes", 0, "Stop once this many bytes have been freed (0 means unbounded)")
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

	action := store.GCReturnDead
	if *deleteDead {
		action = store.GCDeleteDead
	}

	result, err := st.CollectGarbage(context.Background(), store.GCOptions{
		Action:        action,
		MaxFreedBytes: *maxFreed,
	}, nil)
	if err != nil {
		return err
	}

	codec := storepath.NewDefaultCodec("")
	fmt.Printf("freed %d paths, %d bytes\n", len(result.FreedPaths.Strings(codec)), result.BytesFreed)
	return nil
}
