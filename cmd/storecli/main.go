package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/storedaemon/client/src/store"
	"github.com/storedaemon/client/src/workerproto"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	command := os.Args[1]
	args := os.Args[2:]

	var err error
	switch command {
	case "ping":
		err = pingCommand(args)
	case "is-valid":
		err = isValidCommand(args)
	case "path-info":
		err = pathInfoCommand(args)
	case "gc":
		err = gcCommand(args)
	case "version", "--version", "-v":
		err = versionCommand()
	case "help", "--help", "-h":
		printUsage()
		return
	default:
		fmt.Printf("Unknown command: %s\n", command)
		printUsage()
		os.Exit(1)
	}

	if err != nil {
		var exitErr *exitError
		if errors.As(err, &exitErr) {
			if exitErr.Error() != "" {
				fmt.Fprintln(os.Stderr, exitErr.Error())
			}
			os.Exit(exitErr.code)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("storecli - store-daemon worker protocol client")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  storecli ping [flags]                 - Connect and report the negotiated protocol version")
	fmt.Println("  storecli is-valid [flags] <path>       - Check whether a store path is valid")
	fmt.Println("  storecli path-info [flags] <path>      - Print the recorded path-info record")
	fmt.Println("  storecli gc [flags]                    - Run one garbage-collection pass")
	fmt.Println("  storecli version                       - Show version information")
	fmt.Println()
	fmt.Println("Common flags:")
	fmt.Println("  --uri <uri>                            - Store URI (or set STORECLI_URI); default \"daemon\"")
}

func versionCommand() error {
	fmt.Printf("storecli client protocol %d.%d\n", workerproto.ClientVersionMajor, workerproto.ClientVersionMinor)
	return nil
}

func resolveURIFlag(uriFlag string) string {
	if uriFlag != "" {
		return uriFlag
	}
	if env := os.Getenv("STORECLI_URI"); env != "" {
		return env
	}
	return "daemon"
}

func openStore(uri string) (*store.Store, error) {
	return store.NewStore(uri, nil)
}
