package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/exp/slog"
)

type connectFlags struct {
	url       string
	token     string
	uid       int64
	device    string
	object    string
	workspace string
	verbose   bool
}

func (f *connectFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.url, "url", "ws://localhost:8080/", "Collab service websocket url")
	cmd.Flags().StringVar(&f.token, "token", os.Getenv("COLLAB_TOKEN"), "Access token (default $COLLAB_TOKEN)")
	cmd.Flags().Int64Var(&f.uid, "uid", 0, "User id the token was issued for")
	cmd.Flags().StringVar(&f.device, "device", "", "Device id (random when empty)")
	cmd.Flags().StringVar(&f.object, "object", "", "Object id of the document")
	cmd.Flags().StringVar(&f.workspace, "workspace", "default", "Workspace the document belongs to")
	cmd.Flags().BoolVarP(&f.verbose, "verbose", "v", false, "Log protocol traffic")

	_ = cmd.MarkFlagRequired("uid")
	_ = cmd.MarkFlagRequired("object")
}

func (f *connectFlags) logger() *slog.Logger {
	level := slog.LevelWarn
	if f.verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func main() {
	rootCmd := &cobra.Command{
		Use:           "collab-client",
		Short:         "Edit collaborative documents from the command line",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(
		setCmd(),
		watchCmd(),
		tokenCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}
