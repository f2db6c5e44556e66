package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"collabsync/realtime/internal"
	"collabsync/realtime/internal/client"
	"collabsync/realtime/internal/crdt"
	"collabsync/realtime/internal/protocol"
	"github.com/spf13/cobra"
)

func connect(ctx context.Context, f *connectFlags) (*client.Client, *crdt.Doc, <-chan protocol.MsgID, <-chan error, error) {
	cl, err := client.Dial(ctx, f.logger(), client.Options{
		URL:      f.url,
		Token:    f.token,
		UID:      f.uid,
		DeviceID: f.device,
		Sink:     client.DefaultSinkConfig(),
	})
	if err != nil {
		return nil, nil, nil, nil, err
	}

	done := make(chan error, 1)
	go func() {
		done <- cl.Run(ctx)
	}()

	doc, opened := cl.Open(f.object, f.workspace, protocol.CollabTypeDocument)
	return cl, doc, opened, done, nil
}

func await(ctx context.Context, ch <-chan protocol.MsgID, done <-chan error) error {
	select {
	case <-ch:
		return nil
	case err := <-done:
		return fmt.Errorf("connection closed: %w", err)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func printDoc(doc *crdt.Doc) {
	keys := doc.Keys()
	sort.Strings(keys)
	for _, key := range keys {
		value, _ := doc.Get(key)
		fmt.Printf("%v=%s\n", key, value)
	}
}

func setCmd() *cobra.Command {
	f := &connectFlags{}
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "set key=value...",
		Short: "Write keys into a document and print the result",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			cl, doc, opened, done, err := connect(ctx, f)
			if err != nil {
				return err
			}

			//goland:noinspection GoUnhandledErrorResult
			defer cl.Close()

			if err := await(ctx, opened, done); err != nil {
				return err
			}

			for _, arg := range args {
				key, value, ok := strings.Cut(arg, "=")
				if !ok || key == "" {
					return fmt.Errorf("expected key=value, got %q", arg)
				}
				if err := cl.Set(f.object, key, []byte(value)); err != nil {
					return err
				}
			}

			// queued behind the updates, so its ack means they were applied
			flushed, err := cl.SetAwareness(f.object, []byte("set"))
			if err != nil {
				return err
			}
			if err := await(ctx, flushed, done); err != nil {
				return err
			}

			printDoc(doc)
			return nil
		},
	}

	f.register(cmd)
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "Give up after")

	return cmd
}

func watchCmd() *cobra.Command {
	f := &connectFlags{}

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Print a document every time it changes",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			cl, doc, opened, done, err := connect(ctx, f)
			if err != nil {
				return err
			}

			//goland:noinspection GoUnhandledErrorResult
			defer cl.Close()

			changed := make(chan struct{}, 1)
			doc.ObserveUpdate(func(protocol.Origin, []byte) {
				select {
				case changed <- struct{}{}:
				default:
				}
			})

			if err := await(ctx, opened, done); err != nil {
				return err
			}
			printDoc(doc)

			for {
				select {
				case <-changed:
					fmt.Println("--")
					printDoc(doc)
				case err := <-done:
					if errors.Is(err, context.Canceled) {
						return nil
					}
					return err
				case <-ctx.Done():
					return nil
				}
			}
		},
	}

	f.register(cmd)

	return cmd
}

func tokenCmd() *cobra.Command {
	var (
		uid int64
		ttl time.Duration
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a development access token from $JWT_SECRET",
		RunE: func(cmd *cobra.Command, args []string) error {
			secret := os.Getenv("JWT_SECRET")
			if secret == "" {
				return errors.New("JWT_SECRET is not set")
			}

			token, err := internal.NewTokenSigner([]byte(secret))(uid, ttl)
			if err != nil {
				return err
			}

			fmt.Println(token)
			return nil
		},
	}

	cmd.Flags().Int64Var(&uid, "uid", 0, "User id")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "Token lifetime")
	_ = cmd.MarkFlagRequired("uid")

	return cmd
}
