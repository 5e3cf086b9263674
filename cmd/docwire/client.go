package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/vango-dev/docwire/pkg/session"
	"github.com/vango-dev/docwire/pkg/stream"
	"github.com/vango-dev/docwire/pkg/transport"
	"github.com/vango-dev/docwire/pkg/txn"
)

// dial connects a session to the configured endpoint. The returned function
// closes it.
func (c *cli) dial(ctx context.Context) (*session.Session, func(), error) {
	ws, err := transport.DialWebSocket(ctx, c.cfg.Endpoint, c.cfg.TransportConfig())
	if err != nil {
		return nil, nil, err
	}
	s := session.New(ws,
		session.WithLogger(c.logger),
		session.WithMaxAttempts(c.cfg.Transaction.MaxAttempts),
	)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = s.Run(context.Background())
	}()
	return s, func() {
		_ = s.Close()
		<-done
	}, nil
}

// withSession runs fn against a fresh session and closes it afterwards.
func (c *cli) withSession(cmd *cobra.Command, fn func(ctx context.Context, s *session.Session) error) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	s, closeSession, err := c.dial(ctx)
	if err != nil {
		return err
	}
	defer closeSession()
	return fn(ctx, s)
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(toJSON(v))
}

func isCollection(path string) bool {
	return strings.Count(strings.Trim(path, "/"), "/")%2 == 0
}

func getCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "get <document-path>",
		Short: "Read a document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withSession(cmd, func(ctx context.Context, s *session.Session) error {
				doc, err := s.GetDocument(ctx, args[0])
				if err != nil {
					return err
				}
				if !doc.Exists {
					return fmt.Errorf("no document at %s", args[0])
				}
				return printJSON(cmd, doc.Encode())
			})
		},
	}
}

func queryCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "query <collection-path>",
		Short: "List the documents in a collection",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withSession(cmd, func(ctx context.Context, s *session.Session) error {
				qs, err := s.GetQuery(ctx, args[0])
				if err != nil {
					return err
				}
				docs := make([]any, len(qs.Documents))
				for i, d := range qs.Documents {
					docs[i] = d.Encode()
				}
				return printJSON(cmd, docs)
			})
		},
	}
}

func setCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "set <document-path> <json>",
		Short: "Create or replace a document",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := parseDocument(args[1])
			if err != nil {
				return err
			}
			return c.withSession(cmd, func(ctx context.Context, s *session.Session) error {
				if err := s.SetDocument(ctx, args[0], data); err != nil {
					return err
				}
				success(cmd, "Set %s", args[0])
				return nil
			})
		},
	}
}

func updateCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "update <document-path> <json>",
		Short: "Merge fields into an existing document",
		Long: `Merge fields into an existing document.

Dotted keys address nested fields:
  docwire update users/ann '{"address.city": "Bergen"}'`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := parseDocument(args[1])
			if err != nil {
				return err
			}
			return c.withSession(cmd, func(ctx context.Context, s *session.Session) error {
				if err := s.UpdateDocument(ctx, args[0], data); err != nil {
					return err
				}
				success(cmd, "Updated %s", args[0])
				return nil
			})
		},
	}
}

func deleteCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <document-path>",
		Short: "Delete a document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withSession(cmd, func(ctx context.Context, s *session.Session) error {
				if err := s.DeleteDocument(ctx, args[0]); err != nil {
					return err
				}
				success(cmd, "Deleted %s", args[0])
				return nil
			})
		},
	}
}

func watchCmd(c *cli) *cobra.Command {
	var count int

	cmd := &cobra.Command{
		Use:   "watch <path>",
		Short: "Print live snapshots of a document or collection",
		Long: `Print live snapshots of a document or collection, one JSON object per line.

A path with an odd number of segments is watched as a collection query.
Watching stops on interrupt or after --count snapshots.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withSession(cmd, func(ctx context.Context, s *session.Session) error {
				var (
					sink *stream.Sink
					err  error
				)
				if isCollection(args[0]) {
					sink, err = s.ListenQuery(ctx, args[0])
				} else {
					sink, err = s.ListenDocument(ctx, args[0])
				}
				if err != nil {
					return err
				}
				defer func() { _ = s.Cancel(context.Background(), sink.Handle()) }()

				enc := json.NewEncoder(cmd.OutOrStdout())
				for seen := 0; count <= 0 || seen < count; seen++ {
					select {
					case <-ctx.Done():
						return nil
					case snap, ok := <-sink.C():
						if !ok {
							return nil
						}
						if err := enc.Encode(toJSON(encodeSnapshot(snap))); err != nil {
							return err
						}
					}
				}
				return nil
			})
		},
	}

	cmd.Flags().IntVarP(&count, "count", "n", 0, "Stop after this many snapshots (0 = until interrupted)")

	return cmd
}

func encodeSnapshot(snap stream.Snapshot) map[string]any {
	switch s := snap.(type) {
	case *stream.QuerySnapshot:
		return s.Encode()
	case *stream.DocumentSnapshot:
		return s.Encode()
	}
	return nil
}

func incrCmd(c *cli) *cobra.Command {
	var by int64

	cmd := &cobra.Command{
		Use:   "incr <document-path> <field>",
		Short: "Atomically increment an integer field",
		Long: `Atomically increment an integer field inside a transaction.

A missing document or field counts as zero. The store retries the
transaction when another writer changes the document first.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, field := args[0], args[1]
			return c.withSession(cmd, func(ctx context.Context, s *session.Session) error {
				result, err := s.RunTransaction(ctx, incrementField(path, field, by), c.cfg.Transaction.Timeout.Duration)
				if err != nil {
					return err
				}
				return printJSON(cmd, result)
			})
		},
	}

	cmd.Flags().Int64Var(&by, "by", 1, "Amount to add")

	return cmd
}

// incrementField reads its input on every attempt, so the store can rerun it.
func incrementField(path, field string, by int64) txn.Handler {
	return func(ctx context.Context, tx *txn.Transaction) (map[string]any, error) {
		doc, err := tx.Get(ctx, path)
		if err != nil {
			return nil, err
		}
		var current int64
		if v, ok := doc.Get(field); ok {
			n, isInt := v.(int64)
			if !isInt {
				return nil, fmt.Errorf("%s.%s is %T, not an integer", path, field, v)
			}
			current = n
		}

		next := current + by
		if doc.Exists {
			err = tx.Update(ctx, path, map[string]any{field: next})
		} else {
			err = tx.Set(ctx, path, map[string]any{field: next})
		}
		if err != nil {
			return nil, err
		}
		return map[string]any{"path": path, field: next}, nil
	}
}

func configCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration as TOML",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := c.cfg.Encode()
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}
}
