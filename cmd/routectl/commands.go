package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/tjfontaine/modelkey-gateway/internal/auth"
	"github.com/tjfontaine/modelkey-gateway/internal/core/domain"
	"github.com/tjfontaine/modelkey-gateway/internal/core/ports"
	"github.com/tjfontaine/modelkey-gateway/internal/pkg/config"
	"github.com/tjfontaine/modelkey-gateway/internal/resolver"
	"github.com/tjfontaine/modelkey-gateway/internal/runtime"
)

// env is what every command works against.
type env struct {
	cfg     *config.Config
	store   ports.RouteStore
	blocked ports.BlockedModelStore
	closers []io.Closer
}

func (e *env) Close() {
	for _, c := range e.closers {
		c.Close()
	}
}

func openEnv(ctx context.Context, cmd *cli.Command) (*env, error) {
	cfg, err := config.LoadFile(cmd.String("config"))
	if err != nil {
		return nil, err
	}
	store, err := runtime.OpenStore(cfg.Storage)
	if err != nil {
		return nil, err
	}
	e := &env{cfg: cfg, store: store, closers: []io.Closer{store}}

	blocked, closer, err := runtime.OpenBlocklist(ctx, cfg.Blocklist, store)
	if err != nil {
		e.Close()
		return nil, err
	}
	e.blocked = blocked
	if closer != nil {
		e.closers = append(e.closers, closer)
	}
	return e, nil
}

// withEnv adapts a command body that needs the store.
func withEnv(out io.Writer, fn func(ctx context.Context, cmd *cli.Command, e *env, out io.Writer) error) cli.ActionFunc {
	return func(ctx context.Context, cmd *cli.Command) error {
		e, err := openEnv(ctx, cmd)
		if err != nil {
			return err
		}
		defer e.Close()
		return fn(ctx, cmd, e, out)
	}
}

func newApp(out io.Writer) *cli.Command {
	return &cli.Command{
		Name:  "routectl",
		Usage: "manage gateway mappings, blocked models, and endpoints",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Aliases: []string{"c"}, Value: config.DefaultPath, Usage: "path to config.yaml"},
			&cli.BoolFlag{Name: "json", Usage: "print JSON instead of tables"},
		},
		Commands: []*cli.Command{
			mappingsCommand(out),
			blockedCommand(out),
			endpointsCommand(out),
			resolveCommand(out),
			seedCommand(out),
			tokenCommand(out),
		},
	}
}

func mappingsCommand(out io.Writer) *cli.Command {
	return &cli.Command{
		Name:  "mappings",
		Usage: "list and edit override mappings",
		Commands: []*cli.Command{
			{
				Name:  "list",
				Usage: "list mappings",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "scope", Usage: "only this scope type"},
					&cli.StringFlag{Name: "key", Usage: "only this scope key"},
					&cli.BoolFlag{Name: "active", Usage: "only active mappings"},
				},
				Action: withEnv(out, func(ctx context.Context, cmd *cli.Command, e *env, out io.Writer) error {
					filter := ports.MappingFilter{ScopeKey: cmd.String("key"), ActiveOnly: cmd.Bool("active")}
					if s := cmd.String("scope"); s != "" {
						st, err := domain.ParseScopeType(s)
						if err != nil {
							return err
						}
						filter.ScopeType = st
					}
					mappings, err := e.store.ListMappings(ctx, filter)
					if err != nil {
						return err
					}
					if cmd.Bool("json") {
						return printJSON(out, mappings)
					}
					tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
					fmt.Fprintln(tw, "ID\tACTIVE\tDEFAULT\tCANDIDATES\tUPDATED")
					for _, m := range mappings {
						fmt.Fprintf(tw, "%s\t%t\t%s\t%s\t%s\n", m.ID, m.IsActive, m.DefaultModel,
							strings.Join(m.Candidates, ","), m.UpdatedAt.Format(time.RFC3339))
					}
					return tw.Flush()
				}),
			},
			{
				Name:      "get",
				Usage:     "show one mapping",
				ArgsUsage: "<scope_type:scope_key>",
				Action: withEnv(out, func(ctx context.Context, cmd *cli.Command, e *env, out io.Writer) error {
					id := cmd.Args().First()
					if id == "" {
						return errors.New("mapping id is required")
					}
					m, err := e.store.GetMapping(ctx, id)
					if err != nil {
						return err
					}
					if m == nil {
						return fmt.Errorf("mapping %s not found", id)
					}
					return printJSON(out, m)
				}),
			},
			{
				Name:      "put",
				Usage:     "create or replace a mapping",
				ArgsUsage: "<scope_type> <scope_key> <default_model> [candidates...]",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "name", Usage: "display name"},
					&cli.BoolFlag{Name: "inactive", Usage: "store the mapping disabled"},
					&cli.FloatFlag{Name: "temperature", Usage: "temperature stored in metadata"},
				},
				Action: withEnv(out, func(ctx context.Context, cmd *cli.Command, e *env, out io.Writer) error {
					args := cmd.Args().Slice()
					if len(args) < 3 {
						return errors.New("usage: mappings put <scope_type> <scope_key> <default_model> [candidates...]")
					}
					st, err := domain.ParseScopeType(args[0])
					if err != nil {
						return err
					}
					m := &domain.Mapping{
						ScopeType:    st,
						ScopeKey:     args[1],
						Name:         cmd.String("name"),
						DefaultModel: args[2],
						Candidates:   append([]string{args[2]}, args[3:]...),
						IsActive:     !cmd.Bool("inactive"),
					}
					if cmd.IsSet("temperature") {
						m.Metadata = map[string]any{"temperature": cmd.Float("temperature")}
					}
					stored, err := e.store.UpsertMapping(ctx, m)
					if err != nil {
						return err
					}
					fmt.Fprintf(out, "stored %s\n", stored.ID)
					return nil
				}),
			},
			{
				Name:      "delete",
				Usage:     "remove a mapping",
				ArgsUsage: "<scope_type:scope_key>",
				Action: withEnv(out, func(ctx context.Context, cmd *cli.Command, e *env, out io.Writer) error {
					id := cmd.Args().First()
					if id == "" {
						return errors.New("mapping id is required")
					}
					ok, err := e.store.DeleteMapping(ctx, id)
					if err != nil {
						return err
					}
					if !ok {
						return fmt.Errorf("mapping %s not found", id)
					}
					fmt.Fprintf(out, "deleted %s\n", id)
					return nil
				}),
			},
		},
	}
}

func blockedCommand(out io.Writer) *cli.Command {
	update := func(blocked bool) cli.ActionFunc {
		return withEnv(out, func(ctx context.Context, cmd *cli.Command, e *env, out io.Writer) error {
			models := cmd.Args().Slice()
			if len(models) == 0 {
				return errors.New("at least one model is required")
			}
			updates := make([]domain.BlockUpdate, 0, len(models))
			for _, m := range models {
				updates = append(updates, domain.BlockUpdate{Model: m, Blocked: blocked})
			}
			set, err := e.blocked.SetBlocked(ctx, updates)
			if err != nil {
				return err
			}
			return printList(out, cmd, set)
		})
	}

	return &cli.Command{
		Name:  "blocked",
		Usage: "inspect and edit the blocked-model set",
		Commands: []*cli.Command{
			{
				Name:  "list",
				Usage: "list blocked models",
				Action: withEnv(out, func(ctx context.Context, cmd *cli.Command, e *env, out io.Writer) error {
					set, err := e.blocked.ListBlocked(ctx)
					if err != nil {
						return err
					}
					return printList(out, cmd, set)
				}),
			},
			{Name: "block", Usage: "block models", ArgsUsage: "<model>...", Action: update(true)},
			{Name: "unblock", Usage: "unblock models", ArgsUsage: "<model>...", Action: update(false)},
		},
	}
}

func endpointsCommand(out io.Writer) *cli.Command {
	return &cli.Command{
		Name:  "endpoints",
		Usage: "inspect provider endpoints",
		Commands: []*cli.Command{
			{
				Name:  "list",
				Usage: "list endpoints (credentials are never printed)",
				Action: withEnv(out, func(ctx context.Context, cmd *cli.Command, e *env, out io.Writer) error {
					endpoints, err := e.store.ListEndpoints(ctx)
					if err != nil {
						return err
					}
					if cmd.Bool("json") {
						return printJSON(out, endpoints)
					}
					tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
					fmt.Fprintln(tw, "ID\tNAME\tBASE_URL\tACTIVE\tDEFAULT\tSTATUS\tMODELS")
					for _, ep := range endpoints {
						fmt.Fprintf(tw, "%d\t%s\t%s\t%t\t%t\t%s\t%s\n", ep.ID, ep.Name, ep.BaseURL,
							ep.IsActive, ep.IsDefault, ep.Status, strings.Join(ep.ModelList, ","))
					}
					return tw.Flush()
				}),
			},
		},
	}
}

func resolveCommand(out io.Writer) *cli.Command {
	return &cli.Command{
		Name:      "resolve",
		Usage:     "dry-run model resolution",
		ArgsUsage: "[model_key]",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "user", Usage: "user id for message resolution"},
			&cli.StringFlag{Name: "tenant", Usage: "tenant id for message resolution"},
			&cli.StringFlag{Name: "prompt", Usage: "prompt id for message resolution"},
		},
		Action: withEnv(out, func(ctx context.Context, cmd *cli.Command, e *env, out io.Writer) error {
			r := resolver.New(e.store, e.blocked)
			if key := cmd.Args().First(); key != "" {
				res, err := r.Resolve(ctx, key)
				if err != nil {
					return err
				}
				return printJSON(out, res)
			}
			res, err := r.ResolveForMessage(ctx, resolver.MessageQuery{
				UserID:   cmd.String("user"),
				TenantID: cmd.String("tenant"),
				PromptID: cmd.String("prompt"),
			})
			if err != nil {
				return err
			}
			return printJSON(out, res)
		}),
	}
}

func seedCommand(out io.Writer) *cli.Command {
	return &cli.Command{
		Name:  "seed",
		Usage: "upsert the endpoints, mappings, and blocked models listed in the config",
		Action: withEnv(out, func(ctx context.Context, cmd *cli.Command, e *env, out io.Writer) error {
			if err := runtime.Seed(ctx, e.cfg, e.store, e.blocked); err != nil {
				return err
			}
			fmt.Fprintf(out, "seeded %d endpoints, %d mappings, %d blocked models\n",
				len(e.cfg.Endpoints), len(e.cfg.Mappings), len(e.cfg.BlockedModels))
			return nil
		}),
	}
}

func tokenCommand(out io.Writer) *cli.Command {
	return &cli.Command{
		Name:      "token",
		Usage:     "mint a bearer token signed with auth.jwt_secret",
		ArgsUsage: "<user_id>",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "tenant", Usage: "tenant_id claim"},
			&cli.DurationFlag{Name: "ttl", Value: 24 * time.Hour, Usage: "token lifetime; 0 for none"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			user := cmd.Args().First()
			if user == "" {
				return errors.New("user id is required")
			}
			cfg, err := config.LoadFile(cmd.String("config"))
			if err != nil {
				return err
			}
			v, err := auth.NewVerifier(cfg.Auth.JWTSecret, cfg.Auth.Issuer)
			if err != nil {
				return err
			}
			token, err := v.Sign(user, cmd.String("tenant"), cmd.Duration("ttl"))
			if err != nil {
				return err
			}
			fmt.Fprintln(out, token)
			return nil
		},
	}
}

func printList(out io.Writer, cmd *cli.Command, items []string) error {
	if cmd.Bool("json") {
		return printJSON(out, items)
	}
	for _, item := range items {
		fmt.Fprintln(out, item)
	}
	return nil
}

func printJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
