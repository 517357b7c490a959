package main

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/pflag"

	"github.com/carp-registry/carp/internal/client"
)

func (a *app) keysCommand() *Command {
	return &Command{
		Name:    "keys",
		Summary: "Manage your API keys",
		Subcommands: []*Command{
			a.keysCreateCommand(),
			a.keysListCommand(),
			a.keysUpdateCommand(),
			a.keysRevokeCommand(),
		},
	}
}

func (a *app) keysCreateCommand() *Command {
	var (
		name      string
		scopes    []string
		expiresIn time.Duration
		asJSON    bool
	)
	return &Command{
		Name:    "create",
		Summary: "Issue a new API key",
		Usage:   "carp keys create [--name n] [--scope s]... [--expires-in d] [--json]",
		Flags: func() *pflag.FlagSet {
			fs := pflag.NewFlagSet("create", pflag.ContinueOnError)
			fs.StringVar(&name, "name", "", "label for the key")
			fs.StringSliceVar(&scopes, "scope", nil, "scope to grant; repeat or comma-separate (default read)")
			fs.DurationVar(&expiresIn, "expires-in", 0, "lifetime of the key, e.g. 720h (default: no expiry)")
			fs.BoolVar(&asJSON, "json", false, "print JSON")
			return fs
		},
		Run: func(args []string) error {
			if len(args) != 0 {
				return usageError("create takes no arguments")
			}
			if expiresIn < 0 {
				return usageError("--expires-in must be positive")
			}
			c, _, err := a.client()
			if err != nil {
				return err
			}

			req := client.CreateKeyRequest{Scopes: scopes}
			if name != "" {
				req.Name = &name
			}
			if expiresIn > 0 {
				at := time.Now().Add(expiresIn).UTC()
				req.ExpiresAt = &at
			}
			created, err := c.CreateKey(a.ctx, req)
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(a.out, created)
			}
			fmt.Fprintf(a.out, "%s\n\n", created.Key)
			fmt.Fprintf(a.errOut, "Key %s created with scopes %s. Store it now: it will not be shown again.\n",
				created.Info.ID, strings.Join(created.Info.Scopes, ","))
			return nil
		},
	}
}

func (a *app) keysListCommand() *Command {
	var asJSON bool
	return &Command{
		Name:    "list",
		Summary: "List your API keys",
		Flags: func() *pflag.FlagSet {
			fs := pflag.NewFlagSet("list", pflag.ContinueOnError)
			fs.BoolVar(&asJSON, "json", false, "print JSON")
			return fs
		},
		Run: func(args []string) error {
			c, _, err := a.client()
			if err != nil {
				return err
			}
			keys, err := c.ListKeys(a.ctx)
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(a.out, keys)
			}
			return printKeys(a.out, keys)
		},
	}
}

func printKeys(w io.Writer, keys []client.KeyInfo) error {
	tw := tabwriter.NewWriter(w, 2, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tPREFIX\tSCOPES\tACTIVE\tEXPIRES\tLAST USED")
	for _, k := range keys {
		name := "-"
		if k.Name != nil {
			name = *k.Name
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%t\t%s\t%s\n",
			k.ID, name, k.Prefix, strings.Join(k.Scopes, ","), k.IsActive, formatTime(k.ExpiresAt), formatTime(k.LastUsedAt))
	}
	return tw.Flush()
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}

func (a *app) keysUpdateCommand() *Command {
	var (
		name      string
		scopes    []string
		active    bool
		inactive  bool
		expiresIn time.Duration
		noExpiry  bool
	)
	var fs *pflag.FlagSet
	return &Command{
		Name:    "update",
		Summary: "Change the name, scopes, state or expiry of a key",
		Usage:   "carp keys update <id> [--name n] [--scope s]... [--active|--inactive] [--expires-in d|--no-expiry]",
		Flags: func() *pflag.FlagSet {
			fs = pflag.NewFlagSet("update", pflag.ContinueOnError)
			fs.StringVar(&name, "name", "", "new label")
			fs.StringSliceVar(&scopes, "scope", nil, "replace the scopes; repeat or comma-separate")
			fs.BoolVar(&active, "active", false, "reactivate the key")
			fs.BoolVar(&inactive, "inactive", false, "deactivate the key")
			fs.DurationVar(&expiresIn, "expires-in", 0, "new lifetime from now")
			fs.BoolVar(&noExpiry, "no-expiry", false, "remove the expiry")
			return fs
		},
		Run: func(args []string) error {
			if len(args) != 1 {
				return usageError("update needs exactly one key id")
			}
			if active && inactive {
				return usageError("--active and --inactive are mutually exclusive")
			}
			if noExpiry && expiresIn != 0 {
				return usageError("--expires-in and --no-expiry are mutually exclusive")
			}

			var u client.KeyUpdate
			if fs.Changed("name") {
				u.Name = &name
			}
			if fs.Changed("scope") {
				u.Scopes = scopes
			}
			if active || inactive {
				u.IsActive = &active
			}
			if expiresIn > 0 {
				at := time.Now().Add(expiresIn).UTC()
				u.ExpiresAt = &at
			}
			u.ClearExpiry = noExpiry
			if u.Name == nil && u.Scopes == nil && u.IsActive == nil && u.ExpiresAt == nil && !u.ClearExpiry {
				return usageError("nothing to update")
			}

			c, _, err := a.client()
			if err != nil {
				return err
			}
			k, err := c.UpdateKey(a.ctx, args[0], u)
			if err != nil {
				return err
			}
			return printKeys(a.out, []client.KeyInfo{*k})
		},
	}
}

func (a *app) keysRevokeCommand() *Command {
	return &Command{
		Name:    "revoke",
		Summary: "Permanently revoke a key",
		Usage:   "carp keys revoke <id>",
		Run: func(args []string) error {
			if len(args) != 1 {
				return usageError("revoke needs exactly one key id")
			}
			c, _, err := a.client()
			if err != nil {
				return err
			}
			if err := c.RevokeKey(a.ctx, args[0]); err != nil {
				return err
			}
			fmt.Fprintf(a.out, "revoked %s\n", args[0])
			return nil
		},
	}
}
