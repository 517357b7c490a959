package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/pflag"

	"github.com/carp-registry/carp/internal/auth"
	"github.com/carp-registry/carp/internal/buildinfo"
	"github.com/carp-registry/carp/internal/client"
	"github.com/carp-registry/carp/internal/db/models"
	"github.com/carp-registry/carp/internal/distribution"
	"github.com/carp-registry/carp/internal/validation"
)

const (
	defaultPullTimeout   = 5 * time.Minute
	defaultHealthTimeout = 5 * time.Second
)

func (a *app) searchCommand() *Command {
	var (
		limit  int
		exact  bool
		asJSON bool
	)
	return &Command{
		Name:    "search",
		Summary: "Search published agents",
		Usage:   "carp search [query] [--limit n] [--exact] [--json]",
		Flags: func() *pflag.FlagSet {
			fs := pflag.NewFlagSet("search", pflag.ContinueOnError)
			fs.IntVar(&limit, "limit", 0, "maximum results (server default when 0)")
			fs.BoolVar(&exact, "exact", false, "match the name exactly")
			fs.BoolVar(&asJSON, "json", false, "print JSON")
			return fs
		},
		Run: func(args []string) error {
			if len(args) > 1 {
				return usageError("search takes at most one query")
			}
			c, _, err := a.client()
			if err != nil {
				return err
			}
			res, err := c.Search(a.ctx, strings.Join(args, ""), limit, exact)
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(a.out, res)
			}
			if len(res.Agents) == 0 {
				fmt.Fprintln(a.out, "no agents found")
				return nil
			}
			if err := printAgents(a.out, res.Agents); err != nil {
				return err
			}
			if res.Total > len(res.Agents) {
				fmt.Fprintf(a.out, "showing %d of %d\n", len(res.Agents), res.Total)
			}
			return nil
		},
	}
}

// listingCommand builds the latest and trending commands, which differ only in the endpoint.
func (a *app) listingCommand(name, summary string, fetch func(*client.Client, context.Context, int) (*client.Listing, error)) *Command {
	var (
		limit  int
		asJSON bool
	)
	return &Command{
		Name:    name,
		Summary: summary,
		Usage:   "carp " + name + " [--limit n] [--json]",
		Flags: func() *pflag.FlagSet {
			fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
			fs.IntVar(&limit, "limit", 0, "maximum results (server default when 0)")
			fs.BoolVar(&asJSON, "json", false, "print JSON")
			return fs
		},
		Run: func(args []string) error {
			if len(args) != 0 {
				return usageError("%s takes no arguments", name)
			}
			c, _, err := a.client()
			if err != nil {
				return err
			}
			res, err := fetch(c, a.ctx, limit)
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(a.out, res)
			}
			if len(res.Agents) == 0 {
				fmt.Fprintln(a.out, "no agents found")
				return nil
			}
			return printAgents(a.out, res.Agents)
		},
	}
}

func printAgents(w io.Writer, agents []models.AgentSummary) error {
	tw := tabwriter.NewWriter(w, 2, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tVERSION\tDOWNLOADS\tDESCRIPTION")
	for _, ag := range agents {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", ag.Name, ag.Version, ag.Downloads, truncate(ag.Description, 60))
	}
	return tw.Flush()
}

func (a *app) versionsCommand() *Command {
	var asJSON bool
	return &Command{
		Name:    "versions",
		Summary: "List the published versions of an agent",
		Usage:   "carp versions <name> [--json]",
		Flags: func() *pflag.FlagSet {
			fs := pflag.NewFlagSet("versions", pflag.ContinueOnError)
			fs.BoolVar(&asJSON, "json", false, "print JSON")
			return fs
		},
		Run: func(args []string) error {
			if len(args) != 1 {
				return usageError("versions needs exactly one agent name")
			}
			c, _, err := a.client()
			if err != nil {
				return err
			}
			versions, err := c.Versions(a.ctx, args[0])
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(a.out, versions)
			}
			tw := tabwriter.NewWriter(a.out, 2, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "VERSION\tSIZE\tPUBLISHED\tCHECKSUM")
			for _, v := range versions {
				fmt.Fprintf(tw, "%s\t%d\t%s\t%s\n", v.Version, v.SizeBytes, v.CreatedAt.Format(time.RFC3339), v.Checksum)
			}
			return tw.Flush()
		},
	}
}

func (a *app) pullCommand() *Command {
	var (
		output    string
		overwrite bool
		timeout   time.Duration
	)
	return &Command{
		Name:    "pull",
		Summary: "Download, verify and unpack an agent",
		Usage:   "carp pull <name>[@version] [-o dir] [--overwrite] [--timeout d]",
		Flags: func() *pflag.FlagSet {
			fs := pflag.NewFlagSet("pull", pflag.ContinueOnError)
			fs.StringVarP(&output, "output", "o", "", "target directory (default: <default_output_dir>/<name> or ./<name>)")
			fs.BoolVar(&overwrite, "overwrite", false, "replace a non-empty target directory")
			fs.DurationVar(&timeout, "timeout", defaultPullTimeout, "overall deadline for the pull")
			return fs
		},
		Run: func(args []string) error {
			if len(args) != 1 {
				return usageError("pull needs exactly one agent reference")
			}
			name, sel := parseRef(args[0])

			c, cfg, err := a.client()
			if err != nil {
				return err
			}
			target := output
			if target == "" {
				target = filepath.Join(cfg.DefaultOutputDir, name)
				if cfg.DefaultOutputDir == "" {
					target = name
				}
			}

			fetchOpts := cfg.Fetch
			fetchOpts.UserAgent = buildinfo.UserAgent()
			fetchOpts.Notify = func(err error, delay time.Duration) {
				a.logger.Warn("download attempt failed, retrying", "error", err, "delay", delay)
			}
			puller := distribution.NewPuller(c, distribution.NewFetcher(fetchOpts), distribution.NewExtractor())

			ctx, cancel := context.WithTimeout(a.ctx, timeout)
			defer cancel()
			res, err := puller.Pull(ctx, name, sel, target, overwrite)
			if err != nil {
				return err
			}
			fmt.Fprintf(a.out, "pulled %s@%s into %s (%d files, sha256 %s)\n",
				res.Name, res.Version, res.Dir, len(res.Files), res.Checksum)
			return nil
		},
	}
}

// parseRef splits "name@version". A missing version selects the latest.
func parseRef(ref string) (string, distribution.Selector) {
	name, version, _ := strings.Cut(ref, "@")
	return name, distribution.ParseVersionSelector(version)
}

func (a *app) publishCommand() *Command {
	var dryRun bool
	return &Command{
		Name:    "publish",
		Summary: "Pack an agent directory and publish it",
		Usage:   "carp publish [dir] [--dry-run]",
		Flags: func() *pflag.FlagSet {
			fs := pflag.NewFlagSet("publish", pflag.ContinueOnError)
			fs.BoolVar(&dryRun, "dry-run", false, "pack and validate without uploading")
			return fs
		},
		Run: func(args []string) error {
			if len(args) > 1 {
				return usageError("publish takes at most one directory")
			}
			dir := "."
			if len(args) == 1 {
				dir = args[0]
			}

			m, archive, err := client.Pack(dir, validation.MaxArchiveSize)
			if err != nil {
				return err
			}
			a.logger.Debug("packed agent", "name", m.Name, "version", m.Version, "bytes", len(archive))
			if dryRun {
				fmt.Fprintf(a.out, "would publish %s@%s (%d bytes)\n", m.Name, m.Version, len(archive))
				return nil
			}

			c, _, err := a.client()
			if err != nil {
				return err
			}
			v, err := c.Publish(a.ctx, *m, archive)
			if err != nil {
				return err
			}
			fmt.Fprintf(a.out, "published %s@%s (sha256 %s)\n", v.Name, v.Version, v.Checksum)
			return nil
		},
	}
}

func (a *app) healthCommand() *Command {
	var timeout time.Duration
	return &Command{
		Name:    "health",
		Summary: "Check that the registry is reachable",
		Flags: func() *pflag.FlagSet {
			fs := pflag.NewFlagSet("health", pflag.ContinueOnError)
			fs.DurationVar(&timeout, "timeout", defaultHealthTimeout, "request timeout")
			return fs
		},
		Run: func(args []string) error {
			cfg, err := a.resolve()
			if err != nil {
				return err
			}
			cfg.Timeout = timeout
			h, err := client.New(cfg).Health(a.ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(a.out, "%s: %s (version %s)\n", cfg.BaseURL, h.Status, h.Version)
			return nil
		},
	}
}

func (a *app) loginCommand() *Command {
	var (
		key      string
		endpoint string
		check    bool
	)
	return &Command{
		Name:    "login",
		Summary: "Store an API key in the CLI config",
		Usage:   "carp login [--key key | < keyfile] [--endpoint url] [--check]",
		Flags: func() *pflag.FlagSet {
			fs := pflag.NewFlagSet("login", pflag.ContinueOnError)
			fs.StringVar(&key, "key", "", "API key (read from stdin when omitted)")
			fs.StringVar(&endpoint, "endpoint", "", "also store the registry endpoint")
			fs.BoolVar(&check, "check", false, "verify the key against the registry before saving")
			return fs
		},
		Run: func(args []string) error {
			if key == "" {
				fmt.Fprint(a.errOut, "API key: ")
				line, err := bufio.NewReader(a.stdin).ReadString('\n')
				if err != nil && err != io.EOF {
					return fmt.Errorf("reading key: %w", err)
				}
				key = line
			}
			key = strings.TrimSpace(key)
			if len(key) < 8 || strings.ContainsAny(key, " \t\r\n") {
				return usageError("that does not look like an API key")
			}
			if !auth.LooksLikeAPIKey(key, "") {
				a.logger.Warn("key does not have the default carp_ format; saving anyway")
			}

			s, err := a.settings()
			if err != nil {
				return err
			}
			s.APIKey = key
			if endpoint != "" {
				if _, err := client.ResolveEndpoint(endpoint); err != nil {
					return usageError("%v", err)
				}
				s.Endpoint = endpoint
			}

			if check {
				cfg, err := client.Resolve(s, func(string) string { return "" })
				if err != nil {
					return err
				}
				if _, err := client.New(cfg).ListKeys(a.ctx); err != nil {
					return err
				}
			}

			if err := client.SaveSettings(a.configPath, s); err != nil {
				return err
			}
			fmt.Fprintf(a.out, "API key saved to %s\n", a.configPath)
			return nil
		},
	}
}

func (a *app) logoutCommand() *Command {
	return &Command{
		Name:    "logout",
		Summary: "Remove the stored API key from the CLI config",
		Run: func(args []string) error {
			if len(args) != 0 {
				return usageError("logout takes no arguments")
			}
			s, err := a.settings()
			if err != nil {
				return err
			}
			if s.APIKey == "" {
				fmt.Fprintln(a.out, "no API key stored")
			} else {
				s.APIKey = ""
				if err := client.SaveSettings(a.configPath, s); err != nil {
					return err
				}
				fmt.Fprintf(a.out, "API key removed from %s\n", a.configPath)
			}
			if a.getenv(client.EnvAPIKey) != "" {
				a.logger.Warn(client.EnvAPIKey + " is still set and will keep authenticating requests")
			}
			return nil
		},
	}
}

func (a *app) statusCommand() *Command {
	var check bool
	return &Command{
		Name:    "status",
		Summary: "Show the registry endpoint and whether an API key is configured",
		Usage:   "carp status [--check]",
		Flags: func() *pflag.FlagSet {
			fs := pflag.NewFlagSet("status", pflag.ContinueOnError)
			fs.BoolVar(&check, "check", false, "verify the key against the registry")
			return fs
		},
		Run: func(args []string) error {
			if len(args) != 0 {
				return usageError("status takes no arguments")
			}
			cfg, err := a.resolve()
			if err != nil {
				return err
			}
			fmt.Fprintf(a.out, "registry: %s\n", cfg.BaseURL)
			if cfg.APIKey == "" {
				fmt.Fprintln(a.out, "api key:  not configured (run 'carp login')")
				return nil
			}

			source := a.configPath
			if a.getenv(client.EnvAPIKey) != "" {
				source = client.EnvAPIKey
			}
			shown := "set"
			if auth.LooksLikeAPIKey(cfg.APIKey, "") {
				shown = auth.DisplayPrefix(cfg.APIKey) + "..."
			}
			fmt.Fprintf(a.out, "api key:  %s (from %s)\n", shown, source)

			if check {
				if _, err := client.New(cfg).ListKeys(a.ctx); err != nil {
					return err
				}
				fmt.Fprintln(a.out, "key is valid")
			}
			return nil
		},
	}
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}
