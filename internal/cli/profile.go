package cli

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/chambrid/proxy-profiles/pkg/fetch"
	"github.com/chambrid/proxy-profiles/pkg/importer"
	"github.com/chambrid/proxy-profiles/pkg/profile"
	"github.com/chambrid/proxy-profiles/pkg/reorder"
	"github.com/chambrid/proxy-profiles/pkg/v2config"
)

func newListCommand(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List profiles in order",
		Long: `List all profiles in their stored order. The current profile is marked with '*'.

The index column is what move, reorder and '#<index>' references use.`,
		Args: cobra.NoArgs,
		RunE: withEnvironment(flags, func(cmd *cobra.Command, args []string, env *environment) error {
			out := cmd.OutOrStdout()
			profiles := env.store.List()

			if len(profiles) == 0 {
				_, _ = fmt.Fprintln(out, "No profiles found.")
				_, _ = fmt.Fprintln(out)
				_, _ = fmt.Fprintln(out, "Create your first profile:")
				_, _ = fmt.Fprintln(out, "  proxy-profiles add --template=vmess-ws-tls --var address=proxy.example.com --var id=<uuid>")
				_, _ = fmt.Fprintln(out, "  proxy-profiles templates  # See available templates")
				return nil
			}

			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			_, _ = fmt.Fprintf(w, " \t#\tID\tNAME\tPROTOCOL\tENDPOINT\n")
			for i, p := range profiles {
				marker := " "
				if env.store.IsCurrent(p.ID) {
					marker = "*"
				}
				summary := summarize(env.validator, p)
				name := p.Name
				if len(name) > 40 {
					name = name[:37] + "..."
				}
				_, _ = fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%s\t%s\n",
					marker, i, shortID(p.ID), name, orDash(summary.Protocol), orDash(summary.Endpoint()))
			}
			_ = w.Flush()
			_, _ = fmt.Fprintf(out, "\nTotal: %d profiles\n", len(profiles))
			return nil
		}),
	}
}

func newAddCommand(flags *globalFlags) *cobra.Command {
	var (
		name      string
		source    string
		template  string
		variables []string
	)

	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add a profile",
		Long: `Add a profile at the end of the list.

Without flags the profile is a placeholder named "New Server N" with an empty
payload. Use --file to load a payload from a file or URL, or --template to
render one of the built-in templates.`,
		Example: `  # Add a placeholder
  proxy-profiles add

  # Add from a local file or URL
  proxy-profiles add --name=tokyo --file=./tokyo.json
  proxy-profiles add --name=office --file=https://example.com/office.json

  # Add from a template
  proxy-profiles add --template=trojan --name=edge --var address=edge.example.com --var password=secret`,
		Args: cobra.NoArgs,
		RunE: withEnvironment(flags, func(cmd *cobra.Command, args []string, env *environment) error {
			out := cmd.OutOrStdout()

			if template != "" {
				if source != "" {
					return fmt.Errorf("cannot specify both --template and --file")
				}
				vars, err := parseVariables(variables)
				if err != nil {
					return err
				}
				id, err := profile.CreateFromTemplate(env.store, template, name, vars)
				if err != nil {
					return fmt.Errorf("failed to create profile from template: %w", err)
				}
				_, _ = fmt.Fprintf(out, "✅ Profile %s created from template '%s'\n", id, template)
				return nil
			}
			if len(variables) > 0 {
				return fmt.Errorf("--var requires --template")
			}

			var raw []byte
			if source != "" {
				data, err := readSource(cmd, env.fetcher(), source)
				if err != nil {
					return err
				}
				raw = data
			}

			id, err := env.store.Add()
			if err != nil {
				return fmt.Errorf("failed to add profile: %w", err)
			}
			if name != "" {
				if err := env.store.Rename(id, name); err != nil {
					_ = env.store.Remove(id)
					return fmt.Errorf("failed to add profile: %w", err)
				}
			}
			if raw != nil {
				if err := env.store.Replace(id, raw); err != nil {
					_ = env.store.Remove(id)
					return fmt.Errorf("failed to add profile: %w", err)
				}
			}

			p, err := env.store.Get(id)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(out, "✅ Profile '%s' added (%s)\n", p.Name, id)
			return nil
		}),
	}

	cmd.Flags().StringVarP(&name, "name", "n", "", "Profile name")
	cmd.Flags().StringVarP(&source, "file", "f", "", "Payload file, URL or '-' for stdin")
	cmd.Flags().StringVarP(&template, "template", "t", "", "Template to render the payload from")
	cmd.Flags().StringArrayVar(&variables, "var", nil, "Template variable as key=value (repeatable)")
	return cmd
}

func newShowCommand(flags *globalFlags) *cobra.Command {
	var payloadOnly bool

	cmd := &cobra.Command{
		Use:   "show <profile>",
		Short: "Show details of a profile",
		Args:  cobra.ExactArgs(1),
		RunE: withEnvironment(flags, func(cmd *cobra.Command, args []string, env *environment) error {
			out := cmd.OutOrStdout()
			id, err := resolveID(env.store, args[0])
			if err != nil {
				return err
			}
			p, err := env.store.Get(id)
			if err != nil {
				return err
			}

			if payloadOnly {
				_, _ = fmt.Fprint(out, p.Payload)
				return nil
			}

			index, _ := env.store.IndexOf(id)
			summary := summarize(env.validator, *p)

			_, _ = fmt.Fprintf(out, "Profile: %s\n", p.Name)
			_, _ = fmt.Fprintf(out, "ID: %s\n", p.ID)
			_, _ = fmt.Fprintf(out, "Index: %d\n", index)
			_, _ = fmt.Fprintf(out, "Current: %t\n", env.store.IsCurrent(id))

			_, _ = fmt.Fprintf(out, "\nServer:\n")
			if p.IsPlaceholder() {
				_, _ = fmt.Fprintf(out, "  (no payload)\n")
			} else {
				_, _ = fmt.Fprintf(out, "  Protocol: %s\n", orDash(summary.Protocol))
				_, _ = fmt.Fprintf(out, "  Endpoint: %s\n", orDash(summary.Endpoint()))
				_, _ = fmt.Fprintf(out, "  Inbounds: %d\n", summary.Inbounds)
				_, _ = fmt.Fprintf(out, "  Outbounds: %d\n", summary.Outbounds)
			}

			_, _ = fmt.Fprintf(out, "\nMetadata:\n")
			_, _ = fmt.Fprintf(out, "  Created: %s\n", p.CreatedAt.Local().Format("2006-01-02 15:04:05"))
			_, _ = fmt.Fprintf(out, "  Updated: %s\n", p.UpdatedAt.Local().Format("2006-01-02 15:04:05"))
			return nil
		}),
	}

	cmd.Flags().BoolVar(&payloadOnly, "payload", false, "Print only the stored payload")
	return cmd
}

func newRenameCommand(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "rename <profile> <name>",
		Short: "Rename a profile",
		Args:  cobra.ExactArgs(2),
		RunE: withEnvironment(flags, func(cmd *cobra.Command, args []string, env *environment) error {
			id, err := resolveID(env.store, args[0])
			if err != nil {
				return err
			}
			if err := env.store.Rename(id, args[1]); err != nil {
				return fmt.Errorf("failed to rename profile: %w", err)
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "✅ Profile renamed to '%s'\n", strings.TrimSpace(args[1]))
			return nil
		}),
	}
}

func newRemoveCommand(flags *globalFlags) *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:     "remove <profile>",
		Aliases: []string{"rm"},
		Short:   "Remove a profile",
		Long: `Remove a profile permanently. When the current profile is removed, the
previous profile becomes current (the new last one if the first was removed).

Use --force to skip the confirmation prompt.`,
		Args: cobra.ExactArgs(1),
		RunE: withEnvironment(flags, func(cmd *cobra.Command, args []string, env *environment) error {
			out := cmd.OutOrStdout()
			id, err := resolveID(env.store, args[0])
			if err != nil {
				return err
			}
			p, err := env.store.Get(id)
			if err != nil {
				return err
			}

			if !force && !confirm(cmd, fmt.Sprintf("Are you sure you want to remove profile '%s'? [y/N]: ", p.Name)) {
				_, _ = fmt.Fprintln(out, "Remove cancelled")
				return nil
			}

			if err := env.store.Remove(id); err != nil {
				return fmt.Errorf("failed to remove profile: %w", err)
			}
			_, _ = fmt.Fprintf(out, "✅ Profile '%s' removed\n", p.Name)
			if cur, ok := env.store.Current(); ok {
				_, _ = fmt.Fprintf(out, "Current profile: %s\n", cur.Name)
			}
			return nil
		}),
	}

	cmd.Flags().BoolVar(&force, "force", false, "Skip confirmation prompt")
	return cmd
}

func newReplaceCommand(flags *globalFlags) *cobra.Command {
	var source string

	cmd := &cobra.Command{
		Use:   "replace <profile> --file <path>",
		Short: "Replace a profile's payload",
		Long: `Validate a payload and store its normalized form in the profile.
An invalid payload leaves the profile unchanged.`,
		Example: `  proxy-profiles replace '#0' --file=./server.json
  cat server.json | proxy-profiles replace 3f2a --file=-`,
		Args: cobra.ExactArgs(1),
		RunE: withEnvironment(flags, func(cmd *cobra.Command, args []string, env *environment) error {
			id, err := resolveID(env.store, args[0])
			if err != nil {
				return err
			}
			raw, err := readSource(cmd, env.fetcher(), source)
			if err != nil {
				return err
			}
			if err := env.store.Replace(id, raw); err != nil {
				return fmt.Errorf("failed to replace payload: %w", err)
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "✅ Payload replaced (%d bytes read)\n", len(raw))
			return nil
		}),
	}

	cmd.Flags().StringVarP(&source, "file", "f", "", "Payload file, URL or '-' for stdin (required)")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func newMoveCommand(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "move <from> <to>",
		Short: "Move the profile at one index to another",
		Args:  cobra.ExactArgs(2),
		RunE: withEnvironment(flags, func(cmd *cobra.Command, args []string, env *environment) error {
			from, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("invalid index %q", args[0])
			}
			to, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("invalid index %q", args[1])
			}
			if err := env.store.Move(from, to); err != nil {
				return fmt.Errorf("failed to move profile: %w", err)
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "✅ Moved profile from %d to %d\n", from, to)
			return nil
		}),
	}
}

func newReorderCommand(flags *globalFlags) *cobra.Command {
	var (
		rows []int
		drop int
		mode string
	)

	cmd := &cobra.Command{
		Use:   "reorder --rows <i,j,...> --drop <k>",
		Short: "Move several profiles to a drop position",
		Long: `Move the profiles at the given rows so they land before the drop position,
the way a multi-row drag and drop would.

Modes:
  multi      every selected row moves, keeping their relative order (default)
  collapsed  only the last selected row moves`,
		Example: `  # [A,B,C,D]: move A and C before the end -> [B,D,A,C]
  proxy-profiles reorder --rows=0,2 --drop=4`,
		Args: cobra.NoArgs,
		RunE: withEnvironment(flags, func(cmd *cobra.Command, args []string, env *environment) error {
			if mode == "" {
				mode = env.cfg.ReorderMode
			}
			m, err := reorder.ParseMode(mode)
			if err != nil {
				return err
			}
			moves, err := reorder.Build(m, env.store.Count(), rows, drop)
			if err != nil {
				return fmt.Errorf("failed to plan reorder: %w", err)
			}
			if err := env.store.Reorder(moves); err != nil {
				return fmt.Errorf("failed to reorder profiles: %w", err)
			}

			out := cmd.OutOrStdout()
			_, _ = fmt.Fprintf(out, "✅ Applied %d move(s) in %s mode\n", len(moves), m)
			for _, mv := range moves {
				_, _ = fmt.Fprintf(out, "  %s\n", mv)
			}
			return nil
		}),
	}

	cmd.Flags().IntSliceVar(&rows, "rows", nil, "Source row indices (required)")
	cmd.Flags().IntVar(&drop, "drop", 0, "Drop position in [0, count]")
	cmd.Flags().StringVar(&mode, "mode", "", "Reorder mode: multi, collapsed (default from REORDER_MODE)")
	_ = cmd.MarkFlagRequired("rows")
	_ = cmd.MarkFlagRequired("drop")
	return cmd
}

func newImportCommand(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "import <profile> <source>",
		Short: "Fetch a payload from a URL or file into a profile",
		Long: `Fetch a payload from an http(s) URL, a file:// URL or a local path, validate it
and store it in the profile. Gzip-compressed payloads are decompressed.

The fetch is bounded by FETCH_TIMEOUT; Ctrl-C cancels it.`,
		Example: `  proxy-profiles import '#1' https://example.com/sub/node.json
  proxy-profiles import 3f2a ./exports/node.json.gz`,
		Args: cobra.ExactArgs(2),
		RunE: withEnvironment(flags, func(cmd *cobra.Command, args []string, env *environment) error {
			id, err := resolveID(env.store, args[0])
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()

			imp := importer.New(env.fetcher(), env.store, importer.WithLogger(env.log.WithName("import")))
			_, _ = fmt.Fprintf(cmd.ErrOrStderr(), "📥 Importing %s...\n", args[1])
			res := imp.Import(ctx, id, args[1])
			if res.Err != nil {
				return fmt.Errorf("import failed: %w", res.Err)
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "✅ Imported %d bytes in %s\n", res.Bytes, res.Duration.Round(time.Millisecond))
			return nil
		}),
	}
}

func newUseCommand(flags *globalFlags) *cobra.Command {
	var none bool

	cmd := &cobra.Command{
		Use:   "use <profile>",
		Short: "Mark a profile as current",
		Args: func(cmd *cobra.Command, args []string) error {
			if none {
				return cobra.NoArgs(cmd, args)
			}
			return cobra.ExactArgs(1)(cmd, args)
		},
		RunE: withEnvironment(flags, func(cmd *cobra.Command, args []string, env *environment) error {
			out := cmd.OutOrStdout()
			if none {
				if err := env.store.ClearCurrent(); err != nil {
					return err
				}
				_, _ = fmt.Fprintln(out, "✅ No profile is current")
				return nil
			}

			id, err := resolveID(env.store, args[0])
			if err != nil {
				return err
			}
			if err := env.store.SetCurrent(id); err != nil {
				return err
			}
			p, _ := env.store.Get(id)
			_, _ = fmt.Fprintf(out, "✅ Current profile: %s\n", p.Name)
			if p.IsPlaceholder() {
				_, _ = fmt.Fprintln(out, "⚠️  This profile has no payload yet")
			}
			return nil
		}),
	}

	cmd.Flags().BoolVar(&none, "none", false, "Clear the current profile")
	return cmd
}

func newCurrentCommand(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "current",
		Short: "Show the current profile",
		Args:  cobra.NoArgs,
		RunE: withEnvironment(flags, func(cmd *cobra.Command, args []string, env *environment) error {
			out := cmd.OutOrStdout()
			p, ok := env.store.Current()
			if !ok {
				_, _ = fmt.Fprintln(out, "No profile is current")
				return nil
			}
			index, _ := env.store.IndexOf(p.ID)
			summary := summarize(env.validator, *p)
			_, _ = fmt.Fprintf(out, "#%d %s (%s) %s %s\n", index, p.Name, p.ID, orDash(summary.Protocol), orDash(summary.Endpoint()))
			return nil
		}),
	}
}

func newLogLevelCommand(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "log-level [level]",
		Short: "Show or set the proxy core log level",
		Long: fmt.Sprintf(`Show or set the log level passed to the proxy core.

Accepted levels: %s`, strings.Join(v2config.LogLevels, ", ")),
		Args: cobra.MaximumNArgs(1),
		RunE: withEnvironment(flags, func(cmd *cobra.Command, args []string, env *environment) error {
			out := cmd.OutOrStdout()
			if len(args) == 0 {
				_, _ = fmt.Fprintln(out, env.store.CoreLogLevel())
				return nil
			}
			if err := env.store.SetCoreLogLevel(args[0]); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(out, "✅ Core log level set to %s\n", env.store.CoreLogLevel())
			return nil
		}),
	}
}

func newValidateCommand(flags *globalFlags) *cobra.Command {
	var normalize bool

	cmd := &cobra.Command{
		Use:   "validate <source>",
		Short: "Validate a payload without storing it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(flags)
			if err != nil {
				return fmt.Errorf("failed to load configuration: %w", err)
			}
			fetcher := fetch.New(fetch.WithTimeout(cfg.FetchTimeout), fetch.WithMaxBytes(cfg.MaxPayloadBytes))
			raw, err := readSource(cmd, fetcher, args[0])
			if err != nil {
				return err
			}

			result, err := v2config.New(v2config.WithMaxBytes(int(cfg.MaxPayloadBytes))).Validate(raw)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if normalize {
				_, _ = out.Write(result.Normalized)
				return nil
			}
			_, _ = fmt.Fprintf(out, "✅ Payload is valid\n")
			_, _ = fmt.Fprintf(out, "  Protocol: %s\n", orDash(result.Summary.Protocol))
			_, _ = fmt.Fprintf(out, "  Endpoint: %s\n", orDash(result.Summary.Endpoint()))
			_, _ = fmt.Fprintf(out, "  Inbounds: %d, Outbounds: %d\n", result.Summary.Inbounds, result.Summary.Outbounds)
			return nil
		},
	}

	cmd.Flags().BoolVar(&normalize, "normalize", false, "Print the normalized payload instead of a summary")
	return cmd
}

func newTemplatesCommand() *cobra.Command {
	var details bool

	cmd := &cobra.Command{
		Use:   "templates",
		Short: "List available payload templates",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			templates := profile.GetBuiltinTemplates()
			sort.Slice(templates, func(i, j int) bool { return templates[i].ID < templates[j].ID })

			if !details {
				w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
				_, _ = fmt.Fprintf(w, "ID\tPROTOCOL\tDESCRIPTION\n")
				for _, tmpl := range templates {
					_, _ = fmt.Fprintf(w, "%s\t%s\t%s\n", tmpl.ID, tmpl.Protocol, tmpl.Description)
				}
				_ = w.Flush()
				_, _ = fmt.Fprintf(out, "\nUse 'proxy-profiles templates --details' for more information\n")
				return nil
			}

			for _, tmpl := range templates {
				_, _ = fmt.Fprintf(out, "\nTemplate: %s\n", tmpl.ID)
				_, _ = fmt.Fprintf(out, "Name: %s\n", tmpl.Name)
				_, _ = fmt.Fprintf(out, "Description: %s\n", tmpl.Description)
				if len(tmpl.Variables) > 0 {
					_, _ = fmt.Fprintf(out, "Variables:\n")
					for _, v := range tmpl.Variables {
						suffix := ""
						if v.Required {
							suffix = " (required)"
						} else if v.Default != "" {
							suffix = fmt.Sprintf(" (default: %s)", v.Default)
						}
						_, _ = fmt.Fprintf(out, "  %s: %s%s\n", v.Name, v.Description, suffix)
					}
				}
				for _, example := range tmpl.Examples {
					_, _ = fmt.Fprintf(out, "Example: %s\n", example)
				}
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&details, "details", false, "Show template variables and examples")
	return cmd
}

func newBackupCommand(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "backup",
		Short: "Copy the state file to its backup",
		Args:  cobra.NoArgs,
		RunE: withEnvironment(flags, func(cmd *cobra.Command, args []string, env *environment) error {
			if err := env.store.Backup(); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "✅ Backed up %d profiles from %s\n", env.store.Count(), env.states.Path())
			return nil
		}),
	}
}

func newRestoreCommand(flags *globalFlags) *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "restore",
		Short: "Replace the state file with its backup",
		Args:  cobra.NoArgs,
		RunE: withEnvironment(flags, func(cmd *cobra.Command, args []string, env *environment) error {
			out := cmd.OutOrStdout()
			if !force && !confirm(cmd, "This replaces all profiles with the backup. Continue? [y/N]: ") {
				_, _ = fmt.Fprintln(out, "Restore cancelled")
				return nil
			}
			if err := env.store.Restore(); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(out, "✅ Restored %d profiles\n", env.store.Count())
			return nil
		}),
	}

	cmd.Flags().BoolVar(&force, "force", false, "Skip confirmation prompt")
	return cmd
}

// Helper functions

// readSource reads a payload from stdin ("-"), a file or a URL
func readSource(cmd *cobra.Command, fetcher *fetch.Fetcher, source string) ([]byte, error) {
	if source == "-" {
		data, err := io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return nil, fmt.Errorf("failed to read stdin: %w", err)
		}
		return data, nil
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	return fetcher.Fetch(ctx, source)
}

func parseVariables(pairs []string) (map[string]string, error) {
	vars := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid --var %q, expected key=value", pair)
		}
		vars[key] = value
	}
	return vars, nil
}

func confirm(cmd *cobra.Command, prompt string) bool {
	_, _ = fmt.Fprint(cmd.OutOrStdout(), prompt)
	line, _ := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
	answer := strings.ToLower(strings.TrimSpace(line))
	return answer == "y" || answer == "yes"
}

func summarize(validator profile.PayloadValidator, p profile.Profile) v2config.Summary {
	if p.IsPlaceholder() {
		return v2config.Summary{}
	}
	cfg, err := validator.Validate([]byte(p.Payload))
	if err != nil {
		return v2config.Summary{}
	}
	return cfg.Summary
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
