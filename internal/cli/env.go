package cli

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/go-logr/logr"
	"github.com/spf13/cobra"

	"github.com/chambrid/proxy-profiles/pkg/config"
	"github.com/chambrid/proxy-profiles/pkg/fetch"
	"github.com/chambrid/proxy-profiles/pkg/logging"
	"github.com/chambrid/proxy-profiles/pkg/profile"
	"github.com/chambrid/proxy-profiles/pkg/ratelimit"
	"github.com/chambrid/proxy-profiles/pkg/state"
	"github.com/chambrid/proxy-profiles/pkg/v2config"
)

// minPrefixLen is the shortest id prefix accepted in place of a full id
const minPrefixLen = 4

// environment is what a subcommand needs to talk to the store
type environment struct {
	cfg       *config.Config
	log       logr.Logger
	validator *v2config.Validator
	states    *state.FileStateManager
	store     *profile.FileStore
}

// loadConfig reads .env files and the environment, then applies flag overrides
func loadConfig(flags *globalFlags) (*config.Config, error) {
	envFiles := append(config.DefaultEnvFiles(), flags.EnvFiles...)
	cfg, err := config.NewDotEnvLoader(envFiles...).Load()
	if err != nil {
		return nil, err
	}

	if flags.Dir != "" {
		cfg.ProfilesDir = flags.Dir
	}
	if flags.StateFormat != "" {
		cfg.StateFormat = strings.ToLower(flags.StateFormat)
	}
	if flags.LogLevel != "" {
		cfg.LogLevel = strings.ToLower(flags.LogLevel)
	}
	if flags.LogFormat != "" {
		cfg.LogFormat = strings.ToLower(flags.LogFormat)
	}

	if err := config.NewLoader().Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// openEnvironment loads configuration and opens the profile store
func openEnvironment(flags *globalFlags) (*environment, error) {
	cfg, err := loadConfig(flags)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	log, err := logging.New(logging.Options{Level: cfg.LogLevel, Format: cfg.LogFormat})
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}

	format, err := state.ParseFormat(cfg.StateFormat)
	if err != nil {
		return nil, err
	}

	validator := v2config.New(v2config.WithMaxBytes(int(cfg.MaxPayloadBytes)))
	states := state.NewFileStateManager(cfg.ProfilesDir, format)
	store, err := profile.NewFileStore(states, validator, profile.WithLogger(log.WithName("store")))
	if err != nil {
		return nil, fmt.Errorf("failed to open profile store: %w", err)
	}

	return &environment{
		cfg:       cfg,
		log:       log,
		validator: validator,
		states:    states,
		store:     store,
	}, nil
}

func (e *environment) fetcher() *fetch.Fetcher {
	return fetch.New(
		fetch.WithTimeout(e.cfg.FetchTimeout),
		fetch.WithMaxBytes(e.cfg.MaxPayloadBytes),
		fetch.WithLogger(e.log.WithName("fetch")),
		fetch.WithHTTPClient(ratelimit.NewClient(ratelimit.New(e.cfg.RateLimit()))),
	)
}

func (e *environment) Close() error {
	return e.store.Close()
}

// withEnvironment adapts a handler that needs the store to cobra's RunE
func withEnvironment(flags *globalFlags, run func(cmd *cobra.Command, args []string, env *environment) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		env, err := openEnvironment(flags)
		if err != nil {
			return err
		}
		defer func() { _ = env.Close() }()
		return run(cmd, args, env)
	}
}

// resolveID accepts a full id, a unique id prefix of at least four characters,
// or #<index> and returns the matching profile id
func resolveID(store profile.ProfileStore, ref string) (string, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return "", fmt.Errorf("profile reference is empty")
	}

	profiles := store.List()

	if strings.HasPrefix(ref, "#") {
		index, err := strconv.Atoi(ref[1:])
		if err != nil {
			return "", fmt.Errorf("invalid profile index %q", ref)
		}
		if index < 0 || index >= len(profiles) {
			return "", fmt.Errorf("profile index %d out of range [0, %d)", index, len(profiles))
		}
		return profiles[index].ID, nil
	}

	for _, p := range profiles {
		if p.ID == ref {
			return p.ID, nil
		}
	}

	if len(ref) >= minPrefixLen {
		var matches []string
		for _, p := range profiles {
			if strings.HasPrefix(p.ID, ref) {
				matches = append(matches, p.ID)
			}
		}
		switch len(matches) {
		case 1:
			return matches[0], nil
		case 0:
		default:
			return "", fmt.Errorf("profile reference %q is ambiguous (%d matches)", ref, len(matches))
		}
	}

	return "", profile.NewNotFoundError(ref)
}

// shortID trims a uuid to its first block for table output
func shortID(id string) string {
	if i := strings.IndexByte(id, '-'); i > 0 {
		return id[:i]
	}
	return id
}
