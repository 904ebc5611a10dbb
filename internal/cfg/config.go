// Package cfg loads and validates the bors configuration file.
package cfg

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/pelletier/go-toml"
)

// Environment variables overriding configuration file values.
// They match the variables the bot reads when deployed as a container, the
// secrets are not put into the configuration file there.
const (
	EnvVarWebhookSecret = "WEBHOOK_SECRET"
	EnvVarAppID         = "APP_ID"
	EnvVarPrivateKey    = "PRIVATE_KEY"
	EnvVarDatabase      = "DATABASE"
	EnvVarAPIToken      = "GITHUB_API_TOKEN"
)

type Config struct {
	HTTPListenAddr            string `toml:"http_server_listen_addr"`
	HTTPGithubWebhookEndpoint string `toml:"github_webhook_endpoint"`
	GithubWebHookSecret       string `toml:"github_webhook_secret"`

	// GithubAPIToken is a personal access token, the simple
	// authentication alternative to a GitHub App.
	GithubAPIToken string `toml:"github_api_token"`
	// GithubAppID and GithubAppPrivateKeyFile authenticate the bot as a
	// GitHub App installation.
	GithubAppID             int64  `toml:"github_app_id"`
	GithubAppPrivateKeyFile string `toml:"github_app_private_key_file"`

	// Database is a PostgreSQL connection string.
	Database string `toml:"database"`

	// BotName is the GitHub login of the bot. Comments must mention
	// "@<BotName>" to trigger commands, comments written by the account
	// are ignored.
	BotName string `toml:"bot_name"`

	// TryBuildTimeoutMin is the runtime in minutes after which a pending
	// try build is marked as timeouted.
	TryBuildTimeoutMin int `toml:"try_build_timeout_min"`

	// EventFilterQuery is an optional jq expression, webhook deliveries
	// whose payload matches it are discarded before they are enqueued.
	EventFilterQuery string `toml:"event_filter_query"`

	LogFormat  string `toml:"log_format"`
	LogTimeKey string `toml:"log_time_key"`
	LogLevel   string `toml:"log_level"`

	Repositories []Repository `toml:"repository"`
	Labels       Labels       `toml:"labels"`
}

type Repository struct {
	Owner          string `toml:"owner"`
	RepositoryName string `toml:"repository"`
}

// Labels maps state transitions to label modifications.
// Entries are written as "+name" to add and "-name" to remove a label.
type Labels struct {
	Approved          []string `toml:"approved"`
	Unapproved        []string `toml:"unapproved"`
	TryBuildStarted   []string `toml:"try_build_started"`
	TryBuildSucceeded []string `toml:"try_build_succeeded"`
	TryBuildFailed    []string `toml:"try_build_failed"`
}

type LabelChange struct {
	Label  string
	Remove bool
}

func Load(reader io.Reader) (*Config, error) {
	var result Config

	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, err
	}

	if err := toml.Unmarshal(data, &result); err != nil {
		return nil, err
	}

	result.setDefaults()

	return &result, nil
}

func (c *Config) Marshal(writer io.Writer) error {
	return toml.NewEncoder(writer).Encode(c)
}

func (c *Config) setDefaults() {
	if c.HTTPListenAddr == "" {
		c.HTTPListenAddr = ":8080"
	}

	if c.HTTPGithubWebhookEndpoint == "" {
		c.HTTPGithubWebhookEndpoint = "/github"
	}

	if c.BotName == "" {
		c.BotName = "bors"
	}

	if c.TryBuildTimeoutMin == 0 {
		c.TryBuildTimeoutMin = 60
	}

	if c.LogFormat == "" {
		c.LogFormat = "logfmt"
	}

	if c.LogTimeKey == "" {
		c.LogTimeKey = "time_iso8601"
	}

	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
}

// ApplyEnvVars overrides configuration values with their environment variable
// counterparts, when set.
func (c *Config) ApplyEnvVars() error {
	if v, set := os.LookupEnv(EnvVarWebhookSecret); set {
		c.GithubWebHookSecret = v
	}

	if v, set := os.LookupEnv(EnvVarAppID); set {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("environment variable %s: %q is not a valid app id: %w", EnvVarAppID, v, err)
		}

		c.GithubAppID = id
	}

	if v, set := os.LookupEnv(EnvVarPrivateKey); set {
		c.GithubAppPrivateKeyFile = v
	}

	if v, set := os.LookupEnv(EnvVarDatabase); set {
		c.Database = v
	}

	if v, set := os.LookupEnv(EnvVarAPIToken); set {
		c.GithubAPIToken = v
	}

	return nil
}

func (c *Config) Validate() error {
	if c.Database == "" {
		return errors.New("database connection string is unset")
	}

	if c.GithubAPIToken == "" && (c.GithubAppID == 0 || c.GithubAppPrivateKeyFile == "") {
		return errors.New("github_api_token or github_app_id plus github_app_private_key_file must be set")
	}

	if len(c.Repositories) == 0 {
		return errors.New("no repositories are configured")
	}

	for i, repo := range c.Repositories {
		if repo.Owner == "" || repo.RepositoryName == "" {
			return fmt.Errorf("repository entry %d: owner and repository must be set", i)
		}
	}

	if c.TryBuildTimeoutMin < 0 {
		return errors.New("try_build_timeout_min must be positive")
	}

	if _, err := c.LabelChanges(); err != nil {
		return err
	}

	return nil
}

// LabelChanges returns the parsed label modifications per trigger.
// Triggers without configured modifications are not in the map.
func (c *Config) LabelChanges() (map[string][]LabelChange, error) {
	triggers := map[string][]string{
		"approved":            c.Labels.Approved,
		"unapproved":          c.Labels.Unapproved,
		"try_build_started":   c.Labels.TryBuildStarted,
		"try_build_succeeded": c.Labels.TryBuildSucceeded,
		"try_build_failed":    c.Labels.TryBuildFailed,
	}

	result := make(map[string][]LabelChange, len(triggers))

	for trigger, entries := range triggers {
		if len(entries) == 0 {
			continue
		}

		changes, err := parseLabelChanges(entries)
		if err != nil {
			return nil, fmt.Errorf("labels.%s: %w", trigger, err)
		}

		result[trigger] = changes
	}

	return result, nil
}

func parseLabelChanges(entries []string) ([]LabelChange, error) {
	result := make([]LabelChange, 0, len(entries))

	for _, entry := range entries {
		label := strings.TrimSpace(entry)
		if len(label) < 2 || (label[0] != '+' && label[0] != '-') {
			return nil, fmt.Errorf("label modification %q must start with '+' or '-' followed by the label name", entry)
		}

		result = append(result, LabelChange{
			Label:  label[1:],
			Remove: label[0] == '-',
		})
	}

	return result, nil
}
