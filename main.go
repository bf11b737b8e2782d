package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"gopkg.in/yaml.v3"

	"authsession/securestore"
	"authsession/session"
)

const usage = `usage: authsession [flags] <command> [args]

commands:
  login [key=value ...]      run the browser login, extra params go to the authorize URL
  logout                     revoke the refresh token and clear the stored session
  refresh                    exchange the refresh token for a new access token
  whoami                     print the user-info claims of the signed-in user
  status                     report whether a session is stored
  call METHOD PATH [BODY]    send an authenticated request to the configured API
`

func main() {
	configPath := flag.String("config", os.Getenv("AUTHSESSION_CONFIG"), "Path to YAML config")
	configCmd := flag.String("config-cmd", "", "Config command: 'init' or 'validate'")
	logLevel := flag.String("log-level", "info", "Logging level (debug, info, warn, error)")
	flag.StringVar(logLevel, "l", "info", "Alias for -log-level")
	flag.Usage = func() {
		fmt.Fprint(flag.CommandLine.Output(), usage)
		flag.PrintDefaults()
	}
	flag.Parse()

	level, err := parseLogLevel(*logLevel)
	if err != nil {
		log.Fatalf("invalid log level %q: %v", *logLevel, err)
	}

	// Command output owns stdout; logs go to stderr.
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	configFile := *configPath
	if configFile == "" {
		configFile = "./config.yaml"
	}

	if *configCmd != "" {
		switch *configCmd {
		case "init":
			if err := runConfigInit(configFile, os.Stdin, os.Stdout, logger); err != nil {
				log.Fatalf("config init failed: %v", err)
			}
			logger.Info("configuration initialized successfully", "path", configFile)
			return
		case "validate":
			if err := runConfigValidate(configFile, logger); err != nil {
				log.Fatalf("config validation failed: %v", err)
			}
			logger.Info("configuration is valid", "path", configFile)
			return
		default:
			log.Fatalf("unknown config command %q. Use 'init' or 'validate'", *configCmd)
		}
	}

	args := flag.Args()
	if len(args) == 0 {
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := loadConfig(configFile, logger)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	store, err := securestore.Open(cfg.Storage)
	if err != nil {
		log.Fatalf("open secure store: %v", err)
	}
	defer store.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	prompter := newPrompter(ctx, cfg.OAuth.RedirectURI(), os.Stdin, os.Stderr, logger)
	mgr := session.NewManager(cfg, store, logger, session.WithPrompter(prompter))
	mgr.Restore(ctx)

	c := &cli{cfg: cfg, mgr: mgr, out: os.Stdout, logger: logger}
	if err := c.run(ctx, args[0], args[1:]); err != nil {
		logger.Error("command failed", "command", args[0], "error", err)
		stop()
		_ = store.Close()
		os.Exit(1)
	}
}

type cli struct {
	cfg    session.Config
	mgr    *session.Manager
	out    io.Writer
	logger *slog.Logger
}

func (c *cli) run(ctx context.Context, command string, args []string) error {
	switch command {
	case "login":
		params, err := parseParams(args)
		if err != nil {
			return err
		}
		return c.login(ctx, params)
	case "logout":
		if err := c.mgr.Logout(ctx); err != nil {
			return err
		}
		fmt.Fprintln(c.out, "logged out")
		return nil
	case "refresh":
		tokens, err := c.mgr.Refresh(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(c.out, "refreshed, expires in %ds\n", tokens.ExpiresIn)
		return nil
	case "whoami":
		user, err := c.mgr.UserInfo(ctx)
		if err != nil {
			return err
		}
		return writeJSON(c.out, user)
	case "status":
		return c.status(ctx)
	case "call":
		if len(args) < 2 {
			return errors.New("usage: call METHOD PATH [BODY]")
		}
		body := ""
		if len(args) > 2 {
			body = args[2]
		}
		return c.call(ctx, args[0], args[1], body)
	default:
		return fmt.Errorf("unknown command %q", command)
	}
}

func (c *cli) login(ctx context.Context, params map[string]string) error {
	res := c.mgr.Login(ctx, params)
	switch res.Status {
	case session.LoginSucceeded:
		fmt.Fprintf(c.out, "logged in as %s <%s>\n", res.User.PreferredUsername, res.User.Email)
		return nil
	case session.LoginCancelled:
		return errors.New(res.Message)
	default:
		if res.Err != nil {
			return fmt.Errorf("%s: %w", res.Message, res.Err)
		}
		return errors.New(res.Message)
	}
}

type statusReport struct {
	Authenticated bool   `json:"authenticated"`
	TokenType     string `json:"token_type,omitempty"`
	ExpiresIn     int64  `json:"expires_in,omitempty"`
	Refreshable   bool   `json:"refreshable"`
	Issuer        string `json:"issuer"`
}

func (c *cli) status(ctx context.Context) error {
	report := statusReport{Issuer: c.cfg.OAuth.Issuer}
	if tokens, ok := c.mgr.Tokens(ctx); ok {
		report.Authenticated = true
		report.TokenType = tokens.TokenType
		report.ExpiresIn = tokens.ExpiresIn
		report.Refreshable = tokens.RefreshToken != ""
	}
	return writeJSON(c.out, report)
}

func (c *cli) call(ctx context.Context, method, path, body string) error {
	target, err := resolveAPIURL(c.cfg.API.BaseURL, path)
	if err != nil {
		return err
	}
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, strings.ToUpper(method), target, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}

	resp, err := c.mgr.HTTPClient().Do(req)
	if err != nil {
		return fmt.Errorf("call %s: %w", target, err)
	}
	defer resp.Body.Close()

	fmt.Fprintln(c.out, resp.Status)
	if _, err := io.Copy(c.out, resp.Body); err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("api returned %s", resp.Status)
	}
	return nil
}

// resolveAPIURL joins a relative path onto the configured API base. Absolute
// URLs pass through unchanged.
func resolveAPIURL(base, path string) (string, error) {
	ref, err := url.Parse(path)
	if err != nil {
		return "", fmt.Errorf("parse path: %w", err)
	}
	if ref.IsAbs() {
		return ref.String(), nil
	}
	if base == "" {
		return "", errors.New("api.base_url is not configured")
	}
	b, err := url.Parse(strings.TrimSuffix(base, "/") + "/")
	if err != nil {
		return "", fmt.Errorf("parse api.base_url: %w", err)
	}
	ref.Path = strings.TrimPrefix(ref.Path, "/")
	return b.ResolveReference(ref).String(), nil
}

func parseParams(args []string) (map[string]string, error) {
	if len(args) == 0 {
		return nil, nil
	}
	params := make(map[string]string, len(args))
	for _, arg := range args {
		k, v, ok := strings.Cut(arg, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid parameter %q, expected key=value", arg)
		}
		params[k] = v
	}
	return params, nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// newPrompter picks how the authorization redirect comes back: a loopback
// listener for http redirect URIs, otherwise a deep link pasted on stdin.
func newPrompter(ctx context.Context, redirectURI string, in io.Reader, out io.Writer, logger *slog.Logger) session.Prompter {
	printURL := func(authURL string) error {
		_, err := fmt.Fprintf(out, "Open this URL in your browser to sign in:\n\n  %s\n\n", authURL)
		return err
	}
	if strings.HasPrefix(redirectURI, "http://") {
		return &session.LoopbackPrompter{Open: printURL, Logger: logger}
	}

	p := &session.DeepLinkPrompter{}
	p.Open = func(authURL string) error {
		if err := printURL(authURL); err != nil {
			return err
		}
		_, err := fmt.Fprintf(out, "After signing in, paste the %s redirect here:\n", redirectURI)
		return err
	}
	go feedDeepLinks(ctx, p, in, logger)
	return p
}

func feedDeepLinks(ctx context.Context, p *session.DeepLinkPrompter, in io.Reader, logger *slog.Logger) {
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if !p.Deliver(line) {
			logger.Warn("ignoring link that does not match the pending redirect", "link", line)
		}
	}
}

func loadConfig(path string, logger *slog.Logger) (session.Config, error) {
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return session.Config{}, fmt.Errorf("config file not found at %s. Run with -config-cmd=init to create it", path)
		}
		return session.Config{}, fmt.Errorf("stat config: %w", err)
	}
	logger.Debug("loading config", "path", path)
	return session.LoadConfig(path)
}

func runConfigInit(path string, in io.Reader, out io.Writer, logger *slog.Logger) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists at %s. Remove it first or use a different path", path)
	}
	_, err := runSetup(path, bufio.NewReader(in), out, logger)
	return err
}

func runConfigValidate(path string, logger *slog.Logger) error {
	cfg, err := session.LoadConfig(path)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	logger.Info("validating issuer discovery...", "issuer", cfg.OAuth.Issuer)
	meta, err := session.NewResolver(cfg, nil, logger).Load(ctx)
	if err != nil {
		logger.Error("issuer discovery failed", "issuer", cfg.OAuth.Issuer, "error", err)
		return err
	}
	for name, endpoint := range map[string]string{
		"authorization": meta.AuthorizationEndpoint,
		"token":         meta.TokenEndpoint,
		"userinfo":      meta.UserInfoEndpoint,
		"revocation":    meta.RevocationEndpoint,
	} {
		if endpoint == "" {
			logger.Warn("endpoint not advertised", "endpoint", name)
			continue
		}
		logger.Info("endpoint discovered", "endpoint", name, "url", endpoint)
	}

	logger.Info("configuration validation complete")
	return nil
}

func runSetup(path string, in *bufio.Reader, out io.Writer, logger *slog.Logger) (session.Config, error) {
	fmt.Fprintf(out, "No configuration file found at %s.\n", path)
	fmt.Fprintln(out, "Starting guided setup. Press Enter to accept defaults.")

	q := setup{in: in, out: out}
	cfg := session.DefaultConfig()

	cfg.OAuth.Issuer = strings.TrimSuffix(q.url("Issuer URL", cfg.OAuth.Issuer), "/")
	cfg.OAuth.ClientID = q.text("Client ID", cfg.OAuth.ClientID)
	cfg.OAuth.AppScheme = strings.TrimSuffix(q.text("Redirect scheme (http for a loopback listener, or the app scheme)", cfg.OAuth.AppScheme), "://")
	cfg.OAuth.RedirectPath = strings.TrimPrefix(q.text("Redirect path", cfg.OAuth.RedirectPath), "/")
	cfg.OAuth.Scopes = q.scopes(cfg.OAuth.Scopes)
	cfg.Discovery.DevMode = q.confirm("Rewrite localhost endpoints for the Android emulator?", false)
	cfg.API.BaseURL = q.url("API base URL", cfg.API.BaseURL)

	if q.confirm("Persist the session to an encrypted file?", true) {
		cfg.Storage.Backend = "file"
		cfg.Storage.Path = q.text("Session file path", filepath.Join(filepath.Dir(path), "session.db"))
		cfg.Storage.EncryptionKey = q.secret("Encryption passphrase")
	}

	if err := cfg.Validate(); err != nil {
		return session.Config{}, err
	}
	if err := writeConfigFile(path, cfg); err != nil {
		return session.Config{}, err
	}
	logger.Info("configuration created", "path", path, "redirect_uri", cfg.OAuth.RedirectURI(), "storage", cfg.Storage.Backend)

	return session.LoadConfig(path)
}

// setup asks the config init questions. Every question falls back to its
// default once the input is exhausted.
type setup struct {
	in  *bufio.Reader
	out io.Writer
}

func (q setup) line(prompt, hint string) (string, error) {
	if hint != "" {
		fmt.Fprintf(q.out, "%s [%s]: ", prompt, hint)
	} else {
		fmt.Fprintf(q.out, "%s: ", prompt)
	}
	input, err := q.in.ReadString('\n')
	return strings.TrimSpace(input), err
}

func (q setup) text(prompt, def string) string {
	input, _ := q.line(prompt, def)
	if input == "" {
		return def
	}
	return input
}

// url repeats the question until the answer is an absolute http(s) URL.
func (q setup) url(prompt, def string) string {
	for {
		input, err := q.line(prompt, def)
		if input == "" {
			return def
		}
		if u, perr := url.Parse(input); perr == nil && (u.Scheme == "http" || u.Scheme == "https") && u.Host != "" {
			return input
		}
		if err != nil {
			return def
		}
		fmt.Fprintln(q.out, "Enter an absolute http(s) URL.")
	}
}

// scopes reads a comma separated scope list; openid is always requested.
func (q setup) scopes(def []string) []string {
	input, _ := q.line("Scopes (comma separated)", strings.Join(def, ","))
	scopes := def
	if input != "" {
		scopes = nil
		for _, p := range strings.Split(input, ",") {
			if v := strings.TrimSpace(p); v != "" {
				scopes = append(scopes, v)
			}
		}
	}
	for _, s := range scopes {
		if s == "openid" {
			return scopes
		}
	}
	return append([]string{"openid"}, scopes...)
}

func (q setup) secret(prompt string) string {
	for {
		input, err := q.line(prompt, "")
		if input != "" || err != nil {
			return input
		}
		fmt.Fprintln(q.out, "This value is required. Please enter a value.")
	}
}

func (q setup) confirm(prompt string, def bool) bool {
	hint := "Y/n"
	if !def {
		hint = "y/N"
	}
	for {
		input, err := q.line(prompt, hint)
		switch strings.ToLower(input) {
		case "":
			return def
		case "y", "yes":
			return true
		case "n", "no":
			return false
		}
		if err != nil {
			return def
		}
		fmt.Fprintln(q.out, "Please enter 'y' or 'n'.")
	}
}

// parseLogLevel accepts slog level names plus the "warning" and "err" aliases.
func parseLogLevel(value string) (slog.Level, error) {
	v := strings.TrimSpace(value)
	switch strings.ToLower(v) {
	case "":
		return slog.LevelInfo, nil
	case "warning":
		return slog.LevelWarn, nil
	case "err":
		return slog.LevelError, nil
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(v)); err != nil {
		return 0, fmt.Errorf("unknown log level %q", value)
	}
	return level, nil
}

const configHeader = "# authsession configuration. Values may be overridden with AUTHSESSION_* variables.\n"

// writeConfigFile writes cfg as YAML. The file can hold the storage
// passphrase, so it is created owner-only and never overwritten.
func writeConfigFile(path string, cfg session.Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create config dir: %w", err)
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return fmt.Errorf("create config: %w", err)
	}
	if _, err := f.WriteString(configHeader); err == nil {
		_, err = f.Write(data)
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}
