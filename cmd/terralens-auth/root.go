package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/caarlos0/env/v11"
	"github.com/spf13/cobra"

	"github.com/terralens/terralens-go/pkg/authclient"
	"github.com/terralens/terralens-go/pkg/credential"
)

// settings is the CLI configuration. Environment variables provide the
// defaults; flags override them.
type settings struct {
	Grant              string   `env:"TERRALENS_GRANT" envDefault:"authorization_code"`
	AuthServer         string   `env:"TERRALENS_AUTH_SERVER"`
	ClientID           string   `env:"TERRALENS_CLIENT_ID"`
	ClientSecret       string   `env:"TERRALENS_CLIENT_SECRET"`
	PrivateKeyFile     string   `env:"TERRALENS_CLIENT_PRIVKEY_FILE"`
	PrivateKeyPassword string   `env:"TERRALENS_CLIENT_PRIVKEY_PASSWORD"`
	RedirectURI        string   `env:"TERRALENS_REDIRECT_URI" envDefault:"http://localhost:8095/callback"`
	Scopes             []string `env:"TERRALENS_SCOPES" envSeparator:"," envDefault:"openid,offline_access"`
	Audiences          []string `env:"TERRALENS_AUDIENCES" envSeparator:","`
	Username           string   `env:"TERRALENS_USERNAME"`
	Password           string   `env:"TERRALENS_PASSWORD"`
	CredentialsFile    string   `env:"TERRALENS_CREDENTIALS_FILE"`
	Verbose            bool     `env:"TERRALENS_VERBOSE"`
}

type app struct {
	settings settings
	logger   *slog.Logger
}

func newRootCmd() (*cobra.Command, error) {
	a := &app{}
	if err := env.Parse(&a.settings); err != nil {
		return nil, fmt.Errorf("parsing environment: %w", err)
	}

	root := &cobra.Command{
		Use:           "terralens-auth",
		Short:         "Manage TerraLens platform credentials",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			level := slog.LevelInfo
			if a.settings.Verbose {
				level = slog.LevelDebug
			}
			a.logger = slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level}))
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&a.settings.Grant, "grant", a.settings.Grant, "authentication mechanism (authorization_code, device_code, client_credentials_secret, client_credentials_private_key, legacy)")
	flags.StringVar(&a.settings.AuthServer, "auth-server", a.settings.AuthServer, "authorization server base URL")
	flags.StringVar(&a.settings.ClientID, "client-id", a.settings.ClientID, "OAuth client id")
	flags.StringVar(&a.settings.ClientSecret, "client-secret", a.settings.ClientSecret, "OAuth client secret")
	flags.StringVar(&a.settings.PrivateKeyFile, "client-privkey-file", a.settings.PrivateKeyFile, "PEM file holding the client private key")
	flags.StringVar(&a.settings.RedirectURI, "redirect-uri", a.settings.RedirectURI, "loopback redirect URI for the authorization code flow")
	flags.StringSliceVar(&a.settings.Scopes, "scopes", a.settings.Scopes, "scopes to request")
	flags.StringSliceVar(&a.settings.Audiences, "audiences", a.settings.Audiences, "token audiences to request")
	flags.StringVar(&a.settings.CredentialsFile, "credentials-file", a.settings.CredentialsFile, "credential file path (default ~/.terralens/credentials.json)")
	flags.BoolVarP(&a.settings.Verbose, "verbose", "v", a.settings.Verbose, "enable debug logging")

	root.AddCommand(
		newLoginCmd(a),
		newRefreshCmd(a),
		newStatusCmd(a),
		newRevokeCmd(a),
	)
	return root, nil
}

// clientConfig maps the CLI settings onto a client configuration.
func (a *app) clientConfig() *authclient.Config {
	return &authclient.Config{
		Grant:                    authclient.GrantType(a.settings.Grant),
		AuthServer:               a.settings.AuthServer,
		ClientID:                 a.settings.ClientID,
		ClientSecret:             a.settings.ClientSecret,
		ClientPrivateKeyFile:     a.settings.PrivateKeyFile,
		ClientPrivateKeyPassword: a.settings.PrivateKeyPassword,
		RedirectURI:              a.settings.RedirectURI,
		Scopes:                   a.settings.Scopes,
		Audiences:                a.settings.Audiences,
		Username:                 a.settings.Username,
		Password:                 a.settings.Password,
		Logger:                   a.logger,
	}
}

// credentialsPath resolves the credential file location, defaulting to
// ~/.terralens/credentials.json.
func (a *app) credentialsPath() (string, error) {
	if a.settings.CredentialsFile != "" {
		return a.settings.CredentialsFile, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home directory: %w", err)
	}
	return filepath.Join(home, ".terralens", "credentials.json"), nil
}

// credentialKind maps the grant to the kind of credential it stores.
func (a *app) credentialKind() credential.Kind {
	if authclient.GrantType(a.settings.Grant) == authclient.GrantLegacy {
		return credential.KindLegacy
	}
	return credential.KindOIDC
}

// loadCredential reads the stored credential for commands operating on
// an existing login.
func (a *app) loadCredential() (*credential.Credential, string, error) {
	path, err := a.credentialsPath()
	if err != nil {
		return nil, "", err
	}
	cred := credential.New(a.credentialKind(), path)
	if err := cred.Load(); err != nil {
		return nil, "", fmt.Errorf("no stored credential at %s: %w (run \"terralens-auth login\" first)", path, err)
	}
	return cred, path, nil
}
