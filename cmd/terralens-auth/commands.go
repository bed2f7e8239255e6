package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/spf13/cobra"

	"github.com/terralens/terralens-go/pkg/authclient"
	"github.com/terralens/terralens-go/pkg/credential"
)

func newLoginCmd(a *app) *cobra.Command {
	var noBrowser bool

	cmd := &cobra.Command{
		Use:   "login",
		Short: "Authenticate and store the credential",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := authclient.New(a.clientConfig())
			if err != nil {
				return err
			}

			var opts []authclient.LoginOption
			if noBrowser {
				opts = append(opts, authclient.WithoutBrowser())
			}

			cred, err := client.Login(cmd.Context(), opts...)
			if err != nil {
				return err
			}

			path, err := a.credentialsPath()
			if err != nil {
				return err
			}
			cred.SetPath(path)
			if err := cred.Save(); err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Login succeeded. Credentials saved to %s\n", path)
			return nil
		},
	}

	cmd.Flags().BoolVar(&noBrowser, "no-browser", false, "print the authorization URL instead of opening a browser")
	return cmd
}

func newRefreshCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "refresh",
		Short: "Refresh the stored credential",
		RunE: func(cmd *cobra.Command, args []string) error {
			cred, path, err := a.loadCredential()
			if err != nil {
				return err
			}
			if cred.RefreshToken() == "" {
				return errors.New("stored credential holds no refresh token")
			}

			client, err := authclient.New(a.clientConfig())
			if err != nil {
				return err
			}

			fresh, err := client.Refresh(cmd.Context(), cred.RefreshToken(), a.settings.Scopes)
			if err != nil {
				return err
			}
			if err := cred.SetData(fresh.Data()); err != nil {
				return err
			}
			if err := cred.Save(); err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Credentials refreshed and saved to %s\n", path)
			return nil
		},
	}
}

func newStatusCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Describe the stored credential without revealing it",
		RunE: func(cmd *cobra.Command, args []string) error {
			cred, path, err := a.loadCredential()
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Credential file: %s\n", path)
			fmt.Fprintf(out, "Kind:            %s\n", cred.Kind())

			if cred.Kind() == credential.KindLegacy {
				fmt.Fprintf(out, "API key:         %s\n", presence(cred.APIKey() != ""))
				return nil
			}

			fmt.Fprintf(out, "Access token:    %s\n", presence(cred.AccessToken() != ""))
			fmt.Fprintf(out, "Refresh token:   %s\n", presence(cred.RefreshToken() != ""))
			fmt.Fprintf(out, "ID token:        %s\n", presence(cred.IDToken() != ""))
			if cred.Scope() != "" {
				fmt.Fprintf(out, "Scope:           %s\n", cred.Scope())
			}

			if exp, ok := tokenExpiry(cred.AccessToken()); ok {
				state := "expires"
				if time.Now().After(exp) {
					state = "expired"
				}
				fmt.Fprintf(out, "Access token %s: %s\n", state, exp.Format(time.RFC3339))
			}
			return nil
		},
	}
}

func newRevokeCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "revoke",
		Short: "Revoke the stored tokens at the authorization server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cred, path, err := a.loadCredential()
			if err != nil {
				return err
			}

			client, err := authclient.New(a.clientConfig())
			if err != nil {
				return err
			}

			if rt := cred.RefreshToken(); rt != "" {
				if err := client.RevokeRefreshToken(cmd.Context(), rt); err != nil {
					return fmt.Errorf("revoking refresh token: %w", err)
				}
			}
			if at := cred.AccessToken(); at != "" {
				if err := client.RevokeAccessToken(cmd.Context(), at); err != nil {
					return fmt.Errorf("revoking access token: %w", err)
				}
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Tokens revoked. The credential file at %s was kept; delete it to forget the session.\n", path)
			return nil
		},
	}
}

func presence(held bool) string {
	if held {
		return "present"
	}
	return "absent"
}

// tokenExpiry reads exp from a JWT access token without verifying it;
// the status command only reports, it never trusts.
func tokenExpiry(token string) (time.Time, bool) {
	if token == "" {
		return time.Time{}, false
	}
	unverified, _, err := jwt.NewParser().ParseUnverified(token, jwt.MapClaims{})
	if err != nil {
		return time.Time{}, false
	}
	exp, err := unverified.Claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, false
	}
	return exp.Time, true
}
