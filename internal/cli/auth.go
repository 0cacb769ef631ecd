package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"tradebridge/internal/broker"
	"tradebridge/internal/config"
	"tradebridge/internal/security"
)

const masterPasswordEnv = "TRADEBRIDGE_MASTER_PASSWORD"

func newAuthCmd(a *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "auth",
		Short: "Credential management",
	}
	cmd.AddCommand(newSealCmd(a))
	cmd.AddCommand(newZerodhaLoginCmd(a))
	return cmd
}

func configDir(cmd *cobra.Command) string {
	dir, _ := cmd.Flags().GetString("config")
	if dir == "" {
		dir = config.DefaultConfigDir()
	}
	return dir
}

func masterPassword() (string, error) {
	pw := os.Getenv(masterPasswordEnv)
	if pw == "" {
		return "", fmt.Errorf("%s is not set", masterPasswordEnv)
	}
	return pw, nil
}

func newSealCmd(a *App) *cobra.Command {
	return &cobra.Command{
		Use:   "seal",
		Short: "Encrypt the loaded credentials to credentials.enc",
		Long: `Encrypts every credential currently loaded (credentials.toml, .env and
environment overrides) with the master password from ` + masterPasswordEnv + `.

Set encrypt_credentials = true under [security] to read credentials.enc on
startup; credentials.toml can then be emptied.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			pw, err := masterPassword()
			if err != nil {
				return err
			}
			dir := configDir(cmd)
			if err := config.SealCredentials(dir, pw, a.Registry.Config.Credentials); err != nil {
				return err
			}
			path := config.EncryptedCredentialsPath(dir)
			if output.IsJSON() {
				return output.JSON(map[string]string{"path": path})
			}
			output.Success("✓ Credentials sealed to %s", path)
			if !a.Registry.Config.Security.EncryptCredentials {
				output.Warning("encrypt_credentials is off; credentials.enc will not be read until it is enabled")
			}
			return nil
		},
	}
}

func newZerodhaLoginCmd(a *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "zerodha",
		Short: "Complete the Kite Connect login flow",
		Long: `Without --token, prints the Kite login URL. After logging in, Kite redirects
with a request_token; pass it with --token to generate an access token.

The access token is sealed into credentials.enc, so ` + masterPasswordEnv + `
must be set.`,
		Example: `  trader auth zerodha
  trader auth zerodha --token <request_token>`,
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			creds := a.Registry.Config.Credentials
			if creds.Zerodha.APIKey == "" {
				return fmt.Errorf("zerodha api_key is not configured")
			}
			zb := broker.NewZerodhaBroker(broker.ZerodhaConfig{
				APIKey:    creds.Zerodha.APIKey,
				APISecret: creds.Zerodha.APISecret,
			}, a.Registry.Logger)

			token, _ := cmd.Flags().GetString("token")
			if token == "" {
				if output.IsJSON() {
					return output.JSON(map[string]string{"login_url": zb.LoginURL()})
				}
				output.Bold("Open this URL and log in:")
				output.Println(zb.LoginURL())
				output.Dim("Then run: trader auth zerodha --token <request_token>")
				return nil
			}

			pw, err := masterPassword()
			if err != nil {
				return err
			}
			access, err := zb.CompleteLogin(cmd.Context(), token)
			if err != nil {
				return err
			}
			security.NewSafeLogger(a.Registry.Logger).Info().
				Str("api_key", creds.Zerodha.APIKey).
				Str("access_token", access).
				Msg("Kite session created")
			creds.Zerodha.AccessToken = access
			if err := config.SealCredentials(configDir(cmd), pw, creds); err != nil {
				return err
			}
			if output.IsJSON() {
				return output.JSON(map[string]string{"access_token": security.MaskCredential(access)})
			}
			output.Success("✓ Logged in, access token %s sealed", security.MaskCredential(access))
			return nil
		},
	}
	cmd.Flags().String("token", "", "request token from the Kite redirect")
	return cmd
}
