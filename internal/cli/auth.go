package cli

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/raphaelgruber/dishcapture/internal/auth"
	"github.com/raphaelgruber/dishcapture/internal/remote"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

var loginEmail string

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Sign in to the catalog backend",
	Long: `Sign in with email and password. The password is read from
DISHCAPTURE_PASSWORD or prompted for without echo.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		email := loginEmail
		if email == "" {
			fmt.Print("Email: ")
			line, err := bufio.NewReader(os.Stdin).ReadString('\n')
			if err != nil {
				return fmt.Errorf("read email: %w", err)
			}
			email = strings.TrimSpace(line)
		}
		password, err := readPassword()
		if err != nil {
			return err
		}

		session := auth.NewManager(cfg.SessionFile, logger)
		rc := remote.NewClient(cfg.BackendURL, cfg.AnonKey, nil, cfg.RequestTimeout)
		s, err := session.Login(cmd.Context(), rc, email, password)
		if err != nil {
			var authErr *remote.AuthExpiredError
			if errors.As(err, &authErr) {
				return errors.New("invalid email or password")
			}
			return err
		}
		fmt.Printf("Signed in as %s\n", s.Email)
		return nil
	},
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Forget the stored session",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		session := auth.NewManager(cfg.SessionFile, logger)
		if err := session.Logout(); err != nil {
			return err
		}
		fmt.Println("Signed out.")
		return nil
	},
}

var whoamiCmd = &cobra.Command{
	Use:   "whoami",
	Short: "Show the signed-in user",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		session := auth.NewManager(cfg.SessionFile, logger)
		if err := session.Restore(); err != nil {
			return err
		}
		s, ok := session.Current()
		if !ok {
			return auth.ErrNotAuthenticated
		}
		fmt.Printf("User:    %s\n", s.UserID)
		if s.Email != "" {
			fmt.Printf("Email:   %s\n", s.Email)
		}
		if !s.ExpiresAt.IsZero() {
			fmt.Printf("Expires: %s\n", s.ExpiresAt.Local().Format("2006-01-02 15:04"))
		}
		return nil
	},
}

func readPassword() (string, error) {
	if pw := os.Getenv("DISHCAPTURE_PASSWORD"); pw != "" {
		return pw, nil
	}
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", errors.New("no terminal to prompt for a password; set DISHCAPTURE_PASSWORD")
	}
	fmt.Print("Password: ")
	pw, err := term.ReadPassword(fd)
	fmt.Println()
	if err != nil {
		return "", fmt.Errorf("read password: %w", err)
	}
	return string(pw), nil
}

func init() {
	loginCmd.Flags().StringVar(&loginEmail, "email", "", "account email")
}
