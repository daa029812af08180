// Convenience subcommands for manipulating accounts in the configured
// server database.
package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"gorm.io/gorm"

	"github.com/hfrick/nexus/internal/core"
	"github.com/hfrick/nexus/internal/data"
)

var accountCmd = &cobra.Command{
	Use:   "account",
	Short: "Account management tools",
}

var accountAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Registers new accounts in the database",
	Run:   AccountAddCommand,
}

var accountBanCmd = &cobra.Command{
	Use:   "ban",
	Short: "Bans (or unbans) an account",
	Run:   AccountBanCommand,
}

var accountDeleteCmd = &cobra.Command{
	Use:   "delete",
	Short: "Deletes accounts from the database",
	Run:   AccountDeleteCommand,
}

var (
	UnbanFlag     bool
	PermanentFlag bool
)

func initDB() *gorm.DB {
	// Change to the same directory as the config file so that any relative
	// paths in the config file will resolve.
	if ConfigFlag != "" {
		if err := os.Chdir(ConfigFlag); err != nil {
			fmt.Println("error changing to config directory:", err)
			os.Exit(1)
		}
	}

	cfg := core.LoadConfig(ConfigFlag)
	db, err := data.Initialize(cfg)
	if err != nil {
		fmt.Println("error connecting to database:", err)
		os.Exit(1)
	}
	return db
}

func AccountAddCommand(cmd *cobra.Command, args []string) {
	db := initDB()

	username, args := popArg(args, "Username")
	password, args := popArg(args, "Password")
	email, _ := popArg(args, "Email")
	username = strings.ToLower(username)

	existing, err := data.FindAccountByUsername(db, username)
	if err != nil {
		fmt.Println("error finding account:", err)
		return
	} else if existing != nil {
		fmt.Printf("account '%s' already exists; skipping\n", username)
		return
	}

	account, err := data.CreateAccount(db, username, password, email)
	if err != nil {
		fmt.Println("error creating account:", err)
		return
	}
	fmt.Printf("created account for '%s' (ID: %d)\n", account.Username, account.ID)
}

func AccountBanCommand(cmd *cobra.Command, args []string) {
	db := initDB()

	username, _ := popArg(args, "Username")
	account := mustFindAccount(db, strings.ToLower(username))

	if err := data.SetAccountBanned(db, account, !UnbanFlag); err != nil {
		fmt.Println("error updating account:", err)
		return
	}
	if UnbanFlag {
		fmt.Println("unbanned account")
	} else {
		fmt.Println("banned account")
	}
}

func AccountDeleteCommand(cmd *cobra.Command, args []string) {
	db := initDB()

	username, _ := popArg(args, "Username")
	account := mustFindAccount(db, strings.ToLower(username))

	if PermanentFlag {
		if err := data.PermanentlyDeleteAccount(db, account); err != nil {
			fmt.Println("error deleting account:", err)
			return
		}
	} else {
		if err := data.DeleteAccount(db, account); err != nil {
			fmt.Println("error deleting account:", err)
			return
		}
	}
	fmt.Println("deleted account")
}

func mustFindAccount(db *gorm.DB, username string) *data.Account {
	account, err := data.FindAccountByUsername(db, username)
	if err != nil {
		fmt.Println("error looking up account:", err)
		os.Exit(1)
	}
	if account == nil {
		fmt.Printf("no account named '%s'\n", username)
		os.Exit(1)
	}
	return account
}

func popArg(args []string, prompt string) (string, []string) {
	if len(args) == 1 {
		return args[0], nil
	} else if len(args) > 1 {
		return args[0], args[1:]
	}

	fmt.Printf("%s: ", prompt)
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Scan()
	return scanner.Text(), args
}
