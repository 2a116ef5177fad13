package cmd

import (
	"context"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/example/slot-scheduler/internal/domain/user"
)

func newUserCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "user",
		Short: "Manage the users bookings are made for",
	}
	cmd.AddCommand(newUserListCmd(configPath))
	cmd.AddCommand(newUserAddCmd(configPath))
	return cmd
}

func newUserListCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List users",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			us, err := newUserStore(cfg, log).GetAll(context.Background())
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tEMAIL")
			for _, u := range us {
				fmt.Fprintf(w, "%d\t%s\t%s\n", u.ID, u.Name, u.Credentials.Email)
			}
			return w.Flush()
		},
	}
}

func newUserAddCmd(configPath *string) *cobra.Command {
	var name, email, password string

	c := &cobra.Command{
		Use:   "add",
		Short: "Add a user with their booking site login",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			u, err := newUserStore(cfg, log).Add(context.Background(), user.User{
				Name:        name,
				Credentials: user.Credentials{Email: email, Password: password},
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "created user id=%d name=%q\n", u.ID, u.Name)
			return nil
		},
	}

	c.Flags().StringVar(&name, "name", "", "full name as the booking site expects it")
	c.Flags().StringVar(&email, "email", "", "booking site login email")
	c.Flags().StringVar(&password, "password", "", "booking site password")
	_ = c.MarkFlagRequired("name")
	_ = c.MarkFlagRequired("email")
	_ = c.MarkFlagRequired("password")
	return c
}
