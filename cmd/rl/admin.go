package main

import (
	"context"
	"fmt"
	"os"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"riskline/internal/app"
	"riskline/internal/config"
	"riskline/internal/domain"
	"riskline/internal/engine"
	"riskline/internal/policy"
	"riskline/internal/repo"
)

func policyCmd() *cobra.Command {
	pol := &cobra.Command{Use: "policy", Short: "Show, validate and import the workflow policy"}
	pol.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the active policy document",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				snap, err := a.Policies.Snapshot(ctx)
				if err != nil {
					return err
				}
				raw, err := snap.Document.YAML()
				if err != nil {
					return err
				}
				fmt.Printf("# version %d\n%s", snap.Version, raw)
				return nil
			})
		},
	})
	pol.AddCommand(&cobra.Command{
		Use:   "validate <file>",
		Short: "Parse and compile a policy file without storing it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			doc, err := config.FromFile(args[0])
			if err != nil {
				return err
			}
			snap, err := policy.Compile(doc, 0)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(map[string]any{"valid": true, "entities": snap.EntityTypes()})
			}
			fmt.Printf("policy valid: %v\n", snap.EntityTypes())
			return nil
		},
	})
	pol.AddCommand(&cobra.Command{
		Use:   "import <file>",
		Short: "Store a policy file as the next version",
		Long:  "Stores the document directly in the database. Use the HTTP API to import with a permission check.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			doc, err := config.FromFile(args[0])
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				version, err := a.Engine.StorePolicy(ctx, viper.GetString("actor-id"), doc)
				if err != nil {
					return err
				}
				fmt.Printf("imported policy version %d\n", version)
				return nil
			})
		},
	})
	pol.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Write the default policy to the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Printf("wrote %s\n", path)
			return nil
		},
	})
	return pol
}

func userCmd() *cobra.Command {
	usr := &cobra.Command{Use: "user", Short: "Manage the user directory"}
	var opts engine.UserOptions
	var unit int64
	add := &cobra.Command{
		Use:   "add <id>",
		Short: "Register a user",
		Long:  "Writes the directory entry directly. Use the HTTP API to register users with a permission check.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.ID = args[0]
			if cmd.Flags().Changed("business-unit") {
				opts.BusinessUnit = &unit
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				u, err := a.Engine.AddUser(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(u)
			})
		},
	}
	add.Flags().StringVar(&opts.Role, "role", "", "EMPLOYEE, MANAGER, RISK_OFFICER or GROUP_ORM")
	add.Flags().StringVar(&opts.ManagerID, "manager", "", "manager user id")
	add.Flags().StringVar(&opts.Email, "email", "", "email")
	add.Flags().StringVar(&opts.Name, "name", "", "display name")
	add.Flags().Int64Var(&unit, "business-unit", 0, "business unit")
	_ = add.MarkFlagRequired("role")
	usr.AddCommand(add)

	var role string
	list := &cobra.Command{
		Use:   "list",
		Short: "List users",
		RunE: func(cmd *cobra.Command, args []string) error {
			var r domain.Role
			if role != "" {
				parsed, err := domain.ParseRole(role)
				if err != nil {
					return err
				}
				r = parsed
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				users, err := a.Engine.ListUsers(ctx, r)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(users)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Role", "Manager", "Unit", "Name"})
				for _, u := range users {
					unit := ""
					if u.BusinessUnit != nil {
						unit = fmt.Sprint(*u.BusinessUnit)
					}
					tw.AppendRow(table.Row{u.ID, u.Role, u.ManagerID, unit, u.Name})
				}
				tw.Render()
				return nil
			})
		},
	}
	list.Flags().StringVar(&role, "role", "", "role filter")
	usr.AddCommand(list)
	return usr
}

func controlCmd() *cobra.Command {
	ctl := &cobra.Command{Use: "control", Short: "Manage the control library"}

	var opts engine.ControlOptions
	var unit int64
	add := &cobra.Command{
		Use:   "add <title>",
		Short: "Add a control",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.Title = args[0]
			if cmd.Flags().Changed("business-unit") {
				opts.BusinessUnit = &unit
			}
			return withActor(cmd.Context(), func(ctx context.Context, e engine.Engine, actor domain.Actor) error {
				c, err := e.CreateControl(ctx, actor, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
	add.Flags().StringVar(&opts.ID, "id", "", "control id (generated when empty)")
	add.Flags().StringVar(&opts.Description, "description", "", "description")
	add.Flags().StringVar(&opts.OwnerID, "owner", "", "owner user id")
	add.Flags().Int64Var(&unit, "business-unit", 0, "business unit")
	ctl.AddCommand(add)

	ctl.AddCommand(&cobra.Command{
		Use:   "set-active <id> <true|false>",
		Short: "Activate or deactivate a control",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var active bool
			switch args[1] {
			case "true", "on", "yes":
				active = true
			case "false", "off", "no":
			default:
				return fmt.Errorf("expected true or false, got %q", args[1])
			}
			return withActor(cmd.Context(), func(ctx context.Context, e engine.Engine, actor domain.Actor) error {
				c, err := e.SetControlActive(ctx, actor, args[0], active)
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	})

	var activeOnly bool
	list := &cobra.Command{
		Use:   "list",
		Short: "List controls",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Engine.ListControls(ctx, activeOnly)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "Owner", "Active"})
				for _, c := range items {
					tw.AppendRow(table.Row{c.ID, c.Title, c.OwnerID, c.Active})
				}
				tw.Render()
				return nil
			})
		},
	}
	list.Flags().BoolVar(&activeOnly, "active", false, "only active controls")
	ctl.AddCommand(list)
	return ctl
}

func notifyCmd() *cobra.Command {
	nt := &cobra.Command{Use: "notify", Short: "Inspect and deliver the notification queue"}

	var f repo.NotificationFilter
	var status string
	list := &cobra.Command{
		Use:   "list",
		Short: "List notifications",
		RunE: func(cmd *cobra.Command, args []string) error {
			f.Status = domain.DeliveryStatus(status)
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Engine.Notifications(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Entity", "Event", "Recipient", "Rule", "Status", "Attempts"})
				for _, n := range items {
					recipient := n.RecipientUser
					if recipient == "" {
						recipient = string(n.RecipientRole)
					}
					tw.AppendRow(table.Row{n.ID, n.EntityID, n.EventType, recipient, n.RuleID, n.Status, n.Attempts})
				}
				tw.Render()
				return nil
			})
		},
	}
	list.Flags().StringVar(&f.EntityID, "entity", "", "entity id filter")
	list.Flags().StringVar(&f.EventType, "event", "", "event type filter")
	list.Flags().StringVar(&status, "status", "", "queued, sent, failed or canceled")
	list.Flags().IntVar(&f.Limit, "limit", 50, "maximum rows")
	nt.AddCommand(list)

	nt.AddCommand(&cobra.Command{
		Use:   "deliver",
		Short: "Send one batch of queued notifications",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				stats, err := a.DeliverOnce(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(stats)
				}
				fmt.Printf("sent=%d retried=%d failed=%d\n", stats.Sent, stats.Retried, stats.Failed)
				return nil
			})
		},
	})
	return nt
}

func sweepCmd() *cobra.Command {
	sw := &cobra.Command{Use: "sweep", Short: "Detect overdue SLA deadlines"}
	sw.AddCommand(&cobra.Command{
		Use:   "run",
		Short: "Queue overdue notifications once",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				res, err := a.Sweeper().RunOnce(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				fmt.Printf("overdue=%d queued=%d\n", res.Overdue, res.Queued)
				return nil
			})
		},
	})
	return sw
}
