package main

import (
	"context"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"riskline/internal/domain"
	"riskline/internal/engine"
	"riskline/internal/repo"
)

func entityCmd() *cobra.Command {
	ent := &cobra.Command{Use: "entity", Aliases: []string{"e"}, Short: "Work with incidents, risks and measures"}
	ent.AddCommand(entityCreateCmd())
	ent.AddCommand(entityGetCmd())
	ent.AddCommand(entityListCmd())
	ent.AddCommand(entityUpdateCmd())
	ent.AddCommand(entityActCmd())
	ent.AddCommand(entityCommentCmd())
	ent.AddCommand(entityLinkCmd())
	ent.AddCommand(entityUnlinkCmd())
	ent.AddCommand(entityContextCmd())
	ent.AddCommand(entityNotesCmd())
	ent.AddCommand(entityDeleteCmd())
	return ent
}

func entityCreateCmd() *cobra.Command {
	var id string
	var fields []string
	cmd := &cobra.Command{
		Use:   "create <type>",
		Short: "Create an entity in its initial state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := parseFields(fields)
			if err != nil {
				return err
			}
			return withActor(cmd.Context(), func(ctx context.Context, e engine.Engine, actor domain.Actor) error {
				res, err := e.Create(ctx, actor, engine.CreateOptions{Type: args[0], ID: id, Fields: f})
				if err != nil {
					return err
				}
				return printEntity(res)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "entity id (generated when empty)")
	cmd.Flags().StringArrayVarP(&fields, "field", "f", nil, "field value as name=value (repeatable)")
	return cmd
}

func entityGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Show an entity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), func(ctx context.Context, e engine.Engine, _ domain.Actor) error {
				res, err := e.Get(ctx, args[0])
				if err != nil {
					return err
				}
				return printEntity(res)
			})
		},
	}
}

func entityListCmd() *cobra.Command {
	var f repo.EntityFilter
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List entities",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), func(ctx context.Context, e engine.Engine, _ domain.Actor) error {
				items, err := e.List(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Type", "State", "Title", "Assignee", "Next deadline"})
				for _, it := range items {
					title := ""
					if v, ok := it.Lookup("title"); ok {
						title = v.Text
					}
					tw.AppendRow(table.Row{it.ID, it.Type, it.State, title, it.Assignee, nextDeadline(it.Deadlines)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Type, "type", "", "entity type filter")
	cmd.Flags().StringVar(&f.State, "state", "", "state filter")
	cmd.Flags().StringVar(&f.Assignee, "assignee", "", "assignee filter")
	cmd.Flags().StringVar(&f.CreatedBy, "created-by", "", "creator filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "maximum rows")
	return cmd
}

func entityUpdateCmd() *cobra.Command {
	var version int64
	var fields []string
	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Update editable fields",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := parseFields(fields)
			if err != nil {
				return err
			}
			return withActor(cmd.Context(), func(ctx context.Context, e engine.Engine, actor domain.Actor) error {
				res, err := e.Update(ctx, actor, args[0], engine.UpdateOptions{Version: version, Fields: f})
				if err != nil {
					return err
				}
				return printEntity(res)
			})
		},
	}
	cmd.Flags().Int64Var(&version, "version", 0, "expected version")
	cmd.Flags().StringArrayVarP(&fields, "field", "f", nil, "field value as name=value (repeatable)")
	return cmd
}

func entityActCmd() *cobra.Command {
	var reason string
	var version int64
	cmd := &cobra.Command{
		Use:   "act <id> <action>",
		Short: "Perform a workflow action",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), func(ctx context.Context, e engine.Engine, actor domain.Actor) error {
				res, err := e.Perform(ctx, actor, args[0], engine.PerformOptions{Action: args[1], Reason: reason, Version: version})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				fmt.Printf("%s: %s -> %s", res.Entity.ID, res.From, res.To)
				if res.Entity.Assignee != "" {
					fmt.Printf(" (assigned to %s)", res.Entity.Assignee)
				}
				fmt.Println()
				for _, n := range res.Notifications {
					fmt.Printf("  queued %s for %s%s (rule %s)\n", n.EventType, n.RecipientRole, n.RecipientUser, n.RuleID)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "reason, required by some actions")
	cmd.Flags().Int64Var(&version, "version", 0, "expected version")
	return cmd
}

func entityCommentCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "comment <id> <body>",
		Short: "Add a comment to the audit trail",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), func(ctx context.Context, e engine.Engine, actor domain.Actor) error {
				note, err := e.Comment(ctx, actor, args[0], args[1])
				if err != nil {
					return err
				}
				return printJSONOrTable(note)
			})
		},
	}
}

func entityLinkCmd() *cobra.Command {
	var comment string
	var version int64
	cmd := &cobra.Command{
		Use:   "link <id> <link> <target>",
		Short: "Link an entity to another entity or a control",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), func(ctx context.Context, e engine.Engine, actor domain.Actor) error {
				l, err := e.Link(ctx, actor, args[0], engine.LinkOptions{Name: args[1], TargetID: args[2], Comment: comment, Version: version})
				if err != nil {
					return err
				}
				return printJSONOrTable(l)
			})
		},
	}
	cmd.Flags().StringVar(&comment, "comment", "", "link comment")
	cmd.Flags().Int64Var(&version, "version", 0, "expected version")
	return cmd
}

func entityUnlinkCmd() *cobra.Command {
	var comment string
	cmd := &cobra.Command{
		Use:   "unlink <id> <link> <target>",
		Short: "Remove a link",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), func(ctx context.Context, e engine.Engine, actor domain.Actor) error {
				return e.Unlink(ctx, actor, args[0], engine.LinkOptions{Name: args[1], TargetID: args[2], Comment: comment})
			})
		},
	}
	cmd.Flags().StringVar(&comment, "comment", "", "unlink comment")
	return cmd
}

func entityContextCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "context <id>",
		Short: "Show available actions and editable fields",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), func(ctx context.Context, e engine.Engine, actor domain.Actor) error {
				c, err := e.Context(ctx, actor, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(c)
				}
				fmt.Printf("%s %s [%s] roles=%v\n", c.Entity.Type, c.Entity.ID, c.Entity.State, c.Roles)
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Action", "To", "Reason", "Missing"})
				for _, a := range c.Actions {
					tw.AppendRow(table.Row{a.Action, a.To, a.Reason, a.Missing})
				}
				tw.Render()
				fmt.Printf("editable: %v\n", c.Editable)
				return nil
			})
		},
	}
}

func entityNotesCmd() *cobra.Command {
	var after int64
	var limit int
	cmd := &cobra.Command{
		Use:   "notes <id>",
		Short: "Show the audit trail",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), func(ctx context.Context, e engine.Engine, _ domain.Actor) error {
				notes, err := e.Notes(ctx, args[0], after, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(notes)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "At", "Actor", "Kind", "Action", "From", "To", "Body"})
				for _, n := range notes {
					tw.AppendRow(table.Row{n.ID, n.CreatedAt.Format(time.RFC3339), n.ActorID, n.Kind, n.Action, n.FromState, n.ToState, n.Body})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().Int64Var(&after, "after", 0, "only notes after this id")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum rows")
	return cmd
}

func entityDeleteCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Soft delete an entity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), func(ctx context.Context, e engine.Engine, actor domain.Actor) error {
				return e.Delete(ctx, actor, args[0], reason)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "deletion reason")
	return cmd
}

func printEntity(e domain.Entity) error {
	if viper.GetBool("json") {
		return printJSON(e)
	}
	fmt.Printf("%s %s [%s] v%d\n", e.Type, e.ID, e.State, e.Version)
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"Field", "Value"})
	names := make([]string, 0, len(e.Attrs))
	for name := range e.Attrs {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		tw.AppendRow(table.Row{name, e.Attrs[name].Plain()})
	}
	tw.Render()
	for stage, due := range e.Deadlines {
		fmt.Printf("deadline %s: %s\n", stage, due.Format(time.RFC3339))
	}
	return nil
}

func nextDeadline(dl map[string]time.Time) string {
	var next time.Time
	for _, due := range dl {
		if next.IsZero() || due.Before(next) {
			next = due
		}
	}
	if next.IsZero() {
		return ""
	}
	return next.Format(time.RFC3339)
}
