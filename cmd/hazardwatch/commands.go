package main

import (
	"fmt"
	"strings"

	"github.com/urfave/cli/v2"

	"hazardwatch/internal/apperr"
	"hazardwatch/internal/domain/entities"
)

var loginCommand = &cli.Command{
	Name:      "login",
	Usage:     "Sign in with a bearer token",
	ArgsUsage: "<token>",
	Action: withClient(func(cCtx *cli.Context, c *client) error {
		user, err := c.session.Login(cCtx.Context, cCtx.Args().First())
		if err != nil {
			return userError(err)
		}
		fmt.Fprintf(cCtx.App.Writer, "Signed in as %s\n", displayName(user))
		return nil
	}),
}

var logoutCommand = &cli.Command{
	Name:  "logout",
	Usage: "Forget the stored session",
	Action: withClient(func(cCtx *cli.Context, c *client) error {
		return c.session.Logout(cCtx.Context)
	}),
}

var whoamiCommand = &cli.Command{
	Name:  "whoami",
	Usage: "Show the signed in user",
	Action: withClient(func(cCtx *cli.Context, c *client) error {
		user, err := c.session.Me(cCtx.Context)
		if err != nil {
			return userError(err)
		}
		return printJSON(cCtx, user)
	}),
}

var deviceCommand = &cli.Command{
	Name:      "device",
	Usage:     "Register this install for push delivery",
	ArgsUsage: "<push-token>",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "platform", Value: "cli", Usage: "Platform reported to the server"},
	},
	Action: withClient(func(cCtx *cli.Context, c *client) error {
		d, err := c.session.RegisterDevice(cCtx.Context, cCtx.String("platform"), cCtx.Args().First())
		if err != nil {
			return userError(err)
		}
		return printJSON(cCtx, d)
	}),
}

var nearbyCommand = &cli.Command{
	Name:  "nearby",
	Usage: "List incidents around a location",
	Flags: append([]cli.Flag{
		&cli.IntFlag{Name: "pages", Value: 1, Usage: "Number of pages to fetch"},
	}, coordinateCliFlags...),
	Action: withClient(func(cCtx *cli.Context, c *client) error {
		ctx := cCtx.Context
		region, err := c.center(ctx, cCtx)
		if err != nil {
			return err
		}
		// The first viewport of a run always fetches.
		if err := c.feed.SetViewport(ctx, region); err != nil {
			return userError(err)
		}
		for page := 1; page < cCtx.Int("pages"); page++ {
			more, err := c.feed.LoadMore(ctx)
			if err != nil {
				return userError(err)
			}
			if !more {
				break
			}
		}
		return printJSON(cCtx, c.feed.Visible())
	}),
}

var showCommand = &cli.Command{
	Name:      "show",
	Usage:     "Show one incident with its comments",
	ArgsUsage: "<incident-id>",
	Action: withClient(func(cCtx *cli.Context, c *client) error {
		d, err := c.queries.Detail(cCtx.Context, cCtx.Args().First())
		if err != nil {
			return userError(err)
		}
		return printJSON(cCtx, d)
	}),
}

var reportCommand = &cli.Command{
	Name:  "report",
	Usage: "Report a new hazard",
	Flags: append([]cli.Flag{
		&cli.StringFlag{Name: "text", Usage: "What is the hazard"},
		&cli.StringFlag{Name: "type", Usage: "pothole, debris, structure or other"},
		&cli.StringFlag{Name: "summary", Usage: "Short summary shown in lists"},
		&cli.StringFlag{Name: "photo", Usage: "Path of a photo to attach"},
		&cli.BoolFlag{Name: "resume", Usage: "Start from the saved draft"},
	}, coordinateCliFlags...),
	Action: withClient(func(cCtx *cli.Context, c *client) error {
		ctx := cCtx.Context
		draft := &entities.Draft{}
		if cCtx.Bool("resume") {
			saved, err := c.reports.Draft(ctx)
			if err != nil {
				return err
			}
			if saved != nil {
				draft = saved
			}
		}
		if cCtx.IsSet("text") {
			draft.Text = cCtx.String("text")
		}
		if cCtx.IsSet("type") {
			draft.Type = entities.IncidentType(cCtx.String("type"))
		}
		if cCtx.IsSet("summary") {
			draft.AISummary = cCtx.String("summary")
		}
		if cCtx.IsSet("photo") {
			draft.PhotoURI = cCtx.String("photo")
		}
		if coord := coordinateFlags(cCtx); coord != nil {
			draft.Location = coord
		}

		inc, err := c.reports.Submit(ctx, draft)
		if err != nil {
			fmt.Fprintln(cCtx.App.ErrWriter, "The draft was saved; rerun with --resume to try again.")
			return userError(err)
		}
		return printJSON(cCtx, inc)
	}),
}

var voteCommand = &cli.Command{
	Name:      "vote",
	Usage:     "Vote an incident up or down; repeating a vote cancels it",
	ArgsUsage: "<incident-id> up|down",
	Action: withClient(func(cCtx *cli.Context, c *client) error {
		id := cCtx.Args().Get(0)
		var value entities.VoteValue
		switch strings.ToLower(cCtx.Args().Get(1)) {
		case "up", "+1":
			value = entities.VoteUp
		case "down", "-1":
			value = entities.VoteDown
		default:
			return cli.Exit("vote must be up or down", 2)
		}

		if err := c.ensureCached(cCtx.Context, id); err != nil {
			return userError(err)
		}
		got, err := c.mutations.Vote(cCtx.Context, id, value)
		if err != nil {
			return userError(err)
		}
		inc, _ := c.cache.Get(id)
		fmt.Fprintf(cCtx.App.Writer, "score %d, your vote %+d\n", inc.Score, got)
		return nil
	}),
}

var commentCommand = &cli.Command{
	Name:      "comment",
	Usage:     "Comment on an incident",
	ArgsUsage: "<incident-id> <text>",
	Action: withClient(func(cCtx *cli.Context, c *client) error {
		id := cCtx.Args().First()
		text := strings.Join(cCtx.Args().Tail(), " ")
		if err := c.ensureCached(cCtx.Context, id); err != nil {
			return userError(err)
		}
		cm, err := c.mutations.Comment(cCtx.Context, id, text)
		if err != nil {
			return userError(err)
		}
		return printJSON(cCtx, cm)
	}),
}

var statusCommand = &cli.Command{
	Name:      "status",
	Usage:     "Move an incident to open, acknowledged or resolved",
	ArgsUsage: "<incident-id> <status>",
	Action: withClient(func(cCtx *cli.Context, c *client) error {
		id := cCtx.Args().Get(0)
		if err := c.ensureCached(cCtx.Context, id); err != nil {
			return userError(err)
		}
		inc, err := c.mutations.UpdateStatus(cCtx.Context, id, entities.IncidentStatus(cCtx.Args().Get(1)))
		if err != nil {
			return userError(err)
		}
		return printJSON(cCtx, inc)
	}),
}

var notifyCommand = &cli.Command{
	Name:  "notify",
	Usage: "Show or change notification preferences",
	Flags: []cli.Flag{
		&cli.BoolFlag{Name: "enabled", Usage: "Turn notifications on or off"},
		&cli.BoolFlag{Name: "watched-only", Usage: "Only notify about watched incidents"},
		&cli.BoolFlag{Name: "comments", Usage: "Notify about new comments"},
		&cli.StringSliceFlag{Name: "type", Usage: "Limit to these hazard types"},
	},
	Action: withClient(func(cCtx *cli.Context, c *client) error {
		ctx := cCtx.Context
		if err := c.notifications.Load(ctx); err != nil {
			return err
		}
		prefs := c.notifications.Prefs()
		changed := false
		if cCtx.IsSet("enabled") {
			prefs.Enabled, changed = cCtx.Bool("enabled"), true
		}
		if cCtx.IsSet("watched-only") {
			prefs.WatchedOnly, changed = cCtx.Bool("watched-only"), true
		}
		if cCtx.IsSet("comments") {
			prefs.IncludeComments, changed = cCtx.Bool("comments"), true
		}
		if cCtx.IsSet("type") {
			prefs.Types = nil
			for _, t := range cCtx.StringSlice("type") {
				typ := entities.IncidentType(t)
				if !typ.Valid() {
					return cli.Exit(fmt.Sprintf("unknown hazard type %q", t), 2)
				}
				prefs.Types = append(prefs.Types, typ)
			}
			changed = true
		}
		if changed {
			if err := c.notifications.SetPrefs(ctx, prefs); err != nil {
				return err
			}
		}
		return printJSON(cCtx, prefs)
	}),
}

func displayName(u *entities.User) string {
	if u.DisplayName != "" {
		return u.DisplayName
	}
	return u.ID
}

// userError turns a classified error into a message for the terminal. The
// exit code separates input problems (2) from everything else (1).
func userError(err error) error {
	code := 1
	if apperr.Is(err, apperr.Validation) {
		code = 2
	}
	return cli.Exit(apperr.UserMessage(err), code)
}
