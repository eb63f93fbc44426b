package main

import (
	"context"
	"strings"
	"time"

	"github.com/go-go-golems/glazed/pkg/cli"
	"github.com/go-go-golems/glazed/pkg/cmds"
	"github.com/go-go-golems/glazed/pkg/cmds/layers"
	"github.com/go-go-golems/glazed/pkg/cmds/parameters"
	"github.com/go-go-golems/glazed/pkg/middlewares"
	"github.com/go-go-golems/glazed/pkg/settings"
	"github.com/go-go-golems/glazed/pkg/types"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/go-go-golems/callpilot/pkg/callstore"
)

type addRowFunc func(ctx context.Context, row types.Row) error

func (a *app) openStore() (*callstore.SQLiteStore, error) {
	if a.settings.DB == "" {
		return nil, errors.New("no database configured (--db)")
	}
	dsn, err := callstore.DSNForFile(a.settings.DB)
	if err != nil {
		return nil, err
	}
	return callstore.NewSQLiteStore(dsn)
}

type CallsListCommand struct {
	*cmds.CommandDescription
	app *app
}

type CallsListSettings struct {
	Limit int `glazed.parameter:"limit"`
}

func NewCallsListCommand(a *app) (*CallsListCommand, error) {
	glazedLayer, err := settings.NewGlazedParameterLayers()
	if err != nil {
		return nil, err
	}
	commandSettingsLayer, err := cli.NewCommandSettingsLayer()
	if err != nil {
		return nil, err
	}

	desc := cmds.NewCommandDescription(
		"list",
		cmds.WithShort("List recent calls"),
		cmds.WithLong("List recorded calls, newest first, from the call store."),
		cmds.WithFlags(
			parameters.NewParameterDefinition(
				"limit",
				parameters.ParameterTypeInteger,
				parameters.WithDefault(20),
				parameters.WithHelp("Maximum number of calls"),
			),
		),
		cmds.WithLayersList(glazedLayer, commandSettingsLayer),
	)
	return &CallsListCommand{CommandDescription: desc, app: a}, nil
}

func (c *CallsListCommand) RunIntoGlazeProcessor(
	ctx context.Context,
	parsedLayers *layers.ParsedLayers,
	gp middlewares.Processor,
) error {
	s := &CallsListSettings{}
	if err := parsedLayers.InitializeStruct(layers.DefaultSlug, s); err != nil {
		return err
	}
	store, err := c.app.openStore()
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()
	return listCallRows(ctx, store, s.Limit, gp.AddRow)
}

func listCallRows(ctx context.Context, store callstore.Store, limit int, add addRowFunc) error {
	recs, err := store.ListCalls(ctx, limit)
	if err != nil {
		return err
	}
	for _, r := range recs {
		row := types.NewRow(
			types.MRP("call_sid", r.CallSid),
			types.MRP("status", r.Status),
			types.MRP("phone", r.Phone),
			types.MRP("created_at", formatTime(r.CreatedAt)),
			types.MRP("end_reason", r.EndReason),
		)
		if err := add(ctx, row); err != nil {
			return err
		}
	}
	return nil
}

type CallsShowCommand struct {
	*cmds.CommandDescription
	app *app
}

type CallsShowSettings struct {
	CallSid string `glazed.parameter:"call-sid"`
}

func NewCallsShowCommand(a *app) (*CallsShowCommand, error) {
	glazedLayer, err := settings.NewGlazedParameterLayers()
	if err != nil {
		return nil, err
	}
	commandSettingsLayer, err := cli.NewCommandSettingsLayer()
	if err != nil {
		return nil, err
	}

	desc := cmds.NewCommandDescription(
		"show",
		cmds.WithShort("Show a call with its transcript and summary"),
		cmds.WithArguments(
			parameters.NewParameterDefinition(
				"call-sid",
				parameters.ParameterTypeString,
				parameters.WithHelp("Call SID"),
				parameters.WithRequired(true),
			),
		),
		cmds.WithLayersList(glazedLayer, commandSettingsLayer),
	)
	return &CallsShowCommand{CommandDescription: desc, app: a}, nil
}

func (c *CallsShowCommand) RunIntoGlazeProcessor(
	ctx context.Context,
	parsedLayers *layers.ParsedLayers,
	gp middlewares.Processor,
) error {
	s := &CallsShowSettings{}
	if err := parsedLayers.InitializeStruct(layers.DefaultSlug, s); err != nil {
		return err
	}
	store, err := c.app.openStore()
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()
	return showCallRow(ctx, store, s.CallSid, gp.AddRow)
}

func showCallRow(ctx context.Context, store callstore.Store, callSid string, add addRowFunc) error {
	callSid = strings.TrimSpace(callSid)
	if callSid == "" {
		return errors.New("call-sid is required")
	}
	r, err := store.GetCall(ctx, callSid)
	if err != nil {
		return err
	}
	return add(ctx, types.NewRow(
		types.MRP("call_sid", r.CallSid),
		types.MRP("user_id", r.UserID),
		types.MRP("phone", r.Phone),
		types.MRP("intent", r.Intent),
		types.MRP("voice_id", r.VoiceID),
		types.MRP("status", r.Status),
		types.MRP("end_reason", r.EndReason),
		types.MRP("created_at", formatTime(r.CreatedAt)),
		types.MRP("ended_at", formatTime(r.EndedAt)),
		types.MRP("transcript", r.Transcript),
		types.MRP("summary", r.Summary),
	))
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(time.RFC3339)
}

func (a *app) newCallsCommand() (*cobra.Command, error) {
	callsCmd := &cobra.Command{
		Use:   "calls",
		Short: "Inspect recorded calls",
	}

	listCmd, err := NewCallsListCommand(a)
	if err != nil {
		return nil, err
	}
	showCmd, err := NewCallsShowCommand(a)
	if err != nil {
		return nil, err
	}
	for _, c := range []cmds.Command{listCmd, showCmd} {
		cobraCmd, err := cli.BuildCobraCommand(c, cli.WithCobraMiddlewaresFunc(callpilotMiddlewares))
		if err != nil {
			return nil, err
		}
		callsCmd.AddCommand(cobraCmd)
	}
	return callsCmd, nil
}

var _ cmds.GlazeCommand = &CallsListCommand{}
var _ cmds.GlazeCommand = &CallsShowCommand{}
