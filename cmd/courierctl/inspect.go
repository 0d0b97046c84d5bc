package main

import (
	"fmt"
	"os"
	"sort"

	"github.com/urfave/cli/v2"
	"gopkg.in/yaml.v3"
)

var conversationsCommand = &cli.Command{
	Name:   "conversations",
	Usage:  "List conversations",
	Action: cmdConversations,
}

var messagesCommand = &cli.Command{
	Name:      "messages",
	Usage:     "Show the most recent messages of a conversation",
	ArgsUsage: "CONVERSATION",
	Flags: []cli.Flag{
		&cli.IntFlag{
			Name:  "limit",
			Usage: "Number of messages to show",
			Value: 50,
		},
	},
	Action: cmdMessages,
}

var reactionsCommand = &cli.Command{
	Name:      "reactions",
	Usage:     "Show reactions others left on our messages in a conversation",
	ArgsUsage: "CONVERSATION",
	Action:    cmdReactions,
}

var statsCommand = &cli.Command{
	Name:   "stats",
	Usage:  "Show lifecycle counters of this process",
	Action: cmdStats,
}

func printYAML(v interface{}) error {
	enc := yaml.NewEncoder(os.Stdout)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return err
	}
	return enc.Close()
}

func conversationArg(ctx *cli.Context) (string, error) {
	if ctx.NArg() == 0 {
		return "", fmt.Errorf("you must specify a conversation")
	}
	return ctx.Args().Get(0), nil
}

func cmdConversations(ctx *cli.Context) error {
	convs, err := getCourier(ctx).Lifecycle.Conversations()
	if err != nil {
		return fmt.Errorf("failed to load conversations: %w", err)
	}
	return printYAML(convs)
}

func cmdMessages(ctx *cli.Context) error {
	id, err := conversationArg(ctx)
	if err != nil {
		return err
	}
	msgs, err := getCourier(ctx).Lifecycle.Messages(id, ctx.Int("limit"))
	if err != nil {
		return fmt.Errorf("failed to load messages: %w", err)
	}
	return printYAML(msgs)
}

func cmdReactions(ctx *cli.Context) error {
	id, err := conversationArg(ctx)
	if err != nil {
		return err
	}
	records, err := getCourier(ctx).Lifecycle.Reactions(id)
	if err != nil {
		return fmt.Errorf("failed to load reactions: %w", err)
	}
	return printYAML(records)
}

func cmdStats(ctx *cli.Context) error {
	families, err := getCourier(ctx).Registry.Gather()
	if err != nil {
		return fmt.Errorf("failed to gather metrics: %w", err)
	}
	out := make(map[string]float64)
	for _, f := range families {
		for _, m := range f.GetMetric() {
			name := f.GetName()
			for _, l := range m.GetLabel() {
				name += fmt.Sprintf(",%s=%s", l.GetName(), l.GetValue())
			}
			switch {
			case m.GetCounter() != nil:
				out[name] = m.GetCounter().GetValue()
			case m.GetGauge() != nil:
				out[name] = m.GetGauge().GetValue()
			}
		}
	}
	keys := make([]string, 0, len(out))
	for k := range out {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	node := &yaml.Node{Kind: yaml.MappingNode}
	for _, k := range keys {
		node.Content = append(node.Content,
			&yaml.Node{Kind: yaml.ScalarNode, Value: k},
			&yaml.Node{Kind: yaml.ScalarNode, Value: fmt.Sprintf("%g", out[k])})
	}
	return printYAML(node)
}
