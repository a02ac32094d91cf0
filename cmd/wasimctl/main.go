package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/pcoelho/wasim/internal/api"
	"github.com/pcoelho/wasim/internal/client"
)

func main() {
	addrFlag := flag.String("addr", "127.0.0.1:8480", "daemon control API address")
	jsonFlag := flag.Bool("json", false, "output in JSON format")
	templateFlag := flag.Bool("template", false, "send as a pre-approved template message")
	forceFailFlag := flag.Bool("force-fail", false, "inject a terminal delivery failure")
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	c := client.New(*addrFlag)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	switch args[0] {
	case "inbound":
		if len(args) < 3 {
			fmt.Fprintln(os.Stderr, "usage: wasimctl inbound <from> <body>")
			os.Exit(1)
		}
		cmdInbound(ctx, c, args[1], strings.Join(args[2:], " "), *jsonFlag)
	case "send":
		if len(args) < 3 {
			fmt.Fprintln(os.Stderr, "usage: wasimctl [--template] [--force-fail] send <to> <body>")
			os.Exit(1)
		}
		cmdSend(ctx, c, api.SendRequest{
			To:        args[1],
			Body:      strings.Join(args[2:], " "),
			Template:  *templateFlag,
			ForceFail: *forceFailFlag,
		}, *jsonFlag)
	case "message":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "usage: wasimctl message <sid>")
			os.Exit(1)
		}
		cmdMessage(ctx, c, args[1], *jsonFlag)
	case "conversations":
		cmdConversations(ctx, c, args[1:], *jsonFlag)
	case "events":
		eventType := ""
		if len(args) >= 2 {
			eventType = args[1]
		}
		cmdEvents(ctx, c, eventType, *jsonFlag)
	case "transport":
		if len(args) >= 2 {
			cmdSetTransport(ctx, c, args[1])
		} else {
			cmdTransport(ctx, c)
		}
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", args[0])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "usage: wasimctl [--addr <host:port>] [--json] <command>")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "commands:")
	fmt.Fprintln(os.Stderr, "  inbound <from> <body>             Inject a customer message")
	fmt.Fprintln(os.Stderr, "  send <to> <body>                  Send a business message")
	fmt.Fprintln(os.Stderr, "  message <sid>                     Show one message")
	fmt.Fprintln(os.Stderr, "  conversations list                List conversations")
	fmt.Fprintln(os.Stderr, "  conversations show <wa_id>        Show one conversation")
	fmt.Fprintln(os.Stderr, "  conversations messages <wa_id>    Show message history")
	fmt.Fprintln(os.Stderr, "  conversations reset <wa_id>       Archive a conversation")
	fmt.Fprintln(os.Stderr, "  events [type]                     Show the webhook delivery log")
	fmt.Fprintln(os.Stderr, "  transport [online|offline]        Show or flip the simulated link")
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	os.Exit(1)
}

func cmdInbound(ctx context.Context, c *client.Client, from, body string, jsonOut bool) {
	msg, err := c.Inbound(ctx, from, body)
	if err != nil {
		fatal(err)
	}
	if jsonOut {
		outputJSON(msg)
		return
	}
	fmt.Printf("Received: %s (%s)\n", msg.SID, msg.Status)
}

func cmdSend(ctx context.Context, c *client.Client, req api.SendRequest, jsonOut bool) {
	msg, err := c.Send(ctx, req)
	if err != nil {
		fatal(err)
	}
	if jsonOut {
		outputJSON(msg)
		return
	}
	status := msg.Status
	if msg.Parked {
		status += " (parked, transport offline)"
	}
	if msg.ErrorCode != nil {
		status += fmt.Sprintf(" (error %d)", *msg.ErrorCode)
	}
	fmt.Printf("Sent: %s (%s)\n", msg.SID, status)
}

func cmdMessage(ctx context.Context, c *client.Client, sid string, jsonOut bool) {
	msg, err := c.Message(ctx, sid)
	if err != nil {
		fatal(err)
	}
	if jsonOut {
		outputJSON(msg)
		return
	}
	printMessage(*msg)
}

func cmdConversations(ctx context.Context, c *client.Client, args []string, jsonOut bool) {
	if len(args) == 0 {
		args = []string{"list"}
	}
	switch args[0] {
	case "list":
		convs, err := c.Conversations(ctx)
		if err != nil {
			fatal(err)
		}
		if jsonOut {
			outputJSON(convs)
			return
		}
		if len(convs) == 0 {
			fmt.Println("No conversations.")
			return
		}
		for _, conv := range convs {
			flags := ""
			if conv.Blocked {
				flags += " blocked"
			}
			if conv.Archived {
				flags += " archived"
			}
			fmt.Printf("%-28s %-10s%s\n", conv.WaID, conv.OptInState, flags)
		}
	case "show":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "usage: wasimctl conversations show <wa_id>")
			os.Exit(1)
		}
		conv, err := c.Conversation(ctx, args[1])
		if err != nil {
			fatal(err)
		}
		if jsonOut {
			outputJSON(conv)
			return
		}
		fmt.Printf("Customer:     %s\n", conv.WaID)
		fmt.Printf("Business:     %s\n", conv.BusinessNumber)
		fmt.Printf("Opt-in:       %s\n", conv.OptInState)
		if conv.LastInboundAt > 0 {
			fmt.Printf("Last inbound: %s\n", time.UnixMilli(conv.LastInboundAt).Format(time.RFC3339))
		} else {
			fmt.Println("Last inbound: never")
		}
	case "messages":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "usage: wasimctl conversations messages <wa_id>")
			os.Exit(1)
		}
		msgs, err := c.Messages(ctx, args[1])
		if err != nil {
			fatal(err)
		}
		if jsonOut {
			outputJSON(msgs)
			return
		}
		for _, msg := range msgs {
			printMessage(msg)
		}
	case "reset":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "usage: wasimctl conversations reset <wa_id>")
			os.Exit(1)
		}
		if err := c.Reset(ctx, args[1]); err != nil {
			fatal(err)
		}
		fmt.Println("Conversation archived.")
	default:
		fmt.Fprintf(os.Stderr, "unknown conversations subcommand: %s\n", args[0])
		os.Exit(1)
	}
}

func cmdEvents(ctx context.Context, c *client.Client, eventType string, jsonOut bool) {
	events, err := c.WebhookEvents(ctx, eventType)
	if err != nil {
		fatal(err)
	}
	if jsonOut {
		outputJSON(events)
		return
	}
	if len(events) == 0 {
		fmt.Println("No webhook events.")
		return
	}
	for _, ev := range events {
		fmt.Printf("%-16s %-36s %3d  %s\n", ev.Type, ev.MessageSID, ev.StatusCode, ev.URL)
	}
}

func cmdTransport(ctx context.Context, c *client.Client) {
	state, err := c.Transport(ctx)
	if err != nil {
		fatal(err)
	}
	fmt.Printf("Transport: %s\n", state)
}

func cmdSetTransport(ctx context.Context, c *client.Client, state string) {
	got, err := c.SetTransport(ctx, state)
	if err != nil {
		fatal(err)
	}
	fmt.Printf("Transport: %s\n", got)
}

func printMessage(msg api.MessagePayload) {
	code := ""
	if msg.ErrorCode != nil {
		code = fmt.Sprintf(" error=%d", *msg.ErrorCode)
	}
	fmt.Printf("%-36s %-8s %-9s%s  %s\n", msg.SID, msg.Direction, msg.Status, code, msg.Body)
}

func outputJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "json encode error: %v\n", err)
	}
}
