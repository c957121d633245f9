package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/vovakirdan/chatbridge/internal/proto"
)

func main() {
	if err := run(); err != nil {
		log.Printf("ws_smoke: %v", err)
		os.Exit(1)
	}
}

func run() error {
	addr := flag.String("addr", "ws://localhost:8080/ws", "gateway address")
	token := flag.String("token", "", "gateway token (bridge token issue)")
	app := flag.String("app", "smoke", "application id when no token is used")
	botID := flag.String("bot-id", "1", "bot user id")
	botName := flag.String("bot-name", "", "bot login")
	botToken := flag.String("bot-token", "", "bot chat token")
	channel := flag.String("channel", "", "channel to join and greet")
	text := flag.String("text", "hello from smoke test", "message text to send")
	timeout := flag.Duration("timeout", 30*time.Second, "total timeout for the run")
	flag.Parse()

	if *botName == "" || *botToken == "" || *channel == "" {
		return fmt.Errorf("-bot-name, -bot-token and -channel are required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	var opts *websocket.DialOptions
	if *token != "" {
		opts = &websocket.DialOptions{HTTPHeader: http.Header{"Authorization": []string{"Bearer " + *token}}}
	}
	conn, _, err := websocket.Dial(ctx, *addr, opts)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "bye")

	mustSend := func(cmd string, data any) error {
		payload, err := json.Marshal(data)
		if err != nil {
			return fmt.Errorf("marshal %s: %w", cmd, err)
		}
		in := proto.Inbound{Cmd: cmd, Data: payload, Version: proto.Version, ApplicationID: proto.ID(*app)}
		if err := wsjson.Write(ctx, conn, in); err != nil {
			return fmt.Errorf("send %s: %w", cmd, err)
		}
		return nil
	}

	id := proto.ID(*botID)
	if err := mustSend(proto.CmdAuth, proto.AuthData{UserID: id, UserName: *botName, AccessToken: *botToken}); err != nil {
		return err
	}
	if err := mustSend(proto.CmdJoin, proto.ChannelsData{BotUserID: id, ChannelNames: []string{*channel}}); err != nil {
		return err
	}

	sent := false
	for {
		var outbound struct {
			Cmd  string            `json:"cmd"`
			Data []json.RawMessage `json:"data"`
		}
		if err := wsjson.Read(ctx, conn, &outbound); err != nil {
			return fmt.Errorf("read: %w", err)
		}
		fmt.Printf("Received outbound: cmd=%s\n", outbound.Cmd)

		for _, raw := range outbound.Data {
			switch outbound.Cmd {
			case proto.CmdIRC:
				var line proto.IRCMessage
				if err := json.Unmarshal(raw, &line); err != nil {
					return fmt.Errorf("unmarshal irc: %w", err)
				}
				fmt.Printf("IRC: conn=%d %s %s %q\n", line.ConnID, line.Command, line.Param, line.Trailing)

				// the server confirms our join with a ROOMSTATE
				if line.Command == "ROOMSTATE" && !sent {
					sent = true
					if err := mustSend(proto.CmdSend, proto.SendData{BotUserID: id, ChannelName: *channel, Message: *text}); err != nil {
						return err
					}
				}
				if line.Command == "USERSTATE" && sent {
					return nil
				}
			case proto.CmdError:
				var perr proto.Error
				if err := json.Unmarshal(raw, &perr); err == nil {
					fmt.Printf("Error: %s %s\n", perr.Code, perr.Msg)
				}
			default:
				fmt.Printf("Raw data: %s\n", raw)
			}
		}
	}
}
