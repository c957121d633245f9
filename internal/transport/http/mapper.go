package http

import (
	"encoding/json"
	"fmt"

	"github.com/vovakirdan/chatbridge/internal/channel"
	"github.com/vovakirdan/chatbridge/internal/core"
	"github.com/vovakirdan/chatbridge/internal/proto"
	"github.com/vovakirdan/chatbridge/internal/ratelimit"
)

var channelCommands = map[string]core.CommandKind{
	proto.CmdJoin:        core.CommandJoin,
	proto.CmdPart:        core.CommandPart,
	proto.CmdSetChannels: core.CommandSetChannels,
}

func badRequest(msg string) *proto.Error {
	return &proto.Error{Code: core.ErrCodeBadRequest, Msg: msg}
}

func decode(inbound proto.Inbound, v any) *proto.Error {
	if len(inbound.Data) == 0 {
		return badRequest("data is required")
	}
	if err := json.Unmarshal(inbound.Data, v); err != nil {
		return badRequest(fmt.Sprintf("invalid %s data: %v", inbound.Cmd, err))
	}
	return nil
}

func inboundToCommand(appID string, inbound proto.Inbound) (*core.Command, *proto.Error) {
	cmd := &core.Command{ApplicationID: appID}

	switch inbound.Cmd {
	case proto.CmdAuth:
		var data proto.AuthData
		if perr := decode(inbound, &data); perr != nil {
			return nil, perr
		}
		cmd.Kind = core.CommandAuth
		cmd.IdentityID = string(data.UserID)
		cmd.Auth = core.Auth{
			Name:  data.UserName,
			Token: data.AccessToken,
			Limits: ratelimit.Limits{
				User:      data.RateLimitUser,
				Moderator: data.RateLimitModerator,
			},
		}
	case proto.CmdJoin, proto.CmdPart, proto.CmdSetChannels:
		var data proto.ChannelsData
		if perr := decode(inbound, &data); perr != nil {
			return nil, perr
		}
		cmd.Kind = channelCommands[inbound.Cmd]
		cmd.IdentityID = string(data.BotUserID)
		cmd.Channels = data.ChannelNames
	case proto.CmdSend:
		var data proto.SendData
		if perr := decode(inbound, &data); perr != nil {
			return nil, perr
		}
		if data.Whisper == "" && data.ChannelName == "" {
			return nil, badRequest("channelName is required")
		}
		if data.BotStatus < int(channel.RoleDefault) || data.BotStatus > int(channel.RoleBroadcaster) {
			return nil, badRequest(fmt.Sprintf("botStatus %d out of range", data.BotStatus))
		}
		cmd.Kind = core.CommandSend
		cmd.IdentityID = string(data.BotUserID)
		cmd.Message = core.Message{
			Channel:   data.ChannelName,
			Text:      data.Message,
			Role:      channel.Role(data.BotStatus),
			MaxLength: data.MaxMessageLength,
			Sticky:    data.UseSameSendConnectionAsPrevious,
			ReplyID:   data.ReplyParentMessage,
			Whisper:   data.Whisper,
		}
	case proto.CmdRemoveBot:
		var data proto.RemoveBotData
		if perr := decode(inbound, &data); perr != nil {
			return nil, perr
		}
		cmd.Kind = core.CommandRemove
		cmd.IdentityID = string(data.UserID)
	default:
		return nil, badRequest(fmt.Sprintf("unknown command %q", inbound.Cmd))
	}

	if cmd.IdentityID == "" {
		return nil, badRequest("bot user id is required")
	}
	return cmd, nil
}

func outboundFromEvent(event *core.Event) proto.Outbound {
	switch event.Kind {
	case core.EventMessage:
		msg := event.Message
		return proto.NewOutbound(proto.CmdIRC, proto.IRCMessage{
			BotUserID: event.IdentityID,
			ConnID:    event.ConnID,
			Tags:      msg.Tags,
			Command:   string(msg.Command),
			Prefix:    msg.Prefix,
			Param:     msg.Param(),
			Trailing:  msg.Trailing(),
		})
	case core.EventConnect:
		return proto.NewOutbound(proto.CmdConnect, proto.ConnectionEvent{BotUserID: event.IdentityID, ConnID: event.ConnID})
	case core.EventDisconnect:
		return proto.NewOutbound(proto.CmdDisconnect, proto.ConnectionEvent{BotUserID: event.IdentityID, ConnID: event.ConnID})
	case core.EventError:
		if event.Error == nil {
			return errorOutbound(&proto.Error{Code: core.ErrCodeInternal, Msg: "unknown error", BotUserID: event.IdentityID})
		}
		return errorOutbound(&proto.Error{Code: event.Error.Code, Msg: event.Error.Message, BotUserID: event.IdentityID})
	default:
		return proto.NewOutbound(event.Kind.String())
	}
}

func errorOutbound(perr *proto.Error) proto.Outbound {
	return proto.NewOutbound(proto.CmdError, perr)
}

func errorFromCore(err error, identityID string) *proto.Error {
	ce := core.AsCoreError(err)
	return &proto.Error{Code: ce.Code, Msg: ce.Message, BotUserID: identityID}
}
