package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Inbound message type tags
const (
	TypePlace            = "pixel"
	TypeUndo             = "undo"
	TypeCaptcha          = "captcha"
	TypeShadowbanMe      = "shadowbanme"
	TypeBanMe            = "banme"
	TypeChatHistory      = "ChatHistory"
	TypeChatbanState     = "ChatbanState"
	TypeChatMessage      = "ChatMessage"
	TypeCooldownOverride = "admin_cdoverride"
	TypeAdminMessage     = "admin_message"
)

// Outbound message type tags
const (
	TypeUserInfo          = "userinfo"
	TypePixels            = "pixels"
	TypeCooldown          = "cooldown"
	TypeCaptchaRequired   = "captcha_required"
	TypeCaptchaStatus     = "captcha_status"
	TypePixelUpdate       = "pixel"
	TypeCanUndo           = "can_undo"
	TypeACK               = "ACK"
	TypeUsers             = "users"
	TypeChatbanStateReply = "chat_ban_state"
	TypeChatHistoryReply  = "chat_history"
	TypeChatMessageReply  = "chat_message"
	TypeChatCooldown      = "message_cooldown"
	TypeChatPurge         = "chat_purge"
	TypeChatSpecificPurge = "chat_purge_specific"
	TypeAlert             = "alert"
)

// ACK targets
const (
	AckPlace = "PLACE"
	AckUndo  = "UNDO"
)

var (
	// ErrUnknownType is returned for a well-formed message with an unrecognised type tag.
	ErrUnknownType = errors.New("unknown message type")
	// ErrMalformed is returned when the payload is not a JSON object with a type tag.
	ErrMalformed = errors.New("malformed message")
)

// Inbound is one decoded client message. The set of implementations is closed.
type Inbound interface {
	MessageType() string
	inbound()
}

type Place struct {
	X     int `json:"x"`
	Y     int `json:"y"`
	Color int `json:"color"`
}

type Undo struct{}

type Captcha struct {
	Token string `json:"token"`
}

type ShadowbanMe struct{}

type BanMe struct {
	App string `json:"app"`
}

type ChatHistory struct{}

type ChatbanState struct{}

type ChatMessage struct {
	Message string `json:"message"`
}

// CooldownOverride toggles the moderator cooldown bypass.
type CooldownOverride struct {
	Override bool `json:"override"`
}

// AdminMessage sends an alert to every connection of the named user.
type AdminMessage struct {
	Username string `json:"username"`
	Message  string `json:"message"`
}

func (*Place) inbound()            {}
func (*Undo) inbound()             {}
func (*Captcha) inbound()          {}
func (*ShadowbanMe) inbound()      {}
func (*BanMe) inbound()            {}
func (*ChatHistory) inbound()      {}
func (*ChatbanState) inbound()     {}
func (*ChatMessage) inbound()      {}
func (*CooldownOverride) inbound() {}
func (*AdminMessage) inbound()     {}

func (*Place) MessageType() string            { return TypePlace }
func (*Undo) MessageType() string             { return TypeUndo }
func (*Captcha) MessageType() string          { return TypeCaptcha }
func (*ShadowbanMe) MessageType() string      { return TypeShadowbanMe }
func (*BanMe) MessageType() string            { return TypeBanMe }
func (*ChatHistory) MessageType() string      { return TypeChatHistory }
func (*ChatbanState) MessageType() string     { return TypeChatbanState }
func (*ChatMessage) MessageType() string      { return TypeChatMessage }
func (*CooldownOverride) MessageType() string { return TypeCooldownOverride }
func (*AdminMessage) MessageType() string     { return TypeAdminMessage }

// DecodeInbound decodes a client message into its typed variant.
func DecodeInbound(data []byte) (Inbound, error) {
	var head struct {
		Type *string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if head.Type == nil {
		return nil, fmt.Errorf("%w: missing type", ErrMalformed)
	}

	var msg Inbound
	switch *head.Type {
	case TypePlace:
		msg = &Place{}
	case TypeUndo:
		return &Undo{}, nil
	case TypeCaptcha:
		msg = &Captcha{}
	case TypeShadowbanMe:
		return &ShadowbanMe{}, nil
	case TypeBanMe:
		msg = &BanMe{}
	case TypeChatHistory:
		return &ChatHistory{}, nil
	case TypeChatbanState:
		return &ChatbanState{}, nil
	case TypeChatMessage:
		msg = &ChatMessage{}
	case TypeCooldownOverride:
		msg = &CooldownOverride{}
	case TypeAdminMessage:
		msg = &AdminMessage{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, *head.Type)
	}

	if err := json.Unmarshal(data, msg); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, *head.Type, err)
	}
	return msg, nil
}
