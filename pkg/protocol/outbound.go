package protocol

import "encoding/json"

// Outbound is a server message. Encode stamps the type tag before marshalling.
type Outbound interface {
	MessageType() string
	stamp(string)
}

// Header carries the type tag shared by every outbound message.
type Header struct {
	Type string `json:"type"`
}

func (h *Header) stamp(t string) { h.Type = t }

// Encode marshals an outbound message with its type tag.
func Encode(msg Outbound) ([]byte, error) {
	msg.stamp(msg.MessageType())
	return json.Marshal(msg)
}

type UserInfo struct {
	Header
	Username         string `json:"username"`
	Role             string `json:"role"`
	Banned           bool   `json:"banned"`
	BanExpiry        int64  `json:"banExpiry"`
	BanReason        string `json:"ban_reason"`
	Method           string `json:"method"`
	CooldownOverride bool   `json:"cdOverride"`
	Chatbanned       bool   `json:"chatBanned"`
	ChatbanReason    string `json:"chatbanReason"`
	ChatbanIsPerma   bool   `json:"chatbanIsPerma"`
	ChatbanExpiry    int64  `json:"chatbanExpiry"`
	RenameRequested  bool   `json:"renameRequested"`
}

type AvailablePixels struct {
	Header
	Count int    `json:"count"`
	Cause string `json:"cause"`
}

// Cooldown carries the remaining wait in seconds.
type Cooldown struct {
	Header
	Wait float64 `json:"wait"`
}

type CaptchaRequired struct {
	Header
}

type CaptchaStatus struct {
	Header
	Success bool `json:"success"`
}

type Pixel struct {
	X     int `json:"x"`
	Y     int `json:"y"`
	Color int `json:"color"`
}

type PixelUpdate struct {
	Header
	Pixels []Pixel `json:"pixels"`
}

type CanUndo struct {
	Header
	Time int64 `json:"time"`
}

type ACK struct {
	Header
	AckFor string `json:"ackFor"`
	X      int    `json:"x"`
	Y      int    `json:"y"`
}

type Users struct {
	Header
	Count int `json:"count"`
}

type ChatbanStateReply struct {
	Header
	Permanent bool  `json:"permanent"`
	Expiry    int64 `json:"expiry"`
}

type Badge struct {
	DisplayName string `json:"displayName"`
	Tooltip     string `json:"tooltip"`
	Type        string `json:"type"`
}

// ChatEntry is one chat line as clients see it. Date is in seconds.
type ChatEntry struct {
	Nonce   string  `json:"nonce"`
	Author  string  `json:"author"`
	Date    int64   `json:"date"`
	Message string  `json:"message_raw"`
	Badges  []Badge `json:"badges"`
}

type ChatHistoryReply struct {
	Header
	Messages []ChatEntry `json:"messages"`
}

type ChatMessageReply struct {
	Header
	Message ChatEntry `json:"message"`
}

type ChatCooldown struct {
	Header
	Diff    int    `json:"diff"`
	Message string `json:"message"`
}

type ChatPurge struct {
	Header
	Target    string `json:"target"`
	Initiator string `json:"initiator"`
	Amount    int    `json:"amount"`
	Reason    string `json:"reason"`
}

type ChatSpecificPurge struct {
	Header
	Target    string   `json:"target"`
	Initiator string   `json:"initiator"`
	Nonces    []string `json:"nonces"`
	Reason    string   `json:"reason"`
}

type Alert struct {
	Header
	Message string `json:"message"`
}

func (*UserInfo) MessageType() string          { return TypeUserInfo }
func (*AvailablePixels) MessageType() string   { return TypePixels }
func (*Cooldown) MessageType() string          { return TypeCooldown }
func (*CaptchaRequired) MessageType() string   { return TypeCaptchaRequired }
func (*CaptchaStatus) MessageType() string     { return TypeCaptchaStatus }
func (*PixelUpdate) MessageType() string       { return TypePixelUpdate }
func (*CanUndo) MessageType() string           { return TypeCanUndo }
func (*ACK) MessageType() string               { return TypeACK }
func (*Users) MessageType() string             { return TypeUsers }
func (*ChatbanStateReply) MessageType() string { return TypeChatbanStateReply }
func (*ChatHistoryReply) MessageType() string  { return TypeChatHistoryReply }
func (*ChatMessageReply) MessageType() string  { return TypeChatMessageReply }
func (*ChatCooldown) MessageType() string      { return TypeChatCooldown }
func (*ChatPurge) MessageType() string         { return TypeChatPurge }
func (*ChatSpecificPurge) MessageType() string { return TypeChatSpecificPurge }
func (*Alert) MessageType() string             { return TypeAlert }
