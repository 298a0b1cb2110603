package client

import "github.com/aeolun/pixelcanvas/pkg/protocol"

// Place asks the server to paint one pixel
func (c *Conn) Place(x, y, color int) error {
	return c.Send(protocol.TypePlace, &protocol.Place{X: x, Y: y, Color: color})
}

// Undo asks the server to revert the latest placement
func (c *Conn) Undo() error {
	return c.Send(protocol.TypeUndo, nil)
}

// Chat posts one chat line
func (c *Conn) Chat(text string) error {
	return c.Send(protocol.TypeChatMessage, &protocol.ChatMessage{Message: text})
}

// ChatHistory requests the recent chat backlog
func (c *Conn) ChatHistory() error {
	return c.Send(protocol.TypeChatHistory, nil)
}
