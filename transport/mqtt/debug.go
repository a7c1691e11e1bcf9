package mqtt

import (
	"fmt"

	"github.com/256dpi/gomqtt/packet"
)

// PUBLISH payload as hex, no duplicate "Message=<Message".
func PacketString(p packet.Generic) string {
	if p == nil {
		return "(nil)"
	}
	switch pt := p.(type) {
	case *packet.Publish:
		return fmt.Sprintf("<Publish ID=%d Dup=%t %s>", pt.ID, pt.Dup, MessageString(&pt.Message))
	case *packet.Connect:
		// never log credentials
		return fmt.Sprintf("<Connect ClientID=%q KeepAlive=%d Username=%q CleanSession=%t Version=%d>",
			pt.ClientID, pt.KeepAlive, pt.Username, pt.CleanSession, pt.Version)
	}
	return p.String()
}

func MessageString(m *packet.Message) string {
	if m == nil {
		return "message=nil"
	}
	return fmt.Sprintf("Topic=%q QOS=%d Retain=%t Payload=%x", m.Topic, m.QOS, m.Retain, m.Payload)
}
