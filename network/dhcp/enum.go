package dhcp

import "fmt"

type OpCode uint8

const (
	BootRequest OpCode = 1
	BootReply   OpCode = 2
)

func (o OpCode) String() string {
	switch o {
	case BootRequest:
		return "BOOTREQUEST"
	case BootReply:
		return "BOOTREPLY"
	}
	return fmt.Sprintf("OpCode(%d)", uint8(o))
}

type MessageType uint8

const (
	MessageDiscover MessageType = 1
	MessageOffer    MessageType = 2
	MessageRequest  MessageType = 3
	MessageDecline  MessageType = 4
	MessageAck      MessageType = 5
	MessageNak      MessageType = 6
	MessageRelease  MessageType = 7
	MessageInform   MessageType = 8
)

func (m MessageType) String() string {
	switch m {
	case MessageDiscover:
		return "DISCOVER"
	case MessageOffer:
		return "OFFER"
	case MessageRequest:
		return "REQUEST"
	case MessageDecline:
		return "DECLINE"
	case MessageAck:
		return "ACK"
	case MessageNak:
		return "NAK"
	case MessageRelease:
		return "RELEASE"
	case MessageInform:
		return "INFORM"
	}
	return fmt.Sprintf("MessageType(%d)", uint8(m))
}

type OptionCode uint8

const (
	OptionPad          OptionCode = 0
	OptionSubnetMask   OptionCode = 1
	OptionRouter       OptionCode = 3
	OptionDNS          OptionCode = 6
	OptionHostname     OptionCode = 12
	OptionRequestedIP  OptionCode = 50
	OptionLeaseTime    OptionCode = 51
	OptionMessageType  OptionCode = 53
	OptionServerID     OptionCode = 54
	OptionParamRequest OptionCode = 55
	OptionClientID     OptionCode = 61
	OptionEnd          OptionCode = 255
)

func (o OptionCode) String() string {
	switch o {
	case OptionPad:
		return "pad"
	case OptionSubnetMask:
		return "subnet-mask"
	case OptionRouter:
		return "router"
	case OptionDNS:
		return "dns"
	case OptionHostname:
		return "hostname"
	case OptionRequestedIP:
		return "requested-ip"
	case OptionLeaseTime:
		return "lease-time"
	case OptionMessageType:
		return "message-type"
	case OptionServerID:
		return "server-id"
	case OptionParamRequest:
		return "param-request"
	case OptionClientID:
		return "client-id"
	case OptionEnd:
		return "end"
	}
	return fmt.Sprintf("option(%d)", uint8(o))
}

type State uint8

const (
	StateInit State = iota
	StateSelecting
	StateRequesting
	StateBound
	StateRenewing
	StateRebinding
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateSelecting:
		return "SELECTING"
	case StateRequesting:
		return "REQUESTING"
	case StateBound:
		return "BOUND"
	case StateRenewing:
		return "RENEWING"
	case StateRebinding:
		return "REBINDING"
	}
	return fmt.Sprintf("State(%d)", uint8(s))
}

// Action is what lease timing asks the owner to do next.
type Action uint8

const (
	ActionNone Action = iota
	ActionRenew
	ActionRebind
	ActionReacquire
)

func (a Action) String() string {
	switch a {
	case ActionNone:
		return "none"
	case ActionRenew:
		return "renew"
	case ActionRebind:
		return "rebind"
	case ActionReacquire:
		return "reacquire"
	}
	return fmt.Sprintf("Action(%d)", uint8(a))
}
