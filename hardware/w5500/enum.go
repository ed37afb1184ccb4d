package w5500

import "fmt"

// Block selects a register file inside the chip (BSB field of control byte).
type Block uint8

const BlockCommon Block = 0

func (b Block) String() string {
	if b == BlockCommon {
		return "common"
	}
	s := Socket((b - 1) / 4)
	switch (b - 1) % 4 {
	case 0:
		return fmt.Sprintf("s%d", s)
	case 1:
		return fmt.Sprintf("s%d/tx", s)
	case 2:
		return fmt.Sprintf("s%d/rx", s)
	}
	return fmt.Sprintf("reserved(%d)", uint8(b))
}

// Socket is hardware socket handle 0..7.
type Socket uint8

const MaxSockets = 8

func (s Socket) Valid() bool    { return s < MaxSockets }
func (s Socket) String() string { return fmt.Sprintf("s%d", uint8(s)) }

func (s Socket) RegBlock() Block { return Block(4*uint8(s) + 1) }
func (s Socket) TxBlock() Block  { return Block(4*uint8(s) + 2) }
func (s Socket) RxBlock() Block  { return Block(4*uint8(s) + 3) }

// Common register offsets, BlockCommon.
const (
	RegMR       uint16 = 0x0000
	RegGAR      uint16 = 0x0001 // gateway, 4 bytes
	RegSUBR     uint16 = 0x0005 // subnet mask, 4 bytes
	RegSHAR     uint16 = 0x0009 // MAC, 6 bytes
	RegSIPR     uint16 = 0x000f // source IP, 4 bytes
	RegIR       uint16 = 0x0015
	RegIMR      uint16 = 0x0016
	RegSIR      uint16 = 0x0017
	RegSIMR     uint16 = 0x0018
	RegRTR      uint16 = 0x0019 // retry time, 2 bytes, 100us units
	RegRCR      uint16 = 0x001b
	RegPHYCFGR  uint16 = 0x002e
	RegVERSIONR uint16 = 0x0039
)

// Socket register offsets, Socket.RegBlock().
const (
	SnMR         uint16 = 0x0000
	SnCR         uint16 = 0x0001
	SnIR         uint16 = 0x0002
	SnSR         uint16 = 0x0003
	SnPORT       uint16 = 0x0004 // 2 bytes
	SnDHAR       uint16 = 0x0006 // 6 bytes
	SnDIPR       uint16 = 0x000c // 4 bytes
	SnDPORT      uint16 = 0x0010 // 2 bytes
	SnMSSR       uint16 = 0x0012
	SnRXBUF_SIZE uint16 = 0x001e
	SnTXBUF_SIZE uint16 = 0x001f
	SnTX_FSR     uint16 = 0x0020
	SnTX_RD      uint16 = 0x0022
	SnTX_WR      uint16 = 0x0024
	SnRX_RSR     uint16 = 0x0026
	SnRX_RD      uint16 = 0x0028
	SnRX_WR      uint16 = 0x002a
)

const (
	ModeReset byte = 0x80 // MR.RST, self clearing

	ChipVersion byte = 0x04

	PhyLink       byte = 0x01
	PhySpeed100   byte = 0x02
	PhyDuplexFull byte = 0x04
)

// Socket interrupt bits, Sn_IR. Cleared by writing 1.
const (
	IntCon     byte = 0x01
	IntDiscon  byte = 0x02
	IntRecv    byte = 0x04
	IntTimeout byte = 0x08
	IntSendOk  byte = 0x10
)

// Protocol is the low nibble of Sn_MR.
type Protocol uint8

const (
	ProtoClosed Protocol = 0x00
	ProtoTCP    Protocol = 0x01
	ProtoUDP    Protocol = 0x02
	ProtoMACRAW Protocol = 0x04
)

func (p Protocol) String() string {
	switch p {
	case ProtoClosed:
		return "closed"
	case ProtoTCP:
		return "tcp"
	case ProtoUDP:
		return "udp"
	case ProtoMACRAW:
		return "macraw"
	}
	return fmt.Sprintf("Protocol(%d)", uint8(p))
}

// Status Sn_SR expected after OPEN.
func (p Protocol) openStatus() Status {
	switch p {
	case ProtoUDP:
		return StatusUDP
	case ProtoMACRAW:
		return StatusMACRAW
	}
	return StatusInit
}

type Command uint8

const (
	CmdOpen     Command = 0x01
	CmdListen   Command = 0x02
	CmdConnect  Command = 0x04
	CmdDiscon   Command = 0x08
	CmdClose    Command = 0x10
	CmdSend     Command = 0x20
	CmdSendMAC  Command = 0x21
	CmdSendKeep Command = 0x22
	CmdRecv     Command = 0x40
)

func (c Command) String() string {
	switch c {
	case CmdOpen:
		return "OPEN"
	case CmdListen:
		return "LISTEN"
	case CmdConnect:
		return "CONNECT"
	case CmdDiscon:
		return "DISCON"
	case CmdClose:
		return "CLOSE"
	case CmdSend:
		return "SEND"
	case CmdSendMAC:
		return "SEND_MAC"
	case CmdSendKeep:
		return "SEND_KEEP"
	case CmdRecv:
		return "RECV"
	}
	return fmt.Sprintf("Command(0x%02x)", uint8(c))
}

type Status uint8

const (
	StatusClosed      Status = 0x00
	StatusInit        Status = 0x13
	StatusListen      Status = 0x14
	StatusSynSent     Status = 0x15
	StatusSynRecv     Status = 0x16
	StatusEstablished Status = 0x17
	StatusFinWait     Status = 0x18
	StatusClosing     Status = 0x1a
	StatusTimeWait    Status = 0x1b
	StatusCloseWait   Status = 0x1c
	StatusLastAck     Status = 0x1d
	StatusUDP         Status = 0x22
	StatusMACRAW      Status = 0x42
)

func (s Status) String() string {
	switch s {
	case StatusClosed:
		return "CLOSED"
	case StatusInit:
		return "INIT"
	case StatusListen:
		return "LISTEN"
	case StatusSynSent:
		return "SYNSENT"
	case StatusSynRecv:
		return "SYNRECV"
	case StatusEstablished:
		return "ESTABLISHED"
	case StatusFinWait:
		return "FIN_WAIT"
	case StatusClosing:
		return "CLOSING"
	case StatusTimeWait:
		return "TIME_WAIT"
	case StatusCloseWait:
		return "CLOSE_WAIT"
	case StatusLastAck:
		return "LAST_ACK"
	case StatusUDP:
		return "UDP"
	case StatusMACRAW:
		return "MACRAW"
	}
	return fmt.Sprintf("Status(0x%02x)", uint8(s))
}
