package smartcard

import "fmt"

// StatusWord is SW1<<8|SW2, or StatusUnknown when the response was too short.
type StatusWord int

const (
	SWSuccess       StatusWord = 0x9000
	SWFailed        StatusWord = 0x6300
	SWNotSupported  StatusWord = 0x6A81
	StatusUnknown   StatusWord = -1
	StatusNoContext StatusWord = -2
)

// Mifare key types and reader key slots.
const (
	KeyTypeA byte = 0x60
	KeyTypeB byte = 0x61

	KeySlot0 byte = 0x00
	KeySlot1 byte = 0x01
)

const (
	BlockSize = 16
	KeyLength = 6
)

// ParseStatusWord extracts the trailing status word from a response.
func ParseStatusWord(resp []byte) StatusWord {
	if len(resp) < 2 {
		return StatusUnknown
	}
	return StatusWord(int(resp[len(resp)-2])<<8 | int(resp[len(resp)-1]))
}

func (sw StatusWord) OK() bool {
	return sw == SWSuccess
}

func (sw StatusWord) Text() string {
	switch sw {
	case SWSuccess:
		return "Success"
	case SWFailed:
		return "Failed"
	case SWNotSupported:
		return "Not supported"
	case StatusUnknown:
		return "Unknown"
	case StatusNoContext:
		return "No context"
	default:
		return "Unexpected"
	}
}

func (sw StatusWord) String() string {
	if sw < 0 {
		return sw.Text()
	}
	return fmt.Sprintf("%04X", int(sw))
}

func getUIDCommand() []byte {
	return []byte{0xFF, 0xCA, 0x00, 0x00, 0x00}
}

func authenticateCommand(block, keyType, keySlot byte) []byte {
	return []byte{
		0xFF, 0x86, 0x00, 0x00, 0x05,
		0x01, // version
		0x00,
		block,
		keyType,
		keySlot,
	}
}

func readBlockCommand(block byte) []byte {
	return []byte{0xFF, 0xB0, 0x00, block, BlockSize}
}

func writeBlockCommand(block byte, data []byte) []byte {
	cmd := make([]byte, 0, 5+len(data))
	cmd = append(cmd, 0xFF, 0xD6, 0x00, block, byte(len(data)))
	return append(cmd, data...)
}

func storeKeyCommand(key []byte, keySlot byte) []byte {
	cmd := make([]byte, 0, 5+KeyLength)
	cmd = append(cmd, 0xFF, 0x82, 0x00, keySlot, KeyLength)
	return append(cmd, key...)
}
