package motor

import (
	"fmt"

	"github.com/cortex-x/go-nfc-motor-bridge/internal/domain"
)

// Encode packs a command into one byte: command in bits 7-6, parameter in
// bits 5-0. Parameters that do not fit in 6 bits are rejected.
func Encode(cmd domain.MotorCommand, param int) (byte, error) {
	if cmd > 3 {
		return 0, fmt.Errorf("%w: command %d", domain.ErrInvalidParameter, cmd)
	}
	if param < 0 || param > domain.MaxMotorParameter {
		return 0, fmt.Errorf("%w: parameter %d out of range 0-%d", domain.ErrInvalidParameter, param, domain.MaxMotorParameter)
	}
	return byte(cmd)<<6 | byte(param), nil
}

func Decode(b byte) domain.MotorResponse {
	return domain.MotorResponse{
		Command:   domain.MotorCommand(b >> 6),
		ErrorCode: b & 0x3F,
	}
}
