package domain

import "fmt"

type MotorCommand byte

const (
	CmdRunSteps MotorCommand = 1
	CmdRunFree  MotorCommand = 2
	CmdStop     MotorCommand = 3
)

// MaxMotorParameter is the largest value that fits in the 6 parameter bits.
const MaxMotorParameter = 0x3F

func (c MotorCommand) String() string {
	switch c {
	case CmdRunSteps:
		return "CMD_RUN_STEP"
	case CmdRunFree:
		return "CMD_RUN_FREE"
	case CmdStop:
		return "CMD_STOP"
	default:
		return fmt.Sprintf("CMD_%d", byte(c))
	}
}

type MotorResponse struct {
	Command   MotorCommand `json:"command"`
	ErrorCode byte         `json:"errorCode"`
}

func (r MotorResponse) OK() bool {
	return r.ErrorCode == 0
}

func (r MotorResponse) String() string {
	return fmt.Sprintf("Command %d returns code %d.", byte(r.Command), r.ErrorCode)
}
