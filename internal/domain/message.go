package domain

type WebSocketMessage struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
}

type ErrorResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

const (
	MsgCardInserted       = "CARD_INSERTED"
	MsgCardEjected        = "CARD_EJECTED"
	MsgReaderDisconnected = "READER_DISCONNECTED"
	MsgMotorResponse      = "MOTOR_RESPONSE"
	MsgError              = "ERROR"
)

const (
	ErrCodeReaderNotFound = 1001
	ErrMsgReaderNotFound  = "No smart card reader found."

	ErrCodeCardNotDetected = 1002
	ErrMsgCardNotDetected  = "No smart card detected in the reader."

	ErrCodeReadFailed = 1003
	ErrMsgReadFailed  = "Failed to read data from the smart card."

	ErrCodeWriteFailed = 1004
	ErrMsgWriteFailed  = "Failed to write data to the smart card."

	ErrCodeInvalidRequest = 1005
	ErrMsgInvalidRequest  = "Invalid request."

	ErrCodeMotorBusy = 2001
	ErrMsgMotorBusy  = "A motor command is already in progress."

	ErrCodeMotorTimeout = 2002
	ErrMsgMotorTimeout  = "The motor did not respond in time."

	ErrCodeMotorUnavailable = 2003
	ErrMsgMotorUnavailable  = "The motor controller is not available."

	ErrCodeMotorFailed = 2004
	ErrMsgMotorFailed  = "Failed to send the motor command."
)

// MessageType maps a card event to its websocket message type.
func (e CardEvent) MessageType() string {
	switch e.Type {
	case CardInserted:
		return MsgCardInserted
	case CardEjected:
		return MsgCardEjected
	default:
		return MsgReaderDisconnected
	}
}
