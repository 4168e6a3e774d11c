package api

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"

	"github.com/cortex-x/go-nfc-motor-bridge/internal/domain"
	"github.com/cortex-x/go-nfc-motor-bridge/internal/infra/smartcard"
	"github.com/cortex-x/go-nfc-motor-bridge/internal/infra/websocket"
	"github.com/cortex-x/go-nfc-motor-bridge/internal/journal"
	gorilla "github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"golang.org/x/text/encoding/charmap"
)

// CardOperations is the card engine as seen by the API.
type CardOperations interface {
	Connect(readerID string) error
	ReadUID(readerID string) (string, error)
	ReadCardBlock(block, keyType, keySlot byte) ([]byte, error)
	WriteBlock(data []byte, block, keyType, keySlot byte) error
	StoreKey(key []byte, keySlot byte) error
}

// MotorOperations is the motor engine as seen by the API.
type MotorOperations interface {
	// ConnectPort selects the serial port driving the motor and opens it.
	ConnectPort(port string) error
	Connect() error
	Disconnect()
	IsConnected() bool
	RunSteps(ctx context.Context, n int) (domain.MotorResponse, error)
	RunFree(ctx context.Context) (domain.MotorResponse, error)
	Stop(ctx context.Context) (domain.MotorResponse, error)
}

type Deps struct {
	Hub     *websocket.Hub
	Monitor domain.CardMonitorService
	Card    CardOperations
	Motor   MotorOperations
	Journal *journal.Journal
	// Readers and Ports enumerate devices for the selection endpoints.
	Readers func() ([]string, error)
	Ports   func() ([]string, error)
	// Reader is the reader used for card operations when the request does
	// not name one and no reader is watched.
	Reader string
}

type Handler struct {
	deps     Deps
	upgrader gorilla.Upgrader
}

func NewHandler(deps Deps) *Handler {
	return &Handler{
		deps: deps,
		upgrader: gorilla.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				// Allow connections from any origin
				return true
			},
		},
	}
}

func (h *Handler) Register(e *echo.Echo) {
	e.GET("/health", h.HealthCheck)
	e.GET("/ws", h.WebSocketHandler)
	e.GET("/readers", h.ListReaders)
	e.GET("/ports", h.ListPorts)
	e.GET("/logs", h.GetLogs)
	e.DELETE("/logs", h.ClearLogs)

	card := e.Group("/card")
	card.GET("/status", h.CardStatus)
	card.POST("/watch", h.WatchReader)
	card.DELETE("/watch", h.UnwatchReader)
	card.GET("/uid", h.CardUID)
	card.GET("/blocks/:block", h.ReadBlock)
	card.PUT("/blocks/:block", h.WriteBlock)
	card.POST("/keys/:slot", h.StoreKey)

	motor := e.Group("/motor")
	motor.POST("/connect", h.MotorConnect)
	motor.POST("/disconnect", h.MotorDisconnect)
	motor.POST("/steps/:n", h.MotorRunSteps)
	motor.POST("/free", h.MotorRunFree)
	motor.POST("/stop", h.MotorStop)
}

func (h *Handler) WebSocketHandler(c echo.Context) error {
	conn, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		log.Printf("WebSocket upgrade error: %v", err)
		return err
	}

	client := h.deps.Hub.RegisterClient(conn)

	// Start goroutines for reading and writing
	go client.WritePump()
	go client.ReadPump()

	return nil
}

func (h *Handler) HealthCheck(c echo.Context) error {
	motor := "disabled"
	if h.deps.Motor != nil {
		motor = "disconnected"
		if h.deps.Motor.IsConnected() {
			motor = "connected"
		}
	}
	card := string(domain.MonitorUnwatched)
	if h.deps.Monitor != nil {
		card = string(h.deps.Monitor.State())
	}
	return c.JSON(http.StatusOK, map[string]string{
		"status":  "healthy",
		"service": "NFC Motor Bridge",
		"card":    card,
		"motor":   motor,
	})
}

func (h *Handler) ListReaders(c echo.Context) error {
	if h.deps.Readers == nil {
		return c.JSON(http.StatusOK, []string{})
	}
	readers, err := h.deps.Readers()
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, readers)
}

func (h *Handler) ListPorts(c echo.Context) error {
	if h.deps.Ports == nil {
		return c.JSON(http.StatusOK, []string{})
	}
	ports, err := h.deps.Ports()
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, ports)
}

func (h *Handler) GetLogs(c echo.Context) error {
	if h.deps.Journal == nil {
		return c.JSON(http.StatusOK, []journal.Line{})
	}
	if c.QueryParam("format") == "text" {
		return c.String(http.StatusOK, h.deps.Journal.String())
	}
	return c.JSON(http.StatusOK, h.deps.Journal.Lines())
}

func (h *Handler) ClearLogs(c echo.Context) error {
	if h.deps.Journal != nil {
		h.deps.Journal.Clear()
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) CardStatus(c echo.Context) error {
	if h.deps.Monitor == nil {
		return c.JSON(http.StatusOK, map[string]any{"state": domain.MonitorUnwatched})
	}
	return c.JSON(http.StatusOK, map[string]any{
		"state":  h.deps.Monitor.State(),
		"reader": h.deps.Monitor.Status(),
	})
}

type watchRequest struct {
	Reader string `json:"reader"`
}

// WatchReader stops watching the current reader and starts watching the
// requested one. It also revives a watch that ended with the card service.
func (h *Handler) WatchReader(c echo.Context) error {
	if h.deps.Monitor == nil {
		return writeError(c, errNoReader)
	}
	var req watchRequest
	if err := c.Bind(&req); err != nil {
		return writeError(c, invalidRequest("malformed body"))
	}
	if req.Reader == "" {
		req.Reader = c.QueryParam("reader")
	}
	if req.Reader == "" {
		return writeError(c, invalidRequest("reader is required"))
	}
	if err := h.deps.Monitor.Start(req.Reader); err != nil {
		return writeError(c, err)
	}
	return h.CardStatus(c)
}

func (h *Handler) UnwatchReader(c echo.Context) error {
	if h.deps.Monitor != nil {
		h.deps.Monitor.Stop()
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) reader(c echo.Context) string {
	if r := c.QueryParam("reader"); r != "" {
		return r
	}
	if h.deps.Monitor != nil {
		if r := h.deps.Monitor.Status().Reader; r != "" {
			return r
		}
	}
	return h.deps.Reader
}

func (h *Handler) cardReady(c echo.Context) (string, error) {
	if h.deps.Card == nil {
		return "", domain.ErrContext
	}
	reader := h.reader(c)
	if reader == "" {
		return "", errNoReader
	}
	return reader, nil
}

func (h *Handler) CardUID(c echo.Context) error {
	reader, err := h.cardReady(c)
	if err != nil {
		return writeError(c, err)
	}
	uid, err := h.deps.Card.ReadUID(reader)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]string{"reader": reader, "uid": uid})
}

type blockResponse struct {
	Block int    `json:"block"`
	Hex   string `json:"hex"`
	Text  string `json:"text"`
}

func (h *Handler) ReadBlock(c echo.Context) error {
	block, err := parseByte(c.Param("block"))
	if err != nil {
		return writeError(c, err)
	}
	keyType, err := parseKeyType(c.QueryParam("keyType"))
	if err != nil {
		return writeError(c, err)
	}
	keySlot, err := parseByteDefault(c.QueryParam("keySlot"), smartcard.KeySlot0)
	if err != nil {
		return writeError(c, err)
	}

	reader, err := h.cardReady(c)
	if err != nil {
		return writeError(c, err)
	}
	if err := h.deps.Card.Connect(reader); err != nil {
		return writeError(c, err)
	}
	data, err := h.deps.Card.ReadCardBlock(block, keyType, keySlot)
	if err != nil {
		return writeError(c, err)
	}

	return c.JSON(http.StatusOK, blockResponse{
		Block: int(block),
		Hex:   hex.EncodeToString(data),
		Text:  decodeBlockText(data),
	})
}

type writeBlockRequest struct {
	Data    string `json:"data"`
	KeyType string `json:"keyType"`
	KeySlot *int   `json:"keySlot"`
}

func (h *Handler) WriteBlock(c echo.Context) error {
	block, err := parseByte(c.Param("block"))
	if err != nil {
		return writeError(c, err)
	}
	var req writeBlockRequest
	if err := c.Bind(&req); err != nil {
		return writeError(c, invalidRequest("malformed body"))
	}
	data, err := hex.DecodeString(req.Data)
	if err != nil || len(data) == 0 {
		return writeError(c, invalidRequest("data must be non-empty hex"))
	}
	keyType, err := parseKeyType(req.KeyType)
	if err != nil {
		return writeError(c, err)
	}
	keySlot := smartcard.KeySlot0
	if req.KeySlot != nil {
		if *req.KeySlot < 0 || *req.KeySlot > 0xFF {
			return writeError(c, invalidRequest("keySlot out of range"))
		}
		keySlot = byte(*req.KeySlot)
	}

	reader, err := h.cardReady(c)
	if err != nil {
		return writeError(c, err)
	}
	if err := h.deps.Card.Connect(reader); err != nil {
		return writeError(c, err)
	}
	if err := h.deps.Card.WriteBlock(data, block, keyType, keySlot); err != nil {
		status, body := errorResponse(err)
		if status == http.StatusBadGateway {
			body.Code = domain.ErrCodeWriteFailed
		}
		return c.JSON(status, body)
	}
	return c.NoContent(http.StatusNoContent)
}

type storeKeyRequest struct {
	Key string `json:"key"`
}

func (h *Handler) StoreKey(c echo.Context) error {
	slot, err := parseByte(c.Param("slot"))
	if err != nil {
		return writeError(c, err)
	}
	var req storeKeyRequest
	if err := c.Bind(&req); err != nil {
		return writeError(c, invalidRequest("malformed body"))
	}
	key, err := hex.DecodeString(req.Key)
	if err != nil {
		return writeError(c, invalidRequest("key must be hex"))
	}
	if len(key) != smartcard.KeyLength {
		return writeError(c, domain.ErrInvalidKeyLength)
	}

	reader, err := h.cardReady(c)
	if err != nil {
		return writeError(c, err)
	}
	if err := h.deps.Card.Connect(reader); err != nil {
		return writeError(c, err)
	}
	if err := h.deps.Card.StoreKey(key, slot); err != nil {
		return writeError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

type motorConnectRequest struct {
	Port string `json:"port"`
}

// MotorConnect opens the selected port, or selects and opens the port named
// in the request.
func (h *Handler) MotorConnect(c echo.Context) error {
	if h.deps.Motor == nil {
		return writeError(c, domain.ErrNotConnected)
	}
	var req motorConnectRequest
	if err := c.Bind(&req); err != nil {
		return writeError(c, invalidRequest("malformed body"))
	}
	if req.Port == "" {
		req.Port = c.QueryParam("port")
	}

	var err error
	if req.Port != "" {
		err = h.deps.Motor.ConnectPort(req.Port)
	} else {
		err = h.deps.Motor.Connect()
	}
	if err != nil {
		return writeMotorError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) MotorDisconnect(c echo.Context) error {
	if h.deps.Motor != nil {
		h.deps.Motor.Disconnect()
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) MotorRunSteps(c echo.Context) error {
	n, err := strconv.Atoi(c.Param("n"))
	if err != nil {
		return writeError(c, invalidRequest("steps must be an integer"))
	}
	return h.motorCommand(c, func(ctx context.Context) (domain.MotorResponse, error) {
		return h.deps.Motor.RunSteps(ctx, n)
	})
}

func (h *Handler) MotorRunFree(c echo.Context) error {
	return h.motorCommand(c, func(ctx context.Context) (domain.MotorResponse, error) {
		return h.deps.Motor.RunFree(ctx)
	})
}

func (h *Handler) MotorStop(c echo.Context) error {
	return h.motorCommand(c, func(ctx context.Context) (domain.MotorResponse, error) {
		return h.deps.Motor.Stop(ctx)
	})
}

func (h *Handler) motorCommand(c echo.Context, run func(context.Context) (domain.MotorResponse, error)) error {
	if h.deps.Motor == nil {
		return writeError(c, domain.ErrNotConnected)
	}
	resp, err := run(c.Request().Context())
	if err != nil {
		return writeMotorError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{
		"command":   resp.Command,
		"errorCode": resp.ErrorCode,
		"success":   resp.OK(),
	})
}

// decodeBlockText renders block bytes as Latin-1 text without NUL padding.
func decodeBlockText(data []byte) string {
	decoded, err := charmap.ISO8859_1.NewDecoder().Bytes(data)
	if err != nil {
		decoded = data
	}
	return string(bytes.Trim(decoded, "\x00"))
}

func parseByte(s string) (byte, error) {
	v, err := strconv.ParseUint(s, 0, 8)
	if err != nil {
		return 0, invalidRequest("expected a number between 0 and 255")
	}
	return byte(v), nil
}

func parseByteDefault(s string, def byte) (byte, error) {
	if s == "" {
		return def, nil
	}
	return parseByte(s)
}

func parseKeyType(s string) (byte, error) {
	switch strings.ToUpper(s) {
	case "", "A":
		return smartcard.KeyTypeA, nil
	case "B":
		return smartcard.KeyTypeB, nil
	}
	v, err := parseByte(s)
	if err != nil || (v != smartcard.KeyTypeA && v != smartcard.KeyTypeB) {
		return 0, invalidRequest("keyType must be A, B, 0x60 or 0x61")
	}
	return v, nil
}

var errNoReader = errors.New("no reader selected")

type requestError struct {
	msg string
}

func (e *requestError) Error() string { return e.msg }

func invalidRequest(msg string) error {
	return &requestError{msg: msg}
}

func writeError(c echo.Context, err error) error {
	status, body := errorResponse(err)
	return c.JSON(status, body)
}

func writeMotorError(c echo.Context, err error) error {
	switch {
	case errors.Is(err, domain.ErrConnect):
		return c.JSON(http.StatusServiceUnavailable, domain.ErrorResponse{Code: domain.ErrCodeMotorUnavailable, Message: err.Error()})
	case errors.Is(err, domain.ErrTransmit):
		return c.JSON(http.StatusBadGateway, domain.ErrorResponse{Code: domain.ErrCodeMotorFailed, Message: domain.ErrMsgMotorFailed})
	}
	return writeError(c, err)
}

func errorResponse(err error) (int, domain.ErrorResponse) {
	var reqErr *requestError
	switch {
	case errors.As(err, &reqErr):
		return http.StatusBadRequest, domain.ErrorResponse{Code: domain.ErrCodeInvalidRequest, Message: reqErr.msg}
	case errors.Is(err, domain.ErrInvalidKeyLength), errors.Is(err, domain.ErrInvalidParameter):
		return http.StatusBadRequest, domain.ErrorResponse{Code: domain.ErrCodeInvalidRequest, Message: err.Error()}
	case errors.Is(err, domain.ErrAlreadyClaimed):
		return http.StatusConflict, domain.ErrorResponse{Code: domain.ErrCodeInvalidRequest, Message: err.Error()}
	case errors.Is(err, domain.ErrBusy):
		return http.StatusConflict, domain.ErrorResponse{Code: domain.ErrCodeMotorBusy, Message: domain.ErrMsgMotorBusy}
	case errors.Is(err, domain.ErrTimeout):
		return http.StatusGatewayTimeout, domain.ErrorResponse{Code: domain.ErrCodeMotorTimeout, Message: domain.ErrMsgMotorTimeout}
	case errors.Is(err, errNoReader), errors.Is(err, domain.ErrContext):
		return http.StatusServiceUnavailable, domain.ErrorResponse{Code: domain.ErrCodeReaderNotFound, Message: domain.ErrMsgReaderNotFound}
	case errors.Is(err, domain.ErrNotConnected):
		return http.StatusServiceUnavailable, domain.ErrorResponse{Code: domain.ErrCodeMotorUnavailable, Message: domain.ErrMsgMotorUnavailable}
	case errors.Is(err, domain.ErrConnect):
		return http.StatusServiceUnavailable, domain.ErrorResponse{Code: domain.ErrCodeCardNotDetected, Message: err.Error()}
	case errors.Is(err, domain.ErrStatusFailure), errors.Is(err, domain.ErrTransmit):
		return http.StatusBadGateway, domain.ErrorResponse{Code: domain.ErrCodeReadFailed, Message: err.Error()}
	default:
		return http.StatusInternalServerError, domain.ErrorResponse{Code: domain.ErrCodeReadFailed, Message: err.Error()}
	}
}
